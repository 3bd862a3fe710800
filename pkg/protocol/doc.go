// Package protocol implements the deltacast wire formats.
//
// Three formats share the big-endian Encoder/Decoder primitives in this
// package:
//
//   - FramePacket: one captured frame (header plus dirty regions). It is the
//     unit that the sender broadcasts and the receiver reconstructs.
//   - Fragment: the datagram framing used to carry a FramePacket over an
//     unreliable channel. Fragments are never retransmitted.
//   - Stream messages: length-prefixed control messages on the reliable
//     per-peer stream (handshake, sync frames, heartbeats, refresh, close).
//
// # FramePacket
//
//	┌──────────┬─────────┬─────────┬────────┬───────────┬──────────────┬──────────────┐
//	│ frame_id │ width   │ height  │ chroma │ threshold │ timestamp_us │ region_count │
//	│ u32      │ u16     │ u16     │ u8     │ u8        │ i64          │ u32          │
//	└──────────┴─────────┴─────────┴────────┴───────────┴──────────────┴──────────────┘
//
// followed by region_count regions:
//
//	┌─────┬─────┬───────┬────────┬───────────────┬───────────────────┬─────────────┬─────────┐
//	│ x   │ y   │ width │ height │ is_compressed │ uncompressed_size │ payload_len │ payload │
//	│ u16 │ u16 │ u16   │ u16    │ u8            │ u32               │ u32         │ bytes   │
//	└─────┴─────┴───────┴────────┴───────────────┴───────────────────┴─────────────┴─────────┘
//
// The format carries no version: both ends are built from the same package,
// and the handshake on the reliable stream rejects mismatched majors.
//
// # Fragment
//
//	[frame_id: u32][index: u16][count: u16][data]
//
// # Stream message
//
//	[type: u8][length: u32][payload]
package protocol
