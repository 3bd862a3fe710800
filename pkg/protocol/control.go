package protocol

// CloseReason tells the other side why the stream is ending.
type CloseReason uint8

const (
	CloseNormal         CloseReason = 0x00 // Orderly shutdown
	CloseGoingAway      CloseReason = 0x01 // Endpoint is exiting
	CloseTimeout        CloseReason = 0x02 // No traffic within the peer timeout
	CloseServerShutdown CloseReason = 0x03 // Sender is stopping
	CloseError          CloseReason = 0x04 // Protocol or sync failure
)

// String returns the string representation of the close reason.
func (cr CloseReason) String() string {
	switch cr {
	case CloseNormal:
		return "Normal"
	case CloseGoingAway:
		return "GoingAway"
	case CloseTimeout:
		return "Timeout"
	case CloseServerShutdown:
		return "ServerShutdown"
	case CloseError:
		return "Error"
	default:
		return "Unknown"
	}
}

// PingPong is the payload of MsgPing and MsgPong.
type PingPong struct {
	Timestamp uint64 // Sender's Unix milliseconds, echoed by the pong
}

// CloseMessage is the payload of MsgClose.
type CloseMessage struct {
	Reason  CloseReason
	Message string
}

// EncodePingPong encodes a heartbeat payload.
func EncodePingPong(pp *PingPong) []byte {
	e := NewEncoderWithCap(8)
	e.WriteUint64(pp.Timestamp)
	return e.Bytes()
}

// DecodePingPong decodes a heartbeat payload.
func DecodePingPong(data []byte) (*PingPong, error) {
	ts, err := NewDecoder(data).ReadUint64()
	if err != nil {
		return nil, err
	}
	return &PingPong{Timestamp: ts}, nil
}

// EncodeClose encodes a close payload.
func EncodeClose(cm *CloseMessage) []byte {
	e := NewEncoder()
	e.WriteByte(byte(cm.Reason))
	e.WriteString(cm.Message)
	return e.Bytes()
}

// DecodeClose decodes a close payload.
func DecodeClose(data []byte) (*CloseMessage, error) {
	d := NewDecoder(data)
	reason, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	msg, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &CloseMessage{Reason: CloseReason(reason), Message: msg}, nil
}
