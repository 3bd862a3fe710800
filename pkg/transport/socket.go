package transport

import (
	"fmt"
	"log/slog"
	"net"
)

// listenUDP opens the UDP socket QUIC runs on and sizes its kernel buffers.
// A kernel that caps the buffers below the request is logged, not fatal.
func listenUDP(address string, readBuf, writeBuf int, logger *slog.Logger) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}
	if err := conn.SetReadBuffer(readBuf); err != nil {
		logger.Warn("could not set socket read buffer", "size", readBuf, "error", err)
	}
	if err := conn.SetWriteBuffer(writeBuf); err != nil {
		logger.Warn("could not set socket write buffer", "size", writeBuf, "error", err)
	}
	return conn, nil
}
