// Package channel provides the byte transports around the analyzer: live
// taps that read link frames off TCP, UDP or a serial line, and the relay
// that ships reconstructed messages to a collector over QUIC or TCP.
package channel

import (
	"context"
	"errors"
)

var (
	ErrChannelClosed   = errors.New("channel is closed")
	ErrNoConnection    = errors.New("no connection")
	ErrAddressRequired = errors.New("address is required")
)

// ConnectionStateListener receives notifications about connection state changes
type ConnectionStateListener interface {
	// OnConnectionEstablished is called when a new connection is established
	OnConnectionEstablished()

	// OnConnectionLost is called when a connection is lost
	OnConnectionLost()
}

// PhysicalChannel is a source and sink of framed bytes.
type PhysicalChannel interface {
	// Read blocks until the next unit arrives: a link frame, a datagram or
	// a relay envelope, depending on the channel's framing.
	Read(ctx context.Context) ([]byte, error)

	// Write writes data to the medium. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close releases all resources and unblocks pending Read/Write calls
	Close() error

	// Statistics returns transport-level statistics
	Statistics() TransportStats

	// SetConnectionStateListener sets a listener for connection state changes.
	// Channels without connections ignore it.
	SetConnectionStateListener(listener ConnectionStateListener)
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent     uint64 // Total bytes sent
	BytesReceived uint64 // Total bytes received
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	SkippedBytes  uint64 // Bytes discarded while searching for a start marker
	Connects      uint64 // Number of connections (for connection-oriented transports)
	Disconnects   uint64 // Number of disconnections
}
