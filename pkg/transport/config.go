package transport

import "github.com/mkolkebeck/bro/pkg/link"

// MaxMessageSize bounds a reassembled message, link header included.
const MaxMessageSize = 65536

// Config holds configuration for transport reassembly
type Config struct {
	// SegmentSize is the exact wire size required of every segment that
	// does not end a message.
	// Default: 292 bytes (a full link frame)
	SegmentSize int

	// MaxMessageSize is the size a reassembled message must stay below.
	// Default: 65536 bytes
	MaxMessageSize int

	// ValidateSequence drops a message whose segments do not carry
	// consecutive transport sequence numbers. Off by default: field devices
	// are known to reuse or skip sequence numbers.
	ValidateSequence bool

	// EnableStatistics enables statistics collection
	EnableStatistics bool
}

// DefaultConfig returns default transport configuration
func DefaultConfig() Config {
	return Config{
		SegmentSize:      link.MaxFrameSize,
		MaxMessageSize:   MaxMessageSize,
		ValidateSequence: false,
		EnableStatistics: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SegmentSize <= 0 {
		c.SegmentSize = d.SegmentSize
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > MaxMessageSize {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}
