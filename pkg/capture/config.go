package capture

import "time"

// DefaultPort is the registered DNP3 TCP port
const DefaultPort = 20000

// Config configures packet capture processing
type Config struct {
	// Ports selects the TCP connections to analyze: a packet is kept when
	// either of its ports is listed. The listed port marks the outstation
	// side of a connection. Empty keeps every TCP packet.
	// Default: [20000]
	Ports []uint16

	// SplitFrames delivers a TCP payload holding several whole link frames
	// as one chunk per frame.
	// Default: true
	SplitFrames bool

	// IdleTimeout closes connections without traffic for this long, measured
	// in capture time. 0 keeps connections open until the end of input.
	// Default: 2 minutes
	IdleTimeout time.Duration

	// MaxBufferedPagesPerConnection bounds out-of-order data held per
	// connection by the TCP reassembler. 0 means no limit.
	// Default: 4096
	MaxBufferedPagesPerConnection int
}

// DefaultConfig returns default capture configuration
func DefaultConfig() Config {
	return Config{
		Ports:                         []uint16{DefaultPort},
		SplitFrames:                   true,
		IdleTimeout:                   2 * time.Minute,
		MaxBufferedPagesPerConnection: 4096,
	}
}

func (c Config) isServerPort(port uint16) bool {
	for _, p := range c.Ports {
		if p == port {
			return true
		}
	}
	return false
}

func (c Config) matches(src, dst uint16) bool {
	return len(c.Ports) == 0 || c.isServerPort(src) || c.isServerPort(dst)
}
