package channel

import (
	"errors"
	"fmt"
	"io"

	"github.com/mkolkebeck/bro/pkg/link"
)

// ErrBadFrameLength is returned for a frame whose length byte is below the minimum
var ErrBadFrameLength = errors.New("bad link frame length")

// Framing selects how a stream channel splits its bytes into Read units
type Framing int

const (
	FramingLink  Framing = iota // DNP3 link frames
	FramingRelay                // Relay envelopes
)

// String returns string representation of Framing
func (f Framing) String() string {
	switch f {
	case FramingLink:
		return "Link"
	case FramingRelay:
		return "Relay"
	default:
		return "Unknown"
	}
}

// read returns the next unit and the count of bytes skipped to find it
func (f Framing) read(r io.Reader) ([]byte, int, error) {
	if f == FramingRelay {
		data, err := readEnvelopeBytes(r)
		return data, 0, err
	}
	return ReadFrame(r)
}

// ReadFrame reads the next link frame from r. Bytes before a start marker
// are discarded and counted in skipped. r should be buffered: the marker
// search reads one byte at a time.
func ReadFrame(r io.Reader) (frame []byte, skipped int, err error) {
	var b [1]byte
	var prev byte
	havePrev := false
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, skipped, err
		}
		if havePrev && prev == link.StartByte1 && b[0] == link.StartByte2 {
			break
		}
		if havePrev {
			skipped++
		}
		prev, havePrev = b[0], true
	}

	header := make([]byte, link.HeaderSize)
	header[0], header[1] = link.StartByte1, link.StartByte2
	if _, err := io.ReadFull(r, header[2:]); err != nil {
		return nil, skipped, err
	}

	size := link.FrameSize(header[link.OffsetLength])
	if size < 0 {
		return nil, skipped, fmt.Errorf("%w: %d", ErrBadFrameLength, header[link.OffsetLength])
	}

	frame = make([]byte, size)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[link.HeaderSize:]); err != nil {
		return nil, skipped, err
	}
	return frame, skipped, nil
}
