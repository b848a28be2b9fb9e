package transport

import (
	"encoding/binary"
	"errors"

	"github.com/mkolkebeck/bro/internal/logger"
	"github.com/mkolkebeck/bro/pkg/link"
)

var (
	ErrMalformedSegmentLength = errors.New("non-final transport segment is not a full link frame")
	ErrMissingFirstSegment    = errors.New("first transport segment missing")
	ErrIncompleteMessage      = errors.New("previous message never received its final segment")
	ErrMessageTooLarge        = errors.New("reassembled message too large")
	ErrInvalidSequence        = errors.New("invalid transport sequence")
	ErrStreamGap              = errors.New("stream bytes missing mid-message")
	ErrEndOfFlow              = errors.New("flow ended mid-message")
)

// State is the reassembly state of one stream direction
type State int

const (
	StateIdle         State = iota // No message in progress
	StateAccumulating              // First segment seen, waiting for more
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAccumulating:
		return "Accumulating"
	default:
		return "Unknown"
	}
}

// Message is a reassembled application message in link frame shape: the
// 8-byte link header with bytes 2-3 replaced by the little-endian length of
// the message minus 2, followed by the application data of every segment.
type Message struct {
	Dir  link.Direction
	Data []byte
}

// Payload returns the application data following the link header
func (m *Message) Payload() []byte {
	return m.Data[link.AddressedSize:]
}

// Reassembler rebuilds application messages from the link frames of one
// stream direction. It is not safe for concurrent use.
type Reassembler struct {
	config Config
	stats  *Statistics
	logger logger.Logger

	state   State
	buffer  []byte // nil unless state is StateAccumulating
	dir     link.Direction
	lastSeq uint8
}

// NewReassembler creates a new transport reassembler. stats may be shared
// between reassemblers; nil allocates a private one.
func NewReassembler(config Config, stats *Statistics, log logger.Logger) *Reassembler {
	if stats == nil {
		stats = NewStatistics()
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Reassembler{
		config: config.withDefaults(),
		stats:  stats,
		logger: log,
	}
}

// Process handles one frame already accepted by link.Classify.
//
// It returns the finished message when the frame closes one, nil when more
// segments are needed, and an error when the frame was dropped. Errors are
// already logged and counted; after any error the reassembler is Idle.
func (r *Reassembler) Process(frame []byte, hdr link.Header) (*Message, error) {
	if r.config.EnableStatistics {
		r.stats.IncrementRxSegments()
	}

	fir, fin, seq := ParseHeader(hdr.Transport)

	if fir && r.state == StateAccumulating {
		r.anomaly(ErrIncompleteMessage, "%d bytes buffered", len(r.buffer))
		r.Reset()
	}

	if !fir {
		if r.state == StateIdle {
			return nil, r.anomaly(ErrMissingFirstSegment, "seq=%d fin=%t", seq, fin)
		}
		if r.config.ValidateSequence && seq != (r.lastSeq+1)&TransportSeqMask {
			err := r.anomaly(ErrInvalidSequence, "got %d after %d", seq, r.lastSeq)
			r.Reset()
			return nil, err
		}
	}

	if !fin && len(frame) != r.config.SegmentSize {
		err := r.anomaly(ErrMalformedSegmentLength, "%d bytes, want %d", len(frame), r.config.SegmentSize)
		r.Reset()
		return nil, err
	}

	if fir {
		r.buffer = make([]byte, 0, link.AddressedSize+link.StrippedLen(len(frame)))
		r.buffer = append(r.buffer, frame[:link.AddressedSize]...)
		r.dir = hdr.Dir
	}
	r.buffer = link.StripBlockChecksums(r.buffer, frame)
	r.lastSeq = seq

	if len(r.buffer) >= r.config.MaxMessageSize {
		err := r.anomaly(ErrMessageTooLarge, "%d bytes", len(r.buffer))
		r.Reset()
		return nil, err
	}

	if !fin {
		r.state = StateAccumulating
		return nil, nil
	}
	return r.finalize(), nil
}

// finalize patches the length field and hands the buffer to the caller
func (r *Reassembler) finalize() *Message {
	data := r.buffer
	binary.LittleEndian.PutUint16(data[link.OffsetLength:], uint16(len(data)-2))

	msg := &Message{Dir: r.dir, Data: data}
	r.Reset()

	if r.config.EnableStatistics {
		r.stats.IncrementRxMessages()
	}
	return msg
}

// Abort discards an in-progress message, recording cause as the anomaly.
// It reports whether anything was discarded.
func (r *Reassembler) Abort(cause error) bool {
	if r.state != StateAccumulating {
		return false
	}
	r.anomaly(cause, "%d bytes buffered", len(r.buffer))
	r.Reset()
	return true
}

func (r *Reassembler) anomaly(err error, format string, args ...interface{}) error {
	if r.config.EnableStatistics {
		r.stats.recordAnomaly(err)
	}
	r.logger.Warn("DNP3 transport: %v: "+format, append([]interface{}{err}, args...)...)
	return err
}

// Reset resets the reassembler state
func (r *Reassembler) Reset() {
	r.state = StateIdle
	r.buffer = nil
	r.lastSeq = 0
}

// State returns the current reassembly state
func (r *Reassembler) State() State {
	return r.state
}

// InProgress returns true if reassembly is in progress
func (r *Reassembler) InProgress() bool {
	return r.state == StateAccumulating
}

// Buffered returns the number of bytes held for the message in progress
func (r *Reassembler) Buffered() int {
	return len(r.buffer)
}

// Stats returns the statistics the reassembler records into
func (r *Reassembler) Stats() *Statistics {
	return r.stats
}
