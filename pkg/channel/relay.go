package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/mkolkebeck/bro/internal/logger"
	"github.com/mkolkebeck/bro/pkg/analyzer"
	"github.com/mkolkebeck/bro/pkg/link"
)

// Relay envelope layout:
//
//	byte 0      flags (bit 0 set for a request)
//	byte 1      length n of the connection id
//	n bytes     connection id
//	message     reconstructed message; its own bytes 2-3 give its length - 2
const (
	envelopeFlagRequest uint8 = 0x01
	envelopePrefixSize        = 2
	messagePrefixSize         = 4 // start bytes and length field
	maxConnIDSize             = 255
)

var (
	ErrBadEnvelope = errors.New("malformed relay envelope")
	ErrConnIDSize  = errors.New("connection id longer than 255 bytes")
)

// Envelope carries one reconstructed message between relay and collector
type Envelope struct {
	Conn      string // Connection id the message was reconstructed on
	IsRequest bool   // Message travels master to outstation
	Message   []byte // Reconstructed message, link header included
}

// Marshal converts the envelope to wire format
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Conn) > maxConnIDSize {
		return nil, ErrConnIDSize
	}
	if err := checkMessage(e.Message); err != nil {
		return nil, err
	}

	out := make([]byte, 0, envelopePrefixSize+len(e.Conn)+len(e.Message))
	var flags uint8
	if e.IsRequest {
		flags |= envelopeFlagRequest
	}
	out = append(out, flags, uint8(len(e.Conn)))
	out = append(out, e.Conn...)
	return append(out, e.Message...), nil
}

// ParseEnvelope parses one complete envelope. Message aliases data.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < envelopePrefixSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadEnvelope, len(data))
	}
	n := int(data[1])
	if len(data) < envelopePrefixSize+n {
		return nil, fmt.Errorf("%w: truncated connection id", ErrBadEnvelope)
	}

	msg := data[envelopePrefixSize+n:]
	if err := checkMessage(msg); err != nil {
		return nil, err
	}

	return &Envelope{
		Conn:      string(data[envelopePrefixSize : envelopePrefixSize+n]),
		IsRequest: data[0]&envelopeFlagRequest != 0,
		Message:   msg,
	}, nil
}

// ReadEnvelope reads one envelope from r
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	data, err := readEnvelopeBytes(r)
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(data)
}

func readEnvelopeBytes(r io.Reader) ([]byte, error) {
	prefix := make([]byte, envelopePrefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	n := int(prefix[1])
	head := make([]byte, envelopePrefixSize+n+messagePrefixSize)
	copy(head, prefix)
	if _, err := io.ReadFull(r, head[envelopePrefixSize:]); err != nil {
		return nil, err
	}

	msgHead := head[envelopePrefixSize+n:]
	if !link.HasStartBytes(msgHead) {
		return nil, fmt.Errorf("%w: message without start bytes", ErrBadEnvelope)
	}
	total := int(binary.LittleEndian.Uint16(msgHead[link.OffsetLength:])) + 2
	if total < link.AddressedSize {
		return nil, fmt.Errorf("%w: message length %d", ErrBadEnvelope, total)
	}

	data := make([]byte, len(head)+total-messagePrefixSize)
	copy(data, head)
	if _, err := io.ReadFull(r, data[len(head):]); err != nil {
		return nil, err
	}
	return data, nil
}

// checkMessage verifies msg is self-delimiting: start bytes and a length
// field matching its size
func checkMessage(msg []byte) error {
	if len(msg) < link.AddressedSize || !link.HasStartBytes(msg) {
		return fmt.Errorf("%w: not a reconstructed message", ErrBadEnvelope)
	}
	if int(binary.LittleEndian.Uint16(msg[link.OffsetLength:]))+2 != len(msg) {
		return fmt.Errorf("%w: length field does not match %d bytes", ErrBadEnvelope, len(msg))
	}
	return nil
}

// Relay sends reconstructed messages over a channel to a collector
type Relay struct {
	ch           PhysicalChannel
	writeTimeout time.Duration
	logger       logger.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewRelay creates a relay writing to ch. A zero writeTimeout defaults to
// 10 seconds.
func NewRelay(ch PhysicalChannel, writeTimeout time.Duration, log logger.Logger) *Relay {
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Relay{ch: ch, writeTimeout: writeTimeout, logger: log}
}

// Send writes one envelope
func (r *Relay) Send(ctx context.Context, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		r.failed.Add(1)
		return err
	}
	if err := r.ch.Write(ctx, data); err != nil {
		r.failed.Add(1)
		return pkgerrors.Wrapf(err, "relay %s", env.Conn)
	}
	r.sent.Add(1)
	return nil
}

// Parser returns an analyzer.Parser relaying every message of connection id
func (r *Relay) Parser(id string) analyzer.Parser {
	return &relayParser{relay: r, id: id}
}

// Sent returns the number of envelopes written
func (r *Relay) Sent() uint64 {
	return r.sent.Load()
}

// Failed returns the number of envelopes that could not be written
func (r *Relay) Failed() uint64 {
	return r.failed.Load()
}

type relayParser struct {
	relay *Relay
	id    string
}

func (p *relayParser) NewData(isRequest bool, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.relay.writeTimeout)
	defer cancel()

	env := &Envelope{Conn: p.id, IsRequest: isRequest, Message: data}
	if err := p.relay.Send(ctx, env); err != nil {
		p.relay.logger.Warn("Relay: dropping %d byte message: %v", len(data), err)
	}
}

func (p *relayParser) FlowEOF(isOrig bool) {}

// Receive reads envelopes from a relay-framed channel and hands each to
// handle until ctx is done or the channel closes. Malformed envelopes are
// logged and skipped.
func Receive(ctx context.Context, ch PhysicalChannel, handle func(*Envelope), log logger.Logger) error {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			log.Warn("Relay: dropping envelope: %v", err)
			continue
		}
		handle(env)
	}
}
