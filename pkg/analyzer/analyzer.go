// Package analyzer rebuilds DNP3 application messages from the two byte
// streams of a TCP connection and hands them to downstream consumers.
package analyzer

import (
	"errors"

	"github.com/mkolkebeck/bro/internal/logger"
	"github.com/mkolkebeck/bro/pkg/link"
	"github.com/mkolkebeck/bro/pkg/transport"
)

// Analyzer handles one connection. Each stream direction has its own
// reassembly context so both sides can have a message in progress at once.
//
// Analyzer methods are not safe for concurrent use; the caller delivers the
// chunks of one connection in order.
type Analyzer struct {
	id     string
	config transport.Config
	stats  *transport.Statistics
	logger logger.Logger

	pass   PassThrough
	parser Parser

	orig *transport.Reassembler
	resp *transport.Reassembler

	origEOF bool
	respEOF bool
	done    bool
}

// New creates an analyzer for the connection id. stats may be shared between
// analyzers; nil allocates a private one. A nil pass, parser or log is
// replaced by a no-op implementation.
func New(id string, config transport.Config, stats *transport.Statistics, pass PassThrough, parser Parser, log logger.Logger) *Analyzer {
	if stats == nil {
		stats = transport.NewStatistics()
	}
	if pass == nil {
		pass = NopPassThrough{}
	}
	if parser == nil {
		parser = NopParser{}
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Analyzer{
		id:     id,
		config: config,
		stats:  stats,
		logger: log,
		pass:   pass,
		parser: parser,
		orig:   transport.NewReassembler(config, stats, log),
		resp:   transport.NewReassembler(config, stats, log),
	}
}

// ID returns the connection id
func (a *Analyzer) ID() string {
	return a.id
}

// DeliverStream processes one chunk of the orig (or responder) stream.
//
// Chunks that do not start with the link marker are passed through unchanged.
// Link frames without user data and frames too short to hold a transport
// header are dropped. Everything else is fed to the direction's reassembler,
// and a completed message goes to the pass-through and the parser.
func (a *Analyzer) DeliverStream(orig bool, data []byte) {
	if a.done {
		return
	}

	hdr, err := link.Classify(data)
	switch {
	case errors.Is(err, link.ErrNotDNP3):
		if a.config.EnableStatistics {
			a.stats.IncrementPassedThrough()
		}
		a.pass.DeliverStream(data, orig)
		return
	case errors.Is(err, link.ErrFrameTooShort):
		a.logger.Warn("DNP3 analyzer %s: %v", a.id, err)
		return
	case errors.Is(err, link.ErrUnsupportedFunction):
		if a.config.EnableStatistics {
			a.stats.IncrementUnsupported()
		}
		a.logger.Debug("DNP3 analyzer %s: dropping link function %d", a.id, hdr.FunctionCode)
		return
	}

	msg, err := a.reassembler(orig).Process(data, hdr)
	if err != nil || msg == nil {
		return
	}

	isRequest := msg.Dir.IsRequest()
	a.logger.Debug("DNP3 analyzer %s: %s message, %d bytes", a.id, msg.Dir, len(msg.Data))
	a.pass.DeliverStream(msg.Data, isRequest)
	a.parser.NewData(isRequest, msg.Data)
}

// Undelivered reports length bytes at seq missing from the orig (or
// responder) stream. A message in progress in that direction is discarded.
func (a *Analyzer) Undelivered(seq, length int, orig bool) {
	if a.done {
		return
	}
	a.logger.Debug("DNP3 analyzer %s: %d bytes undelivered at %d (orig=%t)", a.id, length, seq, orig)
	a.reassembler(orig).Abort(transport.ErrStreamGap)
}

// EndpointEOF ends one direction of the connection. Only the first call
// per direction reaches the parser.
func (a *Analyzer) EndpointEOF(orig bool) {
	if a.done {
		return
	}
	ended := &a.respEOF
	if orig {
		ended = &a.origEOF
	}
	if *ended {
		return
	}
	*ended = true

	a.reassembler(orig).Abort(transport.ErrEndOfFlow)
	a.parser.FlowEOF(orig)
}

// Done ends both directions that have not ended yet. Later deliveries are
// ignored.
func (a *Analyzer) Done() {
	if a.done {
		return
	}
	a.EndpointEOF(true)
	a.EndpointEOF(false)
	a.done = true
}

// IsDone reports whether Done has been called
func (a *Analyzer) IsDone() bool {
	return a.done
}

// Stats returns the statistics the analyzer records into
func (a *Analyzer) Stats() *transport.Statistics {
	return a.stats
}

func (a *Analyzer) reassembler(orig bool) *transport.Reassembler {
	if orig {
		return a.orig
	}
	return a.resp
}
