package analyzer

// PassThrough receives the bytes an analyzer hands downstream: reconstructed
// messages and every chunk that is not DNP3.
type PassThrough interface {
	// DeliverStream is called with a reconstructed message (orig is then the
	// message's request flag) or with an unmodified non-DNP3 chunk (orig is
	// then the stream's originator flag).
	DeliverStream(data []byte, orig bool)
}

// Parser is the application-layer consumer of reconstructed messages.
type Parser interface {
	// NewData is called once per reconstructed message
	NewData(isRequest bool, data []byte)

	// FlowEOF is called when one direction of the connection ends
	FlowEOF(isOrig bool)
}

// NopPassThrough discards everything delivered to it
type NopPassThrough struct{}

// DeliverStream does nothing
func (NopPassThrough) DeliverStream(data []byte, orig bool) {}

// NopParser discards everything delivered to it
type NopParser struct{}

// NewData does nothing
func (NopParser) NewData(isRequest bool, data []byte) {}

// FlowEOF does nothing
func (NopParser) FlowEOF(isOrig bool) {}
