package analyzer

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkolkebeck/bro/pkg/link"
	"github.com/mkolkebeck/bro/pkg/transport"
)

type delivery struct {
	data []byte
	flag bool
}

// recorder implements both PassThrough and Parser
type recorder struct {
	passed   []delivery
	messages []delivery
	eofs     []bool
}

func (r *recorder) DeliverStream(data []byte, orig bool) {
	r.passed = append(r.passed, delivery{data: append([]byte(nil), data...), flag: orig})
}

func (r *recorder) NewData(isRequest bool, data []byte) {
	r.messages = append(r.messages, delivery{data: append([]byte(nil), data...), flag: isRequest})
}

func (r *recorder) FlowEOF(isOrig bool) {
	r.eofs = append(r.eofs, isOrig)
}

func newTestAnalyzer() (*Analyzer, *recorder) {
	rec := &recorder{}
	return New("test", transport.DefaultConfig(), nil, rec, rec, nil), rec
}

func apdu(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func frames(t *testing.T, dir link.Direction, data []byte) [][]byte {
	t.Helper()
	f, err := transport.Frames(dir, link.FuncUserDataConfirmed, 10, 1, data, 0)
	require.NoError(t, err)
	return f
}

func TestAnalyzer_SingleSegmentMessage(t *testing.T) {
	a, rec := newTestAnalyzer()
	data := []byte{0xC0, 0x01, 0x3C, 0x01, 0x06}
	f := frames(t, link.DirectionMasterToOutstation, data)

	a.DeliverStream(true, f[0])

	require.Len(t, rec.messages, 1)
	msg := rec.messages[0]
	assert.True(t, msg.flag)
	assert.Equal(t, data, msg.data[link.AddressedSize:])
	assert.Equal(t, uint16(len(msg.data)-2), binary.LittleEndian.Uint16(msg.data[2:4]))

	require.Len(t, rec.passed, 1, "message also goes to the pass-through")
	assert.Equal(t, msg.data, rec.passed[0].data)
	assert.True(t, rec.passed[0].flag)
}

func TestAnalyzer_DirectionFromControlByte(t *testing.T) {
	a, rec := newTestAnalyzer()
	f := frames(t, link.DirectionOutstationToMaster, []byte{0xC0, 0x81, 0x00, 0x00})

	// delivered on the originator stream, but the frame says response
	a.DeliverStream(true, f[0])

	require.Len(t, rec.messages, 1)
	assert.False(t, rec.messages[0].flag)
}

func TestAnalyzer_MultiSegmentMessage(t *testing.T) {
	a, rec := newTestAnalyzer()
	data := apdu(700, 1)
	f := frames(t, link.DirectionOutstationToMaster, data)
	require.Len(t, f, 3)

	for _, frame := range f {
		a.DeliverStream(false, frame)
	}

	require.Len(t, rec.messages, 1)
	assert.Equal(t, data, rec.messages[0].data[link.AddressedSize:])
	assert.Equal(t, uint64(1), a.Stats().GetRxMessages())
	assert.Equal(t, uint64(3), a.Stats().GetRxSegments())
}

func TestAnalyzer_NonDNP3PassThrough(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"HTTP request", []byte("GET / HTTP/1.1\r\n\r\n")},
		{"Single byte", []byte{0x05}},
		{"Wrong second marker byte", []byte{0x05, 0x65, 0x05, 0xC0, 0x01, 0x00, 0x00, 0x04, 0xE9, 0x21, 0xC0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, rec := newTestAnalyzer()
			a.DeliverStream(false, tt.data)

			require.Len(t, rec.passed, 1)
			assert.Equal(t, tt.data, rec.passed[0].data)
			assert.False(t, rec.passed[0].flag)
			assert.Empty(t, rec.messages)
			assert.Equal(t, uint64(1), a.Stats().GetPassedThrough())
		})
	}
}

func TestAnalyzer_DropsFramesWithoutUserData(t *testing.T) {
	a, rec := newTestAnalyzer()

	wire, err := link.NewFrame(link.DirectionMasterToOutstation, link.FuncRequestLinkStatus, 10, 1, []byte{0xC0}).Serialize()
	require.NoError(t, err)
	a.DeliverStream(true, wire)

	short := []byte{0x05, 0x64, 0x05, 0xC9, 0x0A, 0x00, 0x01, 0x00}
	a.DeliverStream(true, short)

	assert.Empty(t, rec.passed)
	assert.Empty(t, rec.messages)
	assert.Equal(t, uint64(1), a.Stats().GetUnsupported())
}

func TestAnalyzer_OversizedMessageDropped(t *testing.T) {
	a, rec := newTestAnalyzer()
	for _, frame := range frames(t, link.DirectionOutstationToMaster, apdu(70000, 0)) {
		a.DeliverStream(false, frame)
	}

	assert.Empty(t, rec.messages)
	assert.Equal(t, uint64(1), a.Stats().GetTooLarge())
}

func TestAnalyzer_DirectionsReassembleIndependently(t *testing.T) {
	a, rec := newTestAnalyzer()
	req := apdu(400, 0x10)
	resp := apdu(500, 0x80)
	fr := frames(t, link.DirectionMasterToOutstation, req)
	fs := frames(t, link.DirectionOutstationToMaster, resp)

	a.DeliverStream(true, fr[0])
	a.DeliverStream(false, fs[0])
	a.DeliverStream(false, fs[1])
	a.DeliverStream(true, fr[1])
	a.DeliverStream(false, fs[2])

	require.Len(t, rec.messages, 2)
	assert.Equal(t, req, rec.messages[0].data[link.AddressedSize:])
	assert.True(t, rec.messages[0].flag)
	assert.Equal(t, resp, rec.messages[1].data[link.AddressedSize:])
	assert.False(t, rec.messages[1].flag)
	assert.Zero(t, a.Stats().GetAnomalies())
}

func TestAnalyzer_UndeliveredAbandonsMessage(t *testing.T) {
	a, rec := newTestAnalyzer()
	f := frames(t, link.DirectionOutstationToMaster, apdu(600, 0))

	a.DeliverStream(false, f[0])
	a.Undelivered(292, 292, false)
	a.DeliverStream(false, f[2])

	assert.Empty(t, rec.messages)
	assert.Equal(t, uint64(1), a.Stats().GetDiscardedOnGap())
	assert.Equal(t, uint64(1), a.Stats().GetMissingFirst())
}

func TestAnalyzer_EndpointEOF(t *testing.T) {
	a, rec := newTestAnalyzer()
	f := frames(t, link.DirectionMasterToOutstation, apdu(600, 0))

	a.DeliverStream(true, f[0])
	a.EndpointEOF(true)

	assert.Equal(t, []bool{true}, rec.eofs)
	assert.Equal(t, uint64(1), a.Stats().GetDiscardedOnEOF())

	a.DeliverStream(true, f[1])
	a.DeliverStream(true, f[2])
	assert.Empty(t, rec.messages)
}

func TestAnalyzer_EndpointEOFOncePerDirection(t *testing.T) {
	a, rec := newTestAnalyzer()

	a.EndpointEOF(false)
	a.EndpointEOF(false)
	a.Done()

	assert.Equal(t, []bool{false, true}, rec.eofs)
}

func TestAnalyzer_ShortFrameDropped(t *testing.T) {
	a, rec := newTestAnalyzer()
	f := frames(t, link.DirectionOutstationToMaster, apdu(600, 0))
	a.DeliverStream(false, f[0])
	require.True(t, a.reassembler(false).InProgress())
	buffered := a.reassembler(false).Buffered()

	// start marker but no room for a transport header
	short := []byte{0x05, 0x64, 0x05, 0x44, 0x01, 0x00, 0x0A, 0x00}
	a.DeliverStream(false, short)

	assert.Empty(t, rec.passed)
	assert.Empty(t, rec.messages)
	assert.True(t, a.reassembler(false).InProgress())
	assert.Equal(t, buffered, a.reassembler(false).Buffered())
	assert.Equal(t, uint64(1), a.Stats().GetRxSegments())
	assert.Zero(t, a.Stats().GetAnomalies())
	assert.Zero(t, a.Stats().GetPassedThrough())
}

func TestAnalyzer_Done(t *testing.T) {
	a, rec := newTestAnalyzer()
	a.Done()
	a.Done()

	assert.True(t, a.IsDone())
	assert.Equal(t, []bool{true, false}, rec.eofs)

	f := frames(t, link.DirectionMasterToOutstation, []byte{0xC0, 0x01})
	a.DeliverStream(true, f[0])
	assert.Empty(t, rec.messages, "deliveries after Done are ignored")
}

func TestAnalyzer_NilConsumers(t *testing.T) {
	a := New("nil", transport.DefaultConfig(), nil, nil, nil, nil)
	f := frames(t, link.DirectionMasterToOutstation, []byte{0xC0, 0x01})

	assert.NotPanics(t, func() {
		a.DeliverStream(true, f[0])
		a.DeliverStream(true, []byte("not dnp3"))
		a.Done()
	})
	assert.Equal(t, uint64(1), a.Stats().GetRxMessages())
	assert.Equal(t, "nil", a.ID())
}

func ExampleAnalyzer() {
	a := New("example", transport.DefaultConfig(), nil, nil, nil, nil)
	f, _ := transport.Frames(link.DirectionMasterToOutstation, link.FuncUserDataConfirmed, 10, 1, []byte{0xC0, 0x01, 0x3C, 0x01, 0x06}, 0)
	for _, frame := range f {
		a.DeliverStream(true, frame)
	}
	fmt.Println(a.Stats().GetRxMessages())
	// Output: 1
}
