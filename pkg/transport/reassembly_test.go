package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/mkolkebeck/bro/pkg/link"
)

func testAPDU(n int) []byte {
	apdu := make([]byte, n)
	for i := range apdu {
		apdu[i] = byte(i*7 + 3)
	}
	return apdu
}

func buildFrames(t *testing.T, dir link.Direction, apdu []byte) [][]byte {
	t.Helper()
	frames, err := Frames(dir, link.FuncUserDataUnconfirmed, 0x0A, 0x01, apdu, 0)
	if err != nil {
		t.Fatalf("Frames() error: %v", err)
	}
	return frames
}

// buildFrame wraps a single hand-made segment in a link frame
func buildFrame(t *testing.T, fir, fin bool, seq uint8, data []byte) []byte {
	t.Helper()
	wire, err := link.NewFrame(link.DirectionMasterToOutstation, link.FuncUserDataConfirmed, 0x0A, 0x01,
		NewSegment(fir, fin, seq, data).Serialize()).Serialize()
	if err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}
	return wire
}

func feed(t *testing.T, r *Reassembler, frame []byte) (*Message, error) {
	t.Helper()
	hdr, err := link.Classify(frame)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	return r.Process(frame, hdr)
}

func checkMessage(t *testing.T, msg *Message, firstFrame, apdu []byte) {
	t.Helper()
	if msg == nil {
		t.Fatal("expected a message")
	}
	if len(msg.Data) != link.AddressedSize+len(apdu) {
		t.Fatalf("message length = %d, want %d", len(msg.Data), link.AddressedSize+len(apdu))
	}
	if msg.Data[0] != link.StartByte1 || msg.Data[1] != link.StartByte2 {
		t.Errorf("start bytes = % X", msg.Data[:2])
	}
	if got := binary.LittleEndian.Uint16(msg.Data[2:4]); int(got) != len(msg.Data)-2 {
		t.Errorf("length field = %d, want %d", got, len(msg.Data)-2)
	}
	if !bytes.Equal(msg.Data[4:8], firstFrame[4:8]) {
		t.Errorf("addresses = % X, want % X", msg.Data[4:8], firstFrame[4:8])
	}
	if !bytes.Equal(msg.Payload(), apdu) {
		t.Errorf("payload mismatch\ngot  % X\nwant % X", msg.Payload(), apdu)
	}
}

func TestReassembler_SingleSegment(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)
	apdu := []byte{0xC1, 0x01, 0x3C, 0x02, 0x06}
	frames := buildFrames(t, link.DirectionMasterToOutstation, apdu)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	msg, err := feed(t, r, frames[0])
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	checkMessage(t, msg, frames[0], apdu)
	if msg.Dir != link.DirectionMasterToOutstation {
		t.Errorf("Dir = %v, want request", msg.Dir)
	}
	if r.InProgress() {
		t.Error("single segment left reassembly in progress")
	}
	if r.Stats().GetRxMessages() != 1 || r.Stats().GetRxSegments() != 1 {
		t.Errorf("stats = %d messages / %d segments", r.Stats().GetRxMessages(), r.Stats().GetRxSegments())
	}
}

func TestReassembler_MultiSegment(t *testing.T) {
	tests := []struct {
		name      string
		apduLen   int
		segments  int
		direction link.Direction
	}{
		{"Two segments", 300, 2, link.DirectionOutstationToMaster},
		{"Exactly two full segments", 2 * MaxSegmentSize, 2, link.DirectionOutstationToMaster},
		{"Three segments", 600, 3, link.DirectionMasterToOutstation},
		{"Ten segments", 2400, 10, link.DirectionOutstationToMaster},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(DefaultConfig(), nil, nil)
			apdu := testAPDU(tt.apduLen)
			frames := buildFrames(t, tt.direction, apdu)
			if len(frames) != tt.segments {
				t.Fatalf("expected %d frames, got %d", tt.segments, len(frames))
			}

			var msg *Message
			for i, frame := range frames {
				m, err := feed(t, r, frame)
				if err != nil {
					t.Fatalf("segment %d: Process() error: %v", i, err)
				}
				if i < len(frames)-1 {
					if m != nil {
						t.Fatalf("segment %d: message emitted early", i)
					}
					if r.State() != StateAccumulating {
						t.Fatalf("segment %d: state = %v", i, r.State())
					}
				}
				msg = m
			}

			checkMessage(t, msg, frames[0], apdu)
			if msg.Dir != tt.direction {
				t.Errorf("Dir = %v, want %v", msg.Dir, tt.direction)
			}
			if r.State() != StateIdle || r.Buffered() != 0 {
				t.Errorf("after final segment: state=%v buffered=%d", r.State(), r.Buffered())
			}
		})
	}
}

func TestReassembler_TwoSegmentLengthField(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)
	apdu := testAPDU(300)
	frames := buildFrames(t, link.DirectionOutstationToMaster, apdu)

	first := link.StripBlockChecksums(nil, frames[0])
	second := link.StripBlockChecksums(nil, frames[1])

	if _, err := feed(t, r, frames[0]); err != nil {
		t.Fatalf("first segment: %v", err)
	}
	msg, err := feed(t, r, frames[1])
	if err != nil {
		t.Fatalf("final segment: %v", err)
	}

	payload := append(append([]byte{}, first...), second...)
	if !bytes.Equal(msg.Payload(), payload) {
		t.Error("payload is not the concatenation of the stripped segments")
	}
	want := uint16(len(payload) + 8 - 2)
	if got := binary.LittleEndian.Uint16(msg.Data[2:4]); got != want {
		t.Errorf("length field = %d, want %d", got, want)
	}
}

func TestReassembler_MissingFirstSegment(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)

	tests := []struct {
		name string
		fin  bool
		data []byte
	}{
		{"Final without first", true, []byte{0x01, 0x02}},
		{"Continuation without first", false, make([]byte, MaxSegmentSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := feed(t, r, buildFrame(t, false, tt.fin, 1, tt.data))
			if !errors.Is(err, ErrMissingFirstSegment) {
				t.Fatalf("Process() error = %v, want ErrMissingFirstSegment", err)
			}
			if msg != nil {
				t.Error("message emitted without a first segment")
			}
			if r.State() != StateIdle {
				t.Errorf("state = %v, want Idle", r.State())
			}
		})
	}

	if got := r.Stats().GetMissingFirst(); got != 2 {
		t.Errorf("MissingFirst = %d, want 2", got)
	}
}

func TestReassembler_FirstSegmentWrongLength(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)

	frame := buildFrame(t, true, false, 0, testAPDU(100))
	msg, err := feed(t, r, frame)
	if !errors.Is(err, ErrMalformedSegmentLength) {
		t.Fatalf("Process() error = %v, want ErrMalformedSegmentLength", err)
	}
	if msg != nil {
		t.Error("message emitted")
	}
	if r.InProgress() || r.Buffered() != 0 {
		t.Error("buffer created for a malformed first segment")
	}

	// The final segment that follows has nothing to attach to
	if _, err := feed(t, r, buildFrame(t, false, true, 1, []byte{0x01})); !errors.Is(err, ErrMissingFirstSegment) {
		t.Errorf("following final segment error = %v, want ErrMissingFirstSegment", err)
	}
}

func TestReassembler_ContinuationWrongLengthAbandons(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)
	frames := buildFrames(t, link.DirectionOutstationToMaster, testAPDU(600))

	if _, err := feed(t, r, frames[0]); err != nil {
		t.Fatalf("first segment: %v", err)
	}

	_, err := feed(t, r, buildFrame(t, false, false, 1, testAPDU(40)))
	if !errors.Is(err, ErrMalformedSegmentLength) {
		t.Fatalf("Process() error = %v, want ErrMalformedSegmentLength", err)
	}
	if r.InProgress() {
		t.Fatal("in-progress message kept after malformed continuation")
	}

	msg, err := feed(t, r, frames[2])
	if !errors.Is(err, ErrMissingFirstSegment) || msg != nil {
		t.Errorf("final segment: msg=%v err=%v, want ErrMissingFirstSegment", msg, err)
	}
}

func TestReassembler_NewFirstOverwritesIncomplete(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)
	old := buildFrames(t, link.DirectionOutstationToMaster, testAPDU(600))

	if _, err := feed(t, r, old[0]); err != nil {
		t.Fatalf("first segment: %v", err)
	}

	apdu := []byte{0xC3, 0x81, 0x00, 0x00}
	fresh := buildFrames(t, link.DirectionOutstationToMaster, apdu)
	msg, err := feed(t, r, fresh[0])
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	checkMessage(t, msg, fresh[0], apdu)

	if got := r.Stats().GetIncomplete(); got != 1 {
		t.Errorf("Incomplete = %d, want 1", got)
	}
}

func TestReassembler_NewMultiSegmentOverwritesIncomplete(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)
	old := buildFrames(t, link.DirectionOutstationToMaster, testAPDU(600))
	apdu := testAPDU(400)
	fresh := buildFrames(t, link.DirectionOutstationToMaster, apdu)

	feed(t, r, old[0])
	feed(t, r, old[1])
	if _, err := feed(t, r, fresh[0]); err != nil {
		t.Fatalf("new first segment: %v", err)
	}
	msg, err := feed(t, r, fresh[1])
	if err != nil {
		t.Fatalf("new final segment: %v", err)
	}
	checkMessage(t, msg, fresh[0], apdu)
}

func TestReassembler_MessageSizeLimit(t *testing.T) {
	tests := []struct {
		name    string
		apduLen int
		emitted bool
	}{
		{"Largest accepted", MaxMessageSize - 1 - link.AddressedSize, true},
		{"Exactly the limit", MaxMessageSize - link.AddressedSize, false},
		{"Far beyond the limit", 70000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(DefaultConfig(), nil, nil)
			apdu := testAPDU(tt.apduLen)
			frames := buildFrames(t, link.DirectionOutstationToMaster, apdu)

			var msgs []*Message
			var tooLarge int
			for _, frame := range frames {
				msg, err := feed(t, r, frame)
				if errors.Is(err, ErrMessageTooLarge) {
					tooLarge++
				}
				if msg != nil {
					msgs = append(msgs, msg)
				}
			}

			if tt.emitted {
				if len(msgs) != 1 {
					t.Fatalf("got %d messages, want 1", len(msgs))
				}
				checkMessage(t, msgs[0], frames[0], apdu)
				return
			}
			if len(msgs) != 0 {
				t.Errorf("got %d messages, want none", len(msgs))
			}
			if tooLarge != 1 {
				t.Errorf("ErrMessageTooLarge reported %d times, want 1", tooLarge)
			}
			if r.InProgress() {
				t.Error("oversized message still buffered")
			}
		})
	}
}

func TestReassembler_SequenceNotValidatedByDefault(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)

	first := buildFrame(t, true, false, 0, testAPDU(MaxSegmentSize))
	last := buildFrame(t, false, true, 9, []byte{0x01, 0x02})

	feed(t, r, first)
	msg, err := feed(t, r, last)
	if err != nil || msg == nil {
		t.Fatalf("msg=%v err=%v, want a message", msg, err)
	}
}

func TestReassembler_ValidateSequence(t *testing.T) {
	config := DefaultConfig()
	config.ValidateSequence = true
	r := NewReassembler(config, nil, nil)

	feed(t, r, buildFrame(t, true, false, 62, testAPDU(MaxSegmentSize)))
	if _, err := feed(t, r, buildFrame(t, false, false, 63, testAPDU(MaxSegmentSize))); err != nil {
		t.Fatalf("in-sequence continuation: %v", err)
	}
	msg, err := feed(t, r, buildFrame(t, false, true, 0, []byte{0x01}))
	if err != nil || msg == nil {
		t.Fatalf("wrapped final segment: msg=%v err=%v", msg, err)
	}

	feed(t, r, buildFrame(t, true, false, 0, testAPDU(MaxSegmentSize)))
	_, err = feed(t, r, buildFrame(t, false, true, 5, []byte{0x01}))
	if !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("Process() error = %v, want ErrInvalidSequence", err)
	}
	if r.InProgress() {
		t.Error("message kept after sequence error")
	}
	if got := r.Stats().GetSequenceErrors(); got != 1 {
		t.Errorf("SequenceErrors = %d, want 1", got)
	}
}

func TestReassembler_Abort(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)

	if r.Abort(ErrEndOfFlow) {
		t.Error("Abort on idle reassembler reported a discard")
	}

	frames := buildFrames(t, link.DirectionOutstationToMaster, testAPDU(600))
	feed(t, r, frames[0])

	if !r.Abort(ErrEndOfFlow) {
		t.Fatal("Abort did not discard the in-progress message")
	}
	if r.InProgress() {
		t.Error("still in progress after Abort")
	}
	if got := r.Stats().GetDiscardedOnEOF(); got != 1 {
		t.Errorf("DiscardedOnEOF = %d, want 1", got)
	}
}

func TestReassembler_StatisticsDisabled(t *testing.T) {
	config := DefaultConfig()
	config.EnableStatistics = false
	r := NewReassembler(config, nil, nil)

	frames := buildFrames(t, link.DirectionOutstationToMaster, []byte{0xC0, 0x81, 0x00, 0x00})
	feed(t, r, frames[0])
	feed(t, r, buildFrame(t, false, true, 1, []byte{0x01}))

	if r.Stats().GetRxSegments() != 0 || r.Stats().GetAnomalies() != 0 {
		t.Error("statistics recorded while disabled")
	}
	if !r.Stats().GetLastRxTime().IsZero() {
		t.Error("last message time recorded while disabled")
	}
}

func TestStatistics_LastRxTime(t *testing.T) {
	r := NewReassembler(DefaultConfig(), nil, nil)
	if !r.Stats().GetLastRxTime().IsZero() {
		t.Fatal("last message time set before any message")
	}

	before := time.Now()
	feed(t, r, buildFrames(t, link.DirectionMasterToOutstation, []byte{0xC0, 0x01})[0])

	last := r.Stats().GetLastRxTime()
	if last.Before(before.Truncate(time.Microsecond)) {
		t.Errorf("GetLastRxTime() = %v, want at or after %v", last, before)
	}

	r.Stats().Reset()
	if !r.Stats().GetLastRxTime().IsZero() {
		t.Error("Reset() kept the last message time")
	}
}
