package transport

import (
	"bytes"
	"testing"

	"github.com/mkolkebeck/bro/pkg/link"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name   string
		header uint8
		fir    bool
		fin    bool
		seq    uint8
	}{
		{"FIR FIN seq 0", 0xC0, true, true, 0},
		{"FIR only seq 5", 0x45, true, false, 5},
		{"FIN only seq 63", 0xBF, false, true, 63},
		{"Middle seq 1", 0x01, false, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fir, fin, seq := ParseHeader(tt.header)
			if fir != tt.fir || fin != tt.fin || seq != tt.seq {
				t.Errorf("ParseHeader(0x%02X) = %t,%t,%d want %t,%t,%d",
					tt.header, fir, fin, seq, tt.fir, tt.fin, tt.seq)
			}
			if got := NewSegment(tt.fir, tt.fin, tt.seq, nil).BuildHeader(); got != tt.header {
				t.Errorf("BuildHeader() = 0x%02X, want 0x%02X", got, tt.header)
			}
		})
	}
}

func TestSegmentData(t *testing.T) {
	if segs := SegmentData(nil, 0); segs != nil {
		t.Errorf("SegmentData(nil) = %v, want nil", segs)
	}

	data := testAPDU(MaxSegmentSize*2 + 10)
	segs := SegmentData(data, 63)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}

	wantSeq := []uint8{63, 0, 1}
	var joined []byte
	for i, seg := range segs {
		if seg.Seq != wantSeq[i] {
			t.Errorf("segment %d: seq = %d, want %d", i, seg.Seq, wantSeq[i])
		}
		if seg.FIR != (i == 0) || seg.FIN != (i == 2) {
			t.Errorf("segment %d: FIR=%t FIN=%t", i, seg.FIR, seg.FIN)
		}
		joined = append(joined, seg.Data...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("segments do not cover the input")
	}
}

func TestFrames(t *testing.T) {
	apdu := testAPDU(MaxSegmentSize + 1)
	frames, err := Frames(link.DirectionOutstationToMaster, link.FuncUserDataUnconfirmed, 1, 1024, apdu, 0)
	if err != nil {
		t.Fatalf("Frames() error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if len(frames[0]) != link.MaxFrameSize {
		t.Errorf("first frame is %d bytes, want %d", len(frames[0]), link.MaxFrameSize)
	}

	// final frame: 10 header + transport byte + 1 data byte + block CRC
	if len(frames[1]) != 14 {
		t.Errorf("last frame is %d bytes, want 14", len(frames[1]))
	}

	for i, frame := range frames {
		hdr, err := link.Classify(frame)
		if err != nil {
			t.Fatalf("frame %d: Classify() error: %v", i, err)
		}
		if hdr.Source != 1024 || hdr.Destination != 1 {
			t.Errorf("frame %d: addresses %d->%d", i, hdr.Source, hdr.Destination)
		}
		if got := link.FrameSize(frame[link.OffsetLength]); got != len(frame) {
			t.Errorf("frame %d: FrameSize = %d, want %d", i, got, len(frame))
		}
	}
}
