package channel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mkolkebeck/bro/pkg/analyzer"
	"github.com/mkolkebeck/bro/pkg/link"
)

// Feed reads link-framed units from ch and delivers them to a until ctx is
// done or ch is closed. A tap sees both directions of the line on one
// stream, so each frame is routed by its DIR bit: requests go to the orig
// side. A lost connection discards the messages in progress. Feed ends the
// analyzer before returning.
func Feed(ctx context.Context, ch PhysicalChannel, a *analyzer.Analyzer) error {
	defer a.Done()

	lost := &lossFlag{}
	ch.SetConnectionStateListener(lost)
	defer ch.SetConnectionStateListener(nil)

	for {
		unit, err := ch.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelClosed) {
				return nil
			}
			return err
		}

		if lost.lost.Swap(false) {
			a.Undelivered(0, 0, true)
			a.Undelivered(0, 0, false)
		}

		frames := link.SplitFrames(unit)
		if len(frames) <= 1 {
			frames = [][]byte{unit}
		}
		for _, frame := range frames {
			a.DeliverStream(isOrig(frame), frame)
		}
	}
}

// isOrig reports whether a frame travels master to outstation
func isOrig(frame []byte) bool {
	return len(frame) > link.OffsetControl && frame[link.OffsetControl]&link.CtrlDIR != 0
}

// lossFlag records connection loss for the feeding goroutine
type lossFlag struct {
	lost atomic.Bool
}

func (f *lossFlag) OnConnectionEstablished() {}

func (f *lossFlag) OnConnectionLost() {
	f.lost.Store(true)
}
