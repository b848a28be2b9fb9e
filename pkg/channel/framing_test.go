package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkolkebeck/bro/pkg/link"
	"github.com/mkolkebeck/bro/pkg/transport"
)

func testAPDU(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func testFrames(t *testing.T, dir link.Direction, apdu []byte) [][]byte {
	t.Helper()
	frames, err := transport.Frames(dir, link.FuncUserDataConfirmed, 10, 1, apdu, 0)
	require.NoError(t, err)
	return frames
}

// testMessage returns a reconstructed message with n payload bytes
func testMessage(n int) []byte {
	msg := make([]byte, link.AddressedSize+n)
	msg[0], msg[1] = link.StartByte1, link.StartByte2
	binary.LittleEndian.PutUint16(msg[link.OffsetLength:], uint16(len(msg)-2))
	msg[link.OffsetControl] = 0xC4
	copy(msg[link.AddressedSize:], testAPDU(n, 0x30))
	return msg
}

// fakeChannel records writes and serves reads from a queue
type fakeChannel struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	reads    chan []byte
	listener ConnectionStateListener
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{reads: make(chan []byte, 16)}
}

func (f *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-f.reads:
		if !ok {
			return nil, ErrChannelClosed
		}
		return data, nil
	}
}

func (f *fakeChannel) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) Close() error {
	close(f.reads)
	return nil
}

func (f *fakeChannel) Statistics() TransportStats { return TransportStats{} }

func (f *fakeChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	f.mu.Lock()
	f.listener = listener
	f.mu.Unlock()
}

func (f *fakeChannel) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func TestReadFrame(t *testing.T) {
	request := testFrames(t, link.DirectionMasterToOutstation, testAPDU(20, 0x10))[0]
	response := testFrames(t, link.DirectionOutstationToMaster, testAPDU(300, 0x40))

	var stream bytes.Buffer
	stream.WriteString("xx\x05")
	stream.Write(request)
	stream.WriteString("abc")
	stream.Write(response[0])
	stream.Write(response[1])

	r := bufio.NewReader(&stream)

	frame, skipped, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, request, frame)

	frame, skipped, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, response[0], frame)
	assert.Len(t, frame, link.MaxFrameSize)

	frame, skipped, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, response[1], frame)

	_, _, err = ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("length below minimum", func(t *testing.T) {
		data := []byte{0x05, 0x64, 0x03, 0xC4, 0x0A, 0x00, 0x01, 0x00, 0x00, 0x00}
		_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(data)))
		assert.ErrorIs(t, err, ErrBadFrameLength)
	})

	t.Run("truncated", func(t *testing.T) {
		frame := testFrames(t, link.DirectionMasterToOutstation, testAPDU(40, 0))[0]
		_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame[:len(frame)-4])))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("no marker", func(t *testing.T) {
		_, skipped, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte("hello"))))
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, 4, skipped)
	})
}

func TestFramingString(t *testing.T) {
	assert.Equal(t, "Link", FramingLink.String())
	assert.Equal(t, "Relay", FramingRelay.String())
	assert.Equal(t, "Unknown", Framing(7).String())
}
