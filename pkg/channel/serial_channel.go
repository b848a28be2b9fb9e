package channel

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialChannel implements PhysicalChannel over a serial line. Read
// returns link frames; the line is resynchronised on the start bytes.
type SerialChannel struct {
	port   serial.Port
	reader *bufio.Reader
	src    *portReader
	name   string

	readLock  sync.Mutex
	writeLock sync.Mutex

	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		skippedBytes  atomic.Uint64
	}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// SerialChannelConfig configures a serial channel
type SerialChannelConfig struct {
	Port        string          // Device name, e.g. "/dev/ttyUSB0" or "COM3"
	BaudRate    int             // Default 9600
	DataBits    int             // Default 8
	Parity      serial.Parity   // Default none
	StopBits    serial.StopBits // Default one
	ReadTimeout time.Duration   // How often a blocked Read rechecks its context (default 100ms)
}

// ParseParity maps "none", "odd", "even", "mark" or "space" to a parity mode
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark", "m":
		return serial.MarkParity, nil
	case "space", "s":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, pkgerrors.Errorf("unknown parity %q", s)
	}
}

// ParseStopBits maps "1", "1.5" or "2" to a stop bit setting
func ParseStopBits(s string) (serial.StopBits, error) {
	switch s {
	case "", "1":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	default:
		return serial.OneStopBit, pkgerrors.Errorf("unknown stop bits %q", s)
	}
}

// NewSerialChannel opens the serial port named in config
func NewSerialChannel(config SerialChannelConfig) (*SerialChannel, error) {
	if config.Port == "" {
		return nil, ErrAddressRequired
	}
	if config.BaudRate == 0 {
		config.BaudRate = 9600
	}
	if config.DataBits == 0 {
		config.DataBits = 8
	}

	port, err := serial.Open(config.Port, &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		Parity:   config.Parity,
		StopBits: config.StopBits,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial port %s", config.Port)
	}

	sc, err := newSerialChannel(port, config)
	if err != nil {
		port.Close()
		return nil, err
	}
	return sc, nil
}

func newSerialChannel(port serial.Port, config SerialChannelConfig) (*SerialChannel, error) {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 100 * time.Millisecond
	}
	if err := port.SetReadTimeout(config.ReadTimeout); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to set read timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := &portReader{port: port, closed: ctx}
	return &SerialChannel{
		port:   port,
		reader: bufio.NewReaderSize(src, 4096),
		src:    src,
		name:   config.Port,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Read implements PhysicalChannel.Read. A frame cut short by ctx is lost.
func (sc *SerialChannel) Read(ctx context.Context) ([]byte, error) {
	sc.readLock.Lock()
	defer sc.readLock.Unlock()

	for {
		if sc.closed.Load() {
			return nil, ErrChannelClosed
		}

		sc.src.setContext(ctx)
		frame, skipped, err := ReadFrame(sc.reader)
		sc.stats.skippedBytes.Add(uint64(skipped))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if sc.closed.Load() {
				return nil, ErrChannelClosed
			}
			sc.stats.readErrors.Add(1)
			if errors.Is(err, ErrBadFrameLength) {
				continue
			}
			return nil, pkgerrors.Wrapf(err, "serial read %s", sc.name)
		}

		sc.stats.bytesReceived.Add(uint64(len(frame) + skipped))
		return frame, nil
	}
}

// Write implements PhysicalChannel.Write
func (sc *SerialChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	sc.writeLock.Lock()
	defer sc.writeLock.Unlock()

	if _, err := sc.port.Write(data); err != nil {
		sc.stats.writeErrors.Add(1)
		return pkgerrors.Wrapf(err, "serial write %s", sc.name)
	}

	sc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (sc *SerialChannel) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return nil
	}
	sc.cancel()
	return sc.port.Close()
}

// Statistics implements PhysicalChannel.Statistics
func (sc *SerialChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     sc.stats.bytesSent.Load(),
		BytesReceived: sc.stats.bytesReceived.Load(),
		WriteErrors:   sc.stats.writeErrors.Load(),
		ReadErrors:    sc.stats.readErrors.Load(),
		SkippedBytes:  sc.stats.skippedBytes.Load(),
	}
}

// SetConnectionStateListener is a no-op: a serial line has no connections
func (sc *SerialChannel) SetConnectionStateListener(listener ConnectionStateListener) {}

// portReader turns the port's timeout reads, which return (0, nil), into
// a blocking io.Reader that gives up once its context is done.
type portReader struct {
	port   serial.Port
	closed context.Context

	mu  sync.Mutex
	ctx context.Context
}

func (r *portReader) setContext(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

func (r *portReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	for {
		if err := r.closed.Err(); err != nil {
			return 0, ErrChannelClosed
		}
		if ctx != nil && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		n, err := r.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
