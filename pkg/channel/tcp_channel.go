package channel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// TCPChannel implements PhysicalChannel over TCP. A client dials and
// redials the address; a server keeps the most recently accepted connection.
type TCPChannel struct {
	// Connection
	conn     net.Conn
	reader   *bufio.Reader
	connLock sync.RWMutex

	// Configuration
	address        string
	isServer       bool
	framing        Framing
	listener       net.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	// Connection state listener
	stateListener     ConnectionStateListener
	stateListenerLock sync.RWMutex

	// Statistics
	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		skippedBytes  atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
	}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// TCPChannelConfig configures a TCP channel
type TCPChannelConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	Framing        Framing       // How Read splits the stream
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Read timeout (0 = no timeout)
	WriteTimeout   time.Duration // Write timeout (0 = no timeout)
}

// NewTCPChannel creates a new TCP channel
func NewTCPChannel(config TCPChannelConfig) (*TCPChannel, error) {
	if config.Address == "" {
		return nil, ErrAddressRequired
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	tc := &TCPChannel{
		address:        config.Address,
		isServer:       config.IsServer,
		framing:        config.Framing,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}

	var err error
	if config.IsServer {
		err = tc.startServer()
	} else {
		err = tc.connect()
	}
	if err != nil {
		cancel()
		return nil, err
	}

	return tc, nil
}

// startServer starts listening for incoming connections
func (tc *TCPChannel) startServer() error {
	listener, err := net.Listen("tcp", tc.address)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", tc.address)
	}

	tc.listener = listener

	tc.wg.Add(1)
	go tc.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections
func (tc *TCPChannel) acceptLoop() {
	defer tc.wg.Done()

	for {
		conn, err := tc.listener.Accept()
		if err != nil {
			if tc.closed.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-tc.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		tc.setConn(conn)
	}
}

// connect establishes a connection to the remote server
func (tc *TCPChannel) connect() error {
	conn, err := net.DialTimeout("tcp", tc.address, 10*time.Second)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to connect to %s", tc.address)
	}

	tc.setConn(conn)

	tc.wg.Add(1)
	go tc.reconnectLoop()

	return nil
}

// reconnectLoop redials after the connection is lost (client mode)
func (tc *TCPChannel) reconnectLoop() {
	defer tc.wg.Done()

	for {
		select {
		case <-tc.ctx.Done():
			return
		case <-time.After(tc.reconnectDelay):
		}

		if tc.IsConnected() {
			continue
		}

		conn, err := net.DialTimeout("tcp", tc.address, 10*time.Second)
		if err != nil {
			continue
		}
		tc.setConn(conn)
	}
}

// setConn installs conn as the active connection, replacing any other
func (tc *TCPChannel) setConn(conn net.Conn) {
	tc.connLock.Lock()
	replaced := tc.conn != nil
	if replaced {
		tc.conn.Close()
		tc.stats.disconnects.Add(1)
	}
	tc.conn = conn
	tc.reader = bufio.NewReaderSize(conn, 4096)
	tc.stats.connects.Add(1)
	tc.connLock.Unlock()

	if replaced {
		tc.notifyConnectionLost()
	}
	tc.notifyConnectionEstablished()
}

// waitConn returns the active connection, waiting for one if necessary
func (tc *TCPChannel) waitConn(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	for {
		tc.connLock.RLock()
		conn, reader := tc.conn, tc.reader
		tc.connLock.RUnlock()

		if conn != nil {
			return conn, reader, nil
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-tc.ctx.Done():
			return nil, nil, ErrChannelClosed
		}
	}
}

// Read implements PhysicalChannel.Read
func (tc *TCPChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		conn, reader, err := tc.waitConn(ctx)
		if err != nil {
			return nil, err
		}

		if tc.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(tc.readTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		// Unblock the read when ctx is cancelled
		stop := context.AfterFunc(ctx, func() {
			conn.SetReadDeadline(time.Now())
		})
		unit, skipped, err := tc.framing.read(reader)
		stop()

		tc.stats.skippedBytes.Add(uint64(skipped))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if tc.closed.Load() {
				return nil, ErrChannelClosed
			}
			if errors.Is(err, ErrBadFrameLength) {
				tc.stats.readErrors.Add(1)
				continue
			}
			tc.handleReadError(conn)
			continue
		}

		tc.stats.bytesReceived.Add(uint64(len(unit) + skipped))
		return unit, nil
	}
}

// Write implements PhysicalChannel.Write
func (tc *TCPChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	tc.connLock.RLock()
	conn := tc.conn
	tc.connLock.RUnlock()

	if conn == nil {
		tc.stats.writeErrors.Add(1)
		return ErrNoConnection
	}

	if tc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(tc.writeTimeout))
	}

	if _, err := conn.Write(data); err != nil {
		tc.handleWriteError(conn)
		return pkgerrors.Wrap(err, "tcp write")
	}

	tc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (tc *TCPChannel) Close() error {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	tc.cancel()

	if tc.listener != nil {
		tc.listener.Close()
	}

	tc.connLock.Lock()
	if tc.conn != nil {
		tc.conn.Close()
		tc.stats.disconnects.Add(1)
		tc.conn = nil
		tc.reader = nil
	}
	tc.connLock.Unlock()

	tc.wg.Wait()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (tc *TCPChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     tc.stats.bytesSent.Load(),
		BytesReceived: tc.stats.bytesReceived.Load(),
		WriteErrors:   tc.stats.writeErrors.Load(),
		ReadErrors:    tc.stats.readErrors.Load(),
		SkippedBytes:  tc.stats.skippedBytes.Load(),
		Connects:      tc.stats.connects.Load(),
		Disconnects:   tc.stats.disconnects.Load(),
	}
}

func (tc *TCPChannel) handleReadError(conn net.Conn) {
	tc.stats.readErrors.Add(1)
	tc.dropConn(conn)
}

func (tc *TCPChannel) handleWriteError(conn net.Conn) {
	tc.stats.writeErrors.Add(1)
	tc.dropConn(conn)
}

// dropConn closes conn if it is still the active connection
func (tc *TCPChannel) dropConn(conn net.Conn) {
	tc.connLock.Lock()
	dropped := tc.conn == conn
	if dropped {
		tc.conn.Close()
		tc.stats.disconnects.Add(1)
		tc.conn = nil
		tc.reader = nil
	}
	tc.connLock.Unlock()

	if dropped {
		tc.notifyConnectionLost()
	}
}

// IsConnected returns true if there is an active connection
func (tc *TCPChannel) IsConnected() bool {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	return tc.conn != nil
}

// Addr returns the listening address in server mode, the remote address in
// client mode, or nil when there is none.
func (tc *TCPChannel) Addr() net.Addr {
	if tc.listener != nil {
		return tc.listener.Addr()
	}
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	if tc.conn != nil {
		return tc.conn.RemoteAddr()
	}
	return nil
}

// SetConnectionStateListener sets a listener for connection state changes
func (tc *TCPChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	tc.stateListenerLock.Lock()
	defer tc.stateListenerLock.Unlock()
	tc.stateListener = listener
}

func (tc *TCPChannel) notifyConnectionEstablished() {
	tc.stateListenerLock.RLock()
	listener := tc.stateListener
	tc.stateListenerLock.RUnlock()

	if listener != nil {
		listener.OnConnectionEstablished()
	}
}

func (tc *TCPChannel) notifyConnectionLost() {
	tc.stateListenerLock.RLock()
	listener := tc.stateListener
	tc.stateListenerLock.RUnlock()

	if listener != nil {
		listener.OnConnectionLost()
	}
}
