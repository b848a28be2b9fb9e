package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/mkolkebeck/bro/pkg/link"
)

// maxDatagramSize is the largest UDP payload
const maxDatagramSize = 65535

// UDPChannel implements PhysicalChannel over UDP. Read returns whole
// datagrams, which may hold several link frames back to back.
type UDPChannel struct {
	conn     *net.UDPConn
	connLock sync.RWMutex

	// Configuration
	address      string
	isServer     bool
	remoteAddr   *net.UDPAddr // Destination in client mode
	lastPeerAddr *net.UDPAddr // Last sender in server mode
	peerLock     sync.RWMutex
	pollInterval time.Duration
	writeTimeout time.Duration

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
	closed atomic.Bool
}

// UDPChannelConfig configures a UDP channel
type UDPChannelConfig struct {
	Address      string        // "host:port" format
	IsServer     bool          // true = bind and receive, false = send to Address
	PollInterval time.Duration // How often a blocked Read rechecks its context (default 1s)
	WriteTimeout time.Duration // Write timeout (0 = no timeout)
}

// NewUDPChannel creates a new UDP channel
func NewUDPChannel(config UDPChannelConfig) (*UDPChannel, error) {
	if config.Address == "" {
		return nil, ErrAddressRequired
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	uc := &UDPChannel{
		address:      config.Address,
		isServer:     config.IsServer,
		pollInterval: config.PollInterval,
		writeTimeout: config.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := uc.initialize(); err != nil {
		cancel()
		return nil, err
	}

	return uc, nil
}

// initialize sets up the UDP socket
func (uc *UDPChannel) initialize() error {
	addr, err := net.ResolveUDPAddr("udp", uc.address)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to resolve UDP address %s", uc.address)
	}

	local := addr
	if !uc.isServer {
		uc.remoteAddr = addr
		local = &net.UDPAddr{}
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", local)
	}
	uc.conn = conn

	uc.stats.connects.Add(1)
	return nil
}

// Read implements PhysicalChannel.Read. Datagrams that do not begin with
// the link start bytes are counted as skipped and dropped.
func (uc *UDPChannel) Read(ctx context.Context) ([]byte, error) {
	buffer := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-uc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		uc.connLock.RLock()
		conn := uc.conn
		uc.connLock.RUnlock()

		if conn == nil {
			return nil, ErrNoConnection
		}

		conn.SetReadDeadline(time.Now().Add(uc.pollInterval))

		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if uc.closed.Load() {
				return nil, ErrChannelClosed
			}
			uc.stats.readErrors.Add(1)
			return nil, pkgerrors.Wrap(err, "udp read")
		}

		if uc.isServer && remoteAddr != nil {
			uc.peerLock.Lock()
			uc.lastPeerAddr = remoteAddr
			uc.peerLock.Unlock()
		}

		if !link.HasStartBytes(buffer[:n]) {
			uc.stats.skippedBytes.Add(uint64(n))
			continue
		}

		uc.stats.bytesReceived.Add(uint64(n))
		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		return datagram, nil
	}
}

// Write implements PhysicalChannel.Write. In server mode the datagram goes
// to the last peer heard from.
func (uc *UDPChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-uc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	uc.connLock.RLock()
	conn := uc.conn
	uc.connLock.RUnlock()

	if conn == nil {
		uc.stats.writeErrors.Add(1)
		return ErrNoConnection
	}

	destAddr := uc.remoteAddr
	if uc.isServer {
		uc.peerLock.RLock()
		destAddr = uc.lastPeerAddr
		uc.peerLock.RUnlock()

		if destAddr == nil {
			uc.stats.writeErrors.Add(1)
			return ErrNoConnection
		}
	}

	if uc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(uc.writeTimeout))
	}

	if _, err := conn.WriteToUDP(data, destAddr); err != nil {
		uc.stats.writeErrors.Add(1)
		return pkgerrors.Wrap(err, "udp write")
	}

	uc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (uc *UDPChannel) Close() error {
	if !uc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	uc.cancel()

	uc.connLock.Lock()
	if uc.conn != nil {
		uc.conn.Close()
		uc.stats.disconnects.Add(1)
		uc.conn = nil
	}
	uc.connLock.Unlock()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (uc *UDPChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     uc.stats.bytesSent.Load(),
		BytesReceived: uc.stats.bytesReceived.Load(),
		WriteErrors:   uc.stats.writeErrors.Load(),
		ReadErrors:    uc.stats.readErrors.Load(),
		SkippedBytes:  uc.stats.skippedBytes.Load(),
		Connects:      uc.stats.connects.Load(),
		Disconnects:   uc.stats.disconnects.Load(),
	}
}

// SetConnectionStateListener is a no-op: UDP has no connections
func (uc *UDPChannel) SetConnectionStateListener(listener ConnectionStateListener) {}

// LocalAddr returns the local address of the socket
func (uc *UDPChannel) LocalAddr() net.Addr {
	uc.connLock.RLock()
	defer uc.connLock.RUnlock()
	if uc.conn != nil {
		return uc.conn.LocalAddr()
	}
	return nil
}
