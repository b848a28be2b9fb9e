package channel

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// ALPN protocol negotiated by relay and collector
const quicProtocol = "dnp3-reasm"

// quicSession is one QUIC connection and the stream carrying the data
type quicSession struct {
	conn   *quic.Conn
	stream *quic.Stream
	reader *bufio.Reader
	udp    *net.UDPConn // Dialed sessions own their socket
}

func (s *quicSession) close(reason string) {
	s.stream.Close()
	s.conn.CloseWithError(0, reason)
	if s.udp != nil {
		s.udp.Close()
	}
}

// QUICChannel implements PhysicalChannel over a single QUIC stream. It is
// the transport between a relay (client) and a collector (server).
type QUICChannel struct {
	session  *quicSession
	connLock sync.RWMutex

	// Configuration
	address        string
	isServer       bool
	framing        Framing
	listener       *quic.Listener
	listenConn     *net.UDPConn
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config

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

// QUICChannelConfig configures a QUIC channel
type QUICChannelConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	Framing        Framing       // How Read splits the stream
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Read timeout (0 = no timeout)
	WriteTimeout   time.Duration // Write timeout (0 = no timeout)
	TLSConfig      *tls.Config   // Optional TLS config (if nil, will generate self-signed cert)
}

// NewQUICChannel creates a new QUIC channel
func NewQUICChannel(config QUICChannelConfig) (*QUICChannel, error) {
	if config.Address == "" {
		return nil, ErrAddressRequired
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to generate TLS config")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	qc := &QUICChannel{
		address:        config.Address,
		isServer:       config.IsServer,
		framing:        config.Framing,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		tlsConfig:      tlsConfig,
		ctx:            ctx,
		cancel:         cancel,
	}

	var err error
	if config.IsServer {
		err = qc.startServer()
	} else {
		err = qc.connect()
	}
	if err != nil {
		cancel()
		return nil, err
	}

	return qc, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{quicProtocol},
		InsecureSkipVerify: true, // Self-signed
	}, nil
}

// startServer starts listening for incoming QUIC connections
func (qc *QUICChannel) startServer() error {
	udpAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to resolve UDP address %s", qc.address)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", qc.address)
	}

	listener, err := quic.Listen(udpConn, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return pkgerrors.Wrap(err, "failed to create QUIC listener")
	}

	qc.listener = listener
	qc.listenConn = udpConn

	qc.wg.Add(1)
	go qc.acceptLoop()

	return nil
}

// acceptLoop accepts incoming QUIC connections
func (qc *QUICChannel) acceptLoop() {
	defer qc.wg.Done()

	for {
		conn, err := qc.listener.Accept(qc.ctx)
		if err != nil {
			if qc.closed.Load() || qc.ctx.Err() != nil {
				return
			}
			continue
		}

		qc.wg.Add(1)
		go qc.acceptStream(conn)
	}
}

// acceptStream waits for the peer's stream. The stream only becomes
// visible once the peer has written to it.
func (qc *QUICChannel) acceptStream(conn *quic.Conn) {
	defer qc.wg.Done()

	stream, err := conn.AcceptStream(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}

	qc.setSession(&quicSession{conn: conn, stream: stream})
}

// dial opens a connection and its stream to the collector
func (qc *QUICChannel) dial() (*quicSession, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create UDP socket")
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		udpConn.Close()
		return nil, pkgerrors.Wrapf(err, "failed to resolve remote address %s", qc.address)
	}

	conn, err := quic.Dial(qc.ctx, udpConn, remoteAddr, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return nil, pkgerrors.Wrapf(err, "failed to connect to %s", qc.address)
	}

	stream, err := conn.OpenStreamSync(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		udpConn.Close()
		return nil, pkgerrors.Wrap(err, "failed to open stream")
	}

	return &quicSession{conn: conn, stream: stream, udp: udpConn}, nil
}

// connect establishes the first connection (client mode)
func (qc *QUICChannel) connect() error {
	s, err := qc.dial()
	if err != nil {
		return err
	}
	qc.setSession(s)

	qc.wg.Add(1)
	go qc.reconnectLoop()

	return nil
}

// reconnectLoop redials after the connection is lost (client mode)
func (qc *QUICChannel) reconnectLoop() {
	defer qc.wg.Done()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-time.After(qc.reconnectDelay):
		}

		if qc.IsConnected() {
			continue
		}

		s, err := qc.dial()
		if err != nil {
			continue
		}
		qc.setSession(s)
	}
}

// setSession installs s as the active session, replacing any other
func (qc *QUICChannel) setSession(s *quicSession) {
	s.reader = bufio.NewReaderSize(s.stream, 4096)

	qc.connLock.Lock()
	old := qc.session
	if old != nil {
		old.close("replaced")
		qc.stats.disconnects.Add(1)
	}
	qc.session = s
	qc.stats.connects.Add(1)
	qc.connLock.Unlock()

	if old != nil {
		qc.notifyConnectionLost()
	}
	qc.notifyConnectionEstablished()
}

// currentSession returns the active session, waiting for one if necessary
func (qc *QUICChannel) currentSession(ctx context.Context) (*quicSession, error) {
	for {
		qc.connLock.RLock()
		s := qc.session
		qc.connLock.RUnlock()

		if s != nil {
			return s, nil
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-qc.ctx.Done():
			return nil, ErrChannelClosed
		}
	}
}

// Read implements PhysicalChannel.Read
func (qc *QUICChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-qc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		s, err := qc.currentSession(ctx)
		if err != nil {
			return nil, err
		}

		if qc.readTimeout > 0 {
			s.stream.SetReadDeadline(time.Now().Add(qc.readTimeout))
		} else {
			s.stream.SetReadDeadline(time.Time{})
		}

		stop := context.AfterFunc(ctx, func() {
			s.stream.SetReadDeadline(time.Now())
		})
		unit, skipped, err := qc.framing.read(s.reader)
		stop()

		qc.stats.skippedBytes.Add(uint64(skipped))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if qc.closed.Load() {
				return nil, ErrChannelClosed
			}
			if errors.Is(err, ErrBadFrameLength) {
				qc.stats.readErrors.Add(1)
				continue
			}
			qc.stats.readErrors.Add(1)
			qc.dropSession(s, "read error")
			continue
		}

		qc.stats.bytesReceived.Add(uint64(len(unit) + skipped))
		return unit, nil
	}
}

// Write implements PhysicalChannel.Write
func (qc *QUICChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-qc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	qc.connLock.RLock()
	s := qc.session
	qc.connLock.RUnlock()

	if s == nil {
		qc.stats.writeErrors.Add(1)
		return ErrNoConnection
	}

	if qc.writeTimeout > 0 {
		s.stream.SetWriteDeadline(time.Now().Add(qc.writeTimeout))
	}

	if _, err := s.stream.Write(data); err != nil {
		qc.stats.writeErrors.Add(1)
		qc.dropSession(s, "write error")
		return pkgerrors.Wrap(err, "quic write")
	}

	qc.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close implements PhysicalChannel.Close
func (qc *QUICChannel) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	qc.cancel()

	if qc.listener != nil {
		qc.listener.Close()
	}

	qc.connLock.Lock()
	if s := qc.session; s != nil {
		s.close("channel closed")
		qc.stats.disconnects.Add(1)
		qc.session = nil
	}
	qc.connLock.Unlock()

	qc.wg.Wait()

	if qc.listenConn != nil {
		qc.listenConn.Close()
	}

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (qc *QUICChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     qc.stats.bytesSent.Load(),
		BytesReceived: qc.stats.bytesReceived.Load(),
		WriteErrors:   qc.stats.writeErrors.Load(),
		ReadErrors:    qc.stats.readErrors.Load(),
		SkippedBytes:  qc.stats.skippedBytes.Load(),
		Connects:      qc.stats.connects.Load(),
		Disconnects:   qc.stats.disconnects.Load(),
	}
}

// dropSession closes s if it is still the active session
func (qc *QUICChannel) dropSession(s *quicSession, reason string) {
	qc.connLock.Lock()
	dropped := qc.session == s
	if dropped {
		s.close(reason)
		qc.stats.disconnects.Add(1)
		qc.session = nil
	}
	qc.connLock.Unlock()

	if dropped {
		qc.notifyConnectionLost()
	}
}

// IsConnected returns true if there is a live connection
func (qc *QUICChannel) IsConnected() bool {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	return qc.session != nil && qc.session.conn.Context().Err() == nil
}

// Addr returns the listening address in server mode, or the remote address
// of the active connection in client mode.
func (qc *QUICChannel) Addr() net.Addr {
	if qc.listener != nil {
		return qc.listener.Addr()
	}
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	if qc.session != nil {
		return qc.session.conn.RemoteAddr()
	}
	return nil
}

// SetConnectionStateListener sets a listener for connection state changes
func (qc *QUICChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	qc.stateListenerLock.Lock()
	defer qc.stateListenerLock.Unlock()
	qc.stateListener = listener
}

func (qc *QUICChannel) notifyConnectionEstablished() {
	qc.stateListenerLock.RLock()
	listener := qc.stateListener
	qc.stateListenerLock.RUnlock()

	if listener != nil {
		listener.OnConnectionEstablished()
	}
}

func (qc *QUICChannel) notifyConnectionLost() {
	qc.stateListenerLock.RLock()
	listener := qc.stateListener
	qc.stateListenerLock.RUnlock()

	if listener != nil {
		listener.OnConnectionLost()
	}
}
