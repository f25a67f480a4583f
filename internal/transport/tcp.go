// Package transport carries RDP PDUs over TCP, with the TLS upgrade and the
// hand-off to an external authenticator for NLA and RDSTLS.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultPort           = 3389

	readBufferSize   = 64 * 1024
	handshakeTimeout = 30 * time.Second
)

var (
	ErrClosed          = errors.New("transport: closed")
	ErrNoAuthenticator = errors.New("transport: protocol needs an authenticator")
)

// Authenticator runs the exchange that follows the TLS handshake for
// CredSSP (HYBRID, HYBRID_EX), RDSTLS and RDSAAD. conn is already secured.
type Authenticator interface {
	Authenticate(ctx context.Context, conn net.Conn, protocol pdu.NegotiationProtocol, server bool) error
}

// bufferedConn reads through the transport's buffer so bytes read ahead
// of a TLS or CredSSP hand-off are not lost.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// ConnectionState is the zero state before the TLS upgrade.
func (c bufferedConn) ConnectionState() tls.ConnectionState {
	if tc, ok := c.Conn.(*tls.Conn); ok {
		return tc.ConnectionState()
	}

	return tls.ConnectionState{}
}

// TCP is one peer connection. It is an io.ReadWriter for the TPKT layer.
type TCP struct {
	conn   net.Conn
	reader *bufio.Reader
	server bool
	secure bool
	auth   Authenticator
	closed atomic.Bool
}

// Dial connects to host:port. A zero timeout uses DefaultConnectTimeout.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*TCP, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	if port == 0 {
		port = DefaultPort
	}

	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("tcp connect: %w", err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}

	return NewTCP(conn, false), nil
}

// NewTCP wraps an established connection.
func NewTCP(conn net.Conn, server bool) *TCP {
	return &TCP{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufferSize),
		server: server,
	}
}

func (t *TCP) SetAuthenticator(auth Authenticator) {
	t.auth = auth
}

func (t *TCP) Read(b []byte) (int, error) {
	return t.reader.Read(b)
}

func (t *TCP) Write(b []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	return t.conn.Write(b)
}

// Conn exposes the connection for collaborators that speak their own
// protocol on it. Reads go through the transport buffer.
func (t *TCP) Conn() net.Conn {
	return bufferedConn{Conn: t.conn, reader: t.reader}
}

func (t *TCP) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// IsSecure reports whether the TLS upgrade has happened.
func (t *TCP) IsSecure() bool {
	return t.secure
}

// Poll reports whether a PDU is ready to be read, waiting at most timeout.
func (t *TCP) Poll(timeout time.Duration) (bool, error) {
	if t.closed.Load() {
		return false, ErrClosed
	}

	if t.reader.Buffered() > 0 {
		return true, nil
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	_, err := t.reader.Peek(1)
	_ = t.conn.SetReadDeadline(time.Time{})

	if err == nil {
		return true, nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false, nil
	}

	return false, err
}

// ReadPDU reads one frame. A zero deadline blocks.
func (t *TCP) ReadPDU(deadline time.Time) (*Frame, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	_ = t.conn.SetReadDeadline(deadline)
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()

	return ReadFrame(t.reader)
}

// SetDeadline bounds the blocking exchanges that run before polled mode.
func (t *TCP) SetDeadline(deadline time.Time) error {
	return t.conn.SetDeadline(deadline)
}

func (t *TCP) WritePDU(frame []byte) error {
	if _, err := t.Write(frame); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}

	return nil
}

// StartTLSClient upgrades the connection after a negotiation that selected
// SSL, HYBRID or RDSTLS. An empty serverName falls back to the remote host.
func (t *TCP) StartTLSClient(serverName string, skipVerify bool) error {
	if serverName == "" {
		serverName = hostOf(t.conn.RemoteAddr())
	}

	config := &tls.Config{
		InsecureSkipVerify: skipVerify, // #nosec G402
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
	}

	if skipVerify {
		config.MinVersion = tls.VersionTLS10
	}

	tlsConn := tls.Client(t.Conn(), config)

	if err := t.handshake(tlsConn); err != nil {
		if !skipVerify && strings.Contains(err.Error(), "certificate") {
			return fmt.Errorf("TLS certificate verification failed: %w", err)
		}

		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	logging.Debug("RDP: transport: TLS established with %s", serverName)

	return nil
}

// StartTLSServer answers the client's TLS handshake with config.
func (t *TCP) StartTLSServer(config *tls.Config) error {
	if config == nil || len(config.Certificates) == 0 && config.GetCertificate == nil {
		return errors.New("TLS server: no certificate configured")
	}

	if err := t.handshake(tls.Server(t.Conn(), config)); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	return nil
}

func (t *TCP) handshake(tlsConn *tls.Conn) error {
	_ = t.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = t.conn.SetDeadline(time.Time{}) }()

	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	t.conn = tlsConn
	t.reader = bufio.NewReaderSize(tlsConn, readBufferSize)
	t.secure = true

	return nil
}

// Authenticate delegates the post-TLS exchange for protocol. Plain RDP and
// SSL need nothing.
func (t *TCP) Authenticate(ctx context.Context, protocol pdu.NegotiationProtocol) error {
	switch protocol {
	case pdu.NegotiationProtocolRDP, pdu.NegotiationProtocolSSL:
		return nil
	}

	if t.auth == nil {
		return fmt.Errorf("%w: %s", ErrNoAuthenticator, protocol)
	}

	if err := t.auth.Authenticate(ctx, t.Conn(), protocol, t.server); err != nil {
		return fmt.Errorf("authentication: %w", err)
	}

	return nil
}

// Close is safe to call more than once.
func (t *TCP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	return t.conn.Close()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}

	return host
}
