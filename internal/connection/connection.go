// Package connection drives the RDP connection sequence for both roles,
// from negotiation to an active session, and back down on disconnect,
// reconnect and redirection.
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/mcs"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/protocol/x224"
	"github.com/rcarmo/rdpconnect/internal/security"
	"github.com/rcarmo/rdpconnect/internal/settings"
	"github.com/rcarmo/rdpconnect/internal/transport"
)

const (
	defaultPollInterval      = 100 * time.Millisecond
	defaultActivationTimeout = 15 * time.Second
	defaultAckTimeout        = 10 * time.Second
)

// Connection is one RDP session. It is driven from a single goroutine;
// only Abort, LastError and IsActive may be called from others.
type Connection struct {
	role     Role
	id       string
	settings *settings.Settings
	app      any
	bus      *Bus
	baseLog  *logging.Logger
	log      *logging.Logger
	tracer   trace.Tracer

	state                State
	deactivateReactivate bool
	aborted              atomic.Bool
	active               atomic.Bool
	callbackState        CallbackState

	errMu   sync.Mutex
	lastErr error

	transport Transport
	auth      transport.Authenticator
	dial      Dialer
	stack     StackFactory
	nego      Negotiator
	mcs       MCS
	crypto    Crypto
	certs     CertificateParser

	update         UpdateSubsystem
	input          InputRegistrar
	channels       ChannelManager
	channelFactory ChannelManagerFactory
	resolver       Resolver
	arm            ArmResolver

	roster      Roster
	pendingJoin uint16
	skipJoin    bool
	license     License
	layer       *security.Layer

	shareID        uint32
	peerChannel    uint16
	peerCaps       []pdu.CapabilitySet
	cachedWidth    uint16
	cachedHeight   uint16
	monitors       []pdu.MonitorDef
	clientInfo     *pdu.InfoPacket
	redirection    *pdu.ServerRedirection
	autodetect     autoDetector
	multitransport *multitransportHandler
}

// Option configures a Connection at construction.
type Option func(*Connection)

// WithApplication sets the value inspected for the callback interfaces.
func WithApplication(app any) Option {
	return func(c *Connection) { c.app = app }
}

func WithUpdateSubsystem(u UpdateSubsystem) Option {
	return func(c *Connection) { c.update = u }
}

func WithInputRegistrar(r InputRegistrar) Option {
	return func(c *Connection) { c.input = r }
}

// WithChannelManagerFactory is used by Open and Redirect to build fresh
// channel objects.
func WithChannelManagerFactory(f ChannelManagerFactory) Option {
	return func(c *Connection) { c.channelFactory = f }
}

func WithResolver(r Resolver) Option {
	return func(c *Connection) { c.resolver = r }
}

func WithArmResolver(r ArmResolver) Option {
	return func(c *Connection) { c.arm = r }
}

func WithCrypto(cr Crypto) Option {
	return func(c *Connection) { c.crypto = cr }
}

func WithCertificateParser(p CertificateParser) Option {
	return func(c *Connection) { c.certs = p }
}

func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dial = d }
}

// WithAuthenticator replaces the default CredSSP client authenticator used
// for NLA. A server hands it to the accepted transport.
func WithAuthenticator(a transport.Authenticator) Option {
	return func(c *Connection) { c.auth = a }
}

func WithStack(f StackFactory) Option {
	return func(c *Connection) { c.stack = f }
}

// WithTransport hands an accepted peer to a server connection.
func WithTransport(t Transport) Option {
	return func(c *Connection) { c.transport = t }
}

func WithBus(b *Bus) Option {
	return func(c *Connection) { c.bus = b }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Connection) { c.baseLog = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Connection) { c.tracer = tp.Tracer(tracerName) }
}

// New creates a connection for role. s is owned by the connection from
// then on.
func New(role Role, s *settings.Settings, opts ...Option) *Connection {
	provider := security.Provider{}

	c := &Connection{
		role:     role,
		id:       uuid.NewString(),
		settings: s,
		dial:     dialTCP,
		stack:    defaultStack,
		crypto:   provider,
		certs:    provider,
		resolver: dnsResolver{},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.bus == nil {
		c.bus = NewBus()
	}

	if c.baseLog == nil {
		c.baseLog = logging.Default()
	}

	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}

	c.baseLog = c.baseLog.With("conn_id", c.id, "role", role.String())
	c.log = c.baseLog.With("state", c.state.String())
	c.roster = newRoster(s.StaticChannels)

	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Role() Role {
	return c.role
}

func (c *Connection) State() State {
	return c.state
}

func (c *Connection) Settings() *settings.Settings {
	return c.settings
}

func (c *Connection) Bus() *Bus {
	return c.bus
}

func (c *Connection) Roster() *Roster {
	return &c.roster
}

func (c *Connection) License() *License {
	return &c.license
}

func (c *Connection) CallbackState() CallbackState {
	return c.callbackState
}

// ClientInfo is what a server learned from the Client Info PDU.
func (c *Connection) ClientInfo() *pdu.InfoPacket {
	return c.clientInfo
}

// NetworkCharacteristics is the last connect-time auto-detect result.
func (c *Connection) NetworkCharacteristics() pdu.NetworkCharacteristics {
	return c.autodetect.characteristics
}

// ChannelManager returns the current channel objects, if any.
func (c *Connection) ChannelManager() ChannelManager {
	return c.channels
}

// IsActive reports membership of the role's active set.
func (c *Connection) IsActive() bool {
	return c.active.Load()
}

// Abort makes the in-flight sequence fail with ErrCanceled at its next
// wait-loop iteration.
func (c *Connection) Abort() {
	c.aborted.Store(true)
}

func (c *Connection) Aborted() bool {
	return c.aborted.Load()
}

// LastError is the first error of the current attempt.
func (c *Connection) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.lastErr
}

func (c *Connection) setLastError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if c.lastErr == nil {
		c.lastErr = err
	}
}

func (c *Connection) resetLastError() {
	c.errMu.Lock()
	c.lastErr = nil
	c.errMu.Unlock()
}

// fail records err and returns the error the caller should see. After an
// abort that is always ErrCanceled.
func (c *Connection) fail(err error) error {
	if err == nil {
		return nil
	}

	if c.aborted.Load() && !errors.Is(err, ErrCanceled) {
		err = fmt.Errorf("%w: %v", ErrCanceled, err)
	}

	c.setLastError(err)

	return err
}

func (c *Connection) pollInterval() time.Duration {
	if c.settings.PollInterval > 0 {
		return c.settings.PollInterval
	}

	return defaultPollInterval
}

func (c *Connection) ackTimeout() time.Duration {
	if c.settings.TcpAckTimeout > 0 {
		return c.settings.TcpAckTimeout
	}

	return defaultAckTimeout
}

// blockingDeadline bounds the pre-polling exchanges by the ack timeout and
// the context deadline, whichever comes first.
func (c *Connection) blockingDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.ackTimeout())

	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	return deadline
}

func (c *Connection) buildStack() {
	c.nego, c.mcs = c.stack(c.transport, c.role == RoleServer)
}

// CheckFds runs one receive step: it waits up to the poll interval for a
// PDU and processes it.
func (c *Connection) CheckFds() error {
	return c.checkFds(context.Background())
}

func (c *Connection) checkFds(ctx context.Context) error {
	if c.transport == nil {
		return ErrNotConnected
	}

	ready, err := c.transport.Poll(c.pollInterval())
	if err != nil {
		return fmt.Errorf("transport poll: %w", err)
	}

	if !ready {
		return nil
	}

	frame, err := c.transport.ReadPDU(time.Now().Add(c.ackTimeout()))
	if err != nil {
		return fmt.Errorf("transport read: %w", err)
	}

	err = c.HandlePDU(frame)
	if errors.Is(err, errRedirected) {
		return c.Redirect(ctx)
	}

	return err
}

// HandlePDU processes one received frame for the current state.
func (c *Connection) HandlePDU(frame *transport.Frame) error {
	if frame.FastPath {
		return c.deliverUpdate(true, frame.Data)
	}

	wire := bytes.NewReader(frame.Data)

	if err := x224.ReadDataHeader(wire); err != nil {
		if errors.Is(err, x224.ErrDisconnectRequest) {
			return fmt.Errorf("peer disconnected: %w", err)
		}

		return err
	}

	if c.role == RoleServer {
		return c.recvServer(wire)
	}

	return c.recvClient(wire)
}

// waitActive pumps the transport until the role's active set is reached.
func (c *Connection) waitActive(ctx context.Context) error {
	timeout := c.settings.ActivationTimeout
	if timeout <= 0 {
		timeout = defaultActivationTimeout
	}

	deadline := time.Now().Add(timeout)

	for !c.IsActive() {
		if c.aborted.Load() {
			return ErrCanceled
		}

		select {
		case <-ctx.Done():
			c.Abort()
			return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s in %s", ErrActivationTimeout, timeout, c.state)
		}

		if err := c.checkFds(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connection) deliverUpdate(fastPath bool, data []byte) error {
	if receiver, ok := c.update.(UpdateReceiver); ok {
		return receiver.ReceiveUpdate(fastPath, data)
	}

	return nil
}

// Disconnect tells the peer the domain is going away, closes the transport,
// drops the keys and returns to StateInitial. Settings are kept.
func (c *Connection) Disconnect() error {
	if c.transport != nil && c.mcs != nil && c.state >= StateMCSErectDomain {
		if err := c.mcs.SendDisconnectProviderUltimatum(mcs.RNUserRequested); err != nil {
			c.log.Debug("RDP: disconnect: ultimatum not sent: %v", err)
		}
	}

	return c.teardown()
}

func (c *Connection) teardown() error {
	var err error

	if c.transport != nil {
		err = c.transport.Close()
		c.transport = nil
	}

	c.nego, c.mcs = nil, nil
	c.dropKeys()
	c.settings.Negotiated.Reset()
	c.roster = newRoster(c.settings.StaticChannels)
	c.license.Reset()
	c.deactivateReactivate = false
	c.skipJoin = false
	c.pendingJoin = 0
	c.shareID = 0
	c.peerCaps = nil
	c.autodetect = autoDetector{}
	c.multitransport = nil

	_ = c.Transition(StateInitial)

	return err
}

func (c *Connection) dropKeys() {
	if c.layer != nil {
		c.layer.Close()
		c.layer = nil
	}
}
