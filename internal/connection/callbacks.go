package connection

import (
	"context"
	"net"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

// Application callbacks. The application value given to New may implement
// any subset of these; a missing one is skipped.

type PreConnecter interface {
	PreConnect(c *Connection) error
}

type PostConnecter interface {
	PostConnect(c *Connection) error
}

type Redirecter interface {
	Redirect(c *Connection) error
}

type ChannelLoader interface {
	LoadChannels(c *Connection) error
}

// DesktopResizer is told about a server-imposed desktop size.
type DesktopResizer interface {
	DesktopResize(c *Connection, width, height uint16) error
}

// RetryDialoger is asked before Reconnect starts over. Returning false
// cancels the reconnect.
type RetryDialoger interface {
	RetryDialog(c *Connection, attempt int) bool
}

// ExAuthenticator fills in missing credentials before NLA. Returning false
// cancels the attempt.
type ExAuthenticator interface {
	AuthenticateEx(c *Connection, s *settings.Settings) bool
}

// CallbackState records how far the application callbacks got.
type CallbackState int

const (
	CallbackInitial CallbackState = iota
	CallbackPreconnectPassed
	CallbackPostconnectPassed
)

func (s CallbackState) String() string {
	switch s {
	case CallbackPreconnectPassed:
		return "preconnect-passed"
	case CallbackPostconnectPassed:
		return "postconnect-passed"
	}

	return "initial"
}

// Collaborator hooks.

// UpdateSubsystem owns the graphics and input update state.
type UpdateSubsystem interface {
	ResetState()
	ResetCodecs()
}

// UpdateReceiver is an optional UpdateSubsystem extension that receives
// the slow-path and fast-path traffic of an active session.
type UpdateReceiver interface {
	ReceiveUpdate(fastPath bool, data []byte) error
}

// InputRegistrar is told when input may be sent, with the peer's input
// capabilities when it advertised them.
type InputRegistrar interface {
	RegisterInput(c *Connection, caps *pdu.InputCapabilitySet)
}

// ChannelManager owns the static virtual channel objects of one session.
type ChannelManager interface {
	PreConnect(c *Connection) error
	PostConnect(c *Connection) error
	Close() error
}

// ChannelDataReceiver is an optional ChannelManager extension for data on
// static channels.
type ChannelDataReceiver interface {
	ReceiveChannelData(name string, channelID uint16, data []byte) error
}

// ChannelManagerFactory builds fresh channel objects for app.
type ChannelManagerFactory func(app any) (ChannelManager, error)

// Resolver reports whether a redirection target resolves.
type Resolver interface {
	Resolvable(ctx context.Context, host string) bool
}

// ArmResolver rewrites the target through an Azure Resource Manager
// gateway before any TCP connect.
type ArmResolver interface {
	ResolveEndpoint(ctx context.Context, s *settings.Settings) error
}

type dnsResolver struct{}

func (dnsResolver) Resolvable(ctx context.Context, host string) bool {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)

	return err == nil && len(addrs) > 0
}
