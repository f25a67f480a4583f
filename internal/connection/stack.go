package connection

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/rcarmo/rdpconnect/internal/auth"
	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
	"github.com/rcarmo/rdpconnect/internal/protocol/mcs"
	"github.com/rcarmo/rdpconnect/internal/protocol/nego"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/protocol/tpkt"
	"github.com/rcarmo/rdpconnect/internal/protocol/x224"
	"github.com/rcarmo/rdpconnect/internal/security"
	"github.com/rcarmo/rdpconnect/internal/transport"
)

// Transport is the byte stream under the protocol stack.
type Transport interface {
	io.ReadWriter

	Poll(timeout time.Duration) (bool, error)
	ReadPDU(deadline time.Time) (*transport.Frame, error)
	WritePDU(frame []byte) error
	SetDeadline(t time.Time) error

	StartTLSClient(serverName string, skipVerify bool) error
	StartTLSServer(config *tls.Config) error
	Authenticate(ctx context.Context, protocol pdu.NegotiationProtocol) error

	Close() error
}

// Negotiator runs the X.224 security negotiation.
type Negotiator interface {
	SetSecurityOptions(options nego.SecurityOptions)
	SetCookie(cookie string)
	SetRoutingToken(token string)
	SetCookieMaxLength(length int)

	Connect() error
	ReadRequest() error
	SendResponse() error

	SelectedProtocol() pdu.NegotiationProtocol
	RequestedProtocols() pdu.NegotiationProtocol
}

// MCS sends and decodes the T.125 domain PDUs. The Recv methods take the
// reader positioned after the X.224 data header.
type MCS interface {
	SendConnectInitial(userData *gcc.ClientUserData) error
	RecvConnectResponse(wire io.Reader) (*gcc.ServerUserData, error)
	SendErectDomainRequest() error
	SendAttachUserRequest() error
	RecvAttachUserConfirm(wire io.Reader) (uint16, error)
	SendChannelJoinRequest(channelID uint16) error
	RecvChannelJoinConfirm(wire io.Reader) (uint16, error)

	RecvConnectInitial(wire io.Reader) (*gcc.ClientUserData, error)
	SendConnectResponse(userData *gcc.ServerUserData) error
	RecvErectDomainRequest(wire io.Reader) error
	RecvAttachUserRequest(wire io.Reader) error
	SendAttachUserConfirm(userID uint16) error
	RecvChannelJoinRequest(wire io.Reader) (uint16, error)
	SendChannelJoinConfirm(channelID uint16) error

	SendData(channelID uint16, data []byte) error
	RecvData(wire io.Reader) (uint16, []byte, error)
	SendDisconnectProviderUltimatum(reason uint8) error
}

// Crypto produces randoms, runs the raw RSA operations and derives the
// session layer.
type Crypto interface {
	Random(n int) ([]byte, error)
	PublicEncrypt(data []byte, pub *rsa.PublicKey) ([]byte, error)
	PrivateDecrypt(data []byte, priv *rsa.PrivateKey) ([]byte, error)
	EstablishKeys(clientRandom, serverRandom []byte, method security.EncryptionMethod, server bool) (*security.Layer, error)
}

// CertificateParser extracts the server's RSA key from SC_SECURITY.
type CertificateParser interface {
	ParseCertificate(raw []byte) (*rsa.PublicKey, error)
}

// Dialer opens the client transport.
type Dialer func(ctx context.Context, host string, port int, timeout time.Duration) (Transport, error)

// StackFactory layers negotiation and MCS over a transport.
type StackFactory func(t Transport, server bool) (Negotiator, MCS)

func dialTCP(ctx context.Context, host string, port int, timeout time.Duration) (Transport, error) {
	return transport.Dial(ctx, host, port, timeout)
}

type authenticatorSetter interface {
	SetAuthenticator(auth transport.Authenticator)
}

// attachAuthenticator hands t the WithAuthenticator value. Clients default
// to CredSSP with the credentials held at authentication time; servers
// keep what their listener set.
func (c *Connection) attachAuthenticator(t Transport) {
	a := c.auth
	if a == nil {
		if c.role == RoleServer {
			return
		}

		a = settingsCredSSP{c: c}
	}

	if setter, ok := t.(authenticatorSetter); ok {
		setter.SetAuthenticator(a)
	}
}

// settingsCredSSP reads the credentials late so AuthenticateEx can still
// fill them in.
type settingsCredSSP struct {
	c *Connection
}

func (a settingsCredSSP) Authenticate(ctx context.Context, conn net.Conn, protocol pdu.NegotiationProtocol, server bool) error {
	s := a.c.settings

	return auth.NewCredSSP(s.Domain, s.Username, s.Password).Authenticate(ctx, conn, protocol, server)
}

func defaultStack(t Transport, server bool) (Negotiator, MCS) {
	x := x224.New(tpkt.New(t))

	return nego.New(x), mcs.New(x, server)
}
