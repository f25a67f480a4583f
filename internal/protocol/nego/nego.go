// Package nego implements RDP security protocol negotiation carried in the
// X.224 Connection Request and Confirm (MS-RDPBCGR 1.3.1.1, 2.2.1.1, 2.2.1.2).
package nego

import (
	"io"
	"strings"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

// DefaultCookieMaxLength bounds the mstshash cookie when nothing else is set.
const DefaultCookieMaxLength = 0x7ff - len("Cookie: mstshash=")

type x224Conn interface {
	Connect(userData []byte) (io.Reader, error)
	ReadConnectionRequest() ([]byte, error)
	SendConnectionConfirm(userData []byte) error
}

// SecurityOptions are the security layers this side is willing to use.
type SecurityOptions struct {
	RDP    bool
	TLS    bool
	NLA    bool
	Ext    bool
	RDSTLS bool
	AAD    bool
}

// Nego holds one negotiation exchange. A client calls Connect; a server
// calls ReadRequest then SendResponse.
type Nego struct {
	x224 x224Conn

	options         SecurityOptions
	cookie          string
	routingToken    string
	cookieMaxLength int
	correlationID   []byte

	requested     pdu.NegotiationProtocol
	selected      pdu.NegotiationProtocol
	responseFlags pdu.NegotiationResponseFlag
	request       *pdu.ClientConnectionRequest
}

func New(x224 x224Conn) *Nego {
	return &Nego{
		x224:            x224,
		options:         SecurityOptions{RDP: true, TLS: true},
		cookieMaxLength: DefaultCookieMaxLength,
	}
}

func (n *Nego) SetSecurityOptions(options SecurityOptions) {
	n.options = options
}

func (n *Nego) SecurityOptions() SecurityOptions {
	return n.options
}

func (n *Nego) SetCookie(cookie string) {
	n.cookie = cookie
}

// SetRoutingToken sets a load balancer token. It replaces the cookie on the wire.
func (n *Nego) SetRoutingToken(token string) {
	n.routingToken = token
}

func (n *Nego) SetCookieMaxLength(length int) {
	n.cookieMaxLength = length
}

// SetCorrelationID attaches an RDP_NEG_CORRELATION_INFO structure to the request.
func (n *Nego) SetCorrelationID(id []byte) error {
	var info pdu.CorrelationInfo
	if err := info.SetCorrelationID(id); err != nil {
		return err
	}

	n.correlationID = info.CorrelationID()

	return nil
}

// RequestedProtocols is the mask the client sent (client) or received (server).
func (n *Nego) RequestedProtocols() pdu.NegotiationProtocol {
	return n.requested
}

// SelectedProtocol is the outcome. On failure it carries PROTOCOL_FAILED_NEGO
// and the failure code in the low bits.
func (n *Nego) SelectedProtocol() pdu.NegotiationProtocol {
	return n.selected
}

func (n *Nego) ResponseFlags() pdu.NegotiationResponseFlag {
	return n.responseFlags
}

// Cookie returns the mstshash cookie the client presented.
func (n *Nego) Cookie() string {
	return n.cookie
}

func (n *Nego) RoutingToken() string {
	return n.routingToken
}

func (o SecurityOptions) requestMask() pdu.NegotiationProtocol {
	var mask pdu.NegotiationProtocol

	if o.TLS {
		mask |= pdu.NegotiationProtocolSSL
	}

	if o.NLA {
		mask |= pdu.NegotiationProtocolHybrid

		if o.Ext {
			mask |= pdu.NegotiationProtocolHybridEx
		}
	}

	if o.RDSTLS {
		mask |= pdu.NegotiationProtocolRDSTLS
	}

	if o.AAD {
		mask |= pdu.NegotiationProtocolRDSAAD
	}

	return mask
}

func (n *Nego) connectionRequest() *pdu.ClientConnectionRequest {
	req := pdu.ClientConnectionRequest{
		NegotiationPresent: true,
		NegotiationRequest: pdu.NegotiationRequest{RequestedProtocols: n.requested},
	}

	if n.routingToken != "" {
		req.RoutingToken = n.routingToken
	} else if n.cookie != "" {
		cookie := strings.TrimRight(n.cookie, "\r\n")
		if n.cookieMaxLength > 0 && len(cookie) > n.cookieMaxLength {
			cookie = cookie[:n.cookieMaxLength]
		}

		req.Cookie = cookie
	}

	if n.correlationID != nil {
		req.NegotiationRequest.Flags |= pdu.NegReqFlagCorrelationInfoPresent
		_ = req.CorrelationInfo.SetCorrelationID(n.correlationID)
	}

	return &req
}

// UsesTLS reports whether the selected protocol runs over a TLS channel.
func UsesTLS(selected pdu.NegotiationProtocol) bool {
	return selected != pdu.NegotiationProtocolRDP && !selected.IsFailed()
}

func (o SecurityOptions) String() string {
	var names []string

	for _, opt := range []struct {
		on   bool
		name string
	}{
		{o.RDP, "rdp"}, {o.TLS, "tls"}, {o.NLA, "nla"}, {o.Ext, "ext"}, {o.RDSTLS, "rdstls"}, {o.AAD, "aad"},
	} {
		if opt.on {
			names = append(names, opt.name)
		}
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, ",")
}
