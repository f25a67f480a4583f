package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rcarmo/rdpconnect/internal/codec"
	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
	"github.com/rcarmo/rdpconnect/internal/protocol/mcs"
	"github.com/rcarmo/rdpconnect/internal/protocol/nego"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/security"
)

// mstscCookieMaxLength truncates the cookie the way mstsc does.
const mstscCookieMaxLength = 9

// Connect runs the client sequence up to the active set. Before the MCS
// phase every exchange blocks; after it the transport is polled until the
// connection is active, ctx is done, Abort is called or the activation
// timeout passes.
func (c *Connection) Connect(ctx context.Context) (err error) {
	if c.role != RoleClient {
		return ErrWrongRole
	}

	ctx, span := c.startSpan(ctx, "connection.Connect")
	started := time.Now()

	c.resetLastError()

	defer func() {
		err = c.fail(err)
		c.endSpan(span, err)
		c.bus.Publish(AttemptEvent{Role: c.role, Duration: time.Since(started), Err: err})
	}()

	s := c.settings

	if s.ServerHostname == "" {
		return ErrMissingHostname
	}

	if c.aborted.Load() {
		return ErrCanceled
	}

	if c.transport != nil {
		_ = c.teardown()
	}

	c.settings.Negotiated.Reset()
	c.roster = newRoster(s.StaticChannels)

	if c.update != nil {
		c.update.ResetCodecs()
	}

	c.cachedWidth, c.cachedHeight = s.DesktopWidth, s.DesktopHeight

	if s.FIPSMode {
		s.NlaSecurity = false
		s.EncryptionMethods = security.EncryptionMethodFIPS
	}

	if s.GatewayArmTransport && c.arm != nil {
		if err := c.arm.ResolveEndpoint(ctx, s); err != nil {
			return fmt.Errorf("arm gateway: %w", err)
		}
	}

	if s.Username != "" && (s.Password != "" || len(s.RedirectionPassword) > 0) {
		s.AutoLogonEnabled = true
	}

	if s.MstscCookieMode {
		s.CookieMaxLength = mstscCookieMaxLength
	}

	c.log.Info("RDP: connect: %s:%d security %s", s.ServerHostname, s.ServerPort, s.SecurityLabel())

	if err := c.negotiate(ctx); err != nil {
		return err
	}

	if err := c.Transition(StateMCSCreateRequest); err != nil {
		return err
	}

	if err := c.mcs.SendConnectInitial(c.clientUserData()); err != nil {
		return fmt.Errorf("mcs connect initial: %w", err)
	}

	if err := c.Transition(StateMCSCreateResponse); err != nil {
		return err
	}

	return c.waitActive(ctx)
}

func (c *Connection) securityOptions() nego.SecurityOptions {
	s := c.settings

	return nego.SecurityOptions{
		RDP:    s.RdpSecurity,
		TLS:    s.TlsSecurity,
		NLA:    s.NlaSecurity,
		Ext:    s.ExtSecurity,
		RDSTLS: s.RdstlsSecurity,
		AAD:    s.AadSecurity,
	}
}

// cookie is DOMAIN\username with the domain uppercased.
func (c *Connection) cookie() string {
	s := c.settings
	if s.Domain == "" {
		return s.Username
	}

	return strings.ToUpper(s.Domain) + `\` + s.Username
}

// negotiate dials, runs the X.224 negotiation and secures the transport.
func (c *Connection) negotiate(ctx context.Context) error {
	s := c.settings

	t, err := c.dial(ctx, s.ServerHostname, s.ServerPort, s.TcpConnectTimeout)
	if err != nil {
		return err
	}

	c.attachAuthenticator(t)
	c.transport = t
	c.buildStack()

	if err := c.Transition(StateNego); err != nil {
		return err
	}

	if err := t.SetDeadline(c.blockingDeadline(ctx)); err != nil {
		return fmt.Errorf("transport deadline: %w", err)
	}

	c.nego.SetSecurityOptions(c.securityOptions())

	if len(s.LoadBalanceInfo) > 0 {
		c.nego.SetRoutingToken(string(s.LoadBalanceInfo))
	} else {
		c.nego.SetCookie(c.cookie())
	}

	if s.CookieMaxLength > 0 {
		c.nego.SetCookieMaxLength(s.CookieMaxLength)
	}

	if err := c.nego.Connect(); err != nil {
		negErr := &NegotiationError{Err: err}
		if selected := c.nego.SelectedProtocol(); selected.IsFailed() {
			negErr.Code = selected.FailureCode()
		}

		return negErr
	}

	selected := c.nego.SelectedProtocol()
	n := &s.Negotiated

	if err := n.SetSelectedProtocol(selected); err != nil {
		return err
	}

	if err := n.SetRequestedProtocols(c.nego.RequestedProtocols()); err != nil {
		return err
	}

	if nego.UsesTLS(selected) {
		if err := t.StartTLSClient(s.TLSServerName, s.TLSSkipVerify); err != nil {
			return err
		}
	}

	switch {
	case selected.UsesNLA(), selected == pdu.NegotiationProtocolRDSTLS:
		if err := c.Transition(StateNLA); err != nil {
			return err
		}

		if s.Username == "" || (s.Password == "" && len(s.RedirectionPassword) == 0) {
			if auth, ok := c.app.(ExAuthenticator); ok && !auth.AuthenticateEx(c, s) {
				return fmt.Errorf("%w: no credentials for %s", ErrCanceled, selected)
			}
		}

		if err := t.Authenticate(ctx, selected); err != nil {
			return err
		}
	case selected == pdu.NegotiationProtocolRDSAAD:
		if err := c.Transition(StateAAD); err != nil {
			return err
		}

		if err := t.Authenticate(ctx, selected); err != nil {
			return err
		}
	}

	return t.SetDeadline(time.Time{})
}

func (c *Connection) clientUserData() *gcc.ClientUserData {
	s := c.settings
	n := &s.Negotiated

	core := gcc.NewClientCoreData(uint32(n.SelectedProtocol()), s.DesktopWidth, s.DesktopHeight, s.ColorDepth, s.ClientHostname)

	if s.SupportMonitorLayoutPdu {
		core.EarlyCapabilityFlags |= gcc.ECFSupportMonitorLayoutPDU
	}

	if s.SupportSkipChannelJoin {
		core.EarlyCapabilityFlags |= gcc.ECFSupportSkipChannelJoin
	}

	if !s.SupportHeartbeatPdu {
		core.EarlyCapabilityFlags &^= gcc.ECFSupportHeartbeatPDU
	}

	if !s.NetworkAutoDetect {
		core.EarlyCapabilityFlags &^= gcc.ECFSupportNetCharAutodetect
	}

	sec := &gcc.ClientSecurityData{}
	if n.SelectedProtocol() == pdu.NegotiationProtocolRDP {
		sec.EncryptionMethods = uint32(s.EncryptionMethods)
	}

	network := &gcc.ClientNetworkData{}
	for _, ch := range c.roster.Channels {
		network.Channels = append(network.Channels, gcc.NewChannelDefinition(ch.Name, ch.Options))
	}

	ud := &gcc.ClientUserData{
		Core:     core,
		Security: sec,
		Network:  network,
		Cluster:  gcc.NewClientClusterData(s.RedirectedSessionID, s.RedirectedSessionID != 0),
	}

	if s.SupportHeartbeatPdu || s.NetworkAutoDetect || s.MultitransportFlags != 0 {
		ud.MessageChannel = &gcc.ClientMessageChannelData{}
	}

	if s.MultitransportFlags != 0 {
		ud.Multitransport = gcc.NewClientMultitransportChannelData(s.MultitransportFlags)
	}

	return ud
}

func (c *Connection) recvClient(wire io.Reader) error {
	switch c.state {
	case StateMCSCreateResponse:
		return c.recvConnectResponse(wire)
	case StateMCSAttachUserConfirm:
		return c.recvAttachUserConfirm(wire)
	case StateMCSChannelJoinResponse:
		return c.recvChannelJoinConfirm(wire)
	}

	channelID, data, err := c.mcs.RecvData(wire)
	if err != nil {
		if errors.Is(err, mcs.ErrDisconnectUltimatum) {
			return fmt.Errorf("server disconnected: %w", err)
		}

		return err
	}

	return c.recvClientData(channelID, data)
}

func (c *Connection) recvConnectResponse(wire io.Reader) error {
	ud, err := c.mcs.RecvConnectResponse(wire)
	if err != nil {
		return fmt.Errorf("mcs connect response: %w", err)
	}

	if err := c.applyServerData(ud); err != nil {
		return err
	}

	c.skipJoin = c.settings.SupportSkipChannelJoin && ud.Core.EarlyCapabilityFlags&gcc.SCEarlySkipChannelJoin != 0

	if err := c.Transition(StateMCSErectDomain); err != nil {
		return err
	}

	if err := c.mcs.SendErectDomainRequest(); err != nil {
		return fmt.Errorf("erect domain: %w", err)
	}

	if err := c.Transition(StateMCSAttachUser); err != nil {
		return err
	}

	if err := c.mcs.SendAttachUserRequest(); err != nil {
		return fmt.Errorf("attach user: %w", err)
	}

	return c.Transition(StateMCSAttachUserConfirm)
}

func (c *Connection) recvAttachUserConfirm(wire io.Reader) error {
	userID, err := c.mcs.RecvAttachUserConfirm(wire)
	if err != nil {
		return fmt.Errorf("attach user confirm: %w", err)
	}

	c.roster.UserID = userID

	if c.skipJoin {
		c.log.Debug("RDP: mcs: skipping channel join")
		c.roster.JoinAll()

		return c.afterChannelJoin()
	}

	return c.sendNextJoin()
}

// afterChannelJoin runs security commencement and sends the Client Info PDU.
func (c *Connection) afterChannelJoin() error {
	if err := c.Transition(StateRDPSecurityCommencement); err != nil {
		return err
	}

	n := &c.settings.Negotiated

	if n.UseRdpSecurityLayer() {
		if err := c.establishClientKeys(); err != nil {
			c.dropKeys()
			return err
		}
	}

	n.Seal()

	if err := c.Transition(StateSecureSettingsExchange); err != nil {
		return err
	}

	if err := c.sendClientInfo(); err != nil {
		return err
	}

	return c.Transition(StateConnectTimeAutoDetectRequest)
}

func (c *Connection) sendClientInfo() error {
	s := c.settings

	password := s.Password
	if password == "" && len(s.RedirectionPassword) > 0 {
		password = codec.Decode(s.RedirectionPassword)
	}

	info := pdu.NewClientInfo(s.Domain, s.Username, password)
	if s.AutoLogonEnabled {
		info.InfoPacket.Flags |= pdu.InfoFlagAutologon
	}

	if err := c.sendSecured(c.roster.GlobalID, pdu.SecurityFlagInfoPkt, info.Serialize()); err != nil {
		return fmt.Errorf("client info: %w", err)
	}

	return nil
}

// messageChannel carries auto-detect and multitransport traffic; the I/O
// channel stands in when the server allocated none.
func (c *Connection) messageChannel() uint16 {
	if c.roster.MessageID != 0 {
		return c.roster.MessageID
	}

	return c.roster.GlobalID
}

func (c *Connection) recvClientData(channelID uint16, data []byte) error {
	flags, body, err := c.unwrapSecurity(data, c.expectSecurityHeader(channelID, data))
	if err != nil {
		return err
	}

	switch {
	case flags.Has(pdu.SecurityFlagAutodetectReq):
		return c.handleAutoDetect(channelID, body)
	case flags.Has(pdu.SecurityFlagHeartbeat):
		return c.handleHeartbeat(body)
	case flags.Has(pdu.SecurityFlagTransportReq):
		return c.handleMultitransport(body)
	case flags.Has(pdu.SecurityFlagRedirectionPkt):
		return c.recvRedirection(bytes.NewReader(body), false)
	}

	if ch, ok := c.roster.Lookup(channelID); ok {
		return c.deliverChannelData(ch, body)
	}

	switch c.state {
	case StateSecureSettingsExchange, StateConnectTimeAutoDetectRequest, StateConnectTimeAutoDetectResponse, StateLicensing:
		if !flags.Has(pdu.SecurityFlagLicensePkt) {
			return fmt.Errorf("%w: flags 0x%04x in %s", ErrProtocolSequence, uint16(flags), c.state)
		}

		return c.recvLicense(body)
	case StateMultitransportBootstrappingRequest, StateMultitransportBootstrappingResponse:
		if err := c.Transition(StateCapabilitiesExchangeDemandActive); err != nil {
			return err
		}
	}

	return c.recvClientShareControl(body)
}

func (c *Connection) recvLicense(body []byte) error {
	if err := c.Transition(StateLicensing); err != nil {
		return err
	}

	state, err := c.license.Recv(body)
	if err != nil {
		return err
	}

	switch state {
	case LicenseCompleted:
		c.log.Debug("RDP: licensing: completed with %s", c.license.LastMessage())
		return c.Transition(StateMultitransportBootstrappingRequest)
	case LicenseAborted:
		return fmt.Errorf("%w: %s", ErrLicensingAborted, c.license.LastMessage())
	}

	return nil
}

func (c *Connection) handleMultitransport(body []byte) error {
	if c.multitransport == nil {
		c.multitransport = newMultitransportHandler(func(data []byte) error {
			return c.sendSecured(c.messageChannel(), pdu.SecurityFlagTransportRsp, data)
		}, c.log)
	}

	if err := c.multitransport.HandleRequest(body); err != nil {
		return err
	}

	if c.state == StateMultitransportBootstrappingRequest {
		return c.Transition(StateMultitransportBootstrappingResponse)
	}

	return nil
}
