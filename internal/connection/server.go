package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
	"github.com/rcarmo/rdpconnect/internal/protocol/nego"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/security"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

// Accept runs the server sequence on the transport given with
// WithTransport until Confirm Active is accepted. The client's finalization
// is answered from CheckFds after that.
func (c *Connection) Accept(ctx context.Context) (err error) {
	if c.role != RoleServer {
		return ErrWrongRole
	}

	if c.transport == nil {
		return ErrNotConnected
	}

	ctx, span := c.startSpan(ctx, "connection.Accept")
	started := time.Now()

	c.resetLastError()

	defer func() {
		err = c.fail(err)
		c.endSpan(span, err)
		c.bus.Publish(AttemptEvent{Role: c.role, Duration: time.Since(started), Err: err})
	}()

	if c.aborted.Load() {
		return ErrCanceled
	}

	if err := c.acceptNegotiation(ctx); err != nil {
		return err
	}

	if err := c.Transition(StateMCSCreateRequest); err != nil {
		return err
	}

	return c.waitActive(ctx)
}

func (c *Connection) acceptNegotiation(ctx context.Context) error {
	s := c.settings
	t := c.transport

	c.attachAuthenticator(t)
	c.buildStack()

	if err := c.Transition(StateNego); err != nil {
		return err
	}

	if err := t.SetDeadline(c.blockingDeadline(ctx)); err != nil {
		return fmt.Errorf("transport deadline: %w", err)
	}

	c.nego.SetSecurityOptions(c.securityOptions())

	if err := c.nego.ReadRequest(); err != nil {
		return &NegotiationError{Err: err}
	}

	if err := c.nego.SendResponse(); err != nil {
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

	if selected == pdu.NegotiationProtocolRDP {
		if err := n.SetUseRdpSecurityLayer(true); err != nil {
			return err
		}
	} else if err := n.SetEncryption(security.EncryptionLevelNone, security.EncryptionMethodNone); err != nil {
		return err
	}

	if nego.UsesTLS(selected) {
		if err := t.StartTLSServer(s.TLSConfig); err != nil {
			return err
		}
	}

	switch {
	case selected.UsesNLA(), selected == pdu.NegotiationProtocolRDSTLS:
		if err := c.Transition(StateNLA); err != nil {
			return err
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

func (c *Connection) recvServer(wire io.Reader) error {
	switch c.state {
	case StateMCSCreateRequest:
		return c.recvConnectInitial(wire)
	case StateMCSErectDomain:
		if err := c.mcs.RecvErectDomainRequest(wire); err != nil {
			return fmt.Errorf("erect domain: %w", err)
		}

		return c.Transition(StateMCSAttachUser)
	case StateMCSAttachUser:
		return c.recvAttachUserRequest(wire)
	case StateMCSChannelJoinRequest:
		return c.recvChannelJoinRequest(wire)
	}

	channelID, data, err := c.mcs.RecvData(wire)
	if err != nil {
		return err
	}

	return c.recvServerData(channelID, data)
}

// recvConnectInitial copies the client's GCC blocks into Settings, numbers
// the channels and answers with the server blocks.
func (c *Connection) recvConnectInitial(wire io.Reader) error {
	ud, err := c.mcs.RecvConnectInitial(wire)
	if err != nil {
		return fmt.Errorf("mcs connect initial: %w", err)
	}

	s := c.settings
	n := &s.Negotiated

	s.DesktopWidth = ud.Core.DesktopWidth
	s.DesktopHeight = ud.Core.DesktopHeight
	s.ClientHostname = ud.Core.Name()

	if err := n.SetEarlyCapabilities(uint32(ud.Core.EarlyCapabilityFlags)); err != nil {
		return err
	}

	s.StaticChannels = nil
	if ud.Network != nil {
		for _, def := range ud.Network.Channels {
			s.StaticChannels = append(s.StaticChannels, settings.Channel{Name: def.ChannelName(), Options: def.Options})
		}
	}

	if ud.Cluster != nil && ud.Cluster.Flags&gcc.ClusterRedirectedSessionIDValid != 0 {
		s.RedirectedSessionID = ud.Cluster.RedirectedSessionID
	}

	if ud.Multitransport != nil {
		s.MultitransportFlags = ud.Multitransport.Flags
	}

	c.assignChannels(ud)

	if n.UseRdpSecurityLayer() {
		var methods security.EncryptionMethod

		if ud.Security != nil {
			methods = security.EncryptionMethod(ud.Security.EncryptionMethods)
			if methods == security.EncryptionMethodNone {
				methods = security.EncryptionMethod(ud.Security.ExtEncryptionMethods)
			}
		}

		if err := c.UpdateEncryptionLevel(methods); err != nil {
			return err
		}

		if err := c.provisionServerRandom(); err != nil {
			return err
		}
	}

	c.skipJoin = s.SupportSkipChannelJoin && ud.Core.EarlyCapabilityFlags&gcc.ECFSupportSkipChannelJoin != 0

	if err := c.Transition(StateMCSCreateResponse); err != nil {
		return err
	}

	if err := c.mcs.SendConnectResponse(c.serverUserData()); err != nil {
		return fmt.Errorf("mcs connect response: %w", err)
	}

	return c.Transition(StateMCSErectDomain)
}

func (c *Connection) provisionServerRandom() error {
	n := &c.settings.Negotiated

	if n.EncryptionLevel() == security.EncryptionLevelNone {
		return nil
	}

	key := c.settings.ServerPrivateKey
	if key == nil {
		return ErrNoServerKey
	}

	random, err := c.crypto.Random(security.RandomLength)
	if err != nil {
		return fmt.Errorf("%w: server random: %v", ErrResourceExhausted, err)
	}

	if err := n.SetServerRandom(random); err != nil {
		return err
	}

	return n.SetServerCertificate(security.NewProprietaryCertificate(&key.PublicKey))
}

func (c *Connection) serverUserData() *gcc.ServerUserData {
	s := c.settings
	n := &s.Negotiated

	var flags uint32
	if c.skipJoin {
		flags |= gcc.SCEarlySkipChannelJoin
	}

	network := &gcc.ServerNetworkData{MCSChannelID: c.roster.GlobalID}
	for _, ch := range c.roster.Channels {
		network.ChannelIDs = append(network.ChannelIDs, ch.ID)
	}

	sec := &gcc.ServerSecurityData{
		EncryptionMethod: uint32(n.EncryptionMethod()),
		EncryptionLevel:  uint32(n.EncryptionLevel()),
	}

	if n.EncryptionLevel() != security.EncryptionLevelNone {
		sec.ServerRandom = n.ServerRandom()
		sec.ServerCertificate = n.ServerCertificate()
	}

	ud := &gcc.ServerUserData{
		Core:     gcc.NewServerCoreData(uint32(n.RequestedProtocols()), flags),
		Security: sec,
		Network:  network,
	}

	if c.roster.MessageID != 0 {
		ud.MessageChannel = &gcc.ServerMessageChannelData{MCSChannelID: c.roster.MessageID}
	}

	if s.MultitransportFlags != 0 {
		ud.Multitransport = gcc.NewServerMultitransportChannelData(s.MultitransportFlags)
	}

	return ud
}

// UpdateEncryptionLevel settles the server's level and method against
// the methods a client offered. A level the client cannot meet is lowered
// with a warning.
func (c *Connection) UpdateEncryptionLevel(clientMethods security.EncryptionMethod) error {
	s := c.settings

	level := s.EncryptionLevel
	if level == security.EncryptionLevelNone {
		level = security.EncryptionLevelClientCompatible
	}

	if s.FIPSMode {
		level = security.EncryptionLevelFIPS
	}

	accepted := s.EncryptionMethods
	if accepted == security.EncryptionMethodNone {
		accepted = security.EncryptionMethodsAll
	}

	common := accepted & clientMethods

	method := security.EncryptionMethodNone
	for _, candidate := range []security.EncryptionMethod{
		security.EncryptionMethod128Bit,
		security.EncryptionMethod56Bit,
		security.EncryptionMethod40Bit,
		security.EncryptionMethodFIPS,
	} {
		if common&candidate != 0 {
			method = candidate
			break
		}
	}

	if method == security.EncryptionMethodNone {
		return fmt.Errorf("%w: client offered %s", ErrNoEncryption, clientMethods)
	}

	switch {
	case level == security.EncryptionLevelFIPS && common&security.EncryptionMethodFIPS != 0:
		method = security.EncryptionMethodFIPS
	case level == security.EncryptionLevelFIPS:
		c.log.Warn("RDP: security: client lacks FIPS, lowering level to %s", security.EncryptionLevelHigh)
		level = security.EncryptionLevelHigh
	}

	if level == security.EncryptionLevelHigh && method != security.EncryptionMethod128Bit && method != security.EncryptionMethodFIPS {
		c.log.Warn("RDP: security: client lacks 128-bit, lowering level to %s", security.EncryptionLevelClientCompatible)
		level = security.EncryptionLevelClientCompatible
	}

	c.log.Debug("RDP: security: level %s method %s", level, method)

	return s.Negotiated.SetEncryption(level, method)
}

func (c *Connection) recvAttachUserRequest(wire io.Reader) error {
	if err := c.mcs.RecvAttachUserRequest(wire); err != nil {
		return fmt.Errorf("attach user: %w", err)
	}

	if err := c.Transition(StateMCSAttachUserConfirm); err != nil {
		return err
	}

	if err := c.mcs.SendAttachUserConfirm(c.roster.UserID); err != nil {
		return fmt.Errorf("attach user confirm: %w", err)
	}

	if c.skipJoin {
		c.roster.JoinAll()
		return c.serverAfterChannelJoin()
	}

	return c.Transition(StateMCSChannelJoinRequest)
}

// serverAfterChannelJoin waits for the Security Exchange, or goes straight
// to the Client Info PDU under enhanced security.
func (c *Connection) serverAfterChannelJoin() error {
	if err := c.Transition(StateRDPSecurityCommencement); err != nil {
		return err
	}

	n := &c.settings.Negotiated
	if n.UseRdpSecurityLayer() && n.EncryptionLevel() != security.EncryptionLevelNone {
		return nil
	}

	n.Seal()

	return c.Transition(StateSecureSettingsExchange)
}

func (c *Connection) recvServerData(channelID uint16, data []byte) error {
	flags, body, err := c.unwrapSecurity(data, c.expectSecurityHeader(channelID, data))
	if err != nil {
		return err
	}

	switch {
	case flags.Has(pdu.SecurityFlagExchangePkt):
		if c.state != StateRDPSecurityCommencement {
			return fmt.Errorf("%w: security exchange in %s", ErrProtocolSequence, c.state)
		}

		if err := c.establishServerKeys(body); err != nil {
			c.dropKeys()
			return err
		}

		c.settings.Negotiated.Seal()

		return c.Transition(StateSecureSettingsExchange)
	case flags.Has(pdu.SecurityFlagInfoPkt):
		return c.recvClientInfo(body)
	case flags.Has(pdu.SecurityFlagAutodetectRsp):
		c.log.Debug("RDP: autodetect: client response of %d bytes", len(body))
		return nil
	case flags.Has(pdu.SecurityFlagTransportRsp):
		c.log.Debug("RDP: multitransport: client response of %d bytes", len(body))
		return nil
	case flags.Has(pdu.SecurityFlagHeartbeat):
		return c.handleHeartbeat(body)
	}

	if ch, ok := c.roster.Lookup(channelID); ok {
		return c.deliverChannelData(ch, body)
	}

	return c.recvServerShareControl(body)
}

// recvClientInfo records the Client Info PDU, licenses the client as valid
// and starts the capability exchange.
func (c *Connection) recvClientInfo(body []byte) error {
	if c.state != StateSecureSettingsExchange {
		return fmt.Errorf("%w: client info in %s", ErrProtocolSequence, c.state)
	}

	var info pdu.ClientInfo
	if err := info.Deserialize(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("client info: %w", err)
	}

	c.clientInfo = &info.InfoPacket

	c.log.Info("RDP: accept: client info for %q", info.InfoPacket.UserName)

	if err := c.Transition(StateLicensing); err != nil {
		return err
	}

	license := pdu.NewValidClientLicense()
	if err := c.sendSecured(c.roster.GlobalID, pdu.SecurityFlagLicensePkt, license.Serialize()); err != nil {
		return fmt.Errorf("license: %w", err)
	}

	if err := c.Transition(StateCapabilitiesExchangeDemandActive); err != nil {
		return err
	}

	return c.sendDemandActive()
}

func (c *Connection) recvServerShareControl(body []byte) error {
	header, wire, err := readShareControl(body)
	if err != nil {
		return err
	}

	switch {
	case header.PDUType.IsConfirmActive():
		return c.recvConfirmActive(wire)
	case header.PDUType.IsData():
		var data pdu.Data
		if err := data.Deserialize(wire); err != nil {
			return fmt.Errorf("data pdu: %w", err)
		}

		return c.recvServerDataPDU(&data, body)
	}

	return fmt.Errorf("%w: %s in %s", ErrProtocolSequence, header.PDUType, c.state)
}

// Reactivate deactivates an active session and runs the capability
// exchange again on the same transport and keys.
func (c *Connection) Reactivate() error {
	if c.role != RoleServer {
		return ErrWrongRole
	}

	if c.state != StateActive {
		return fmt.Errorf("%w: reactivate in %s", ErrProtocolSequence, c.state)
	}

	deactivate := pdu.NewDeactivateAll(c.shareID, pdu.ServerChannelID)
	if err := c.sendShareControl(deactivate.Serialize()); err != nil {
		return fmt.Errorf("deactivate all: %w", err)
	}

	c.deactivateReactivate = true

	if err := c.Transition(StateCapabilitiesExchangeDemandActive); err != nil {
		return err
	}

	return c.sendDemandActive()
}
