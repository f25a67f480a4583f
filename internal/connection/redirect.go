package connection

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

// errRedirected tells the receive loop that a redirection packet was
// stored and the connection must restart.
var errRedirected = errors.New("connection: server redirection")

// recvRedirection stores a Server Redirection PDU. The enhanced form is
// wrapped in a share control header that the caller has consumed.
func (c *Connection) recvRedirection(wire io.Reader, enhanced bool) error {
	var r pdu.ServerRedirection

	if enhanced {
		var wrapped pdu.EnhancedSecurityRedirection
		if err := wrapped.Deserialize(wire); err != nil {
			return fmt.Errorf("server redirection: %w", err)
		}

		r = wrapped.Redirection
	} else if err := r.Deserialize(wire); err != nil {
		return fmt.Errorf("server redirection: %w", err)
	}

	c.redirection = &r

	c.log.Info("RDP: redirect: session %d flags 0x%08x", r.SessionID, uint32(r.Flags))

	return errRedirected
}

// Redirect reconnects to the target named by the last Server Redirection
// PDU with fresh channel objects.
func (c *Connection) Redirect(ctx context.Context) (err error) {
	if c.role != RoleClient {
		return ErrWrongRole
	}

	if c.aborted.Load() {
		return ErrCanceled
	}

	ctx, span := c.startSpan(ctx, "connection.Redirect")
	defer func() { c.endSpan(span, err) }()

	r := c.redirection
	if r == nil {
		return ErrNoRedirection
	}

	c.redirection = nil

	_ = c.teardown()

	if err := c.recreateChannels(); err != nil {
		return err
	}

	c.applyRedirection(ctx, r)

	if redirecter, ok := c.app.(Redirecter); ok {
		if err := redirecter.Redirect(c); err != nil {
			return fmt.Errorf("redirect callback: %w", err)
		}
	}

	if loader, ok := c.app.(ChannelLoader); ok {
		if err := loader.LoadChannels(c); err != nil {
			return fmt.Errorf("load channels: %w", err)
		}
	}

	if c.channels != nil {
		if err := c.channels.PreConnect(c); err != nil {
			return fmt.Errorf("channel pre-connect: %w", err)
		}
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}

	if c.callbackState == CallbackPostconnectPassed {
		return c.postConnect(false)
	}

	return nil
}

// applyRedirection copies the redirection payload into Settings and picks
// the new target.
func (c *Connection) applyRedirection(ctx context.Context, r *pdu.ServerRedirection) {
	s := c.settings

	s.RedirectionFlags = r.Flags
	s.RedirectedSessionID = r.SessionID

	if r.Flags.Has(pdu.RedirLoadBalanceInfo) {
		s.LoadBalanceInfo = r.LoadBalanceInfo
	} else {
		s.LoadBalanceInfo = nil
	}

	if r.Flags.Has(pdu.RedirTargetFQDN) {
		s.RedirectionTargetFQDN = r.TargetFQDN
	}

	if r.Flags.Has(pdu.RedirTargetNetAddress) {
		s.RedirectionTargetAddress = r.TargetNetAddress
	}

	if r.Flags.Has(pdu.RedirTargetNetBiosName) {
		s.RedirectionTargetNetBIOSName = r.TargetNetBiosName
	}

	if r.Flags.Has(pdu.RedirRedirectionGUID) {
		s.RedirectionGUID = r.RedirectionGUID
	}

	if r.Flags.Has(pdu.RedirTargetCertificate) {
		s.RedirectionTargetCertificate = r.TargetCertificate
	}

	if r.Flags.Has(pdu.RedirUsername) {
		s.Username = r.Username
	}

	if r.Flags.Has(pdu.RedirDomain) {
		s.Domain = r.Domain
	}

	if r.Flags.Has(pdu.RedirPassword) {
		s.RedirectionPassword = r.Password
		s.Password = ""
	}

	if r.Flags.Has(pdu.RedirPasswordIsPKEncrypted) {
		s.RdpSecurity = false
		s.TlsSecurity = false
		s.NlaSecurity = false
		s.ExtSecurity = false
		s.AadSecurity = false
		s.RdstlsSecurity = true
	}

	if r.Flags.Has(pdu.RedirNoRedirect) {
		c.log.Info("RDP: redirect: reconnecting to %s through the load balancer", s.ServerHostname)
		return
	}

	if target, ok := c.redirectTarget(ctx); ok {
		c.log.Info("RDP: redirect: new target %s", target)
		s.ServerHostname = target
	}
}

// redirectTarget walks the preference rounds of RedirectionPreferType.
// Within a round FQDN is tried before the address and the NetBIOS name.
func (c *Connection) redirectTarget(ctx context.Context) (string, bool) {
	prefer := c.settings.RedirectionPreferType
	if prefer == 0 {
		prefer = settings.DefaultRedirectionPreferType
	}

	for round := 0; round < 3; round++ {
		bits := (prefer >> (3 * round)) & 0x7

		for _, kind := range []uint32{settings.PreferFQDN, settings.PreferAddress, settings.PreferNetBIOS} {
			if bits&kind == 0 {
				continue
			}

			if target, ok := c.targetFor(ctx, kind); ok {
				return target, true
			}
		}
	}

	return "", false
}

func (c *Connection) targetFor(ctx context.Context, kind uint32) (string, bool) {
	s := c.settings

	resolvable := func(host string) bool {
		return s.GatewayEnabled || c.resolver.Resolvable(ctx, host)
	}

	switch kind {
	case settings.PreferFQDN:
		host := s.RedirectionTargetFQDN
		if s.RedirectionFlags.Has(pdu.RedirTargetFQDN) && host != "" && resolvable(host) {
			return host, true
		}
	case settings.PreferAddress:
		host := s.RedirectionTargetAddress
		if s.RedirectionFlags.Has(pdu.RedirTargetNetAddress) && host != "" {
			return host, true
		}
	case settings.PreferNetBIOS:
		host := s.RedirectionTargetNetBIOSName
		if s.RedirectionFlags.Has(pdu.RedirTargetNetBiosName) && host != "" && resolvable(host) {
			return host, true
		}
	}

	return "", false
}

// Reconnect tears the session down and connects again with the same
// Settings. PreConnect is not called again.
func (c *Connection) Reconnect(ctx context.Context) (err error) {
	if c.role != RoleClient {
		return ErrWrongRole
	}

	if c.aborted.Load() {
		return ErrCanceled
	}

	ctx, span := c.startSpan(ctx, "connection.Reconnect")
	defer func() { c.endSpan(span, err) }()

	if dialog, ok := c.app.(RetryDialoger); ok && !dialog.RetryDialog(c, 1) {
		return ErrCanceled
	}

	if err := c.Disconnect(); err != nil {
		c.log.Debug("RDP: reconnect: close: %v", err)
	}

	c.aborted.Store(false)

	if err := c.Connect(ctx); err != nil {
		return err
	}

	if c.callbackState == CallbackPostconnectPassed {
		return c.postConnect(false)
	}

	return nil
}

// recreateChannels closes the current channel objects and builds fresh
// ones for the same application.
func (c *Connection) recreateChannels() error {
	if c.channels != nil {
		if err := c.channels.Close(); err != nil {
			c.log.Warn("RDP: channels: close: %v", err)
		}

		c.channels = nil
	}

	if c.channelFactory == nil {
		return nil
	}

	channels, err := c.channelFactory(c.app)
	if err != nil {
		return fmt.Errorf("channel manager: %w", err)
	}

	c.channels = channels

	return nil
}
