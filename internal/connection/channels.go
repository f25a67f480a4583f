package connection

import (
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/security"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

// globalChannelID is the I/O channel a server allocates; static channels
// follow it.
const globalChannelID uint16 = 1003

// applyServerData records SC_CORE, SC_SECURITY, SC_NET and
// SC_MCS_MSGCHANNEL on the client.
func (c *Connection) applyServerData(ud *gcc.ServerUserData) error {
	n := &c.settings.Negotiated

	if err := n.SetEarlyCapabilities(ud.Core.EarlyCapabilityFlags); err != nil {
		return err
	}

	c.roster.GlobalID = ud.Network.MCSChannelID

	ids := ud.Network.ChannelIDs
	if len(ids) > len(c.roster.Channels) {
		return fmt.Errorf("%w: server assigned %d channels, %d requested", ErrProtocolSequence, len(ids), len(c.roster.Channels))
	}

	if len(ids) < len(c.roster.Channels) {
		c.log.Warn("RDP: mcs: server assigned %d of %d static channels", len(ids), len(c.roster.Channels))
		c.roster.Channels = c.roster.Channels[:len(ids)]
	}

	for i, id := range ids {
		c.roster.Channels[i].ID = id
	}

	if ud.MessageChannel != nil {
		c.roster.MessageID = ud.MessageChannel.MCSChannelID
	}

	if ud.Multitransport != nil {
		c.log.Debug("RDP: mcs: server multitransport flags 0x%08x", ud.Multitransport.Flags)
	}

	if n.SelectedProtocol() != pdu.NegotiationProtocolRDP {
		return nil
	}

	sec := ud.Security
	level := security.EncryptionLevel(sec.EncryptionLevel)
	method := security.EncryptionMethod(sec.EncryptionMethod)

	if err := n.SetEncryption(level, method); err != nil {
		return err
	}

	if level == security.EncryptionLevelNone {
		return nil
	}

	if len(sec.ServerRandom) != security.RandomLength {
		return fmt.Errorf("%w: server random of %d bytes", ErrProtocolSequence, len(sec.ServerRandom))
	}

	if err := n.SetServerRandom(sec.ServerRandom); err != nil {
		return err
	}

	if err := n.SetServerCertificate(sec.ServerCertificate); err != nil {
		return err
	}

	c.log.Debug("RDP: mcs: standard security %s/%s", level, method)

	return n.SetUseRdpSecurityLayer(true)
}

// sendNextJoin requests the next channel of the roster, or finishes the
// join phase once every channel is confirmed.
func (c *Connection) sendNextJoin() error {
	id, pending := c.roster.Next()
	if !pending {
		return c.afterChannelJoin()
	}

	if err := c.Transition(StateMCSChannelJoinRequest); err != nil {
		return err
	}

	c.pendingJoin = id

	if err := c.mcs.SendChannelJoinRequest(id); err != nil {
		return fmt.Errorf("channel join %d: %w", id, err)
	}

	return c.Transition(StateMCSChannelJoinResponse)
}

func (c *Connection) recvChannelJoinConfirm(wire io.Reader) error {
	id, err := c.mcs.RecvChannelJoinConfirm(wire)
	if err != nil {
		return fmt.Errorf("channel join confirm: %w", err)
	}

	if id != c.pendingJoin {
		if c.settings.ChannelJoinMode == settings.ChannelJoinStrict {
			return fmt.Errorf("%w: join confirm for channel %d, expected %d", ErrProtocolSequence, id, c.pendingJoin)
		}

		c.log.Warn("RDP: mcs: join confirm for channel %d, expected %d", id, c.pendingJoin)
		id = c.pendingJoin
	}

	if err := c.roster.MarkJoined(id); err != nil {
		return err
	}

	return c.sendNextJoin()
}

// assignChannels numbers the server roster from CS_NET: the I/O channel,
// the static channels, the message channel, then the user channel.
func (c *Connection) assignChannels(ud *gcc.ClientUserData) {
	c.roster = newRoster(nil)
	c.roster.GlobalID = globalChannelID

	next := globalChannelID + 1

	for _, def := range ud.Network.Channels {
		c.roster.Channels = append(c.roster.Channels, RosterChannel{Name: def.ChannelName(), Options: def.Options, ID: next})
		next++
	}

	if ud.MessageChannel != nil {
		c.roster.MessageID = next
		next++
	}

	c.roster.UserID = next
}

// recvChannelJoinRequest confirms one join. Any channel of the roster may
// be joined, each at most once.
func (c *Connection) recvChannelJoinRequest(wire io.Reader) error {
	id, err := c.mcs.RecvChannelJoinRequest(wire)
	if err != nil {
		return fmt.Errorf("channel join request: %w", err)
	}

	if err := c.roster.MarkJoined(id); err != nil {
		return err
	}

	if err := c.Transition(StateMCSChannelJoinResponse); err != nil {
		return err
	}

	if err := c.mcs.SendChannelJoinConfirm(id); err != nil {
		return fmt.Errorf("channel join confirm %d: %w", id, err)
	}

	if c.roster.Complete() {
		return c.serverAfterChannelJoin()
	}

	return c.Transition(StateMCSChannelJoinRequest)
}

func (c *Connection) deliverChannelData(ch *RosterChannel, data []byte) error {
	if receiver, ok := c.channels.(ChannelDataReceiver); ok {
		return receiver.ReceiveChannelData(ch.Name, ch.ID, data)
	}

	c.log.Debug("RDP: channels: dropping %d bytes on %s", len(data), ch.Name)

	return nil
}
