package connection

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

// serverShareID is the share a server announces in Demand Active.
const serverShareID uint32 = 0x000103EA

func readShareControl(body []byte) (*pdu.ShareControlHeader, io.Reader, error) {
	wire := bytes.NewReader(body)

	var header pdu.ShareControlHeader
	if err := header.Deserialize(wire); err != nil {
		return nil, nil, fmt.Errorf("share control header: %w", err)
	}

	return &header, wire, nil
}

// capabilitySets is what both roles advertise. The server's desktop size
// is authoritative; a client offers its own.
func (c *Connection) capabilitySets() []pdu.CapabilitySet {
	return []pdu.CapabilitySet{
		pdu.NewGeneralCapabilitySet(),
		pdu.NewBitmapCapabilitySet(c.settings.DesktopWidth, c.settings.DesktopHeight),
		pdu.NewOrderCapabilitySet(),
		pdu.NewPointerCapabilitySet(),
		pdu.NewInputCapabilitySet(),
		pdu.NewVirtualChannelCapabilitySet(),
	}
}

func (c *Connection) peerInputCapabilities() *pdu.InputCapabilitySet {
	if set := pdu.FindCapabilitySet(c.peerCaps, pdu.CapabilitySetTypeInput); set != nil {
		return set.InputCapabilitySet
	}

	return nil
}

func (c *Connection) recvClientShareControl(body []byte) error {
	header, wire, err := readShareControl(body)
	if err != nil {
		return err
	}

	switch {
	case header.PDUType.IsDemandActive():
		return c.recvDemandActive(header, wire)
	case header.PDUType.IsDeactivateAll():
		return c.recvDeactivateAll(wire)
	case header.PDUType.IsServerRedirect():
		return c.recvRedirection(wire, true)
	case header.PDUType.IsData():
		var data pdu.Data
		if err := data.Deserialize(wire); err != nil {
			return fmt.Errorf("data pdu: %w", err)
		}

		return c.recvClientDataPDU(&data, body)
	}

	return fmt.Errorf("%w: %s in %s", ErrProtocolSequence, header.PDUType, c.state)
}

func (c *Connection) recvDemandActive(header *pdu.ShareControlHeader, wire io.Reader) error {
	if c.state != StateCapabilitiesExchangeDemandActive {
		return fmt.Errorf("%w: demand active in %s", ErrProtocolSequence, c.state)
	}

	var demand pdu.DemandActive
	if err := demand.Deserialize(wire); err != nil {
		return fmt.Errorf("demand active: %w", err)
	}

	c.shareID = demand.ShareID
	c.peerChannel = header.PDUSource
	c.peerCaps = demand.CapabilitySets

	if set := pdu.FindCapabilitySet(demand.CapabilitySets, pdu.CapabilitySetTypeBitmap); set != nil && set.BitmapCapabilitySet != nil {
		c.settings.DesktopWidth = set.BitmapCapabilitySet.DesktopWidth
		c.settings.DesktopHeight = set.BitmapCapabilitySet.DesktopHeight
	}

	c.log.Debug("RDP: capabilities: demand active share 0x%08x with %d sets", c.shareID, len(c.peerCaps))

	if c.settings.SupportMonitorLayoutPdu {
		return c.Transition(StateCapabilitiesExchangeMonitorLayout)
	}

	return c.sendConfirmActive()
}

// sendConfirmActive answers Demand Active and runs the client finalization.
func (c *Connection) sendConfirmActive() error {
	if err := c.Transition(StateCapabilitiesExchangeConfirmActive); err != nil {
		return err
	}

	confirm := pdu.NewConfirmActive(c.shareID, c.roster.UserID, c.capabilitySets())
	if err := c.sendShareControl(confirm.Serialize()); err != nil {
		return fmt.Errorf("confirm active: %w", err)
	}

	if c.input != nil {
		c.input.RegisterInput(c, c.peerInputCapabilities())
	}

	s := c.settings
	resized := s.DesktopWidth != c.cachedWidth || s.DesktopHeight != c.cachedHeight

	if resized {
		if resizer, ok := c.app.(DesktopResizer); ok {
			if err := resizer.DesktopResize(c, s.DesktopWidth, s.DesktopHeight); err != nil {
				return fmt.Errorf("desktop resize: %w", err)
			}
		}

		c.cachedWidth, c.cachedHeight = s.DesktopWidth, s.DesktopHeight
	}

	return c.sendClientFinalization()
}

func (c *Connection) recvMonitorLayout(layout *pdu.MonitorLayoutPDUData) error {
	c.monitors = layout.Monitors

	c.log.Debug("RDP: capabilities: %d monitors", len(layout.Monitors))

	if c.state == StateCapabilitiesExchangeMonitorLayout {
		return c.sendConfirmActive()
	}

	return nil
}

// recvDeactivateAll starts a reactivation when it arrives in or after
// capability confirmation.
func (c *Connection) recvDeactivateAll(wire io.Reader) error {
	var deactivate pdu.DeactivateAll
	if err := deactivate.Deserialize(wire); err != nil {
		return fmt.Errorf("deactivate all: %w", err)
	}

	if c.state == StateCapabilitiesExchangeDemandActive {
		return nil
	}

	if c.state < StateCapabilitiesExchangeConfirmActive {
		return fmt.Errorf("%w: deactivate all in %s", ErrProtocolSequence, c.state)
	}

	c.log.Info("RDP: capabilities: server deactivated the session")

	c.deactivateReactivate = true

	return c.Transition(StateCapabilitiesExchangeDemandActive)
}

// sendDemandActive announces the server capabilities, and the monitor
// layout when the client asked for one.
func (c *Connection) sendDemandActive() error {
	c.shareID = serverShareID

	demand := pdu.NewDemandActive(c.shareID, pdu.ServerChannelID, c.capabilitySets())
	if err := c.sendShareControl(demand.Serialize()); err != nil {
		return fmt.Errorf("demand active: %w", err)
	}

	if c.settings.Negotiated.EarlyCapabilities()&uint32(gcc.ECFSupportMonitorLayoutPDU) != 0 {
		layout := pdu.NewMonitorLayout(c.shareID, pdu.ServerChannelID, c.monitorLayout())
		if err := c.sendShareControl(layout.Serialize()); err != nil {
			return fmt.Errorf("monitor layout: %w", err)
		}
	}

	return c.Transition(StateCapabilitiesExchangeConfirmActive)
}

// monitorLayout is a single primary monitor covering the desktop.
func (c *Connection) monitorLayout() []pdu.MonitorDef {
	return []pdu.MonitorDef{{
		Right:  int32(c.settings.DesktopWidth) - 1,
		Bottom: int32(c.settings.DesktopHeight) - 1,
		Flags:  pdu.MonitorPrimary,
	}}
}

func (c *Connection) recvConfirmActive(wire io.Reader) error {
	if c.state != StateCapabilitiesExchangeConfirmActive {
		return fmt.Errorf("%w: confirm active in %s", ErrProtocolSequence, c.state)
	}

	var confirm pdu.ConfirmActive
	if err := confirm.Deserialize(wire); err != nil {
		return fmt.Errorf("confirm active: %w", err)
	}

	if confirm.ShareID != c.shareID {
		return fmt.Errorf("%w: confirm active for share 0x%08x", ErrProtocolSequence, confirm.ShareID)
	}

	c.peerCaps = confirm.CapabilitySets

	if c.input != nil {
		c.input.RegisterInput(c, c.peerInputCapabilities())
	}

	return c.sendServerFinalization()
}
