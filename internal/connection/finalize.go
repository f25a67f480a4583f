package connection

import (
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

type finalizationStep struct {
	state State
	data  *pdu.Data
}

// sendClientFinalization sends Synchronize, Cooperate, Request Control,
// the optional Persistent Key List and Font List. Each state is entered
// before its PDU is sent.
func (c *Connection) sendClientFinalization() error {
	user := c.roster.UserID

	steps := []finalizationStep{
		{StateFinalizationSync, pdu.NewSynchronize(c.shareID, user, c.peerChannel)},
		{StateFinalizationCooperate, pdu.NewControl(c.shareID, user, pdu.ControlActionCooperate, 0, 0)},
		{StateFinalizationRequestControl, pdu.NewControl(c.shareID, user, pdu.ControlActionRequestControl, 0, 0)},
	}

	// the key list is only sent on the first activation
	if c.settings.BitmapCachePersistEnabled && !c.deactivateReactivate {
		steps = append(steps, finalizationStep{StateFinalizationPersistentKeyList, pdu.NewPersistentKeyList(c.shareID, user)})
	}

	steps = append(steps, finalizationStep{StateFinalizationFontList, pdu.NewFontList(c.shareID, user)})

	if err := c.runFinalization(steps); err != nil {
		return err
	}

	return c.Transition(StateFinalizationClientSync)
}

// expectFinalization checks that the peer's finalization PDU arrives in
// want and moves on to next.
func (c *Connection) expectFinalization(want, next State, what string) error {
	if c.state != want {
		return fmt.Errorf("%w: %s in %s", ErrProtocolSequence, what, c.state)
	}

	return c.Transition(next)
}

func (c *Connection) recvClientDataPDU(data *pdu.Data, raw []byte) error {
	switch {
	case data.SynchronizePDUData != nil:
		return c.expectFinalization(StateFinalizationClientSync, StateFinalizationClientCooperate, "synchronize")
	case data.ControlPDUData != nil:
		switch data.ControlPDUData.Action {
		case pdu.ControlActionCooperate:
			return c.expectFinalization(StateFinalizationClientCooperate, StateFinalizationClientGrantedControl, "cooperate")
		case pdu.ControlActionGrantedControl:
			return c.expectFinalization(StateFinalizationClientGrantedControl, StateFinalizationClientFontMap, "granted control")
		}

		c.log.Debug("RDP: finalization: ignoring control action %s", data.ControlPDUData.Action)

		return nil
	case data.FontMapPDUData != nil:
		return c.expectFinalization(StateFinalizationClientFontMap, StateActive, "font map")
	case data.ErrorInfoPDUData != nil:
		code := data.ErrorInfoPDUData.ErrorInfo
		if code != pdu.ErrorInfoNone {
			c.log.Warn("RDP: error info: %s", pdu.ErrorInfoName(code))
			c.setLastError(&ErrorInfo{Code: code})
		}

		return nil
	case data.MonitorLayoutPDUData != nil:
		return c.recvMonitorLayout(data.MonitorLayoutPDUData)
	}

	return c.deliverUpdate(false, raw)
}

// recvServerDataPDU answers the client finalization on the server: Granted
// Control for Request Control and Font Map for Font List.
func (c *Connection) recvServerDataPDU(data *pdu.Data, raw []byte) error {
	source := pdu.ServerChannelID
	user := c.roster.UserID

	switch {
	case data.SynchronizePDUData != nil:
		return c.expectFinalization(StateFinalizationClientSync, StateFinalizationClientCooperate, "synchronize")
	case data.ControlPDUData != nil:
		switch data.ControlPDUData.Action {
		case pdu.ControlActionCooperate:
			return c.expectFinalization(StateFinalizationClientCooperate, StateFinalizationClientGrantedControl, "cooperate")
		case pdu.ControlActionRequestControl:
			if c.state != StateFinalizationClientGrantedControl {
				return fmt.Errorf("%w: request control in %s", ErrProtocolSequence, c.state)
			}

			granted := pdu.NewControl(c.shareID, source, pdu.ControlActionGrantedControl, user, uint32(source))

			return c.runFinalization([]finalizationStep{{StateFinalizationClientFontMap, granted}})
		}

		c.log.Debug("RDP: finalization: ignoring control action %s", data.ControlPDUData.Action)

		return nil
	case data.PersistentKeyListPDUData != nil:
		if c.state != StateFinalizationClientFontMap {
			return fmt.Errorf("%w: persistent key list in %s", ErrProtocolSequence, c.state)
		}

		c.log.Debug("RDP: finalization: persistent key list received")

		return nil
	case data.FontListPDUData != nil:
		if c.state != StateFinalizationClientFontMap {
			return fmt.Errorf("%w: font list in %s", ErrProtocolSequence, c.state)
		}

		if err := c.sendShareControl(pdu.NewFontMap(c.shareID, source).Serialize()); err != nil {
			return fmt.Errorf("finalization %s: %w", c.state, err)
		}

		return c.Transition(StateActive)
	}

	if c.state != StateActive {
		return fmt.Errorf("%w: data pdu type2 0x%02x in %s", ErrProtocolSequence, uint8(data.ShareDataHeader.PDUType2), c.state)
	}

	return c.deliverUpdate(false, raw)
}

// sendServerFinalization sends the server Synchronize and Cooperate as soon
// as Confirm Active is accepted. The rest answers the client's PDUs.
func (c *Connection) sendServerFinalization() error {
	if err := c.Transition(StateFinalizationClientSync); err != nil {
		return err
	}

	source := pdu.ServerChannelID

	for _, data := range []*pdu.Data{
		pdu.NewSynchronize(c.shareID, source, c.roster.UserID),
		pdu.NewControl(c.shareID, source, pdu.ControlActionCooperate, 0, 0),
	} {
		if err := c.sendShareControl(data.Serialize()); err != nil {
			return fmt.Errorf("finalization %s: %w", c.state, err)
		}
	}

	return nil
}

func (c *Connection) runFinalization(steps []finalizationStep) error {
	for _, step := range steps {
		if err := c.Transition(step.state); err != nil {
			return err
		}

		if err := c.sendShareControl(step.data.Serialize()); err != nil {
			return fmt.Errorf("finalization %s: %w", step.state, err)
		}
	}

	return nil
}
