package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

type ClientChannelJoinRequest struct {
	Initiator uint16
	ChannelId uint16
}

func (pdu *ClientChannelJoinRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteInteger16(pdu.Initiator, BaseChannelID, buf)
	encoding.PerWriteInteger16(pdu.ChannelId, 0, buf)

	return buf.Bytes()
}

func (pdu *ClientChannelJoinRequest) Deserialize(wire io.Reader) error {
	var err error

	if pdu.Initiator, err = encoding.PerReadInteger16(BaseChannelID, wire); err != nil {
		return err
	}

	pdu.ChannelId, err = encoding.PerReadInteger16(0, wire)

	return err
}

type ServerChannelJoinConfirm struct {
	Result    uint8
	Initiator uint16
	Requested uint16
	ChannelId uint16
}

func (pdu *ServerChannelJoinConfirm) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteEnumerates(pdu.Result, buf)
	encoding.PerWriteInteger16(pdu.Initiator, BaseChannelID, buf)
	encoding.PerWriteInteger16(pdu.Requested, 0, buf)
	encoding.PerWriteInteger16(pdu.ChannelId, 0, buf)

	return buf.Bytes()
}

func (pdu *ServerChannelJoinConfirm) Deserialize(wire io.Reader) error {
	var err error

	if pdu.Result, err = encoding.PerReadEnumerates(wire); err != nil {
		return err
	}

	if pdu.Initiator, err = encoding.PerReadInteger16(BaseChannelID, wire); err != nil {
		return err
	}

	if pdu.Requested, err = encoding.PerReadInteger16(0, wire); err != nil {
		return err
	}

	pdu.ChannelId, err = encoding.PerReadInteger16(0, wire)

	return err
}

func (p *Protocol) SendChannelJoinRequest(channelID uint16) error {
	req := DomainPDU{
		Application: channelJoinRequest,
		ClientChannelJoinRequest: &ClientChannelJoinRequest{
			Initiator: p.UserID,
			ChannelId: channelID,
		},
	}

	if err := p.x224Conn.Send(req.Serialize()); err != nil {
		return fmt.Errorf("client MCS channel join request %d: %w", channelID, err)
	}

	return nil
}

// RecvChannelJoinConfirm returns the channel the server confirmed.
func (p *Protocol) RecvChannelJoinConfirm(wire io.Reader) (uint16, error) {
	resp, err := p.expect(channelJoinConfirm, wire)
	if err != nil {
		return 0, fmt.Errorf("server MCS channel join confirm: %w", err)
	}

	confirm := resp.ServerChannelJoinConfirm
	if confirm.Result != RTSuccessful {
		return 0, fmt.Errorf("server MCS channel join confirm %d: %w: %s",
			confirm.Requested, ErrUnsuccessfulResult, ResultString(confirm.Result))
	}

	return confirm.ChannelId, nil
}

// RecvChannelJoinRequest returns the channel the client asked to join.
func (p *Protocol) RecvChannelJoinRequest(wire io.Reader) (uint16, error) {
	req, err := p.expect(channelJoinRequest, wire)
	if err != nil {
		return 0, fmt.Errorf("client MCS channel join request: %w", err)
	}

	if req.ClientChannelJoinRequest.Initiator != p.UserID {
		return 0, fmt.Errorf("client MCS channel join request: %w: initiator %d, attached user %d",
			ErrUnknownInitiator, req.ClientChannelJoinRequest.Initiator, p.UserID)
	}

	return req.ClientChannelJoinRequest.ChannelId, nil
}

func (p *Protocol) SendChannelJoinConfirm(channelID uint16) error {
	resp := DomainPDU{
		Application: channelJoinConfirm,
		ServerChannelJoinConfirm: &ServerChannelJoinConfirm{
			Result:    RTSuccessful,
			Initiator: p.UserID,
			Requested: channelID,
			ChannelId: channelID,
		},
	}

	if err := p.x224Conn.Send(resp.Serialize()); err != nil {
		return fmt.Errorf("server MCS channel join confirm %d: %w", channelID, err)
	}

	return nil
}
