package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

// BaseChannelID is the lowest dynamically assigned channel (MCS_BASE_CHANNEL_ID).
const BaseChannelID uint16 = 1001

type ClientAttachUserRequest struct{}

type ServerAttachUserConfirm struct {
	Result    uint8
	Initiator uint16
}

func (pdu *ServerAttachUserConfirm) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteEnumerates(pdu.Result, buf)
	encoding.PerWriteInteger16(pdu.Initiator, BaseChannelID, buf)

	return buf.Bytes()
}

func (pdu *ServerAttachUserConfirm) Deserialize(wire io.Reader) error {
	var err error

	if pdu.Result, err = encoding.PerReadEnumerates(wire); err != nil {
		return err
	}

	pdu.Initiator, err = encoding.PerReadInteger16(BaseChannelID, wire)

	return err
}

func (p *Protocol) SendAttachUserRequest() error {
	req := DomainPDU{
		Application:             attachUserRequest,
		ClientAttachUserRequest: &ClientAttachUserRequest{},
	}

	if err := p.x224Conn.Send(req.Serialize()); err != nil {
		return fmt.Errorf("client MCS attach user request: %w", err)
	}

	return nil
}

// RecvAttachUserConfirm records and returns the user channel ID assigned by the server.
func (p *Protocol) RecvAttachUserConfirm(wire io.Reader) (uint16, error) {
	resp, err := p.expect(attachUserConfirm, wire)
	if err != nil {
		return 0, fmt.Errorf("server MCS attach user confirm: %w", err)
	}

	confirm := resp.ServerAttachUserConfirm
	if confirm.Result != RTSuccessful {
		return 0, fmt.Errorf("server MCS attach user confirm: %w: %s", ErrUnsuccessfulResult, ResultString(confirm.Result))
	}

	p.UserID = confirm.Initiator

	return p.UserID, nil
}

func (p *Protocol) RecvAttachUserRequest(wire io.Reader) error {
	if _, err := p.expect(attachUserRequest, wire); err != nil {
		return fmt.Errorf("client MCS attach user request: %w", err)
	}

	return nil
}

// SendAttachUserConfirm assigns userID to the peer.
func (p *Protocol) SendAttachUserConfirm(userID uint16) error {
	p.UserID = userID

	resp := DomainPDU{
		Application: attachUserConfirm,
		ServerAttachUserConfirm: &ServerAttachUserConfirm{
			Result:    RTSuccessful,
			Initiator: userID,
		},
	}

	if err := p.x224Conn.Send(resp.Serialize()); err != nil {
		return fmt.Errorf("server MCS attach user confirm: %w", err)
	}

	return nil
}
