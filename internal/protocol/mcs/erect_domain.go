package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

type ClientErectDomainRequest struct {
	SubHeight   int
	SubInterval int
}

func (pdu *ClientErectDomainRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteInteger(pdu.SubHeight, buf)
	encoding.PerWriteInteger(pdu.SubInterval, buf)

	return buf.Bytes()
}

func (pdu *ClientErectDomainRequest) Deserialize(wire io.Reader) error {
	var err error

	if pdu.SubHeight, err = encoding.PerReadInteger(wire); err != nil {
		return err
	}

	pdu.SubInterval, err = encoding.PerReadInteger(wire)

	return err
}

func (p *Protocol) SendErectDomainRequest() error {
	req := DomainPDU{
		Application:              erectDomainRequest,
		ClientErectDomainRequest: &ClientErectDomainRequest{},
	}

	if err := p.x224Conn.Send(req.Serialize()); err != nil {
		return fmt.Errorf("client MCS erect domain request: %w", err)
	}

	return nil
}

func (p *Protocol) RecvErectDomainRequest(wire io.Reader) error {
	_, err := p.expect(erectDomainRequest, wire)
	if err != nil {
		return fmt.Errorf("client MCS erect domain request: %w", err)
	}

	return nil
}
