// Package x224 implements the X.224 class 0 transport used by RDP: the
// Connection Request/Confirm exchange and the data TPDU header.
package x224

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// tpktConnection is the interface that wraps tpkt protocol operations
type tpktConnection interface {
	Receive() (io.Reader, error)
	Send(pduData []byte) error
}

const (
	tpduConnectionRequest = 0xE0
	tpduConnectionConfirm = 0xD0
	tpduData              = 0xF0
	tpduDisconnect        = 0x80

	dataHeaderLI = 0x02
	dataEOT      = 0x80

	fixedPartLen = 6
)

var (
	ErrSmallConnectionConfirmLength = errors.New("x224: small connection confirm length")
	ErrWrongConnectionConfirmCode   = errors.New("x224: wrong connection confirm code")
	ErrWrongConnectionRequestCode   = errors.New("x224: wrong connection request code")
	ErrSmallConnectionRequestLength = errors.New("x224: small connection request length")
	ErrWrongDataHeader              = errors.New("x224: wrong data tpdu header")
	ErrDisconnectRequest            = errors.New("x224: disconnect request")
)

// Protocol handles X.224 protocol operations
type Protocol struct {
	tpktConn tpktConnection
}

// New creates a new X.224 protocol handler over a TPKT layer.
func New(tpktConn tpktConnection) *Protocol {
	return &Protocol{
		tpktConn: tpktConn,
	}
}

// Connect sends a Connection Request carrying userData and returns a reader
// positioned at the Connection Confirm's variable part.
func (p *Protocol) Connect(userData []byte) (io.Reader, error) {
	req := ConnectionRequest{
		CRCDT:    tpduConnectionRequest,
		UserData: userData,
	}

	if err := p.tpktConn.Send(req.Serialize()); err != nil {
		return nil, fmt.Errorf("client connection request: %w", err)
	}

	wire, err := p.tpktConn.Receive()
	if err != nil {
		return nil, fmt.Errorf("server connection confirm: %w", err)
	}

	var resp ConnectionConfirm
	if err = resp.Deserialize(wire); err != nil {
		return nil, fmt.Errorf("server connection confirm: %w", err)
	}

	return wire, nil
}

// ReadConnectionRequest waits for a client Connection Request and returns
// its user data.
func (p *Protocol) ReadConnectionRequest() ([]byte, error) {
	wire, err := p.tpktConn.Receive()
	if err != nil {
		return nil, fmt.Errorf("client connection request: %w", err)
	}

	var req ConnectionRequest
	if err = req.Deserialize(wire); err != nil {
		return nil, fmt.Errorf("client connection request: %w", err)
	}

	return req.UserData, nil
}

// SendConnectionConfirm answers a Connection Request.
func (p *Protocol) SendConnectionConfirm(userData []byte) error {
	resp := ConnectionConfirm{
		CCCDT:    tpduConnectionConfirm,
		UserData: userData,
	}

	if err := p.tpktConn.Send(resp.Serialize()); err != nil {
		return fmt.Errorf("server connection confirm: %w", err)
	}

	return nil
}

// Send wraps pduData in a data TPDU.
func (p *Protocol) Send(pduData []byte) error {
	buf := bytes.NewBuffer(make([]byte, 0, 3+len(pduData)))
	buf.Write([]byte{dataHeaderLI, tpduData, dataEOT})
	buf.Write(pduData)

	return p.tpktConn.Send(buf.Bytes())
}

// Receive reads one data TPDU and returns its payload.
func (p *Protocol) Receive() (io.Reader, error) {
	wire, err := p.tpktConn.Receive()
	if err != nil {
		return nil, err
	}

	if err = ReadDataHeader(wire); err != nil {
		return nil, err
	}

	return wire, nil
}

// ReadDataHeader consumes the three byte data TPDU header from a TPKT payload.
func ReadDataHeader(wire io.Reader) error {
	header := make([]byte, 3)
	if _, err := io.ReadFull(wire, header); err != nil {
		return err
	}

	if header[1] == tpduDisconnect {
		return ErrDisconnectRequest
	}

	if header[0] != dataHeaderLI || header[1] != tpduData {
		return fmt.Errorf("%w: % x", ErrWrongDataHeader, header)
	}

	return nil
}
