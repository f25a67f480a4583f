// Package tpkt implements the TPKT transport protocol (RFC 1006) used as
// the base transport layer for RDP connections.
package tpkt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerLen = 4
	version   = 0x03

	// MaxPDULength is the largest frame the 16-bit length field can carry.
	MaxPDULength = 0xffff
)

var (
	ErrInvalidVersion = errors.New("tpkt: invalid version")
	ErrInvalidLength  = errors.New("tpkt: invalid length")
)

type Protocol struct {
	conn io.ReadWriter
}

func New(conn io.ReadWriter) *Protocol {
	return &Protocol{
		conn: conn,
	}
}

// Send frames pduData with a TPKT header and writes it in one call.
func (p *Protocol) Send(pduData []byte) error {
	frame, err := Frame(pduData)
	if err != nil {
		return err
	}

	if _, err = p.conn.Write(frame); err != nil {
		return fmt.Errorf("tpkt send: %w", err)
	}

	return nil
}

// Receive reads one TPKT frame and returns its payload.
func (p *Protocol) Receive() (io.Reader, error) {
	payload, err := ReadFrame(p.conn)
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(payload), nil
}

func Frame(pduData []byte) ([]byte, error) {
	total := headerLen + len(pduData)
	if total > MaxPDULength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, total)
	}

	frame := make([]byte, total)
	frame[0] = version
	binary.BigEndian.PutUint16(frame[2:], uint16(total)) // #nosec G115
	copy(frame[headerLen:], pduData)

	return frame, nil
}

// ReadFrame reads one TPKT frame from r and returns the payload after the header.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	return readBody(header, r)
}

// ReadFrameAfter completes a frame whose first byte has already been consumed.
func ReadFrameAfter(first byte, r io.Reader) ([]byte, error) {
	header := make([]byte, headerLen)
	header[0] = first

	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return nil, err
	}

	return readBody(header, r)
}

func readBody(header []byte, r io.Reader) ([]byte, error) {
	if header[0] != version {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidVersion, header[0])
	}

	length := int(binary.BigEndian.Uint16(header[2:]))
	if length < headerLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	payload := make([]byte, length-headerLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}
