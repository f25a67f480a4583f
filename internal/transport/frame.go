package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/tpkt"
)

var ErrInvalidFastPathLength = errors.New("transport: invalid fast-path length")

const (
	actionFastPath = 0x0
	actionX224     = 0x3
)

// Frame is one PDU split off the stream. For TPKT frames Data is the
// payload after the TPKT header; for fast-path frames Data follows the
// length field and Header keeps the fpOutputHeader/fpInputHeader byte.
type Frame struct {
	FastPath bool
	Header   byte
	Data     []byte
}

// ReadFrame reads one TPKT or fast-path frame. The first byte's action bits
// tell them apart (MS-RDPBCGR 2.2.9.1.2).
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch first & 0x3 {
	case actionX224:
		payload, err := tpkt.ReadFrameAfter(first, r)
		if err != nil {
			return nil, err
		}

		return &Frame{Header: first, Data: payload}, nil
	case actionFastPath:
		return readFastPath(first, r)
	}

	return nil, fmt.Errorf("%w: action bits in 0x%02x", ErrInvalidFastPathLength, first)
}

func readFastPath(header byte, r *bufio.Reader) (*Frame, error) {
	b1, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	length, consumed := int(b1), 2

	if b1&0x80 != 0 {
		b2, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		length, consumed = int(b1&0x7f)<<8|int(b2), 3
	}

	if length < consumed {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFastPathLength, length)
	}

	data := make([]byte, length-consumed)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return &Frame{FastPath: true, Header: header, Data: data}, nil
}
