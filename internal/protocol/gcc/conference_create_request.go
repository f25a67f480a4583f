// Package gcc implements Generic Conference Control (T.124) structures
// used in RDP connection sequence as specified in MS-RDPBCGR.
package gcc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

var (
	t124_02_98_oid = [6]byte{0, 0, 20, 124, 0, 1}
	h221CSKey      = "Duca"
	h221SCKey      = "McDn"
)

// ConferenceCreateRequest wraps the client user data blocks (MS-RDPBCGR 2.2.1.3).
type ConferenceCreateRequest struct {
	UserData []byte
}

func NewConferenceCreateRequest(userData []byte) *ConferenceCreateRequest {
	return &ConferenceCreateRequest{
		UserData: userData,
	}
}

func (r *ConferenceCreateRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteObjectIdentifier(t124_02_98_oid, buf)
	encoding.PerWriteLength(uint16(14+len(r.UserData)), buf) // #nosec G115

	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteSelection(0x08, buf)

	encoding.PerWriteNumericString("1", 1, buf)
	encoding.PerWritePadding(1, buf)
	encoding.PerWriteNumberOfSet(1, buf)
	encoding.PerWriteChoice(0xc0, buf)
	encoding.PerWriteOctetStream(h221CSKey, 4, buf)
	encoding.PerWriteOctetStream(string(r.UserData), 0, buf)

	return buf.Bytes()
}

func (r *ConferenceCreateRequest) Deserialize(wire io.Reader) error {
	if _, err := encoding.PerReadChoice(wire); err != nil {
		return err
	}

	ok, err := encoding.PerReadObjectIdentifier(t124_02_98_oid, wire)
	if err != nil {
		return err
	}

	if !ok {
		return ErrBadObjectIdentifier
	}

	if _, err = encoding.PerReadLength(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadSelection(wire); err != nil {
		return err
	}

	if err = encoding.PerReadNumericString(1, wire); err != nil {
		return err
	}

	if err = encoding.PerReadPadding(1, wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadNumberOfSet(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	ok, err = encoding.PerReadOctetStream([]byte(h221CSKey), 4, wire)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: client to server", ErrBadH221Key)
	}

	r.UserData, err = readUserData(wire)

	return err
}

func readUserData(wire io.Reader) ([]byte, error) {
	length, err := encoding.PerReadLength(wire)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err = io.ReadFull(wire, data); err != nil {
		return nil, fmt.Errorf("%w: user data: %v", ErrInvalidBlockLength, err)
	}

	return data, nil
}
