package gcc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

const (
	conferenceCreateResponseChoice = 0x14
	conferenceNodeID               = 0x79F3
	conferenceNodeIDMin            = 1001
)

// ConferenceCreateResponse wraps the server user data blocks (MS-RDPBCGR 2.2.1.4).
type ConferenceCreateResponse struct {
	UserData []byte
}

func NewConferenceCreateResponse(userData []byte) *ConferenceCreateResponse {
	return &ConferenceCreateResponse{UserData: userData}
}

func (r *ConferenceCreateResponse) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteObjectIdentifier(t124_02_98_oid, buf)
	encoding.PerWriteLength(uint16(14+len(r.UserData)), buf) // #nosec G115

	encoding.PerWriteChoice(conferenceCreateResponseChoice, buf)
	encoding.PerWriteInteger16(conferenceNodeID, conferenceNodeIDMin, buf)
	encoding.PerWriteInteger(1, buf) // tag
	encoding.PerWriteEnumerates(0, buf)
	encoding.PerWriteNumberOfSet(1, buf)
	encoding.PerWriteChoice(0xc0, buf)
	encoding.PerWriteOctetStream(h221SCKey, 4, buf)
	encoding.PerWriteOctetStream(string(r.UserData), 0, buf)

	return buf.Bytes()
}

func (r *ConferenceCreateResponse) Deserialize(wire io.Reader) error {
	_, err := encoding.PerReadChoice(wire)
	if err != nil {
		return err
	}

	var objectIdentifier bool

	objectIdentifier, err = encoding.PerReadObjectIdentifier(t124_02_98_oid, wire)
	if err != nil {
		return err
	}

	if !objectIdentifier {
		return ErrBadObjectIdentifier
	}

	if _, err = encoding.PerReadLength(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadInteger16(conferenceNodeIDMin, wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadInteger(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadEnumerates(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadNumberOfSet(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	var octetStream bool

	octetStream, err = encoding.PerReadOctetStream([]byte(h221SCKey), 4, wire)
	if err != nil {
		return err
	}

	if !octetStream {
		return fmt.Errorf("%w: server to client", ErrBadH221Key)
	}

	r.UserData, err = readUserData(wire)

	return err
}
