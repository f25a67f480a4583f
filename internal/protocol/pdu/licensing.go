package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// LicenseMsgType is the bMsgType field of LICENSE_PREAMBLE (MS-RDPBCGR 2.2.1.12.1.1).
type LicenseMsgType uint8

const (
	LicenseMsgLicenseRequest            LicenseMsgType = 0x01
	LicenseMsgPlatformChallenge         LicenseMsgType = 0x02
	LicenseMsgNewLicense                LicenseMsgType = 0x03
	LicenseMsgUpgradeLicense            LicenseMsgType = 0x04
	LicenseMsgLicenseInfo               LicenseMsgType = 0x12
	LicenseMsgNewLicenseRequest         LicenseMsgType = 0x13
	LicenseMsgPlatformChallengeResponse LicenseMsgType = 0x15
	LicenseMsgErrorAlert                LicenseMsgType = 0xFF
)

func (t LicenseMsgType) String() string {
	switch t {
	case LicenseMsgLicenseRequest:
		return "LICENSE_REQUEST"
	case LicenseMsgPlatformChallenge:
		return "PLATFORM_CHALLENGE"
	case LicenseMsgNewLicense:
		return "NEW_LICENSE"
	case LicenseMsgUpgradeLicense:
		return "UPGRADE_LICENSE"
	case LicenseMsgLicenseInfo:
		return "LICENSE_INFO"
	case LicenseMsgNewLicenseRequest:
		return "NEW_LICENSE_REQUEST"
	case LicenseMsgPlatformChallengeResponse:
		return "PLATFORM_CHALLENGE_RESPONSE"
	case LicenseMsgErrorAlert:
		return "ERROR_ALERT"
	}

	return fmt.Sprintf("LICENSE_MSG(0x%02x)", uint8(t))
}

const (
	licensePreambleVersion3 uint8 = 0x03
	licensePreambleLen            = 4
)

const (
	// LicenseStatusValidClient STATUS_VALID_CLIENT
	LicenseStatusValidClient uint32 = 0x00000007
	// LicenseErrInvalidClient ERR_INVALID_CLIENT
	LicenseErrInvalidClient uint32 = 0x00000008

	// LicenseStateTotalAbort ST_TOTAL_ABORT
	LicenseStateTotalAbort uint32 = 0x00000001
	// LicenseStateNoTransition ST_NO_TRANSITION
	LicenseStateNoTransition uint32 = 0x00000002

	blobTypeError uint16 = 0x0004
)

// LicensingBinaryBlob represents a LICENSE_BINARY_BLOB structure (MS-RDPELE 2.2.2.4).
type LicensingBinaryBlob struct {
	BlobType uint16
	BlobData []byte
}

func (b *LicensingBinaryBlob) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(b.BlobData)))

	_ = binary.Write(buf, binary.LittleEndian, b.BlobType)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(b.BlobData))) // #nosec G115
	buf.Write(b.BlobData)

	return buf.Bytes()
}

func (b *LicensingBinaryBlob) Deserialize(wire io.Reader) error {
	var blobLen uint16

	if err := binary.Read(wire, binary.LittleEndian, &b.BlobType); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &blobLen); err != nil {
		return err
	}

	if blobLen == 0 {
		return nil
	}

	b.BlobData = make([]byte, blobLen)
	_, err := io.ReadFull(wire, b.BlobData)

	return err
}

// LicensingErrorMessage represents a LICENSE_ERROR_MESSAGE structure (MS-RDPELE 2.2.1.12).
type LicensingErrorMessage struct {
	ErrorCode       uint32
	StateTransition uint32
	ErrorInfo       LicensingBinaryBlob
}

func (m *LicensingErrorMessage) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, m.ErrorCode)
	_ = binary.Write(buf, binary.LittleEndian, m.StateTransition)
	buf.Write(m.ErrorInfo.Serialize())

	return buf.Bytes()
}

func (m *LicensingErrorMessage) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &m.ErrorCode); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &m.StateTransition); err != nil {
		return err
	}

	return m.ErrorInfo.Deserialize(wire)
}

// IsValidClient reports the STATUS_VALID_CLIENT / ST_NO_TRANSITION pair
// servers send when no licensing exchange is needed.
func (m *LicensingErrorMessage) IsValidClient() bool {
	return m.ErrorCode == LicenseStatusValidClient && m.StateTransition == LicenseStateNoTransition
}

// LicensingPreamble represents a LICENSE_PREAMBLE structure (MS-RDPELE 2.2.2.1).
type LicensingPreamble struct {
	MsgType LicenseMsgType
	Flags   uint8
	MsgSize uint16
}

func (p *LicensingPreamble) Deserialize(wire io.Reader) error {
	return binary.Read(wire, binary.LittleEndian, p)
}

// LicensePDU is a licensing message without its security header. Only
// error alerts are decoded, other messages are kept in Body.
type LicensePDU struct {
	Preamble     LicensingPreamble
	ErrorMessage *LicensingErrorMessage
	Body         []byte
}

// NewValidClientLicense builds the error alert a server sends to skip licensing.
func NewValidClientLicense() *LicensePDU {
	return &LicensePDU{
		Preamble: LicensingPreamble{MsgType: LicenseMsgErrorAlert, Flags: licensePreambleVersion3},
		ErrorMessage: &LicensingErrorMessage{
			ErrorCode:       LicenseStatusValidClient,
			StateTransition: LicenseStateNoTransition,
			ErrorInfo:       LicensingBinaryBlob{BlobType: blobTypeError},
		},
	}
}

// NewLicenseErrorAlert builds an error alert with the given code and transition.
func NewLicenseErrorAlert(code, transition uint32) *LicensePDU {
	pdu := NewValidClientLicense()
	pdu.ErrorMessage.ErrorCode = code
	pdu.ErrorMessage.StateTransition = transition

	return pdu
}

func (pdu *LicensePDU) Serialize() []byte {
	body := pdu.Body
	if pdu.ErrorMessage != nil {
		body = pdu.ErrorMessage.Serialize()
	}

	pdu.Preamble.MsgSize = uint16(licensePreambleLen + len(body)) // #nosec G115

	buf := bytes.NewBuffer(make([]byte, 0, int(pdu.Preamble.MsgSize)))
	_ = binary.Write(buf, binary.LittleEndian, pdu.Preamble)
	buf.Write(body)

	return buf.Bytes()
}

func (pdu *LicensePDU) Deserialize(wire io.Reader) error {
	if err := pdu.Preamble.Deserialize(wire); err != nil {
		return err
	}

	if pdu.Preamble.MsgSize < licensePreambleLen {
		return fmt.Errorf("%w: license message size %d", ErrInvalidLength, pdu.Preamble.MsgSize)
	}

	body := make([]byte, pdu.Preamble.MsgSize-licensePreambleLen)
	if _, err := io.ReadFull(wire, body); err != nil {
		return err
	}

	if pdu.Preamble.MsgType != LicenseMsgErrorAlert {
		pdu.Body = body
		return nil
	}

	pdu.ErrorMessage = &LicensingErrorMessage{}

	return pdu.ErrorMessage.Deserialize(bytes.NewReader(body))
}
