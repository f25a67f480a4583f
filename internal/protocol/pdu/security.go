package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SecurityFlag is the flags field of TS_SECURITY_HEADER (MS-RDPBCGR 2.2.8.1.1.2.1).
type SecurityFlag uint16

const (
	SecurityFlagExchangePkt    SecurityFlag = 0x0001
	SecurityFlagTransportReq   SecurityFlag = 0x0002
	SecurityFlagTransportRsp   SecurityFlag = 0x0004
	SecurityFlagEncrypt        SecurityFlag = 0x0008
	SecurityFlagResetSeqno     SecurityFlag = 0x0010
	SecurityFlagIgnoreSeqno    SecurityFlag = 0x0020
	SecurityFlagInfoPkt        SecurityFlag = 0x0040
	SecurityFlagLicensePkt     SecurityFlag = 0x0080
	SecurityFlagLicenseEncrypt SecurityFlag = 0x0200
	SecurityFlagRedirectionPkt SecurityFlag = 0x0400
	SecurityFlagSecureChecksum SecurityFlag = 0x0800
	SecurityFlagAutodetectReq  SecurityFlag = 0x1000
	SecurityFlagAutodetectRsp  SecurityFlag = 0x2000
	SecurityFlagHeartbeat      SecurityFlag = 0x4000
	SecurityFlagFlagsHiValid   SecurityFlag = 0x8000
)

func (f SecurityFlag) Has(flag SecurityFlag) bool {
	return f&flag == flag
}

// SecurityHeader is the basic security header. The MAC signature that
// follows it when SEC_ENCRYPT is set belongs to the security layer.
type SecurityHeader struct {
	Flags   SecurityFlag
	FlagsHi uint16
}

const securityHeaderLen = 4

func (h *SecurityHeader) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, securityHeaderLen))

	_ = binary.Write(buf, binary.LittleEndian, uint16(h.Flags))
	_ = binary.Write(buf, binary.LittleEndian, h.FlagsHi)

	return buf.Bytes()
}

func (h *SecurityHeader) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &h.Flags); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &h.FlagsHi)
}

// FIPSHeader is TS_SECURITY_HEADER2 without the flags that precede it.
type FIPSHeader struct {
	Length  uint16
	Version uint8
	Padlen  uint8
}

const (
	fipsHeaderLength  uint16 = 0x0010
	fipsHeaderVersion uint8  = 0x01
)

func NewFIPSHeader(padlen uint8) FIPSHeader {
	return FIPSHeader{Length: fipsHeaderLength, Version: fipsHeaderVersion, Padlen: padlen}
}

func (h *FIPSHeader) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4))

	_ = binary.Write(buf, binary.LittleEndian, h.Length)
	buf.WriteByte(h.Version)
	buf.WriteByte(h.Padlen)

	return buf.Bytes()
}

func (h *FIPSHeader) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, h); err != nil {
		return err
	}

	if h.Length != fipsHeaderLength || h.Version != fipsHeaderVersion {
		return fmt.Errorf("%w: fips header length %d version %d", ErrInvalidLength, h.Length, h.Version)
	}

	return nil
}

// SecurityExchangePDU is the TS_SECURITY_PACKET body sent by the client
// (MS-RDPBCGR 2.2.1.10.1). EncryptedClientRandom includes the 8 zero
// padding bytes.
type SecurityExchangePDU struct {
	EncryptedClientRandom []byte
}

func (pdu *SecurityExchangePDU) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(pdu.EncryptedClientRandom)))

	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pdu.EncryptedClientRandom))) // #nosec G115
	buf.Write(pdu.EncryptedClientRandom)

	return buf.Bytes()
}

const maxSecurityExchangeLength = 4096 + 8

func (pdu *SecurityExchangePDU) Deserialize(wire io.Reader) error {
	var length uint32
	if err := binary.Read(wire, binary.LittleEndian, &length); err != nil {
		return err
	}

	if length < 8 || length > maxSecurityExchangeLength {
		return fmt.Errorf("%w: security exchange length %d", ErrInvalidLength, length)
	}

	pdu.EncryptedClientRandom = make([]byte, length)
	_, err := io.ReadFull(wire, pdu.EncryptedClientRandom)

	return err
}
