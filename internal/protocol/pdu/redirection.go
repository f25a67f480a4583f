package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/codec"
)

// RedirectionFlag is the RedirFlags field of RDP_SERVER_REDIRECTION_PACKET
// (MS-RDPBCGR 2.2.13.1).
type RedirectionFlag uint32

const (
	RedirTargetNetAddress      RedirectionFlag = 0x00000001
	RedirLoadBalanceInfo       RedirectionFlag = 0x00000002
	RedirUsername              RedirectionFlag = 0x00000004
	RedirDomain                RedirectionFlag = 0x00000008
	RedirPassword              RedirectionFlag = 0x00000010
	RedirDontStoreUsername     RedirectionFlag = 0x00000020
	RedirSmartcardLogon        RedirectionFlag = 0x00000040
	RedirNoRedirect            RedirectionFlag = 0x00000080
	RedirTargetFQDN            RedirectionFlag = 0x00000100
	RedirTargetNetBiosName     RedirectionFlag = 0x00000200
	RedirTargetNetAddresses    RedirectionFlag = 0x00000800
	RedirClientTsvURL          RedirectionFlag = 0x00001000
	RedirServerTsvCapable      RedirectionFlag = 0x00002000
	RedirPasswordIsPKEncrypted RedirectionFlag = 0x00004000
	RedirRedirectionGUID       RedirectionFlag = 0x00008000
	RedirTargetCertificate     RedirectionFlag = 0x00010000
)

func (f RedirectionFlag) Has(flag RedirectionFlag) bool {
	return f&flag == flag
}

const (
	redirectionPacketFlags     uint16 = uint16(SecurityFlagRedirectionPkt)
	redirectionPacketHeaderLen        = 12
	maxRedirectionFieldLen            = 1 << 16
)

// ServerRedirection is RDP_SERVER_REDIRECTION_PACKET. String fields are
// UTF-16 on the wire, the byte slices are opaque.
type ServerRedirection struct {
	SessionID          uint32
	Flags              RedirectionFlag
	TargetNetAddress   string
	LoadBalanceInfo    []byte
	Username           string
	Domain             string
	Password           []byte
	TargetFQDN         string
	TargetNetBiosName  string
	TsvURL             []byte
	RedirectionGUID    []byte
	TargetCertificate  []byte
	TargetNetAddresses []string
}

type redirectionField struct {
	flag RedirectionFlag
	str  *string
	raw  *[]byte
}

func (pdu *ServerRedirection) fields() []redirectionField {
	return []redirectionField{
		{flag: RedirTargetNetAddress, str: &pdu.TargetNetAddress},
		{flag: RedirLoadBalanceInfo, raw: &pdu.LoadBalanceInfo},
		{flag: RedirUsername, str: &pdu.Username},
		{flag: RedirDomain, str: &pdu.Domain},
		{flag: RedirPassword, raw: &pdu.Password},
		{flag: RedirTargetFQDN, str: &pdu.TargetFQDN},
		{flag: RedirTargetNetBiosName, str: &pdu.TargetNetBiosName},
		{flag: RedirClientTsvURL, raw: &pdu.TsvURL},
		{flag: RedirRedirectionGUID, raw: &pdu.RedirectionGUID},
		{flag: RedirTargetCertificate, raw: &pdu.TargetCertificate},
	}
}

func writeRedirectionBlob(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b))) // #nosec G115
	buf.Write(b)
}

func readRedirectionBlob(wire io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(wire, binary.LittleEndian, &length); err != nil {
		return nil, err
	}

	if length > maxRedirectionFieldLen {
		return nil, fmt.Errorf("%w: redirection field length %d", ErrInvalidLength, length)
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(wire, b); err != nil {
		return nil, err
	}

	return b, nil
}

func (pdu *ServerRedirection) Serialize() []byte {
	body := new(bytes.Buffer)

	for _, f := range pdu.fields() {
		if !pdu.Flags.Has(f.flag) {
			continue
		}

		if f.str != nil {
			writeRedirectionBlob(body, codec.EncodeZ(*f.str))
		} else {
			writeRedirectionBlob(body, *f.raw)
		}
	}

	if pdu.Flags.Has(RedirTargetNetAddresses) {
		list := new(bytes.Buffer)
		_ = binary.Write(list, binary.LittleEndian, uint32(len(pdu.TargetNetAddresses))) // #nosec G115

		for _, addr := range pdu.TargetNetAddresses {
			writeRedirectionBlob(list, codec.EncodeZ(addr))
		}

		writeRedirectionBlob(body, list.Bytes())
	}

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, redirectionPacketFlags)
	_ = binary.Write(buf, binary.LittleEndian, uint16(redirectionPacketHeaderLen+body.Len())) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, pdu.SessionID)
	_ = binary.Write(buf, binary.LittleEndian, uint32(pdu.Flags))
	buf.Write(body.Bytes())

	return buf.Bytes()
}

func (pdu *ServerRedirection) Deserialize(wire io.Reader) error {
	var flags, length uint16

	if err := binary.Read(wire, binary.LittleEndian, &flags); err != nil {
		return err
	}

	if flags != redirectionPacketFlags {
		return fmt.Errorf("%w: redirection packet flags 0x%04x", ErrUnexpectedType, flags)
	}

	if err := binary.Read(wire, binary.LittleEndian, &length); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pdu.SessionID); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pdu.Flags); err != nil {
		return err
	}

	for _, f := range pdu.fields() {
		if !pdu.Flags.Has(f.flag) {
			continue
		}

		b, err := readRedirectionBlob(wire)
		if err != nil {
			return fmt.Errorf("redirection field 0x%x: %w", uint32(f.flag), err)
		}

		if f.str != nil {
			*f.str = codec.Decode(b)
		} else {
			*f.raw = b
		}
	}

	if !pdu.Flags.Has(RedirTargetNetAddresses) {
		return nil
	}

	list, err := readRedirectionBlob(wire)
	if err != nil {
		return err
	}

	r := bytes.NewReader(list)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	if count > 64 {
		return fmt.Errorf("%w: %d target net addresses", ErrInvalidLength, count)
	}

	pdu.TargetNetAddresses = make([]string, 0, count)

	for i := uint32(0); i < count; i++ {
		addr, err := readRedirectionBlob(r)
		if err != nil {
			return err
		}

		pdu.TargetNetAddresses = append(pdu.TargetNetAddresses, codec.Decode(addr))
	}

	return nil
}

// EnhancedSecurityRedirection wraps the packet in a share control header
// (MS-RDPBCGR 2.2.13.3.1) when TLS or CredSSP protects the connection.
type EnhancedSecurityRedirection struct {
	ShareControlHeader ShareControlHeader
	Redirection        ServerRedirection
}

func NewEnhancedSecurityRedirection(source uint16, redirection ServerRedirection) *EnhancedSecurityRedirection {
	return &EnhancedSecurityRedirection{
		ShareControlHeader: ShareControlHeader{PDUType: TypeServerRedirect, PDUSource: source},
		Redirection:        redirection,
	}
}

func (pdu *EnhancedSecurityRedirection) Serialize() []byte {
	packet := pdu.Redirection.Serialize()

	pdu.ShareControlHeader.TotalLength = uint16(shareControlHeaderLen + 2 + len(packet)) // #nosec G115

	buf := new(bytes.Buffer)
	buf.Write(pdu.ShareControlHeader.Serialize())
	buf.Write([]byte{0, 0}) // pad
	buf.Write(packet)

	return buf.Bytes()
}

// Deserialize reads the PDU after its share control header.
func (pdu *EnhancedSecurityRedirection) Deserialize(wire io.Reader) error {
	if _, err := io.CopyN(io.Discard, wire, 2); err != nil {
		return err
	}

	return pdu.Redirection.Deserialize(wire)
}
