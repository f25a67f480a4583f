package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/codec"
)

// InfoFlag is the flags field of TS_INFO_PACKET (MS-RDPBCGR 2.2.1.11.1.1).
type InfoFlag uint32

const (
	InfoFlagMouse               InfoFlag = 0x00000001
	InfoFlagDisableCtrlAltDel   InfoFlag = 0x00000002
	InfoFlagAutologon           InfoFlag = 0x00000008
	InfoFlagUnicode             InfoFlag = 0x00000010
	InfoFlagMaximizeShell       InfoFlag = 0x00000020
	InfoFlagLogonNotify         InfoFlag = 0x00000040
	InfoFlagEnableWindowsKey    InfoFlag = 0x00000100
	InfoFlagForceEncryptedCSPDU InfoFlag = 0x00004000
	InfoFlagRail                InfoFlag = 0x00008000
	InfoFlagLogonErrors         InfoFlag = 0x00010000
	InfoFlagMouseHasWheel       InfoFlag = 0x00020000
	InfoFlagNoAudioPlayback     InfoFlag = 0x00080000
)

const (
	addressFamilyINET uint16 = 0x0002
	timeZoneInfoLen          = 172
	maxInfoFieldLen          = 512
)

// ExtendedInfoPacket is TS_EXTENDED_INFO_PACKET (MS-RDPBCGR 2.2.1.11.1.1.1).
type ExtendedInfoPacket struct {
	ClientAddress    string
	ClientDir        string
	ClientSessionID  uint32
	PerformanceFlags uint32
}

// InfoPacket is TS_INFO_PACKET.
type InfoPacket struct {
	CodePage       uint32
	Flags          InfoFlag
	Domain         string
	UserName       string
	Password       string
	AlternateShell string
	WorkingDir     string
	Extended       *ExtendedInfoPacket
}

// ClientInfo is the Client Info PDU body. The security header carrying
// SEC_INFO_PKT is added by the security layer.
type ClientInfo struct {
	InfoPacket InfoPacket
}

func NewClientInfo(domain, username, password string) *ClientInfo {
	flags := InfoFlagMouse | InfoFlagUnicode | InfoFlagLogonNotify | InfoFlagLogonErrors |
		InfoFlagDisableCtrlAltDel | InfoFlagEnableWindowsKey | InfoFlagMaximizeShell | InfoFlagMouseHasWheel

	return &ClientInfo{
		InfoPacket: InfoPacket{
			Flags:    flags,
			Domain:   domain,
			UserName: username,
			Password: password,
			Extended: &ExtendedInfoPacket{
				ClientAddress: "0.0.0.0",
				ClientDir:     "C:\\Windows\\System32\\mstscax.dll",
			},
		},
	}
}

func writeInfoString(buf *bytes.Buffer, s string) {
	buf.Write(codec.EncodeZ(s))
}

func (pdu *ClientInfo) Serialize() []byte {
	p := &pdu.InfoPacket
	fields := []string{p.Domain, p.UserName, p.Password, p.AlternateShell, p.WorkingDir}

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, p.CodePage)
	_ = binary.Write(buf, binary.LittleEndian, uint32(p.Flags))

	for _, field := range fields {
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(codec.Encode(field)))) // #nosec G115
	}

	for _, field := range fields {
		writeInfoString(buf, field)
	}

	if p.Extended == nil {
		return buf.Bytes()
	}

	ext := p.Extended

	_ = binary.Write(buf, binary.LittleEndian, addressFamilyINET)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(codec.EncodeZ(ext.ClientAddress)))) // #nosec G115
	writeInfoString(buf, ext.ClientAddress)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(codec.EncodeZ(ext.ClientDir)))) // #nosec G115
	writeInfoString(buf, ext.ClientDir)
	buf.Write(make([]byte, timeZoneInfoLen))
	_ = binary.Write(buf, binary.LittleEndian, ext.ClientSessionID)
	_ = binary.Write(buf, binary.LittleEndian, ext.PerformanceFlags)
	_ = binary.Write(buf, binary.LittleEndian, uint16(0)) // cbAutoReconnectCookie

	return buf.Bytes()
}

func readInfoString(wire io.Reader, size uint16) (string, error) {
	if size > maxInfoFieldLen {
		return "", fmt.Errorf("%w: info field length %d", ErrInvalidLength, size)
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(wire, raw); err != nil {
		return "", err
	}

	return codec.Decode(raw), nil
}

func (pdu *ClientInfo) Deserialize(wire io.Reader) error {
	p := &pdu.InfoPacket

	if err := binary.Read(wire, binary.LittleEndian, &p.CodePage); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &p.Flags); err != nil {
		return err
	}

	var sizes [5]uint16
	if err := binary.Read(wire, binary.LittleEndian, &sizes); err != nil {
		return err
	}

	fields := []*string{&p.Domain, &p.UserName, &p.Password, &p.AlternateShell, &p.WorkingDir}
	for i, field := range fields {
		s, err := readInfoString(wire, sizes[i]+2)
		if err != nil {
			return err
		}

		*field = s
	}

	var family uint16
	switch err := binary.Read(wire, binary.LittleEndian, &family); err {
	case nil:
	case io.EOF:
		return nil
	default:
		return err
	}

	ext := &ExtendedInfoPacket{}

	for _, field := range []*string{&ext.ClientAddress, &ext.ClientDir} {
		var size uint16
		if err := binary.Read(wire, binary.LittleEndian, &size); err != nil {
			return err
		}

		s, err := readInfoString(wire, size)
		if err != nil {
			return err
		}

		*field = s
	}

	if _, err := io.CopyN(io.Discard, wire, timeZoneInfoLen); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &ext.ClientSessionID); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &ext.PerformanceFlags); err != nil {
		return err
	}

	p.Extended = ext

	// cbAutoReconnectCookie and what follows are optional
	_, _ = io.Copy(io.Discard, wire)

	return nil
}
