// Package pdu implements the RDP Protocol Data Units exchanged during the
// connection sequence as specified in MS-RDPBCGR: negotiation, security,
// client info, licensing, capability exchange and finalization.
package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type represents the PDU type field in share control headers (MS-RDPBCGR 2.2.8.1.1.1.1).
type Type uint16

const (
	// TypeDemandActive PDUTYPE_DEMANDACTIVEPDU
	TypeDemandActive Type = 0x11

	// TypeConfirmActive PDUTYPE_CONFIRMACTIVEPDU
	TypeConfirmActive Type = 0x13

	// TypeDeactivateAll PDUTYPE_DEACTIVATEALLPDU
	TypeDeactivateAll Type = 0x16

	// TypeData PDUTYPE_DATAPDU
	TypeData Type = 0x17

	// TypeServerRedirect PDUTYPE_SERVER_REDIR_PKT
	TypeServerRedirect Type = 0x1A

	typeMask = 0x000F
)

// Base strips the protocol version bits from the raw pduType field.
func (t Type) Base() Type {
	return t&typeMask | 0x10
}

func (t Type) String() string {
	switch t.Base() {
	case TypeDemandActive:
		return "DEMANDACTIVE"
	case TypeConfirmActive:
		return "CONFIRMACTIVE"
	case TypeDeactivateAll:
		return "DEACTIVATEALL"
	case TypeData:
		return "DATA"
	case TypeServerRedirect:
		return "SERVER_REDIR"
	}

	return fmt.Sprintf("PDUTYPE(0x%04x)", uint16(t))
}

func (t Type) IsDemandActive() bool {
	return t.Base() == TypeDemandActive
}

func (t Type) IsConfirmActive() bool {
	return t.Base() == TypeConfirmActive
}

func (t Type) IsDeactivateAll() bool {
	return t.Base() == TypeDeactivateAll
}

func (t Type) IsData() bool {
	return t.Base() == TypeData
}

func (t Type) IsServerRedirect() bool {
	return t.Base() == TypeServerRedirect
}

// ShareControlHeader represents the TS_SHARECONTROLHEADER structure (MS-RDPBCGR 2.2.8.1.1.1.1).
type ShareControlHeader struct {
	TotalLength uint16
	PDUType     Type
	PDUSource   uint16
}

const shareControlHeaderLen = 6

func (header *ShareControlHeader) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, shareControlHeaderLen))

	_ = binary.Write(buf, binary.LittleEndian, header.TotalLength)
	_ = binary.Write(buf, binary.LittleEndian, uint16(header.PDUType.Base()))
	_ = binary.Write(buf, binary.LittleEndian, header.PDUSource)

	return buf.Bytes()
}

func (header *ShareControlHeader) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &header.TotalLength); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &header.PDUType); err != nil {
		return err
	}

	header.PDUType = header.PDUType.Base()

	return binary.Read(wire, binary.LittleEndian, &header.PDUSource)
}

// ReadShareControlHeader decodes a share control header and rejects a
// type other than expected.
func ReadShareControlHeader(expected Type, wire io.Reader) (*ShareControlHeader, error) {
	var header ShareControlHeader
	if err := header.Deserialize(wire); err != nil {
		return nil, err
	}

	if header.PDUType.IsDeactivateAll() && expected != TypeDeactivateAll {
		return &header, ErrDeactivateAll
	}

	if header.PDUType != expected {
		return &header, fmt.Errorf("%w: share control type 0x%02x, want 0x%02x", ErrUnexpectedType, uint16(header.PDUType), uint16(expected))
	}

	return &header, nil
}

// Type2 represents the PDU type 2 field in share data headers (MS-RDPBCGR 2.2.8.1.1.1.2).
type Type2 uint8

const (
	// Type2Update PDUTYPE2_UPDATE
	Type2Update Type2 = 0x02

	// Type2Control PDUTYPE2_CONTROL
	Type2Control Type2 = 0x14

	// Type2Pointer PDUTYPE2_POINTER
	Type2Pointer Type2 = 0x1B

	// Type2Input PDUTYPE2_INPUT
	Type2Input Type2 = 0x1C

	// Type2Synchronize PDUTYPE2_SYNCHRONIZE
	Type2Synchronize Type2 = 0x1F

	// Type2ShutdownRequest PDUTYPE2_SHUTDOWN_REQUEST
	Type2ShutdownRequest Type2 = 0x24

	// Type2SaveSessionInfo PDUTYPE2_SAVE_SESSION_INFO
	Type2SaveSessionInfo Type2 = 0x26

	// Type2Fontlist PDUTYPE2_FONTLIST
	Type2Fontlist Type2 = 0x27

	// Type2Fontmap PDUTYPE2_FONTMAP
	Type2Fontmap Type2 = 0x28

	// Type2PersistentKeyList PDUTYPE2_BITMAPCACHE_PERSISTENT_LIST
	Type2PersistentKeyList Type2 = 0x2B

	// Type2ErrorInfo PDUTYPE2_SET_ERROR_INFO_PDU
	Type2ErrorInfo Type2 = 0x2F

	// Type2MonitorLayout PDUTYPE2_MONITOR_LAYOUT_PDU
	Type2MonitorLayout Type2 = 0x37
)

// ShareDataHeader represents the TS_SHAREDATAHEADER structure (MS-RDPBCGR 2.2.8.1.1.1.2).
type ShareDataHeader struct {
	ShareControlHeader ShareControlHeader
	ShareID            uint32
	StreamID           uint8
	UncompressedLength uint16
	PDUType2           Type2
	CompressedType     uint8
	CompressedLength   uint16
}

const shareDataHeaderLen = shareControlHeaderLen + 12

func newShareDataHeader(shareID uint32, pduSource uint16, pduType2 Type2) ShareDataHeader {
	return ShareDataHeader{
		ShareControlHeader: ShareControlHeader{
			PDUType:   TypeData,
			PDUSource: pduSource,
		},
		ShareID:  shareID,
		StreamID: 0x01, // STREAM_LOW
		PDUType2: pduType2,
	}
}

func (header *ShareDataHeader) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, shareDataHeaderLen))

	buf.Write(header.ShareControlHeader.Serialize())
	_ = binary.Write(buf, binary.LittleEndian, header.ShareID)
	buf.WriteByte(0) // pad1
	buf.WriteByte(header.StreamID)
	_ = binary.Write(buf, binary.LittleEndian, header.UncompressedLength)
	buf.WriteByte(uint8(header.PDUType2))
	buf.WriteByte(header.CompressedType)
	_ = binary.Write(buf, binary.LittleEndian, header.CompressedLength)

	return buf.Bytes()
}

// Deserialize reads the rest of the header once the share control header
// has been consumed.
func (header *ShareDataHeader) Deserialize(wire io.Reader) error {
	raw := make([]byte, shareDataHeaderLen-shareControlHeaderLen)
	if _, err := io.ReadFull(wire, raw); err != nil {
		return err
	}

	header.ShareID = binary.LittleEndian.Uint32(raw[0:])
	header.StreamID = raw[5]
	header.UncompressedLength = binary.LittleEndian.Uint16(raw[6:])
	header.PDUType2 = Type2(raw[8])
	header.CompressedType = raw[9]
	header.CompressedLength = binary.LittleEndian.Uint16(raw[10:])

	return nil
}

// Data represents a share data PDU carrying one of the connection sequence
// payloads (MS-RDPBCGR 2.2.8.1.1.1).
type Data struct {
	ShareDataHeader ShareDataHeader

	SynchronizePDUData       *SynchronizePDUData
	ControlPDUData           *ControlPDUData
	FontListPDUData          *FontListPDUData
	FontMapPDUData           *FontMapPDUData
	PersistentKeyListPDUData *PersistentKeyListPDUData
	ErrorInfoPDUData         *ErrorInfoPDUData
	MonitorLayoutPDUData     *MonitorLayoutPDUData

	// Raw holds the body of types decoded elsewhere (updates, pointer, input).
	Raw []byte
}

func NewSynchronize(shareID uint32, source, targetUser uint16) *Data {
	return &Data{
		ShareDataHeader:    newShareDataHeader(shareID, source, Type2Synchronize),
		SynchronizePDUData: &SynchronizePDUData{TargetUser: targetUser},
	}
}

func NewControl(shareID uint32, source uint16, action ControlAction, grantID uint16, controlID uint32) *Data {
	return &Data{
		ShareDataHeader: newShareDataHeader(shareID, source, Type2Control),
		ControlPDUData:  &ControlPDUData{Action: action, GrantID: grantID, ControlID: controlID},
	}
}

func NewFontList(shareID uint32, source uint16) *Data {
	return &Data{
		ShareDataHeader: newShareDataHeader(shareID, source, Type2Fontlist),
		FontListPDUData: NewFontListPDUData(),
	}
}

func NewFontMap(shareID uint32, source uint16) *Data {
	return &Data{
		ShareDataHeader: newShareDataHeader(shareID, source, Type2Fontmap),
		FontMapPDUData:  NewFontMapPDUData(),
	}
}

func NewPersistentKeyList(shareID uint32, source uint16) *Data {
	return &Data{
		ShareDataHeader:          newShareDataHeader(shareID, source, Type2PersistentKeyList),
		PersistentKeyListPDUData: NewPersistentKeyListPDUData(),
	}
}

func NewErrorInfo(shareID uint32, source uint16, code uint32) *Data {
	return &Data{
		ShareDataHeader:  newShareDataHeader(shareID, source, Type2ErrorInfo),
		ErrorInfoPDUData: &ErrorInfoPDUData{ErrorInfo: code},
	}
}

func NewMonitorLayout(shareID uint32, source uint16, monitors []MonitorDef) *Data {
	return &Data{
		ShareDataHeader:      newShareDataHeader(shareID, source, Type2MonitorLayout),
		MonitorLayoutPDUData: &MonitorLayoutPDUData{Monitors: monitors},
	}
}

func (pdu *Data) body() []byte {
	switch pdu.ShareDataHeader.PDUType2 {
	case Type2Synchronize:
		return pdu.SynchronizePDUData.Serialize()
	case Type2Control:
		return pdu.ControlPDUData.Serialize()
	case Type2Fontlist:
		return pdu.FontListPDUData.Serialize()
	case Type2Fontmap:
		return pdu.FontMapPDUData.Serialize()
	case Type2PersistentKeyList:
		return pdu.PersistentKeyListPDUData.Serialize()
	case Type2ErrorInfo:
		return pdu.ErrorInfoPDUData.Serialize()
	case Type2MonitorLayout:
		return pdu.MonitorLayoutPDUData.Serialize()
	}

	return pdu.Raw
}

func (pdu *Data) Serialize() []byte {
	data := pdu.body()

	pdu.ShareDataHeader.ShareControlHeader.TotalLength = uint16(shareDataHeaderLen + len(data)) // #nosec G115
	pdu.ShareDataHeader.UncompressedLength = uint16(4 + len(data))                             // #nosec G115

	buf := bytes.NewBuffer(make([]byte, 0, shareDataHeaderLen+len(data)))

	buf.Write(pdu.ShareDataHeader.Serialize())
	buf.Write(data)

	return buf.Bytes()
}

// Deserialize decodes the PDU after its share control header, which the
// caller reads first to dispatch on the share control type.
func (pdu *Data) Deserialize(wire io.Reader) error {
	if err := pdu.ShareDataHeader.Deserialize(wire); err != nil {
		return err
	}

	switch pdu.ShareDataHeader.PDUType2 {
	case Type2Synchronize:
		pdu.SynchronizePDUData = &SynchronizePDUData{}
		return pdu.SynchronizePDUData.Deserialize(wire)
	case Type2Control:
		pdu.ControlPDUData = &ControlPDUData{}
		return pdu.ControlPDUData.Deserialize(wire)
	case Type2Fontlist:
		pdu.FontListPDUData = &FontListPDUData{}
		return pdu.FontListPDUData.Deserialize(wire)
	case Type2Fontmap:
		pdu.FontMapPDUData = &FontMapPDUData{}
		return pdu.FontMapPDUData.Deserialize(wire)
	case Type2PersistentKeyList:
		pdu.PersistentKeyListPDUData = &PersistentKeyListPDUData{}
		return pdu.PersistentKeyListPDUData.Deserialize(wire)
	case Type2ErrorInfo:
		pdu.ErrorInfoPDUData = &ErrorInfoPDUData{}
		return pdu.ErrorInfoPDUData.Deserialize(wire)
	case Type2MonitorLayout:
		pdu.MonitorLayoutPDUData = &MonitorLayoutPDUData{}
		return pdu.MonitorLayoutPDUData.Deserialize(wire)
	case Type2Update, Type2Pointer, Type2Input, Type2SaveSessionInfo, Type2ShutdownRequest:
		raw, err := io.ReadAll(wire)
		pdu.Raw = raw

		return err
	}

	return fmt.Errorf("%w: data pdu type2 0x%02x", ErrUnexpectedType, uint8(pdu.ShareDataHeader.PDUType2))
}

// DeactivateAll is the Deactivate All PDU (MS-RDPBCGR 2.2.3.1).
type DeactivateAll struct {
	ShareControlHeader ShareControlHeader
	ShareID            uint32
}

func NewDeactivateAll(shareID uint32, source uint16) *DeactivateAll {
	return &DeactivateAll{
		ShareControlHeader: ShareControlHeader{PDUType: TypeDeactivateAll, PDUSource: source},
		ShareID:            shareID,
	}
}

func (pdu *DeactivateAll) Serialize() []byte {
	// lengthSourceDescriptor 1 with a single zero byte sourceDescriptor
	const bodyLen = 4 + 2 + 1

	pdu.ShareControlHeader.TotalLength = shareControlHeaderLen + bodyLen

	buf := new(bytes.Buffer)
	buf.Write(pdu.ShareControlHeader.Serialize())
	_ = binary.Write(buf, binary.LittleEndian, pdu.ShareID)
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	buf.WriteByte(0)

	return buf.Bytes()
}

// Deserialize reads the body after the share control header. Older servers
// send the bare header so a missing body is accepted.
func (pdu *DeactivateAll) Deserialize(wire io.Reader) error {
	err := binary.Read(wire, binary.LittleEndian, &pdu.ShareID)
	if err == io.EOF {
		return nil
	}

	return err
}
