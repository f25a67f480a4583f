package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ServerChannelID is the MCS user channel the server sends from.
const ServerChannelID uint16 = 1002

const messageTypeSync uint16 = 1

// SynchronizePDUData represents the TS_SYNCHRONIZE_PDU structure (MS-RDPBCGR 2.2.1.14).
type SynchronizePDUData struct {
	TargetUser uint16
}

func (pdu *SynchronizePDUData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4))

	_ = binary.Write(buf, binary.LittleEndian, messageTypeSync)
	_ = binary.Write(buf, binary.LittleEndian, pdu.TargetUser)

	return buf.Bytes()
}

func (pdu *SynchronizePDUData) Deserialize(wire io.Reader) error {
	var messageType uint16

	if err := binary.Read(wire, binary.LittleEndian, &messageType); err != nil {
		return err
	}

	if messageType != messageTypeSync {
		return fmt.Errorf("%w: synchronize message type %d", ErrUnexpectedType, messageType)
	}

	return binary.Read(wire, binary.LittleEndian, &pdu.TargetUser)
}

// ControlAction represents the action field in a Control PDU (MS-RDPBCGR 2.2.1.15).
type ControlAction uint16

const (
	// ControlActionRequestControl CTRLACTION_REQUEST_CONTROL
	ControlActionRequestControl ControlAction = 0x0001

	// ControlActionGrantedControl CTRLACTION_GRANTED_CONTROL
	ControlActionGrantedControl ControlAction = 0x0002

	// ControlActionDetach CTRLACTION_DETACH
	ControlActionDetach ControlAction = 0x0003

	// ControlActionCooperate CTRLACTION_COOPERATE
	ControlActionCooperate ControlAction = 0x0004
)

func (a ControlAction) String() string {
	switch a {
	case ControlActionRequestControl:
		return "REQUEST_CONTROL"
	case ControlActionGrantedControl:
		return "GRANTED_CONTROL"
	case ControlActionDetach:
		return "DETACH"
	case ControlActionCooperate:
		return "COOPERATE"
	}

	return fmt.Sprintf("CTRLACTION(0x%04x)", uint16(a))
}

// ControlPDUData represents the TS_CONTROL_PDU structure (MS-RDPBCGR 2.2.1.15).
type ControlPDUData struct {
	Action    ControlAction
	GrantID   uint16
	ControlID uint32
}

func (pdu *ControlPDUData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8))

	_ = binary.Write(buf, binary.LittleEndian, uint16(pdu.Action))
	_ = binary.Write(buf, binary.LittleEndian, pdu.GrantID)
	_ = binary.Write(buf, binary.LittleEndian, pdu.ControlID)

	return buf.Bytes()
}

func (pdu *ControlPDUData) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &pdu.Action); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pdu.GrantID); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &pdu.ControlID)
}

const (
	fontListFirst = 0x0001
	fontListLast  = 0x0002
)

// fontTable is the layout shared by TS_FONT_LIST_PDU and TS_FONT_MAP_PDU.
type fontTable struct {
	Number    uint16
	Total     uint16
	Flags     uint16
	EntrySize uint16
}

func (t *fontTable) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8))

	_ = binary.Write(buf, binary.LittleEndian, t)

	return buf.Bytes()
}

func (t *fontTable) Deserialize(wire io.Reader) error {
	return binary.Read(wire, binary.LittleEndian, t)
}

// FontListPDUData represents the TS_FONT_LIST_PDU structure (MS-RDPBCGR 2.2.1.18).
type FontListPDUData struct {
	fontTable
}

func NewFontListPDUData() *FontListPDUData {
	return &FontListPDUData{fontTable{Flags: fontListFirst | fontListLast, EntrySize: 0x0032}}
}

// FontMapPDUData represents the TS_FONT_MAP_PDU structure (MS-RDPBCGR 2.2.1.22).
type FontMapPDUData struct {
	fontTable
}

func NewFontMapPDUData() *FontMapPDUData {
	return &FontMapPDUData{fontTable{Flags: fontListFirst | fontListLast, EntrySize: 0x0004}}
}

const (
	persistFirstPDU = 0x01
	persistLastPDU  = 0x02
)

// PersistentKeyListPDUData is the TS_BITMAPCACHE_PERSISTENT_LIST_PDU
// (MS-RDPBCGR 2.2.1.17.1). Only the empty single-PDU form is produced.
type PersistentKeyListPDUData struct {
	NumEntries   [5]uint16
	TotalEntries [5]uint16
	Flags        uint8
	Entries      []uint64
}

func NewPersistentKeyListPDUData() *PersistentKeyListPDUData {
	return &PersistentKeyListPDUData{Flags: persistFirstPDU | persistLastPDU}
}

func (pdu *PersistentKeyListPDUData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 24+8*len(pdu.Entries)))

	_ = binary.Write(buf, binary.LittleEndian, pdu.NumEntries)
	_ = binary.Write(buf, binary.LittleEndian, pdu.TotalEntries)
	buf.WriteByte(pdu.Flags)
	buf.Write([]byte{0, 0, 0}) // pad2, pad3

	for _, key := range pdu.Entries {
		_ = binary.Write(buf, binary.LittleEndian, key)
	}

	return buf.Bytes()
}

func (pdu *PersistentKeyListPDUData) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &pdu.NumEntries); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pdu.TotalEntries); err != nil {
		return err
	}

	pad := make([]byte, 4)
	if _, err := io.ReadFull(wire, pad); err != nil {
		return err
	}

	pdu.Flags = pad[0]

	var count int
	for _, n := range pdu.NumEntries {
		count += int(n)
	}

	pdu.Entries = make([]uint64, count)

	return binary.Read(wire, binary.LittleEndian, pdu.Entries)
}

// IsLast reports whether this is the final PDU of the key list.
func (pdu *PersistentKeyListPDUData) IsLast() bool {
	return pdu.Flags&persistLastPDU != 0
}
