package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CapabilitySetType is the capabilitySetType field of TS_CAPS_SET (MS-RDPBCGR 2.2.1.13.1.1.1).
type CapabilitySetType uint16

const (
	CapabilitySetTypeGeneral        CapabilitySetType = 0x0001
	CapabilitySetTypeBitmap         CapabilitySetType = 0x0002
	CapabilitySetTypeOrder          CapabilitySetType = 0x0003
	CapabilitySetTypePointer        CapabilitySetType = 0x0008
	CapabilitySetTypeShare          CapabilitySetType = 0x0009
	CapabilitySetTypeInput          CapabilitySetType = 0x000D
	CapabilitySetTypeVirtualChannel CapabilitySetType = 0x0014
)

const capabilitySetHeaderLen = 4

// CapabilitySet holds one decoded capability set. Types without a
// decoder are kept in Raw and re-encoded unchanged.
type CapabilitySet struct {
	CapabilitySetType CapabilitySetType

	GeneralCapabilitySet        *GeneralCapabilitySet
	BitmapCapabilitySet         *BitmapCapabilitySet
	OrderCapabilitySet          *OrderCapabilitySet
	PointerCapabilitySet        *PointerCapabilitySet
	InputCapabilitySet          *InputCapabilitySet
	VirtualChannelCapabilitySet *VirtualChannelCapabilitySet

	Raw []byte
}

type capabilityBody interface {
	Serialize() []byte
	Deserialize(body []byte) error
}

// body returns the decoder for the set type, allocating it when decode is true.
func (set *CapabilitySet) body(decode bool) capabilityBody {
	switch set.CapabilitySetType {
	case CapabilitySetTypeGeneral:
		if decode {
			set.GeneralCapabilitySet = &GeneralCapabilitySet{}
		}

		if set.GeneralCapabilitySet != nil {
			return set.GeneralCapabilitySet
		}
	case CapabilitySetTypeBitmap:
		if decode {
			set.BitmapCapabilitySet = &BitmapCapabilitySet{}
		}

		if set.BitmapCapabilitySet != nil {
			return set.BitmapCapabilitySet
		}
	case CapabilitySetTypeOrder:
		if decode {
			set.OrderCapabilitySet = &OrderCapabilitySet{}
		}

		if set.OrderCapabilitySet != nil {
			return set.OrderCapabilitySet
		}
	case CapabilitySetTypePointer:
		if decode {
			set.PointerCapabilitySet = &PointerCapabilitySet{}
		}

		if set.PointerCapabilitySet != nil {
			return set.PointerCapabilitySet
		}
	case CapabilitySetTypeInput:
		if decode {
			set.InputCapabilitySet = &InputCapabilitySet{}
		}

		if set.InputCapabilitySet != nil {
			return set.InputCapabilitySet
		}
	case CapabilitySetTypeVirtualChannel:
		if decode {
			set.VirtualChannelCapabilitySet = &VirtualChannelCapabilitySet{}
		}

		if set.VirtualChannelCapabilitySet != nil {
			return set.VirtualChannelCapabilitySet
		}
	}

	return nil
}

func (set *CapabilitySet) Serialize() []byte {
	data := set.Raw
	if b := set.body(false); b != nil {
		data = b.Serialize()
	}

	buf := bytes.NewBuffer(make([]byte, 0, capabilitySetHeaderLen+len(data)))

	_ = binary.Write(buf, binary.LittleEndian, uint16(set.CapabilitySetType))
	_ = binary.Write(buf, binary.LittleEndian, uint16(capabilitySetHeaderLen+len(data))) // #nosec G115
	buf.Write(data)

	return buf.Bytes()
}

func (set *CapabilitySet) Deserialize(wire io.Reader) error {
	var length uint16

	if err := binary.Read(wire, binary.LittleEndian, &set.CapabilitySetType); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &length); err != nil {
		return err
	}

	if length < capabilitySetHeaderLen {
		return fmt.Errorf("%w: capability set 0x%04x length %d", ErrInvalidLength, uint16(set.CapabilitySetType), length)
	}

	data := make([]byte, length-capabilitySetHeaderLen)
	if _, err := io.ReadFull(wire, data); err != nil {
		return err
	}

	b := set.body(true)
	if b == nil {
		set.Raw = data
		return nil
	}

	if err := b.Deserialize(data); err != nil {
		return fmt.Errorf("capability set 0x%04x: %w", uint16(set.CapabilitySetType), err)
	}

	return nil
}

func serializeCapabilitySets(sets []CapabilitySet) []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint16(len(sets))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))         // pad2Octets

	for i := range sets {
		buf.Write(sets[i].Serialize())
	}

	return buf.Bytes()
}

func deserializeCapabilitySets(wire io.Reader) ([]CapabilitySet, error) {
	var count, pad uint16

	if err := binary.Read(wire, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pad); err != nil {
		return nil, err
	}

	sets := make([]CapabilitySet, count)
	for i := range sets {
		if err := sets[i].Deserialize(wire); err != nil {
			return nil, err
		}
	}

	return sets, nil
}

// FindCapabilitySet returns the first set of type t.
func FindCapabilitySet(sets []CapabilitySet, t CapabilitySetType) *CapabilitySet {
	for i := range sets {
		if sets[i].CapabilitySetType == t {
			return &sets[i]
		}
	}

	return nil
}

// DemandActive is the Server Demand Active PDU (MS-RDPBCGR 2.2.1.13.1).
type DemandActive struct {
	ShareControlHeader ShareControlHeader
	ShareID            uint32
	SourceDescriptor   string
	CapabilitySets     []CapabilitySet
	SessionID          uint32
}

func NewDemandActive(shareID uint32, source uint16, sets []CapabilitySet) *DemandActive {
	return &DemandActive{
		ShareControlHeader: ShareControlHeader{PDUType: TypeDemandActive, PDUSource: source},
		ShareID:            shareID,
		SourceDescriptor:   "RDP",
		CapabilitySets:     sets,
	}
}

func writeCapabilitiesBody(buf *bytes.Buffer, source string, sets []CapabilitySet) {
	descriptor := append([]byte(source), 0)
	caps := serializeCapabilitySets(sets)

	_ = binary.Write(buf, binary.LittleEndian, uint16(len(descriptor))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(caps)))       // #nosec G115
	buf.Write(descriptor)
	buf.Write(caps)
}

func readCapabilitiesBody(wire io.Reader) (string, []CapabilitySet, error) {
	var sourceLen, capsLen uint16

	if err := binary.Read(wire, binary.LittleEndian, &sourceLen); err != nil {
		return "", nil, err
	}

	if err := binary.Read(wire, binary.LittleEndian, &capsLen); err != nil {
		return "", nil, err
	}

	descriptor := make([]byte, sourceLen)
	if _, err := io.ReadFull(wire, descriptor); err != nil {
		return "", nil, err
	}

	caps := make([]byte, capsLen)
	if _, err := io.ReadFull(wire, caps); err != nil {
		return "", nil, err
	}

	sets, err := deserializeCapabilitySets(bytes.NewReader(caps))
	if err != nil {
		return "", nil, err
	}

	return string(bytes.TrimRight(descriptor, "\x00")), sets, nil
}

func (pdu *DemandActive) Serialize() []byte {
	body := new(bytes.Buffer)
	_ = binary.Write(body, binary.LittleEndian, pdu.ShareID)
	writeCapabilitiesBody(body, pdu.SourceDescriptor, pdu.CapabilitySets)
	_ = binary.Write(body, binary.LittleEndian, pdu.SessionID)

	pdu.ShareControlHeader.TotalLength = uint16(shareControlHeaderLen + body.Len()) // #nosec G115

	return append(pdu.ShareControlHeader.Serialize(), body.Bytes()...)
}

// Deserialize reads the PDU after its share control header.
func (pdu *DemandActive) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &pdu.ShareID); err != nil {
		return err
	}

	source, sets, err := readCapabilitiesBody(wire)
	if err != nil {
		return err
	}

	pdu.SourceDescriptor = source
	pdu.CapabilitySets = sets

	// sessionId is absent in some server implementations
	if err := binary.Read(wire, binary.LittleEndian, &pdu.SessionID); err != nil && err != io.EOF {
		return err
	}

	return nil
}

// ConfirmActive is the Client Confirm Active PDU (MS-RDPBCGR 2.2.1.13.2).
type ConfirmActive struct {
	ShareControlHeader ShareControlHeader
	ShareID            uint32
	OriginatorID       uint16
	SourceDescriptor   string
	CapabilitySets     []CapabilitySet
}

func NewConfirmActive(shareID uint32, userID uint16, sets []CapabilitySet) *ConfirmActive {
	return &ConfirmActive{
		ShareControlHeader: ShareControlHeader{PDUType: TypeConfirmActive, PDUSource: userID},
		ShareID:            shareID,
		OriginatorID:       ServerChannelID,
		SourceDescriptor:   "MSTSC",
		CapabilitySets:     sets,
	}
}

func (pdu *ConfirmActive) Serialize() []byte {
	body := new(bytes.Buffer)
	_ = binary.Write(body, binary.LittleEndian, pdu.ShareID)
	_ = binary.Write(body, binary.LittleEndian, pdu.OriginatorID)
	writeCapabilitiesBody(body, pdu.SourceDescriptor, pdu.CapabilitySets)

	pdu.ShareControlHeader.TotalLength = uint16(shareControlHeaderLen + body.Len()) // #nosec G115

	return append(pdu.ShareControlHeader.Serialize(), body.Bytes()...)
}

// Deserialize reads the PDU after its share control header.
func (pdu *ConfirmActive) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &pdu.ShareID); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pdu.OriginatorID); err != nil {
		return err
	}

	source, sets, err := readCapabilitiesBody(wire)
	if err != nil {
		return err
	}

	pdu.SourceDescriptor = source
	pdu.CapabilitySets = sets

	return nil
}
