package pdu

import (
	"bytes"
	"encoding/binary"
)

// PointerCapabilitySet (MS-RDPBCGR 2.2.7.1.5). Old servers omit PointerCacheSize.
type PointerCapabilitySet struct {
	ColorPointerFlag      uint16
	ColorPointerCacheSize uint16
	PointerCacheSize      uint16
}

func NewPointerCapabilitySet() CapabilitySet {
	return CapabilitySet{
		CapabilitySetType: CapabilitySetTypePointer,
		PointerCapabilitySet: &PointerCapabilitySet{
			ColorPointerFlag:      1,
			ColorPointerCacheSize: 25,
			PointerCacheSize:      25,
		},
	}
}

func (s *PointerCapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, s)

	return buf.Bytes()
}

func (s *PointerCapabilitySet) Deserialize(body []byte) error {
	r := bytes.NewReader(body)
	if err := binary.Read(r, binary.LittleEndian, &s.ColorPointerFlag); err != nil {
		return err
	}

	if err := binary.Read(r, binary.LittleEndian, &s.ColorPointerCacheSize); err != nil {
		return err
	}

	if r.Len() < 2 {
		return nil
	}

	return binary.Read(r, binary.LittleEndian, &s.PointerCacheSize)
}
