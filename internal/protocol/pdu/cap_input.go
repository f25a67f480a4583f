package pdu

import (
	"bytes"
	"encoding/binary"
)

// Input capability flags (MS-RDPBCGR 2.2.7.1.6).
const (
	InputFlagScancodes      uint16 = 0x0001
	InputFlagMouseX         uint16 = 0x0004
	InputFlagFastpathInput  uint16 = 0x0008
	InputFlagUnicode        uint16 = 0x0010
	InputFlagFastpathInput2 uint16 = 0x0020
	InputFlagMouseHWheel    uint16 = 0x0100
)

// InputCapabilitySet represents the Input Capability Set (MS-RDPBCGR 2.2.7.1.6).
type InputCapabilitySet struct {
	InputFlags          uint16
	Pad2                uint16
	KeyboardLayout      uint32
	KeyboardType        uint32
	KeyboardSubType     uint32
	KeyboardFunctionKey uint32
	ImeFileName         [64]byte
}

func NewInputCapabilitySet() CapabilitySet {
	return CapabilitySet{
		CapabilitySetType: CapabilitySetTypeInput,
		InputCapabilitySet: &InputCapabilitySet{
			InputFlags:          InputFlagScancodes | InputFlagMouseX | InputFlagUnicode | InputFlagFastpathInput2,
			KeyboardLayout:      0x00000409,
			KeyboardType:        0x00000004,
			KeyboardFunctionKey: 12,
		},
	}
}

func (s *InputCapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)

	w := *s
	w.Pad2 = 0
	_ = binary.Write(buf, binary.LittleEndian, &w)

	return buf.Bytes()
}

func (s *InputCapabilitySet) Deserialize(body []byte) error {
	return binary.Read(bytes.NewReader(body), binary.LittleEndian, s)
}
