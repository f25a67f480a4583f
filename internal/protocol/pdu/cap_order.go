package pdu

import (
	"bytes"
	"encoding/binary"
)

// OrderCapabilitySet represents the Order Capability Set (MS-RDPBCGR 2.2.7.1.3).
type OrderCapabilitySet struct {
	OrderFlags          uint16
	OrderSupport        [32]byte
	TextFlags           uint16
	OrderSupportExFlags uint16
	DesktopSaveSize     uint32
	TextANSICodePage    uint16
}

type orderCapabilityWire struct {
	TerminalDescriptor      [16]byte
	Pad4                    uint32
	DesktopSaveXGranularity uint16
	DesktopSaveYGranularity uint16
	Pad2                    uint16
	MaximumOrderLevel       uint16
	NumberFonts             uint16
	OrderFlags              uint16
	OrderSupport            [32]byte
	TextFlags               uint16
	OrderSupportExFlags     uint16
	Pad4b                   uint32
	DesktopSaveSize         uint32
	Pad4c                   uint32
	TextANSICodePage        uint16
	Pad2b                   uint16
}

const (
	orderFlagNegotiateOrderSupport   uint16 = 0x0002
	orderFlagZeroBoundsDeltasSupport uint16 = 0x0008
	orderLevel1                      uint16 = 0x0001
)

func NewOrderCapabilitySet() CapabilitySet {
	return CapabilitySet{
		CapabilitySetType: CapabilitySetTypeOrder,
		OrderCapabilitySet: &OrderCapabilitySet{
			OrderFlags:      orderFlagNegotiateOrderSupport | orderFlagZeroBoundsDeltasSupport,
			DesktopSaveSize: 480 * 480,
		},
	}
}

func (s *OrderCapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, orderCapabilityWire{
		DesktopSaveXGranularity: 1,
		DesktopSaveYGranularity: 20,
		MaximumOrderLevel:       orderLevel1,
		OrderFlags:              s.OrderFlags,
		OrderSupport:            s.OrderSupport,
		TextFlags:               s.TextFlags,
		OrderSupportExFlags:     s.OrderSupportExFlags,
		DesktopSaveSize:         s.DesktopSaveSize,
		TextANSICodePage:        s.TextANSICodePage,
	})

	return buf.Bytes()
}

func (s *OrderCapabilitySet) Deserialize(body []byte) error {
	var w orderCapabilityWire
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
		return err
	}

	*s = OrderCapabilitySet{
		OrderFlags:          w.OrderFlags,
		OrderSupport:        w.OrderSupport,
		TextFlags:           w.TextFlags,
		OrderSupportExFlags: w.OrderSupportExFlags,
		DesktopSaveSize:     w.DesktopSaveSize,
		TextANSICodePage:    w.TextANSICodePage,
	}

	return nil
}
