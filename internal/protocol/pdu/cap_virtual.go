package pdu

import (
	"bytes"
	"encoding/binary"
)

// VCCapsCompressCS VCCAPS_COMPR_CS_8K
const VCCapsCompressCS uint32 = 0x00000002

// VirtualChannelCapabilitySet (MS-RDPBCGR 2.2.7.1.10). VCChunkSize is
// optional on the wire and only sent by servers.
type VirtualChannelCapabilitySet struct {
	Flags       uint32
	VCChunkSize uint32
}

func NewVirtualChannelCapabilitySet() CapabilitySet {
	return CapabilitySet{
		CapabilitySetType:           CapabilitySetTypeVirtualChannel,
		VirtualChannelCapabilitySet: &VirtualChannelCapabilitySet{},
	}
}

func (s *VirtualChannelCapabilitySet) Serialize() []byte {
	out := binary.LittleEndian.AppendUint32(nil, s.Flags)
	return binary.LittleEndian.AppendUint32(out, s.VCChunkSize)
}

func (s *VirtualChannelCapabilitySet) Deserialize(body []byte) error {
	r := bytes.NewReader(body)
	if err := binary.Read(r, binary.LittleEndian, &s.Flags); err != nil {
		return err
	}

	if r.Len() < 4 {
		return nil
	}

	return binary.Read(r, binary.LittleEndian, &s.VCChunkSize)
}
