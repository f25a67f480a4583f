package pdu

import (
	"bytes"
	"encoding/binary"
)

// General capability extraFlags (MS-RDPBCGR 2.2.7.1.1).
const (
	GeneralFastpathOutputSupported  uint16 = 0x0001
	GeneralNoBitmapCompressionHdr   uint16 = 0x0400
	GeneralLongCredentialsSupported uint16 = 0x0004
	GeneralAutoReconnectSupported   uint16 = 0x0008
	GeneralEncSaltedChecksum        uint16 = 0x0010
)

// GeneralCapabilitySet represents the General Capability Set (MS-RDPBCGR 2.2.7.1.1).
type GeneralCapabilitySet struct {
	OSMajorType           uint16
	OSMinorType           uint16
	ExtraFlags            uint16
	RefreshRectSupport    uint8
	SuppressOutputSupport uint8
}

type generalCapabilityWire struct {
	OSMajorType           uint16
	OSMinorType           uint16
	ProtocolVersion       uint16
	Pad2                  uint16
	CompressionTypes      uint16
	ExtraFlags            uint16
	UpdateCapabilityFlag  uint16
	RemoteUnshareFlag     uint16
	CompressionLevel      uint16
	RefreshRectSupport    uint8
	SuppressOutputSupport uint8
}

const generalProtocolVersion uint16 = 0x0200

func NewGeneralCapabilitySet() CapabilitySet {
	return CapabilitySet{
		CapabilitySetType: CapabilitySetTypeGeneral,
		GeneralCapabilitySet: &GeneralCapabilitySet{
			OSMajorType:           0x000A, // OSMAJORTYPE_WINDOWS
			OSMinorType:           0x0000,
			ExtraFlags:            GeneralFastpathOutputSupported | GeneralLongCredentialsSupported | GeneralNoBitmapCompressionHdr | GeneralEncSaltedChecksum,
			RefreshRectSupport:    1,
			SuppressOutputSupport: 1,
		},
	}
}

func (s *GeneralCapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, generalCapabilityWire{
		OSMajorType:           s.OSMajorType,
		OSMinorType:           s.OSMinorType,
		ProtocolVersion:       generalProtocolVersion,
		ExtraFlags:            s.ExtraFlags,
		RefreshRectSupport:    s.RefreshRectSupport,
		SuppressOutputSupport: s.SuppressOutputSupport,
	})

	return buf.Bytes()
}

func (s *GeneralCapabilitySet) Deserialize(body []byte) error {
	var w generalCapabilityWire
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
		return err
	}

	s.OSMajorType = w.OSMajorType
	s.OSMinorType = w.OSMinorType
	s.ExtraFlags = w.ExtraFlags
	s.RefreshRectSupport = w.RefreshRectSupport
	s.SuppressOutputSupport = w.SuppressOutputSupport

	return nil
}
