package pdu

import (
	"bytes"
	"encoding/binary"
)

// BitmapCapabilitySet carries the desktop size the server sets for the
// session (MS-RDPBCGR 2.2.7.1.2).
type BitmapCapabilitySet struct {
	PreferredBitsPerPixel uint16
	Receive1BitPerPixel   uint16
	Receive4BitsPerPixel  uint16
	Receive8BitsPerPixel  uint16
	DesktopWidth          uint16
	DesktopHeight         uint16
	DesktopResizeFlag     uint16
	DrawingFlags          uint8
}

type bitmapCapabilityWire struct {
	PreferredBitsPerPixel    uint16
	Receive1BitPerPixel      uint16
	Receive4BitsPerPixel     uint16
	Receive8BitsPerPixel     uint16
	DesktopWidth             uint16
	DesktopHeight            uint16
	Pad2                     uint16
	DesktopResizeFlag        uint16
	BitmapCompressionFlag    uint16
	HighColorFlags           uint8
	DrawingFlags             uint8
	MultipleRectangleSupport uint16
	Pad2b                    uint16
}

func NewBitmapCapabilitySet(desktopWidth, desktopHeight uint16) CapabilitySet {
	return CapabilitySet{
		CapabilitySetType: CapabilitySetTypeBitmap,
		BitmapCapabilitySet: &BitmapCapabilitySet{
			PreferredBitsPerPixel: 0x0020,
			Receive1BitPerPixel:   0x0001,
			Receive4BitsPerPixel:  0x0001,
			Receive8BitsPerPixel:  0x0001,
			DesktopWidth:          desktopWidth,
			DesktopHeight:         desktopHeight,
			DesktopResizeFlag:     0x0001,
		},
	}
}

func (s *BitmapCapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, bitmapCapabilityWire{
		PreferredBitsPerPixel:    s.PreferredBitsPerPixel,
		Receive1BitPerPixel:      s.Receive1BitPerPixel,
		Receive4BitsPerPixel:     s.Receive4BitsPerPixel,
		Receive8BitsPerPixel:     s.Receive8BitsPerPixel,
		DesktopWidth:             s.DesktopWidth,
		DesktopHeight:            s.DesktopHeight,
		DesktopResizeFlag:        s.DesktopResizeFlag,
		BitmapCompressionFlag:    0x0001,
		DrawingFlags:             s.DrawingFlags,
		MultipleRectangleSupport: 0x0001,
	})

	return buf.Bytes()
}

func (s *BitmapCapabilitySet) Deserialize(body []byte) error {
	var w bitmapCapabilityWire
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
		return err
	}

	*s = BitmapCapabilitySet{
		PreferredBitsPerPixel: w.PreferredBitsPerPixel,
		Receive1BitPerPixel:   w.Receive1BitPerPixel,
		Receive4BitsPerPixel:  w.Receive4BitsPerPixel,
		Receive8BitsPerPixel:  w.Receive8BitsPerPixel,
		DesktopWidth:          w.DesktopWidth,
		DesktopHeight:         w.DesktopHeight,
		DesktopResizeFlag:     w.DesktopResizeFlag,
		DrawingFlags:          w.DrawingFlags,
	}

	return nil
}
