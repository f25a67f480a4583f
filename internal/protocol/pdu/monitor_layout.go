package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MonitorPrimary TS_MONITOR_PRIMARY
const MonitorPrimary uint32 = 0x00000001

const maxMonitorCount = 16

// MonitorDef represents the TS_MONITOR_DEF structure (MS-RDPBCGR 2.2.1.3.6.1).
type MonitorDef struct {
	Left   int32
	Top    int32
	Right  int32
	Bottom int32
	Flags  uint32
}

// MonitorLayoutPDUData is the TS_MONITOR_LAYOUT_PDU body (MS-RDPBCGR 2.2.12.1).
type MonitorLayoutPDUData struct {
	Monitors []MonitorDef
}

func (pdu *MonitorLayoutPDUData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+20*len(pdu.Monitors)))

	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pdu.Monitors))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, pdu.Monitors)

	return buf.Bytes()
}

func (pdu *MonitorLayoutPDUData) Deserialize(wire io.Reader) error {
	var count uint32
	if err := binary.Read(wire, binary.LittleEndian, &count); err != nil {
		return err
	}

	if count > maxMonitorCount {
		return fmt.Errorf("%w: monitor count %d", ErrInvalidLength, count)
	}

	pdu.Monitors = make([]MonitorDef, count)

	return binary.Read(wire, binary.LittleEndian, pdu.Monitors)
}
