package pdu

import (
	"encoding/binary"
	"io"
)

// Heartbeat is the Heartbeat PDU body sent with SEC_HEARTBEAT (MS-RDPBCGR 2.2.16.1).
type Heartbeat struct {
	Period uint8
	Count1 uint8
	Count2 uint8
}

func (pdu *Heartbeat) Serialize() []byte {
	return []byte{0, pdu.Period, pdu.Count1, pdu.Count2}
}

func (pdu *Heartbeat) Deserialize(wire io.Reader) error {
	var raw [4]byte
	if err := binary.Read(wire, binary.LittleEndian, &raw); err != nil {
		return err
	}

	pdu.Period, pdu.Count1, pdu.Count2 = raw[1], raw[2], raw[3]

	return nil
}
