package x224

import (
	"bytes"
	"encoding/binary"
	"io"
)

// ConnectionRequest is the X.224 Connection Request TPDU (X.224 13.3).
type ConnectionRequest struct {
	LI           uint8
	CRCDT        uint8
	DSTREF       uint16
	SRCREF       uint16
	ClassOption  uint8
	VariablePart []byte
	UserData     []byte
}

func (r *ConnectionRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.WriteByte(uint8(fixedPartLen + len(r.VariablePart) + len(r.UserData))) // #nosec G115
	buf.WriteByte(r.CRCDT)
	_ = binary.Write(buf, binary.BigEndian, r.DSTREF)
	_ = binary.Write(buf, binary.BigEndian, r.SRCREF)
	buf.WriteByte(r.ClassOption)
	buf.Write(r.VariablePart)
	buf.Write(r.UserData)

	return buf.Bytes()
}

func (r *ConnectionRequest) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.BigEndian, &r.LI); err != nil {
		return err
	}

	if r.LI < fixedPartLen {
		return ErrSmallConnectionRequestLength
	}

	if err := binary.Read(wire, binary.BigEndian, &r.CRCDT); err != nil {
		return err
	}

	if r.CRCDT&0xf0 != tpduConnectionRequest {
		return ErrWrongConnectionRequestCode
	}

	if err := binary.Read(wire, binary.BigEndian, &r.DSTREF); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.BigEndian, &r.SRCREF); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.BigEndian, &r.ClassOption); err != nil {
		return err
	}

	r.UserData = make([]byte, int(r.LI)-fixedPartLen)
	if _, err := io.ReadFull(wire, r.UserData); err != nil {
		return err
	}

	return nil
}

// ConnectionConfirm is the X.224 Connection Confirm TPDU (X.224 13.4).
type ConnectionConfirm struct {
	LI          uint8
	CCCDT       uint8
	DSTREF      uint16
	SRCREF      uint16
	ClassOption uint8
	UserData    []byte
}

func (c *ConnectionConfirm) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.WriteByte(uint8(fixedPartLen + len(c.UserData))) // #nosec G115
	buf.WriteByte(c.CCCDT)
	_ = binary.Write(buf, binary.BigEndian, c.DSTREF)
	_ = binary.Write(buf, binary.BigEndian, c.SRCREF)
	buf.WriteByte(c.ClassOption)
	buf.Write(c.UserData)

	return buf.Bytes()
}

// Deserialize reads the fixed part; the variable part stays on the wire.
func (c *ConnectionConfirm) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.BigEndian, &c.LI); err != nil {
		return err
	}

	if c.LI < fixedPartLen {
		return ErrSmallConnectionConfirmLength
	}

	if err := binary.Read(wire, binary.BigEndian, &c.CCCDT); err != nil {
		return err
	}

	if c.CCCDT&0xf0 != tpduConnectionConfirm {
		return ErrWrongConnectionConfirmCode
	}

	if err := binary.Read(wire, binary.BigEndian, &c.DSTREF); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.BigEndian, &c.SRCREF); err != nil {
		return err
	}

	return binary.Read(wire, binary.BigEndian, &c.ClassOption)
}
