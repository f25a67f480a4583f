package encoding

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrPerInvalidInteger = errors.New("per: bad integer length")

// PER reading functions

func PerReadChoice(r io.Reader) (uint8, error) {
	return readUint8(r)
}

func PerReadSelection(r io.Reader) (uint8, error) {
	return readUint8(r)
}

func PerReadEnumerates(r io.Reader) (uint8, error) {
	return readUint8(r)
}

func PerReadNumberOfSet(r io.Reader) (uint8, error) {
	return readUint8(r)
}

func PerReadLength(r io.Reader) (int, error) {
	octet, err := readUint8(r)
	if err != nil {
		return 0, err
	}

	if octet&0x80 != 0x80 {
		return int(octet), nil
	}

	size := int(octet&^0x80) << 8

	if octet, err = readUint8(r); err != nil {
		return 0, err
	}

	return size + int(octet), nil
}

func PerReadObjectIdentifier(oid [6]byte, r io.Reader) (bool, error) {
	size, err := PerReadLength(r)
	if err != nil {
		return false, err
	}

	if size != 5 {
		return false, nil
	}

	raw := make([]byte, 5)
	if _, err = io.ReadFull(r, raw); err != nil {
		return false, err
	}

	aOid := [6]byte{raw[0] >> 4, raw[0] & 0x0f, raw[1], raw[2], raw[3], raw[4]}

	return aOid == oid, nil
}

func PerReadInteger16(minimum uint16, r io.Reader) (uint16, error) {
	var num uint16

	if err := binary.Read(r, binary.BigEndian, &num); err != nil {
		return 0, err
	}

	return num + minimum, nil
}

func PerReadInteger(r io.Reader) (int, error) {
	size, err := PerReadLength(r)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		num, err := readUint8(r)
		return int(num), err
	case 2:
		var num uint16
		if err = binary.Read(r, binary.BigEndian, &num); err != nil {
			return 0, err
		}

		return int(num), nil
	case 4:
		var num uint32
		if err = binary.Read(r, binary.BigEndian, &num); err != nil {
			return 0, err
		}

		return int(num), nil
	default:
		return 0, ErrPerInvalidInteger
	}
}

// PerReadOctetStream reports whether the next octet stream equals octetStream.
func PerReadOctetStream(octetStream []byte, minValue int, r io.Reader) (bool, error) {
	length, err := PerReadLength(r)
	if err != nil {
		return false, err
	}

	size := length + minValue
	if size != len(octetStream) {
		return false, nil
	}

	got := make([]byte, size)
	if _, err = io.ReadFull(r, got); err != nil {
		return false, err
	}

	return string(got) == string(octetStream), nil
}

// PerReadNumericString skips a numeric string; its contents carry nothing
// the connection sequence needs.
func PerReadNumericString(minValue int, r io.Reader) error {
	length, err := PerReadLength(r)
	if err != nil {
		return err
	}

	size := (length + minValue + 1) / 2

	_, err = io.ReadFull(r, make([]byte, size))

	return err
}

func PerReadPadding(length int, r io.Reader) error {
	_, err := io.ReadFull(r, make([]byte, length))
	return err
}

// PER writing functions

func PerWriteChoice(choice uint8, w io.Writer) {
	_, _ = w.Write([]byte{choice})
}

func PerWriteEnumerates(value uint8, w io.Writer) {
	_, _ = w.Write([]byte{value})
}

func PerWriteObjectIdentifier(oid [6]byte, w io.Writer) {
	PerWriteLength(5, w)

	_, _ = w.Write([]byte{
		(oid[0] << 4) | (oid[1] & 0x0f),
		oid[2],
		oid[3],
		oid[4],
		oid[5],
	})
}

func PerWriteLength(value uint16, w io.Writer) {
	if value > 0x7f {
		_ = binary.Write(w, binary.BigEndian, value|0x8000)
		return
	}

	_, _ = w.Write([]byte{uint8(value)})
}

func PerWriteSelection(selection uint8, w io.Writer) {
	_, _ = w.Write([]byte{selection})
}

func PerWriteNumericString(nStr string, minValue int, w io.Writer) {
	length := len(nStr)
	mLength := minValue

	if length-minValue >= 0 {
		mLength = length - minValue
	}

	result := make([]byte, 0, (length+1)/2)

	for i := 0; i < length; i += 2 {
		c1 := nStr[i]
		c2 := byte(0x30)

		if i+1 < length {
			c2 = nStr[i+1]
		}

		c1 = (c1 - 0x30) % 10
		c2 = (c2 - 0x30) % 10

		result = append(result, (c1<<4)|c2)
	}

	PerWriteLength(uint16(mLength), w) // #nosec G115
	_, _ = w.Write(result)
}

func PerWritePadding(length int, w io.Writer) {
	_, _ = w.Write(make([]byte, length))
}

func PerWriteNumberOfSet(numberOfSet uint8, w io.Writer) {
	_, _ = w.Write([]byte{numberOfSet})
}

func PerWriteOctetStream(oStr string, minValue int, w io.Writer) {
	length := len(oStr)
	mLength := minValue

	if length-minValue >= 0 {
		mLength = length - minValue
	}

	PerWriteLength(uint16(mLength), w) // #nosec G115
	_, _ = io.WriteString(w, oStr)
}

func PerWriteInteger(value int, w io.Writer) {
	if value <= 0xff {
		PerWriteLength(1, w)
		_, _ = w.Write([]byte{uint8(value)}) // #nosec G115

		return
	}

	if value <= 0xffff {
		PerWriteLength(2, w)
		_ = binary.Write(w, binary.BigEndian, uint16(value)) // #nosec G115

		return
	}

	PerWriteLength(4, w)
	_ = binary.Write(w, binary.BigEndian, uint32(value)) // #nosec G115
}

func PerWriteInteger16(value, minimum uint16, w io.Writer) {
	_ = binary.Write(w, binary.BigEndian, value-minimum)
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	return b[0], nil
}
