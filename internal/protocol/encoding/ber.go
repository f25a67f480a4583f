// Package encoding reads and writes the BER and PER subsets used by the
// MCS Connect PDUs and the GCC conference create blocks.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// BER identifier octet parts.
const (
	ClassUniversal   uint8 = 0x00
	ClassApplication uint8 = 0x40

	PCPrimitive uint8 = 0x00
	PCConstruct uint8 = 0x20

	TagMask        uint8 = 0x1F
	TagBoolean     uint8 = 0x01
	TagInteger     uint8 = 0x02
	TagOctetString uint8 = 0x04
	TagEnumerated  uint8 = 0x0A
	TagSequence    uint8 = 0x10
)

var (
	ErrBerInvalidTag    = errors.New("ber: invalid tag")
	ErrBerInvalidLength = errors.New("ber: invalid length")
)

// BER reading functions

// BerReadApplicationTag reads a high-tag-number application identifier and
// returns the tag number. The length that follows is left on the wire.
func BerReadApplicationTag(r io.Reader) (uint8, error) {
	var identifier, tag uint8

	if err := binary.Read(r, binary.BigEndian, &identifier); err != nil {
		return 0, err
	}

	if identifier != (ClassApplication|PCConstruct)|TagMask {
		return 0, fmt.Errorf("%w: application identifier 0x%02x", ErrBerInvalidTag, identifier)
	}

	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return 0, err
	}

	return tag, nil
}

func BerReadLength(r io.Reader) (int, error) {
	var size uint8

	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return 0, err
	}

	if size&0x80 == 0 {
		return int(size), nil
	}

	switch size &^ 0x80 {
	case 1:
		var n uint8
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return 0, err
		}

		return int(n), nil
	case 2:
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return 0, err
		}

		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: length may be 1 or 2 octets", ErrBerInvalidLength)
	}
}

func berPC(pc bool) uint8 {
	if pc {
		return PCConstruct
	}
	return PCPrimitive
}

func BerReadUniversalTag(tag uint8, pc bool, r io.Reader) (bool, error) {
	var bb uint8

	if err := binary.Read(r, binary.BigEndian, &bb); err != nil {
		return false, err
	}

	return bb == (ClassUniversal|berPC(pc))|(TagMask&tag), nil
}

func berExpectUniversal(tag uint8, pc bool, r io.Reader) (int, error) {
	ok, err := BerReadUniversalTag(tag, pc, r)
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, fmt.Errorf("%w: expected universal tag %d", ErrBerInvalidTag, tag)
	}

	return BerReadLength(r)
}

func BerReadEnumerated(r io.Reader) (uint8, error) {
	length, err := berExpectUniversal(TagEnumerated, false, r)
	if err != nil {
		return 0, err
	}

	if length != 1 {
		return 0, fmt.Errorf("%w: enumerated size %d, expect 1", ErrBerInvalidLength, length)
	}

	var enumerated uint8
	if err = binary.Read(r, binary.BigEndian, &enumerated); err != nil {
		return 0, err
	}

	return enumerated, nil
}

func BerReadBoolean(r io.Reader) (bool, error) {
	length, err := berExpectUniversal(TagBoolean, false, r)
	if err != nil {
		return false, err
	}

	if length != 1 {
		return false, fmt.Errorf("%w: boolean size %d, expect 1", ErrBerInvalidLength, length)
	}

	var b uint8
	if err = binary.Read(r, binary.BigEndian, &b); err != nil {
		return false, err
	}

	return b != 0, nil
}

func BerReadInteger(r io.Reader) (int, error) {
	size, err := berExpectUniversal(TagInteger, false, r)
	if err != nil {
		return 0, err
	}

	if size < 1 || size > 4 {
		return 0, fmt.Errorf("%w: integer size %d", ErrBerInvalidLength, size)
	}

	buf := make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return 0, err
	}

	n := 0
	for _, b := range buf {
		n = n<<8 | int(b)
	}

	return n, nil
}

// BerReadOctetString reads a primitive OCTET STRING and returns its contents.
func BerReadOctetString(r io.Reader) ([]byte, error) {
	length, err := berExpectUniversal(TagOctetString, false, r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// BerReadSequence reads a SEQUENCE header and returns the content length.
func BerReadSequence(r io.Reader) (int, error) {
	return berExpectUniversal(TagSequence, true, r)
}

// BER writing functions

func BerWriteBoolean(b bool, w io.Writer) {
	bb := uint8(0)
	if b {
		bb = uint8(0xff)
	}
	_, _ = w.Write([]byte{0x01}) // tag boolean
	BerWriteLength(1, w)
	_, _ = w.Write([]byte{bb})
}

func BerWriteInteger(n int, w io.Writer) {
	_, _ = w.Write([]byte{TagInteger})
	if n <= 0xff {
		BerWriteLength(1, w)
		_, _ = w.Write([]byte{uint8(n)}) // #nosec G115
	} else if n <= 0xffff {
		BerWriteLength(2, w)
		_ = binary.Write(w, binary.BigEndian, uint16(n)) // #nosec G115
	} else {
		BerWriteLength(4, w)
		_ = binary.Write(w, binary.BigEndian, uint32(n)) // #nosec G115
	}
}

func BerWriteEnumerated(n uint8, w io.Writer) {
	_, _ = w.Write([]byte{TagEnumerated})
	BerWriteLength(1, w)
	_, _ = w.Write([]byte{n})
}

func BerWriteOctetString(str []byte, w io.Writer) {
	_, _ = w.Write([]byte{TagOctetString})
	BerWriteLength(len(str), w)
	_, _ = w.Write(str)
}

func BerWriteSequence(data []byte, w io.Writer) {
	_, _ = w.Write([]byte{0x30}) // tag sequence
	BerWriteLength(len(data), w)
	_, _ = w.Write(data)
}

func BerWriteApplicationTag(tag uint8, size int, w io.Writer) {
	if tag > 30 {
		_, _ = w.Write([]byte{
			0x7f, // leading octet for tags with number greater than or equal to 31
			tag,
		})
	} else {
		_, _ = w.Write([]byte{tag})
	}

	BerWriteLength(size, w)
}

func BerWriteLength(size int, w io.Writer) {
	switch {
	case size > 0xff:
		_, _ = w.Write([]byte{0x82})
		_ = binary.Write(w, binary.BigEndian, uint16(size)) // #nosec G115
	case size > 0x7f:
		_, _ = w.Write([]byte{0x81, uint8(size)}) // #nosec G115
	default:
		_, _ = w.Write([]byte{uint8(size)}) // #nosec G115
	}
}
