// Package codec converts between Go strings and the UTF-16LE text fields
// carried in RDP PDUs.
package codec

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// Encode converts a string to UTF-16LE encoded bytes.
func Encode(s string) []byte {
	buf := new(bytes.Buffer)

	for _, ch := range utf16.Encode([]rune(s)) {
		_ = binary.Write(buf, binary.LittleEndian, ch)
	}

	return buf.Bytes()
}

// EncodeZ is Encode with a two byte null terminator appended.
func EncodeZ(s string) []byte {
	return append(Encode(s), 0, 0)
}

// Decode converts UTF-16LE bytes to a string, stopping at the first null
// character. A trailing odd byte is ignored.
func Decode(b []byte) string {
	units := make([]uint16, 0, len(b)/2)

	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			break
		}

		units = append(units, u)
	}

	return string(utf16.Decode(units))
}
