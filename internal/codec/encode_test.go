package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []byte
	}{
		{"ascii", "ABC", []byte{0x41, 0x00, 0x42, 0x00, 0x43, 0x00}},
		{"empty", "", nil},
		{"bmp", "日", []byte{0xe5, 0x65}},
		{"surrogate pair", "\U0001F600", []byte{0x3d, 0xd8, 0x00, 0xde}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := Encode(tt.input)
			if tt.expected == nil {
				assert.Empty(t, actual)
				return
			}

			assert.Equal(t, tt.expected, actual)
			assert.Equal(t, tt.input, Decode(actual))
		})
	}
}

func TestEncodeZ(t *testing.T) {
	assert.Equal(t, []byte{0x41, 0x00, 0x00, 0x00}, EncodeZ("A"))
}

func TestDecode(t *testing.T) {
	assert.Equal(t, "AB", Decode([]byte{0x41, 0x00, 0x42, 0x00, 0x00, 0x00, 0x43, 0x00}))
	assert.Equal(t, "A", Decode([]byte{0x41, 0x00, 0x42}))
	assert.Equal(t, "", Decode(nil))
}
