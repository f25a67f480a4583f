package pdu

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorInfoPDUData_Deserialize(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint32
		wantErr  error
	}{
		{"logoff", []byte{0x02, 0x00, 0x00, 0x00}, 0x00000002, nil},
		{"license internal", []byte{0x00, 0x01, 0x00, 0x00}, 0x00000100, nil},
		{"empty", []byte{}, 0, io.EOF},
		{"short", []byte{0x01, 0x00}, 0, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pdu ErrorInfoPDUData

			err := pdu.Deserialize(bytes.NewReader(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expected, pdu.ErrorInfo)
		})
	}
}

func TestErrorInfoName(t *testing.T) {
	require.Equal(t, "ERRINFO_NONE", ErrorInfoName(ErrorInfoNone))
	require.Equal(t, "ERRINFO_SERVER_DENIED_CONNECTION", ErrorInfoName(0x07))
	require.Equal(t, "ERRINFO_DECRYPTFAILED", (&ErrorInfoPDUData{ErrorInfo: 0x1192}).String())
	require.Contains(t, ErrorInfoName(0xFFFFFFFF), "unknown code")
}
