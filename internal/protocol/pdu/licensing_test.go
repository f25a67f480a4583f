package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// validClientLicense from MS-RDPBCGR Protocol examples 4.1.12, without the
// security header.
var validClientLicense = []byte{
	0xff, 0x03, 0x10, 0x00, 0x07, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00,
	0x04, 0x00, 0x00, 0x00,
}

func TestLicensePDU_SerializeValidClient(t *testing.T) {
	require.Equal(t, validClientLicense, NewValidClientLicense().Serialize())
}

func TestLicensePDU_Deserialize(t *testing.T) {
	tests := []struct {
		name        string
		input       []byte
		msgType     LicenseMsgType
		validClient bool
		body        []byte
		wantErr     error
	}{
		{
			name:        "valid client",
			input:       validClientLicense,
			msgType:     LicenseMsgErrorAlert,
			validClient: true,
		},
		{
			name:    "error alert with abort",
			input:   NewLicenseErrorAlert(LicenseErrInvalidClient, LicenseStateTotalAbort).Serialize(),
			msgType: LicenseMsgErrorAlert,
		},
		{
			name:    "license request kept raw",
			input:   []byte{0x01, 0x03, 0x07, 0x00, 0xaa, 0xbb, 0xcc},
			msgType: LicenseMsgLicenseRequest,
			body:    []byte{0xaa, 0xbb, 0xcc},
		},
		{
			name:    "size below preamble",
			input:   []byte{0x01, 0x03, 0x02, 0x00},
			wantErr: ErrInvalidLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pdu LicensePDU

			err := pdu.Deserialize(bytes.NewReader(tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.msgType, pdu.Preamble.MsgType)

			if tt.msgType == LicenseMsgErrorAlert {
				require.Equal(t, tt.validClient, pdu.ErrorMessage.IsValidClient())
				return
			}

			require.Nil(t, pdu.ErrorMessage)
			require.Equal(t, tt.body, pdu.Body)
		})
	}
}

func TestLicensingBinaryBlob_Truncated(t *testing.T) {
	var blob LicensingBinaryBlob
	require.Error(t, blob.Deserialize(bytes.NewReader([]byte{0x02, 0x00, 0x04, 0x00, 0xde})))
}

func TestLicenseMsgType_String(t *testing.T) {
	require.Equal(t, "NEW_LICENSE", LicenseMsgNewLicense.String())
	require.Equal(t, "LICENSE_MSG(0x77)", LicenseMsgType(0x77).String())
}
