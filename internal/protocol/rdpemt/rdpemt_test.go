package rdpemt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultitransportRequest(t *testing.T) {
	req := MultitransportRequest{RequestID: 0x11223344, RequestedProtocol: ProtocolUDPFECReliable}
	copy(req.SecurityCookie[:], "0123456789abcdef")

	wire := req.Serialize()
	require.Len(t, wire, 24)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11, 0x01, 0x00}, wire[:6])

	var decoded MultitransportRequest
	require.NoError(t, decoded.Deserialize(bytes.NewReader(wire)))
	assert.Equal(t, req, decoded)
	assert.True(t, decoded.IsReliable())
}

func TestMultitransportRequest_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"short", []byte{0x01, 0x00, 0x00}},
		{"no protocol", make([]byte, 24)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req MultitransportRequest
			assert.Error(t, req.Deserialize(bytes.NewReader(tt.input)))
		})
	}
}

func TestDeclineResponse(t *testing.T) {
	resp := NewDeclineResponse(7)
	assert.Equal(t, []byte{0x07, 0x00, 0x00, 0x00, 0x04, 0x40, 0x00, 0x80}, resp.Serialize())
	assert.False(t, resp.IsSuccess())

	var decoded MultitransportResponse
	require.NoError(t, decoded.Deserialize(bytes.NewReader(resp.Serialize())))
	assert.Equal(t, *resp, decoded)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "E_ABORT", HResultString(HResultAbort))
	assert.Equal(t, "0x00000001", HResultString(1))
	assert.Equal(t, "UDP-FEC-R|UDP-PREFERRED", ProtocolString(ProtocolUDPFECReliable|ProtocolUDPPreferred))
	assert.Equal(t, "None", ProtocolString(0))
}
