package mcs

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientConnectInitial_Serialize(t *testing.T) {
	pdu := ConnectPDU{
		Application:          connectInitial,
		ClientConnectInitial: NewClientMCSConnectInitial([]byte{0x01, 0x02}),
	}

	actual := pdu.Serialize()

	// MS-RDPBCGR 4.1.3: application tag, selectors, upward flag and target parameters
	require.Equal(t, []byte{
		0x7f, 0x65, 0x61,
		0x04, 0x01, 0x01, 0x04, 0x01, 0x01, 0x01, 0x01, 0xff,
		0x30, 0x19, 0x02, 0x01, 0x22, 0x02, 0x01, 0x02, 0x02, 0x01, 0x00, 0x02, 0x01, 0x01,
		0x02, 0x01, 0x00, 0x02, 0x01, 0x01, 0x02, 0x02, 0xff, 0xff, 0x02, 0x01, 0x02,
	}, actual[:39])
	require.Equal(t, []byte{0x04, 0x02, 0x01, 0x02}, actual[len(actual)-4:])
}

func TestConnectPDU_RoundTrip(t *testing.T) {
	userData := bytes.Repeat([]byte{0x33}, 400)

	tests := []struct {
		name string
		pdu  ConnectPDU
	}{
		{
			name: "connect initial",
			pdu: ConnectPDU{
				Application:          connectInitial,
				ClientConnectInitial: NewClientMCSConnectInitial(userData),
			},
		},
		{
			name: "connect response",
			pdu: ConnectPDU{
				Application:           connectResponse,
				ServerConnectResponse: NewServerMCSConnectResponse(userData),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var actual ConnectPDU
			require.NoError(t, actual.Deserialize(bytes.NewReader(tt.pdu.Serialize())))
			require.Equal(t, tt.pdu, actual)
		})
	}
}

func TestConnectPDU_DeserializeErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty input", []byte{}, io.EOF},
		{"truncated application tag", []byte{0x7f}, io.EOF},
		{"unknown application", []byte{0x7f, 0x67, 0x00}, ErrUnknownConnectApplication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pdu ConnectPDU
			require.ErrorIs(t, pdu.Deserialize(bytes.NewReader(tt.input)), tt.wantErr)
		})
	}
}

func TestServerConnectResponse_DeserializeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty input", []byte{}},
		{"truncated result", []byte{0x0a}},
		{"truncated calledConnectId", []byte{0x0a, 0x01, 0x00}},
		{"bad sequence tag", []byte{0x0a, 0x01, 0x00, 0x02, 0x01, 0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pdu ServerConnectResponse
			require.Error(t, pdu.Deserialize(bytes.NewReader(tt.input)))
		})
	}
}
