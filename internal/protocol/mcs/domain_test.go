package mcs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// Encodings from MS-RDPBCGR 4.1.5 to 4.1.9, without TPKT and X.224 headers.
func TestDomainPDU_Serialize(t *testing.T) {
	tests := []struct {
		name     string
		pdu      DomainPDU
		expected []byte
	}{
		{
			name: "erect domain request",
			pdu: DomainPDU{
				Application:              erectDomainRequest,
				ClientErectDomainRequest: &ClientErectDomainRequest{},
			},
			expected: []byte{0x04, 0x01, 0x00, 0x01, 0x00},
		},
		{
			name: "attach user request",
			pdu: DomainPDU{
				Application:             attachUserRequest,
				ClientAttachUserRequest: &ClientAttachUserRequest{},
			},
			expected: []byte{0x28},
		},
		{
			name: "attach user confirm",
			pdu: DomainPDU{
				Application:             attachUserConfirm,
				ServerAttachUserConfirm: &ServerAttachUserConfirm{Initiator: 1007},
			},
			expected: []byte{0x2e, 0x00, 0x00, 0x06},
		},
		{
			name: "channel join request",
			pdu: DomainPDU{
				Application:              channelJoinRequest,
				ClientChannelJoinRequest: &ClientChannelJoinRequest{Initiator: 1007, ChannelId: 1007},
			},
			expected: []byte{0x38, 0x00, 0x06, 0x03, 0xef},
		},
		{
			name: "channel join confirm",
			pdu: DomainPDU{
				Application: channelJoinConfirm,
				ServerChannelJoinConfirm: &ServerChannelJoinConfirm{
					Initiator: 1007, Requested: 1003, ChannelId: 1003,
				},
			},
			expected: []byte{0x3e, 0x00, 0x00, 0x06, 0x03, 0xeb, 0x03, 0xeb},
		},
		{
			name: "send data request",
			pdu: DomainPDU{
				Application: SendDataRequest,
				ClientSendDataRequest: &ClientSendDataRequest{sendData{
					Initiator: 1007, ChannelId: 1003, Data: []byte{0xaa, 0xbb},
				}},
			},
			expected: []byte{0x64, 0x00, 0x06, 0x03, 0xeb, 0x70, 0x02, 0xaa, 0xbb},
		},
		{
			name: "disconnect provider ultimatum",
			pdu: DomainPDU{
				Application:                 disconnectProviderUltimatum,
				DisconnectProviderUltimatum: &DisconnectProviderUltimatum{Reason: RNUserRequested},
			},
			expected: []byte{0x21, 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.pdu.Serialize())

			var actual DomainPDU
			require.NoError(t, actual.Deserialize(bytes.NewReader(tt.expected)))
			require.Equal(t, tt.pdu, actual)
		})
	}
}

func TestDomainPDU_DeserializeErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"unknown application", []byte{0x7c}, ErrUnknownDomainApplication},
		{"empty", []byte{}, nil},
		{"truncated confirm", []byte{0x3e, 0x00, 0x00}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var actual DomainPDU

			err := actual.Deserialize(bytes.NewReader(tt.input))
			require.Error(t, err)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDisconnectProviderUltimatum_Reasons(t *testing.T) {
	for reason := RNDomainDisconnected; reason <= RNChannelPurged; reason++ {
		pdu := DomainPDU{
			Application:                 disconnectProviderUltimatum,
			DisconnectProviderUltimatum: &DisconnectProviderUltimatum{Reason: reason},
		}

		var actual DomainPDU
		require.NoError(t, actual.Deserialize(bytes.NewReader(pdu.Serialize())))
		require.Equal(t, disconnectProviderUltimatum, actual.Application)
		require.Equal(t, reason, actual.DisconnectProviderUltimatum.Reason)
	}
}

func TestSendData_LongLength(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 300)

	pdu := DomainPDU{
		Application: SendDataIndication,
		ServerSendDataIndication: &ServerSendDataIndication{sendData{
			Initiator: 1002, ChannelId: 1003, Data: data,
		}},
	}

	wire := pdu.Serialize()
	require.Equal(t, []byte{0x68, 0x00, 0x01, 0x03, 0xeb, 0x70, 0x81, 0x2c}, wire[:8])

	var actual DomainPDU
	require.NoError(t, actual.Deserialize(bytes.NewReader(wire)))
	require.Equal(t, data, actual.ServerSendDataIndication.Data)
}
