package mcs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainParameters_Serialize(t *testing.T) {
	testCases := []struct {
		name     string
		params   domainParameters
		expected []byte
	}{
		{
			name:   "client target",
			params: clientTargetParameters,
			expected: []byte{
				0x02, 0x01, 0x22,
				0x02, 0x01, 0x02,
				0x02, 0x01, 0x00,
				0x02, 0x01, 0x01,
				0x02, 0x01, 0x00,
				0x02, 0x01, 0x01,
				0x02, 0x02, 0xff, 0xff, // 65535 fits in two octets
				0x02, 0x01, 0x02,
			},
		},
		{
			name:   "client minimum",
			params: clientMinimumParameters,
			expected: []byte{
				0x02, 0x01, 0x01,
				0x02, 0x01, 0x01,
				0x02, 0x01, 0x01,
				0x02, 0x01, 0x01,
				0x02, 0x01, 0x00,
				0x02, 0x01, 0x01,
				0x02, 0x02, 0x04, 0x20,
				0x02, 0x01, 0x02,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.params.Serialize())
		})
	}
}

func TestDomainParameters_Deserialize(t *testing.T) {
	for _, params := range []domainParameters{
		clientTargetParameters,
		clientMinimumParameters,
		clientMaximumParameters,
		serverDomainParameters,
	} {
		var actual domainParameters
		require.NoError(t, actual.Deserialize(bytes.NewReader(params.Serialize())))
		require.Equal(t, params, actual)
	}
}

func TestDomainParameters_DeserializeTruncated(t *testing.T) {
	wire := serverDomainParameters.Serialize()

	// every cut short of the full sequence fails on one of the eight fields
	for n := 0; n < len(wire); n++ {
		var actual domainParameters
		require.Error(t, actual.Deserialize(bytes.NewReader(wire[:n])), "cut at %d", n)
	}
}

func TestResultString(t *testing.T) {
	tests := []struct {
		result   uint8
		expected string
	}{
		{RTSuccessful, "rt-successful"},
		{RTNoSuchChannel, "rt-no-such-channel"},
		{RTTooManyUsers, "rt-too-many-users"},
		{RTUserRejected, "rt-user-rejected"},
		{16, "rt-unknown(16)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, ResultString(tt.result))
		})
	}
}

func TestReasonString(t *testing.T) {
	require.Equal(t, "rn-provider-initiated", reasonString(RNProviderInitiated))
	require.Equal(t, "rn-user-requested", reasonString(RNUserRequested))
	require.Equal(t, "rn-unknown(7)", reasonString(7))
}
