package mcs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
)

// mockX224Conn records every PDU handed to Send.
type mockX224Conn struct {
	sendErr error
	sent    [][]byte
}

func (m *mockX224Conn) Send(pduData []byte) error {
	m.sent = append(m.sent, pduData)
	return m.sendErr
}

func (m *mockX224Conn) last() *bytes.Reader {
	return bytes.NewReader(m.sent[len(m.sent)-1])
}

func newPair() (*Protocol, *mockX224Conn, *Protocol, *mockX224Conn) {
	clientConn, serverConn := &mockX224Conn{}, &mockX224Conn{}

	return New(clientConn, false), clientConn, New(serverConn, true), serverConn
}

func TestProtocol_ConnectExchange(t *testing.T) {
	client, clientConn, server, serverConn := newPair()

	clientData := &gcc.ClientUserData{
		Core:     gcc.NewClientCoreData(1, 1024, 768, 16, "test"),
		Security: &gcc.ClientSecurityData{EncryptionMethods: 0x1b},
		Network:  &gcc.ClientNetworkData{Channels: []gcc.ChannelDefinition{gcc.NewChannelDefinition("rdpsnd", 0)}},
	}

	require.NoError(t, client.SendConnectInitial(clientData))

	received, err := server.RecvConnectInitial(clientConn.last())
	require.NoError(t, err)
	require.Equal(t, clientData, received)

	serverData := &gcc.ServerUserData{
		Core:     gcc.NewServerCoreData(1, 0),
		Security: &gcc.ServerSecurityData{},
		Network:  &gcc.ServerNetworkData{MCSChannelID: 1003, ChannelIDs: []uint16{1004}},
	}

	require.NoError(t, server.SendConnectResponse(serverData))

	answered, err := client.RecvConnectResponse(serverConn.last())
	require.NoError(t, err)
	require.Equal(t, serverData, answered)
}

func TestProtocol_RecvConnectResponse_Failure(t *testing.T) {
	client, _, _, _ := newPair()

	resp := ConnectPDU{
		Application:           connectResponse,
		ServerConnectResponse: &ServerConnectResponse{Result: RTUserRejected},
	}

	_, err := client.RecvConnectResponse(bytes.NewReader(resp.Serialize()))
	require.ErrorIs(t, err, ErrUnsuccessfulResult)
	require.Contains(t, err.Error(), "rt-user-rejected")

	_, err = client.RecvConnectResponse(bytes.NewReader((&ConnectPDU{
		Application:          connectInitial,
		ClientConnectInitial: NewClientMCSConnectInitial(nil),
	}).Serialize()))
	require.ErrorIs(t, err, ErrUnknownConnectApplication)
}

func TestProtocol_DomainSequence(t *testing.T) {
	client, clientConn, server, serverConn := newPair()

	require.NoError(t, client.SendErectDomainRequest())
	require.NoError(t, server.RecvErectDomainRequest(clientConn.last()))

	require.NoError(t, client.SendAttachUserRequest())
	require.NoError(t, server.RecvAttachUserRequest(clientConn.last()))

	require.NoError(t, server.SendAttachUserConfirm(1007))

	userID, err := client.RecvAttachUserConfirm(serverConn.last())
	require.NoError(t, err)
	require.Equal(t, uint16(1007), userID)
	require.Equal(t, uint16(1007), client.UserID)

	for _, channelID := range []uint16{1007, 1003, 1004} {
		require.NoError(t, client.SendChannelJoinRequest(channelID))

		requested, err := server.RecvChannelJoinRequest(clientConn.last())
		require.NoError(t, err)
		require.Equal(t, channelID, requested)

		require.NoError(t, server.SendChannelJoinConfirm(requested))

		confirmed, err := client.RecvChannelJoinConfirm(serverConn.last())
		require.NoError(t, err)
		require.Equal(t, channelID, confirmed)
	}
}

func TestProtocol_UnexpectedPDUs(t *testing.T) {
	_, _, server, _ := newPair()

	attach := (&DomainPDU{Application: attachUserRequest, ClientAttachUserRequest: &ClientAttachUserRequest{}}).Serialize()
	ultimatum := (&DomainPDU{
		Application:                 disconnectProviderUltimatum,
		DisconnectProviderUltimatum: &DisconnectProviderUltimatum{Reason: RNProviderInitiated},
	}).Serialize()

	err := server.RecvErectDomainRequest(bytes.NewReader(attach))
	require.ErrorIs(t, err, ErrUnexpectedApplication)

	err = server.RecvErectDomainRequest(bytes.NewReader(ultimatum))
	require.ErrorIs(t, err, ErrDisconnectUltimatum)
	require.Contains(t, err.Error(), "rn-provider-initiated")

	server.UserID = 1007
	join := (&DomainPDU{
		Application:              channelJoinRequest,
		ClientChannelJoinRequest: &ClientChannelJoinRequest{Initiator: 1008, ChannelId: 1003},
	}).Serialize()

	_, err = server.RecvChannelJoinRequest(bytes.NewReader(join))
	require.ErrorIs(t, err, ErrUnknownInitiator)
}

func TestProtocol_RecvConfirmFailures(t *testing.T) {
	client, _, _, _ := newPair()

	attach := (&DomainPDU{
		Application:             attachUserConfirm,
		ServerAttachUserConfirm: &ServerAttachUserConfirm{Result: RTTooManyUsers},
	}).Serialize()
	join := (&DomainPDU{
		Application:              channelJoinConfirm,
		ServerChannelJoinConfirm: &ServerChannelJoinConfirm{Result: RTNoSuchChannel, Requested: 1004},
	}).Serialize()

	_, err := client.RecvAttachUserConfirm(bytes.NewReader(attach))
	require.ErrorIs(t, err, ErrUnsuccessfulResult)

	_, err = client.RecvChannelJoinConfirm(bytes.NewReader(join))
	require.ErrorIs(t, err, ErrUnsuccessfulResult)
	require.Contains(t, err.Error(), "rt-no-such-channel")
}

func TestProtocol_SendData(t *testing.T) {
	client, clientConn, server, serverConn := newPair()
	client.UserID, server.UserID = 1007, 1007

	require.NoError(t, client.SendData(1003, []byte{0x01, 0x02}))
	require.Equal(t, byte(SendDataRequest)<<2, clientConn.sent[0][0])

	channelID, data, err := server.RecvData(clientConn.last())
	require.NoError(t, err)
	require.Equal(t, uint16(1003), channelID)
	require.Equal(t, []byte{0x01, 0x02}, data)

	require.NoError(t, server.SendData(1004, []byte{0x03}))
	require.Equal(t, byte(SendDataIndication)<<2, serverConn.sent[0][0])

	channelID, data, err = client.RecvData(serverConn.last())
	require.NoError(t, err)
	require.Equal(t, uint16(1004), channelID)
	require.Equal(t, []byte{0x03}, data)
}

func TestProtocol_RecvData_Errors(t *testing.T) {
	client, _, server, serverConn := newPair()

	require.NoError(t, server.SendDisconnectProviderUltimatum(RNUserRequested))
	require.Equal(t, []byte{0x21, 0x80}, serverConn.sent[0])

	_, _, err := client.RecvData(serverConn.last())
	require.ErrorIs(t, err, ErrDisconnectUltimatum)

	_, _, err = client.RecvData(bytes.NewReader([]byte{0x28}))
	require.ErrorIs(t, err, ErrUnexpectedApplication)
}

func TestProtocol_SendErrors(t *testing.T) {
	sendErr := errors.New("connection closed")

	p := New(&mockX224Conn{sendErr: sendErr}, false)

	tests := []struct {
		name string
		send func() error
	}{
		{"erect domain", p.SendErectDomainRequest},
		{"attach user", p.SendAttachUserRequest},
		{"channel join", func() error { return p.SendChannelJoinRequest(1003) }},
		{"send data", func() error { return p.SendData(1003, nil) }},
		{"ultimatum", func() error { return p.SendDisconnectProviderUltimatum(RNUserRequested) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.send(), sendErr)
		})
	}
}
