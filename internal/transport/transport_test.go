package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/protocol/tpkt"
)

func pair(t *testing.T) (*TCP, *TCP) {
	t.Helper()

	ctx := context.Background()

	ln, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan *TCP, 1)

	go func() {
		peer, err := ln.Accept(ctx)
		if err == nil {
			accepted <- peer
		}
		close(accepted)
	}()

	addr := ln.Addr().(*net.TCPAddr)

	client, err := Dial(ctx, "127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client, server
}

func TestReadFrame(t *testing.T) {
	slow, err := tpkt.Frame([]byte{0x02, 0xf0, 0x80, 0x01})
	require.NoError(t, err)

	long := bytes.Repeat([]byte{0xab}, 300)
	longFrame := append([]byte{0x04, 0x80 | byte((len(long)+3)>>8), byte(len(long) + 3)}, long...)

	tests := []struct {
		name  string
		input []byte
		want  *Frame
		err   bool
	}{
		{
			name:  "tpkt",
			input: slow,
			want:  &Frame{Header: 0x03, Data: []byte{0x02, 0xf0, 0x80, 0x01}},
		},
		{
			name:  "fast-path short length",
			input: []byte{0x00, 0x05, 0x01, 0x02, 0x03},
			want:  &Frame{FastPath: true, Header: 0x00, Data: []byte{0x01, 0x02, 0x03}},
		},
		{
			name:  "fast-path long length",
			input: longFrame,
			want:  &Frame{FastPath: true, Header: 0x04, Data: long},
		},
		{name: "fast-path length under header", input: []byte{0x00, 0x01}, err: true},
		{name: "unknown action", input: []byte{0x01, 0x02}, err: true},
		{name: "truncated", input: []byte{0x03, 0x00, 0x00, 0x10, 0x02}, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ReadFrame(bufio.NewReader(bytes.NewReader(tt.input)))
			if tt.err {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, frame)
		})
	}
}

func TestTCP_PollAndReadPDU(t *testing.T) {
	client, server := pair(t)

	ready, err := server.Poll(20 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ready)

	frame, err := tpkt.Frame([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.WritePDU(frame))

	ready, err = server.Poll(time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	got, err := server.ReadPDU(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.False(t, got.FastPath)
	require.Equal(t, []byte("hello"), got.Data)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.ErrorIs(t, client.WritePDU(frame), ErrClosed)

	_, err = server.ReadPDU(time.Now().Add(time.Second))
	require.Error(t, err)
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "rdpconnect"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

type recordingAuthenticator struct {
	protocol     pdu.NegotiationProtocol
	server       bool
	certificates int
}

func (a *recordingAuthenticator) Authenticate(_ context.Context, conn net.Conn, protocol pdu.NegotiationProtocol, server bool) error {
	a.protocol, a.server = protocol, server

	if tc, ok := conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		a.certificates = len(tc.ConnectionState().PeerCertificates)
	}

	if server {
		_, err := conn.Write([]byte("ts"))
		return err
	}

	buf := make([]byte, 2)
	_, err := conn.Read(buf)

	return err
}

func TestTCP_StartTLSAndAuthenticate(t *testing.T) {
	client, server := pair(t)

	serverAuth := &recordingAuthenticator{}
	server.SetAuthenticator(serverAuth)

	errs := make(chan error, 1)

	go func() {
		if err := server.StartTLSServer(selfSignedTLS(t)); err != nil {
			errs <- err
			return
		}

		errs <- server.Authenticate(context.Background(), pdu.NegotiationProtocolHybrid)
	}()

	require.NoError(t, client.StartTLSClient("localhost", true))
	require.True(t, client.IsSecure())

	clientAuth := &recordingAuthenticator{}
	client.SetAuthenticator(clientAuth)
	require.NoError(t, client.Authenticate(context.Background(), pdu.NegotiationProtocolHybrid))

	require.NoError(t, <-errs)
	require.True(t, server.IsSecure())
	require.True(t, serverAuth.server)
	require.False(t, clientAuth.server)
	require.Equal(t, pdu.NegotiationProtocolHybrid, clientAuth.protocol)
	require.Equal(t, 1, clientAuth.certificates, "the peer certificate is visible through the buffered conn")

	frame, err := tpkt.Frame([]byte("secured"))
	require.NoError(t, err)
	require.NoError(t, client.WritePDU(frame))

	got, err := server.ReadPDU(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []byte("secured"), got.Data)
}

func TestTCP_AuthenticateWithoutAuthenticator(t *testing.T) {
	client, _ := pair(t)

	require.NoError(t, client.Authenticate(context.Background(), pdu.NegotiationProtocolSSL))
	require.ErrorIs(t, client.Authenticate(context.Background(), pdu.NegotiationProtocolRDSTLS), ErrNoAuthenticator)
}

func TestTCP_StartTLSServerNeedsCertificate(t *testing.T) {
	_, server := pair(t)

	require.Error(t, server.StartTLSServer(nil))
	require.Error(t, server.StartTLSServer(&tls.Config{}))
}

func TestListener_AcceptCanceled(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ln.Accept(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), "127.0.0.1", port, 200*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), strconv.Itoa(port))
}
