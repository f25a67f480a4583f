package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rc4"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/codec"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

var testServerChallenge = [8]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

// targetInfo is an AV_PAIR list with a NetBIOS domain and, optionally, a
// timestamp.
func targetInfo(withTimestamp bool) []byte {
	domain := codec.Encode("EXAMPLE")

	info := binary.LittleEndian.AppendUint16(nil, 0x0002)
	info = binary.LittleEndian.AppendUint16(info, uint16(len(domain)))
	info = append(info, domain...)

	if withTimestamp {
		info = binary.LittleEndian.AppendUint16(info, avTimestamp)
		info = binary.LittleEndian.AppendUint16(info, 8)
		info = append(info, fileTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))...)
	}

	return append(info, 0, 0, 0, 0)
}

func challengeMessage(flags negotiateFlag, info []byte) []byte {
	const infoOffset = 56

	msg := append([]byte(nil), ntlmSignature...)
	msg = binary.LittleEndian.AppendUint32(msg, challengeMessageType)
	msg = append(msg, 0, 0, 0, 0, infoOffset, 0, 0, 0) // empty target name
	msg = binary.LittleEndian.AppendUint32(msg, uint32(flags))
	msg = append(msg, testServerChallenge[:]...)
	msg = append(msg, make([]byte, 8)...)
	msg = binary.LittleEndian.AppendUint16(msg, uint16(len(info)))
	msg = binary.LittleEndian.AppendUint16(msg, uint16(len(info)))
	msg = binary.LittleEndian.AppendUint32(msg, infoOffset)
	msg = append(msg, ntlmVersion...)

	return append(msg, info...)
}

// securityBuffer returns field i of an AUTHENTICATE_MESSAGE payload.
func securityBuffer(msg []byte, i int) []byte {
	at := 12 + 8*i
	n := int(binary.LittleEndian.Uint16(msg[at:]))
	off := int(binary.LittleEndian.Uint32(msg[at+4:]))

	return msg[off : off+n]
}

// acceptor checks an NTLMv2 AUTHENTICATE_MESSAGE the way a server holding
// the password would and returns its side of the session security.
type acceptor struct {
	password  string
	negotiate []byte
	challenge []byte
}

var errBadProof = errors.New("NTProofStr mismatch")

func (a *acceptor) accept(msg []byte) (*sealer, error) {
	nt := securityBuffer(msg, 1)
	domain := codec.Decode(securityBuffer(msg, 2))
	user := codec.Decode(securityBuffer(msg, 3))

	respKey := ntowfv2(a.password, user, domain)

	proof := nt[:16]
	if !bytes.Equal(hmacMD5(respKey, testServerChallenge[:], nt[16:]), proof) {
		return nil, errBadProof
	}

	rc, err := rc4.NewCipher(hmacMD5(respKey, proof))
	if err != nil {
		return nil, err
	}

	exported := make([]byte, 16)
	rc.XORKeyStream(exported, securityBuffer(msg, 5))

	zeroed := bytes.Clone(msg)
	copy(zeroed[micOffset:micOffset+micLen], make([]byte, micLen))

	if mic := msg[micOffset : micOffset+micLen]; !bytes.Equal(mic, make([]byte, micLen)) {
		if !bytes.Equal(mic, hmacMD5(exported, a.negotiate, a.challenge, zeroed)) {
			return nil, errors.New("MIC mismatch")
		}
	}

	return newSealer(exported, true)
}

func TestNTOWFv2(t *testing.T) {
	// MS-NLMP 4.2.4.1.1
	assert.Equal(t, "0c868a403bfd7a93a3001ef22ef02e3f", hex.EncodeToString(ntowfv2("Password", "User", "Domain")))
	assert.Equal(t, ntowfv2("Password", "user", "Domain"), ntowfv2("Password", "USER", "Domain"))
	assert.NotEqual(t, ntowfv2("Password", "User", "domain"), ntowfv2("Password", "User", "Domain"))
}

func TestNewCredSSP(t *testing.T) {
	tests := []struct {
		name             string
		domain, username string
		wantDomain       string
		wantUser         string
	}{
		{"plain", "", "alice", "", "alice"},
		{"explicit domain", "EXAMPLE", "alice", "EXAMPLE", "alice"},
		{"down-level name", "IGNORED", `CORP\alice`, "CORP", "alice"},
		{"principal name", "", "alice@corp.example.test", "corp.example.test", "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewCredSSP(tt.domain, tt.username, "secret")

			assert.Equal(t, tt.wantDomain, a.Domain)
			assert.Equal(t, tt.wantUser, a.User)
			assert.Equal(t, "secret", a.Password)
		})
	}
}

func TestNegotiateMessage(t *testing.T) {
	n := &ntlmClient{}
	msg := n.negotiate()

	require.Len(t, msg, 40)
	assert.True(t, bytes.HasPrefix(msg, ntlmSignature))
	assert.Equal(t, negotiateMessageType, binary.LittleEndian.Uint32(msg[8:]))

	flags := negotiateFlag(binary.LittleEndian.Uint32(msg[12:]))
	assert.Equal(t, clientFlags, flags)
	assert.Equal(t, msg, n.negotiateMsg)
}

func TestParseChallenge(t *testing.T) {
	valid := challengeMessage(clientFlags|negotiateTargetInfo, targetInfo(true))

	t.Run("target info and timestamp", func(t *testing.T) {
		ch, err := parseChallenge(valid)
		require.NoError(t, err)

		assert.Equal(t, testServerChallenge, ch.serverChallenge)
		assert.Equal(t, targetInfo(true), ch.targetInfo)
		assert.Len(t, ch.timestamp, 8)
	})

	tests := []struct {
		name string
		data []byte
	}{
		{"short", valid[:20]},
		{"bad signature", append([]byte("NTLMSSQ\x00"), valid[8:]...)},
		{"negotiate instead of challenge", (&ntlmClient{}).negotiate()},
		{"no unicode", challengeMessage(clientFlags&^negotiateUnicode, targetInfo(false))},
		{"target info out of range", valid[:60]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChallenge(tt.data)
			assert.ErrorIs(t, err, ErrInvalidChallenge)
		})
	}
}

func TestWithMICProvided(t *testing.T) {
	t.Run("adds the flags pair", func(t *testing.T) {
		info := withMICProvided(targetInfo(true))

		flags := avPair(info, avFlags)
		require.Len(t, flags, 4)
		assert.Equal(t, avFlagMICProvided, binary.LittleEndian.Uint32(flags))
		assert.NotNil(t, avPair(info, avTimestamp))
	})

	t.Run("sets the bit in an existing pair", func(t *testing.T) {
		info := binary.LittleEndian.AppendUint16(nil, avFlags)
		info = binary.LittleEndian.AppendUint16(info, 4)
		info = binary.LittleEndian.AppendUint32(info, 0x1)
		info = append(info, 0, 0, 0, 0)

		out := withMICProvided(info)
		assert.Equal(t, uint32(0x3), binary.LittleEndian.Uint32(avPair(out, avFlags)))
		assert.Equal(t, uint32(0x1), binary.LittleEndian.Uint32(avPair(info, avFlags)), "input is not modified")
	})
}

func TestAuthenticateMessage(t *testing.T) {
	tests := []struct {
		name      string
		timestamp bool
		password  string
		wantMIC   bool
		wantErr   error
	}{
		{"server timestamp carries a MIC", true, "secret", true, nil},
		{"no timestamp", false, "secret", false, nil},
		{"wrong password", true, "guess", true, errBadProof},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &ntlmClient{domain: "EXAMPLE", user: "alice", password: tt.password}
			negotiate := client.negotiate()
			challenge := challengeMessage(clientFlags|negotiateTargetInfo, targetInfo(tt.timestamp))

			msg, clientSeal, err := client.authenticate(challenge)
			require.NoError(t, err)

			assert.Equal(t, authenticateMessageType, binary.LittleEndian.Uint32(msg[8:]))
			assert.Equal(t, "alice", codec.Decode(securityBuffer(msg, 3)))
			assert.Equal(t, "EXAMPLE", codec.Decode(securityBuffer(msg, 2)))

			mic := msg[micOffset : micOffset+micLen]
			assert.Equal(t, tt.wantMIC, !bytes.Equal(mic, make([]byte, micLen)))

			if tt.timestamp {
				assert.Equal(t, make([]byte, 24), securityBuffer(msg, 0), "LM response is zeroed with a MIC")
			}

			server := &acceptor{password: "secret", negotiate: negotiate, challenge: challenge}

			serverSeal, err := server.accept(msg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, err := serverSeal.Unseal(clientSeal.Seal([]byte("public key")))
			require.NoError(t, err)
			assert.Equal(t, []byte("public key"), got)

			got, err = clientSeal.Unseal(serverSeal.Seal([]byte("echo")))
			require.NoError(t, err)
			assert.Equal(t, []byte("echo"), got)
		})
	}
}

func TestSealer(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, 16)

	newPair := func(t *testing.T) (*sealer, *sealer) {
		client, err := newSealer(key, false)
		require.NoError(t, err)
		server, err := newSealer(key, true)
		require.NoError(t, err)

		return client, server
	}

	t.Run("sequence numbers advance", func(t *testing.T) {
		client, server := newPair(t)

		for _, msg := range []string{"one", "two", "three"} {
			token := client.Seal([]byte(msg))
			assert.NotContains(t, string(token), msg)

			got, err := server.Unseal(token)
			require.NoError(t, err)
			assert.Equal(t, msg, string(got))
		}

		assert.Equal(t, uint32(3), client.sendSeq)
		assert.Equal(t, uint32(3), server.recvSeq)
	})

	t.Run("tampered payload", func(t *testing.T) {
		client, server := newPair(t)

		token := client.Seal([]byte("credentials"))
		token[len(token)-1] ^= 0xff

		_, err := server.Unseal(token)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("short token", func(t *testing.T) {
		_, server := newPair(t)

		_, err := server.Unseal(make([]byte, 8))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("own direction is rejected", func(t *testing.T) {
		client, _ := newPair(t)

		_, err := client.Unseal(client.Seal([]byte("loop")))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestReadTSRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTSRequest(&buf, &tsRequest{NegoTokens: negoTokens([]byte("token")), PubKeyAuth: []byte{1, 2, 3}}))
	wire := buf.Bytes()

	t.Run("one request off a stream", func(t *testing.T) {
		r := bytes.NewReader(append(bytes.Clone(wire), 0xde, 0xad))

		req, err := readTSRequest(r)
		require.NoError(t, err)

		assert.Equal(t, credSSPVersion, req.Version)
		require.Len(t, req.NegoTokens, 1)
		assert.Equal(t, []byte("token"), req.NegoTokens[0].Token)
		assert.Equal(t, []byte{1, 2, 3}, req.PubKeyAuth)
		assert.Nil(t, req.AuthInfo)
		assert.Equal(t, 2, r.Len(), "bytes after the request stay unread")
	})

	t.Run("server error code", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeTSRequest(&buf, &tsRequest{ErrorCode: 0x6d}))

		_, err := readReply(&buf)
		assert.ErrorIs(t, err, ErrServerError)
	})

	t.Run("not a sequence", func(t *testing.T) {
		_, err := readTSRequest(bytes.NewReader([]byte{0x04, 0x01, 0x00}))
		assert.ErrorIs(t, err, ErrMalformedRequest)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := readTSRequest(bytes.NewReader(wire[:len(wire)-2]))
		assert.Error(t, err)
	})
}

func TestPasswordCredentials(t *testing.T) {
	der, err := passwordCredentials("EXAMPLE", "alice", "secret")
	require.NoError(t, err)

	var creds tsCredentials
	_, err = asn1.Unmarshal(der, &creds)
	require.NoError(t, err)
	assert.Equal(t, credTypePassword, creds.CredType)

	var password tsPasswordCreds
	_, err = asn1.Unmarshal(creds.Credentials, &password)
	require.NoError(t, err)

	assert.Equal(t, "EXAMPLE", codec.Decode(password.DomainName))
	assert.Equal(t, "alice", codec.Decode(password.UserName))
	assert.Equal(t, "secret", codec.Decode(password.Password))
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "rdp.example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type credSSPServer struct {
	cert     tls.Certificate
	password string
	badEcho  bool
	result   []byte // early user authorization, HYBRID_EX only
}

type received struct {
	domain, user, password string
}

// serve plays the CredSSP acceptor on raw.
func (s *credSSPServer) serve(raw net.Conn) (*received, error) {
	defer raw.Close()

	conn := tls.Server(raw, &tls.Config{Certificates: []tls.Certificate{s.cert}})

	pubKey, err := publicKeyBits(mustLeaf(s.cert).RawSubjectPublicKeyInfo)
	if err != nil {
		return nil, err
	}

	req, err := readTSRequest(conn)
	if err != nil {
		return nil, err
	}

	challenge := challengeMessage(clientFlags|negotiateTargetInfo, targetInfo(true))
	a := &acceptor{password: s.password, negotiate: req.NegoTokens[0].Token, challenge: challenge}

	if err := writeTSRequest(conn, &tsRequest{NegoTokens: negoTokens(challenge)}); err != nil {
		return nil, err
	}

	if req, err = readTSRequest(conn); err != nil {
		return nil, err
	}

	seal, err := a.accept(req.NegoTokens[0].Token)
	if err != nil {
		return nil, err
	}

	bound, err := seal.Unseal(req.PubKeyAuth)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(bound, pubKey) {
		return nil, errors.New("public key not bound")
	}

	echo := bytes.Clone(pubKey)
	if !s.badEcho {
		echo[0]++
	}

	if err := writeTSRequest(conn, &tsRequest{PubKeyAuth: seal.Seal(echo)}); err != nil {
		return nil, err
	}

	if req, err = readTSRequest(conn); err != nil {
		return nil, err
	}

	der, err := seal.Unseal(req.AuthInfo)
	if err != nil {
		return nil, err
	}

	var creds tsCredentials
	if _, err := asn1.Unmarshal(der, &creds); err != nil {
		return nil, err
	}

	var password tsPasswordCreds
	if _, err := asn1.Unmarshal(creds.Credentials, &password); err != nil {
		return nil, err
	}

	if s.result != nil {
		if _, err := conn.Write(s.result); err != nil {
			return nil, err
		}
	}

	return &received{
		domain:   codec.Decode(password.DomainName),
		user:     codec.Decode(password.UserName),
		password: codec.Decode(password.Password),
	}, nil
}

func mustLeaf(cert tls.Certificate) *x509.Certificate {
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		panic(err)
	}

	return leaf
}

func TestCredSSP_Authenticate(t *testing.T) {
	cert := selfSigned(t)

	tests := []struct {
		name      string
		protocol  pdu.NegotiationProtocol
		server    credSSPServer
		wantErr   error
		delivered bool
	}{
		{"hybrid", pdu.NegotiationProtocolHybrid, credSSPServer{password: "secret"}, nil, true},
		{"hybrid ex authorized", pdu.NegotiationProtocolHybridEx, credSSPServer{password: "secret", result: []byte{0, 0, 0, 0}}, nil, true},
		{"hybrid ex denied", pdu.NegotiationProtocolHybridEx, credSSPServer{password: "secret", result: []byte{0x05, 0, 0, 0}}, ErrAccessDenied, true},
		{"server echo is not incremented", pdu.NegotiationProtocolHybrid, credSSPServer{password: "secret", badEcho: true}, ErrPublicKeyMismatch, false},
		{"wrong password", pdu.NegotiationProtocolHybrid, credSSPServer{password: "other"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			type outcome struct {
				got *received
				err error
			}

			done := make(chan outcome, 1)

			srv := tt.server
			srv.cert = cert

			go func() {
				raw, err := ln.Accept()
				if err != nil {
					done <- outcome{err: err}
					return
				}

				got, err := srv.serve(raw)
				done <- outcome{got, err}
			}()

			clientRaw, err := net.Dial("tcp", ln.Addr().String())
			require.NoError(t, err)

			conn := tls.Client(clientRaw, &tls.Config{InsecureSkipVerify: true})
			defer conn.Close()
			require.NoError(t, conn.HandshakeContext(ctx))

			err = NewCredSSP("", `EXAMPLE\alice`, "secret").Authenticate(ctx, conn, tt.protocol, false)

			if !tt.delivered {
				_ = clientRaw.Close()
			}

			res := <-done

			switch {
			case !tt.delivered && tt.wantErr == nil:
				assert.Error(t, err)
				assert.ErrorIs(t, res.err, errBadProof)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.NoError(t, err)
			}

			if tt.delivered {
				require.NoError(t, res.err)
				assert.Equal(t, received{domain: "EXAMPLE", user: "alice", password: "secret"}, *res.got)
			}
		})
	}
}

func TestCredSSP_Rejects(t *testing.T) {
	a := NewCredSSP("", "alice", "secret")

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tests := []struct {
		name     string
		protocol pdu.NegotiationProtocol
		server   bool
		want     error
	}{
		{"acceptor", pdu.NegotiationProtocolHybrid, true, ErrAcceptorUnsupported},
		{"rdstls", pdu.NegotiationProtocolRDSTLS, false, ErrUnsupportedProtocol},
		{"aad", pdu.NegotiationProtocolRDSAAD, false, ErrUnsupportedProtocol},
		{"plain tcp", pdu.NegotiationProtocolHybrid, false, ErrNotTLS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authenticate(context.Background(), client, tt.protocol, tt.server)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidEcho(t *testing.T) {
	key := []byte{0x04, 0x10, 0x20}

	assert.True(t, validEcho([]byte{0x05, 0x10, 0x20}, key))
	assert.False(t, validEcho(key, key))
	assert.False(t, validEcho([]byte{0x05, 0x10}, key))
	assert.False(t, validEcho(nil, nil))
}
