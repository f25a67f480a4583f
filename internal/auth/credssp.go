// Package auth is the default NLA authenticator: CredSSP carrying NTLMv2,
// run by the client on the connection the transport has upgraded to TLS.
package auth

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

var (
	ErrUnsupportedProtocol = errors.New("auth: protocol not supported by CredSSP")
	ErrAcceptorUnsupported = errors.New("auth: CredSSP acceptor not supported")
	ErrNotTLS              = errors.New("auth: connection is not TLS")
	ErrNoToken             = errors.New("auth: no NTLM token from server")
	ErrPublicKeyMismatch   = errors.New("auth: server public key echo mismatch")
	ErrServerError         = errors.New("auth: server rejected credentials")
	ErrAccessDenied        = errors.New("auth: early user authorization denied")
)

// tlsConn is satisfied by *tls.Conn and the transport's buffered wrapper.
type tlsConn interface {
	ConnectionState() tls.ConnectionState
}

// CredSSP authenticates the client with a password over HYBRID and
// HYBRID_EX.
type CredSSP struct {
	Domain   string
	User     string
	Password string
}

// NewCredSSP splits DOMAIN\user and user@domain. domain is only used when
// username carries none.
func NewCredSSP(domain, username, password string) *CredSSP {
	if d, u, ok := strings.Cut(username, `\`); ok {
		return &CredSSP{Domain: d, User: u, Password: password}
	}

	if u, d, ok := strings.Cut(username, "@"); ok {
		return &CredSSP{Domain: d, User: u, Password: password}
	}

	return &CredSSP{Domain: domain, User: username, Password: password}
}

func (a *CredSSP) Authenticate(ctx context.Context, conn net.Conn, protocol pdu.NegotiationProtocol, server bool) error {
	if server {
		return ErrAcceptorUnsupported
	}

	if !protocol.UsesNLA() {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}

	pubKey, err := subjectPublicKey(conn)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	ntlm := &ntlmClient{domain: a.Domain, user: a.User, password: a.Password}

	if err := writeTSRequest(conn, &tsRequest{NegoTokens: negoTokens(ntlm.negotiate())}); err != nil {
		return fmt.Errorf("credssp negotiate: %w", err)
	}

	resp, err := readReply(conn)
	if err != nil {
		return fmt.Errorf("credssp challenge: %w", err)
	}

	if len(resp.NegoTokens) == 0 {
		return fmt.Errorf("credssp challenge: %w", ErrNoToken)
	}

	authMsg, s, err := ntlm.authenticate(resp.NegoTokens[0].Token)
	if err != nil {
		return fmt.Errorf("credssp challenge: %w", err)
	}

	req := &tsRequest{NegoTokens: negoTokens(authMsg), PubKeyAuth: s.Seal(pubKey)}
	if err := writeTSRequest(conn, req); err != nil {
		return fmt.Errorf("credssp authenticate: %w", err)
	}

	resp, err = readReply(conn)
	if err != nil {
		return fmt.Errorf("credssp public key: %w", err)
	}

	echo, err := s.Unseal(resp.PubKeyAuth)
	if err != nil {
		return fmt.Errorf("credssp public key: %w", err)
	}

	if !validEcho(echo, pubKey) {
		return ErrPublicKeyMismatch
	}

	creds, err := passwordCredentials(a.Domain, a.User, a.Password)
	if err != nil {
		return fmt.Errorf("credssp credentials: %w", err)
	}

	if err := writeTSRequest(conn, &tsRequest{AuthInfo: s.Seal(creds)}); err != nil {
		return fmt.Errorf("credssp credentials: %w", err)
	}

	if protocol == pdu.NegotiationProtocolHybridEx {
		var result [4]byte
		if _, err := io.ReadFull(conn, result[:]); err != nil {
			return fmt.Errorf("early user authorization: %w", err)
		}

		if code := binary.LittleEndian.Uint32(result[:]); code != 0 {
			return fmt.Errorf("%w: 0x%08x", ErrAccessDenied, code)
		}
	}

	logging.Debug("RDP: credssp: authenticated %q over %s", a.User, protocol)

	return nil
}

func readReply(r io.Reader) (*tsRequest, error) {
	resp, err := readTSRequest(r)
	if err != nil {
		return nil, err
	}

	if resp.ErrorCode != 0 {
		return nil, fmt.Errorf("%w: 0x%08x", ErrServerError, uint32(resp.ErrorCode))
	}

	return resp, nil
}

// subjectPublicKey is the SubjectPublicKey bit string of the server
// certificate, the value CredSSP binds to the TLS channel.
func subjectPublicKey(conn net.Conn) ([]byte, error) {
	tc, ok := conn.(tlsConn)
	if !ok {
		return nil, ErrNotTLS
	}

	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no peer certificate", ErrNotTLS)
	}

	return publicKeyBits(state.PeerCertificates[0].RawSubjectPublicKeyInfo)
}

func publicKeyBits(spkiDER []byte) ([]byte, error) {
	var spki struct {
		Algorithm asn1.RawValue
		PublicKey asn1.BitString
	}

	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, fmt.Errorf("subject public key: %w", err)
	}

	return spki.PublicKey.Bytes, nil
}

// validEcho checks the version 2 server reply: the public key with its
// first byte incremented.
func validEcho(echo, pubKey []byte) bool {
	if len(echo) != len(pubKey) || len(pubKey) == 0 {
		return false
	}

	return echo[0] == pubKey[0]+1 && bytes.Equal(echo[1:], pubKey[1:])
}
