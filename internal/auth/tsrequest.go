package auth

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/codec"
	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

const (
	credSSPVersion = 2

	// TSCredentials credType for TSPasswordCreds.
	credTypePassword = 1

	maxTSRequestLen = 64 * 1024
)

var ErrMalformedRequest = errors.New("auth: malformed TSRequest")

// MS-CSSP 2.2.1 TSRequest.
type tsRequest struct {
	Version    int         `asn1:"explicit,tag:0"`
	NegoTokens []negoToken `asn1:"explicit,optional,tag:1"`
	AuthInfo   []byte      `asn1:"explicit,optional,tag:2"`
	PubKeyAuth []byte      `asn1:"explicit,optional,tag:3"`
	ErrorCode  int         `asn1:"explicit,optional,tag:4"`
}

type negoToken struct {
	Token []byte `asn1:"explicit,tag:0"`
}

type tsCredentials struct {
	CredType    int    `asn1:"explicit,tag:0"`
	Credentials []byte `asn1:"explicit,tag:1"`
}

type tsPasswordCreds struct {
	DomainName []byte `asn1:"explicit,tag:0"`
	UserName   []byte `asn1:"explicit,tag:1"`
	Password   []byte `asn1:"explicit,tag:2"`
}

func negoTokens(tokens ...[]byte) []negoToken {
	out := make([]negoToken, len(tokens))
	for i, t := range tokens {
		out[i] = negoToken{Token: t}
	}

	return out
}

func writeTSRequest(w io.Writer, req *tsRequest) error {
	if req.Version == 0 {
		req.Version = credSSPVersion
	}

	der, err := asn1.Marshal(*req)
	if err != nil {
		return fmt.Errorf("encode TSRequest: %w", err)
	}

	_, err = w.Write(der)

	return err
}

// readTSRequest reads exactly one DER TSRequest off r.
func readTSRequest(r io.Reader) (*tsRequest, error) {
	var raw bytes.Buffer

	length, err := encoding.BerReadSequence(io.TeeReader(r, &raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	if length > maxTSRequestLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedRequest, length)
	}

	if _, err := io.CopyN(&raw, r, int64(length)); err != nil {
		return nil, err
	}

	var req tsRequest

	rest, err := asn1.Unmarshal(raw.Bytes(), &req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedRequest, len(rest))
	}

	return &req, nil
}

// passwordCredentials is the DER TSCredentials for domain, user and
// password, always in UTF-16LE.
func passwordCredentials(domain, user, password string) ([]byte, error) {
	creds, err := asn1.Marshal(tsPasswordCreds{
		DomainName: codec.Encode(domain),
		UserName:   codec.Encode(user),
		Password:   codec.Encode(password),
	})
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(tsCredentials{CredType: credTypePassword, Credentials: creds})
}
