package security

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/zmap/zcrypto/x509"
)

const (
	certChainVersion1 = 0x00000001
	certChainVersion2 = 0x00000002
	certTemporaryFlag = 0x80000000

	signatureAlgRSA   = 0x00000001
	keyExchangeAlgRSA = 0x00000001

	blobTypeRSAKey       = 0x0006
	blobTypeRSASignature = 0x0008

	rsa1Magic = 0x31415352

	signatureBlobLen = 72

	maxCertBlobs = 64
)

var (
	ErrCertificateVersion = errors.New("security: unknown server certificate version")
	ErrCertificateFormat  = errors.New("security: malformed server certificate")
	ErrCertificateKey     = errors.New("security: server certificate key is not RSA")
)

// ParseCertificate extracts the RSA public key from a server certificate,
// either proprietary or an X.509 chain whose last element is the server's
// (MS-RDPBCGR 2.2.1.4.3.1). Signatures are not verified.
func ParseCertificate(raw []byte) (*rsa.PublicKey, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCertificateFormat, len(raw))
	}

	r := bytes.NewReader(raw)

	var version uint32
	_ = binary.Read(r, binary.LittleEndian, &version)

	switch version &^ certTemporaryFlag {
	case certChainVersion1:
		return parseProprietary(r)
	case certChainVersion2:
		return parseX509Chain(r)
	}

	return nil, fmt.Errorf("%w: 0x%08x", ErrCertificateVersion, version)
}

type proprietaryHeader struct {
	SigAlgID          uint32
	KeyAlgID          uint32
	PublicKeyBlobType uint16
	PublicKeyBlobLen  uint16
}

type rsaKeyHeader struct {
	Magic   uint32
	KeyLen  uint32
	BitLen  uint32
	DataLen uint32
	PubExp  uint32
}

func parseProprietary(r *bytes.Reader) (*rsa.PublicKey, error) {
	var header proprietaryHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateFormat, err)
	}

	if header.SigAlgID != signatureAlgRSA || header.KeyAlgID != keyExchangeAlgRSA {
		return nil, fmt.Errorf("%w: algorithms %d/%d", ErrCertificateKey, header.SigAlgID, header.KeyAlgID)
	}

	if header.PublicKeyBlobType != blobTypeRSAKey {
		return nil, fmt.Errorf("%w: public key blob type 0x%04x", ErrCertificateFormat, header.PublicKeyBlobType)
	}

	var key rsaKeyHeader
	if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateFormat, err)
	}

	if key.Magic != rsa1Magic || key.KeyLen < rsaPadding || int(key.KeyLen)+20 != int(header.PublicKeyBlobLen) {
		return nil, fmt.Errorf("%w: rsa key blob", ErrCertificateFormat)
	}

	modulus := make([]byte, key.KeyLen)
	if _, err := io.ReadFull(r, modulus); err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrCertificateFormat, err)
	}

	var sigType, sigLen uint16
	if err := binary.Read(r, binary.LittleEndian, &sigType); err != nil {
		return nil, fmt.Errorf("%w: signature blob: %v", ErrCertificateFormat, err)
	}

	if err := binary.Read(r, binary.LittleEndian, &sigLen); err != nil {
		return nil, fmt.Errorf("%w: signature blob: %v", ErrCertificateFormat, err)
	}

	if sigType != blobTypeRSASignature || int(sigLen) > r.Len() {
		return nil, fmt.Errorf("%w: signature blob", ErrCertificateFormat)
	}

	n := new(big.Int).SetBytes(reverse(modulus[:key.KeyLen-rsaPadding]))
	if n.BitLen() == 0 {
		return nil, fmt.Errorf("%w: empty modulus", ErrCertificateFormat)
	}

	return &rsa.PublicKey{N: n, E: int(key.PubExp)}, nil
}

func parseX509Chain(r *bytes.Reader) (*rsa.PublicKey, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateFormat, err)
	}

	if count == 0 || count > maxCertBlobs {
		return nil, fmt.Errorf("%w: %d certificates", ErrCertificateFormat, count)
	}

	var leaf []byte

	for i := uint32(0); i < count; i++ {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificateFormat, err)
		}

		if int64(length) > int64(r.Len()) {
			return nil, fmt.Errorf("%w: certificate %d length %d", ErrCertificateFormat, i, length)
		}

		leaf = make([]byte, length)
		_, _ = io.ReadFull(r, leaf)
	}

	cert, err := x509.ParseCertificate(leaf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateFormat, err)
	}

	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrCertificateKey
	}

	return key, nil
}

// NewProprietaryCertificate encodes pub as a proprietary server certificate.
// The signature blob is zero filled.
func NewProprietaryCertificate(pub *rsa.PublicKey) []byte {
	size := (pub.N.BitLen() + 7) / 8
	keyLen := size + rsaPadding

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint32(certChainVersion1))
	_ = binary.Write(buf, binary.LittleEndian, proprietaryHeader{
		SigAlgID:          signatureAlgRSA,
		KeyAlgID:          keyExchangeAlgRSA,
		PublicKeyBlobType: blobTypeRSAKey,
		PublicKeyBlobLen:  uint16(keyLen + 20), // #nosec G115
	})
	_ = binary.Write(buf, binary.LittleEndian, rsaKeyHeader{ // #nosec G115
		Magic:   rsa1Magic,
		KeyLen:  uint32(keyLen),
		BitLen:  uint32(pub.N.BitLen()),
		DataLen: uint32(size - 1),
		PubExp:  uint32(pub.E),
	})

	buf.Write(littleEndian(pub.N, size))
	buf.Write(make([]byte, rsaPadding))

	_ = binary.Write(buf, binary.LittleEndian, uint16(blobTypeRSASignature))
	_ = binary.Write(buf, binary.LittleEndian, uint16(signatureBlobLen))
	buf.Write(make([]byte, signatureBlobLen))

	return buf.Bytes()
}
