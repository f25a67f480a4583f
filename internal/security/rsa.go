package security

import (
	"crypto/rsa"
	"errors"
	"math/big"
)

var ErrRSAInput = errors.New("security: rsa input does not fit the modulus")

// rsa padding bytes that follow the encrypted client random
const rsaPadding = 8

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}

	return out
}

// littleEndian encodes n as a little-endian value of exactly size bytes.
func littleEndian(n *big.Int, size int) []byte {
	return reverse(n.FillBytes(make([]byte, size)))
}

// PublicEncrypt is the unpadded little-endian RSA operation used for the
// client random (MS-RDPBCGR 5.3.4.1). The result is the modulus length
// plus eight zero bytes.
func PublicEncrypt(data []byte, pub *rsa.PublicKey) ([]byte, error) {
	size := (pub.N.BitLen() + 7) / 8

	m := new(big.Int).SetBytes(reverse(data))
	if m.Cmp(pub.N) >= 0 {
		return nil, ErrRSAInput
	}

	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)

	return append(littleEndian(c, size), make([]byte, rsaPadding)...), nil
}

// PrivateDecrypt undoes PublicEncrypt. Trailing padding is ignored and the
// result is RandomLength bytes.
func PrivateDecrypt(data []byte, priv *rsa.PrivateKey) ([]byte, error) {
	size := (priv.N.BitLen() + 7) / 8
	if len(data) < size {
		return nil, ErrRSAInput
	}

	c := new(big.Int).SetBytes(reverse(data[:size]))
	if c.Cmp(priv.N) >= 0 {
		return nil, ErrRSAInput
	}

	m := new(big.Int).Exp(c, priv.D, priv.N)

	out := littleEndian(m, size)
	if size > RandomLength {
		out = out[:RandomLength]
	}

	return out, nil
}
