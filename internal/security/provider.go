package security

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
)

// Provider is the default key establishment collaborator. A nil Rand uses
// crypto/rand.
type Provider struct {
	Rand io.Reader
}

func (p Provider) reader() io.Reader {
	if p.Rand == nil {
		return rand.Reader
	}

	return p.Rand
}

// Random returns n random bytes.
func (p Provider) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(p.reader(), b); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}

	return b, nil
}

func (Provider) PublicEncrypt(data []byte, pub *rsa.PublicKey) ([]byte, error) {
	return PublicEncrypt(data, pub)
}

func (Provider) PrivateDecrypt(data []byte, priv *rsa.PrivateKey) ([]byte, error) {
	return PrivateDecrypt(data, priv)
}

func (Provider) ParseCertificate(raw []byte) (*rsa.PublicKey, error) {
	return ParseCertificate(raw)
}

// EstablishKeys derives the session keys and returns a ready layer. Nothing
// is kept when it fails.
func (Provider) EstablishKeys(clientRandom, serverRandom []byte, method EncryptionMethod, server bool) (*Layer, error) {
	keys, err := DeriveKeys(clientRandom, serverRandom, method, server)
	if err != nil {
		return nil, err
	}

	layer, err := NewLayer(keys)
	if err != nil {
		keys.Zero()
		return nil, err
	}

	return layer, nil
}
