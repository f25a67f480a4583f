package security

import (
	"crypto/md5"  // #nosec G501
	"crypto/rc4"  // #nosec G503
	"crypto/sha1" // #nosec G505
	"errors"
	"fmt"
	"math/bits"
)

const (
	RandomLength = 32

	keyUpdateInterval = 4096
)

var (
	ErrInvalidRandom = errors.New("security: client and server randoms must be 32 bytes")
	ErrMethod        = errors.New("security: unsupported encryption method")
)

var (
	pad1 = repeat(0x36, 40)
	pad2 = repeat(0x5c, 48)

	salt = [3]byte{0xd1, 0x26, 0x9e}
)

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}

	return out
}

// SessionKeys is the key material of one side of a connection. Encrypt
// protects outgoing traffic, Decrypt incoming.
type SessionKeys struct {
	Method EncryptionMethod
	KeyLen int

	MACKey     []byte
	EncryptKey []byte
	DecryptKey []byte

	FIPSEncrypt []byte
	FIPSDecrypt []byte
	FIPSSign    []byte
}

// saltedHash is SaltedHash(S, I, S1, S2) = MD5(S + SHA1(I + S + S1 + S2)).
func saltedHash(secret, input, salt1, salt2 []byte) []byte {
	sha := sha1.New() // #nosec G401
	sha.Write(input)
	sha.Write(secret)
	sha.Write(salt1)
	sha.Write(salt2)

	sum := md5.New() // #nosec G401
	sum.Write(secret)
	sum.Write(sha.Sum(nil))

	return sum.Sum(nil)
}

// tripleHash concatenates the salted hashes of "A", "BB", "CCC" (or whichever
// labels are given).
func tripleHash(secret, clientRandom, serverRandom []byte, labels ...string) []byte {
	out := make([]byte, 0, 48)
	for _, label := range labels {
		out = append(out, saltedHash(secret, []byte(label), clientRandom, serverRandom)...)
	}

	return out
}

func finalHash(key, clientRandom, serverRandom []byte) []byte {
	sum := md5.New() // #nosec G401
	sum.Write(key)
	sum.Write(clientRandom)
	sum.Write(serverRandom)

	return sum.Sum(nil)
}

// DeriveKeys derives the session keys for method (MS-RDPBCGR 5.3.5). The
// server's encrypt and decrypt keys are the client's swapped.
func DeriveKeys(clientRandom, serverRandom []byte, method EncryptionMethod, server bool) (*SessionKeys, error) {
	if len(clientRandom) != RandomLength || len(serverRandom) != RandomLength {
		return nil, ErrInvalidRandom
	}

	keys := &SessionKeys{Method: method}

	switch method {
	case EncryptionMethod40Bit, EncryptionMethod56Bit:
		keys.KeyLen = 8
	case EncryptionMethod128Bit, EncryptionMethodFIPS:
		keys.KeyLen = 16
	default:
		return nil, fmt.Errorf("%w: %s", ErrMethod, method)
	}

	if method == EncryptionMethodFIPS {
		keys.deriveFIPS(clientRandom, serverRandom, server)
	}

	preMaster := make([]byte, 0, 48)
	preMaster = append(preMaster, clientRandom[:24]...)
	preMaster = append(preMaster, serverRandom[:24]...)

	master := tripleHash(preMaster, clientRandom, serverRandom, "A", "BB", "CCC")
	blob := tripleHash(master, clientRandom, serverRandom, "X", "YY", "ZZZ")

	keys.MACKey = append([]byte(nil), blob[:16]...)

	first := finalHash(blob[16:32], clientRandom, serverRandom)
	second := finalHash(blob[32:48], clientRandom, serverRandom)

	if server {
		keys.EncryptKey, keys.DecryptKey = first, second
	} else {
		keys.DecryptKey, keys.EncryptKey = first, second
	}

	for _, key := range [][]byte{keys.MACKey, keys.EncryptKey, keys.DecryptKey} {
		applySalt(key, method)
	}

	zero(preMaster, master, blob)

	return keys, nil
}

func applySalt(key []byte, method EncryptionMethod) {
	switch method {
	case EncryptionMethod40Bit:
		copy(key, salt[:3])
	case EncryptionMethod56Bit:
		copy(key, salt[:1])
	}
}

func (k *SessionKeys) deriveFIPS(clientRandom, serverRandom []byte, server bool) {
	encryptT := fipsTemp(clientRandom[16:32], serverRandom[16:32])
	decryptT := fipsTemp(clientRandom[:16], serverRandom[:16])

	sign := sha1.New() // #nosec G401
	sign.Write(decryptT[:20])
	sign.Write(encryptT[:20])
	k.FIPSSign = sign.Sum(nil)

	if server {
		k.FIPSDecrypt, k.FIPSEncrypt = expandDESKey(encryptT), expandDESKey(decryptT)
	} else {
		k.FIPSEncrypt, k.FIPSDecrypt = expandDESKey(encryptT), expandDESKey(decryptT)
	}

	zero(encryptT, decryptT)
}

// fipsTemp is SHA1(a + b) extended to 21 bytes with its first byte.
func fipsTemp(a, b []byte) []byte {
	h := sha1.New() // #nosec G401
	h.Write(a)
	h.Write(b)

	sum := h.Sum(nil)

	return append(sum, sum[0])
}

// expandDESKey spreads 168 key bits over 24 bytes, seven bits per byte,
// and sets each byte's low bit for odd parity.
func expandDESKey(in []byte) []byte {
	var buf [21]byte
	for i := range buf {
		buf[i] = bits.Reverse8(in[i])
	}

	out := make([]byte, 24)

	for i, b := 0, 0; i < 24; i, b = i+1, b+7 {
		p, r := b/8, b%8

		c := buf[p] << r
		if r != 0 && p+1 < len(buf) {
			c |= buf[p+1] >> (8 - r)
		}

		out[i] = oddParity(bits.Reverse8(c & 0xfe))
	}

	return out
}

func oddParity(b byte) byte {
	b &= 0xfe
	if bits.OnesCount8(b)%2 == 0 {
		b |= 0x01
	}

	return b
}

// updateKey is the RC4 session key update of MS-RDPBCGR 5.3.7. It returns
// the new key; initial is the key derived at connection time.
func updateKey(current, initial []byte, keyLen int, method EncryptionMethod) []byte {
	sha := sha1.New() // #nosec G401
	sha.Write(initial[:keyLen])
	sha.Write(pad1)
	sha.Write(current[:keyLen])

	sum := md5.New() // #nosec G401
	sum.Write(initial[:keyLen])
	sum.Write(pad2)
	sum.Write(sha.Sum(nil))

	next := sum.Sum(nil)

	cipher, _ := rc4.NewCipher(next[:keyLen]) // #nosec G401
	cipher.XORKeyStream(next[:keyLen], next[:keyLen])

	applySalt(next, method)

	return next
}

func zero(buffers ...[]byte) {
	for _, b := range buffers {
		clear(b)
	}
}

// Zero wipes every key buffer.
func (k *SessionKeys) Zero() {
	zero(k.MACKey, k.EncryptKey, k.DecryptKey, k.FIPSEncrypt, k.FIPSDecrypt, k.FIPSSign)
}
