package security

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"  // #nosec G502
	"crypto/hmac"
	"crypto/md5"  // #nosec G501
	"crypto/rc4"  // #nosec G503
	"crypto/sha1" // #nosec G505
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

const signatureLen = 8

var (
	ErrClosed           = errors.New("security: layer closed")
	ErrInvalidSignature = errors.New("security: invalid packet signature")
	ErrShortPacket      = errors.New("security: packet shorter than its security trailer")
)

var fipsIV = []byte{0x12, 0x34, 0x56, 0x78, 0x90, 0xab, 0xcd, 0xef}

// Layer signs, encrypts and decrypts the payloads that follow a basic
// security header once keys are established. It is not safe for
// concurrent use.
type Layer struct {
	keys *SessionKeys

	initialEncrypt []byte
	initialDecrypt []byte

	encrypt *rc4.Cipher
	decrypt *rc4.Cipher

	fipsEncrypt cipher.BlockMode
	fipsDecrypt cipher.BlockMode

	encryptCount         int
	decryptCount         int
	encryptChecksumCount uint32
	decryptChecksumCount uint32

	closed bool
}

// NewLayer provisions the ciphers for keys. The layer owns keys from then on.
func NewLayer(keys *SessionKeys) (*Layer, error) {
	l := &Layer{
		keys:           keys,
		initialEncrypt: append([]byte(nil), keys.EncryptKey...),
		initialDecrypt: append([]byte(nil), keys.DecryptKey...),
	}

	if keys.Method == EncryptionMethodFIPS {
		enc, err := des.NewTripleDESCipher(keys.FIPSEncrypt) // #nosec G405
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("fips encrypt cipher: %w", err)
		}

		dec, err := des.NewTripleDESCipher(keys.FIPSDecrypt) // #nosec G405
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("fips decrypt cipher: %w", err)
		}

		l.fipsEncrypt = cipher.NewCBCEncrypter(enc, fipsIV)
		l.fipsDecrypt = cipher.NewCBCDecrypter(dec, fipsIV)

		return l, nil
	}

	var err error

	if l.encrypt, err = rc4.NewCipher(keys.EncryptKey[:keys.KeyLen]); err != nil { // #nosec G405
		l.Close()
		return nil, fmt.Errorf("rc4 encrypt cipher: %w", err)
	}

	if l.decrypt, err = rc4.NewCipher(keys.DecryptKey[:keys.KeyLen]); err != nil { // #nosec G405
		l.Close()
		return nil, fmt.Errorf("rc4 decrypt cipher: %w", err)
	}

	return l, nil
}

func (l *Layer) Method() EncryptionMethod {
	return l.keys.Method
}

// TrailerLen is the number of bytes Encrypt adds before the payload.
func (l *Layer) TrailerLen() int {
	if l.keys.Method == EncryptionMethodFIPS {
		return 4 + signatureLen
	}

	return signatureLen
}

// Encrypt returns what follows the basic security header of an encrypted
// PDU: an optional FIPS header, the MAC signature and the ciphertext.
// saltedMAC selects the SEC_SECURE_CHECKSUM form.
func (l *Layer) Encrypt(data []byte, saltedMAC bool) ([]byte, error) {
	if l.closed {
		return nil, ErrClosed
	}

	if l.keys.Method == EncryptionMethodFIPS {
		return l.encryptFIPS(data), nil
	}

	if l.encryptCount >= keyUpdateInterval {
		if err := l.rekey(&l.keys.EncryptKey, l.initialEncrypt, &l.encrypt); err != nil {
			return nil, err
		}

		l.encryptCount = 0
	}

	out := make([]byte, signatureLen+len(data))
	copy(out, l.signature(data, saltedMAC, l.encryptChecksumCount))

	l.encrypt.XORKeyStream(out[signatureLen:], data)
	l.encryptCount++
	l.encryptChecksumCount++

	return out, nil
}

// Decrypt reverses Encrypt on a peer's body and returns the plaintext.
func (l *Layer) Decrypt(body []byte, saltedMAC bool) ([]byte, error) {
	if l.closed {
		return nil, ErrClosed
	}

	if l.keys.Method == EncryptionMethodFIPS {
		return l.decryptFIPS(body)
	}

	if len(body) < signatureLen {
		return nil, ErrShortPacket
	}

	if l.decryptCount >= keyUpdateInterval {
		if err := l.rekey(&l.keys.DecryptKey, l.initialDecrypt, &l.decrypt); err != nil {
			return nil, err
		}

		l.decryptCount = 0
	}

	plain := make([]byte, len(body)-signatureLen)
	l.decrypt.XORKeyStream(plain, body[signatureLen:])

	expected := l.signature(plain, saltedMAC, l.decryptChecksumCount)
	l.decryptCount++
	l.decryptChecksumCount++

	if !hmac.Equal(expected, body[:signatureLen]) {
		logging.Warn("RDP: security: invalid packet signature")
	}

	return plain, nil
}

func (l *Layer) rekey(key *[]byte, initial []byte, c **rc4.Cipher) error {
	logging.Debug("RDP: security: updating session key")

	next := updateKey(*key, initial, l.keys.KeyLen, l.keys.Method)
	clear(*key)
	*key = next

	updated, err := rc4.NewCipher(next[:l.keys.KeyLen]) // #nosec G405
	if err != nil {
		return fmt.Errorf("rc4 key update: %w", err)
	}

	*c = updated

	return nil
}

// signature is the MAC of MS-RDPBCGR 5.3.6.1, or 5.3.6.1.1 when salted.
func (l *Layer) signature(data []byte, salted bool, count uint32) []byte {
	key := l.keys.MACKey[:l.keys.KeyLen]

	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(data))) // #nosec G115

	sha := sha1.New() // #nosec G401
	sha.Write(key)
	sha.Write(pad1)
	sha.Write(length[:])
	sha.Write(data)

	if salted {
		var c [4]byte
		binary.LittleEndian.PutUint32(c[:], count)
		sha.Write(c[:])
	}

	sum := md5.New() // #nosec G401
	sum.Write(key)
	sum.Write(pad2)
	sum.Write(sha.Sum(nil))

	return sum.Sum(nil)[:signatureLen]
}

func (l *Layer) fipsSignature(data []byte, count int) []byte {
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], uint32(count)) // #nosec G115

	mac := hmac.New(sha1.New, l.keys.FIPSSign)
	mac.Write(data)
	mac.Write(c[:])

	return mac.Sum(nil)[:signatureLen]
}

func (l *Layer) encryptFIPS(data []byte) []byte {
	pad := (des.BlockSize - len(data)%des.BlockSize) % des.BlockSize

	padded := make([]byte, len(data)+pad)
	copy(padded, data)

	header := pdu.NewFIPSHeader(uint8(pad)) // #nosec G115

	buf := bytes.NewBuffer(make([]byte, 0, 4+signatureLen+len(padded)))
	buf.Write(header.Serialize())
	buf.Write(l.fipsSignature(data, l.encryptCount))

	l.fipsEncrypt.CryptBlocks(padded, padded)
	l.encryptCount++

	buf.Write(padded)

	return buf.Bytes()
}

func (l *Layer) decryptFIPS(body []byte) ([]byte, error) {
	if len(body) < 4+signatureLen {
		return nil, ErrShortPacket
	}

	var header pdu.FIPSHeader
	if err := header.Deserialize(bytes.NewReader(body[:4])); err != nil {
		return nil, err
	}

	sig := body[4 : 4+signatureLen]
	cipherText := body[4+signatureLen:]

	if len(cipherText)%des.BlockSize != 0 || int(header.Padlen) > len(cipherText) {
		return nil, fmt.Errorf("%w: fips payload %d bytes, pad %d", ErrShortPacket, len(cipherText), header.Padlen)
	}

	plain := make([]byte, len(cipherText))
	l.fipsDecrypt.CryptBlocks(plain, cipherText)
	plain = plain[:len(plain)-int(header.Padlen)]

	expected := l.fipsSignature(plain, l.decryptCount)
	l.decryptCount++

	if !hmac.Equal(expected, sig) {
		return nil, ErrInvalidSignature
	}

	return plain, nil
}

// Close zeroes every key and drops the ciphers.
func (l *Layer) Close() {
	if l.closed {
		return
	}

	l.closed = true
	l.keys.Zero()
	zero(l.initialEncrypt, l.initialDecrypt)

	l.encrypt, l.decrypt = nil, nil
	l.fipsEncrypt, l.fipsDecrypt = nil, nil
}
