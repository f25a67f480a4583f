package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/md4" //nolint:staticcheck // NTOWFv2 is defined over MD4

	"github.com/rcarmo/rdpconnect/internal/codec"
)

type negotiateFlag uint32

// MS-NLMP 2.2.2.5 negotiate flags.
const (
	negotiateUnicode                 negotiateFlag = 0x00000001
	requestTarget                    negotiateFlag = 0x00000004
	negotiateSign                    negotiateFlag = 0x00000010
	negotiateSeal                    negotiateFlag = 0x00000020
	negotiateNTLM                    negotiateFlag = 0x00000200
	negotiateAlwaysSign              negotiateFlag = 0x00008000
	negotiateExtendedSessionSecurity negotiateFlag = 0x00080000
	negotiateTargetInfo              negotiateFlag = 0x00800000
	negotiateVersion                 negotiateFlag = 0x02000000
	negotiate128                     negotiateFlag = 0x20000000
	negotiateKeyExch                 negotiateFlag = 0x40000000

	clientFlags = negotiateKeyExch | negotiate128 | negotiateExtendedSessionSecurity |
		negotiateAlwaysSign | negotiateNTLM | negotiateSeal | negotiateSign |
		requestTarget | negotiateUnicode | negotiateVersion
)

const (
	negotiateMessageType    uint32 = 1
	challengeMessageType    uint32 = 2
	authenticateMessageType uint32 = 3

	avEOL       uint16 = 0x0000
	avFlags     uint16 = 0x0006
	avTimestamp uint16 = 0x0007

	avFlagMICProvided uint32 = 0x00000002

	challengeHeaderLen    = 48
	authenticateHeaderLen = 88
	micOffset             = 72
	micLen                = 16
	signatureLen          = 16
)

var (
	ntlmSignature = []byte("NTLMSSP\x00")

	// Windows 6.1 build 0, NTLMSSP_REVISION_W2K3
	ntlmVersion = []byte{0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0F}

	ErrInvalidChallenge = errors.New("auth: invalid NTLM challenge")
	ErrInvalidSignature = errors.New("auth: invalid NTLM message signature")
)

type challenge struct {
	flags           negotiateFlag
	serverChallenge [8]byte
	targetInfo      []byte
	timestamp       []byte
	raw             []byte
}

func parseChallenge(data []byte) (*challenge, error) {
	if len(data) < challengeHeaderLen || !bytes.HasPrefix(data, ntlmSignature) {
		return nil, ErrInvalidChallenge
	}

	if kind := binary.LittleEndian.Uint32(data[8:]); kind != challengeMessageType {
		return nil, fmt.Errorf("%w: message type %d", ErrInvalidChallenge, kind)
	}

	ch := &challenge{
		flags: negotiateFlag(binary.LittleEndian.Uint32(data[20:])),
		raw:   bytes.Clone(data),
	}
	copy(ch.serverChallenge[:], data[24:32])

	if ch.flags&negotiateUnicode == 0 {
		return nil, fmt.Errorf("%w: server refused unicode", ErrInvalidChallenge)
	}

	infoLen := int(binary.LittleEndian.Uint16(data[40:]))
	infoOffset := int(binary.LittleEndian.Uint32(data[44:]))

	if infoLen > 0 {
		if infoOffset+infoLen > len(data) {
			return nil, fmt.Errorf("%w: target info out of range", ErrInvalidChallenge)
		}

		ch.targetInfo = ch.raw[infoOffset : infoOffset+infoLen]
		ch.timestamp = avPair(ch.targetInfo, avTimestamp)
	}

	return ch, nil
}

// avPair returns the value of the first AV_PAIR with id.
func avPair(info []byte, id uint16) []byte {
	for off := 0; off+4 <= len(info); {
		pairID := binary.LittleEndian.Uint16(info[off:])
		pairLen := int(binary.LittleEndian.Uint16(info[off+2:]))
		off += 4

		if pairID == avEOL || off+pairLen > len(info) {
			return nil
		}

		if pairID == id {
			return info[off : off+pairLen]
		}

		off += pairLen
	}

	return nil
}

// withMICProvided sets MIC_PROVIDED in MsvAvFlags, adding the pair ahead of
// MsvAvEOL when the server sent none.
func withMICProvided(info []byte) []byte {
	out := bytes.Clone(info)

	for off := 0; off+4 <= len(out); {
		pairID := binary.LittleEndian.Uint16(out[off:])
		pairLen := int(binary.LittleEndian.Uint16(out[off+2:]))

		switch {
		case pairID == avFlags && pairLen == 4 && off+8 <= len(out):
			flags := binary.LittleEndian.Uint32(out[off+4:])
			binary.LittleEndian.PutUint32(out[off+4:], flags|avFlagMICProvided)

			return out
		case pairID == avEOL:
			pair := binary.LittleEndian.AppendUint16(nil, avFlags)
			pair = binary.LittleEndian.AppendUint16(pair, 4)
			pair = binary.LittleEndian.AppendUint32(pair, avFlagMICProvided)

			return append(out[:off], append(pair, info[off:]...)...)
		}

		off += 4 + pairLen
	}

	return out
}

// ntlmClient is one NTLMv2 exchange for the initiator.
type ntlmClient struct {
	domain   string
	user     string
	password string

	negotiateMsg []byte
}

func (n *ntlmClient) negotiate() []byte {
	msg := make([]byte, 0, 40)
	msg = append(msg, ntlmSignature...)
	msg = binary.LittleEndian.AppendUint32(msg, negotiateMessageType)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(clientFlags))
	// empty domain and workstation fields
	msg = append(msg, make([]byte, 16)...)
	msg = append(msg, ntlmVersion...)

	n.negotiateMsg = msg

	return msg
}

// authenticate answers the server challenge. The sealer protects the
// CredSSP public key echo and credentials that follow.
func (n *ntlmClient) authenticate(data []byte) ([]byte, *sealer, error) {
	ch, err := parseChallenge(data)
	if err != nil {
		return nil, nil, err
	}

	timestamp := ch.timestamp
	targetInfo := ch.targetInfo

	withMIC := timestamp != nil
	if withMIC {
		targetInfo = withMICProvided(targetInfo)
	} else {
		timestamp = fileTime(time.Now())
	}

	clientChallenge, err := randomBytes(8)
	if err != nil {
		return nil, nil, err
	}

	exportedKey, err := randomBytes(16)
	if err != nil {
		return nil, nil, err
	}

	respKey := ntowfv2(n.password, n.user, n.domain)
	nt, lm, baseKey := responsesV2(respKey, ch.serverChallenge[:], clientChallenge, timestamp, targetInfo)

	if withMIC {
		lm = make([]byte, 24)
	}

	rc, err := rc4.NewCipher(baseKey)
	if err != nil {
		return nil, nil, err
	}

	encryptedKey := make([]byte, len(exportedKey))
	rc.XORKeyStream(encryptedKey, exportedKey)

	msg := authenticateMessage(ch.flags, codec.Encode(n.domain), codec.Encode(n.user), lm, nt, encryptedKey)

	if withMIC {
		copy(msg[micOffset:micOffset+micLen], hmacMD5(exportedKey, n.negotiateMsg, ch.raw, msg))
	}

	s, err := newSealer(exportedKey, false)
	if err != nil {
		return nil, nil, err
	}

	return msg, s, nil
}

func responsesV2(respKey, serverChallenge, clientChallenge, timestamp, targetInfo []byte) (nt, lm, baseKey []byte) {
	blob := make([]byte, 0, 32+len(targetInfo))
	blob = append(blob, 0x01, 0x01, 0, 0, 0, 0, 0, 0)
	blob = append(blob, timestamp...)
	blob = append(blob, clientChallenge...)
	blob = append(blob, 0, 0, 0, 0)
	blob = append(blob, targetInfo...)
	blob = append(blob, 0, 0, 0, 0)

	proof := hmacMD5(respKey, serverChallenge, blob)

	nt = append(bytes.Clone(proof), blob...)
	lm = append(hmacMD5(respKey, serverChallenge, clientChallenge), clientChallenge...)
	baseKey = hmacMD5(respKey, proof)

	return nt, lm, baseKey
}

func authenticateMessage(flags negotiateFlag, domain, user, lm, nt, sessionKey []byte) []byte {
	// LM, NT, domain, user, workstation, encrypted session key
	payloads := [][]byte{lm, nt, domain, user, nil, sessionKey}

	msg := make([]byte, 0, authenticateHeaderLen+len(lm)+len(nt)+len(domain)+len(user)+len(sessionKey))
	msg = append(msg, ntlmSignature...)
	msg = binary.LittleEndian.AppendUint32(msg, authenticateMessageType)

	offset := authenticateHeaderLen
	for _, p := range payloads {
		msg = binary.LittleEndian.AppendUint16(msg, uint16(len(p)))
		msg = binary.LittleEndian.AppendUint16(msg, uint16(len(p)))
		msg = binary.LittleEndian.AppendUint32(msg, uint32(offset))
		offset += len(p)
	}

	msg = binary.LittleEndian.AppendUint32(msg, uint32(flags))
	msg = append(msg, ntlmVersion...)
	msg = append(msg, make([]byte, micLen)...)

	for _, p := range payloads {
		msg = append(msg, p...)
	}

	return msg
}

// sealer is the NTLM session security of MS-NLMP 3.4 with extended
// session security and key exchange.
type sealer struct {
	seal   *rc4.Cipher
	unseal *rc4.Cipher

	signKey   []byte
	verifyKey []byte

	sendSeq uint32
	recvSeq uint32
}

func newSealer(sessionKey []byte, server bool) (*sealer, error) {
	clientSign := deriveKey(sessionKey, "session key to client-to-server signing key magic constant")
	serverSign := deriveKey(sessionKey, "session key to server-to-client signing key magic constant")
	clientSeal := deriveKey(sessionKey, "session key to client-to-server sealing key magic constant")
	serverSeal := deriveKey(sessionKey, "session key to server-to-client sealing key magic constant")

	if server {
		clientSign, serverSign = serverSign, clientSign
		clientSeal, serverSeal = serverSeal, clientSeal
	}

	seal, err := rc4.NewCipher(clientSeal)
	if err != nil {
		return nil, err
	}

	unseal, err := rc4.NewCipher(serverSeal)
	if err != nil {
		return nil, err
	}

	return &sealer{seal: seal, unseal: unseal, signKey: clientSign, verifyKey: serverSign}, nil
}

// Seal encrypts data and prefixes the 16-byte message signature.
func (s *sealer) Seal(data []byte) []byte {
	out := make([]byte, signatureLen+len(data))

	s.seal.XORKeyStream(out[signatureLen:], data)
	s.sign(out[:signatureLen], s.seal, s.signKey, s.sendSeq, data)
	s.sendSeq++

	return out
}

// Unseal decrypts a Seal token from the peer and checks its signature.
func (s *sealer) Unseal(token []byte) ([]byte, error) {
	if len(token) < signatureLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(token))
	}

	data := make([]byte, len(token)-signatureLen)
	s.unseal.XORKeyStream(data, token[signatureLen:])

	want := make([]byte, signatureLen)
	s.sign(want, s.unseal, s.verifyKey, s.recvSeq, data)

	if !hmac.Equal(want, token[:signatureLen]) {
		return nil, ErrInvalidSignature
	}

	s.recvSeq++

	return data, nil
}

// sign writes Version, the sealed checksum and SeqNum into dst.
func (s *sealer) sign(dst []byte, rc *rc4.Cipher, key []byte, seq uint32, data []byte) {
	seqBytes := binary.LittleEndian.AppendUint32(nil, seq)

	binary.LittleEndian.PutUint32(dst[0:], 1)
	rc.XORKeyStream(dst[4:12], hmacMD5(key, seqBytes, data)[:8])
	copy(dst[12:], seqBytes)
}

func ntowfv2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(codec.Encode(password))

	return hmacMD5(h.Sum(nil), codec.Encode(strings.ToUpper(user)+domain))
}

func hmacMD5(key []byte, parts ...[]byte) []byte {
	h := hmac.New(md5.New, key)
	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}

func deriveKey(sessionKey []byte, magic string) []byte {
	h := md5.New()
	h.Write(sessionKey)
	h.Write([]byte(magic))
	h.Write([]byte{0})

	return h.Sum(nil)
}

// fileTime is t as a little-endian FILETIME.
func fileTime(t time.Time) []byte {
	ft := uint64(t.UnixNano()/100) + 116444736000000000

	return binary.LittleEndian.AppendUint64(nil, ft)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("auth: random: %w", err)
	}

	return b, nil
}
