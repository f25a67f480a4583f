// Package security implements RDP Standard Security: session key derivation,
// RC4 and FIPS 3DES packet protection, raw RSA for the client random and
// server certificate parsing (MS-RDPBCGR 5.3).
package security

import (
	"fmt"
	"strings"
)

// EncryptionMethod is one bit of the encryptionMethods field (MS-RDPBCGR 2.2.1.3.3).
type EncryptionMethod uint32

const (
	EncryptionMethodNone   EncryptionMethod = 0x00000000
	EncryptionMethod40Bit  EncryptionMethod = 0x00000001
	EncryptionMethod128Bit EncryptionMethod = 0x00000002
	EncryptionMethod56Bit  EncryptionMethod = 0x00000008
	EncryptionMethodFIPS   EncryptionMethod = 0x00000010
)

// EncryptionMethodsAll is every method a peer can offer.
const EncryptionMethodsAll = EncryptionMethod40Bit | EncryptionMethod56Bit | EncryptionMethod128Bit | EncryptionMethodFIPS

func (m EncryptionMethod) String() string {
	if m == EncryptionMethodNone {
		return "NONE"
	}

	var names []string

	for _, n := range []struct {
		method EncryptionMethod
		name   string
	}{
		{EncryptionMethod40Bit, "40BIT"},
		{EncryptionMethod56Bit, "56BIT"},
		{EncryptionMethod128Bit, "128BIT"},
		{EncryptionMethodFIPS, "FIPS"},
	} {
		if m&n.method != 0 {
			names = append(names, n.name)
		}
	}

	if len(names) == 0 {
		return fmt.Sprintf("0x%08x", uint32(m))
	}

	return strings.Join(names, "|")
}

// EncryptionLevel is the server's encryptionLevel (MS-RDPBCGR 2.2.1.4.3).
type EncryptionLevel uint32

const (
	EncryptionLevelNone             EncryptionLevel = 0
	EncryptionLevelLow              EncryptionLevel = 1
	EncryptionLevelClientCompatible EncryptionLevel = 2
	EncryptionLevelHigh             EncryptionLevel = 3
	EncryptionLevelFIPS             EncryptionLevel = 4
)

var levelNames = [...]string{"NONE", "LOW", "CLIENT_COMPATIBLE", "HIGH", "FIPS"}

func (l EncryptionLevel) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}

	return fmt.Sprintf("LEVEL(%d)", uint32(l))
}

// ParseEncryptionLevel accepts the names printed by String, case-insensitively.
func ParseEncryptionLevel(name string) (EncryptionLevel, error) {
	name = strings.ReplaceAll(strings.ToUpper(name), "-", "_")

	for i, n := range levelNames {
		if n == name {
			return EncryptionLevel(i), nil // #nosec G115
		}
	}

	return 0, fmt.Errorf("unknown encryption level %q", name)
}

// ParseEncryptionMethods turns a list such as "128bit,fips" into a mask.
func ParseEncryptionMethods(names []string) (EncryptionMethod, error) {
	var mask EncryptionMethod

	for _, name := range names {
		switch strings.ToUpper(strings.TrimSpace(name)) {
		case "40BIT", "40":
			mask |= EncryptionMethod40Bit
		case "56BIT", "56":
			mask |= EncryptionMethod56Bit
		case "128BIT", "128":
			mask |= EncryptionMethod128Bit
		case "FIPS":
			mask |= EncryptionMethodFIPS
		case "NONE", "":
		default:
			return 0, fmt.Errorf("unknown encryption method %q", name)
		}
	}

	return mask, nil
}
