// Package rdpemt implements the multitransport bootstrapping PDUs exchanged
// on the message channel (MS-RDPBCGR 2.2.15). UDP tunnels are not opened,
// so every request is answered with a decline.
package rdpemt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// Requested protocol flags [MS-RDPBCGR] Section 2.2.15.1
	ProtocolUDPFECReliable uint16 = 0x0001
	ProtocolUDPFECLossy    uint16 = 0x0004
	ProtocolUDPPreferred   uint16 = 0x0100

	// HRESULT values for multitransport response
	HResultSuccess  uint32 = 0x00000000 // S_OK
	HResultNoMem    uint32 = 0x80000002 // E_OUTOFMEMORY
	HResultNotFound uint32 = 0x80000006 // E_NOTFOUND
	HResultAbort    uint32 = 0x80004004 // E_ABORT

	CookieLength = 16
)

var ErrInvalidProtocol = errors.New("rdpemt: invalid protocol flags")

// MultitransportRequest represents the Server Initiate Multitransport Request PDU.
type MultitransportRequest struct {
	RequestID         uint32
	RequestedProtocol uint16
	Reserved          uint16
	SecurityCookie    [CookieLength]byte
}

func (r *MultitransportRequest) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, r); err != nil {
		return err
	}

	if r.RequestedProtocol&(ProtocolUDPFECReliable|ProtocolUDPFECLossy) == 0 {
		return fmt.Errorf("%w: 0x%04x", ErrInvalidProtocol, r.RequestedProtocol)
	}

	return nil
}

func (r *MultitransportRequest) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+CookieLength))

	_ = binary.Write(buf, binary.LittleEndian, r)

	return buf.Bytes()
}

func (r *MultitransportRequest) IsReliable() bool {
	return r.RequestedProtocol&ProtocolUDPFECReliable != 0
}

// MultitransportResponse represents the Client Initiate Multitransport Response PDU.
type MultitransportResponse struct {
	RequestID uint32
	HResult   uint32
}

func (r *MultitransportResponse) Deserialize(wire io.Reader) error {
	return binary.Read(wire, binary.LittleEndian, r)
}

func (r *MultitransportResponse) Serialize() []byte {
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, 8), r.RequestID)
	return binary.LittleEndian.AppendUint32(out, r.HResult)
}

func (r *MultitransportResponse) IsSuccess() bool {
	return r.HResult == HResultSuccess
}

// NewDeclineResponse creates the E_ABORT response for requestID.
func NewDeclineResponse(requestID uint32) *MultitransportResponse {
	return &MultitransportResponse{RequestID: requestID, HResult: HResultAbort}
}

// HResultString returns a human-readable description of an HRESULT code.
func HResultString(hr uint32) string {
	switch hr {
	case HResultSuccess:
		return "S_OK"
	case HResultNoMem:
		return "E_OUTOFMEMORY"
	case HResultNotFound:
		return "E_NOTFOUND"
	case HResultAbort:
		return "E_ABORT"
	default:
		return fmt.Sprintf("0x%08X", hr)
	}
}

// ProtocolString returns a human-readable description of protocol flags.
func ProtocolString(proto uint16) string {
	var parts []string
	if proto&ProtocolUDPFECReliable != 0 {
		parts = append(parts, "UDP-FEC-R")
	}
	if proto&ProtocolUDPFECLossy != 0 {
		parts = append(parts, "UDP-FEC-L")
	}
	if proto&ProtocolUDPPreferred != 0 {
		parts = append(parts, "UDP-PREFERRED")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}
