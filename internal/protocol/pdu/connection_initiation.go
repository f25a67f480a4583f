package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// NegotiationType represents the type field in RDP negotiation structures (MS-RDPBCGR 2.2.1.1).
type NegotiationType uint8

const (
	// NegotiationTypeRequest TYPE_RDP_NEG_REQ
	NegotiationTypeRequest NegotiationType = 0x01

	// NegotiationTypeResponse TYPE_RDP_NEG_RSP
	NegotiationTypeResponse NegotiationType = 0x02

	// NegotiationTypeFailure TYPE_RDP_NEG_FAILURE
	NegotiationTypeFailure NegotiationType = 0x03

	negotiationTypeCorrelationInfo = 0x06
)

func (t NegotiationType) IsResponse() bool {
	return t == NegotiationTypeResponse
}

func (t NegotiationType) IsFailure() bool {
	return t == NegotiationTypeFailure
}

// NegotiationRequestFlag Protocol flags.
type NegotiationRequestFlag uint8

const (
	// NegReqFlagRestrictedAdminModeRequired RESTRICTED_ADMIN_MODE_REQUIRED
	NegReqFlagRestrictedAdminModeRequired NegotiationRequestFlag = 0x01

	// NegReqFlagRedirectedAuthenticationModeRequired REDIRECTED_AUTHENTICATION_MODE_REQUIRED
	NegReqFlagRedirectedAuthenticationModeRequired NegotiationRequestFlag = 0x02

	// NegReqFlagCorrelationInfoPresent CORRELATION_INFO_PRESENT
	NegReqFlagCorrelationInfoPresent NegotiationRequestFlag = 0x08
)

func (f NegotiationRequestFlag) IsCorrelationInfoPresent() bool {
	return f&NegReqFlagCorrelationInfoPresent == NegReqFlagCorrelationInfoPresent
}

// NegotiationProtocol is a bitmask of security protocols.
type NegotiationProtocol uint32

const (
	// NegotiationProtocolRDP PROTOCOL_RDP
	NegotiationProtocolRDP NegotiationProtocol = 0x00000000

	// NegotiationProtocolSSL PROTOCOL_SSL
	NegotiationProtocolSSL NegotiationProtocol = 0x00000001

	// NegotiationProtocolHybrid PROTOCOL_HYBRID
	NegotiationProtocolHybrid NegotiationProtocol = 0x00000002

	// NegotiationProtocolRDSTLS PROTOCOL_RDSTLS
	NegotiationProtocolRDSTLS NegotiationProtocol = 0x00000004

	// NegotiationProtocolHybridEx PROTOCOL_HYBRID_EX
	NegotiationProtocolHybridEx NegotiationProtocol = 0x00000008

	// NegotiationProtocolRDSAAD PROTOCOL_RDSAAD
	NegotiationProtocolRDSAAD NegotiationProtocol = 0x00000010

	// NegotiationProtocolFailedNego PROTOCOL_FAILED_NEGO marks a failed selection;
	// the low bits then carry a NegotiationFailureCode.
	NegotiationProtocolFailedNego NegotiationProtocol = 0x80000000
)

func (p NegotiationProtocol) Has(flag NegotiationProtocol) bool {
	return p&flag == flag
}

// IsFailed returns true if the value marks a failed negotiation.
func (p NegotiationProtocol) IsFailed() bool {
	return p&NegotiationProtocolFailedNego != 0
}

// FailureCode extracts the failure code from a failed selection.
func (p NegotiationProtocol) FailureCode() NegotiationFailureCode {
	return NegotiationFailureCode(p &^ NegotiationProtocolFailedNego)
}

// UsesNLA returns true for the CredSSP based protocols.
func (p NegotiationProtocol) UsesNLA() bool {
	return p == NegotiationProtocolHybrid || p == NegotiationProtocolHybridEx
}

func (p NegotiationProtocol) String() string {
	if p.IsFailed() {
		return "FAILED_NEGO(" + p.FailureCode().String() + ")"
	}

	if p == NegotiationProtocolRDP {
		return "RDP"
	}

	var names []string

	for _, n := range []struct {
		flag NegotiationProtocol
		name string
	}{
		{NegotiationProtocolSSL, "SSL"},
		{NegotiationProtocolHybrid, "HYBRID"},
		{NegotiationProtocolRDSTLS, "RDSTLS"},
		{NegotiationProtocolHybridEx, "HYBRID_EX"},
		{NegotiationProtocolRDSAAD, "RDSAAD"},
	} {
		if p.Has(n.flag) {
			names = append(names, n.name)
		}
	}

	return strings.Join(names, "|")
}

const negotiationLen = uint16(8)

// NegotiationRequest RDP Negotiation Request (RDP_NEG_REQ).
type NegotiationRequest struct {
	Flags              NegotiationRequestFlag
	RequestedProtocols NegotiationProtocol
}

func (r NegotiationRequest) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, negotiationLen))

	buf.Write([]byte{byte(NegotiationTypeRequest), byte(r.Flags)})
	_ = binary.Write(buf, binary.LittleEndian, negotiationLen)
	_ = binary.Write(buf, binary.LittleEndian, r.RequestedProtocols)

	return buf.Bytes()
}

// Deserialize reads the structure after its type byte.
func (r *NegotiationRequest) Deserialize(wire io.Reader) error {
	var length uint16

	if err := binary.Read(wire, binary.LittleEndian, &r.Flags); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &length); err != nil {
		return err
	}

	if length != negotiationLen {
		return fmt.Errorf("%w: negotiation request length %d", ErrInvalidLength, length)
	}

	return binary.Read(wire, binary.LittleEndian, &r.RequestedProtocols)
}

// CorrelationInfo RDP Correlation Info (RDP_NEG_CORRELATION_INFO).
type CorrelationInfo struct {
	correlationID []byte
}

// SetCorrelationID sets the correlation ID and validates it per MS-RDPBCGR 2.2.1.1.2.
func (i *CorrelationInfo) SetCorrelationID(correlationID []byte) error {
	if len(correlationID) != 16 {
		return ErrInvalidCorrelationID
	}

	if correlationID[0] == 0x00 || correlationID[0] == 0xF4 {
		return ErrInvalidCorrelationID
	}

	if bytes.IndexByte(correlationID, 0x0D) >= 0 {
		return ErrInvalidCorrelationID
	}

	i.correlationID = append([]byte(nil), correlationID...)

	return nil
}

// CorrelationID returns the ID or nil when none was set.
func (i *CorrelationInfo) CorrelationID() []byte {
	return i.correlationID
}

// NewCorrelationID generates a random ID that satisfies SetCorrelationID.
func NewCorrelationID() []byte {
	for {
		id := uuid.New()
		if id[0] != 0x00 && id[0] != 0xF4 && bytes.IndexByte(id[:], 0x0D) < 0 {
			return id[:]
		}
	}
}

func (i *CorrelationInfo) Serialize() []byte {
	const corrInfoLen = uint16(36)

	buf := bytes.NewBuffer(make([]byte, 0, corrInfoLen))

	buf.Write([]byte{negotiationTypeCorrelationInfo, 0x00})
	_ = binary.Write(buf, binary.LittleEndian, corrInfoLen)

	if i.correlationID == nil {
		buf.Write(make([]byte, 16))
	} else {
		buf.Write(i.correlationID)
	}

	buf.Write(make([]byte, 16)) // reserved

	return buf.Bytes()
}

func (i *CorrelationInfo) Deserialize(wire io.Reader) error {
	raw := make([]byte, 36)
	if _, err := io.ReadFull(wire, raw); err != nil {
		return err
	}

	if raw[0] != negotiationTypeCorrelationInfo || binary.LittleEndian.Uint16(raw[2:]) != 36 {
		return ErrInvalidCorrelationID
	}

	return i.SetCorrelationID(raw[4:20])
}

// NegotiationResponseFlag RDP Negotiation Response flags
type NegotiationResponseFlag uint8

const (
	// NegotiationResponseFlagECDBSupported EXTENDED_CLIENT_DATA_SUPPORTED
	NegotiationResponseFlagECDBSupported NegotiationResponseFlag = 0x01

	// NegotiationResponseFlagGFXSupported DYNVC_GFX_PROTOCOL_SUPPORTED
	NegotiationResponseFlagGFXSupported NegotiationResponseFlag = 0x02

	// NegotiationResponseFlagAdminModeSupported RESTRICTED_ADMIN_MODE_SUPPORTED
	NegotiationResponseFlagAdminModeSupported NegotiationResponseFlag = 0x08

	// NegotiationResponseFlagAuthModeSupported REDIRECTED_AUTHENTICATION_MODE_SUPPORTED
	NegotiationResponseFlagAuthModeSupported NegotiationResponseFlag = 0x10
)

func (f NegotiationResponseFlag) IsExtendedClientDataSupported() bool {
	return f&NegotiationResponseFlagECDBSupported == NegotiationResponseFlagECDBSupported
}

// NegotiationFailureCode RDP Negotiation Failure failureCode
type NegotiationFailureCode uint32

const (
	// NegotiationFailureCodeSSLRequired SSL_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLRequired NegotiationFailureCode = 0x00000001

	// NegotiationFailureCodeSSLNotAllowed SSL_NOT_ALLOWED_BY_SERVER
	NegotiationFailureCodeSSLNotAllowed NegotiationFailureCode = 0x00000002

	// NegotiationFailureCodeSSLCertNotOnServer SSL_CERT_NOT_ON_SERVER
	NegotiationFailureCodeSSLCertNotOnServer NegotiationFailureCode = 0x00000003

	// NegotiationFailureCodeInconsistentFlags INCONSISTENT_FLAGS
	NegotiationFailureCodeInconsistentFlags NegotiationFailureCode = 0x00000004

	// NegotiationFailureCodeHybridRequired HYBRID_REQUIRED_BY_SERVER
	NegotiationFailureCodeHybridRequired NegotiationFailureCode = 0x00000005

	// NegotiationFailureCodeSSLWithUserAuthRequired SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLWithUserAuthRequired NegotiationFailureCode = 0x00000006
)

var negotiationFailureCodeNames = map[NegotiationFailureCode]string{
	NegotiationFailureCodeSSLRequired:             "SSL_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLNotAllowed:           "SSL_NOT_ALLOWED_BY_SERVER",
	NegotiationFailureCodeSSLCertNotOnServer:      "SSL_CERT_NOT_ON_SERVER",
	NegotiationFailureCodeInconsistentFlags:       "INCONSISTENT_FLAGS",
	NegotiationFailureCodeHybridRequired:          "HYBRID_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLWithUserAuthRequired: "SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER",
}

func (c NegotiationFailureCode) String() string {
	if name, ok := negotiationFailureCodeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(0x%x)", uint32(c))
}

const (
	crlf          = "\r\n"
	cookieHeader  = "Cookie: mstshash="
	maxCookieLine = 0x7ff
)

// ClientConnectionRequest Client X.224 Connection Request PDU (MS-RDPBCGR 2.2.1.1).
type ClientConnectionRequest struct {
	RoutingToken       string // one of RoutingToken or Cookie ending CR+LF
	Cookie             string
	NegotiationPresent bool
	NegotiationRequest NegotiationRequest
	CorrelationInfo    CorrelationInfo
}

func (pdu *ClientConnectionRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	if pdu.RoutingToken != "" {
		buf.WriteString(strings.Trim(pdu.RoutingToken, crlf) + crlf)
	} else if pdu.Cookie != "" {
		buf.WriteString(cookieHeader + strings.Trim(pdu.Cookie, crlf) + crlf)
	}

	buf.Write(pdu.NegotiationRequest.Serialize())

	if pdu.NegotiationRequest.Flags.IsCorrelationInfoPresent() {
		buf.Write(pdu.CorrelationInfo.Serialize())
	}

	return buf.Bytes()
}

// Deserialize parses the X.224 user data of a connection request. An
// absent negotiation request leaves NegotiationPresent false.
func (pdu *ClientConnectionRequest) Deserialize(userData []byte) error {
	if bytes.HasPrefix(userData, []byte("Cookie: ")) {
		end := bytes.Index(userData, []byte(crlf))
		if end < 0 || end > maxCookieLine {
			return ErrCookieTooLong
		}

		line := string(userData[:end])
		userData = userData[end+len(crlf):]

		if strings.HasPrefix(line, cookieHeader) {
			pdu.Cookie = strings.TrimPrefix(line, cookieHeader)
		} else {
			pdu.RoutingToken = line
		}
	}

	if len(userData) == 0 {
		return nil
	}

	wire := bytes.NewReader(userData)

	var negType NegotiationType
	if err := binary.Read(wire, binary.LittleEndian, &negType); err != nil {
		return err
	}

	if negType != NegotiationTypeRequest {
		return fmt.Errorf("%w: negotiation type 0x%02x", ErrUnexpectedType, uint8(negType))
	}

	if err := pdu.NegotiationRequest.Deserialize(wire); err != nil {
		return err
	}

	pdu.NegotiationPresent = true

	if pdu.NegotiationRequest.Flags.IsCorrelationInfoPresent() {
		if err := pdu.CorrelationInfo.Deserialize(wire); err != nil {
			return err
		}
	}

	return nil
}

// ServerConnectionConfirm represents the Server X.224 Connection Confirm PDU (MS-RDPBCGR 2.2.1.2).
type ServerConnectionConfirm struct {
	Type  NegotiationType // zero when the server sent no negotiation data
	Flags NegotiationResponseFlag
	data  uint32 // selectedProtocol or failureCode
}

// NewNegotiationResponse builds an RDP_NEG_RSP confirm.
func NewNegotiationResponse(flags NegotiationResponseFlag, selected NegotiationProtocol) *ServerConnectionConfirm {
	return &ServerConnectionConfirm{
		Type:  NegotiationTypeResponse,
		Flags: flags,
		data:  uint32(selected),
	}
}

// NewNegotiationFailure builds an RDP_NEG_FAILURE confirm.
func NewNegotiationFailure(code NegotiationFailureCode) *ServerConnectionConfirm {
	return &ServerConnectionConfirm{
		Type: NegotiationTypeFailure,
		data: uint32(code),
	}
}

func (pdu *ServerConnectionConfirm) SelectedProtocol() NegotiationProtocol {
	if pdu.Type != NegotiationTypeResponse {
		return NegotiationProtocolRDP
	}

	return NegotiationProtocol(pdu.data)
}

func (pdu *ServerConnectionConfirm) FailureCode() NegotiationFailureCode {
	return NegotiationFailureCode(pdu.data)
}

func (pdu *ServerConnectionConfirm) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, negotiationLen))

	buf.Write([]byte{byte(pdu.Type), byte(pdu.Flags)})
	_ = binary.Write(buf, binary.LittleEndian, negotiationLen)
	_ = binary.Write(buf, binary.LittleEndian, pdu.data)

	return buf.Bytes()
}

func (pdu *ServerConnectionConfirm) Deserialize(wire io.Reader) error {
	var length uint16

	err := binary.Read(wire, binary.LittleEndian, &pdu.Type)
	if errors.Is(err, io.EOF) {
		pdu.Type = 0
		return nil
	}

	if err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &pdu.Flags); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &length); err != nil {
		return err
	}

	if length != negotiationLen {
		return fmt.Errorf("%w: negotiation response length %d", ErrInvalidLength, length)
	}

	return binary.Read(wire, binary.LittleEndian, &pdu.data)
}
