package pdu

import "errors"

var (
	// ErrInvalidCorrelationID indicates the correlation ID violates MS-RDPBCGR 2.2.1.1.2.
	ErrInvalidCorrelationID = errors.New("invalid correlationId")
	// ErrDeactivateAll indicates the peer sent a Deactivate All PDU (MS-RDPBCGR 2.2.3.1).
	ErrDeactivateAll = errors.New("deactivate all")
	// ErrUnexpectedType indicates a PDU of another type than the one being decoded.
	ErrUnexpectedType = errors.New("unexpected pdu type")
	// ErrInvalidLength indicates a length field that does not match the payload.
	ErrInvalidLength = errors.New("invalid pdu length")
	// ErrCookieTooLong indicates a negotiation cookie or routing token without a terminating CR+LF.
	ErrCookieTooLong = errors.New("cookie or routing token not terminated")
)
