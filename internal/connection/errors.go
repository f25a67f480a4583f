package connection

import (
	"errors"
	"fmt"
	"net"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

var (
	ErrMissingHostname   = errors.New("connection: server hostname is not set")
	ErrProtocolSequence  = errors.New("connection: unexpected pdu for the current state")
	ErrActivationTimeout = errors.New("connection: activation timed out")
	ErrCanceled          = errors.New("connection: canceled")
	ErrResourceExhausted = errors.New("connection: resource exhausted")
	ErrNotConnected      = errors.New("connection: no transport")
	ErrWrongRole         = errors.New("connection: operation not available for this role")
	ErrLicensingAborted  = errors.New("connection: licensing aborted")
	ErrNoRedirection     = errors.New("connection: no redirection pending")
	ErrNoServerKey       = errors.New("connection: standard security needs a server private key")
	ErrNoEncryption      = errors.New("connection: no encryption method in common with the client")
)

// TransitionError is an edge missing from the transition table.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("connection: illegal transition %s -> %s", e.From, e.To)
}

// NegotiationError is a failed X.224 negotiation. Code is set when the
// peer sent RDP_NEG_FAILURE.
type NegotiationError struct {
	Code pdu.NegotiationFailureCode
	Err  error
}

func (e *NegotiationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("connection: negotiation failed: %s", e.Code)
	}

	return fmt.Sprintf("connection: negotiation failed: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// ErrorInfo carries the code of a Set Error Info PDU.
type ErrorInfo struct {
	Code uint32
}

func (e *ErrorInfo) Error() string {
	return "connection: server error info: " + pdu.ErrorInfoName(e.Code)
}

// Reason classifies err for metrics labels.
func Reason(err error) string {
	var (
		transitionErr  *TransitionError
		negotiationErr *NegotiationError
		errorInfo      *ErrorInfo
		netErr         net.Error
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrActivationTimeout):
		return "timeout"
	case errors.Is(err, ErrMissingHostname):
		return "config"
	case errors.As(err, &negotiationErr):
		return "negotiation"
	case errors.Is(err, ErrProtocolSequence), errors.As(err, &transitionErr):
		return "protocol"
	case errors.As(err, &errorInfo):
		return "server"
	case errors.Is(err, ErrLicensingAborted):
		return "licensing"
	case errors.Is(err, ErrResourceExhausted):
		return "resource"
	case errors.As(err, &netErr):
		return "transport"
	}

	return "other"
}
