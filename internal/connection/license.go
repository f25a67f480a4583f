package connection

import (
	"bytes"
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

// LicenseState is the client licensing sub-machine.
type LicenseState int

const (
	LicenseDefault LicenseState = iota
	LicenseInProgress
	LicenseAborted
	LicenseCompleted
)

func (s LicenseState) String() string {
	switch s {
	case LicenseInProgress:
		return "in-progress"
	case LicenseAborted:
		return "aborted"
	case LicenseCompleted:
		return "completed"
	}

	return "default"
}

// License tracks the licensing exchange of one attempt. Only the outcome
// is kept; issued licenses are not stored.
type License struct {
	state LicenseState
	last  pdu.LicenseMsgType
}

func (l *License) State() LicenseState {
	return l.state
}

// LastMessage is the type of the last licensing message received.
func (l *License) LastMessage() pdu.LicenseMsgType {
	return l.last
}

func (l *License) Reset() {
	*l = License{}
}

// Recv advances on one licensing message, the body after the security
// header. A License Request or Platform Challenge aborts: the client does
// not run the MS-RDPELE exchange.
func (l *License) Recv(body []byte) (LicenseState, error) {
	var msg pdu.LicensePDU
	if err := msg.Deserialize(bytes.NewReader(body)); err != nil {
		return l.state, fmt.Errorf("license pdu: %w", err)
	}

	l.last = msg.Preamble.MsgType
	l.state = LicenseInProgress

	switch msg.Preamble.MsgType {
	case pdu.LicenseMsgErrorAlert:
		if msg.ErrorMessage.IsValidClient() {
			l.state = LicenseCompleted
		} else {
			l.state = LicenseAborted
		}
	case pdu.LicenseMsgNewLicense, pdu.LicenseMsgUpgradeLicense:
		l.state = LicenseCompleted
	case pdu.LicenseMsgLicenseRequest, pdu.LicenseMsgPlatformChallenge:
		l.state = LicenseAborted
	default:
		return l.state, fmt.Errorf("%w: license message %s", ErrProtocolSequence, msg.Preamble.MsgType)
	}

	return l.state, nil
}
