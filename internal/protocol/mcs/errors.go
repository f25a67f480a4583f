package mcs

import "errors"

var (
	ErrUnknownConnectApplication = errors.New("unknown connect application")
	ErrUnknownDomainApplication  = errors.New("unknown domain application")
	ErrUnknownInitiator          = errors.New("unknown initiator")
	ErrDisconnectUltimatum       = errors.New("disconnect ultimatum")
	ErrUnsuccessfulResult        = errors.New("unsuccessful result")
	ErrUnexpectedApplication     = errors.New("unexpected domain application")
)
