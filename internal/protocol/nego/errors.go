package nego

import "errors"

var (
	ErrNegotiationFailed   = errors.New("nego: server refused negotiation")
	ErrUnrequestedProtocol = errors.New("nego: server selected a protocol that was not requested")
	ErrNoRequest           = errors.New("nego: no connection request received")
)
