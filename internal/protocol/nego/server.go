package nego

import (
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

// ReadRequest reads the client Connection Request and records the cookie,
// routing token and requested protocols.
func (n *Nego) ReadRequest() error {
	userData, err := n.x224.ReadConnectionRequest()
	if err != nil {
		return err
	}

	var req pdu.ClientConnectionRequest
	if err = req.Deserialize(userData); err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	n.request = &req
	n.cookie = req.Cookie
	n.routingToken = req.RoutingToken
	n.requested = req.NegotiationRequest.RequestedProtocols

	if req.NegotiationRequest.Flags.IsCorrelationInfoPresent() {
		n.correlationID = req.CorrelationInfo.CorrelationID()
	}

	logging.Debug("RDP: negotiation: client requested %s cookie=%q", n.requested, n.cookie)

	return nil
}

// Select picks the strongest protocol both sides allow:
// RDSTLS, then HYBRID (HYBRID_EX with Ext), then SSL, then plain RDP when
// the client asked for nothing else. Anything else fails with a reason
// naming the strongest protocol the server requires.
func (o SecurityOptions) Select(requested pdu.NegotiationProtocol) pdu.NegotiationProtocol {
	switch {
	case o.RDSTLS && requested.Has(pdu.NegotiationProtocolRDSTLS):
		return pdu.NegotiationProtocolRDSTLS
	case o.NLA && o.Ext && requested.Has(pdu.NegotiationProtocolHybridEx):
		return pdu.NegotiationProtocolHybridEx
	case o.NLA && requested.Has(pdu.NegotiationProtocolHybrid):
		return pdu.NegotiationProtocolHybrid
	case o.TLS && requested.Has(pdu.NegotiationProtocolSSL):
		return pdu.NegotiationProtocolSSL
	case o.RDP && requested == pdu.NegotiationProtocolRDP:
		return pdu.NegotiationProtocolRDP
	}

	return pdu.NegotiationProtocolFailedNego | pdu.NegotiationProtocol(o.failureCode())
}

func (o SecurityOptions) failureCode() pdu.NegotiationFailureCode {
	switch {
	case o.RDSTLS || o.NLA:
		return pdu.NegotiationFailureCodeHybridRequired
	case o.TLS:
		return pdu.NegotiationFailureCodeSSLRequired
	}

	return pdu.NegotiationFailureCodeSSLNotAllowed
}

// SendResponse answers the request read by ReadRequest. A failure is sent
// to the client and then returned as ErrNegotiationFailed.
func (n *Nego) SendResponse() error {
	if n.request == nil {
		return ErrNoRequest
	}

	n.selected = n.options.Select(n.requested)

	var userData []byte

	switch {
	case n.selected.IsFailed():
		userData = pdu.NewNegotiationFailure(n.selected.FailureCode()).Serialize()
	case n.request.NegotiationPresent:
		n.responseFlags = pdu.NegotiationResponseFlagECDBSupported
		userData = pdu.NewNegotiationResponse(n.responseFlags, n.selected).Serialize()
	}

	if err := n.x224.SendConnectionConfirm(userData); err != nil {
		return err
	}

	if n.selected.IsFailed() {
		logging.Warn("RDP: negotiation: no common protocol for %s with %s", n.requested, n.options)
		return fmt.Errorf("%w: %s", ErrNegotiationFailed, n.selected.FailureCode())
	}

	logging.Info("RDP: negotiation: selected %s", n.selected)

	return nil
}
