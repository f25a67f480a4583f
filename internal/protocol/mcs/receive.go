package mcs

import (
	"fmt"
	"io"
)

// expect decodes one domain PDU and checks its application.
func (p *Protocol) expect(application DomainPDUApplication, wire io.Reader) (*DomainPDU, error) {
	var pdu DomainPDU
	if err := pdu.Deserialize(wire); err != nil {
		return nil, err
	}

	if pdu.Application == disconnectProviderUltimatum {
		return nil, fmt.Errorf("%w: %s", ErrDisconnectUltimatum, reasonString(pdu.DisconnectProviderUltimatum.Reason))
	}

	if pdu.Application != application {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedApplication, pdu.Application, application)
	}

	return &pdu, nil
}

// RecvData decodes a SendDataRequest or SendDataIndication and returns the
// channel and payload.
func (p *Protocol) RecvData(wire io.Reader) (uint16, []byte, error) {
	var pdu DomainPDU
	if err := pdu.Deserialize(wire); err != nil {
		return 0, nil, err
	}

	switch pdu.Application {
	case SendDataRequest:
		return pdu.ClientSendDataRequest.ChannelId, pdu.ClientSendDataRequest.Data, nil
	case SendDataIndication:
		return pdu.ServerSendDataIndication.ChannelId, pdu.ServerSendDataIndication.Data, nil
	case disconnectProviderUltimatum:
		return 0, nil, fmt.Errorf("%w: %s", ErrDisconnectUltimatum, reasonString(pdu.DisconnectProviderUltimatum.Reason))
	}

	return 0, nil, fmt.Errorf("%w: %s", ErrUnexpectedApplication, pdu.Application)
}
