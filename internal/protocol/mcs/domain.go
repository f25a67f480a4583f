package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

// DomainPDUApplication is the DomainMCSPDU choice index (T.125 7).
type DomainPDUApplication uint8

const (
	erectDomainRequest          DomainPDUApplication = 1
	disconnectProviderUltimatum DomainPDUApplication = 8
	attachUserRequest           DomainPDUApplication = 10
	attachUserConfirm           DomainPDUApplication = 11
	channelJoinRequest          DomainPDUApplication = 14
	channelJoinConfirm          DomainPDUApplication = 15
	SendDataRequest             DomainPDUApplication = 25
	SendDataIndication          DomainPDUApplication = 26
)

func (a DomainPDUApplication) String() string {
	switch a {
	case erectDomainRequest:
		return "erectDomainRequest"
	case disconnectProviderUltimatum:
		return "disconnectProviderUltimatum"
	case attachUserRequest:
		return "attachUserRequest"
	case attachUserConfirm:
		return "attachUserConfirm"
	case channelJoinRequest:
		return "channelJoinRequest"
	case channelJoinConfirm:
		return "channelJoinConfirm"
	case SendDataRequest:
		return "sendDataRequest"
	case SendDataIndication:
		return "sendDataIndication"
	}

	return fmt.Sprintf("domainMCSPDU(%d)", uint8(a))
}

// optional-field bit set in the choice octet of confirms
const initiatorPresent = 0x02

type DomainPDU struct {
	Application                 DomainPDUApplication
	ClientErectDomainRequest    *ClientErectDomainRequest
	ClientAttachUserRequest     *ClientAttachUserRequest
	ServerAttachUserConfirm     *ServerAttachUserConfirm
	ClientChannelJoinRequest    *ClientChannelJoinRequest
	ServerChannelJoinConfirm    *ServerChannelJoinConfirm
	ClientSendDataRequest       *ClientSendDataRequest
	ServerSendDataIndication    *ServerSendDataIndication
	DisconnectProviderUltimatum *DisconnectProviderUltimatum
}

func (pdu *DomainPDU) Serialize() []byte {
	buf := new(bytes.Buffer)

	choice := uint8(pdu.Application) << 2

	switch pdu.Application {
	case erectDomainRequest:
		encoding.PerWriteChoice(choice, buf)
		buf.Write(pdu.ClientErectDomainRequest.Serialize())
	case attachUserRequest:
		encoding.PerWriteChoice(choice, buf)
	case attachUserConfirm:
		encoding.PerWriteChoice(choice|initiatorPresent, buf)
		buf.Write(pdu.ServerAttachUserConfirm.Serialize())
	case channelJoinRequest:
		encoding.PerWriteChoice(choice, buf)
		buf.Write(pdu.ClientChannelJoinRequest.Serialize())
	case channelJoinConfirm:
		encoding.PerWriteChoice(choice|initiatorPresent, buf)
		buf.Write(pdu.ServerChannelJoinConfirm.Serialize())
	case SendDataRequest:
		encoding.PerWriteChoice(choice, buf)
		buf.Write(pdu.ClientSendDataRequest.Serialize())
	case SendDataIndication:
		encoding.PerWriteChoice(choice, buf)
		buf.Write(pdu.ServerSendDataIndication.Serialize())
	case disconnectProviderUltimatum:
		buf.Write(pdu.DisconnectProviderUltimatum.serialize(choice))
	}

	return buf.Bytes()
}

func (pdu *DomainPDU) Deserialize(wire io.Reader) error {
	choice, err := encoding.PerReadChoice(wire)
	if err != nil {
		return err
	}

	pdu.Application = DomainPDUApplication(choice >> 2)

	switch pdu.Application {
	case erectDomainRequest:
		pdu.ClientErectDomainRequest = &ClientErectDomainRequest{}
		return pdu.ClientErectDomainRequest.Deserialize(wire)
	case attachUserRequest:
		pdu.ClientAttachUserRequest = &ClientAttachUserRequest{}
		return nil
	case attachUserConfirm:
		pdu.ServerAttachUserConfirm = &ServerAttachUserConfirm{}
		return pdu.ServerAttachUserConfirm.Deserialize(wire)
	case channelJoinRequest:
		pdu.ClientChannelJoinRequest = &ClientChannelJoinRequest{}
		return pdu.ClientChannelJoinRequest.Deserialize(wire)
	case channelJoinConfirm:
		pdu.ServerChannelJoinConfirm = &ServerChannelJoinConfirm{}
		return pdu.ServerChannelJoinConfirm.Deserialize(wire)
	case SendDataRequest:
		pdu.ClientSendDataRequest = &ClientSendDataRequest{}
		return pdu.ClientSendDataRequest.Deserialize(wire)
	case SendDataIndication:
		pdu.ServerSendDataIndication = &ServerSendDataIndication{}
		return pdu.ServerSendDataIndication.Deserialize(wire)
	case disconnectProviderUltimatum:
		pdu.DisconnectProviderUltimatum = &DisconnectProviderUltimatum{}
		return pdu.DisconnectProviderUltimatum.deserialize(choice, wire)
	}

	return fmt.Errorf("%w: %s", ErrUnknownDomainApplication, pdu.Application)
}

// DisconnectProviderUltimatum is T.125 DisconnectProviderUltimatum. The
// three-bit reason straddles the choice octet and the next one.
type DisconnectProviderUltimatum struct {
	Reason uint8
}

func (pdu *DisconnectProviderUltimatum) serialize(choice uint8) []byte {
	return []byte{choice | (pdu.Reason>>1)&0x03, (pdu.Reason & 0x01) << 7}
}

func (pdu *DisconnectProviderUltimatum) deserialize(choice uint8, wire io.Reader) error {
	next, err := encoding.PerReadEnumerates(wire)
	if err != nil {
		return err
	}

	pdu.Reason = (choice&0x03)<<1 | next>>7

	return nil
}

func reasonString(reason uint8) string {
	switch reason {
	case RNDomainDisconnected:
		return "rn-domain-disconnected"
	case RNProviderInitiated:
		return "rn-provider-initiated"
	case RNTokenPurged:
		return "rn-token-purged"
	case RNUserRequested:
		return "rn-user-requested"
	case RNChannelPurged:
		return "rn-channel-purged"
	}

	return fmt.Sprintf("rn-unknown(%d)", reason)
}
