package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

// ConnectPDUApplication is the BER application tag of an MCS connect PDU (T.125 7).
type ConnectPDUApplication uint8

const (
	connectInitial ConnectPDUApplication = iota + 101
	connectResponse
	connectAdditional
	connectResult
)

type ConnectPDU struct {
	Application           ConnectPDUApplication
	ClientConnectInitial  *ClientConnectInitial
	ServerConnectResponse *ServerConnectResponse
}

func (pdu *ConnectPDU) Serialize() []byte {
	var body []byte

	switch pdu.Application {
	case connectInitial:
		body = pdu.ClientConnectInitial.Serialize()
	case connectResponse:
		body = pdu.ServerConnectResponse.Serialize()
	}

	buf := new(bytes.Buffer)

	encoding.BerWriteApplicationTag(uint8(pdu.Application), len(body), buf)
	buf.Write(body)

	return buf.Bytes()
}

func (pdu *ConnectPDU) Deserialize(wire io.Reader) error {
	tag, err := encoding.BerReadApplicationTag(wire)
	if err != nil {
		return err
	}

	pdu.Application = ConnectPDUApplication(tag)

	if _, err = encoding.BerReadLength(wire); err != nil {
		return err
	}

	switch pdu.Application {
	case connectInitial:
		pdu.ClientConnectInitial = &ClientConnectInitial{}
		return pdu.ClientConnectInitial.Deserialize(wire)
	case connectResponse:
		pdu.ServerConnectResponse = &ServerConnectResponse{}
		return pdu.ServerConnectResponse.Deserialize(wire)
	}

	return fmt.Errorf("%w: %d", ErrUnknownConnectApplication, tag)
}

// ClientConnectInitial is the MCS Connect-Initial PDU (MS-RDPBCGR 2.2.1.3).
type ClientConnectInitial struct {
	calledDomainSelector  []byte
	callingDomainSelector []byte
	upwardFlag            bool
	targetParameters      domainParameters
	minimumParameters     domainParameters
	maximumParameters     domainParameters
	userData              []byte
}

func NewClientMCSConnectInitial(userData []byte) *ClientConnectInitial {
	return &ClientConnectInitial{
		calledDomainSelector:  []byte{0x01},
		callingDomainSelector: []byte{0x01},
		upwardFlag:            true,
		targetParameters:      clientTargetParameters,
		minimumParameters:     clientMinimumParameters,
		maximumParameters:     clientMaximumParameters,
		userData:              userData,
	}
}

// UserData returns the GCC Conference Create Request.
func (pdu *ClientConnectInitial) UserData() []byte {
	return pdu.userData
}

func (pdu *ClientConnectInitial) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.BerWriteOctetString(pdu.callingDomainSelector, buf)
	encoding.BerWriteOctetString(pdu.calledDomainSelector, buf)
	encoding.BerWriteBoolean(pdu.upwardFlag, buf)
	encoding.BerWriteSequence(pdu.targetParameters.Serialize(), buf)
	encoding.BerWriteSequence(pdu.minimumParameters.Serialize(), buf)
	encoding.BerWriteSequence(pdu.maximumParameters.Serialize(), buf)
	encoding.BerWriteOctetString(pdu.userData, buf)

	return buf.Bytes()
}

func (pdu *ClientConnectInitial) Deserialize(wire io.Reader) error {
	var err error

	if pdu.callingDomainSelector, err = encoding.BerReadOctetString(wire); err != nil {
		return err
	}

	if pdu.calledDomainSelector, err = encoding.BerReadOctetString(wire); err != nil {
		return err
	}

	if pdu.upwardFlag, err = encoding.BerReadBoolean(wire); err != nil {
		return err
	}

	for _, params := range []*domainParameters{&pdu.targetParameters, &pdu.minimumParameters, &pdu.maximumParameters} {
		if _, err = encoding.BerReadSequence(wire); err != nil {
			return err
		}

		if err = params.Deserialize(wire); err != nil {
			return err
		}
	}

	pdu.userData, err = encoding.BerReadOctetString(wire)

	return err
}

// ServerConnectResponse is the MCS Connect-Response PDU (MS-RDPBCGR 2.2.1.4).
type ServerConnectResponse struct {
	Result           uint8
	calledConnectId  int
	domainParameters domainParameters
	UserData         []byte
}

func NewServerMCSConnectResponse(userData []byte) *ServerConnectResponse {
	return &ServerConnectResponse{
		Result:           RTSuccessful,
		domainParameters: serverDomainParameters,
		UserData:         userData,
	}
}

func (pdu *ServerConnectResponse) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.BerWriteEnumerated(pdu.Result, buf)
	encoding.BerWriteInteger(pdu.calledConnectId, buf)
	encoding.BerWriteSequence(pdu.domainParameters.Serialize(), buf)
	encoding.BerWriteOctetString(pdu.UserData, buf)

	return buf.Bytes()
}

func (pdu *ServerConnectResponse) Deserialize(wire io.Reader) error {
	var err error

	if pdu.Result, err = encoding.BerReadEnumerated(wire); err != nil {
		return err
	}

	if pdu.calledConnectId, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	if _, err = encoding.BerReadSequence(wire); err != nil {
		return err
	}

	if err = pdu.domainParameters.Deserialize(wire); err != nil {
		return err
	}

	pdu.UserData, err = encoding.BerReadOctetString(wire)

	return err
}
