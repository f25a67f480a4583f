package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

// dataPriority high, segmentation begin|end
const sendDataFlags = 0x70

// sendData is the layout shared by SendDataRequest and SendDataIndication.
type sendData struct {
	Initiator uint16
	ChannelId uint16
	Data      []byte
}

func (d *sendData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 7+len(d.Data)))

	encoding.PerWriteInteger16(d.Initiator, BaseChannelID, buf)
	encoding.PerWriteInteger16(d.ChannelId, 0, buf)
	buf.WriteByte(sendDataFlags)
	encoding.PerWriteLength(uint16(len(d.Data)), buf) // #nosec G115

	buf.Write(d.Data)

	return buf.Bytes()
}

func (d *sendData) Deserialize(wire io.Reader) error {
	var err error

	if d.Initiator, err = encoding.PerReadInteger16(BaseChannelID, wire); err != nil {
		return err
	}

	if d.ChannelId, err = encoding.PerReadInteger16(0, wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadEnumerates(wire); err != nil {
		return err
	}

	length, err := encoding.PerReadLength(wire)
	if err != nil {
		return err
	}

	d.Data = make([]byte, length)
	_, err = io.ReadFull(wire, d.Data)

	return err
}

// ClientSendDataRequest carries client to server channel data.
type ClientSendDataRequest struct{ sendData }

// ServerSendDataIndication carries server to client channel data.
type ServerSendDataIndication struct{ sendData }

// SendData sends pduData on channelID as a request (client) or indication (server).
func (p *Protocol) SendData(channelID uint16, pduData []byte) error {
	data := sendData{Initiator: p.UserID, ChannelId: channelID, Data: pduData}

	req := DomainPDU{Application: SendDataRequest, ClientSendDataRequest: &ClientSendDataRequest{data}}
	if p.server {
		req = DomainPDU{Application: SendDataIndication, ServerSendDataIndication: &ServerSendDataIndication{data}}
	}

	if err := p.x224Conn.Send(req.Serialize()); err != nil {
		return fmt.Errorf("MCS send data on channel %d: %w", channelID, err)
	}

	return nil
}

// SendDisconnectProviderUltimatum tells the peer the domain is going away.
func (p *Protocol) SendDisconnectProviderUltimatum(reason uint8) error {
	pdu := DomainPDU{
		Application:                 disconnectProviderUltimatum,
		DisconnectProviderUltimatum: &DisconnectProviderUltimatum{Reason: reason},
	}

	if err := p.x224Conn.Send(pdu.Serialize()); err != nil {
		return fmt.Errorf("MCS disconnect provider ultimatum: %w", err)
	}

	return nil
}
