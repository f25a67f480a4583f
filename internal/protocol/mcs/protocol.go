// Package mcs implements the Multipoint Communication Service (T.125) protocol
// layer for RDP connections as specified in MS-RDPBCGR.
package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
)

// Protocol sends MCS PDUs for one side of a connection and decodes the
// peer's. UserID is the attached user channel.
type Protocol struct {
	x224Conn x224Conn
	server   bool

	UserID uint16
}

func New(x224Conn x224Conn, server bool) *Protocol {
	return &Protocol{
		x224Conn: x224Conn,
		server:   server,
	}
}

// SendConnectInitial wraps the client blocks in a GCC Conference Create Request.
func (p *Protocol) SendConnectInitial(userData *gcc.ClientUserData) error {
	ccr := gcc.NewConferenceCreateRequest(userData.Serialize())

	req := ConnectPDU{
		Application:          connectInitial,
		ClientConnectInitial: NewClientMCSConnectInitial(ccr.Serialize()),
	}

	if err := p.x224Conn.Send(req.Serialize()); err != nil {
		return fmt.Errorf("client MCS connect initial request: %w", err)
	}

	return nil
}

func (p *Protocol) RecvConnectResponse(wire io.Reader) (*gcc.ServerUserData, error) {
	var resp ConnectPDU
	if err := resp.Deserialize(wire); err != nil {
		return nil, fmt.Errorf("server MCS connect response: %w", err)
	}

	if resp.Application != connectResponse {
		return nil, fmt.Errorf("server MCS connect response: %w: %d", ErrUnknownConnectApplication, resp.Application)
	}

	if result := resp.ServerConnectResponse.Result; result != RTSuccessful {
		return nil, fmt.Errorf("server MCS connect response: %w: %s", ErrUnsuccessfulResult, ResultString(result))
	}

	var ccr gcc.ConferenceCreateResponse
	if err := ccr.Deserialize(bytes.NewReader(resp.ServerConnectResponse.UserData)); err != nil {
		return nil, fmt.Errorf("server MCS connect response: %w", err)
	}

	var userData gcc.ServerUserData
	if err := userData.Deserialize(ccr.UserData); err != nil {
		return nil, fmt.Errorf("server MCS connect response: %w", err)
	}

	return &userData, nil
}

func (p *Protocol) RecvConnectInitial(wire io.Reader) (*gcc.ClientUserData, error) {
	var req ConnectPDU
	if err := req.Deserialize(wire); err != nil {
		return nil, fmt.Errorf("client MCS connect initial: %w", err)
	}

	if req.Application != connectInitial {
		return nil, fmt.Errorf("client MCS connect initial: %w: %d", ErrUnknownConnectApplication, req.Application)
	}

	var ccr gcc.ConferenceCreateRequest
	if err := ccr.Deserialize(bytes.NewReader(req.ClientConnectInitial.UserData())); err != nil {
		return nil, fmt.Errorf("client MCS connect initial: %w", err)
	}

	var userData gcc.ClientUserData
	if err := userData.Deserialize(ccr.UserData); err != nil {
		return nil, fmt.Errorf("client MCS connect initial: %w", err)
	}

	return &userData, nil
}

func (p *Protocol) SendConnectResponse(userData *gcc.ServerUserData) error {
	ccr := gcc.NewConferenceCreateResponse(userData.Serialize())

	resp := ConnectPDU{
		Application:           connectResponse,
		ServerConnectResponse: NewServerMCSConnectResponse(ccr.Serialize()),
	}

	if err := p.x224Conn.Send(resp.Serialize()); err != nil {
		return fmt.Errorf("server MCS connect response: %w", err)
	}

	return nil
}
