package connection

import (
	"context"
	"crypto/tls"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/gcc"
	"github.com/rcarmo/rdpconnect/internal/protocol/nego"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/settings"
	"github.com/rcarmo/rdpconnect/internal/transport"
)

func quietLogger() *logging.Logger {
	return logging.New(io.Discard, "text", logging.LevelError)
}

// fakeTransport never has data to read.
type fakeTransport struct {
	closed bool
}

func (t *fakeTransport) Read([]byte) (int, error)                    { return 0, io.EOF }
func (t *fakeTransport) Write(b []byte) (int, error)                 { return len(b), nil }
func (t *fakeTransport) ReadPDU(time.Time) (*transport.Frame, error) { return nil, io.EOF }
func (t *fakeTransport) WritePDU([]byte) error                       { return nil }
func (t *fakeTransport) SetDeadline(time.Time) error                 { return nil }
func (t *fakeTransport) StartTLSClient(string, bool) error           { return nil }
func (t *fakeTransport) StartTLSServer(*tls.Config) error            { return nil }

func (t *fakeTransport) Poll(timeout time.Duration) (bool, error) {
	time.Sleep(timeout)
	return false, nil
}

func (t *fakeTransport) Authenticate(context.Context, pdu.NegotiationProtocol) error {
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

type fakeNego struct {
	options   nego.SecurityOptions
	cookie    string
	token     string
	selected  pdu.NegotiationProtocol
	requested pdu.NegotiationProtocol
	err       error
}

func (n *fakeNego) SetSecurityOptions(o nego.SecurityOptions) { n.options = o }
func (n *fakeNego) SetCookie(cookie string)                   { n.cookie = cookie }
func (n *fakeNego) SetRoutingToken(token string)              { n.token = token }
func (n *fakeNego) SetCookieMaxLength(int)                    {}
func (n *fakeNego) Connect() error                            { return n.err }
func (n *fakeNego) ReadRequest() error                        { return n.err }
func (n *fakeNego) SendResponse() error                       { return n.err }

func (n *fakeNego) SelectedProtocol() pdu.NegotiationProtocol   { return n.selected }
func (n *fakeNego) RequestedProtocols() pdu.NegotiationProtocol { return n.requested }

type sentData struct {
	channelID uint16
	data      []byte
}

// fakeMCS records what the connection sends and answers joins from a
// queue of confirmed channel IDs.
type fakeMCS struct {
	mu sync.Mutex

	userID    uint16
	confirms  []uint16
	joins     []uint16
	sent      []sentData
	ultimatum bool
}

func (m *fakeMCS) SendConnectInitial(*gcc.ClientUserData) error { return nil }

func (m *fakeMCS) RecvConnectResponse(io.Reader) (*gcc.ServerUserData, error) {
	return nil, io.EOF
}

func (m *fakeMCS) SendErectDomainRequest() error { return nil }
func (m *fakeMCS) SendAttachUserRequest() error  { return nil }

func (m *fakeMCS) RecvAttachUserConfirm(io.Reader) (uint16, error) {
	return m.userID, nil
}

func (m *fakeMCS) SendChannelJoinRequest(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.joins = append(m.joins, id)

	return nil
}

func (m *fakeMCS) RecvChannelJoinConfirm(io.Reader) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.confirms) == 0 {
		return 0, io.EOF
	}

	id := m.confirms[0]
	m.confirms = m.confirms[1:]

	return id, nil
}

func (m *fakeMCS) RecvConnectInitial(io.Reader) (*gcc.ClientUserData, error) {
	return nil, io.EOF
}

func (m *fakeMCS) SendConnectResponse(*gcc.ServerUserData) error { return nil }
func (m *fakeMCS) RecvErectDomainRequest(io.Reader) error        { return nil }
func (m *fakeMCS) RecvAttachUserRequest(io.Reader) error         { return nil }
func (m *fakeMCS) SendAttachUserConfirm(uint16) error            { return nil }

func (m *fakeMCS) RecvChannelJoinRequest(io.Reader) (uint16, error) {
	return m.RecvChannelJoinConfirm(nil)
}

func (m *fakeMCS) SendChannelJoinConfirm(uint16) error { return nil }

func (m *fakeMCS) SendData(channelID uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, sentData{channelID: channelID, data: append([]byte(nil), data...)})

	return nil
}

func (m *fakeMCS) RecvData(io.Reader) (uint16, []byte, error) {
	return 0, nil, io.EOF
}

func (m *fakeMCS) SendDisconnectProviderUltimatum(uint8) error {
	m.ultimatum = true
	return nil
}

// fakeStack wires a fixed negotiator and MCS into a client built with a
// fakeTransport dialer.
func fakeStack(n *fakeNego, m *fakeMCS) []Option {
	return []Option{
		WithDialer(func(context.Context, string, int, time.Duration) (Transport, error) {
			return &fakeTransport{}, nil
		}),
		WithStack(func(Transport, bool) (Negotiator, MCS) { return n, m }),
		WithLogger(quietLogger()),
	}
}

// fakeResolver resolves only the listed hosts and records every lookup.
type fakeResolver struct {
	hosts   []string
	lookups []string
}

func (r *fakeResolver) Resolvable(_ context.Context, host string) bool {
	r.lookups = append(r.lookups, host)

	return slices.Contains(r.hosts, host)
}

func testSettings() *settings.Settings {
	s := settings.Default()
	s.ServerHostname = "rdp.example.test"
	s.Username = "alice"
	s.Password = "secret"
	s.PollInterval = time.Millisecond

	return s
}
