package connection

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/settings"
	"github.com/rcarmo/rdpconnect/internal/transport"
)

type resizeCounter struct {
	calls atomic.Int32
}

func (r *resizeCounter) DesktopResize(_ *Connection, _, _ uint16) error {
	r.calls.Add(1)
	return nil
}

// eventLog collects what a connection publishes on its own goroutine.
type eventLog struct {
	mu        sync.Mutex
	activated []bool
	states    []State
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev := e.(type) {
	case ActivatedEvent:
		l.activated = append(l.activated, ev.FirstActivation)
	case StateChangeEvent:
		l.states = append(l.states, ev.State)
	}
}

func (l *eventLog) count(s State) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, got := range l.states {
		if got == s {
			n++
		}
	}

	return n
}

// since returns the distinct states from the first entry into from.
func (l *eventLog) since(from State) []State {
	l.mu.Lock()
	defer l.mu.Unlock()

	var got []State
	for _, s := range l.states {
		if len(got) == 0 && s != from {
			continue
		}

		if len(got) > 0 && got[len(got)-1] == s {
			continue
		}

		got = append(got, s)
	}

	return got
}

func (l *eventLog) firstActivations() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]bool(nil), l.activated...)
}

func pumpUntil(t *testing.T, c *Connection, done func() bool) error {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			return ErrActivationTimeout
		}

		if err := c.CheckFds(); err != nil {
			return err
		}
	}

	return nil
}

func TestLoopback_StandardSecurity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ln, err := transport.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverSettings := settings.Default()
	serverSettings.TlsSecurity = false
	serverSettings.ServerPrivateKey = key
	serverSettings.PollInterval = time.Millisecond

	var serverEvents eventLog

	accepted := make(chan *Connection, 1)
	serverErr := make(chan error, 1)

	go func() {
		tcp, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}

		server := New(RoleServer, serverSettings, WithTransport(tcp), WithLogger(quietLogger()))
		server.Bus().Subscribe(serverEvents.record)

		if err := server.Accept(ctx); err != nil {
			serverErr <- err
			return
		}

		if err := pumpUntil(t, server, func() bool { return server.State() == StateActive }); err != nil {
			serverErr <- err
			return
		}

		accepted <- server
	}()

	clientSettings := testSettings()
	clientSettings.ServerHostname = "127.0.0.1"
	clientSettings.ServerPort = ln.Addr().(*net.TCPAddr).Port
	clientSettings.TlsSecurity = false
	clientSettings.BitmapCachePersistEnabled = true
	clientSettings.StaticChannels = []settings.Channel{{Name: "cliprdr", Options: 0xC0A00000}}

	resizer := &resizeCounter{}

	var clientEvents eventLog

	client := New(RoleClient, clientSettings, WithApplication(resizer), WithLogger(quietLogger()))
	client.Bus().Subscribe(clientEvents.record)
	defer client.Disconnect()

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, pumpUntil(t, client, func() bool { return client.State() == StateActive }))

	var server *Connection
	select {
	case server = <-accepted:
	case err := <-serverErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("server did not finish accepting")
	}
	defer server.Disconnect()

	assert.Equal(t, StateActive, server.State())
	assert.Equal(t, "alice", server.ClientInfo().UserName)
	assert.Equal(t, LicenseCompleted, client.License().State())
	assert.True(t, client.Settings().Negotiated.UseRdpSecurityLayer())
	assert.Equal(t, 1, clientEvents.count(StateFinalizationPersistentKeyList))
	assert.Equal(t, []State{
		StateCapabilitiesExchangeConfirmActive,
		StateFinalizationClientSync,
		StateFinalizationClientCooperate,
		StateFinalizationClientGrantedControl,
		StateFinalizationClientFontMap,
		StateActive,
	}, serverEvents.since(StateCapabilitiesExchangeConfirmActive))
	assert.Equal(t, int32(0), resizer.calls.Load())

	reactivated := make(chan error, 1)

	go func() {
		if err := server.Reactivate(); err != nil {
			reactivated <- err
			return
		}

		reactivated <- pumpUntil(t, server, func() bool { return serverEvents.count(StateActive) == 2 })
	}()

	require.NoError(t, pumpUntil(t, client, func() bool { return clientEvents.count(StateActive) == 2 }))
	require.NoError(t, <-reactivated)

	assert.Equal(t, StateActive, client.State())
	assert.Equal(t, []bool{true, false}, clientEvents.firstActivations())
	assert.Equal(t, []bool{true, false}, serverEvents.firstActivations())
	assert.Equal(t, 1, clientEvents.count(StateFinalizationPersistentKeyList))
	assert.Equal(t, int32(0), resizer.calls.Load(), "reactivation kept the desktop size")
}
