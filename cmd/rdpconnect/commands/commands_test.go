package commands

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/config"
	"github.com/rcarmo/rdpconnect/internal/logging"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)

	err := root.Execute()

	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)

	assert.Contains(t, out, "rdpconnect dev (none)")
	assert.Contains(t, out, "Built with go")
}

func TestConfigShowCommand(t *testing.T) {
	t.Setenv("RDPCONNECT_TARGET_PASSWORD", "secret")

	out, err := execute(t, "config", "show", "--host", "rdp.example.test", "--user", "alice", "--log-level", "debug")
	require.NoError(t, err)

	assert.Contains(t, out, "host: rdp.example.test")
	assert.Contains(t, out, "username: alice")
	assert.Contains(t, out, "level: debug")
	assert.Contains(t, out, redacted)
	assert.NotContains(t, out, "secret")
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"connect without host", []string{"connect"}},
		{"invalid log level", []string{"config", "show", "--log-level", "loud"}},
		{"missing config file", []string{"config", "show", "--config", "/nonexistent/rdpconnect.yaml"}},
		{"unexpected argument", []string{"version", "extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}

	t.Run("no host error", func(t *testing.T) {
		_, err := execute(t, "connect")
		assert.ErrorIs(t, err, errNoHost)
	})
}

func TestServeAndConnect(t *testing.T) {
	logging.Configure(io.Discard, "text")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	serverCfg, err := config.Load("")
	require.NoError(t, err)
	serverCfg.Server.ListenAddr = "127.0.0.1:0"
	serverCfg.Session.PollInterval = time.Millisecond

	var serverOut bytes.Buffer

	addrs := make(chan string, 1)
	served := make(chan error, 1)

	go func() {
		served <- runServe(ctx, &serverOut, serverCfg, func(addr string) { addrs <- addr })
	}()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-served:
		t.Fatalf("serve stopped: %v", err)
	case <-ctx.Done():
		t.Fatal("serve did not start")
	}

	host, portText, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	clientCfg, err := config.Load("")
	require.NoError(t, err)
	clientCfg.Target.Host = host
	clientCfg.Target.Port = port
	clientCfg.Target.Username = "alice"
	clientCfg.Target.Password = "secret"
	clientCfg.Security.TLS = false
	clientCfg.Session.PollInterval = time.Millisecond

	var clientOut bytes.Buffer
	require.NoError(t, runConnect(ctx, &clientOut, clientCfg, false))

	assert.Contains(t, clientOut.String(), "client NEGO")
	assert.Contains(t, clientOut.String(), "client activated (first=true)")
	assert.Contains(t, clientOut.String(), "client ACTIVE")
	assert.Contains(t, clientOut.String(), "active after")

	cancel()
	require.NoError(t, <-served)

	assert.Contains(t, serverOut.String(), "listening on 127.0.0.1:")
	assert.Contains(t, serverOut.String(), `active for "alice"`)
}
