package metrics

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/connection"
	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())
	bus := connection.NewBus()

	unsubscribe := m.Observe(bus)

	bus.Publish(connection.StateChangeEvent{Role: connection.RoleClient, State: connection.StateNego})
	bus.Publish(connection.StateChangeEvent{Role: connection.RoleClient, State: connection.StateNego})
	bus.Publish(connection.ActivatedEvent{Role: connection.RoleServer, FirstActivation: true})
	bus.Publish(connection.ActivatedEvent{Role: connection.RoleServer, FirstActivation: false})
	bus.Publish(connection.AttemptEvent{Role: connection.RoleClient, Duration: time.Second})
	bus.Publish(connection.AttemptEvent{Role: connection.RoleClient, Duration: time.Second, Err: connection.ErrMissingHostname})
	bus.Publish(connection.AttemptEvent{Role: connection.RoleClient, Err: errors.New("boom")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("client", "NEGO")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Activations.WithLabelValues("server", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Activations.WithLabelValues("server", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("client", "config")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("client", "other")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))

	unsubscribe()
	bus.Publish(connection.StateChangeEvent{Role: connection.RoleClient, State: connection.StateNego})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("client", "NEGO")))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics

	unsubscribe := m.Observe(connection.NewBus())
	require.NotNil(t, unsubscribe)
	assert.NotPanics(t, unsubscribe)
}

func TestMetrics_Transitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	c := connection.New(connection.RoleClient, settings.Default(), connection.WithLogger(logging.New(io.Discard, "text", logging.LevelError)))
	m.Observe(c.Bus())

	require.NoError(t, c.Transition(connection.StateNego))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("client", "NEGO")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
