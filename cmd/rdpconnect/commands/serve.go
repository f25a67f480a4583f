package commands

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rcarmo/rdpconnect/internal/config"
	"github.com/rcarmo/rdpconnect/internal/connection"
	"github.com/rcarmo/rdpconnect/internal/handler"
	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/metrics"
	"github.com/rcarmo/rdpconnect/internal/settings"
	"github.com/rcarmo/rdpconnect/internal/transport"
)

const (
	rdpKeyBits      = 2048
	shutdownTimeout = 5 * time.Second
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept clients with the server connection sequence",
		Long: `Listen for RDP clients and take each through the server side of the
connection sequence to the active state. When server.events_addr is set, a
websocket endpoint at /events runs client sessions for a browser and streams
their state events.

Examples:
  rdpconnect serve --listen 127.0.0.1:3389
  RDPCONNECT_SERVER_EVENTS_ADDR=127.0.0.1:8080 rdpconnect serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}

			if listen != "" {
				cfg.Server.ListenAddr = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cmd.OutOrStdout(), cfg, nil)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "RDP listen address (default from server.listen_addr)")

	return cmd
}

func generateRDPKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, rdpKeyBits)
}

// syncWriter serializes the status lines of concurrent peers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}

// runServe accepts peers until ctx is done. ready, when set, receives the
// bound listen address.
func runServe(ctx context.Context, out io.Writer, cfg *config.Config, ready func(addr string)) error {
	base, err := cfg.ServerSettings(generateRDPKey)
	if err != nil {
		return err
	}

	m, stopMetrics := startMetrics(cfg)
	defer stopMetrics()

	if cfg.Server.EventsAddr != "" {
		stopEvents := startHTTP(cfg.Server.EventsAddr, eventsMux(cfg, m))
		defer stopEvents()
	}

	ln, err := transport.Listen(ctx, cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	out = &syncWriter{w: out}

	fmt.Fprintf(out, "listening on %s (security %s)\n", ln.Addr(), base.SecurityLabel())

	if ready != nil {
		ready(ln.Addr().String())
	}

	var peers sync.WaitGroup
	defer peers.Wait()

	for {
		tcp, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		peers.Add(1)

		go func() {
			defer peers.Done()
			servePeer(ctx, out, tcp, base.Clone(), m)
		}()
	}
}

func servePeer(ctx context.Context, out io.Writer, tcp *transport.TCP, s *settings.Settings, m *metrics.Metrics) {
	conn := connection.New(connection.RoleServer, s, connection.WithTransport(tcp), connection.WithLogger(logging.Default()))

	stopObserving := m.Observe(conn.Bus())
	defer stopObserving()

	defer func() {
		if err := conn.Disconnect(); err != nil {
			logging.Debug("RDP: serve: disconnect: %v", err)
		}
	}()

	remote := tcp.RemoteAddr()

	if err := conn.Accept(ctx); err != nil {
		logging.Warn("RDP: serve: %s: accept: %v (%s)", remote, err, connection.Reason(err))
		return
	}

	user := ""
	if info := conn.ClientInfo(); info != nil {
		user = info.UserName
	}

	fmt.Fprintf(out, "%s active for %q\n", remote, user)

	for ctx.Err() == nil {
		if err := conn.CheckFds(); err != nil {
			logging.Info("RDP: serve: %s: session ended: %v", remote, err)
			return
		}
	}
}

func eventsMux(cfg *config.Config, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/events", &handler.Events{Config: cfg, Metrics: m, Logger: logging.Default()})

	return mux
}

// startMetrics registers the collectors and serves /metrics when enabled.
// The returned *Metrics is nil otherwise.
func startMetrics(cfg *config.Config) (*metrics.Metrics, func()) {
	if !cfg.Metrics.Enabled {
		return nil, func() {}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return m, startHTTP(cfg.Metrics.Addr, mux)
}

func startHTTP(addr string, h http.Handler) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("RDP: http %s: %v", addr, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(ctx)
	}
}
