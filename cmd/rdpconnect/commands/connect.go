package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcarmo/rdpconnect/internal/config"
	"github.com/rcarmo/rdpconnect/internal/connection"
	"github.com/rcarmo/rdpconnect/internal/logging"
)

var errNoHost = errors.New("no target host: use --host or RDPCONNECT_TARGET_HOST")

func newConnectCmd(flags *globalFlags) *cobra.Command {
	var (
		password string
		stay     bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run the client connection sequence",
		Long: `Connect to an RDP server, run the connection sequence to the active
state and print every state the connection enters. With --stay the session
is kept alive until interrupted.

Examples:
  rdpconnect connect --host 10.0.0.5 --user alice
  RDPCONNECT_TARGET_PASSWORD=secret rdpconnect connect --host rdp.example.com --stay`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}

			if password != "" {
				cfg.Target.Password = password
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runConnect(ctx, cmd.OutOrStdout(), cfg, stay)
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "password (prefer RDPCONNECT_TARGET_PASSWORD)")
	cmd.Flags().BoolVar(&stay, "stay", false, "keep the session alive until interrupted")

	return cmd
}

func runConnect(ctx context.Context, out io.Writer, cfg *config.Config, stay bool, opts ...connection.Option) error {
	s, err := cfg.Settings()
	if err != nil {
		return err
	}

	if s.ServerHostname == "" {
		return errNoHost
	}

	m, stopMetrics := startMetrics(cfg)
	defer stopMetrics()

	opts = append([]connection.Option{connection.WithLogger(logging.Default())}, opts...)
	conn := connection.New(connection.RoleClient, s, opts...)

	stopObserving := m.Observe(conn.Bus())
	defer stopObserving()

	unsubscribe := conn.Bus().Subscribe(printEvents(out))
	defer unsubscribe()

	defer func() {
		if err := conn.Disconnect(); err != nil {
			logging.Debug("RDP: connect: disconnect: %v", err)
		}
	}()

	started := time.Now()

	if err := conn.Open(ctx); err != nil {
		return fmt.Errorf("connect %s:%d: %w (%s)", s.ServerHostname, s.ServerPort, err, connection.Reason(err))
	}

	for conn.State() != connection.StateActive || stay {
		if err := ctx.Err(); err != nil {
			if stay && conn.IsActive() {
				return nil
			}

			return fmt.Errorf("session: %w", err)
		}

		if err := conn.CheckFds(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}

	fmt.Fprintf(out, "active after %s\n", time.Since(started).Round(time.Millisecond))

	return nil
}

func printEvents(out io.Writer) func(connection.Event) {
	return func(e connection.Event) {
		switch ev := e.(type) {
		case connection.StateChangeEvent:
			fmt.Fprintf(out, "%s %s\n", ev.Role, ev.State)
		case connection.ActivatedEvent:
			fmt.Fprintf(out, "%s activated (first=%t)\n", ev.Role, ev.FirstActivation)
		}
	}
}
