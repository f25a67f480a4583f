// Package commands implements the rdpconnect CLI.
package commands

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcarmo/rdpconnect/internal/config"
	"github.com/rcarmo/rdpconnect/internal/logging"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
)

// globalFlags mirror the options of the original server command.
type globalFlags struct {
	configFile    string
	host          string
	port          int
	user          string
	domain        string
	logLevel      string
	skipTLSVerify bool
	tlsServerName string
	nla           bool
}

func (f *globalFlags) loadOptions() config.LoadOptions {
	return config.LoadOptions{
		ConfigFile:        f.configFile,
		Host:              strings.TrimSpace(f.host),
		Port:              f.port,
		Username:          strings.TrimSpace(f.user),
		Domain:            strings.TrimSpace(f.domain),
		LogLevel:          strings.TrimSpace(f.logLevel),
		SkipTLSValidation: f.skipTLSVerify,
		TLSServerName:     strings.TrimSpace(f.tlsServerName),
		UseNLA:            f.nla,
	}
}

// load reads the configuration and sets up the process logger from it.
func (f *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithOverrides(f.loadOptions())
	if err != nil {
		return nil, err
	}

	logging.Configure(cmd.ErrOrStderr(), cfg.Logging.Format)
	logging.SetLevelFromString(cfg.Logging.Level)

	return cfg, nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "rdpconnect",
		Short: "RDP connection sequence client and server",
		Long: `rdpconnect drives the RDP connection sequence, from X.224 negotiation
through MCS, security commencement, licensing and capability exchange to an
active session, as a client or as a server.

Every config key can be set in the environment with the RDPCONNECT_ prefix,
for example RDPCONNECT_TARGET_HOST or RDPCONNECT_LOGGING_LEVEL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "YAML config file")
	pf.StringVar(&flags.host, "host", "", "RDP server host")
	pf.IntVar(&flags.port, "port", 0, "RDP server port")
	pf.StringVar(&flags.user, "user", "", "user name")
	pf.StringVar(&flags.domain, "domain", "", "logon domain")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&flags.skipTLSVerify, "skip-tls-verify", false, "skip TLS certificate validation")
	pf.StringVar(&flags.tlsServerName, "tls-server-name", "", "override TLS server name")
	pf.BoolVar(&flags.nla, "nla", false, "enable Network Level Authentication (NLA/CredSSP)")

	root.AddCommand(newConnectCmd(flags))
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newVersionCmd())

	root.CompletionOptions.DisableDefaultCmd = true

	return root
}

// Execute runs the command tree with os.Args.
func Execute() error {
	root := NewRootCmd()
	root.SetArgs(os.Args[1:])

	return root.Execute()
}
