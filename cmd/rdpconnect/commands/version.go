package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rdpconnect %s (%s)\n", Version, Commit)
			fmt.Fprintf(out, "Built with %s\n", runtime.Version())
			fmt.Fprintln(out, "Protocol: RDP 10.x connection sequence")
		},
	}
}
