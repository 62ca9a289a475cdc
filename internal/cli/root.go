// Package cli builds the gpusched command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X gpusched/internal/cli.Version=...".
var Version = "dev"

// NewRootCmd constructs the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gpusched",
		Short:         "GPU-aware task admission, scheduling and lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newStatsCmd(),
		newDevicesCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

// Main runs the command tree with args and returns the process exit code:
// 0 on success, 1 on failure, 2 when no command is given.
func Main(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) == 0 {
		_ = root.Usage()
		return 2
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// Execute runs Main with the process arguments and exits.
func Execute() {
	os.Exit(Main(os.Args[1:], os.Stdout, os.Stderr))
}
