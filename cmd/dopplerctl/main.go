// Package main is dopplerctl's entrypoint, a thin cobra CLI over the
// engine packages: acquire a device, load a manifest and its weights,
// and drive the pipeline orchestrator to a token stream. It plays the
// role cmd/cmd.go's NewCLI plays for the teacher's richer CLI, trimmed
// to the two verbs this engine exposes at the command line (run, info).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/doppler/engine/envconfig"
	"github.com/doppler/engine/logutil"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	root := &cobra.Command{
		Use:           "dopplerctl",
		Short:         "Run decoder-only transformer inference against a gguf manifest",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInfoCmd())
	return root
}
