package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/doppler/engine/manifest"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <model.gguf>",
		Short: "Print a gguf manifest's architecture fields without loading weights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return info(cmd, args[0])
		},
	}
	return cmd
}

func info(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	m, err := manifest.FromGGUF(f, "local")
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "vocab_size:        %d\n", m.VocabSize)
	fmt.Fprintf(out, "hidden_size:       %d\n", m.HiddenSize)
	fmt.Fprintf(out, "num_layers:        %d\n", m.NumLayers)
	fmt.Fprintf(out, "num_heads_q:       %d\n", m.NumHeadsQ)
	fmt.Fprintf(out, "num_heads_kv:      %d\n", m.NumHeadsKV)
	fmt.Fprintf(out, "head_dim:          %d\n", m.HeadDim)
	fmt.Fprintf(out, "intermediate_size: %d\n", m.Intermediate)
	fmt.Fprintf(out, "max_position:      %d\n", m.MaxPosition)
	fmt.Fprintf(out, "sliding_window:    pattern=%d size=%d\n", m.SlidingWindowPattern, m.SlidingWindowSize)
	fmt.Fprintf(out, "tensors:           %d\n", len(m.Tensors))
	return nil
}
