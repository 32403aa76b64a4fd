package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/envconfig"
	"github.com/doppler/engine/gpu"
	"github.com/doppler/engine/kernel"
	"github.com/doppler/engine/kernel/wgpubackend"
	"github.com/doppler/engine/manifest"
	"github.com/doppler/engine/pipeline"
	"github.com/doppler/engine/profiler"
	"github.com/doppler/engine/weights"
)

type runOptions struct {
	modelPath string
	prompt    string
	maxTokens uint32
	temp      float32
	topK      uint32
	topP      float32
	seed      uint64
	stopIDs   string
	debug     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a gguf manifest and generate tokens from a prompt of token ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.modelPath, "model", "", "path to a local gguf file (required)")
	cmd.Flags().StringVar(&opts.prompt, "prompt", "", "comma-separated prompt token ids (required)")
	cmd.Flags().Uint32Var(&opts.maxTokens, "max-tokens", 64, "maximum tokens to generate")
	cmd.Flags().Float32Var(&opts.temp, "temperature", 0.8, "sampling temperature")
	cmd.Flags().Uint32Var(&opts.topK, "top-k", 40, "top-k candidates, 0 disables")
	cmd.Flags().Float32Var(&opts.topP, "top-p", 0.9, "top-p mass cutoff, 0 disables")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "sampler seed")
	cmd.Flags().StringVar(&opts.stopIDs, "stop", "", "comma-separated stop token ids")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "print per-scope profiler counters to stderr after generation")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("prompt")

	return cmd
}

func run(cmd *cobra.Command, opts runOptions) error {
	promptIDs, err := parseIDs(opts.prompt)
	if err != nil {
		return fmt.Errorf("--prompt: %w", err)
	}
	stopIDs, err := parseIDs(opts.stopIDs)
	if err != nil {
		return fmt.Errorf("--stop: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	f, err := os.Open(opts.modelPath)
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	const shardID = "local"
	m, err := manifest.FromGGUF(f, shardID)
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	dev, err := gpu.Acquire(gpu.AcquireOptions{AdapterIndex: adapterIndex()})
	if err != nil {
		return fmt.Errorf("acquire gpu device: %w", err)
	}
	defer dev.Release()

	w, err := weights.Load(ctx, m, map[string]weights.ShardReader{shardID: f}, dev)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	defer w.Release()

	backend, err := chooseBackend(dev)
	if err != nil {
		return err
	}

	orch, err := pipeline.New(ctx, backend, m, w)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	prof := profiler.New(opts.debug)
	orch.SetProfiler(prof)

	stopSet := make(map[int32]struct{}, len(stopIDs))
	for _, id := range stopIDs {
		stopSet[id] = struct{}{}
	}

	events := orch.Generate(ctx, promptIDs, pipeline.Options{
		MaxTokens:    opts.maxTokens,
		Temperature:  opts.temp,
		TopK:         opts.topK,
		TopP:         opts.topP,
		StopTokenIDs: stopSet,
		Seed:         opts.seed,
	})

	for ev := range events {
		if ev.Err != nil {
			return fmt.Errorf("generate: %w", ev.Err)
		}
		if ev.HasToken {
			fmt.Fprintln(cmd.OutOrStdout(), ev.TokenID)
		}
	}

	if opts.debug {
		for scope, stats := range prof.Resolve() {
			fmt.Fprintf(cmd.ErrOrStderr(), "profile: %s submits=%d wall=%s readback_bytes=%d\n",
				scope, stats.Submits, stats.WallTime, stats.ReadbackBytes)
		}
	}
	return nil
}

// chooseBackend honors DOPPLER_FORCE_CPU, otherwise compiles the wgpu
// compute pipelines against the acquired device.
func chooseBackend(dev *gpu.Device) (kernel.Backend, error) {
	if envconfig.ForceCPU() {
		return kernel.NewCPUBackend(), nil
	}
	b, err := wgpubackend.New(dev)
	if err != nil {
		return nil, fmt.Errorf("compile gpu backend: %w: %v", engine.ErrFeatureUnsupported, err)
	}
	return b, nil
}

func adapterIndex() int {
	s := envconfig.AdapterIndex()
	if s == "" {
		return -1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func parseIDs(s string) ([]int32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", p, err)
		}
		ids = append(ids, int32(n))
	}
	return ids, nil
}
