package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/driftlab/vivarium/pkg/compute"
	"github.com/driftlab/vivarium/pkg/config"
	"github.com/driftlab/vivarium/pkg/core"
	"github.com/driftlab/vivarium/pkg/identity"
	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/memory"
	"github.com/driftlab/vivarium/pkg/supervisor"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vivarium",
		Short:         "Host for autonomous agent instances backed by the Loom daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		cfgPath string
		boxPath string
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all agent instances under the box root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstances(cmd.Context(), cfgPath, boxPath, debug)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "vivarium.yaml", "config file path")
	cmd.Flags().StringVar(&boxPath, "box", "", "run a single box directory instead of scanning the box root")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func runInstances(ctx context.Context, cfgPath, boxPath string, debug bool) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	boxes, err := discoverBoxes(cfg, boxPath)
	if err != nil {
		return err
	}
	logger.Info("starting", zap.Int("instances", len(boxes)))

	// All instances share one daemon, so one client serves them all;
	// sessions keep their state apart.
	client := compute.NewClient(compute.Options{
		Root:         cfg.Daemon.Root,
		LaunchScript: cfg.Daemon.LaunchScript,
		EvalTimeout:  cfg.Daemon.EvalTimeout,
		LongTimeout:  cfg.Daemon.LongTimeout,
		Logger:       logger.Named("compute"),
	})

	g, ctx := errgroup.WithContext(ctx)
	for _, box := range boxes {
		sup, err := buildInstance(cfg, box, client, logger)
		if err != nil {
			return fmt.Errorf("instance %s: %w", box, err)
		}
		g.Go(func() error { return sup.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// discoverBoxes finds instance directories: either the one named on the
// command line or every *_box directory under the box root.
func discoverBoxes(cfg *config.Config, boxPath string) ([]string, error) {
	if boxPath != "" {
		info, err := os.Stat(boxPath)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", boxPath)
		}
		return []string{boxPath}, nil
	}

	matches, err := filepath.Glob(filepath.Join(cfg.BoxRoot, "*_box"))
	if err != nil {
		return nil, err
	}
	var boxes []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			boxes = append(boxes, m)
		}
	}
	if len(boxes) == 0 {
		return nil, fmt.Errorf("no *_box directories under %s", cfg.BoxRoot)
	}
	return boxes, nil
}

func buildInstance(cfg *config.Config, box string, client *compute.Client, logger *zap.Logger) (*supervisor.Supervisor, error) {
	id := identity.IDFromBox(box)
	icfg := cfg.ForInstance(id)
	log := logger.Named(id)

	ident, err := identity.Load(box)
	if err != nil {
		return nil, err
	}

	provider, err := initLLM(icfg.Model)
	if err != nil {
		return nil, err
	}
	emb, err := initEmbedder(icfg.Embedder)
	if err != nil {
		return nil, err
	}
	var summarizer llm.Provider
	if icfg.Summarizer != nil {
		summarizer, err = initLLM(*icfg.Summarizer)
		if err != nil {
			return nil, err
		}
	}

	stream, err := memory.Open(box, memory.Options{
		Scorer:               provider,
		Embedder:             emb,
		Logger:               log.Named("memory"),
		DecayRate:            icfg.Engine.RecencyDecayRate,
		ConsolidateThreshold: icfg.Engine.ReflectionThreshold,
		DefaultTopK:          icfg.Engine.MemoryRetrievalCount,
	})
	if err != nil {
		return nil, err
	}

	engine := core.New(core.Options{
		ID:         id,
		BoxPath:    box,
		Identity:   ident,
		Provider:   provider,
		Summarizer: summarizer,
		Stream:     stream,
		Compute:    client,
		Subagent: core.SubagentOptions{
			Endpoint: chatEndpoint(icfg.Model.BaseURL),
			Model:    icfg.Model.Model,
		},
		Logger: log,
		Config: icfg.Engine,
	})
	engine.SetBreakerThreshold(cfg.Daemon.TimeoutThreshold)

	return supervisor.New(supervisor.Options{
		Name:         id,
		Run:          engine.Run,
		Logger:       log.Named("supervisor"),
		CrashLogPath: filepath.Join(box, "crashes.jsonl"),
	}), nil
}

func chatEndpoint(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return strings.TrimSuffix(baseURL, "/") + "/chat/completions"
}
