package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/mbd/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	envName := flag.String("env", "", "Environment name (empty = use config)")
	plannerKind := flag.String("planner", "", "Planner kind: mbd or gmm (empty = use config)")
	seed := flag.Uint64("seed", 0, "RNG seed (0 = use config)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, trajectories and config snapshot")
	runs := flag.Int("runs", 1, "Independent runs with consecutive seeds")
	disableRecommended := flag.Bool("disable-recommended", false, "Do not apply per-environment recommended parameters")
	demo := flag.Bool("demo", false, "Blend the environment's demonstration into the weights")
	logStats := flag.Bool("log-stats", false, "Output per-step stats via slog")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// CLI overrides
	if *envName != "" {
		cfg.Env.Name = *envName
	}
	if *plannerKind != "" {
		cfg.Planner.Kind = *plannerKind
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *disableRecommended {
		cfg.Diffusion.DisableRecommended = true
	}
	if *demo {
		cfg.Diffusion.EnableDemo = true
	}
	if !*logStats {
		cfg.Telemetry.LogEvery = 0
	}
	if cfg.ApplyRecommended() {
		slog.Info("applied recommended parameters",
			"env", cfg.Env.Name,
			"temp_sample", cfg.Diffusion.TempSample,
			"ndiffuse", cfg.Diffusion.Ndiffuse,
			"nsample", cfg.Diffusion.Nsample,
			"horizon", cfg.Diffusion.Horizon,
		)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *runs < 1 {
		slog.Error("invalid configuration", "error", fmt.Sprintf("-runs must be >= 1, got %d", *runs))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rewards := make([]float64, *runs)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *runs; i++ {
		runCfg := *cfg
		runCfg.Seed = cfg.Seed + uint64(i)

		dir := *outputDir
		if dir != "" && *runs > 1 {
			dir = filepath.Join(dir, fmt.Sprintf("run-%03d", i))
		}

		g.Go(func() error {
			r, err := runPlanner(gctx, &runCfg, dir)
			if err != nil {
				return fmt.Errorf("run %d (seed %d): %w", i, runCfg.Seed, err)
			}
			rewards[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("planning failed", "error", err)
		os.Exit(1)
	}

	for i, r := range rewards {
		fmt.Printf("run %d seed %d final reward = %.2e\n", i, cfg.Seed+uint64(i), r)
	}
}
