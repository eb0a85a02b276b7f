package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/pthm-cable/mbd/batch"
	"github.com/pthm-cable/mbd/config"
	"github.com/pthm-cable/mbd/diffusion"
	"github.com/pthm-cable/mbd/envs"
	"github.com/pthm-cable/mbd/telemetry"
)

// runPlanner executes one planning run and writes its artifacts to dir
// (nothing is written when dir is empty). It returns the final reward.
func runPlanner(ctx context.Context, cfg *config.Config, dir string) (float64, error) {
	env, err := envs.Get(cfg.Env.Name)
	if err != nil {
		return 0, err
	}
	env = envs.WithSubsteps(env, cfg.Env.Substeps)

	pool := batch.NewPool(cfg.Planner.Workers)
	defer pool.Close()

	reset, run := diffusion.Keys(cfg.Seed)
	pctx, err := diffusion.NewContext(cfg, env, pool, reset)
	if err != nil {
		return 0, err
	}

	out, err := telemetry.NewOutputManager(dir)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	if err := out.WriteConfig(cfg); err != nil {
		return 0, err
	}

	hof := telemetry.NewHallOfFame(cfg.Telemetry.HallOfFameSize)
	perf := telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow)

	var writeErr error
	opts := diffusion.Options{
		HallOfFame: hof,
		Perf:       perf,
		LogEvery:   cfg.Telemetry.LogEvery,
		OnStep: func(s telemetry.StepStats) {
			if writeErr != nil {
				return
			}
			writeErr = out.WriteStep(s)
			if writeErr == nil && cfg.Telemetry.LogEvery > 0 && s.Step%cfg.Telemetry.LogEvery == 0 {
				stats := perf.Stats()
				stats.LogStats()
				writeErr = out.WritePerf(stats, s.Step)
			}
		},
	}

	slog.Info("starting planner",
		"env", cfg.Env.Name,
		"planner", cfg.Planner.Kind,
		"seed", cfg.Seed,
		"nsample", cfg.Diffusion.Nsample,
		"horizon", cfg.Diffusion.Horizon,
		"ndiffuse", cfg.Diffusion.Ndiffuse,
		"init_sigma", pctx.Schedule.Sigmas[pctx.Schedule.Len()-1],
		"workers", pool.Workers(),
	)

	start := time.Now()
	var res *diffusion.Result
	switch cfg.Planner.Kind {
	case config.PlannerGMM:
		res, err = diffusion.NewGMMPlanner(pctx, cfg.GMM.Nexp, opts).Run(ctx, run)
	default:
		res, err = diffusion.NewPlanner(pctx, opts).Run(ctx, run)
	}
	if err != nil {
		return 0, err
	}
	if writeErr != nil {
		return 0, fmt.Errorf("writing step stats: %w", writeErr)
	}
	elapsed := time.Since(start)

	slog.Info("planning finished",
		"seed", cfg.Seed,
		"initial_reward", res.InitialReward,
		"final_reward", res.FinalReward,
		"unstable_rollouts", res.Unstable,
		"duration_sec", elapsed.Seconds(),
	)

	if err := out.WriteTrajectories(res.History, res.Final); err != nil {
		return 0, err
	}
	if err := out.WriteHallOfFame(hof); err != nil {
		return 0, err
	}

	summary := &telemetry.Snapshot{
		Version:        telemetry.SnapshotVersion,
		Seed:           cfg.Seed,
		Env:            cfg.Env.Name,
		Planner:        cfg.Planner.Kind,
		Horizon:        cfg.Diffusion.Horizon,
		ActionDim:      pctx.Params.ActionDim,
		Nsample:        cfg.Diffusion.Nsample,
		Ndiffuse:       cfg.Diffusion.Ndiffuse,
		InitialReward:  finiteOr(res.InitialReward, -math.MaxFloat64),
		FinalReward:    finiteOr(res.FinalReward, -math.MaxFloat64),
		Unstable:       res.Unstable,
		DurationSec:    elapsed.Seconds(),
		TrajectoryFile: telemetry.TrajectoryFile,
		FinalFile:      telemetry.FinalFile,
	}
	if best, ok := hof.Best(); ok {
		summary.BestSampled = finiteOr(best.Reward, -math.MaxFloat64)
	}
	if err := out.WriteSummary(summary); err != nil {
		return 0, err
	}

	return res.FinalReward, nil
}

// finiteOr returns v, or fallback when v is NaN or infinite. JSON has no
// encoding for non-finite numbers.
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
