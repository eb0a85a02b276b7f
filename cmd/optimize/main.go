package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/mbd/batch"
	"github.com/pthm-cable/mbd/config"
	"github.com/pthm-cable/mbd/diffusion"
	"github.com/pthm-cable/mbd/envs"
	"github.com/pthm-cable/mbd/rollout"
	"github.com/pthm-cable/mbd/telemetry"
)

// evalRecord is one row of optimize_log.csv.
type evalRecord struct {
	Eval       int     `csv:"eval"`
	Fitness    float64 `csv:"fitness"`
	Reward     float64 `csv:"reward"`
	BestReward float64 `csv:"best_reward"`
	ElapsedMS  int64   `csv:"elapsed_ms"`
}

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	envName := flag.String("env", "", "Environment name (empty = use config)")
	seed := flag.Uint64("seed", 0, "RNG seed for the environment reset (0 = use config)")
	maxEvals := flag.Int("max-evals", 20000, "Maximum number of rollouts")
	population := flag.Int("population", 0, "CMA-ES population size (0 = auto)")
	stepSize := flag.Float64("step-size", 0.3, "Initial CMA-ES step size in normalized units")
	outputDir := flag.String("output", "", "Output directory for results")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("--output is required")
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *envName != "" {
		cfg.Env.Name = *envName
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	cfg.ApplyRecommended()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	env, err := envs.Get(cfg.Env.Name)
	if err != nil {
		log.Fatal(err)
	}
	env = envs.WithSubsteps(env, cfg.Env.Substeps)

	// Same initial state as the diffusion planners for the same seed
	reset, _ := diffusion.Keys(cfg.Seed)
	pool := batch.NewPool(1)
	defer pool.Close()
	ev := rollout.NewEvaluator(env, env.Reset(reset.Seed()), pool)

	space := NewActionSpace(cfg.Diffusion.Horizon, env.ActionSize())
	evaluator := NewFitnessEvaluator(space, ev, cfg.Telemetry.HallOfFameSize)

	dim := space.Dim()
	initX := space.DefaultVector()

	problem := optimize.Problem{
		Func: evaluator.Evaluate,
	}

	settings := &optimize.Settings{
		FuncEvaluations: *maxEvals,
		Concurrent:      0, // Sequential evaluation
	}

	popSize := *population
	if popSize == 0 {
		// Auto-size: 4 + floor(3*ln(n))
		popSize = 4 + int(3*math.Log(float64(dim)))
	}

	method := &optimize.CmaEsChol{
		InitStepSize: *stepSize,
		Population:   popSize,
	}

	logPath := filepath.Join(*outputDir, "optimize_log.csv")
	logFile, err := os.Create(logPath)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	evalCount := 0
	headerWritten := false
	startTime := time.Now()
	printEvery := max(*maxEvals/100, 1)

	// Wrap the function to log evaluations
	originalFunc := problem.Func
	problem.Func = func(x []float64) float64 {
		fitness := originalFunc(x)
		evalCount++

		_, bestReward := evaluator.Best()
		elapsed := time.Since(startTime)
		rec := []evalRecord{{
			Eval:       evalCount,
			Fitness:    fitness,
			Reward:     evaluator.LastReward(),
			BestReward: bestReward,
			ElapsedMS:  elapsed.Milliseconds(),
		}}
		var werr error
		if !headerWritten {
			werr = gocsv.Marshal(rec, logFile)
			headerWritten = true
		} else {
			werr = gocsv.MarshalWithoutHeaders(rec, logFile)
		}
		if werr != nil {
			log.Printf("failed to write log row: %v", werr)
		}

		if evalCount%printEvery == 0 {
			avgPerEval := elapsed / time.Duration(evalCount)
			remaining := time.Duration(*maxEvals-evalCount) * avgPerEval
			fmt.Printf("Eval %d/%d: reward=%.4f (best=%.4f) | elapsed: %s, ETA: %s\n",
				evalCount, *maxEvals, evaluator.LastReward(), bestReward,
				formatDuration(elapsed), formatDuration(remaining))
		}

		return fitness
	}

	fmt.Printf("Starting CMA-ES baseline on %s with %d coordinates, population=%d, max_evals=%d\n",
		cfg.Env.Name, dim, popSize, *maxEvals)

	result, err := optimize.Minimize(problem, initX, settings, method)
	if err != nil {
		log.Printf("optimization ended: %v", err)
	}

	best, bestReward := evaluator.Best()
	if best == nil && result != nil {
		best = space.Actions(result.X)
		bestReward = ev.Rollout(best).MeanReward()
	}

	totalTime := time.Since(startTime)
	fmt.Printf("\nOptimization complete after %d evaluations in %s\n", evalCount, formatDuration(totalTime))
	fmt.Printf("final reward = %.2e\n", bestReward)

	if best != nil {
		path := filepath.Join(*outputDir, telemetry.FinalFile)
		if err := telemetry.SaveTrajectories(path, []*mat.Dense{best}); err != nil {
			log.Printf("failed to save best trajectory: %v", err)
		} else {
			fmt.Printf("Best trajectory saved to: %s\n", path)
		}
	}

	if err := cfg.WriteYAML(filepath.Join(*outputDir, telemetry.ConfigFile)); err != nil {
		log.Printf("failed to write config: %v", err)
	}

	hofData, err := evaluator.HallOfFame().MarshalJSON()
	if err != nil {
		log.Printf("failed to marshal hall of fame: %v", err)
	} else if err := os.WriteFile(filepath.Join(*outputDir, telemetry.HallOfFameFile), hofData, 0644); err != nil {
		log.Printf("failed to write hall of fame: %v", err)
	}
}
