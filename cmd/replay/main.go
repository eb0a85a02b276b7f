// Command replay rolls a saved trajectory through its environment and writes
// the per-step reward and observation to CSV.
//
// Usage: go run ./cmd/replay -traj results/mu_0ts.bin -env car2d -output replay.csv
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/mbd/batch"
	"github.com/pthm-cable/mbd/config"
	"github.com/pthm-cable/mbd/diffusion"
	"github.com/pthm-cable/mbd/envs"
	"github.com/pthm-cable/mbd/rollout"
	"github.com/pthm-cable/mbd/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Config used for the run, e.g. <output-dir>/config.yaml (empty = use defaults)")
	trajPath := flag.String("traj", "", "Trajectory file written by mbd or optimize")
	index := flag.Int("index", -1, "Trajectory index in the file (-1 = last)")
	envName := flag.String("env", "", "Environment name (empty = use config)")
	seed := flag.Uint64("seed", 0, "RNG seed of the run (0 = use config)")
	outPath := flag.String("output", "replay.csv", "Output CSV path")
	flag.Parse()

	if *trajPath == "" {
		log.Fatal("--traj is required")
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

	trajs, err := telemetry.LoadTrajectories(*trajPath)
	if err != nil {
		log.Fatalf("failed to load trajectories: %v", err)
	}
	if len(trajs) == 0 {
		log.Fatalf("%s holds no trajectories", *trajPath)
	}
	i := *index
	if i < 0 {
		i = len(trajs) + i
	}
	if i < 0 || i >= len(trajs) {
		log.Fatalf("index %d out of range [0, %d)", *index, len(trajs))
	}
	actions := trajs[i]

	env, err := envs.Get(cfg.Env.Name)
	if err != nil {
		log.Fatal(err)
	}
	env = envs.WithSubsteps(env, cfg.Env.Substeps)
	if _, d := actions.Dims(); d != env.ActionSize() {
		log.Fatalf("trajectory has %d action columns, %s expects %d", d, cfg.Env.Name, env.ActionSize())
	}

	// Reset exactly as the planner did for this seed
	reset, _ := diffusion.Keys(cfg.Seed)
	pool := batch.NewPool(1)
	defer pool.Close()
	ev := rollout.NewEvaluator(env, env.Reset(reset.Seed()), pool)
	res := ev.Rollout(actions)

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *outPath, err)
	}
	defer f.Close()

	w := gocsv.DefaultCSVWriter(f)
	header := []string{"step", "reward"}
	for k := 0; k < env.ObservationSize(); k++ {
		header = append(header, "obs_"+strconv.Itoa(k))
	}
	if err := w.Write(header); err != nil {
		log.Fatal(err)
	}
	for t, r := range res.Rewards {
		row := []string{strconv.Itoa(t), strconv.FormatFloat(r, 'g', -1, 64)}
		for _, o := range res.Obs[t] {
			row = append(row, strconv.FormatFloat(o, 'g', -1, 64))
		}
		if err := w.Write(row); err != nil {
			log.Fatal(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("replayed trajectory %d/%d on %s: reward = %.2e, unstable = %v\n",
		i, len(trajs), cfg.Env.Name, res.MeanReward(), res.Unstable)
	fmt.Printf("Wrote %s\n", *outPath)
}
