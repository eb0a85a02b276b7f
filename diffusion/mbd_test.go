package diffusion

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/mbd/batch"
	"github.com/pthm-cable/mbd/config"
	"github.com/pthm-cable/mbd/envs"
	"github.com/pthm-cable/mbd/rollout"
	"github.com/pthm-cable/mbd/telemetry"
)

// toyConfig is the 5-step, 1-D target problem with goal 0.5.
func toyConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Env.Name = "target"
	cfg.Diffusion.Horizon = 5
	cfg.Diffusion.Nsample = 8
	cfg.Diffusion.Ndiffuse = 3
	cfg.Diffusion.TempSample = 0.1
	cfg.Diffusion.Beta0 = 1e-4
	cfg.Diffusion.BetaT = 1e-2
	return cfg
}

func newTestContext(t *testing.T, cfg *config.Config, env envs.Env, workers int) *Context {
	t.Helper()
	pool := batch.NewPool(workers)
	t.Cleanup(pool.Close)

	reset, _ := Keys(cfg.Seed)
	ctx, err := NewContext(cfg, env, pool, reset)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

func TestToyScenarioImproves(t *testing.T) {
	cfg := toyConfig(t)
	ctx := newTestContext(t, cfg, envs.NewTarget(1, 0.5), 1)

	_, run := Keys(0)
	res, err := NewPlanner(ctx, Options{}).Run(context.Background(), run)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.InitialReward != -0.5 {
		t.Errorf("initial reward = %v, want -0.5 for the all-zero estimate", res.InitialReward)
	}
	if !(res.FinalReward > res.InitialReward) {
		t.Errorf("final reward %v not better than initial %v", res.FinalReward, res.InitialReward)
	}
	if m := mat.Sum(res.Final) / 5; !(m > 0) {
		t.Errorf("final mean action %v did not move toward 0.5", m)
	}
	if len(res.History) != 2 || len(res.Steps) != 2 {
		t.Errorf("history %d, steps %d; want 2 each", len(res.History), len(res.Steps))
	}
	if !mat.Equal(res.History[len(res.History)-1], res.Final) {
		t.Error("last history entry differs from final estimate")
	}
}

func TestRunDeterministic(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Diffusion.Nsample = 64
	cfg.Diffusion.Ndiffuse = 6

	var finals []*mat.Dense
	for _, workers := range []int{1, 4, 4} {
		ctx := newTestContext(t, cfg, envs.NewTarget(1, 0.5), workers)
		_, run := Keys(7)
		res, err := NewPlanner(ctx, Options{}).Run(context.Background(), run)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		finals = append(finals, res.Final)
	}

	for i := 1; i < len(finals); i++ {
		a, b := finals[0].RawMatrix().Data, finals[i].RawMatrix().Data
		for j := range a {
			if math.Float64bits(a[j]) != math.Float64bits(b[j]) {
				t.Fatalf("run %d differs at %d: %v vs %v", i, j, a[j], b[j])
			}
		}
	}
}

func TestDifferentSeedsDiffer(t *testing.T) {
	cfg := toyConfig(t)
	ctx := newTestContext(t, cfg, envs.NewTarget(1, 0.5), 1)
	p := NewPlanner(ctx, Options{})

	_, runA := Keys(1)
	_, runB := Keys(2)
	a, err := p.Run(context.Background(), runA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Run(context.Background(), runB)
	if err != nil {
		t.Fatal(err)
	}
	if mat.Equal(a.Final, b.Final) {
		t.Error("different seeds produced identical trajectories")
	}
}

func TestSingleSampleIsAdopted(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Diffusion.Nsample = 1
	ctx := newTestContext(t, cfg, envs.NewTarget(1, 0.5), 1)
	p := NewPlanner(ctx, Options{})

	_, run := Keys(3)
	key := run.Fold(2)
	ybar := mat.NewDense(5, 1, []float64{0.1, -0.2, 0.3, 0, 0.5})

	out, err := p.Step(key, 2, ybar)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	cand := p.sample(key.Fold(forkSample), 2, ybar)[0]
	if !mat.EqualApprox(out.Ybar, cand, 1e-12) {
		t.Errorf("estimate %v, want the only candidate %v", mat.Formatted(out.Ybar.T()), mat.Formatted(cand.T()))
	}
	if out.Stats.ESS != 1 {
		t.Errorf("ESS = %v, want 1", out.Stats.ESS)
	}
}

func TestSamplesAreClipped(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Diffusion.Nsample = 256
	ctx := newTestContext(t, cfg, envs.NewTarget(1, 0.5), 2)
	p := NewPlanner(ctx, Options{})

	// Far outside the action bounds so every sample must be clipped
	ybar := mat.NewDense(5, 1, []float64{3, -3, 40, -40, 0.99})
	_, run := Keys(0)
	for _, cand := range p.sample(run, 2, ybar) {
		data := cand.RawMatrix().Data
		if floats.Max(data) > 1 || floats.Min(data) < -1 {
			t.Fatalf("candidate out of bounds: %v", data)
		}
		if data[0] != 1 || data[1] != -1 {
			t.Fatalf("expected saturation at the bounds, got %v", data[:2])
		}
	}
}

func TestDenoiseReturnsWeightedMean(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Diffusion.Ndiffuse = 50
	ctx := newTestContext(t, cfg, envs.NewTarget(1, 0.5), 1)
	p := NewPlanner(ctx, Options{})

	ybar := mat.NewDense(5, 1, []float64{0.4, -0.1, 0, 0.2, 0.9})
	y0 := mat.NewDense(5, 1, []float64{0.5, 0.5, -0.5, 0.25, 1})
	for _, step := range []int{1, 10, 49} {
		got := p.denoise(step, ybar, y0)
		if !mat.EqualApprox(got, y0, 1e-9) {
			t.Errorf("t=%d: denoise = %v, want %v", step, mat.Formatted(got.T()), mat.Formatted(y0.T()))
		}
	}
}

// divergingEnv returns NaN rewards for every action.
type divergingEnv struct{}

func (divergingEnv) Reset(uint64) envs.State { return envs.State{Obs: []float64{0}} }
func (divergingEnv) Step(s envs.State, a []float64) envs.State {
	return envs.State{Obs: []float64{a[0]}, Reward: math.NaN()}
}
func (divergingEnv) ObservationSize() int { return 1 }
func (divergingEnv) ActionSize() int      { return 1 }

func TestRunAllUnstable(t *testing.T) {
	ctx := newTestContext(t, toyConfig(t), divergingEnv{}, 1)
	_, run := Keys(0)
	_, err := NewPlanner(ctx, Options{}).Run(context.Background(), run)
	if !errors.Is(err, rollout.ErrUnstableRollout) {
		t.Fatalf("err = %v, want ErrUnstableRollout", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx := newTestContext(t, toyConfig(t), envs.NewTarget(1, 0.5), 1)
	c, cancel := context.WithCancel(context.Background())
	cancel()
	_, run := Keys(0)
	if _, err := NewPlanner(ctx, Options{}).Run(c, run); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunReportsSteps(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Diffusion.Ndiffuse = 5
	ctx := newTestContext(t, cfg, envs.NewTarget(1, 0.5), 1)

	hof := telemetry.NewHallOfFame(3)
	var seen []int
	opts := Options{
		HallOfFame: hof,
		Perf:       telemetry.NewPerfCollector(4),
		OnStep:     func(s telemetry.StepStats) { seen = append(seen, s.T) },
	}
	_, run := Keys(0)
	res, err := NewPlanner(ctx, opts).Run(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}

	want := []int{4, 3, 2, 1}
	if len(seen) != len(want) {
		t.Fatalf("reported t = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] || res.Steps[i].Step != i {
			t.Errorf("step %d: t = %d (step %d), want t = %d", i, seen[i], res.Steps[i].Step, want[i])
		}
	}

	best, ok := hof.Best()
	if !ok {
		t.Fatal("hall of fame is empty")
	}
	for _, s := range res.Steps {
		if s.RewardMax > best.Reward {
			t.Errorf("step max %v exceeds hall of fame best %v", s.RewardMax, best.Reward)
		}
	}
}

func TestNewContextDemoRequiresProvider(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Diffusion.EnableDemo = true

	pool := batch.NewPool(1)
	defer pool.Close()
	reset, _ := Keys(0)
	if _, err := NewContext(cfg, envs.NewTarget(1, 0.5), pool, reset); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNewContextRejectsInvalidConfig(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Diffusion.Ndiffuse = 1

	pool := batch.NewPool(1)
	defer pool.Close()
	reset, _ := Keys(0)
	if _, err := NewContext(cfg, envs.NewTarget(1, 0.5), pool, reset); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestDemoRun(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Env.Name = "car2d"
	cfg.Diffusion.EnableDemo = true
	cfg.Diffusion.Horizon = 20
	cfg.Diffusion.Nsample = 32
	cfg.Diffusion.Ndiffuse = 4

	ctx := newTestContext(t, cfg, envs.NewCar2D(), 2)
	if ctx.Demo == nil {
		t.Fatal("demo prior not built")
	}
	_, run := Keys(0)
	res, err := NewPlanner(ctx, Options{}).Run(context.Background(), run)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !isFinite(res.FinalReward) {
		t.Errorf("final reward = %v", res.FinalReward)
	}
	data := res.Final.RawMatrix().Data
	if floats.Max(data) > 1 || floats.Min(data) < -1 {
		t.Errorf("final estimate out of bounds")
	}
}
