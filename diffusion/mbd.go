package diffusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/mbd/rng"
	"github.com/pthm-cable/mbd/telemetry"
)

// Options are optional planner collaborators. The zero value runs silently.
type Options struct {
	HallOfFame *telemetry.HallOfFame
	Perf       *telemetry.PerfCollector

	// OnStep receives the stats of every step, in order.
	OnStep func(telemetry.StepStats)

	// LogEvery logs step stats every N steps (0 = never).
	LogEvery int

	// Init replaces the all-zero starting estimate.
	Init *mat.Dense
}

// StepOutput is the result of one reverse diffusion step.
type StepOutput struct {
	Ybar  *mat.Dense // estimate at t-1
	Stats telemetry.StepStats
}

// Result is the outcome of a full reverse diffusion run.
type Result struct {
	// History holds the estimate after every step, in step order.
	History []*mat.Dense

	Final         *mat.Dense
	FinalReward   float64
	InitialReward float64

	Steps    []telemetry.StepStats
	Unstable int // total non-finite candidate rollouts
}

// Planner is the reward-weighted reverse diffusion planner.
type Planner struct {
	ctx  *Context
	opts Options
}

// NewPlanner creates a planner over ctx.
func NewPlanner(ctx *Context, opts Options) *Planner {
	return &Planner{ctx: ctx, opts: opts}
}

// Run denoises from t = Ndiffuse-1 down to t = 1 and returns the final
// estimate. Steps draw their noise from key.Fold(t).
func (p *Planner) Run(ctx context.Context, key rng.Key) (*Result, error) {
	prm := p.ctx.Params
	ybar := mat.NewDense(prm.Horizon, prm.ActionDim, nil)
	if p.opts.Init != nil {
		ybar.Copy(p.opts.Init)
	}

	res := &Result{
		InitialReward: p.ctx.Eval.Rollout(ybar).MeanReward(),
	}

	n := p.ctx.Schedule.Len()
	for t := n - 1; t >= 1; t-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := p.Step(key.Fold(uint64(t)), t, ybar)
		if err != nil {
			return nil, fmt.Errorf("step t=%d: %w", t, err)
		}
		ybar = out.Ybar

		res.History = append(res.History, ybar)
		res.Steps = append(res.Steps, out.Stats)
		res.Unstable += out.Stats.Unstable
		report(p.opts, out.Stats)
	}

	res.Final = ybar
	res.FinalReward = p.ctx.Eval.Rollout(ybar).MeanReward()
	return res, nil
}

func report(opts Options, s telemetry.StepStats) {
	if s.Degenerate {
		slog.Info("reward spread negligible", "t", s.T, "std_floor", stdFloor)
	}
	if opts.LogEvery > 0 && s.Step%opts.LogEvery == 0 {
		s.LogStats()
	}
	if opts.OnStep != nil {
		opts.OnStep(s)
	}
}

// Step performs the t -> t-1 transition from the estimate ybar. ybar is not
// modified.
func (p *Planner) Step(key rng.Key, t int, ybar *mat.Dense) (StepOutput, error) {
	sched := p.ctx.Schedule
	step := sched.Len() - 1 - t
	perf := p.opts.Perf
	start := time.Now()
	perf.StartStep()

	perf.StartPhase(telemetry.PhaseSample)
	pop := p.sample(key.Fold(forkSample), t, ybar)

	perf.StartPhase(telemetry.PhaseRollout)
	rewards, unstable, norm, err := p.ctx.scores(pop)
	if err != nil {
		perf.EndStep()
		return StepOutput{}, err
	}

	perf.StartPhase(telemetry.PhaseWeights)
	weights := Softmax(nil, norm.LogP)

	perf.StartPhase(telemetry.PhaseUpdate)
	h, d := ybar.Dims()
	y0 := mat.NewDense(h, d, nil)
	WeightedMean(y0, weights, pop)
	next := p.denoise(t, ybar, y0)

	if best := argmax(rewards); best >= 0 {
		p.opts.HallOfFame.Consider(step, t, rewards[best], pop[best])
	}
	perf.EndStep()

	stats := telemetry.NewStepStats(step, t, sched.Sigmas[t], rewards, weights, unstable, norm.Degenerate, time.Since(start))
	return StepOutput{Ybar: next, Stats: stats}, nil
}

// sample draws Nsample candidates ybar + sigma[t]*eps clipped to [-1, 1].
// Candidate i uses key.Fold(i), so the population does not depend on the
// worker count.
func (p *Planner) sample(key rng.Key, t int, ybar *mat.Dense) []*mat.Dense {
	h, d := ybar.Dims()
	sigma := p.ctx.Schedule.Sigmas[t]
	mean := ybar.RawMatrix().Data

	pop := make([]*mat.Dense, p.ctx.Params.Nsample)
	p.ctx.Pool.Map(len(pop), func(i int) {
		m := mat.NewDense(h, d, nil)
		data := m.RawMatrix().Data
		key.Fold(uint64(i)).FillNormal(data)
		floats.Scale(sigma, data)
		floats.Add(data, mean)
		clipUnit(data)
		pop[i] = m
	})
	return pop
}

// denoise maps the weighted-mean estimate y0 at step t to the estimate at
// t-1 through the deterministic score update.
func (p *Planner) denoise(t int, ybar, y0 *mat.Dense) *mat.Dense {
	s := p.ctx.Schedule
	ab := s.AlphasBar[t]
	sqrtAB := math.Sqrt(ab)

	h, d := ybar.Dims()
	out := mat.NewDense(h, d, nil)
	yt := ybar.RawMatrix().Data
	mean := y0.RawMatrix().Data
	dst := out.RawMatrix().Data
	for i := range dst {
		yi := yt[i] * sqrtAB
		score := (-yi + sqrtAB*mean[i]) / (1 - ab)
		yim1 := (yi + (1-ab)*score) / math.Sqrt(s.Alphas[t])
		dst[i] = yim1 / math.Sqrt(s.AlphasBar[t-1])
	}
	return out
}
