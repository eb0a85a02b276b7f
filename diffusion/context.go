// Package diffusion implements Model-Based Diffusion: reverse diffusion over
// action sequences where the denoiser is a reward-weighted Monte-Carlo
// estimate computed from environment rollouts.
package diffusion

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/mbd/batch"
	"github.com/pthm-cable/mbd/config"
	"github.com/pthm-cable/mbd/envs"
	"github.com/pthm-cable/mbd/rng"
	"github.com/pthm-cable/mbd/rollout"
	"github.com/pthm-cable/mbd/schedule"
)

// Random stream fork labels. Each diffusion step derives its streams from
// runKey.Fold(t); the run-level streams hang off the root seed.
const (
	forkReset     = 0 // root: environment reset, drawn once
	forkRun       = 1 // root: reverse diffusion
	forkSample    = 0 // per step: candidate noise, then per candidate/coordinate
	forkAncestral = 1 // per step: reverse SDE noise, then per chain
	forkComponent = 2 // per step: GMM component choice, per coordinate
	forkInit      = 1 << 32
)

// Keys derives the reset and run keys from a seed. The reset key is used for
// a single environment reset and never split again.
func Keys(seed uint64) (reset, run rng.Key) {
	root := rng.New(seed)
	return root.Fold(forkReset), root.Fold(forkRun)
}

// Params are the sampling dimensions shared by both planners.
type Params struct {
	Nsample   int
	Horizon   int
	ActionDim int
	Temp      float64
}

// Context is the immutable per-run planner state.
type Context struct {
	Schedule *schedule.Schedule
	Eval     *rollout.Evaluator
	Pool     *batch.Pool
	Params   Params

	// Demo is nil unless demo blending is enabled.
	Demo *DemoPrior
}

// NewContext validates cfg, builds the schedule and resets env once with
// resetKey.
func NewContext(cfg *config.Config, env envs.Env, pool *batch.Pool, resetKey rng.Key) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := cfg.Diffusion

	sched, err := schedule.New(d.Beta0, d.BetaT, d.Ndiffuse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	c := &Context{
		Schedule: sched,
		Eval:     rollout.NewEvaluator(env, env.Reset(resetKey.Seed()), pool),
		Pool:     pool,
		Params: Params{
			Nsample:   d.Nsample,
			Horizon:   d.Horizon,
			ActionDim: env.ActionSize(),
			Temp:      d.TempSample,
		},
	}

	if d.EnableDemo {
		ref, ok := envs.AsDemoProvider(env)
		if !ok {
			return nil, fmt.Errorf("%w: env %q has no demonstration", config.ErrInvalidConfig, cfg.Env.Name)
		}
		c.Demo = NewDemoPrior(ref, d.TempSample)
	}
	return c, nil
}

// scores rolls out pop and returns its normalized log-probabilities, with
// the demonstration blended in when enabled.
func (c *Context) scores(pop []*mat.Dense) (rewards []float64, unstable int, norm Normalized, err error) {
	if c.Demo == nil {
		rewards, unstable, err = c.Eval.MeanRewards(pop)
		if err != nil {
			return nil, 0, Normalized{}, err
		}
		return rewards, unstable, NormalizeRewards(rewards, c.Params.Temp), nil
	}

	results := c.Eval.RolloutBatch(pop)
	rewards, unstable, err = rollout.MeanRewards(results)
	if err != nil {
		return nil, 0, Normalized{}, err
	}
	obs := make([][][]float64, len(results))
	for i := range results {
		obs[i] = results[i].Obs
	}
	norm = NormalizeRewards(rewards, c.Params.Temp)
	c.Demo.Blend(norm.LogP, obs, norm)
	return rewards, unstable, norm, nil
}
