// Package rollout executes action sequences against an environment from a
// fixed initial state.
package rollout

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/mbd/batch"
	"github.com/pthm-cable/mbd/envs"
)

// ErrUnstableRollout is returned when every candidate in a batch produced a
// non-finite reward or observation.
var ErrUnstableRollout = errors.New("unstable rollout")

// Result holds the outcome of rolling out one action sequence.
type Result struct {
	Rewards []float64   // [Horizon]
	Obs     [][]float64 // [Horizon][ObsDim]

	// Unstable is set when any reward or observation was non-finite.
	Unstable bool
}

// MeanReward returns the mean per-step reward, or -Inf for unstable results.
func (r Result) MeanReward() float64 {
	if r.Unstable || len(r.Rewards) == 0 {
		return math.Inf(-1)
	}
	return floats.Sum(r.Rewards) / float64(len(r.Rewards))
}

// Evaluator rolls out action sequences from one shared initial state.
type Evaluator struct {
	env  envs.Env
	init envs.State
	pool *batch.Pool
}

// NewEvaluator creates an evaluator. init is shared read-only by every
// rollout.
func NewEvaluator(env envs.Env, init envs.State, pool *batch.Pool) *Evaluator {
	return &Evaluator{env: env, init: init, pool: pool}
}

// Env returns the environment.
func (e *Evaluator) Env() envs.Env {
	return e.env
}

// Init returns the initial state.
func (e *Evaluator) Init() envs.State {
	return e.init
}

// Rollout applies each row of actions in order, starting from the initial
// state.
func (e *Evaluator) Rollout(actions *mat.Dense) Result {
	h, _ := actions.Dims()
	res := Result{
		Rewards: make([]float64, h),
		Obs:     make([][]float64, h),
	}

	state := e.init
	for i := 0; i < h; i++ {
		state = e.env.Step(state, actions.RawRowView(i))
		res.Rewards[i] = state.Reward
		res.Obs[i] = state.Obs

		if !finite(state.Reward) || !allFinite(state.Obs) {
			res.Unstable = true
		}
	}
	return res
}

// RolloutBatch rolls out every candidate in parallel. Results are returned in
// candidate order.
func (e *Evaluator) RolloutBatch(pop []*mat.Dense) []Result {
	results := make([]Result, len(pop))
	e.pool.Map(len(pop), func(i int) {
		results[i] = e.Rollout(pop[i])
	})
	return results
}

// MeanRewards rolls out every candidate and returns per-candidate mean
// rewards. Unstable candidates get -Inf and are counted. It fails with
// ErrUnstableRollout only if every candidate is unstable.
func (e *Evaluator) MeanRewards(pop []*mat.Dense) (rewards []float64, unstable int, err error) {
	return MeanRewards(e.RolloutBatch(pop))
}

// MeanRewards reduces batch results to per-candidate mean rewards.
func MeanRewards(results []Result) (rewards []float64, unstable int, err error) {
	rewards = make([]float64, len(results))
	for i, r := range results {
		rewards[i] = r.MeanReward()
		if r.Unstable {
			unstable++
		}
	}
	if len(results) > 0 && unstable == len(results) {
		return rewards, unstable, fmt.Errorf("%w: all %d candidates diverged", ErrUnstableRollout, unstable)
	}
	return rewards, unstable, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if !finite(x) {
			return false
		}
	}
	return true
}
