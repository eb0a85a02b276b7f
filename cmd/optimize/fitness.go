package main

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/mbd/rollout"
	"github.com/pthm-cable/mbd/telemetry"
)

// unstablePenalty is the fitness of a rollout that diverged.
const unstablePenalty = 1e9

// FitnessEvaluator scores action sequences by rollout (lower = better).
type FitnessEvaluator struct {
	space *ActionSpace
	eval  *rollout.Evaluator

	mu          sync.Mutex
	evals       int
	bestReward  float64
	bestActions *mat.Dense
	lastReward  float64
	hallOfFame  *telemetry.HallOfFame
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(space *ActionSpace, eval *rollout.Evaluator, hofSize int) *FitnessEvaluator {
	return &FitnessEvaluator{
		space:      space,
		eval:       eval,
		bestReward: math.Inf(-1),
		hallOfFame: telemetry.NewHallOfFame(hofSize),
	}
}

// Evaluate computes fitness for a normalized vector: the negated mean
// rollout reward, or unstablePenalty if the rollout diverged.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	actions := fe.space.Actions(x)
	reward := fe.eval.Rollout(actions).MeanReward()

	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.evals++
	fe.lastReward = reward
	if math.IsInf(reward, -1) {
		return unstablePenalty
	}
	if reward > fe.bestReward {
		fe.bestReward = reward
		fe.bestActions = actions
	}
	fe.hallOfFame.Consider(fe.evals, 0, reward, actions)
	return -reward
}

// Best returns the best action sequence seen and its reward.
func (fe *FitnessEvaluator) Best() (*mat.Dense, float64) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.bestActions, fe.bestReward
}

// LastReward returns the reward from the most recent evaluation.
func (fe *FitnessEvaluator) LastReward() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastReward
}

// HallOfFame returns the best evaluated sequences.
func (fe *FitnessEvaluator) HallOfFame() *telemetry.HallOfFame {
	return fe.hallOfFame
}
