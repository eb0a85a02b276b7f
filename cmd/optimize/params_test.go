package main

import (
	"math"
	"testing"

	"github.com/pthm-cable/mbd/batch"
	"github.com/pthm-cable/mbd/envs"
	"github.com/pthm-cable/mbd/rollout"
)

func TestActionSpaceRoundTrip(t *testing.T) {
	as := NewActionSpace(3, 2)
	raw := []float64{-1, -0.5, 0, 0.25, 0.75, 1}
	back := as.Denormalize(as.Normalize(raw))
	for i := range raw {
		if math.Abs(back[i]-raw[i]) > 1e-12 {
			t.Errorf("coordinate %d: %v -> %v", i, raw[i], back[i])
		}
	}
	if d := as.DefaultVector(); d[0] != 0.5 {
		t.Errorf("default normalized value = %v, want 0.5", d[0])
	}
}

func TestActionsAreClamped(t *testing.T) {
	as := NewActionSpace(2, 1)
	m := as.Actions([]float64{-3, 4})
	if m.At(0, 0) != -1 || m.At(1, 0) != 1 {
		t.Errorf("actions = %v, want [-1 1]", m.RawMatrix().Data)
	}
}

func TestFitnessTracksBest(t *testing.T) {
	env := envs.NewTarget(1, 0.5)
	pool := batch.NewPool(1)
	defer pool.Close()
	ev := rollout.NewEvaluator(env, env.Reset(0), pool)

	as := NewActionSpace(2, 1)
	fe := NewFitnessEvaluator(as, ev, 4)

	far := fe.Evaluate([]float64{0, 0})        // actions -1: reward -1.5
	near := fe.Evaluate([]float64{0.75, 0.75}) // actions 0.5: reward 0
	if !(near < far) {
		t.Errorf("fitness near goal %v not lower than far %v", near, far)
	}

	best, reward := fe.Best()
	if reward != 0 || best.At(0, 0) != 0.5 {
		t.Errorf("best reward %v actions %v", reward, best.RawMatrix().Data)
	}
	if fe.HallOfFame().Size() != 2 {
		t.Errorf("hall of fame size = %d, want 2", fe.HallOfFame().Size())
	}
}
