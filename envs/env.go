// Package envs defines the environment adapter consumed by the planner and a
// few synthetic environments for experiments and tests.
package envs

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownEnv is returned by Get for unregistered names.
var ErrUnknownEnv = errors.New("unknown environment")

// State is one environment state. Step never mutates its input state, so a
// State can be shared read-only between concurrent rollouts.
type State struct {
	Obs      []float64
	Reward   float64
	Pipeline []float64 // Simulator state (positions, velocities)
}

// Env is a discrete-time simulated system with a reward.
type Env interface {
	Reset(seed uint64) State
	// Step applies one action. Components are expected in [-1, 1].
	Step(s State, action []float64) State
	ObservationSize() int
	ActionSize() int
}

// DemoProvider is implemented by environments that carry a reference
// trajectory usable as a demonstration prior.
type DemoProvider interface {
	// XRefLogPDF scores a rollout's observations against the reference.
	XRefLogPDF(obs [][]float64) float64
	// RewardXRef is the mean reward of following the reference.
	RewardXRef() float64
}

// substepEnv repeats every action k times and reports the mean reward.
type substepEnv struct {
	Env
	k int
}

// WithSubsteps wraps env so each Step runs k simulator steps with the same
// action. k <= 1 returns env unchanged.
func WithSubsteps(env Env, k int) Env {
	if k <= 1 {
		return env
	}
	return &substepEnv{Env: env, k: k}
}

func (e *substepEnv) Step(s State, action []float64) State {
	var sum float64
	for i := 0; i < e.k; i++ {
		s = e.Env.Step(s, action)
		sum += s.Reward
	}
	s.Reward = sum / float64(e.k)
	return s
}

// Unwrap returns the wrapped environment.
func (e *substepEnv) Unwrap() Env {
	return e.Env
}

// AsDemoProvider returns the demo capability of env, looking through
// wrappers.
func AsDemoProvider(env Env) (DemoProvider, bool) {
	for {
		if dp, ok := env.(DemoProvider); ok {
			return dp, true
		}
		u, ok := env.(interface{ Unwrap() Env })
		if !ok {
			return nil, false
		}
		env = u.Unwrap()
	}
}

var registry = map[string]func() Env{
	"target":   func() Env { return NewTarget(1, 0.5) },
	"point":    func() Env { return NewPoint() },
	"car2d":    func() Env { return NewCar2D() },
	"cartpole": func() Env { return NewCartPole() },
}

// Get returns a new instance of the named environment.
func Get(name string) (Env, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownEnv, name, Names())
	}
	return ctor(), nil
}

// Names returns the registered environment names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clip clamps x to [lo, hi].
func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
