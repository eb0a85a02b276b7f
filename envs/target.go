package envs

import "math"

// Target is a stateless environment whose reward is the negative mean
// absolute distance of the action from a fixed goal value.
type Target struct {
	dim  int
	goal float64
}

// NewTarget creates a target environment with the given action dimension.
func NewTarget(dim int, goal float64) *Target {
	return &Target{dim: dim, goal: goal}
}

func (e *Target) Reset(seed uint64) State {
	return State{Obs: make([]float64, e.dim)}
}

func (e *Target) Step(s State, action []float64) State {
	var dist float64
	for _, a := range action {
		dist += math.Abs(a - e.goal)
	}
	obs := make([]float64, e.dim)
	copy(obs, action)
	return State{Obs: obs, Reward: -dist / float64(e.dim)}
}

func (e *Target) ObservationSize() int { return e.dim }
func (e *Target) ActionSize() int      { return e.dim }
