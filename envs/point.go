package envs

import "math"

// Point mass defaults.
const (
	pointDT       = 0.1
	pointMaxAccel = 2.0
	pointDrag     = 0.5
	pointCtrlCost = 0.01
)

// Point is a planar double integrator driven towards a goal position.
// Pipeline state is [x, y, vx, vy].
type Point struct {
	GoalX, GoalY float64
}

// NewPoint creates a point mass environment with the goal at (1, 1).
func NewPoint() *Point {
	return &Point{GoalX: 1, GoalY: 1}
}

func (e *Point) Reset(seed uint64) State {
	q := []float64{0, 0, 0, 0}
	return State{Obs: e.obs(q), Pipeline: q}
}

func (e *Point) Step(s State, action []float64) State {
	ax := clip(action[0], -1, 1) * pointMaxAccel
	ay := clip(action[1], -1, 1) * pointMaxAccel

	q := s.Pipeline
	vx := q[2] + (ax-pointDrag*q[2])*pointDT
	vy := q[3] + (ay-pointDrag*q[3])*pointDT
	next := []float64{q[0] + vx*pointDT, q[1] + vy*pointDT, vx, vy}

	dist := math.Hypot(next[0]-e.GoalX, next[1]-e.GoalY)
	ctrl := action[0]*action[0] + action[1]*action[1]

	return State{
		Obs:      e.obs(next),
		Reward:   -dist - pointCtrlCost*ctrl,
		Pipeline: next,
	}
}

func (e *Point) obs(q []float64) []float64 {
	return []float64{q[0], q[1], q[2], q[3], e.GoalX - q[0], e.GoalY - q[1]}
}

func (e *Point) ObservationSize() int { return 6 }
func (e *Point) ActionSize() int      { return 2 }
