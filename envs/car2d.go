package envs

import "math"

// Car parameters.
const (
	carDT         = 0.1
	carMaxAccel   = 2.0
	carMaxSteer   = 1.0 // rad/s yaw rate at full steer and unit speed
	carMaxSpeed   = 2.0
	carHitPenalty = 1.0
	carRefPoints  = 50
	carGridCell   = 0.05
	carGridMargin = 0.15 // clearance of the reference path from obstacles
)

// Obstacle is a circular keep-out region.
type Obstacle struct {
	X, Y, R float64
}

// Car2D is a kinematic car that must reach a goal around circular obstacles.
// Pipeline state is [x, y, heading, speed]. Actions are [accel, steer].
type Car2D struct {
	StartX, StartY float64
	GoalX, GoalY   float64
	Obstacles      []Obstacle

	xref       [][2]float64
	rewardXRef float64
}

// NewCar2D creates the default layout: start at the origin, goal at
// (2.5, 2.5), one obstacle on the diagonal. The reference path is the
// shortest grid path around the obstacles.
func NewCar2D() *Car2D {
	e := &Car2D{
		GoalX: 2.5, GoalY: 2.5,
		Obstacles: []Obstacle{{X: 1.25, Y: 1.25, R: 0.6}},
	}
	grid := newOccupancyGrid(-0.5, -0.5, 3, 3, carGridCell, carGridMargin, e.Obstacles)
	wps := grid.findPath(e.StartX, e.StartY, e.GoalX, e.GoalY)
	if wps == nil {
		wps = [][2]float64{{e.StartX, e.StartY}, {e.GoalX, e.GoalY}}
	}
	e.xref = polyline(wps, carRefPoints)

	var sum float64
	for _, p := range e.xref {
		sum += e.reward(p[0], p[1])
	}
	e.rewardXRef = sum / float64(len(e.xref))
	return e
}

func (e *Car2D) Reset(seed uint64) State {
	q := []float64{e.StartX, e.StartY, 0, 0}
	return State{Obs: e.obs(q), Pipeline: q}
}

func (e *Car2D) Step(s State, action []float64) State {
	accel := clip(action[0], -1, 1) * carMaxAccel
	steer := clip(action[1], -1, 1) * carMaxSteer

	q := s.Pipeline
	v := clip(q[3]+accel*carDT, -carMaxSpeed, carMaxSpeed)
	heading := q[2] + steer*v*carDT
	next := []float64{
		q[0] + v*math.Cos(heading)*carDT,
		q[1] + v*math.Sin(heading)*carDT,
		heading,
		v,
	}

	return State{
		Obs:      e.obs(next),
		Reward:   e.reward(next[0], next[1]),
		Pipeline: next,
	}
}

// reward is 1 at the goal, decreasing linearly with distance relative to the
// start distance, minus a penalty inside obstacles.
func (e *Car2D) reward(x, y float64) float64 {
	d0 := math.Hypot(e.GoalX-e.StartX, e.GoalY-e.StartY)
	r := 1 - math.Hypot(e.GoalX-x, e.GoalY-y)/d0
	for _, o := range e.Obstacles {
		if math.Hypot(x-o.X, y-o.Y) < o.R {
			r -= carHitPenalty
		}
	}
	return r
}

func (e *Car2D) obs(q []float64) []float64 {
	return []float64{q[0], q[1], math.Cos(q[2]), math.Sin(q[2]), q[3]}
}

func (e *Car2D) ObservationSize() int { return 5 }
func (e *Car2D) ActionSize() int      { return 2 }

// XRefLogPDF is the negative mean distance between the rollout positions and
// the reference path, aligned by step index.
func (e *Car2D) XRefLogPDF(obs [][]float64) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum float64
	for t, o := range obs {
		ref := e.xref[min(t, len(e.xref)-1)]
		sum += math.Hypot(o[0]-ref[0], o[1]-ref[1])
	}
	return -sum / float64(len(obs))
}

// RewardXRef is the mean reward along the reference path.
func (e *Car2D) RewardXRef() float64 {
	return e.rewardXRef
}

// XRef returns a copy of the reference path.
func (e *Car2D) XRef() [][2]float64 {
	out := make([][2]float64, len(e.xref))
	copy(out, e.xref)
	return out
}

// polyline samples n points evenly by arc length along the waypoints.
func polyline(wps [][2]float64, n int) [][2]float64 {
	lengths := make([]float64, len(wps)-1)
	var total float64
	for i := range lengths {
		lengths[i] = math.Hypot(wps[i+1][0]-wps[i][0], wps[i+1][1]-wps[i][1])
		total += lengths[i]
	}

	pts := make([][2]float64, n)
	for k := range pts {
		s := total * float64(k+1) / float64(n)
		seg := 0
		for seg < len(lengths)-1 && s > lengths[seg] {
			s -= lengths[seg]
			seg++
		}
		f := 0.0
		if lengths[seg] > 0 {
			f = math.Min(s/lengths[seg], 1)
		}
		pts[k] = [2]float64{
			wps[seg][0] + f*(wps[seg+1][0]-wps[seg][0]),
			wps[seg][1] + f*(wps[seg+1][1]-wps[seg][1]),
		}
	}
	return pts
}
