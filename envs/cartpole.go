package envs

import (
	"math"
	"math/rand/v2"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	length         = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * length
	forceMax       = 10.0
	tau            = 0.02

	xThreshold = 2.4
)

// CartPole is a continuous-force cart-pole swing-up task. The pole starts
// hanging down; reward is highest upright with the cart centered.
// Pipeline state is [x, xDot, theta, thetaDot] with theta = 0 upright.
type CartPole struct{}

// NewCartPole creates a cart-pole swing-up environment.
func NewCartPole() *CartPole {
	return &CartPole{}
}

// Reset starts near the hanging position with a small seed-dependent
// perturbation.
func (e *CartPole) Reset(seed uint64) State {
	r := rand.New(rand.NewPCG(seed, 0))
	q := []float64{
		r.Float64()*0.1 - 0.05,
		r.Float64()*0.1 - 0.05,
		math.Pi + r.Float64()*0.1 - 0.05,
		r.Float64()*0.1 - 0.05,
	}
	return State{Obs: e.obs(q), Pipeline: q}
}

func (e *CartPole) Step(s State, action []float64) State {
	force := clip(action[0], -1, 1) * forceMax

	x := s.Pipeline[0]
	xDot := s.Pipeline[1]
	theta := s.Pipeline[2]
	thetaDot := s.Pipeline[3]

	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)

	temp := (force + poleMassLength*thetaDot*thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass
	x += tau * xDot
	xDot += tau * xAcc
	theta += tau * thetaDot
	thetaDot += tau * thetaAcc

	next := []float64{x, xDot, theta, thetaDot}
	upright := (1 + math.Cos(theta)) / 2
	offTrack := math.Max(0, math.Abs(x)-xThreshold)

	return State{
		Obs:      e.obs(next),
		Reward:   upright - 0.01*x*x - offTrack,
		Pipeline: next,
	}
}

func (e *CartPole) obs(q []float64) []float64 {
	return []float64{q[0], q[1], math.Cos(q[2]), math.Sin(q[2]), q[3]}
}

func (e *CartPole) ObservationSize() int { return 5 }
func (e *CartPole) ActionSize() int      { return 1 }
