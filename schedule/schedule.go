// Package schedule builds the variance schedule shared by every reverse
// diffusion step.
package schedule

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Schedule holds a linear beta schedule and the quantities derived from it.
// It is immutable once built.
type Schedule struct {
	Betas     []float64
	Alphas    []float64 // 1 - beta
	AlphasBar []float64 // cumulative product of alphas
	Sigmas    []float64 // sqrt(1 - alpha_bar)

	// SigmasCond is the conditional std for ancestral sampling. No planner
	// reads it; index 0 is forced to zero.
	SigmasCond []float64
}

// New builds a schedule of n linearly spaced betas in [beta0, betaT].
func New(beta0, betaT float64, n int) (*Schedule, error) {
	if n < 2 {
		return nil, fmt.Errorf("schedule: need at least 2 steps, got %d", n)
	}
	if !(beta0 > 0 && beta0 <= betaT && betaT < 1) {
		return nil, fmt.Errorf("schedule: betas must satisfy 0 < beta0 <= betaT < 1, got %g, %g", beta0, betaT)
	}

	betas := floats.Span(make([]float64, n), beta0, betaT)

	alphas := make([]float64, n)
	logAlphas := make([]float64, n)
	for i, b := range betas {
		alphas[i] = 1 - b
		logAlphas[i] = math.Log1p(-b)
	}

	// Cumulative product in log space
	alphasBar := floats.CumSum(make([]float64, n), logAlphas)
	for i, la := range alphasBar {
		alphasBar[i] = math.Exp(la)
	}

	sigmas := make([]float64, n)
	for i, ab := range alphasBar {
		sigmas[i] = math.Sqrt(1 - ab)
	}

	// alpha_bar[t-1] wraps to alpha_bar[n-1] at t=0; the wrapped value is
	// overwritten below.
	sigmasCond := make([]float64, n)
	for t := range sigmasCond {
		prev := alphasBar[(t-1+n)%n]
		v := (1 - alphas[t]) * (1 - math.Sqrt(prev)) / (1 - alphasBar[t])
		sigmasCond[t] = math.Sqrt(v)
	}
	sigmasCond[0] = 0

	return &Schedule{
		Betas:      betas,
		Alphas:     alphas,
		AlphasBar:  alphasBar,
		Sigmas:     sigmas,
		SigmasCond: sigmasCond,
	}, nil
}

// Len returns the number of diffusion steps.
func (s *Schedule) Len() int {
	return len(s.Betas)
}

// SqrtAlphaBar returns sqrt(alpha_bar[t]).
func (s *Schedule) SqrtAlphaBar(t int) float64 {
	return math.Sqrt(s.AlphasBar[t])
}
