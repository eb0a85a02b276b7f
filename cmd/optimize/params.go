// Package main provides a CMA-ES baseline that optimizes an action sequence
// directly against the environment, for comparison with the diffusion
// planners.
package main

import (
	"gonum.org/v1/gonum/mat"
)

// ActionSpace maps between the optimizer's flat vector and an action
// sequence. The optimizer works in [0,1] per coordinate; actions live in
// [Min, Max].
type ActionSpace struct {
	Horizon   int
	ActionDim int
	Min       float64
	Max       float64
}

// NewActionSpace creates the standard [-1, 1] action space.
func NewActionSpace(horizon, actionDim int) *ActionSpace {
	return &ActionSpace{Horizon: horizon, ActionDim: actionDim, Min: -1, Max: 1}
}

// Dim returns the number of optimized coordinates.
func (as *ActionSpace) Dim() int {
	return as.Horizon * as.ActionDim
}

// DefaultVector returns the normalized all-zero action sequence.
func (as *ActionSpace) DefaultVector() []float64 {
	return as.Normalize(make([]float64, as.Dim()))
}

// Normalize converts raw action values to [0,1] range.
func (as *ActionSpace) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(raw))
	for i, v := range raw {
		normalized[i] = (v - as.Min) / (as.Max - as.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw action values.
func (as *ActionSpace) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(normalized))
	for i, x := range normalized {
		raw[i] = as.Min + x*(as.Max-as.Min)
	}
	return raw
}

// Clamp ensures all values are within the action bounds.
func (as *ActionSpace) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(v))
	for i, val := range v {
		if val < as.Min {
			val = as.Min
		}
		if val > as.Max {
			val = as.Max
		}
		clamped[i] = val
	}
	return clamped
}

// Actions converts a normalized optimizer vector to a clamped
// [Horizon, ActionDim] action sequence.
func (as *ActionSpace) Actions(normalized []float64) *mat.Dense {
	return mat.NewDense(as.Horizon, as.ActionDim, as.Clamp(as.Denormalize(normalized)))
}
