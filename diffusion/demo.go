package diffusion

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/mbd/envs"
)

// DemoPrior scores candidate rollouts against a reference trajectory and
// lifts candidates that track it better than their reward suggests.
type DemoPrior struct {
	ref  envs.DemoProvider
	temp float64
}

// NewDemoPrior creates a demo prior with the planner's sampling temperature.
func NewDemoPrior(ref envs.DemoProvider, temp float64) *DemoPrior {
	return &DemoPrior{ref: ref, temp: temp}
}

// Blend replaces logp[i] with the demo score wherever the demo score is
// higher, then re-standardizes. obs holds each candidate's rollout
// observations. Candidates with -Inf logp stay excluded.
func (d *DemoPrior) Blend(logp []float64, obs [][][]float64, norm Normalized) {
	demo := make([]float64, len(logp))
	best := math.Inf(-1)
	for i := range logp {
		if math.IsInf(logp[i], -1) {
			demo[i] = math.Inf(-1)
			continue
		}
		demo[i] = d.ref.XRefLogPDF(obs[i])
		best = math.Max(best, demo[i])
	}
	if math.IsInf(best, -1) {
		return
	}

	finite := make([]float64, 0, len(logp))
	for i := range logp {
		if math.IsInf(logp[i], -1) {
			continue
		}
		score := (demo[i] - best + d.ref.RewardXRef() - norm.Mean) / norm.Std / d.temp
		if score > logp[i] {
			logp[i] = score
		}
		finite = append(finite, logp[i])
	}

	mean, std := stat.PopMeanStdDev(finite, nil)
	if !(std >= stdFloor) {
		std = 1
	}
	for i := range logp {
		if math.IsInf(logp[i], -1) {
			continue
		}
		logp[i] = (logp[i] - mean) / std / d.temp
	}
}
