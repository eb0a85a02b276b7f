package telemetry

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// StepStats holds statistics for one reverse diffusion step.
type StepStats struct {
	Step  int     `csv:"step"` // 0-based iteration counter
	T     int     `csv:"t"`    // Diffusion index being denoised
	Sigma float64 `csv:"sigma"`

	// Candidate population rewards (finite candidates only)
	RewardMean float64 `csv:"reward_mean"`
	RewardStd  float64 `csv:"reward_std"`
	RewardMax  float64 `csv:"reward_max"`
	RewardP10  float64 `csv:"reward_p10"`
	RewardP50  float64 `csv:"reward_p50"`
	RewardP90  float64 `csv:"reward_p90"`

	// Numerical health
	Unstable      int     `csv:"unstable"`       // Candidates with non-finite rollouts
	ChainUnstable int     `csv:"chain_unstable"` // GMM chain estimates with non-finite rollouts
	Degenerate    bool    `csv:"degenerate"`     // Reward spread below the std floor
	ESS           float64 `csv:"ess"`            // Effective sample size of the weights

	Duration time.Duration `csv:"-"`
	Millis   float64       `csv:"duration_ms"`
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeRewardStats calculates mean, std, max, and percentiles from reward
// values. Non-finite values are ignored.
func ComputeRewardStats(values []float64) (mean, std, maxv, p10, p50, p90 float64) {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sorted = append(sorted, v)
		}
	}
	n := len(sorted)
	if n == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	mean, std = stat.PopMeanStdDev(sorted, nil)

	sort.Float64s(sorted)
	maxv = sorted[n-1]
	p10 = Percentile(sorted, 0.10)
	p50 = Percentile(sorted, 0.50)
	p90 = Percentile(sorted, 0.90)

	return mean, std, maxv, p10, p50, p90
}

// NewStepStats builds the stats record for one step.
func NewStepStats(step, t int, sigma float64, rewards, weights []float64, unstable int, degenerate bool, d time.Duration) StepStats {
	s := StepStats{
		Step:       step,
		T:          t,
		Sigma:      sigma,
		Unstable:   unstable,
		Degenerate: degenerate,
		Duration:   d,
		Millis:     float64(d.Microseconds()) / 1000,
	}
	s.RewardMean, s.RewardStd, s.RewardMax, s.RewardP10, s.RewardP50, s.RewardP90 = ComputeRewardStats(rewards)

	var sq float64
	for _, w := range weights {
		sq += w * w
	}
	if sq > 0 {
		s.ESS = 1 / sq
	}
	return s
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Int("t", s.T),
		slog.Float64("sigma", s.Sigma),
		slog.Float64("reward_mean", s.RewardMean),
		slog.Float64("reward_std", s.RewardStd),
		slog.Float64("reward_max", s.RewardMax),
		slog.Float64("reward_p10", s.RewardP10),
		slog.Float64("reward_p50", s.RewardP50),
		slog.Float64("reward_p90", s.RewardP90),
		slog.Int("unstable", s.Unstable),
		slog.Int("chain_unstable", s.ChainUnstable),
		slog.Bool("degenerate", s.Degenerate),
		slog.Float64("ess", s.ESS),
		slog.Float64("duration_ms", s.Millis),
	)
}

// LogStats logs the step stats using slog.
func (s StepStats) LogStats() {
	slog.Info("diffuse",
		"step", s.Step,
		"t", s.T,
		"sigma", s.Sigma,
		"reward_mean", s.RewardMean,
		"reward_max", s.RewardMax,
		"reward_std", s.RewardStd,
		"unstable", s.Unstable,
		"chain_unstable", s.ChainUnstable,
		"degenerate", s.Degenerate,
		"ess", s.ESS,
		"duration_ms", s.Millis,
	)
}
