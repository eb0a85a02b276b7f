package diffusion

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// stdFloor is the reward spread below which rewards are treated as
// indistinguishable and the std is replaced by 1.
const stdFloor = 1e-4

// Normalized holds standardized candidate log-probabilities.
type Normalized struct {
	LogP []float64
	Mean float64
	Std  float64 // after the floor substitution

	// Degenerate is set when the reward spread fell below the floor.
	Degenerate bool
}

// NormalizeRewards computes (r - mean) / std / temp over the finite rewards.
// Non-finite rewards map to -Inf so they carry zero weight.
func NormalizeRewards(rewards []float64, temp float64) Normalized {
	finite := make([]float64, 0, len(rewards))
	for _, r := range rewards {
		if isFinite(r) {
			finite = append(finite, r)
		}
	}

	var n Normalized
	if len(finite) > 0 {
		n.Mean, n.Std = stat.PopMeanStdDev(finite, nil)
	}
	if !(n.Std >= stdFloor) {
		n.Std = 1
		n.Degenerate = true
	}

	n.LogP = make([]float64, len(rewards))
	for i, r := range rewards {
		if !isFinite(r) {
			n.LogP[i] = math.Inf(-1)
			continue
		}
		n.LogP[i] = (r - n.Mean) / n.Std / temp
	}
	return n
}

// Softmax writes normalized weights for logits into dst, allocating when dst
// is nil. -Inf logits get weight zero. If every logit is -Inf the weights are
// uniform.
func Softmax(dst, logits []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(logits))
	}
	if len(logits) == 0 {
		return dst
	}

	hi := math.Inf(-1)
	for _, x := range logits {
		if x > hi {
			hi = x
		}
	}
	if math.IsInf(hi, -1) || math.IsNaN(hi) {
		for i := range dst {
			dst[i] = 1 / float64(len(dst))
		}
		return dst
	}

	var sum float64
	for i, x := range logits {
		dst[i] = math.Exp(x - hi)
		sum += dst[i]
	}
	floats.Scale(1/sum, dst)
	return dst
}

// WeightedMean writes sum_i w[i] * pop[i] into dst.
func WeightedMean(dst *mat.Dense, weights []float64, pop []*mat.Dense) {
	dst.Zero()
	out := dst.RawMatrix().Data
	for i, m := range pop {
		if weights[i] == 0 {
			continue
		}
		floats.AddScaled(out, weights[i], m.RawMatrix().Data)
	}
}

// EffectiveSampleSize returns 1 / sum(w^2) for normalized weights.
func EffectiveSampleSize(weights []float64) float64 {
	sq := floats.Dot(weights, weights)
	if sq == 0 {
		return 0
	}
	return 1 / sq
}

// argmax returns the index of the largest value, or -1 if none is finite.
func argmax(xs []float64) int {
	best := -1
	for i, x := range xs {
		if !isFinite(x) {
			continue
		}
		if best < 0 || x > xs[best] {
			best = i
		}
	}
	return best
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clipUnit(data []float64) {
	for i, x := range data {
		data[i] = math.Max(-1, math.Min(1, x))
	}
}
