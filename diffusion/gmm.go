package diffusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pthm-cable/mbd/rng"
	"github.com/pthm-cable/mbd/telemetry"
)

const logSqrt2Pi = 0.91893853320467274178 // 0.5 * log(2*pi)

// GMMPlanner runs Nexp reverse diffusion chains that share one candidate
// population. Candidates are drawn from a Gaussian mixture centred on the
// previous population and importance-corrected by the mixture density.
type GMMPlanner struct {
	ctx  *Context
	nexp int
	opts Options
}

// NewGMMPlanner creates a GMM planner with nexp chains.
func NewGMMPlanner(ctx *Context, nexp int, opts Options) *GMMPlanner {
	return &GMMPlanner{ctx: ctx, nexp: nexp, opts: opts}
}

// gmmState is carried between steps.
type gmmState struct {
	means []*mat.Dense // mixture components, one per candidate
	logq  []float64    // component log-weights (unnormalized)
	yts   []*mat.Dense // chain latents Y_t
}

// gmmStep is what one step produces besides the next state.
type gmmStep struct {
	y0bars      []*mat.Dense // per-chain weighted estimates
	pop         []*mat.Dense
	rewards     []float64
	chainReward []float64
	stats       telemetry.StepStats
}

// Run denoises every chain from t = Ndiffuse-1 down to t = 0. The result is
// the best of the final chain estimates and the final candidate population.
func (g *GMMPlanner) Run(ctx context.Context, key rng.Key) (*Result, error) {
	prm := g.ctx.Params
	st := g.init(key.Fold(forkInit))

	res := &Result{
		InitialReward: g.ctx.Eval.Rollout(mat.NewDense(prm.Horizon, prm.ActionDim, nil)).MeanReward(),
	}

	var last gmmStep
	n := g.ctx.Schedule.Len()
	for t := n - 1; t >= 0; t-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := g.step(key.Fold(uint64(t)), t, st)
		if err != nil {
			return nil, fmt.Errorf("step t=%d: %w", t, err)
		}
		last = out

		best := argmax(out.chainReward)
		if best < 0 {
			best = 0
		}
		res.History = append(res.History, out.y0bars[best])
		res.Steps = append(res.Steps, out.stats)
		res.Unstable += out.stats.Unstable
		report(g.opts, out.stats)
	}

	// Final pick over chains and population
	res.Final, res.FinalReward = nil, math.Inf(-1)
	if i := argmax(last.chainReward); i >= 0 {
		res.Final, res.FinalReward = last.y0bars[i], last.chainReward[i]
	}
	if i := argmax(last.rewards); i >= 0 && last.rewards[i] > res.FinalReward {
		res.Final, res.FinalReward = last.pop[i], last.rewards[i]
	}
	if res.Final == nil {
		res.Final = last.y0bars[0]
	}
	return res, nil
}

// init draws the initial mixture means and chain latents from N(0, 1).
func (g *GMMPlanner) init(key rng.Key) *gmmState {
	prm := g.ctx.Params
	st := &gmmState{
		means: make([]*mat.Dense, prm.Nsample),
		logq:  make([]float64, prm.Nsample),
		yts:   make([]*mat.Dense, g.nexp),
	}
	meanKey, chainKey := key.Split()
	for i := range st.means {
		st.means[i] = mat.NewDense(prm.Horizon, prm.ActionDim, nil)
		meanKey.Fold(uint64(i)).FillNormal(st.means[i].RawMatrix().Data)
	}
	for e := range st.yts {
		st.yts[e] = mat.NewDense(prm.Horizon, prm.ActionDim, nil)
		chainKey.Fold(uint64(e)).FillNormal(st.yts[e].RawMatrix().Data)
	}
	return st
}

// step advances st from t to t-1 in place.
func (g *GMMPlanner) step(key rng.Key, t int, st *gmmState) (gmmStep, error) {
	sched := g.ctx.Schedule
	prm := g.ctx.Params
	pool := g.ctx.Pool
	perf := g.opts.Perf
	start := time.Now()
	step := sched.Len() - 1 - t
	perf.StartStep()

	// Mixture bandwidth shrinks with the population size
	sigmaY0 := sched.Sigmas[t] / math.Sqrt(float64(prm.Nsample))
	coords := prm.Horizon * prm.ActionDim

	perf.StartPhase(telemetry.PhaseSample)
	logw := normalizeLog(st.logq)
	byCoord := transpose(st.means, coords)
	pop := g.sample(key, byCoord, logw, sigmaY0)

	// Proposal density of each candidate, averaged over coordinates
	logq := make([]float64, prm.Nsample)
	pool.Map(prm.Nsample, func(i int) {
		x := pop[i].RawMatrix().Data
		scratch := make([]float64, len(logw))
		var sum float64
		for c := 0; c < coords; c++ {
			sum += gmmLogProb(scratch, byCoord[c], logw, x[c], sigmaY0)
		}
		logq[i] = sum / float64(coords)
	})

	perf.StartPhase(telemetry.PhaseRollout)
	rewards, unstable, norm, err := g.ctx.scores(pop)
	if err != nil {
		perf.EndStep()
		return gmmStep{}, err
	}

	perf.StartPhase(telemetry.PhaseWeights)
	logp0 := norm.LogP

	ab := sched.AlphasBar[t]
	sqrtAB := math.Sqrt(ab)
	sigma := sched.Sigmas[t]

	y0bars := make([]*mat.Dense, g.nexp)
	chainWeights := make([][]float64, g.nexp)
	pool.Map(g.nexp, func(e int) {
		yt := st.yts[e].RawMatrix().Data
		logpBar := make([]float64, prm.Nsample)
		for i, cand := range pop {
			if math.IsInf(logp0[i], -1) {
				logpBar[i] = math.Inf(-1)
				continue
			}
			logpBar[i] = logp0[i] + forwardLogProb(cand.RawMatrix().Data, yt, sqrtAB, sigma) - logq[i]
		}
		w := Softmax(logpBar, logpBar)
		y0bars[e] = mat.NewDense(prm.Horizon, prm.ActionDim, nil)
		WeightedMean(y0bars[e], w, pop)
		chainWeights[e] = w
	})

	// Next mixture: the current population reweighted by reward over proposal
	logqNew := make([]float64, prm.Nsample)
	for i := range logqNew {
		logqNew[i] = logp0[i] - logq[i]
	}
	if hi := floats.Max(logqNew); isFinite(hi) {
		floats.AddConst(-hi, logqNew)
	}

	perf.StartPhase(telemetry.PhaseUpdate)
	beta := sched.Betas[t]
	ancestral := key.Fold(forkAncestral)
	for e := range st.yts {
		yt := st.yts[e].RawMatrix().Data
		y0 := y0bars[e].RawMatrix().Data
		eps := make([]float64, len(yt))
		ancestral.Fold(uint64(e)).FillNormal(eps)
		for i := range yt {
			score := ab / (1 - ab) * (y0[i] - yt[i]/sqrtAB)
			yt[i] = (yt[i]+0.5*beta*score)/math.Sqrt(1-beta) + math.Sqrt(beta)*eps[i]
		}
	}
	st.means = pop
	st.logq = logqNew

	chainRewards, chainUnstable := g.chainRewards(t, y0bars)
	bestChain := argmax(chainRewards)
	if best := argmax(rewards); best >= 0 {
		g.opts.HallOfFame.Consider(step, t, rewards[best], pop[best])
	}
	perf.EndStep()

	var w []float64
	if bestChain >= 0 {
		w = chainWeights[bestChain]
	}
	stats := telemetry.NewStepStats(step, t, sched.Sigmas[t], rewards, w, unstable, norm.Degenerate, time.Since(start))
	stats.ChainUnstable = chainUnstable

	return gmmStep{
		y0bars:      y0bars,
		pop:         pop,
		rewards:     rewards,
		chainReward: chainRewards,
		stats:       stats,
	}, nil
}

// chainRewards rolls out every chain estimate. Diverged chains get -Inf and
// are counted. All chains diverging does not fail the step: the final pick
// falls back to the candidate population.
func (g *GMMPlanner) chainRewards(t int, y0bars []*mat.Dense) ([]float64, int) {
	rewards, unstable, err := g.ctx.Eval.MeanRewards(y0bars)
	if err != nil {
		slog.Warn("every chain estimate diverged", "t", t, "chains", len(y0bars), "error", err)
	} else if unstable > 0 {
		slog.Warn("chain estimates diverged", "t", t, "unstable", unstable, "chains", len(y0bars))
	}
	return rewards, unstable
}

// sample draws Nsample candidates. Every coordinate picks its own mixture
// component per candidate, then adds bandwidth-scaled noise. Coordinate c
// uses key.Fold(forkComponent).Fold(c) and key.Fold(forkSample).Fold(c).
func (g *GMMPlanner) sample(key rng.Key, byCoord [][]float64, logw []float64, sigmaY0 float64) []*mat.Dense {
	prm := g.ctx.Params
	pop := make([]*mat.Dense, prm.Nsample)
	for i := range pop {
		pop[i] = mat.NewDense(prm.Horizon, prm.ActionDim, nil)
	}

	probs := make([]float64, len(logw))
	for i, lw := range logw {
		probs[i] = math.Exp(lw)
	}

	compKey, noiseKey := key.Fold(forkComponent), key.Fold(forkSample)
	g.ctx.Pool.Map(len(byCoord), func(c int) {
		cat := distuv.NewCategorical(probs, compKey.Fold(uint64(c)).Source())
		noise := noiseKey.Fold(uint64(c)).Normal()
		means := byCoord[c]
		for i := range pop {
			k := int(cat.Rand())
			x := means[k] + sigmaY0*noise.Rand()
			pop[i].RawMatrix().Data[c] = math.Max(-1, math.Min(1, x))
		}
	})
	return pop
}

// gmmLogProb is the log-density at x of an equal-bandwidth 1-D Gaussian
// mixture with component means and normalized log-weights. scratch must have
// len(means).
func gmmLogProb(scratch, means, logw []float64, x, sigma float64) float64 {
	logSigma := math.Log(sigma)
	for k, m := range means {
		z := (x - m) / sigma
		scratch[k] = logw[k] - 0.5*z*z - logSigma - logSqrt2Pi
	}
	return logSumExp(scratch)
}

// forwardLogProb is log p(Y_t | Y_0) up to a constant, with the standardized
// residual clipped to [-2, 2].
func forwardLogProb(y0, yt []float64, sqrtAB, sigma float64) float64 {
	var sum float64
	for i := range y0 {
		eps := (y0[i]*sqrtAB - yt[i]) / sigma
		eps = math.Max(-2, math.Min(2, eps))
		sum += eps * eps
	}
	return -0.5 * sum / float64(len(y0))
}

// normalizeLog returns log-weights normalized to sum to one in linear space.
func normalizeLog(logq []float64) []float64 {
	out := make([]float64, len(logq))
	lse := logSumExp(logq)
	for i, l := range logq {
		out[i] = l - lse
	}
	return out
}

// logSumExp handles all -Inf input.
func logSumExp(xs []float64) float64 {
	if hi := floats.Max(xs); math.IsInf(hi, -1) {
		return hi
	}
	return floats.LogSumExp(xs)
}

// transpose regroups candidate matrices by coordinate: out[c][i] is
// coordinate c of candidate i.
func transpose(pop []*mat.Dense, coords int) [][]float64 {
	out := make([][]float64, coords)
	for c := range out {
		out[c] = make([]float64, len(pop))
	}
	for i, m := range pop {
		for c, x := range m.RawMatrix().Data {
			out[c][i] = x
		}
	}
	return out
}
