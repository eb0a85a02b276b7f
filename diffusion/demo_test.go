package diffusion

import (
	"math"
	"testing"
)

// demoStub scores a rollout by its first observation.
type demoStub struct {
	rewardXRef float64
}

func (d demoStub) XRefLogPDF(obs [][]float64) float64 { return obs[0][0] }
func (d demoStub) RewardXRef() float64                { return d.rewardXRef }

func TestDemoPriorBlend(t *testing.T) {
	inf := math.Inf(-1)
	tests := []struct {
		name       string
		logp       []float64
		demo       []float64
		rewardXRef float64
		mean, std  float64
		temp       float64
		want       []float64
	}{
		{
			// scores [0, -1]: neither beats logp
			name:       "demo lower keeps logp",
			logp:       []float64{1, -1},
			demo:       []float64{-5, -6},
			rewardXRef: 0,
			mean:       0,
			std:        1,
			temp:       1,
			want:       []float64{1, -1},
		},
		{
			// scores [2, 2, -8] replace the first two, giving [2, 2, 0]
			name:       "demo higher replaces",
			logp:       []float64{1, -1, 0},
			demo:       []float64{0, 0, -10},
			rewardXRef: 2,
			mean:       0,
			std:        1,
			temp:       1,
			want:       []float64{1 / math.Sqrt2, 1 / math.Sqrt2, -math.Sqrt2},
		},
		{
			// the excluded candidate's demo score is ignored, even for the max
			name:       "excluded candidate stays excluded",
			logp:       []float64{inf, 0, 1},
			demo:       []float64{100, 0, 0},
			rewardXRef: 0,
			mean:       0,
			std:        1,
			temp:       1,
			want:       []float64{inf, -1, 1},
		},
		{
			// scores (demo + 3 - 1) / 2 / 0.5 = [2, 0], then [2, 0] restandardized / 0.5
			name:       "reward scale and temperature",
			logp:       []float64{0, 0},
			demo:       []float64{0, -2},
			rewardXRef: 3,
			mean:       1,
			std:        2,
			temp:       0.5,
			want:       []float64{2, -2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := make([][][]float64, len(tt.demo))
			for i, d := range tt.demo {
				obs[i] = [][]float64{{d}}
			}
			logp := append([]float64(nil), tt.logp...)

			prior := NewDemoPrior(demoStub{rewardXRef: tt.rewardXRef}, tt.temp)
			prior.Blend(logp, obs, Normalized{Mean: tt.mean, Std: tt.std})

			for i := range tt.want {
				if math.IsInf(tt.want[i], -1) {
					if !math.IsInf(logp[i], -1) {
						t.Errorf("logp[%d] = %v, want -Inf", i, logp[i])
					}
					continue
				}
				if math.Abs(logp[i]-tt.want[i]) > 1e-12 {
					t.Errorf("logp[%d] = %v, want %v", i, logp[i], tt.want[i])
				}
			}
		})
	}
}

func TestDemoPriorBlendAllExcluded(t *testing.T) {
	inf := math.Inf(-1)
	logp := []float64{inf, inf}
	NewDemoPrior(demoStub{}, 1).Blend(logp, make([][][]float64, 2), Normalized{Std: 1})
	for i, l := range logp {
		if !math.IsInf(l, -1) {
			t.Errorf("logp[%d] = %v, want -Inf", i, l)
		}
	}
}
