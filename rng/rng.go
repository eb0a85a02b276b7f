// Package rng provides splittable random keys. A Key is an immutable value;
// drawing randomness never advances it. New keys are derived with Split or
// Fold, so every draw point in a run is reproducible from the root seed.
package rng

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Key identifies one independent random stream.
type Key struct {
	hi, lo uint64
}

// New returns the root key for a seed.
func New(seed uint64) Key {
	return Key{hi: mix(seed), lo: mix(seed ^ 0x9e3779b97f4a7c15)}
}

// Split derives two independent child keys.
func (k Key) Split() (Key, Key) {
	return k.Fold(0), k.Fold(1)
}

// SplitN derives n independent child keys.
func (k Key) SplitN(n int) []Key {
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = k.Fold(uint64(i))
	}
	return keys
}

// Fold derives the child key for an integer label.
func (k Key) Fold(label uint64) Key {
	h := mix(k.hi ^ mix(label+0x632be59bd9b4e019))
	l := mix(k.lo + mix(h^label))
	return Key{hi: h, lo: l}
}

// Seed returns a 64-bit seed derived from the key, for collaborators that
// take a plain integer seed.
func (k Key) Seed() uint64 {
	return mix(k.hi ^ k.lo)
}

// Source returns a fresh PCG source for the key's stream.
func (k Key) Source() rand.Source {
	return rand.NewPCG(k.hi, k.lo)
}

// Normal returns a standard normal sampler for the key's stream.
func (k Key) Normal() distuv.Normal {
	return distuv.Normal{Mu: 0, Sigma: 1, Src: k.Source()}
}

// FillNormal fills dst with standard normal draws from the key's stream.
func (k Key) FillNormal(dst []float64) {
	n := k.Normal()
	for i := range dst {
		dst[i] = n.Rand()
	}
}

// mix is the splitmix64 finalizer.
func mix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
