// Package exprs evaluates arithmetic/boolean expressions over a controlled
// namespace with deterministic pseudo-randomness. It backs expression
// pipeline steps, validation rules, and config pre-flight checks.
package exprs

import (
	"fmt"
	"math/rand"
)

// SeededRandom is the deterministic `random` namespace exposed to
// expressions. All draws come from one seeded source, advanced in
// evaluation order, so a run replays identically for a given seed.
type SeededRandom struct {
	rng *rand.Rand
}

// NewSeededRandom returns a generator seeded with the given value.
func NewSeededRandom(seed int64) *SeededRandom {
	return &SeededRandom{rng: rand.New(rand.NewSource(seed))}
}

// Random returns a float in [0.0, 1.0).
func (r *SeededRandom) Random() float64 { return r.rng.Float64() }

// RandInt returns an integer in [a, b] inclusive.
func (r *SeededRandom) RandInt(a, b int) (int, error) {
	if b < a {
		return 0, fmt.Errorf("randint: empty range [%d, %d]", a, b)
	}
	return a + r.rng.Intn(b-a+1), nil
}

// Choice returns a uniformly random element of seq.
func (r *SeededRandom) Choice(seq []any) (any, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("choice: empty sequence")
	}
	return seq[r.rng.Intn(len(seq))], nil
}

// Uniform returns a float in [a, b).
func (r *SeededRandom) Uniform(a, b float64) float64 {
	return a + r.rng.Float64()*(b-a)
}

// Gauss returns a normally distributed float with the given mean and
// standard deviation.
func (r *SeededRandom) Gauss(mu, sigma float64) float64 {
	return mu + r.rng.NormFloat64()*sigma
}

// namespace returns the callable map bound to the `random` identifier.
func (r *SeededRandom) namespace() map[string]any {
	return map[string]any{
		"random": func() float64 { return r.Random() },
		"randint": func(a, b int) (int, error) {
			return r.RandInt(a, b)
		},
		"choice": func(seq any) (any, error) {
			items, err := toSlice(seq)
			if err != nil {
				return nil, fmt.Errorf("choice: %w", err)
			}
			return r.Choice(items)
		},
		"uniform": func(a, b float64) float64 { return r.Uniform(a, b) },
		"gauss":   func(mu, sigma float64) float64 { return r.Gauss(mu, sigma) },
	}
}
