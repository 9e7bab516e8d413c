// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bandit implements Thompson Sampling over independent Beta
// posteriors for binary-conversion experiments. Each arm is modeled as
// Beta(1+conversions, 1+exposures-conversions); the probability of an arm
// being best is estimated by Monte-Carlo joint draws, and traffic weights
// are derived in proportion to those probabilities.
package bandit

import (
	"errors"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrTooFewArms is returned when fewer than two arms are supplied.
	// A single arm has nothing to compete against.
	ErrTooFewArms = errors.New("bandit: need at least two arms")

	// ErrZeroTotalWeight is returned when the normalization target is not a
	// positive finite number. Weights are allocated as fractions of this
	// total, so zero or non-finite totals are meaningless.
	ErrZeroTotalWeight = errors.New("bandit: total weight must be positive and finite")

	// ErrNonFiniteDraw is returned if a posterior draw produces NaN or an
	// infinity. This should not happen for valid Beta parameters; it is
	// surfaced rather than silently skewing the win counts.
	ErrNonFiniteDraw = errors.New("bandit: non-finite posterior draw")
)

// DefaultTrials is the number of joint Monte-Carlo draws used when Options
// does not specify one. 10k trials bounds the P(best) standard error to
// about 0.5% per arm.
const DefaultTrials = 10000

// Arm is one variant's observed counts. Conversions may transiently exceed
// Exposures (client-side event ordering); the posterior clamps internally
// but the struct itself is never mutated.
type Arm struct {
	Name        string
	Exposures   uint64
	Conversions uint64
}

// Result is the posterior evaluation of a single arm.
type Result struct {
	Name     string
	ProbBest float64
	Weight   float64
}

// Options configures Sampler construction.
type Options struct {
	// Trials sets the number of joint Monte-Carlo draws per evaluation.
	// 0 uses DefaultTrials.
	Trials int

	// Seed seeds the PRNG. 0 seeds from the wall clock. Fixing the seed
	// makes Evaluate deterministic, which tests rely on.
	Seed uint64
}

// Sampler estimates per-arm P(best) and derives traffic weights.
//
// A Sampler owns a single PRNG stream and is NOT safe for concurrent use;
// the recalculation scheduler runs evaluations from one goroutine.
type Sampler struct {
	trials int
	src    rand.Source
}

// New returns a Sampler with default options.
func New() *Sampler {
	return NewWithOptions(Options{})
}

// NewWithOptions returns a Sampler configured by opts.
func NewWithOptions(opts Options) *Sampler {
	trials := opts.Trials
	if trials <= 0 {
		trials = DefaultTrials
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Sampler{
		trials: trials,
		src:    rand.NewSource(seed),
	}
}

// Evaluate runs the Thompson-Sampling simulation for one experiment group
// and returns results in the same order as arms.
//
// totalWeight is the normalization target: the sum of the returned weights
// equals it exactly. Each weight is round(totalWeight*P(best), 4) with the
// post-rounding residual added to the top-probability arm so repeated
// cycles cannot drift the group sum.
//
// Ties on a draw (exact equality) break to the earlier arm, which keeps the
// outcome deterministic under a fixed seed.
func (s *Sampler) Evaluate(arms []Arm, totalWeight float64) ([]Result, error) {
	if len(arms) < 2 {
		return nil, ErrTooFewArms
	}
	if !(totalWeight > 0) || math.IsInf(totalWeight, 0) {
		return nil, ErrZeroTotalWeight
	}

	posteriors := make([]distuv.Beta, len(arms))
	for i, a := range arms {
		c := a.Conversions
		if c > a.Exposures {
			// Clamp for sampling only; the stored counters are untouched.
			c = a.Exposures
		}
		posteriors[i] = distuv.Beta{
			Alpha: 1 + float64(c),
			Beta:  1 + float64(a.Exposures-c),
			Src:   s.src,
		}
	}

	wins := make([]int, len(arms))
	for t := 0; t < s.trials; t++ {
		best := 0
		bestDraw := math.Inf(-1)
		for i := range posteriors {
			d := posteriors[i].Rand()
			if math.IsNaN(d) || math.IsInf(d, 0) {
				return nil, ErrNonFiniteDraw
			}
			if d > bestDraw {
				best = i
				bestDraw = d
			}
		}
		wins[best]++
	}

	results := make([]Result, len(arms))
	top := 0
	var sum float64
	for i, a := range arms {
		p := float64(wins[i]) / float64(s.trials)
		w := roundTo(totalWeight*p, 4)
		results[i] = Result{Name: a.Name, ProbBest: p, Weight: w}
		sum += w
		if p > results[top].ProbBest {
			top = i
		}
	}

	// Fold the rounding residual into the winner so the group sum is exact.
	if residual := totalWeight - sum; residual != 0 {
		results[top].Weight = roundTo(results[top].Weight+residual, 4)
	}
	return results, nil
}

func roundTo(x float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(x*scale) / scale
}
