// Package cache provides caching mechanisms for diffusion model inference.
package cache

import (
	"log/slog"
	"math"

	"github.com/ollama/videogen/tensor"
)

// TeaCache implements Timestep Embedding Aware Caching for video diffusion
// transformers. It tracks how much the modulated timestep embedding drifts
// between consecutive steps and, while the accumulated drift stays under a
// threshold, lets the transformer reuse the residual its blocks produced at
// the last computed step instead of running them again.
//
// The conditional pass makes the compute/reuse decision; the unconditional
// pass of the same step follows it. Residuals are cached per pass.
//
// Reference: "Timestep Embedding Tells: It's Time to Cache for Video Diffusion Model"
// https://github.com/ali-vilab/TeaCache
type TeaCache struct {
	// Polynomial applied to the raw relative L1 drift, highest degree first.
	coefficients []float64

	// Embed maps a timestep to the modulated embedding the drift is measured on.
	embed func(t float32) []float32

	enabled   bool
	threshold float64
	start     int

	step          int
	accumulated   float64
	prevEmbedding []float32
	compute       bool

	residuals [2]*tensor.Tensor // indexed by pass: 0 cond, 1 uncond

	// Statistics
	hits   int
	misses int
}

// TeaCacheConfig holds configuration for TeaCache.
type TeaCacheConfig struct {
	// Coefficients rescale the relative L1 drift. Model specific, highest
	// degree first. Nil means identity.
	Coefficients []float64

	// Threshold is used as-is when ComputeThreshold is never called.
	Threshold float64

	// Embed returns the modulated timestep embedding for t.
	Embed func(t float32) []float32
}

// Wan14BI2VCoefficients are the published rescale coefficients for the
// 14B image-to-video transformer.
var Wan14BI2VCoefficients = []float64{2.57151496e+05, -3.54229917e+04, 1.40286849e+03, -1.35890334e+01, 1.32517977e-01}

// NewTeaCache creates a new TeaCache instance.
func NewTeaCache(cfg TeaCacheConfig) *TeaCache {
	coefficients := cfg.Coefficients
	if len(coefficients) == 0 {
		coefficients = []float64{1, 0}
	}
	return &TeaCache{
		coefficients: coefficients,
		embed:        cfg.Embed,
		enabled:      true,
		threshold:    cfg.Threshold,
		compute:      true,
	}
}

// EnableTeaCache turns step skipping on or off. While off every pass runs
// the blocks and no residual is reused.
func (tc *TeaCache) EnableTeaCache(enabled bool) {
	tc.enabled = enabled
	if !enabled {
		tc.Free()
		tc.threshold, tc.start = 0, 0
	}
}

func (tc *TeaCache) Enabled() bool { return tc.enabled }

func (tc *TeaCache) rescale(x float64) float64 {
	var y float64
	for _, c := range tc.coefficients {
		y = y*x + c
	}
	return y
}

// relL1 is mean(|cur - prev|) / mean(|prev|).
func relL1(cur, prev []float32) float64 {
	var num, den float64
	for i := range cur {
		num += math.Abs(float64(cur[i] - prev[i]))
		den += math.Abs(float64(prev[i]))
	}
	if den == 0 {
		return math.Inf(1)
	}
	return num / den
}

// ComputeThreshold picks the threshold whose simulated schedule computes
// closest to len(timesteps)/multiplier steps, never skipping steps up to and
// including start. It returns the chosen threshold.
func (tc *TeaCache) ComputeThreshold(start int, timesteps []float32, multiplier float64) float64 {
	tc.start = start
	if tc.embed == nil || multiplier <= 0 {
		return tc.threshold
	}

	embeddings := tc.embeddings(timesteps)
	target := int(float64(len(timesteps)) / multiplier)
	best, bestDiff := 0.01, math.MaxInt

	for i := 1; i <= 60; i++ {
		threshold := float64(i) / 100
		computed := 0
		for _, c := range tc.simulate(embeddings, start, threshold) {
			if c {
				computed++
			}
		}

		diff := target - computed
		if diff < 0 {
			diff = -diff
		}

		if diff < bestDiff {
			best, bestDiff = threshold, diff
		} else if diff > bestDiff {
			break
		}
	}

	tc.threshold = best
	slog.Debug("teacache threshold", "threshold", best, "target_steps", target, "steps", len(timesteps), "multiplier", multiplier)
	return best
}

// Plan reports, for each timestep, whether the current threshold would
// compute the step rather than reuse the cached residual.
func (tc *TeaCache) Plan(timesteps []float32) []bool {
	if tc.embed == nil || !tc.enabled {
		plan := make([]bool, len(timesteps))
		for i := range plan {
			plan[i] = true
		}
		return plan
	}
	return tc.simulate(tc.embeddings(timesteps), tc.start, tc.threshold)
}

func (tc *TeaCache) embeddings(timesteps []float32) [][]float32 {
	embeddings := make([][]float32, len(timesteps))
	for i, t := range timesteps {
		embeddings[i] = tc.embed(t)
	}
	return embeddings
}

func (tc *TeaCache) simulate(embeddings [][]float32, start int, threshold float64) []bool {
	plan := make([]bool, len(embeddings))
	var accumulated float64
	for j := range embeddings {
		plan[j] = true
		if j > start {
			accumulated += math.Abs(tc.rescale(relL1(embeddings[j], embeddings[j-1])))
			if accumulated < threshold {
				plan[j] = false
			} else {
				accumulated = 0
			}
		}
	}
	return plan
}

// NotifyStep records the step about to be evaluated. Step 0 starts a new
// generation and drops any state left from the previous one.
func (tc *TeaCache) NotifyStep(step int) {
	if step == 0 {
		tc.Free()
		tc.accumulated = 0
		tc.prevEmbedding = nil
		tc.compute = true
		tc.hits, tc.misses = 0, 0
	}
	tc.step = step
}

func (tc *TeaCache) Step() int                 { return tc.step }
func (tc *TeaCache) Threshold() float64        { return tc.threshold }
func (tc *TeaCache) Stats() (hits, misses int) { return tc.hits, tc.misses }

// ShouldCompute decides whether the current pass must run the transformer
// blocks. embedding is the modulated timestep embedding of this step. The
// unconditional pass reuses the decision of the conditional pass.
func (tc *TeaCache) ShouldCompute(embedding []float32, uncond bool) bool {
	if uncond {
		return !tc.enabled || tc.compute || tc.residuals[1] == nil
	}

	switch {
	case !tc.enabled:
		tc.compute = true
		tc.accumulated = 0
	case tc.step <= tc.start || tc.prevEmbedding == nil || tc.residuals[0] == nil:
		tc.compute = true
		tc.accumulated = 0
	default:
		tc.accumulated += math.Abs(tc.rescale(relL1(embedding, tc.prevEmbedding)))
		if tc.accumulated < tc.threshold {
			tc.compute = false
		} else {
			tc.compute = true
			tc.accumulated = 0
		}
	}

	tc.prevEmbedding = embedding
	return tc.compute
}

func pass(uncond bool) int {
	if uncond {
		return 1
	}
	return 0
}

// Update stores the residual produced by the transformer blocks.
func (tc *TeaCache) Update(residual *tensor.Tensor, uncond bool) {
	i := pass(uncond)
	if tc.residuals[i] != nil {
		tc.residuals[i].Free()
	}
	tc.residuals[i] = residual
	tc.misses++
}

// Cached returns the residual stored for the pass.
func (tc *TeaCache) Cached(uncond bool) *tensor.Tensor {
	tc.hits++
	return tc.residuals[pass(uncond)]
}

// Tensors returns all cached tensors that must be kept alive.
func (tc *TeaCache) Tensors() []*tensor.Tensor {
	var ts []*tensor.Tensor
	for _, r := range tc.residuals {
		if r != nil {
			ts = append(ts, r)
		}
	}
	return ts
}

// Free releases all cached residuals.
func (tc *TeaCache) Free() {
	for i, r := range tc.residuals {
		if r != nil {
			r.Free()
			tc.residuals[i] = nil
		}
	}
}
