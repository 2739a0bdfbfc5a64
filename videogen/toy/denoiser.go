package toy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ollama/videogen/tensor"
	"github.com/ollama/videogen/videogen"
	"github.com/ollama/videogen/videogen/cache"
)

// embedDim is the width of the sinusoidal noise level embedding.
const embedDim = 64

// Denoiser predicts the flow-matching velocity that carries the current
// latent straight to a target built from the conditioning latent and the
// text context: v = (x - target) / sigma. The unconditional target keeps
// only half of the conditioning signal, and skipping layers for
// selective-layer guidance weakens it further.
//
// It embeds a TeaCache, so it satisfies videogen.Accelerator.
type Denoiser struct {
	*cache.TeaCache

	Layers            int
	NumTrainTimesteps int

	Offloaded bool
	calls     int
}

type DenoiserConfig struct {
	Layers            int
	NumTrainTimesteps int
	// Coefficients rescale the TeaCache drift. Nil means identity.
	Coefficients []float64
}

func NewDenoiser(cfg DenoiserConfig) *Denoiser {
	if cfg.Layers <= 0 {
		cfg.Layers = 40
	}
	if cfg.NumTrainTimesteps <= 0 {
		cfg.NumTrainTimesteps = 1000
	}
	d := &Denoiser{
		Layers:            cfg.Layers,
		NumTrainTimesteps: cfg.NumTrainTimesteps,
	}
	d.TeaCache = cache.NewTeaCache(cache.TeaCacheConfig{
		Coefficients: cfg.Coefficients,
		Embed:        d.embed,
	})
	return d
}

func (d *Denoiser) embed(t float32) []float32 {
	return SigmaEmbedding(float64(t) / float64(d.NumTrainTimesteps))
}

// SigmaEmbedding is the sinusoidal embedding of a noise level: cosines then
// sines over geometrically spaced frequencies.
func SigmaEmbedding(sigma float64) []float32 {
	half := embedDim / 2
	emb := make([]float32, embedDim)
	for i := range half {
		f := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		s, c := math.Sincos(sigma * f)
		emb[i], emb[half+i] = float32(c), float32(s)
	}
	return emb
}

// Calls is the number of passes that ran the blocks instead of reusing a
// cached residual.
func (d *Denoiser) Calls() int { return d.calls }

func (d *Denoiser) Offload() { d.Offloaded = true }

func (d *Denoiser) Forward(ctx context.Context, in videogen.ForwardInput) ([]*tensor.Tensor, error) {
	if len(in.Latents) == 0 || len(in.Y) == 0 {
		return nil, errors.New("missing latents or conditioning")
	}
	if in.Gen.Interrupted() {
		return nil, nil
	}

	x, y := in.Latents[0], in.Y[0]
	channels := x.Dim(0)
	if y.Dim(0) < channels {
		return nil, fmt.Errorf("conditioning has %d channels, latent has %d", y.Dim(0), channels)
	}

	// the conditioning latent follows the mask channels
	latY, err := y.Slice(0, y.Dim(0)-channels, y.Dim(0))
	if err != nil {
		return nil, err
	}
	defer latY.Free()

	sigma := max(float64(in.Timestep)/float64(d.NumTrainTimesteps), 1e-3)
	emb := d.embed(in.Timestep)

	if in.NegativeContext != nil {
		cond, err := d.pass(x, latY, in.Context, nil, sigma, emb, false)
		if err != nil {
			return nil, err
		}
		uncond, err := d.pass(x, latY, in.NegativeContext, in.SLGLayers, sigma, emb, true)
		if err != nil {
			cond.Free()
			return nil, err
		}
		return []*tensor.Tensor{cond, uncond}, nil
	}

	pred, err := d.pass(x, latY, in.Context, in.SLGLayers, sigma, emb, in.Uncond)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{pred}, nil
}

func (d *Denoiser) pass(x, latY *tensor.Tensor, text []*tensor.Tensor, skip []int, sigma float64, emb []float32, uncond bool) (*tensor.Tensor, error) {
	if !d.ShouldCompute(emb, uncond) {
		if r := d.Cached(uncond); r != nil {
			pred := x.Clone()
			if err := pred.AddScaled(1, r); err != nil {
				pred.Free()
				return nil, err
			}
			return pred, nil
		}
	}

	d.calls++

	gain := float32(1)
	if uncond {
		gain = 0.5 * (1 - float32(len(skip))/float32(d.Layers))
	}

	target := latY.Clone()
	target.Scale(gain)
	bias := textBias(text)

	pred := x.Clone()
	if err := pred.AddScaled(-1, target); err != nil {
		pred.Free()
		target.Free()
		return nil, err
	}
	target.Free()

	data := pred.Data()
	for i := range data {
		data[i] = (data[i] - bias) / float32(sigma)
	}

	residual, err := tensor.Sub(pred, x)
	if err != nil {
		pred.Free()
		return nil, err
	}
	d.Update(residual, uncond)
	return pred, nil
}

// textBias is a small scalar the prompt embedding adds to the target.
func textBias(text []*tensor.Tensor) float32 {
	var sum float64
	var n int
	for _, c := range text {
		for _, v := range c.Data() {
			sum += float64(v)
		}
		n += c.Numel()
	}
	if n == 0 {
		return 0
	}
	return float32(0.1 * sum / float64(n))
}
