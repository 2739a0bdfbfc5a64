package scheduler

import (
	"math"
	"slices"

	"github.com/ollama/videogen/tensor"
)

// dpm is the second-order multistep DPM-Solver++ for flow-matching models.
// The first step and the final step, which lands on sigma = 0, are first
// order.
//
// Reference: "DPM-Solver++: Fast Solver for Guided Sampling of Diffusion Probabilistic Models"
// https://arxiv.org/abs/2211.01095
type dpm struct {
	schedule

	outputs        []*tensor.Tensor
	lowerOrderNums int
}

func newDPM(cfg Config) *dpm {
	cfg.Order = min(cfg.Order, 2)
	return &dpm{schedule: schedule{cfg: cfg, index: -1}}
}

func (d *dpm) SetTimesteps(steps int, shift float64) error {
	if err := d.build(steps, 1, shift); err != nil {
		return err
	}
	freeAll(d.outputs)
	d.outputs = nil
	d.lowerOrderNums = 0
	return nil
}

func (d *dpm) Step(pred *tensor.Tensor, t float32, sample *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := d.advance(t)
	if err != nil {
		return nil, err
	}

	x0, err := dataPrediction(pred, sample, d.sigmas[i])
	if err != nil {
		return nil, err
	}

	d.outputs = append(d.outputs, x0)
	if len(d.outputs) > d.cfg.Order {
		d.outputs[0].Free()
		d.outputs = slices.Delete(d.outputs, 0, 1)
	}

	var prev *tensor.Tensor
	if d.cfg.Order == 1 || d.lowerOrderNums < 1 || i == len(d.timesteps)-1 {
		prev, err = d.firstOrder(sample)
	} else {
		prev, err = d.secondOrder(sample)
	}
	if err != nil {
		return nil, err
	}

	if d.lowerOrderNums < d.cfg.Order {
		d.lowerOrderNums++
	}
	d.index++
	return finish(prev, sample.DType()), nil
}

func (d *dpm) firstOrder(x *tensor.Tensor) (*tensor.Tensor, error) {
	sigmaT, sigmaS := d.sigmas[d.index+1], d.sigmas[d.index]
	alphaT, _ := alphaSigma(sigmaT)
	h := lambda(sigmaT) - lambda(sigmaS)

	m0 := d.outputs[len(d.outputs)-1]
	return combine([]float64{sigmaT / sigmaS, -alphaT * math.Expm1(-h)}, x, m0)
}

func (d *dpm) secondOrder(x *tensor.Tensor) (*tensor.Tensor, error) {
	sigmaT, sigmaS0, sigmaS1 := d.sigmas[d.index+1], d.sigmas[d.index], d.sigmas[d.index-1]
	alphaT, _ := alphaSigma(sigmaT)

	lambdaT, lambdaS0, lambdaS1 := lambda(sigmaT), lambda(sigmaS0), lambda(sigmaS1)
	h, h0 := lambdaT-lambdaS0, lambdaS0-lambdaS1
	r0 := h0 / h

	last := len(d.outputs) - 1
	m0, m1 := d.outputs[last], d.outputs[last-1]

	// D1 = (m0 - m1) / r0, folded into the m0 and m1 coefficients
	e := alphaT * math.Expm1(-h)
	return combine([]float64{sigmaT / sigmaS0, -e * (1 + 0.5/r0), e * 0.5 / r0}, x, m0, m1)
}
