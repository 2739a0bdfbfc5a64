package scheduler

import "github.com/ollama/videogen/tensor"

// euler is the first-order flow-matching Euler solver:
//
//	x_next = x + (sigma_next - sigma) * v
type euler struct {
	schedule
}

func newEuler(cfg Config) *euler {
	return &euler{schedule: schedule{cfg: cfg, index: -1}}
}

func (e *euler) SetTimesteps(steps int, shift float64) error {
	return e.build(steps, 1, shift)
}

func (e *euler) Step(pred *tensor.Tensor, t float32, sample *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := e.advance(t)
	if err != nil {
		return nil, err
	}

	// dt is negative, going from noise to clean
	dt := e.sigmas[i+1] - e.sigmas[i]
	prev, err := combine([]float64{1, dt}, sample, pred)
	if err != nil {
		return nil, err
	}

	e.index++
	return finish(prev, sample.DType()), nil
}
