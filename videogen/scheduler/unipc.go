package scheduler

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/ollama/videogen/tensor"
)

// unipc is the UniPC multistep solver (bh2 variant, data prediction) for
// flow-matching models. Every step runs the UniC corrector on the previous
// output, then the UniP predictor.
//
// Reference: "UniPC: A Unified Predictor-Corrector Framework for Fast Sampling of Diffusion Models"
// https://arxiv.org/abs/2302.04867
type unipc struct {
	schedule

	// outputs holds the last cfg.Order data predictions, oldest first.
	outputs    []*tensor.Tensor
	lastSample *tensor.Tensor

	lowerOrderNums int
	thisOrder      int
}

func newUniPC(cfg Config) *unipc {
	return &unipc{schedule: schedule{cfg: cfg, index: -1, truncate: true}}
}

func (u *unipc) SetTimesteps(steps int, shift float64) error {
	sigmaMax := Shift(u.cfg.Shift, 1-1/float64(u.cfg.NumTrainTimesteps))
	if err := u.build(steps, sigmaMax, shift); err != nil {
		return err
	}
	u.reset()
	return nil
}

func (u *unipc) reset() {
	for _, o := range u.outputs {
		o.Free()
	}
	u.outputs = nil
	u.lastSample.Free()
	u.lastSample = nil
	u.lowerOrderNums = 0
	u.thisOrder = 0
}

func (u *unipc) Step(pred *tensor.Tensor, t float32, sample *tensor.Tensor) (*tensor.Tensor, error) {
	i, err := u.advance(t)
	if err != nil {
		return nil, err
	}
	dtype := sample.DType()

	x0, err := dataPrediction(pred, sample, u.sigmas[i])
	if err != nil {
		return nil, err
	}

	if i > 0 && u.lastSample != nil {
		corrected, err := u.correct(x0, u.thisOrder)
		if err != nil {
			return nil, err
		}
		sample = corrected
	} else {
		sample = sample.Clone()
	}

	u.outputs = append(u.outputs, x0)
	if len(u.outputs) > u.cfg.Order {
		u.outputs[0].Free()
		u.outputs = slices.Delete(u.outputs, 0, 1)
	}

	u.thisOrder = min(u.cfg.Order, len(u.timesteps)-i, u.lowerOrderNums+1)

	u.lastSample.Free()
	u.lastSample = sample

	prev, err := u.predict(sample, u.thisOrder)
	if err != nil {
		return nil, err
	}

	if u.lowerOrderNums < u.cfg.Order {
		u.lowerOrderNums++
	}
	u.index++
	return finish(prev, dtype), nil
}

// bhCoefficients builds the linear system shared by the predictor and the
// corrector for the bh2 variant.
func bhCoefficients(rks []float64, hh float64, order int) (r [][]float64, b []float64, bh float64) {
	hPhi1 := math.Expm1(hh)
	hPhiK := hPhi1/hh - 1
	bh = math.Expm1(hh)

	factorial := 1.0
	for k := 1; k <= order; k++ {
		row := make([]float64, len(rks))
		for j, rk := range rks {
			row[j] = math.Pow(rk, float64(k-1))
		}
		r = append(r, row)
		b = append(b, hPhiK*factorial/bh)
		factorial *= float64(k + 1)
		hPhiK = hPhiK/hh - 1/factorial
	}
	return r, b, bh
}

// solve returns x for the leading n×n block of r times x = b[:n].
func solve(r [][]float64, b []float64, n int) ([]float64, error) {
	a := mat.NewDense(n, n, nil)
	for i := range n {
		for j := range n {
			a.Set(i, j, r[i][j])
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, mat.NewVecDense(n, slices.Clone(b[:n]))); err != nil {
		return nil, err
	}
	return x.RawVector().Data, nil
}

// differences returns the scaled differences (m_k - m0)/r_k against the
// k-th previous output for k in [1, order), and the ratios r_k. offset is
// how far back the newest history entry sits from the current index.
func (u *unipc) differences(order, offset int, lambda0, h float64) ([]float64, []*tensor.Tensor, error) {
	last := len(u.outputs) - 1
	m0 := u.outputs[last]

	var rks []float64
	var ds []*tensor.Tensor
	for k := 1; k < order; k++ {
		rk := (lambda(u.sigmas[u.index-k-offset]) - lambda0) / h
		d, err := combine([]float64{1 / rk, -1 / rk}, u.outputs[last-k], m0)
		if err != nil {
			return nil, nil, err
		}
		rks = append(rks, rk)
		ds = append(ds, d)
	}
	return append(rks, 1), ds, nil
}

// predict is the UniP update from the current sample to the next sigma.
func (u *unipc) predict(x *tensor.Tensor, order int) (*tensor.Tensor, error) {
	m0 := u.outputs[len(u.outputs)-1]
	sigmaT, sigmaS0 := u.sigmas[u.index+1], u.sigmas[u.index]
	alphaT, _ := alphaSigma(sigmaT)

	lambdaS0 := lambda(sigmaS0)
	h := lambda(sigmaT) - lambdaS0
	hh := -h

	rks, ds, err := u.differences(order, 0, lambdaS0, h)
	if err != nil {
		return nil, err
	}
	defer freeAll(ds)

	r, b, bh := bhCoefficients(rks, hh, order)

	coeffs := []float64{sigmaT / sigmaS0, -alphaT * math.Expm1(hh)}
	terms := []*tensor.Tensor{x, m0}
	if len(ds) > 0 {
		rhos := []float64{0.5}
		if order > 2 {
			if rhos, err = solve(r, b, order-1); err != nil {
				return nil, err
			}
		}
		for k, d := range ds {
			coeffs = append(coeffs, -alphaT*bh*rhos[k])
			terms = append(terms, d)
		}
	}
	return combine(coeffs, terms...)
}

// correct is the UniC update that refines the previous prediction using the
// model output modelT evaluated at the current step.
func (u *unipc) correct(modelT *tensor.Tensor, order int) (*tensor.Tensor, error) {
	m0 := u.outputs[len(u.outputs)-1]
	sigmaT, sigmaS0 := u.sigmas[u.index], u.sigmas[u.index-1]
	alphaT, _ := alphaSigma(sigmaT)

	lambdaS0 := lambda(sigmaS0)
	h := lambda(sigmaT) - lambdaS0
	hh := -h

	rks, ds, err := u.differences(order, 1, lambdaS0, h)
	if err != nil {
		return nil, err
	}
	defer freeAll(ds)

	r, b, bh := bhCoefficients(rks, hh, order)

	rhos := []float64{0.5}
	if order > 1 {
		if rhos, err = solve(r, b, order); err != nil {
			return nil, err
		}
	}
	rhoT := rhos[len(rhos)-1]

	coeffs := []float64{sigmaT / sigmaS0, -alphaT*math.Expm1(hh) + alphaT*bh*rhoT, -alphaT * bh * rhoT}
	terms := []*tensor.Tensor{u.lastSample, m0, modelT}
	for k, d := range ds {
		coeffs = append(coeffs, -alphaT*bh*rhos[k])
		terms = append(terms, d)
	}
	return combine(coeffs, terms...)
}

func freeAll(ts []*tensor.Tensor) {
	for _, t := range ts {
		t.Free()
	}
}
