// Package guidance combines conditional and unconditional denoiser
// predictions with classifier-free guidance.
//
// Two strategies are supported. Classic guidance forms
//
//	guided = uncond + scale * (cond - uncond)
//
// CFG-Zero* additionally rescales the unconditional prediction by the
// projection coefficient of cond onto uncond, and drops the unconditional
// prediction entirely for the first few steps.
//
// Reference: "CFG-Zero*: Improved Classifier-Free Guidance for Flow Matching Models"
// https://github.com/WeichenFan/CFG-Zero-star
package guidance

import (
	"fmt"

	"github.com/ollama/videogen/tensor"
)

// Epsilon guards the projection coefficient against an all-zero
// unconditional prediction.
const Epsilon = 1e-8

// Strategy selects how predictions are combined. It is fixed for a whole
// generation call.
type Strategy int

const (
	Classic Strategy = iota
	ZeroStar
)

func (s Strategy) String() string {
	switch s {
	case Classic:
		return "cfg"
	case ZeroStar:
		return "cfg-zero-star"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Config holds the guidance parameters of a generation call.
type Config struct {
	Scale float32

	// ZeroStar enables adaptive rescaling.
	ZeroStar bool
	// ZeroSteps is the last step index (inclusive) at which the
	// unconditional prediction is treated as zero. Only used with ZeroStar.
	ZeroSteps int

	// Batch is the number of rows a prediction is split into, each with
	// its own projection coefficient. Zero means one row per entry of the
	// leading axis, which for a (channels, frames, h, w) latent is one
	// coefficient per channel.
	Batch int
}

type Scaler struct {
	strategy  Strategy
	scale     float32
	zeroSteps int
	batch     int
}

func New(cfg Config) *Scaler {
	s := &Scaler{scale: cfg.Scale, zeroSteps: cfg.ZeroSteps, batch: max(cfg.Batch, 0)}
	if cfg.ZeroStar {
		s.strategy = ZeroStar
	}
	return s
}

func (s *Scaler) Strategy() Strategy { return s.strategy }
func (s *Scaler) Scale() float32     { return s.scale }

// ZeroesUncond reports whether step uses a zero unconditional prediction.
func (s *Scaler) ZeroesUncond(step int) bool {
	return s.strategy == ZeroStar && step <= s.zeroSteps
}

// OptimizedScale returns, for each of batch rows, the coefficient
//
//	alpha = dot(cond, uncond) / (||uncond||^2 + Epsilon)
//
// so that alpha*uncond is the projection of cond onto uncond.
func OptimizedScale(cond, uncond *tensor.Tensor, batch int) ([]float32, error) {
	dots, err := tensor.RowDots(cond, uncond, batch)
	if err != nil {
		return nil, err
	}
	norms, err := tensor.RowDots(uncond, uncond, batch)
	if err != nil {
		return nil, err
	}

	alpha := make([]float32, batch)
	for i := range alpha {
		alpha[i] = float32(dots[i] / (norms[i] + Epsilon))
	}
	return alpha, nil
}

// Apply returns the guided prediction for step. uncond may be rescaled in
// place; callers must not reuse it afterwards.
func (s *Scaler) Apply(step int, cond, uncond *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(cond, uncond) {
		return nil, fmt.Errorf("guidance: cond %v and uncond %v differ in shape", cond.Shape(), uncond.Shape())
	}

	if s.ZeroesUncond(step) {
		guided := cond.Clone()
		guided.Scale(s.scale)
		return guided, nil
	}

	if s.strategy == ZeroStar {
		alpha, err := OptimizedScale(cond, uncond, s.rows(cond))
		if err != nil {
			return nil, fmt.Errorf("guidance: %w", err)
		}
		if err := scaleRows(uncond, alpha); err != nil {
			return nil, fmt.Errorf("guidance: %w", err)
		}
	}

	diff, err := tensor.Sub(cond, uncond)
	if err != nil {
		return nil, fmt.Errorf("guidance: %w", err)
	}
	defer diff.Free()

	guided := uncond.Clone()
	if err := guided.AddScaled(s.scale, diff); err != nil {
		guided.Free()
		return nil, fmt.Errorf("guidance: %w", err)
	}
	return guided, nil
}

func (s *Scaler) rows(t *tensor.Tensor) int {
	switch {
	case s.batch > 0:
		return s.batch
	case t.Rank() == 0:
		return 1
	default:
		return t.Dim(0)
	}
}

// scaleRows multiplies row i of t by alpha[i] in place.
func scaleRows(t *tensor.Tensor, alpha []float32) error {
	if t.Numel()%len(alpha) != 0 {
		return fmt.Errorf("%d values do not split into %d rows", t.Numel(), len(alpha))
	}

	n := t.Numel() / len(alpha)
	for i, a := range alpha {
		tensor.New(t.Data()[i*n:(i+1)*n], n).Scale(a)
	}
	return nil
}
