// Package scheduler implements the flow-matching solvers that advance a video
// latent from one noise level to the next.
//
// All solvers share the same schedule construction: sigmas are spaced
// linearly from (nearly) pure noise down to zero, warped by the shift
// function
//
//	sigma' = shift*sigma / (1 + (shift-1)*sigma)
//
// and a terminal sigma of zero is appended. Timesteps handed to the denoiser
// are sigma * NumTrainTimesteps.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ollama/videogen/tensor"
)

// ErrUnsupportedSolver is returned by New for an unknown solver name.
var ErrUnsupportedSolver = errors.New("unsupported solver")

// Solver names accepted by New.
const (
	UniPC     = "unipc"
	DPMPP     = "dpm++"
	Euler     = "euler"
	DefaultID = UniPC
)

// Names lists the supported solvers.
func Names() []string { return []string{UniPC, DPMPP, Euler} }

// Solver is a multistep integrator. SetTimesteps must be called before
// Step. Step is called once per timestep, in schedule order.
type Solver interface {
	// SetTimesteps builds the schedule for steps evaluations.
	SetTimesteps(steps int, shift float64) error
	// Timesteps returns the schedule. Callers must not modify it.
	Timesteps() []float32
	// Sigmas returns the noise levels, one more than the timesteps.
	Sigmas() []float32
	// Step advances sample given the model prediction at timestep t.
	Step(pred *tensor.Tensor, t float32, sample *tensor.Tensor) (*tensor.Tensor, error)
}

// Config holds the settings shared by every solver.
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"` // 1000
	Shift             float64 `json:"shift"`               // used when SetTimesteps is given no shift
	Order             int     `json:"solver_order"`        // 2
}

// DefaultConfig returns the configuration the image-to-video pipeline builds
// its solvers with.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		Shift:             1,
		Order:             2,
	}
}

// New returns the solver registered under name.
func New(name string, cfg Config) (Solver, error) {
	if cfg.NumTrainTimesteps <= 0 {
		cfg.NumTrainTimesteps = 1000
	}
	if cfg.Shift <= 0 {
		cfg.Shift = 1
	}
	if cfg.Order <= 0 {
		cfg.Order = 2
	}

	switch strings.ToLower(name) {
	case UniPC:
		return newUniPC(cfg), nil
	case DPMPP:
		return newDPM(cfg), nil
	case Euler:
		return newEuler(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSolver, name)
	}
}

// Shift warps sigma towards the noisy end of the schedule.
func Shift(shift, sigma float64) float64 {
	return shift * sigma / (1 + (shift-1)*sigma)
}

func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = end
	return out
}

// schedule holds the sigma and timestep tables and the cursor into them.
type schedule struct {
	cfg       Config
	sigmas    []float64 // len(timesteps)+1, terminal 0
	timesteps []float32
	index     int // -1 until the first Step

	// truncate rounds timesteps down to whole training steps.
	truncate bool
}

// build spaces steps sigmas linearly from sigmaMax towards zero, shifts
// them and derives the timestep table.
func (s *schedule) build(steps int, sigmaMax, shift float64) error {
	if steps <= 0 {
		return fmt.Errorf("scheduler: steps must be positive, got %d", steps)
	}
	if shift <= 0 {
		shift = s.cfg.Shift
	}

	sigmas := linspace(sigmaMax, 0, steps+1)
	s.timesteps = make([]float32, steps)
	for i := range steps {
		sigmas[i] = Shift(shift, sigmas[i])
		ts := sigmas[i] * float64(s.cfg.NumTrainTimesteps)
		if s.truncate {
			ts = math.Trunc(ts)
		}
		s.timesteps[i] = float32(ts)
	}
	s.sigmas = sigmas
	s.index = -1
	return nil
}

func (s *schedule) Timesteps() []float32 { return s.timesteps }

func (s *schedule) Sigmas() []float32 {
	out := make([]float32, len(s.sigmas))
	for i, v := range s.sigmas {
		out[i] = float32(v)
	}
	return out
}

// advance resolves the index of timestep t on the first call and returns
// the current index.
func (s *schedule) advance(t float32) (int, error) {
	if s.timesteps == nil {
		return 0, errors.New("scheduler: SetTimesteps not called")
	}
	if s.index < 0 {
		i := slices.Index(s.timesteps, t)
		if i < 0 {
			i = 0
		}
		s.index = i
	}
	if s.index >= len(s.timesteps) {
		return 0, fmt.Errorf("scheduler: step %d past the end of a %d step schedule", s.index, len(s.timesteps))
	}
	return s.index, nil
}

// alphaSigma maps a flow-matching sigma to its (alpha, sigma) pair.
func alphaSigma(sigma float64) (float64, float64) {
	return 1 - sigma, sigma
}

// lambda is the half log-SNR, log(alpha) - log(sigma). It is +Inf at
// sigma = 0.
func lambda(sigma float64) float64 {
	alpha, sigma := alphaSigma(sigma)
	return math.Log(alpha) - math.Log(sigma)
}

// combine returns sum(coeffs[i] * ts[i]) on the device of ts[0].
// Zero coefficients are skipped so infinities in unused terms never mix in.
func combine(coeffs []float64, ts ...*tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.Zeros(ts[0].Shape()...)
	for i, t := range ts {
		if coeffs[i] == 0 {
			continue
		}
		if err := out.AddScaled(float32(coeffs[i]), t); err != nil {
			return nil, err
		}
	}
	return out.To(ts[0].Device()), nil
}

// finish rounds the solver output to the dtype of the incoming sample.
func finish(out *tensor.Tensor, dtype tensor.DType) *tensor.Tensor {
	return out.AsType(dtype)
}

// dataPrediction converts a velocity prediction into a clean-sample estimate.
func dataPrediction(pred, sample *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	return combine([]float64{1, -sigma}, sample, pred)
}
