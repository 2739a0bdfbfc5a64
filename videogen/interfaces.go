package videogen

import (
	"context"

	"github.com/ollama/videogen/tensor"
)

// TextEncoder embeds prompts. Each returned tensor is one prompt's
// (tokens, dim) embedding on device.
type TextEncoder interface {
	Encode(ctx context.Context, prompts []string, device tensor.Device) ([]*tensor.Tensor, error)
}

// ImageEncoder returns visual features for (3, 1, size, size) images in
// [-1, 1].
type ImageEncoder interface {
	Encode(ctx context.Context, images []*tensor.Tensor) (*tensor.Tensor, error)
}

// VAE maps pixel videos (3, frames, h, w) to latents (channels, latent
// frames, h/8, w/8) and back. A tile size of 0 disables tiling. endFrame
// reports that the last pixel frame is a reserved end-anchor frame.
type VAE interface {
	Encode(ctx context.Context, videos []*tensor.Tensor, tileSize int, endFrame bool) ([]*tensor.Tensor, error)
	Decode(ctx context.Context, latents []*tensor.Tensor, tileSize int, endFrame bool) ([]*tensor.Tensor, error)
}

// ForwardInput is everything a denoiser call sees.
type ForwardInput struct {
	Latents  []*tensor.Tensor
	Timestep float32
	Step     int

	Context []*tensor.Tensor
	// NegativeContext is set in joint mode only.
	NegativeContext []*tensor.Tensor

	CLIP  *tensor.Tensor
	Y     []*tensor.Tensor
	Freqs *RotaryFreqs

	Uncond    bool
	SLGLayers []int

	Gen *GenerationContext
}

// Denoiser is the video transformer. In joint mode it returns the
// conditional and unconditional predictions, otherwise one prediction.
type Denoiser interface {
	Forward(ctx context.Context, in ForwardInput) ([]*tensor.Tensor, error)
}

// Accelerator is implemented by denoisers that can skip redundant block
// evaluations. The pipeline only sequences it: every Generate call sets the
// enable state before the first step.
type Accelerator interface {
	EnableTeaCache(enabled bool)
	NotifyStep(step int)
	ComputeThreshold(start int, timesteps []float32, multiplier float64) float64
}

// Offloader is implemented by collaborators that can move their weights to
// the host.
type Offloader interface {
	Offload()
}

// Device is the accelerator the pipeline runs on.
type Device interface {
	EmptyCache()
	Synchronize()
}

// Barrier blocks until every process of a distributed run reaches it.
type Barrier interface {
	Wait(ctx context.Context) error
}

type hostDevice struct{}

func (hostDevice) EmptyCache()  {}
func (hostDevice) Synchronize() {}

func offload(c any) {
	if o, ok := c.(Offloader); ok {
		o.Offload()
	}
}
