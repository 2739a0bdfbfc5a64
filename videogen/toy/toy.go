package toy

import (
	"github.com/ollama/videogen/videogen"
)

// NewPipeline wires the toy collaborators into a pipeline for cfg.
func NewPipeline(cfg videogen.Config) *videogen.Pipeline {
	vae := NewVAE()
	vae.Channels = cfg.LatentChannels
	vae.Stride = cfg.VAEStride

	model := NewDenoiser(DenoiserConfig{NumTrainTimesteps: cfg.NumTrainTimesteps})
	return videogen.NewPipeline(cfg, NewTextEncoder(), NewImageEncoder(), vae, model)
}
