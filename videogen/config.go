// Package videogen drives an image-to-video latent diffusion model from an
// anchor image and a prompt to a decoded clip.
package videogen

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ollama/videogen/tensor"
	"github.com/ollama/videogen/videogen/guidance"
	"github.com/ollama/videogen/videogen/scheduler"
)

// Config describes the model family a Pipeline drives. It is normally read
// from the config.json that ships with the weights.
type Config struct {
	NumTrainTimesteps int    `json:"num_train_timesteps"`
	VAEStride         [3]int `json:"vae_stride"` // t, h, w
	PatchSize         [3]int `json:"patch_size"` // t, h, w
	LatentChannels    int    `json:"latent_channels"`
	ParamDType        string `json:"param_dtype"`
	SampleNegPrompt   string `json:"sample_neg_prompt"`
	CLIPImageSize     int    `json:"clip_image_size"`
	HeadDim           int    `json:"head_dim"`

	// T5CPU keeps the text encoder on the host.
	T5CPU bool `json:"t5_cpu"`
}

// DefaultConfig returns the settings of the 14B image-to-video model.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		VAEStride:         [3]int{4, 8, 8},
		PatchSize:         [3]int{1, 2, 2},
		LatentChannels:    16,
		ParamDType:        "bf16",
		SampleNegPrompt:   "bright colors, overexposed, static, blurred details, subtitles, style, artwork, painting, picture, still, overall gray, worst quality, low quality, JPEG compression residue, ugly, incomplete, extra fingers, poorly drawn hands, poorly drawn faces, deformed, disfigured, malformed limbs, fused fingers, still picture, cluttered background, three legs, many people in the background, walking backwards",
		CLIPImageSize:     224,
		HeadDim:           128,
	}
}

// LoadConfig reads a JSON model config. Fields missing from the file keep
// their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DType returns the parameter precision.
func (c Config) DType() tensor.DType {
	d, err := tensor.ParseDType(c.ParamDType)
	if err != nil {
		return tensor.BFloat16
	}
	return d
}

// TeaCacheOptions enables timestep-embedding aware caching. A zero
// Multiplier disables it.
type TeaCacheOptions struct {
	Multiplier float64 `json:"multiplier" mapstructure:"multiplier"`
	Start      int     `json:"start" mapstructure:"start"`
}

// ProgressFunc is called with (-1, true) before the first step and with
// (i, false) after every completed step.
type ProgressFunc func(step int, start bool)

// Options holds the parameters of a single generation call.
type Options struct {
	Prompt         string `json:"prompt" mapstructure:"prompt"`
	NegativePrompt string `json:"negative_prompt" mapstructure:"negative_prompt"`

	MaxArea int `json:"max_area" mapstructure:"max_area"` // pixels
	Frames  int `json:"frames" mapstructure:"frames"`     // 4n+1

	Solver     string  `json:"solver" mapstructure:"solver"`
	Steps      int     `json:"steps" mapstructure:"steps"`
	Shift      float64 `json:"shift" mapstructure:"shift"`
	GuideScale float32 `json:"guide_scale" mapstructure:"guide_scale"`
	Seed       int64   `json:"seed" mapstructure:"seed"` // negative picks one at random

	// Offload keeps the latent on the host between steps and releases
	// collaborator weights once they are no longer needed.
	Offload  bool `json:"offload" mapstructure:"offload"`
	TileSize int  `json:"tile_size" mapstructure:"tile_size"` // 0 disables VAE tiling
	RIFLEx   bool `json:"riflex" mapstructure:"riflex"`

	// JointPass evaluates the conditional and unconditional branches in one
	// denoiser call.
	JointPass bool `json:"joint_pass" mapstructure:"joint_pass"`

	SLG         guidance.Window `json:"slg" mapstructure:"slg"`
	CFGStar     bool            `json:"cfg_star" mapstructure:"cfg_star"`
	CFGZeroStep int             `json:"cfg_zero_step" mapstructure:"cfg_zero_step"`

	// AddFramesForEndImage reserves one synthetic frame for the end anchor.
	// It is trimmed from the decoded video.
	AddFramesForEndImage bool `json:"add_frames_for_end_image" mapstructure:"add_frames_for_end_image"`

	TeaCache TeaCacheOptions `json:"teacache" mapstructure:"teacache"`

	Progress ProgressFunc `json:"-" mapstructure:"-"`
}

// DefaultOptions returns the reference generation settings.
func DefaultOptions() Options {
	return Options{
		MaxArea:              720 * 1280,
		Frames:               81,
		Solver:               scheduler.UniPC,
		Steps:                40,
		Shift:                5,
		GuideScale:           5,
		Seed:                 -1,
		Offload:              true,
		SLG:                  guidance.Window{Start: 0, End: 1},
		CFGStar:              true,
		CFGZeroStep:          5,
		AddFramesForEndImage: true,
	}
}
