package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/videogen/envconfig"
	"github.com/ollama/videogen/videogen"
)

// DefaultOptions returns the generation defaults with the environment and
// config file settings applied.
func DefaultOptions() videogen.Options {
	opts := videogen.DefaultOptions()
	opts.Offload = envconfig.Offload
	opts.Solver = envconfig.Solver
	opts.Steps = envconfig.Steps
	opts.Shift = envconfig.Shift
	opts.GuideScale = float32(envconfig.GuideScale)
	opts.CFGZeroStep = envconfig.CFGZeroStep
	opts.TileSize = envconfig.TileSize
	return opts
}

// ModelConfig loads the model config named by VIDEOGEN_MODEL_CONFIG, or
// returns the defaults when none is set.
func ModelConfig() (videogen.Config, error) {
	if envconfig.ModelConfig == "" {
		return videogen.DefaultConfig(), nil
	}
	return videogen.LoadConfig(envconfig.ModelConfig)
}

// mergeOptions decodes the request's free-form options over defaults.
// Unknown keys are an error.
func mergeOptions(defaults videogen.Options, req GenerateRequest) (videogen.Options, error) {
	opts := defaults

	if len(req.Options) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &opts,
			TagName:          "mapstructure",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return opts, err
		}
		if err := decoder.Decode(req.Options); err != nil {
			return opts, fmt.Errorf("invalid options: %w", err)
		}
	}

	if req.Prompt != "" {
		opts.Prompt = req.Prompt
	}
	if req.NegativePrompt != "" {
		opts.NegativePrompt = req.NegativePrompt
	}

	if opts.Prompt == "" {
		return opts, errors.New("prompt is required")
	}
	if opts.Steps < 1 {
		return opts, fmt.Errorf("steps must be at least 1, got %d", opts.Steps)
	}

	slog.Debug("generate options", "solver", opts.Solver, "steps", opts.Steps, "frames", opts.Frames, "seed", opts.Seed)
	return opts, nil
}

func decodeImage(s string) (image.Image, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
