package cmd

import (
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/videogen/envconfig"
	"github.com/ollama/videogen/progress"
	"github.com/ollama/videogen/server"
	"github.com/ollama/videogen/videogen"
	"github.com/ollama/videogen/videogen/scheduler"
	"github.com/ollama/videogen/videogen/toy"
)

func NewGenerateCmd() *cobra.Command {
	defaults := server.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a video from an image and a prompt",
		Args:  cobra.NoArgs,
		RunE:  generateHandler,
	}

	cmd.Flags().String("prompt", "", "Text prompt")
	cmd.Flags().String("negative-prompt", "", "Negative prompt (default from the model config)")
	cmd.Flags().String("image", "", "Start image")
	cmd.Flags().String("end-image", "", "End image")
	cmd.Flags().Int("frames", defaults.Frames, "Number of frames (4n+1)")
	cmd.Flags().Int("max-area", defaults.MaxArea, "Maximum pixel area of a frame")
	cmd.Flags().Int("steps", defaults.Steps, "Sampling steps")
	cmd.Flags().String("solver", defaults.Solver, fmt.Sprintf("Solver %v", scheduler.Names()))
	cmd.Flags().Float64("shift", defaults.Shift, "Noise schedule shift")
	cmd.Flags().Float32("guide-scale", defaults.GuideScale, "Classifier-free guidance scale")
	cmd.Flags().Int64("seed", defaults.Seed, "Random seed (negative for random)")
	cmd.Flags().IntSlice("slg-layers", nil, "Layers skipped by the unconditional pass")
	cmd.Flags().Float64("slg-start", defaults.SLG.Start, "Fraction of the steps where skip-layer guidance starts")
	cmd.Flags().Float64("slg-end", defaults.SLG.End, "Fraction of the steps where skip-layer guidance ends")
	cmd.Flags().Bool("cfg-star", defaults.CFGStar, "Rescale the unconditional prediction (CFG-Zero*)")
	cmd.Flags().Int("cfg-zero-step", defaults.CFGZeroStep, "Zero the prediction for the first steps")
	cmd.Flags().Bool("joint-pass", defaults.JointPass, "Evaluate both guidance branches in one call")
	cmd.Flags().Float64("teacache", 0, "TeaCache speed-up multiplier, 0 disables")
	cmd.Flags().Int("teacache-start", 0, "Steps always computed before TeaCache may skip")
	cmd.Flags().Bool("offload", defaults.Offload, "Offload weights and latents between steps")
	cmd.Flags().Int("tile-size", defaults.TileSize, "VAE decode tile size, 0 disables tiling")
	cmd.Flags().Bool("riflex", defaults.RIFLEx, "Lower the temporal RoPE frequency for long videos")
	cmd.Flags().Bool("add-end-frame", defaults.AddFramesForEndImage, "Reserve an extra frame for the end image")
	cmd.Flags().String("model-config", envconfig.ModelConfig, "Path to the model config.json")
	cmd.Flags().String("output", "", "Directory to write the frames to as PNG")
	cmd.Flags().String("save-latent", "", "File to write the final latent to")

	cmd.MarkFlagRequired("prompt")
	cmd.MarkFlagRequired("image")

	return cmd
}

// generateOptions reads the generation options from the command's flags.
func generateOptions(cmd *cobra.Command) (videogen.Options, error) {
	opts := server.DefaultOptions()
	flags := cmd.Flags()

	var errs []error
	get := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	opts.Prompt, err = flags.GetString("prompt")
	get(err)
	opts.NegativePrompt, err = flags.GetString("negative-prompt")
	get(err)
	opts.Frames, err = flags.GetInt("frames")
	get(err)
	opts.MaxArea, err = flags.GetInt("max-area")
	get(err)
	opts.Steps, err = flags.GetInt("steps")
	get(err)
	opts.Solver, err = flags.GetString("solver")
	get(err)
	opts.Shift, err = flags.GetFloat64("shift")
	get(err)
	opts.GuideScale, err = flags.GetFloat32("guide-scale")
	get(err)
	opts.Seed, err = flags.GetInt64("seed")
	get(err)
	opts.SLG.Layers, err = flags.GetIntSlice("slg-layers")
	get(err)
	opts.SLG.Start, err = flags.GetFloat64("slg-start")
	get(err)
	opts.SLG.End, err = flags.GetFloat64("slg-end")
	get(err)
	opts.CFGStar, err = flags.GetBool("cfg-star")
	get(err)
	opts.CFGZeroStep, err = flags.GetInt("cfg-zero-step")
	get(err)
	opts.JointPass, err = flags.GetBool("joint-pass")
	get(err)
	opts.TeaCache.Multiplier, err = flags.GetFloat64("teacache")
	get(err)
	opts.TeaCache.Start, err = flags.GetInt("teacache-start")
	get(err)
	opts.Offload, err = flags.GetBool("offload")
	get(err)
	opts.TileSize, err = flags.GetInt("tile-size")
	get(err)
	opts.RIFLEx, err = flags.GetBool("riflex")
	get(err)
	opts.AddFramesForEndImage, err = flags.GetBool("add-end-frame")
	get(err)

	return opts, errors.Join(errs...)
}

func modelConfig(cmd *cobra.Command) (videogen.Config, error) {
	path, err := cmd.Flags().GetString("model-config")
	if err != nil {
		return videogen.Config{}, err
	}
	if path == "" {
		return videogen.DefaultConfig(), nil
	}
	return videogen.LoadConfig(path)
}

func generateHandler(cmd *cobra.Command, args []string) error {
	opts, err := generateOptions(cmd)
	if err != nil {
		return err
	}

	cfg, err := modelConfig(cmd)
	if err != nil {
		return err
	}

	imagePath, _ := cmd.Flags().GetString("image")
	img, err := videogen.LoadImage(imagePath)
	if err != nil {
		return err
	}

	var endImg image.Image
	if endPath, _ := cmd.Flags().GetString("end-image"); endPath != "" {
		endImg, err = videogen.LoadImage(endPath)
		if err != nil {
			return err
		}
	}

	p := toy.NewPipeline(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	done := make(chan struct{})
	defer func() {
		signal.Stop(sigChan)
		close(done)
	}()

	go func() {
		select {
		case <-sigChan:
		case <-done:
			return
		}
		fmt.Fprintln(os.Stderr, "\nstopping after the current step, press Ctrl+C again to exit")
		p.Interrupt()
		select {
		case <-sigChan:
			os.Exit(130)
		case <-done:
		}
	}()

	bar := progress.NewProgress(os.Stderr)
	bar.Add("generate", progress.NewSpinner("encoding"))

	var stepBar *progress.StepBar
	opts.Progress = func(step int, start bool) {
		if start {
			stepBar = progress.NewStepBar("sampling", opts.Steps)
			bar.Add("generate", stepBar)
			return
		}
		stepBar.Set(step + 1)
		if step == opts.Steps-1 {
			bar.Add("decode", progress.NewSpinner("decoding"))
		}
	}

	result, err := p.Generate(cmd.Context(), img, endImg, opts)
	bar.Stop()
	if errors.Is(err, videogen.ErrAborted) {
		fmt.Fprintln(os.Stderr, "generation aborted")
		return nil
	} else if err != nil {
		return err
	}
	defer result.Latent.Free()
	if result.Video != nil {
		defer result.Video.Free()
	}

	frames := result.Geometry.Frames
	if result.Video != nil {
		frames = result.Video.Dim(1)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "generated %d frames at %dx%d in %s (seed %d, %d steps, %d denoiser calls)\n",
		frames, result.Geometry.Width, result.Geometry.Height,
		result.Duration.Round(time.Millisecond), result.Seed, result.Steps, result.Forwards)

	if path, _ := cmd.Flags().GetString("save-latent"); path != "" {
		if err := result.Latent.Save(path); err != nil {
			return fmt.Errorf("save latent: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "latent saved to %s\n", path)
	}

	if dir, _ := cmd.Flags().GetString("output"); dir != "" && result.Video != nil {
		frames, err := videogen.TensorToFrames(result.Video)
		if err != nil {
			return err
		}
		if _, err := videogen.SaveFrames(dir, frames); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "frames saved to %s\n", dir)
	}

	return nil
}
