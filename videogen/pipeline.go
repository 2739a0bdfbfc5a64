package videogen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"

	"github.com/ollama/videogen/logutil"
	"github.com/ollama/videogen/tensor"
	"github.com/ollama/videogen/videogen/guidance"
	"github.com/ollama/videogen/videogen/mask"
	"github.com/ollama/videogen/videogen/scheduler"
)

// Pipeline samples videos from a fixed set of collaborators. A Pipeline runs
// one generation at a time.
type Pipeline struct {
	Config Config

	Text  TextEncoder
	CLIP  ImageEncoder
	VAE   VAE
	Model Denoiser

	// Device defaults to one with nothing to release.
	Device Device
	// Rank is the process rank in a distributed run. Only rank 0 decodes.
	Rank int
	// Barrier, when set, is waited on before Generate returns.
	Barrier Barrier
	// NewSolver builds the solver named by Options.Solver. Defaults to
	// scheduler.New.
	NewSolver func(name string, cfg scheduler.Config) (scheduler.Solver, error)

	interrupt atomic.Bool
}

func NewPipeline(cfg Config, text TextEncoder, clip ImageEncoder, vae VAE, model Denoiser) *Pipeline {
	return &Pipeline{Config: cfg, Text: text, CLIP: clip, VAE: vae, Model: model}
}

// Interrupt stops the running generation after its current denoiser call.
func (p *Pipeline) Interrupt() { p.interrupt.Store(true) }

func (p *Pipeline) device() Device {
	if p.Device == nil {
		return hostDevice{}
	}
	return p.Device
}

// Result is the outcome of a completed generation.
type Result struct {
	// Video is (3, frames, h, w) in [-1, 1]. It is nil on ranks other than 0.
	Video *tensor.Tensor
	// Latent is the final latent that was handed to the decoder.
	Latent *tensor.Tensor

	Geometry Geometry
	Seed     int64
	Steps    int
	Forwards int
	Duration time.Duration
}

// evalMode selects how the two guidance branches are evaluated.
type evalMode int

const (
	separate evalMode = iota
	joint
)

func (m evalMode) String() string {
	if m == joint {
		return "joint"
	}
	return "separate"
}

// relocate moves t to d, freeing the source when a copy was made.
func relocate(t *tensor.Tensor, d tensor.Device) *tensor.Tensor {
	m := t.To(d)
	if m != t {
		t.Free()
	}
	return m
}

// Generate samples a video anchored on img and, when endImg is not nil, on
// endImg as its last frame. An interrupt or a cancelled ctx makes it return
// an error wrapping ErrAborted and no result.
func (p *Pipeline) Generate(ctx context.Context, img, endImg image.Image, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", opts.Steps)
	}

	newSolver := p.NewSolver
	if newSolver == nil {
		newSolver = scheduler.New
	}
	solver, err := newSolver(opts.Solver, scheduler.Config{NumTrainTimesteps: p.Config.NumTrainTimesteps, Shift: 1, Order: 2})
	if err != nil {
		return nil, err
	}
	if err := solver.SetTimesteps(opts.Steps, opts.Shift); err != nil {
		return nil, err
	}
	timesteps := solver.Timesteps()

	p.interrupt.Store(false)
	gen := &GenerationContext{progress: opts.Progress, interrupt: &p.interrupt, ctx: ctx}

	b := img.Bounds()
	geo, err := NewGeometry(p.Config, b.Dx(), b.Dy(), opts.MaxArea, opts.Frames, endImg != nil, opts.AddFramesForEndImage)
	if err != nil {
		return nil, err
	}

	seed := opts.Seed
	if seed < 0 {
		seed = rand.Int63()
	}

	slog.Info("generating video", "solver", opts.Solver, "steps", opts.Steps, "frames", geo.Frames,
		"latent_frames", geo.LatentFrames, "size", fmt.Sprintf("%dx%d", geo.Width, geo.Height),
		"seq_len", geo.SeqLen, "seed", seed, "end_anchor", geo.EndAnchor)

	dtype := p.Config.DType()
	device := p.device()

	var held []*tensor.Tensor
	defer func() {
		for _, t := range held {
			t.Free()
		}
	}()

	first := ImageToTensor(img, geo.Width, geo.Height).AsType(dtype)
	clipImage := ImageToTensor(img, p.Config.CLIPImageSize, p.Config.CLIPImageSize).AsType(dtype)
	held = append(held, first, clipImage)

	var last *tensor.Tensor
	if endImg != nil {
		last = ImageToTensor(endImg, geo.Width, geo.Height).AsType(dtype)
		held = append(held, last)
	}

	noise := tensor.Randn(rand.NewSource(uint64(seed)), geo.LatentShape(p.Config.LatentChannels)...)

	msk, err := mask.Build(mask.Options{
		Frames:        geo.Frames,
		Height:        geo.LatentHeight,
		Width:         geo.LatentWidth,
		EndAnchor:     geo.EndAnchor,
		ExtraEndFrame: geo.ExtraEndFrame,
	})
	if err != nil {
		noise.Free()
		return nil, err
	}
	held = append(held, msk)

	negative := opts.NegativePrompt
	if negative == "" {
		negative = p.Config.SampleNegPrompt
	}

	cond, uncond, err := p.encodeText(ctx, opts.Prompt, negative, opts.Offload, dtype)
	if err != nil {
		noise.Free()
		return nil, err
	}
	held = append(held, cond...)
	held = append(held, uncond...)

	clipFeatures, err := p.CLIP.Encode(ctx, []*tensor.Tensor{clipImage})
	if err != nil {
		noise.Free()
		return nil, fmt.Errorf("encode image: %w", err)
	}
	held = append(held, clipFeatures)
	if opts.Offload {
		offload(p.CLIP)
	}

	y, err := p.conditioning(ctx, geo, first, last, msk, opts.TileSize)
	if err != nil {
		noise.Free()
		return nil, err
	}
	held = append(held, y)

	freqs := NewRotaryFreqs(p.Config.HeadDim, [3]int{geo.LatentFrames, geo.LatentHeight, geo.LatentWidth}, p.Config.PatchSize, opts.RIFLEx)
	defer freqs.Free()

	if opts.Offload {
		device.EmptyCache()
	}

	acc, _ := p.Model.(Accelerator)
	if acc != nil {
		acc.EnableTeaCache(opts.TeaCache.Multiplier > 0)
	}
	if opts.TeaCache.Multiplier > 0 {
		if acc != nil {
			threshold := acc.ComputeThreshold(opts.TeaCache.Start, timesteps, opts.TeaCache.Multiplier)
			slog.Info("teacache enabled", "multiplier", opts.TeaCache.Multiplier, "start", opts.TeaCache.Start, "threshold", threshold)
		} else {
			slog.Warn("denoiser does not support teacache, ignoring", "multiplier", opts.TeaCache.Multiplier)
		}
	}

	scaler := guidance.New(guidance.Config{Scale: opts.GuideScale, ZeroStar: opts.CFGStar, ZeroSteps: opts.CFGZeroStep})
	mode := separate
	if opts.JointPass {
		mode = joint
	}
	slog.Debug("sampling", "mode", mode, "guidance", scaler.Strategy(), "scale", scaler.Scale(), "offload", opts.Offload)

	gen.Progress(-1, true)

	latent := noise
	forwards := 0
	for i, t := range timesteps {
		stepStart := time.Now()

		if acc != nil {
			acc.NotifyStep(i)
		}

		in := latent.To(tensor.Compute)
		fwd := ForwardInput{
			Latents:  []*tensor.Tensor{in},
			Timestep: t,
			Step:     i,
			CLIP:     clipFeatures,
			Y:        []*tensor.Tensor{y},
			Freqs:    freqs,
			Gen:      gen,
		}

		predCond, predUncond, calls, err := p.evaluate(ctx, mode, fwd, cond, uncond, opts.SLG.LayersAt(i, opts.Steps), opts.Offload)
		forwards += calls
		if in != latent {
			in.Free()
		}
		if err != nil {
			latent.Free()
			if errors.Is(err, ErrAborted) {
				slog.Info("generation aborted", "step", i, "steps", opts.Steps)
			}
			return nil, err
		}
		if opts.Offload {
			device.EmptyCache()
		}

		guided, err := scaler.Apply(i, predCond, predUncond)
		predCond.Free()
		predUncond.Free()
		if err != nil {
			latent.Free()
			return nil, err
		}

		if opts.Offload {
			latent = relocate(latent, tensor.Host)
		} else {
			latent = relocate(latent, tensor.Compute)
		}

		next, err := solver.Step(guided, t, latent)
		guided.Free()
		latent.Free()
		if err != nil {
			return nil, fmt.Errorf("solver step %d: %w", i, err)
		}
		latent = next

		slog.Debug("step", "step", i+1, "steps", opts.Steps, "t", t, logutil.Duration("elapsed", time.Since(stepStart)))
		gen.Progress(i, false)
	}

	x0 := relocate(latent, tensor.Compute)
	if cast := x0.AsType(dtype); cast != x0 {
		x0.Free()
		x0 = cast
	}

	if opts.Offload {
		offload(p.Model)
		device.EmptyCache()
	}

	var video *tensor.Tensor
	if p.Rank == 0 {
		video, err = p.decode(ctx, geo, x0, opts.TileSize)
		if err != nil {
			x0.Free()
			return nil, err
		}
	}

	if opts.Offload {
		device.Synchronize()
	}
	if p.Barrier != nil {
		if err := p.Barrier.Wait(ctx); err != nil {
			x0.Free()
			video.Free()
			return nil, fmt.Errorf("barrier: %w", err)
		}
	}

	elapsed := time.Since(start)
	slog.Info("generated video", "steps", opts.Steps, "forwards", forwards, logutil.Duration("duration", elapsed))

	return &Result{
		Video:    video,
		Latent:   x0,
		Geometry: geo,
		Seed:     seed,
		Steps:    len(timesteps),
		Forwards: forwards,
		Duration: elapsed,
	}, nil
}

// encodeText embeds the prompt and the negative prompt and returns both on
// the compute device at dtype.
func (p *Pipeline) encodeText(ctx context.Context, prompt, negative string, offloadModel bool, dtype tensor.DType) (cond, uncond []*tensor.Tensor, err error) {
	device := tensor.Compute
	if p.Config.T5CPU {
		device = tensor.Host
	}

	cond, err = p.Text.Encode(ctx, []string{prompt}, device)
	if err != nil {
		return nil, nil, fmt.Errorf("encode prompt: %w", err)
	}
	uncond, err = p.Text.Encode(ctx, []string{negative}, device)
	if err != nil {
		return nil, nil, fmt.Errorf("encode negative prompt: %w", err)
	}
	if len(cond) == 0 || len(uncond) == 0 {
		return nil, nil, errors.New("text encoder returned no embeddings")
	}

	if !p.Config.T5CPU && offloadModel {
		offload(p.Text)
	}

	prepare := func(ts []*tensor.Tensor) []*tensor.Tensor {
		for i, t := range ts {
			t = relocate(t, tensor.Compute)
			if cast := t.AsType(dtype); cast != t {
				t.Free()
				t = cast
			}
			ts[i] = t
		}
		return ts
	}

	// only the first prompt conditions the model
	freeAll(cond[1:])
	return prepare(cond[:1]), prepare(uncond), nil
}

// conditioning encodes the anchor frames with empty frames between them and
// prepends the mask along the channel axis.
func (p *Pipeline) conditioning(ctx context.Context, geo Geometry, first, last, msk *tensor.Tensor, tileSize int) (*tensor.Tensor, error) {
	parts := []*tensor.Tensor{first}
	if last != nil {
		parts = append(parts, tensor.Zeros(3, geo.Frames-2, geo.Height, geo.Width), last)
	} else {
		parts = append(parts, tensor.Zeros(3, geo.Frames-1, geo.Height, geo.Width))
	}

	video, err := tensor.Concat(1, parts...)
	parts[1].Free()
	if err != nil {
		return nil, fmt.Errorf("conditioning video: %w", err)
	}
	video = relocate(video, tensor.Compute)
	defer video.Free()

	latents, err := p.VAE.Encode(ctx, []*tensor.Tensor{video}, tileSize, geo.EndAnchor && geo.ExtraEndFrame)
	if err != nil {
		return nil, fmt.Errorf("encode conditioning video: %w", err)
	}
	if len(latents) == 0 {
		return nil, errors.New("vae returned no latents")
	}
	defer latents[0].Free()

	y, err := tensor.Concat(0, msk, latents[0])
	if err != nil {
		return nil, fmt.Errorf("conditioning: %w", err)
	}
	return y, nil
}

// evaluate runs the denoiser for both guidance branches and returns the
// conditional and unconditional predictions. It polls for an interrupt after
// every call.
func (p *Pipeline) evaluate(ctx context.Context, mode evalMode, in ForwardInput, cond, uncond []*tensor.Tensor, slg []int, offloadModel bool) (predCond, predUncond *tensor.Tensor, calls int, err error) {
	forward := func(in ForwardInput) ([]*tensor.Tensor, error) {
		calls++
		logutil.Trace("denoise", "step", in.Step, "uncond", in.Uncond, "joint", in.NegativeContext != nil, "slg_layers", len(in.SLGLayers))
		preds, err := p.Model.Forward(ctx, in)
		if in.Gen.Interrupted() {
			freeAll(preds)
			return nil, in.Gen.abortErr()
		}
		if err != nil {
			freeAll(preds)
			return nil, fmt.Errorf("denoise step %d: %w", in.Step, err)
		}
		return preds, nil
	}

	if mode == joint {
		in.Context, in.NegativeContext, in.SLGLayers = cond, uncond, slg
		preds, err := forward(in)
		if err != nil {
			return nil, nil, calls, err
		}
		if len(preds) != 2 {
			freeAll(preds)
			return nil, nil, calls, fmt.Errorf("denoise step %d: joint pass returned %d predictions", in.Step, len(preds))
		}
		return preds[0], preds[1], calls, nil
	}

	in.Context = cond
	preds, err := forward(in)
	if err != nil {
		return nil, nil, calls, err
	}
	if len(preds) == 0 {
		return nil, nil, calls, fmt.Errorf("denoise step %d: conditional pass returned no prediction", in.Step)
	}
	predCond = preds[0]
	freeAll(preds[1:])

	if offloadModel {
		p.device().EmptyCache()
	}

	in.Context, in.Uncond, in.SLGLayers = uncond, true, slg
	preds, err = forward(in)
	if err != nil {
		predCond.Free()
		return nil, nil, calls, err
	}
	if len(preds) == 0 {
		predCond.Free()
		return nil, nil, calls, fmt.Errorf("denoise step %d: unconditional pass returned no prediction", in.Step)
	}
	predUncond = preds[0]
	freeAll(preds[1:])
	return predCond, predUncond, calls, nil
}

// decode turns the final latent into pixels, dropping the reserved end
// frame.
func (p *Pipeline) decode(ctx context.Context, geo Geometry, x0 *tensor.Tensor, tileSize int) (*tensor.Tensor, error) {
	videos, err := p.VAE.Decode(ctx, []*tensor.Tensor{x0}, tileSize, geo.EndAnchor && geo.ExtraEndFrame)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(videos) == 0 {
		return nil, errors.New("vae returned no video")
	}

	video := videos[0]
	freeAll(videos[1:])
	if geo.ExtraEndFrame {
		trimmed, err := video.Slice(1, 0, -1)
		video.Free()
		if err != nil {
			return nil, fmt.Errorf("trim end frame: %w", err)
		}
		video = trimmed
	}
	return video, nil
}

func freeAll(ts []*tensor.Tensor) {
	for _, t := range ts {
		t.Free()
	}
}
