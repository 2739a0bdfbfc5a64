package toy

import (
	"context"
	"fmt"

	"github.com/ollama/videogen/tensor"
)

// VAE average-pools pixels into latent cells and decodes by nearest
// upsampling. The first pixel frame gets its own latent frame, every
// following group of Stride[0] frames shares one, and a reserved end frame
// gets its own latent frame again. Latent channel c carries pixel channel
// c%3.
type VAE struct {
	Channels int
	Stride   [3]int // t, h, w
}

func NewVAE() *VAE {
	return &VAE{Channels: 16, Stride: [3]int{4, 8, 8}}
}

// LatentFrames returns the latent frame count for a clip of frames pixel
// frames.
func (v *VAE) LatentFrames(frames int, endFrame bool) int {
	if endFrame {
		return (frames-2)/v.Stride[0] + 2
	}
	return (frames-1)/v.Stride[0] + 1
}

// PixelFrames is the inverse of LatentFrames.
func (v *VAE) PixelFrames(latentFrames int, endFrame bool) int {
	if endFrame {
		return (latentFrames-2)*v.Stride[0] + 2
	}
	return (latentFrames-1)*v.Stride[0] + 1
}

// group returns the pixel frames [lo, hi) latent frame j covers.
func (v *VAE) group(j, latentFrames, frames int, endFrame bool) (lo, hi int) {
	switch {
	case j == 0:
		return 0, 1
	case endFrame && j == latentFrames-1:
		return frames - 1, frames
	}

	limit := frames
	if endFrame {
		limit--
	}
	lo = 1 + (j-1)*v.Stride[0]
	return lo, min(lo+v.Stride[0], limit)
}

// Encode ignores tileSize; only decoding is tiled.
func (v *VAE) Encode(ctx context.Context, videos []*tensor.Tensor, tileSize int, endFrame bool) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, len(videos))
	for _, video := range videos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lat, err := v.encode(video, endFrame)
		if err != nil {
			return nil, err
		}
		out = append(out, lat)
	}
	return out, nil
}

func (v *VAE) encode(video *tensor.Tensor, endFrame bool) (*tensor.Tensor, error) {
	if video.Rank() != 4 || video.Dim(0) != 3 {
		return nil, fmt.Errorf("expected a (3, frames, h, w) video, got %v", video.Shape())
	}

	frames, h, w := video.Dim(1), video.Dim(2), video.Dim(3)
	sh, sw := v.Stride[1], v.Stride[2]
	if h%sh != 0 || w%sw != 0 {
		return nil, fmt.Errorf("video size %dx%d is not a multiple of the %dx%d stride", w, h, sw, sh)
	}
	if frames < 1 || endFrame && frames < 2 {
		return nil, fmt.Errorf("too few frames: %d", frames)
	}

	lf, lh, lw := v.LatentFrames(frames, endFrame), h/sh, w/sw
	pooled := make([]float32, 3*lf*lh*lw)
	data := video.Data()
	for c := range 3 {
		for j := range lf {
			lo, hi := v.group(j, lf, frames, endFrame)
			n := float64((hi - lo) * sh * sw)
			for y := range lh {
				for x := range lw {
					var sum float64
					for f := lo; f < hi; f++ {
						for dy := range sh {
							row := ((c*frames+f)*h+y*sh+dy)*w + x*sw
							for dx := range sw {
								sum += float64(data[row+dx])
							}
						}
					}
					pooled[((c*lf+j)*lh+y)*lw+x] = float32(sum / n)
				}
			}
		}
	}

	plane := lf * lh * lw
	out := make([]float32, v.Channels*plane)
	for c := range v.Channels {
		copy(out[c*plane:(c+1)*plane], pooled[(c%3)*plane:(c%3+1)*plane])
	}
	return tensor.New(out, v.Channels, lf, lh, lw), nil
}

// Decode upsamples latents back to (3, frames, h, w) videos clamped to
// [-1, 1]. A positive tileSize decodes in overlapping spatial tiles of that
// many latent cells.
func (v *VAE) Decode(ctx context.Context, latents []*tensor.Tensor, tileSize int, endFrame bool) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, len(latents))
	for _, lat := range latents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		decode := func(t *tensor.Tensor) (*tensor.Tensor, error) { return v.decode(t, endFrame) }

		var video *tensor.Tensor
		var err error
		if tileSize > 0 {
			video, err = DecodeTiled(lat, DefaultTilingConfig(tileSize), v.Stride[1], decode)
		} else {
			video, err = decode(lat)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, video)
	}
	return out, nil
}

func (v *VAE) decode(lat *tensor.Tensor, endFrame bool) (*tensor.Tensor, error) {
	if lat.Rank() != 4 || lat.Dim(0) < 3 {
		return nil, fmt.Errorf("expected a (channels, frames, h, w) latent, got %v", lat.Shape())
	}

	lf, lh, lw := lat.Dim(1), lat.Dim(2), lat.Dim(3)
	if endFrame && lf < 2 {
		return nil, fmt.Errorf("too few latent frames: %d", lf)
	}

	sh, sw := v.Stride[1], v.Stride[2]
	frames, h, w := v.PixelFrames(lf, endFrame), lh*sh, lw*sw

	out := make([]float32, 3*frames*h*w)
	data := lat.Data()
	for c := range 3 {
		for j := range lf {
			lo, hi := v.group(j, lf, frames, endFrame)
			for y := range h {
				for x := range w {
					val := max(-1, min(1, data[((c*lf+j)*lh+y/sh)*lw+x/sw]))
					for f := lo; f < hi; f++ {
						out[((c*frames+f)*h+y)*w+x] = val
					}
				}
			}
		}
	}
	return tensor.New(out, 3, frames, h, w), nil
}
