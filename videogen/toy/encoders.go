// Package toy provides small deterministic stand-ins for the networks a
// videogen.Pipeline drives. They have the same shapes and call patterns as
// the real encoders, VAE and transformer but compute closed-form functions,
// so the sampling loop can run end to end without weights.
package toy

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"golang.org/x/exp/rand"

	"github.com/ollama/videogen/tensor"
)

// TextEncoder embeds a prompt as seeded Gaussian noise keyed on the prompt
// text. Equal prompts give equal embeddings.
type TextEncoder struct {
	Tokens int
	Dim    int

	Offloaded bool
}

func NewTextEncoder() *TextEncoder {
	return &TextEncoder{Tokens: 16, Dim: 64}
}

func (e *TextEncoder) Encode(ctx context.Context, prompts []string, device tensor.Device) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, len(prompts))
	for _, p := range prompts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h := fnv.New64a()
		h.Write([]byte(p))

		emb := tensor.Randn(rand.NewSource(h.Sum64()), e.Tokens, e.Dim)
		emb.Scale(0.1)
		out = append(out, emb.To(device))
	}
	return out, nil
}

func (e *TextEncoder) Offload() { e.Offloaded = true }

// ImageEncoder pools each image channel over a Grid x Grid layout and
// returns one (Grid*Grid, 3) feature block per image, stacked on the first
// axis.
type ImageEncoder struct {
	Grid int

	Offloaded bool
}

func NewImageEncoder() *ImageEncoder {
	return &ImageEncoder{Grid: 4}
}

func (e *ImageEncoder) Encode(ctx context.Context, images []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to encode")
	}

	g := e.Grid
	out := make([]float32, 0, len(images)*g*g*3)
	for _, img := range images {
		if img.Rank() != 4 || img.Dim(0) != 3 || img.Dim(1) != 1 {
			return nil, fmt.Errorf("expected a (3, 1, h, w) image, got %v", img.Shape())
		}

		h, w := img.Dim(2), img.Dim(3)
		if h < g || w < g {
			return nil, fmt.Errorf("image %dx%d smaller than the %dx%d grid", w, h, g, g)
		}

		data := img.Data()
		for gy := range g {
			for gx := range g {
				y0, y1 := gy*h/g, (gy+1)*h/g
				x0, x1 := gx*w/g, (gx+1)*w/g
				for c := range 3 {
					var sum float64
					for y := y0; y < y1; y++ {
						for x := x0; x < x1; x++ {
							sum += float64(data[c*h*w+y*w+x])
						}
					}
					out = append(out, float32(sum/float64((y1-y0)*(x1-x0))))
				}
			}
		}
	}
	return tensor.New(out, len(images)*g*g, 3), nil
}

func (e *ImageEncoder) Offload() { e.Offloaded = true }
