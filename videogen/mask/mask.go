// Package mask builds the conditioning mask that marks which video frames are
// supplied by anchor images and which are left for the sampler to generate.
package mask

import (
	"fmt"

	"github.com/ollama/videogen/tensor"
)

// Stride is the temporal compression factor of the video VAE: four pixel
// frames fold into one latent frame.
const Stride = 4

// Options describes the anchors of a generation call.
type Options struct {
	// Frames is the pixel frame count after any synthetic end frame was added.
	Frames int
	Height int // latent height
	Width  int // latent width

	// EndAnchor marks the last frame as given.
	EndAnchor bool
	// ExtraEndFrame means a synthetic trailing frame was reserved for the end
	// anchor, so the last frame gets a full temporal group of its own.
	ExtraEndFrame bool
}

// Build returns a mask of shape (4, groups, Height, Width). The first group
// is always entirely 1. With an end anchor and a reserved extra frame the
// last group is entirely 1 as well; everything else is 0.
func Build(opts Options) (*tensor.Tensor, error) {
	if opts.Frames < 1 || opts.Height < 1 || opts.Width < 1 {
		return nil, fmt.Errorf("mask: invalid geometry frames=%d size=%dx%d", opts.Frames, opts.Height, opts.Width)
	}

	m := tensor.Ones(1, opts.Frames, opts.Height, opts.Width)
	if opts.EndAnchor {
		if err := m.FillRange(1, 1, max(opts.Frames-1, 1), 0); err != nil {
			return nil, err
		}
	} else if err := m.FillRange(1, 1, opts.Frames, 0); err != nil {
		return nil, err
	}

	head, err := m.Slice(1, 0, 1)
	if err != nil {
		return nil, err
	}
	head, err = head.RepeatInterleave(1, Stride)
	if err != nil {
		return nil, err
	}

	parts := []*tensor.Tensor{head}
	if opts.EndAnchor && opts.ExtraEndFrame {
		body, err := m.Slice(1, 1, -1)
		if err != nil {
			return nil, err
		}
		tail, err := m.Slice(1, -1, opts.Frames)
		if err != nil {
			return nil, err
		}
		tail, err = tail.RepeatInterleave(1, Stride)
		if err != nil {
			return nil, err
		}
		parts = append(parts, body, tail)
	} else {
		body, err := m.Slice(1, 1, opts.Frames)
		if err != nil {
			return nil, err
		}
		parts = append(parts, body)
	}

	m, err = tensor.Concat(1, parts...)
	if err != nil {
		return nil, err
	}

	n := m.Dim(1)
	if n%Stride != 0 {
		return nil, fmt.Errorf("mask: %d frames do not group by %d (frame count must be 4n+1)", opts.Frames, Stride)
	}

	m, err = m.Reshape(n/Stride, Stride, opts.Height, opts.Width)
	if err != nil {
		return nil, err
	}
	return m.Permute(1, 0, 2, 3)
}
