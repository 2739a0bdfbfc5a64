package videogen

import (
	"fmt"
	"math"
)

// Geometry is the frame and latent layout of one generation call.
type Geometry struct {
	Frames       int // pixel frames, including a reserved end frame
	LatentFrames int
	LatentHeight int
	LatentWidth  int
	Height       int // pixels
	Width        int // pixels
	SeqLen       int // transformer tokens

	EndAnchor     bool
	ExtraEndFrame bool // one synthetic frame reserved for the end anchor
}

// NewGeometry lays out a clip for an anchor image of imgW x imgH pixels. The
// latent grid keeps the image aspect ratio within maxArea pixels and is
// aligned to the patch size.
func NewGeometry(cfg Config, imgW, imgH, maxArea, frames int, endAnchor, addFrames bool) (Geometry, error) {
	if imgW <= 0 || imgH <= 0 {
		return Geometry{}, fmt.Errorf("invalid image size %dx%d", imgW, imgH)
	}

	st := cfg.VAEStride[0]
	g := Geometry{
		Frames:       frames,
		LatentFrames: (frames-1)/st + 1,
		EndAnchor:    endAnchor,
	}
	if endAnchor && addFrames {
		g.Frames++
		g.LatentFrames = (g.Frames-2)/st + 2
		g.ExtraEndFrame = true
	}

	aspect := float64(imgH) / float64(imgW)
	g.LatentHeight = align(math.Sqrt(float64(maxArea)*aspect), cfg.VAEStride[1], cfg.PatchSize[1])
	g.LatentWidth = align(math.Sqrt(float64(maxArea)/aspect), cfg.VAEStride[2], cfg.PatchSize[2])
	if g.LatentHeight == 0 || g.LatentWidth == 0 {
		return Geometry{}, fmt.Errorf("max area %d too small for a %dx%d image", maxArea, imgW, imgH)
	}

	g.Height = g.LatentHeight * cfg.VAEStride[1]
	g.Width = g.LatentWidth * cfg.VAEStride[2]
	g.SeqLen = g.LatentFrames * g.LatentHeight * g.LatentWidth / (cfg.PatchSize[1] * cfg.PatchSize[2])
	return g, nil
}

// align computes round(floor(floor(v/stride)/patch)*patch).
func align(v float64, stride, patch int) int {
	return int(math.Round(math.Floor(math.Floor(v/float64(stride))/float64(patch)) * float64(patch)))
}

// LatentShape is the (channels, frames, height, width) shape of the noise.
func (g Geometry) LatentShape(channels int) []int {
	return []int{channels, g.LatentFrames, g.LatentHeight, g.LatentWidth}
}
