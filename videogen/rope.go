package videogen

import (
	"math"

	"github.com/ollama/videogen/tensor"
)

const (
	ropeTheta = 10000

	// riflexK is the index (1-based) of the temporal frequency component
	// whose period matches the training clip length.
	riflexK = 6
)

// RotaryFreqs holds per-axis rotary embedding tables for a (t, h, w) token
// grid. Row i of Cos[a] and Sin[a] is position i along axis a, with every
// frequency repeated twice to match interleaved pairs.
type RotaryFreqs struct {
	Grid [3]int
	Dims [3]int
	Cos  [3]*tensor.Tensor // (Grid[a], Dims[a])
	Sin  [3]*tensor.Tensor
}

// RopeDims splits a head dimension across the t, h and w axes.
func RopeDims(headDim int) [3]int {
	hw := 2 * (headDim / 6)
	return [3]int{headDim - 2*hw, hw, hw}
}

// NewRotaryFreqs builds the tables for a latent of (frames, height, width),
// patchified by patch. With riflex the temporal intrinsic frequency is
// lowered so it completes less than one period over the clip, which keeps
// long videos from looping back to their first frames.
func NewRotaryFreqs(headDim int, latent, patch [3]int, riflex bool) *RotaryFreqs {
	r := &RotaryFreqs{Dims: RopeDims(headDim)}
	for a := range 3 {
		r.Grid[a] = latent[a] / patch[a]
	}

	for a := range 3 {
		k := 0
		if a == 0 && riflex {
			k = riflexK
		}
		r.Cos[a], r.Sin[a] = rope1D(r.Dims[a], r.Grid[a], k, latent[0])
	}
	return r
}

func rope1D(dim, n, k, length int) (cos, sin *tensor.Tensor) {
	freqs := make([]float64, dim/2)
	for i := range freqs {
		freqs[i] = 1 / math.Pow(ropeTheta, float64(2*i)/float64(dim))
	}
	if k > 0 && k <= len(freqs) {
		freqs[k-1] = 0.9 * 2 * math.Pi / float64(length)
	}

	cos, sin = tensor.Zeros(n, dim), tensor.Zeros(n, dim)
	c, s := cos.Data(), sin.Data()
	for p := range n {
		for i, f := range freqs {
			sn, cs := math.Sincos(float64(p) * f)
			c[p*dim+2*i], c[p*dim+2*i+1] = float32(cs), float32(cs)
			s[p*dim+2*i], s[p*dim+2*i+1] = float32(sn), float32(sn)
		}
	}
	return cos, sin
}

// Row writes the concatenated (t, h, w) tables for one token into cos and
// sin, which must hold the full head dimension.
func (r *RotaryFreqs) Row(pos [3]int, cos, sin []float32) {
	off := 0
	for a := range 3 {
		d := r.Dims[a]
		copy(cos[off:off+d], r.Cos[a].Data()[pos[a]*d:(pos[a]+1)*d])
		copy(sin[off:off+d], r.Sin[a].Data()[pos[a]*d:(pos[a]+1)*d])
		off += d
	}
}

func (r *RotaryFreqs) Free() {
	for a := range 3 {
		r.Cos[a].Free()
		r.Sin[a].Free()
	}
}
