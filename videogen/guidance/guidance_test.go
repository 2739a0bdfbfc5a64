package guidance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/ollama/videogen/tensor"
)

func TestOptimizedScaleProjection(t *testing.T) {
	src := rand.NewSource(3)
	for range 10 {
		cond := tensor.Randn(src, 4, 3, 2)
		uncond := tensor.Randn(src, 4, 3, 2)

		alpha, err := OptimizedScale(cond, uncond, 1)
		require.NoError(t, err)

		// the residual cond - alpha*uncond is orthogonal to uncond
		resid := cond.Clone()
		require.NoError(t, resid.AddScaled(-alpha[0], uncond))
		d, err := tensor.Dot(resid, uncond)
		require.NoError(t, err)
		assert.InDelta(t, 0, d, 1e-4)
	}
}

func TestOptimizedScaleZeroUncond(t *testing.T) {
	cond := tensor.New([]float32{1, -2, 3, 4}, 4)
	uncond := tensor.Zeros(4)

	alpha, err := OptimizedScale(cond, uncond, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, alpha)

	s := New(Config{Scale: 5, ZeroStar: true, ZeroSteps: 2})
	guided, err := s.Apply(10, cond, uncond)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, -10, 15, 20}, guided.Data())
}

func TestOptimizedScaleBatched(t *testing.T) {
	cond := tensor.New([]float32{2, 0, 0, 3}, 2, 2)
	uncond := tensor.New([]float32{1, 0, 0, 1}, 2, 2)

	alpha, err := OptimizedScale(cond, uncond, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{2, 3}, alpha, 1e-6)
}

func TestApplyClassic(t *testing.T) {
	cond := tensor.New([]float32{1, 2}, 2)
	uncond := tensor.New([]float32{0.5, 1}, 2)

	s := New(Config{Scale: 3})
	assert.Equal(t, Classic, s.Strategy())

	guided, err := s.Apply(0, cond, uncond)
	require.NoError(t, err)
	// 0.5 + 3*(1-0.5), 1 + 3*(2-1)
	assert.Equal(t, []float32{2, 4}, guided.Data())
	assert.Equal(t, []float32{0.5, 1}, uncond.Data(), "classic guidance leaves uncond untouched")
}

func TestApplyZeroStarEarlySteps(t *testing.T) {
	cond := tensor.New([]float32{1, 2, 3}, 3)
	s := New(Config{Scale: 5, ZeroStar: true, ZeroSteps: 5})

	for step := range 6 {
		uncond := tensor.New([]float32{7, 8, 9}, 3)
		require.True(t, s.ZeroesUncond(step))

		guided, err := s.Apply(step, cond, uncond)
		require.NoError(t, err)
		assert.Equal(t, []float32{5, 10, 15}, guided.Data(), "step %d", step)
	}
	assert.False(t, s.ZeroesUncond(6))
}

func TestApplyZeroStarRescales(t *testing.T) {
	cond := tensor.New([]float32{2, 2}, 2)
	uncond := tensor.New([]float32{1, 0}, 2)

	s := New(Config{Scale: 2, ZeroStar: true, ZeroSteps: 0})
	guided, err := s.Apply(1, cond, uncond)
	require.NoError(t, err)

	// alpha = 2, uncond' = (2, 0), guided = uncond' + 2*(cond - uncond')
	assert.InDeltaSlice(t, []float32{2, 4}, guided.Data(), 1e-6)
	assert.InDeltaSlice(t, []float32{2, 0}, uncond.Data(), 1e-6, "uncond is rescaled in place")
}

// referenceZeroStar computes CFG-Zero* with one projection coefficient per
// leading-axis row.
func referenceZeroStar(cond, uncond []float32, rows int, scale float32) []float32 {
	n := len(cond) / rows
	out := make([]float32, len(cond))
	for r := range rows {
		c, u := cond[r*n:(r+1)*n], uncond[r*n:(r+1)*n]
		var dot, norm float64
		for i := range c {
			dot += float64(c[i]) * float64(u[i])
			norm += float64(u[i]) * float64(u[i])
		}
		alpha := float32(dot / (norm + Epsilon))
		for i := range c {
			base := alpha * u[i]
			out[r*n+i] = base + scale*(c[i]-base)
		}
	}
	return out
}

func TestApplyZeroStarPerChannel(t *testing.T) {
	src := rand.NewSource(5)
	cond := tensor.Randn(src, 16, 2, 3, 3)
	uncond := tensor.Randn(src, 16, 2, 3, 3)
	for c := range 16 {
		// give every channel a different relation between the predictions
		tensor.New(uncond.Data()[c*18:(c+1)*18], 18).Scale(float32(c+1) / 4)
	}
	want := referenceZeroStar(cond.Data(), uncond.Data(), 16, 5)

	s := New(Config{Scale: 5, ZeroStar: true, ZeroSteps: -1})
	guided, err := s.Apply(0, cond, uncond.Clone())
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, guided.Data(), 1e-4)

	whole := New(Config{Scale: 5, ZeroStar: true, ZeroSteps: -1, Batch: 1})
	single, err := whole.Apply(0, cond, uncond.Clone())
	require.NoError(t, err)
	assert.InDeltaSlice(t, referenceZeroStar(cond.Data(), uncond.Data(), 1, 5), single.Data(), 1e-4)
	assert.NotEqual(t, guided.Data(), single.Data())
}

func TestApplyZeroStarEarlyStepsLeavesInputs(t *testing.T) {
	cond := tensor.New([]float32{1, 2}, 2)
	uncond := tensor.New([]float32{3, 4}, 2)

	s := New(Config{Scale: 2, ZeroStar: true, ZeroSteps: 1})
	guided, err := s.Apply(0, cond, uncond)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, guided.Data())
	assert.Equal(t, []float32{1, 2}, cond.Data())
	assert.Equal(t, []float32{3, 4}, uncond.Data(), "uncond is not touched on zeroed steps")
}

func TestApplyShapeMismatch(t *testing.T) {
	s := New(Config{Scale: 1})
	_, err := s.Apply(0, tensor.Zeros(2, 2), tensor.Zeros(4))
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	w := Window{Layers: []int{9}, Start: 0, End: 0.5}

	for step := range 40 {
		got := w.LayersAt(step, 40)
		if step < 20 {
			assert.Equal(t, []int{9}, got, "step %d", step)
		} else {
			assert.Nil(t, got, "step %d", step)
		}
	}

	lo, hi := Window{Start: 0.1, End: 0.9}.Bounds(30)
	assert.Equal(t, 3, lo)
	assert.Equal(t, 27, hi)

	assert.Nil(t, Window{Start: 0, End: 1}.LayersAt(0, 10), "no layers configured")
	assert.True(t, Window{Start: 0, End: 1}.Active(9, 10))
	assert.False(t, Window{Start: 0, End: 1}.Active(10, 10))
}
