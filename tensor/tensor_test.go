package tensor

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func arange(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = float32(i)
	}
	return t
}

func TestPermute(t *testing.T) {
	// (2, 3) -> (3, 2)
	x := arange(2, 3)
	y, err := x.Permute(1, 0)
	require.NoError(t, err)

	if diff := cmp.Diff([]int{3, 2}, y.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 3, 1, 4, 2, 5}, y.Data()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	// source is untouched
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, x.Data())
}

func TestPermute4D(t *testing.T) {
	x := arange(2, 4, 1, 1)
	y, err := x.Permute(1, 0, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 1, 1}, y.Shape())
	assert.Equal(t, []float32{0, 4, 1, 5, 2, 6, 3, 7}, y.Data())
}

func TestConcat(t *testing.T) {
	a := arange(2, 2)
	b := Full(9, 2, 1)

	c, err := Concat(1, a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, c.Shape())
	assert.Equal(t, []float32{0, 1, 9, 2, 3, 9}, c.Data())

	_, err = Concat(0, a, b)
	assert.Error(t, err)
}

func TestSlice(t *testing.T) {
	x := arange(2, 4)

	y, err := x.Slice(1, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, y.Shape())
	assert.Equal(t, []float32{0, 1, 2, 4, 5, 6}, y.Data())

	_, err = x.Slice(1, 3, 5)
	assert.Error(t, err)
}

func TestRepeatInterleave(t *testing.T) {
	x := arange(1, 2, 2)
	y, err := x.RepeatInterleave(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6, 2}, y.Shape())
	assert.Equal(t, []float32{0, 1, 0, 1, 0, 1, 2, 3, 2, 3, 2, 3}, y.Data())
}

func TestFillRange(t *testing.T) {
	x := Ones(1, 4, 2)
	require.NoError(t, x.FillRange(1, 1, 3, 0))
	assert.Equal(t, []float32{1, 1, 0, 0, 0, 0, 1, 1}, x.Data())
}

func TestReshape(t *testing.T) {
	x := arange(2, 3, 4)

	y, err := x.Reshape(2, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, y.Shape())

	// views share storage
	y.Data()[0] = 42
	assert.Equal(t, float32(42), x.Data()[0])

	_, err = x.Reshape(5, -1)
	assert.Error(t, err)
}

func TestSqueezeUnsqueeze(t *testing.T) {
	x := arange(3, 4)
	y := x.Unsqueeze(0)
	assert.Equal(t, []int{1, 3, 4}, y.Shape())

	z, err := y.Squeeze(0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, z.Shape())

	_, err = z.Squeeze(0)
	assert.Error(t, err)
}

func TestArithmetic(t *testing.T) {
	a := New([]float32{1, 2, 3}, 3)
	b := New([]float32{4, 5, 6}, 3)

	d, err := Dot(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 32, d, 1e-9)

	s, err := Sub(b, a)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 3}, s.Data())

	require.NoError(t, a.AddScaled(2, b))
	assert.Equal(t, []float32{9, 12, 15}, a.Data())

	a.Scale(0.5)
	assert.Equal(t, []float32{4.5, 6, 7.5}, a.Data())

	rows, err := RowDots(New([]float32{1, 2, 3, 4}, 2, 2), New([]float32{1, 1, 2, 2}, 2, 2), 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 14}, rows)
}

func TestDeviceAndPrecision(t *testing.T) {
	x := New([]float32{1.0009765625, 3.14159}, 2)
	assert.Equal(t, Compute, x.Device())
	assert.Same(t, x, x.To(Compute))

	h := x.To(Host)
	assert.Equal(t, Host, h.Device())
	assert.Equal(t, x.Data(), h.Data())
	h.Data()[0] = 0
	assert.NotEqual(t, float32(0), x.Data()[0], "move must copy")

	bf := x.AsType(BFloat16)
	assert.Equal(t, BFloat16, bf.DType())
	assert.Equal(t, float32(1), bf.Data()[0], "bfloat16 keeps 7 mantissa bits")

	f16 := x.AsType(Float16)
	assert.Equal(t, float32(1.0009765625), f16.Data()[0])
	assert.Equal(t, 4, f16.Bytes())
}

func TestRandnDeterministic(t *testing.T) {
	a := Randn(rand.NewSource(7), 4, 4)
	b := Randn(rand.NewSource(7), 4, 4)
	c := Randn(rand.NewSource(8), 4, 4)

	assert.Equal(t, a.Data(), b.Data())
	assert.NotEqual(t, a.Data(), c.Data())
}

func TestFree(t *testing.T) {
	x := Ones(2, 2)
	x.Free()
	assert.True(t, x.Freed())
	assert.Zero(t, x.Numel())

	var nilTensor *Tensor
	nilTensor.Free()
}

func TestSaveLoad(t *testing.T) {
	cases := []DType{Float32, Float16, BFloat16}
	for _, dt := range cases {
		t.Run(dt.String(), func(t *testing.T) {
			x := Randn(rand.NewSource(1), 2, 3, 4).AsType(dt).To(Host)
			path := filepath.Join(t.TempDir(), "latent.cbor")
			require.NoError(t, x.Save(path))

			y, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, x.Shape(), y.Shape())
			assert.Equal(t, dt, y.DType())
			assert.Equal(t, Host, y.Device())
			assert.Equal(t, x.Data(), y.Data())
		})
	}
}

func TestParseDType(t *testing.T) {
	for _, s := range []string{"bf16", "bfloat16", "BF16"} {
		d, err := ParseDType(s)
		require.NoError(t, err)
		assert.Equal(t, BFloat16, d)
	}
	_, err := ParseDType("int8")
	assert.Error(t, err)
}
