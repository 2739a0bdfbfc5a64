package tensor

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"gonum.org/v1/gonum/blas/blas32"
)

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// outer and inner split a shape around axis: outer is the product of the
// leading dims, inner the product of the trailing ones.
func split(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	return outer, inner
}

func normAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// Permute reorders the axes of t, materializing the result.
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	if len(axes) != len(t.shape) {
		return nil, fmt.Errorf("permute %v: need %d axes, got %d", t.shape, len(t.shape), len(axes))
	}

	var tt tensor.Tensor = tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	tt, err := tensor.Transpose(tt, axes...)
	if err != nil {
		return nil, err
	}

	shape := make([]int, len(axes))
	for i, a := range axes {
		shape[i] = t.shape[a]
	}

	// flatten so the backing can be read out as a vector
	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		return nil, err
	}

	data, err := native.VectorF32(tt.(*tensor.Dense))
	if err != nil {
		return nil, err
	}

	return &Tensor{shape: shape, data: data, dtype: t.dtype, device: t.device}, nil
}

// Concat joins tensors along axis. All inputs must agree on every other axis.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	first := ts[0]
	axis, err := normAxis(axis, len(first.shape))
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}

	shape := slices.Clone(first.shape)
	shape[axis] = 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			return nil, fmt.Errorf("concat: rank mismatch %v vs %v", t.shape, first.shape)
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != first.shape[i] {
				return nil, fmt.Errorf("concat: shape mismatch %v vs %v on axis %d", t.shape, first.shape, i)
			}
		}
		shape[axis] += t.shape[axis]
	}

	outer, inner := split(shape, axis)
	out := make([]float32, 0, numel(shape))
	for o := range outer {
		for _, t := range ts {
			chunk := t.shape[axis] * inner
			out = append(out, t.data[o*chunk:(o+1)*chunk]...)
		}
	}

	return &Tensor{shape: shape, data: out, dtype: first.dtype, device: first.device}, nil
}

// Slice copies the half-open range [start, end) of axis.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	axis, err := normAxis(axis, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("slice: %w", err)
	}
	if start < 0 {
		start += t.shape[axis]
	}
	if end < 0 {
		end += t.shape[axis]
	}
	if start < 0 || end > t.shape[axis] || start > end {
		return nil, fmt.Errorf("slice [%d:%d] out of range for axis %d of %v", start, end, axis, t.shape)
	}

	outer, inner := split(t.shape, axis)
	shape := slices.Clone(t.shape)
	shape[axis] = end - start

	out := make([]float32, 0, numel(shape))
	for o := range outer {
		base := o * t.shape[axis] * inner
		out = append(out, t.data[base+start*inner:base+end*inner]...)
	}
	return &Tensor{shape: shape, data: out, dtype: t.dtype, device: t.device}, nil
}

// RepeatInterleave repeats every index of axis n times in place.
func (t *Tensor) RepeatInterleave(axis, n int) (*Tensor, error) {
	axis, err := normAxis(axis, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("repeat: %w", err)
	}

	outer, inner := split(t.shape, axis)
	shape := slices.Clone(t.shape)
	shape[axis] *= n

	out := make([]float32, 0, numel(shape))
	for o := range outer {
		for i := range t.shape[axis] {
			base := (o*t.shape[axis] + i) * inner
			for range n {
				out = append(out, t.data[base:base+inner]...)
			}
		}
	}
	return &Tensor{shape: shape, data: out, dtype: t.dtype, device: t.device}, nil
}

// FillRange sets every element in [start, end) of axis to v, in place.
func (t *Tensor) FillRange(axis, start, end int, v float32) error {
	axis, err := normAxis(axis, len(t.shape))
	if err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	if start < 0 || end > t.shape[axis] || start > end {
		return fmt.Errorf("fill [%d:%d] out of range for axis %d of %v", start, end, axis, t.shape)
	}

	outer, inner := split(t.shape, axis)
	for o := range outer {
		base := o * t.shape[axis] * inner
		for i := base + start*inner; i < base+end*inner; i++ {
			t.data[i] = v
		}
	}
	return nil
}

// Scale multiplies t by s in place.
func (t *Tensor) Scale(s float32) {
	blas32.Scal(s, vec(t.data))
}

// AddScaled computes t += alpha*x in place.
func (t *Tensor) AddScaled(alpha float32, x *Tensor) error {
	if len(t.data) != len(x.data) {
		return fmt.Errorf("add: size mismatch %v vs %v", t.shape, x.shape)
	}
	blas32.Axpy(alpha, vec(x.data), vec(t.data))
	return nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	out := a.Clone()
	if err := out.AddScaled(-1, b); err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// Dot returns the inner product of the flattened tensors, accumulated in
// double precision.
func Dot(a, b *Tensor) (float64, error) {
	if len(a.data) != len(b.data) {
		return 0, fmt.Errorf("dot: size mismatch %v vs %v", a.shape, b.shape)
	}
	return blas32.DDot(vec(a.data), vec(b.data)), nil
}

// RowDots splits a and b into rows leading-axis-first and returns the dot
// product of each row pair.
func RowDots(a, b *Tensor, rows int) ([]float64, error) {
	if len(a.data) != len(b.data) {
		return nil, fmt.Errorf("dot: size mismatch %v vs %v", a.shape, b.shape)
	}
	if rows <= 0 || len(a.data)%rows != 0 {
		return nil, fmt.Errorf("dot: %d values do not split into %d rows", len(a.data), rows)
	}

	n := len(a.data) / rows
	out := make([]float64, rows)
	for r := range rows {
		out[r] = blas32.DDot(vec(a.data[r*n:(r+1)*n]), vec(b.data[r*n:(r+1)*n]))
	}
	return out, nil
}
