// Package tensor implements the dense latent buffers exchanged between the
// sampling loop and its collaborators.
//
// A Tensor is a row-major float32 buffer tagged with the precision it is
// meant to be stored in and the device tier it currently lives on. Values are
// always held as float32; AsType rounds them through the target precision so
// that half and bfloat16 tensors carry exactly the values the hardware would.
package tensor

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// DType is the numeric precision a tensor is stored in.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size returns the number of bytes one element occupies.
func (d DType) Size() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// ParseDType accepts the names printed by DType.String as well as the long
// forms used in model configs ("float16", "bfloat16", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unknown dtype %q", s)
	}
}

// Device is the storage tier a tensor lives on.
type Device int

const (
	// Host is slow, large, host-resident memory.
	Host Device = iota
	// Compute is fast, accelerator-local memory.
	Compute
)

func (d Device) String() string {
	switch d {
	case Host:
		return "host"
	case Compute:
		return "compute"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

type Tensor struct {
	shape  []int
	data   []float32
	dtype  DType
	device Device
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New wraps data in a float32 tensor on the compute device. It panics when
// len(data) does not match the shape.
func New(data []float32, shape ...int) *Tensor {
	if n := numel(shape); n != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v (%d)", len(data), shape, n))
	}
	return &Tensor{shape: slices.Clone(shape), data: data, device: Compute}
}

func Zeros(shape ...int) *Tensor {
	return New(make([]float32, numel(shape)), shape...)
}

func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// Randn draws standard normal values from src.
func Randn(src rand.Source, shape ...int) *Tensor {
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = float32(norm.Rand())
	}
	return t
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Dim returns the size of axis i. Negative axes count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Rank() int       { return len(t.shape) }
func (t *Tensor) Numel() int      { return len(t.data) }
func (t *Tensor) DType() DType    { return t.dtype }
func (t *Tensor) Device() Device  { return t.device }
func (t *Tensor) Data() []float32 { return t.data }

// Bytes is the storage footprint at the tensor's precision.
func (t *Tensor) Bytes() int { return len(t.data) * t.dtype.Size() }

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)", t.shape, t.dtype, t.device)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data), dtype: t.dtype, device: t.device}
}

// To moves the tensor to device d. Moving to the device the tensor is
// already on returns t itself; otherwise the values are copied and the
// receiver is left untouched.
func (t *Tensor) To(d Device) *Tensor {
	if t.device == d {
		return t
	}
	c := t.Clone()
	c.device = d
	return c
}

// AsType converts to precision d, rounding every value through it.
func (t *Tensor) AsType(d DType) *Tensor {
	if t.dtype == d {
		return t
	}
	c := t.Clone()
	c.dtype = d
	roundTo(d, c.data)
	return c
}

// Free drops the backing buffer. A freed tensor has no shape and no data.
func (t *Tensor) Free() {
	if t == nil {
		return
	}
	t.data = nil
	t.shape = nil
}

func (t *Tensor) Freed() bool { return t.data == nil && t.shape == nil }

// Reshape returns a view with a new shape over the same data. One axis may
// be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("reshape %v: invalid dimension %d", shape, d)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("reshape %v -> %v: cannot infer dimension", t.shape, shape)
		}
		shape[infer] = len(t.data) / known
	}
	if numel(shape) != len(t.data) {
		return nil, fmt.Errorf("reshape %v -> %v: size mismatch", t.shape, shape)
	}
	return &Tensor{shape: shape, data: t.data, dtype: t.dtype, device: t.device}, nil
}

// Unsqueeze inserts a size-1 axis at position axis.
func (t *Tensor) Unsqueeze(axis int) *Tensor {
	if axis < 0 {
		axis += len(t.shape) + 1
	}
	shape := slices.Insert(slices.Clone(t.shape), axis, 1)
	return &Tensor{shape: shape, data: t.data, dtype: t.dtype, device: t.device}
}

// Squeeze removes a size-1 axis.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) || t.shape[axis] != 1 {
		return nil, fmt.Errorf("squeeze axis %d of %v", axis, t.shape)
	}
	shape := slices.Delete(slices.Clone(t.shape), axis, axis+1)
	return &Tensor{shape: shape, data: t.data, dtype: t.dtype, device: t.device}, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.shape, b.shape)
}
