package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"
)

// wireTensor is the on-disk form of a latent. Data is little endian at the
// tensor's precision, so half and bfloat16 latents take two bytes per value.
type wireTensor struct {
	Shape  []int  `cbor:"shape"`
	DType  string `cbor:"dtype"`
	Device string `cbor:"device"`
	Data   []byte `cbor:"data"`
}

func (t *Tensor) MarshalCBOR() ([]byte, error) {
	w := wireTensor{Shape: t.shape, DType: t.dtype.String(), Device: t.device.String()}

	switch t.dtype {
	case Float32:
		w.Data = make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(w.Data[4*i:], math.Float32bits(v))
		}
	case Float16:
		w.Data = make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(w.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
	case BFloat16:
		w.Data = bfloat16.EncodeFloat32(t.data)
	default:
		return nil, fmt.Errorf("encode: unsupported dtype %s", t.dtype)
	}

	return cbor.Marshal(w)
}

func (t *Tensor) UnmarshalCBOR(b []byte) error {
	var w wireTensor
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}

	dtype, err := ParseDType(w.DType)
	if err != nil {
		return err
	}

	n := numel(w.Shape)
	if len(w.Data) != n*dtype.Size() {
		return fmt.Errorf("decode: %d bytes do not fill %v at %s", len(w.Data), w.Shape, dtype)
	}

	var data []float32
	switch dtype {
	case Float32:
		data = make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(w.Data[4*i:]))
		}
	case Float16:
		data = make([]float32, n)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(w.Data[2*i:])).Float32()
		}
	case BFloat16:
		data = bfloat16.DecodeFloat32(w.Data)
	}

	device := Compute
	if w.Device == Host.String() {
		device = Host
	}

	*t = Tensor{shape: w.Shape, data: data, dtype: dtype, device: device}
	return nil
}

// Save writes t to path as CBOR.
func (t *Tensor) Save(path string) error {
	b, err := t.MarshalCBOR()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Load reads a tensor written by Save.
func Load(path string) (*Tensor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var t Tensor
	if err := t.UnmarshalCBOR(b); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &t, nil
}
