package tensor

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

func roundTo(d DType, data []float32) {
	switch d {
	case Float16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		copy(data, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(data)))
	}
}
