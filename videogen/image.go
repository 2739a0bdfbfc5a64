package videogen

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/ollama/videogen/tensor"
)

// LoadImage loads an image from disk.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// ImageToTensor resizes img to w x h and converts it to a single-frame
// video of shape (3, 1, h, w) with values in [-1, 1].
func ImageToTensor(img image.Image, w, h int) *tensor.Tensor {
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	data := make([]float32, 3*h*w)
	for y := range h {
		for x := range w {
			i := resized.PixOffset(x, y)
			px := resized.Pix[i : i+3 : i+3]
			data[0*h*w+y*w+x] = float32(px[0])/127.5 - 1
			data[1*h*w+y*w+x] = float32(px[1])/127.5 - 1
			data[2*h*w+y*w+x] = float32(px[2])/127.5 - 1
		}
	}
	return tensor.New(data, 3, 1, h, w)
}

// TensorToFrames converts a decoded (3, frames, h, w) video in [-1, 1] to
// RGBA frames.
func TensorToFrames(video *tensor.Tensor) ([]*image.RGBA, error) {
	if video.Rank() != 4 || video.Dim(0) != 3 {
		return nil, fmt.Errorf("expected a (3, frames, h, w) video, got %v", video.Shape())
	}

	n, h, w := video.Dim(1), video.Dim(2), video.Dim(3)
	data := video.Data()
	plane := n * h * w

	frames := make([]*image.RGBA, n)
	for f := range n {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := range h {
			for x := range w {
				i := img.PixOffset(x, y)
				for c := range 3 {
					img.Pix[i+c] = toByte(data[c*plane+f*h*w+y*w+x])
				}
				img.Pix[i+3] = 255
			}
		}
		frames[f] = img
	}
	return frames, nil
}

func toByte(v float32) uint8 {
	v = (v + 1) * 127.5
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// SaveFrames writes frames to dir as numbered PNG files and returns their
// paths.
func SaveFrames(dir string, frames []*image.RGBA) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, len(frames))
	for i, frame := range frames {
		path := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", i))
		if err := savePNG(path, frame); err != nil {
			return nil, fmt.Errorf("save frame %d: %w", i, err)
		}
		paths[i] = path
	}
	return paths, nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return png.Encode(f, img)
}

// EncodeFrameBase64 encodes a frame as a base64 PNG.
func EncodeFrameBase64(frame *image.RGBA) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
