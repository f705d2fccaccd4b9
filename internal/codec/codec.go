// Package codec converts 2D pixel planes to and from their lossless
// storage encoding (PNG). Planes are grayscale with a uint8 or uint16
// sample type; 16-bit samples are kept big-endian, matching image.Gray16.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// Supported sample types.
const (
	DTypeUint8  = "uint8"
	DTypeUint16 = "uint16"
)

// Plane is one decoded 2D frame.
type Plane struct {
	Width  int
	Height int
	DType  string
	Pix    []byte
}

// BytesPerSample returns the sample width for a dtype, or an error for
// unsupported types.
func BytesPerSample(dtype string) (int, error) {
	switch dtype {
	case DTypeUint8:
		return 1, nil
	case DTypeUint16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// Validate checks that the pixel buffer matches the declared shape.
func (p Plane) Validate() error {
	n, err := BytesPerSample(p.DType)
	if err != nil {
		return err
	}
	if want := p.Width * p.Height * n; len(p.Pix) != want {
		return fmt.Errorf("plane %dx%d %s: have %d pixel bytes, want %d", p.Width, p.Height, p.DType, len(p.Pix), want)
	}
	return nil
}

// EncodePNG serializes a plane to PNG bytes.
func EncodePNG(p Plane) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, p.Width, p.Height)
	var img image.Image
	switch p.DType {
	case DTypeUint8:
		g := image.NewGray(rect)
		copy(g.Pix, p.Pix)
		img = g
	case DTypeUint16:
		g := image.NewGray16(rect)
		copy(g.Pix, p.Pix)
		img = g
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG deserializes PNG bytes back into a plane, recovering the
// sample type from the image color model.
func DecodePNG(data []byte) (Plane, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return Plane{}, fmt.Errorf("decode png: %w", err)
	}
	b := img.Bounds()
	switch im := img.(type) {
	case *image.Gray:
		p := Plane{Width: b.Dx(), Height: b.Dy(), DType: DTypeUint8, Pix: make([]byte, b.Dx()*b.Dy())}
		for y := 0; y < b.Dy(); y++ {
			copy(p.Pix[y*b.Dx():], im.Pix[y*im.Stride:y*im.Stride+b.Dx()])
		}
		return p, nil
	case *image.Gray16:
		p := Plane{Width: b.Dx(), Height: b.Dy(), DType: DTypeUint16, Pix: make([]byte, 2*b.Dx()*b.Dy())}
		for y := 0; y < b.Dy(); y++ {
			copy(p.Pix[y*2*b.Dx():], im.Pix[y*im.Stride:y*im.Stride+2*b.Dx()])
		}
		return p, nil
	default:
		return Plane{}, fmt.Errorf("decode png: unsupported color model %T", img)
	}
}
