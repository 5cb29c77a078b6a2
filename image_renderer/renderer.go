package image_renderer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

type rendererImpl struct {
	scaler draw.Scaler
}

type Config struct {
	// Scaler defaults to Catmull-Rom.
	Scaler draw.Scaler
}

func New(cfg Config) (Renderer, error) {
	scaler := cfg.Scaler
	if scaler == nil {
		scaler = draw.CatmullRom
	}

	return &rendererImpl{scaler: scaler}, nil
}

func (r *rendererImpl) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	return img, nil
}

// ResizeSquare stretches img to size x size. The result is deterministic for a given input.
func (r *rendererImpl) ResizeSquare(img image.Image, size int) (*image.RGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))

	r.scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	return dst, nil
}

func (r *rendererImpl) EncodePNG(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)

	err := png.Encode(buf, img)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
