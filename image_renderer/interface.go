package image_renderer

import "image"

type Renderer interface {
	Decode(data []byte) (image.Image, error)
	ResizeSquare(img image.Image, size int) (*image.RGBA, error)
	EncodePNG(img image.Image) ([]byte, error)
}
