package image_renderer

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			if (x/4+y/4)%2 == 0 {
				c = color.NRGBA{R: 200, G: 10, B: 10, A: 255}
			}

			img.SetNRGBA(x, y, c)
		}
	}

	return img
}

func TestResizeSquare(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	out, err := r.ResizeSquare(checkerboard(32), 64)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())

	again, err := r.ResizeSquare(checkerboard(32), 64)
	require.NoError(t, err)
	assert.Equal(t, out.Pix, again.Pix)
}

func TestResizeSquare_InvalidSize(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	_, err = r.ResizeSquare(checkerboard(8), 0)
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	src := checkerboard(16)

	data, err := r.EncodePNG(src)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))

	decoded, err := r.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), decoded.Bounds())
	assert.Equal(t, src.At(3, 3), color.NRGBAModel.Convert(decoded.At(3, 3)))
}

func TestDecode_Invalid(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	_, err = r.Decode(nil)
	assert.EqualError(t, err, "empty image data")

	_, err = r.Decode([]byte("not an image"))
	assert.Error(t, err)
}
