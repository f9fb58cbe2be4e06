package replay

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEncodeFrame(t *testing.T) {
	t.Run("produces a decodable jpeg", func(t *testing.T) {
		src := image.NewRGBA(image.Rect(0, 0, 20, 10))
		data, w, h, ok := encodeFrame(encodePNG(t, src), 75, 0)

		require.True(t, ok)
		assert.Equal(t, 20, w)
		assert.Equal(t, 10, h)

		decoded, err := jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 20, decoded.Bounds().Dx())
		assert.Equal(t, 10, decoded.Bounds().Dy())
	})

	t.Run("normalises paletted images", func(t *testing.T) {
		src := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.Black, color.White})
		data, _, _, ok := encodeFrame(encodePNG(t, src), 60, 0)

		require.True(t, ok)
		_, err := jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err)
	})

	t.Run("downscales preserving aspect ratio", func(t *testing.T) {
		src := image.NewRGBA(image.Rect(0, 0, 400, 200))
		data, w, h, ok := encodeFrame(encodePNG(t, src), 75, 100)

		require.True(t, ok)
		assert.Equal(t, 100, w)
		assert.Equal(t, 50, h)

		decoded, err := jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 100, decoded.Bounds().Dx())
	})

	t.Run("small images are not upscaled", func(t *testing.T) {
		src := image.NewRGBA(image.Rect(0, 0, 10, 10))
		_, w, h, ok := encodeFrame(encodePNG(t, src), 75, 100)

		require.True(t, ok)
		assert.Equal(t, 10, w)
		assert.Equal(t, 10, h)
	})

	t.Run("invalid png passes through unchanged", func(t *testing.T) {
		raw := []byte("definitely not a png")
		data, w, h, ok := encodeFrame(raw, 75, 0)

		assert.False(t, ok)
		assert.Equal(t, raw, data)
		assert.Zero(t, w)
		assert.Zero(t, h)
	})
}
