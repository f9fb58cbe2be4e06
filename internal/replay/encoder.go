package replay

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// encodeFrame converts a raw PNG frame to JPEG at the given quality,
// downscaling first when maxDim is set and either side exceeds it. Palette,
// gray and 16-bit images are normalised through an RGBA draw before encoding.
// The returned width/height are the encoded pixel dimensions; on any decode
// or encode failure the original PNG bytes pass through unchanged with ok
// false and zero dimensions.
func encodeFrame(pngBytes []byte, quality, maxDim int) (out []byte, width, height int, ok bool) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return pngBytes, 0, 0, false
	}

	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()

	if maxDim > 0 && (width > maxDim || height > maxDim) {
		scale := float64(maxDim) / float64(width)
		if s := float64(maxDim) / float64(height); s < scale {
			scale = s
		}
		newW := int(float64(width) * scale)
		newH := int(float64(height) * scale)
		if newW < 1 {
			newW = 1
		}
		if newH < 1 {
			newH = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, newW, newH))
		xdraw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Src, nil)
		img = scaled
		bounds = scaled.Bounds()
		width, height = newW, newH
	}

	rgba, isRGBA := img.(*image.RGBA)
	if !isRGBA {
		rgba = image.NewRGBA(image.Rect(0, 0, width, height))
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return pngBytes, 0, 0, false
	}
	return buf.Bytes(), width, height, true
}
