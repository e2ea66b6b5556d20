// internal/ingest/thumbnail.go
package ingest

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	_ "image/gif" // register decoders for the formats uploads commonly use
	_ "image/png"

	"golang.org/x/image/draw"
)

// thumbnailMaxDim is the bounding box for generated previews, in pixels.
const thumbnailMaxDim = 300

// thumbnailJPEGQuality trades size for fidelity; previews don't need more.
const thumbnailJPEGQuality = 80

// renderThumbnail decodes an image and scales it to fit within maxDim on the
// longer side, preserving aspect ratio. Images already inside the box are
// re-encoded without scaling. Output is always JPEG.
func renderThumbnail(r io.Reader, maxDim int) (*bytes.Buffer, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("image has empty bounds")
	}

	dstW, dstH := width, height
	if width > maxDim || height > maxDim {
		if width >= height {
			dstW = maxDim
			dstH = height * maxDim / width
		} else {
			dstH = maxDim
			dstW = width * maxDim / height
		}
		if dstW < 1 {
			dstW = 1
		}
		if dstH < 1 {
			dstH = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return &buf, nil
}
