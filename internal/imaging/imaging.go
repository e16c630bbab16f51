// Package imaging derives fixed-size JPEG renditions from uploaded images.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"io"

	"github.com/kilupskalvis/imgsrv/internal/models"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

// ErrDecode is returned when the input bytes are not a decodable image.
var ErrDecode = errors.New("cannot decode image")

// DefaultMaxPixels caps the declared size of a decoded image. A few
// megabytes of compressed input can otherwise declare gigapixel dimensions.
const DefaultMaxPixels = 89_478_485

// Decode reads an image in any registered format. When maxPixels is
// positive, the header is checked first and images declaring more than
// maxPixels pixels are rejected before any pixel buffer is allocated.
func Decode(r io.Reader, maxPixels int) (image.Image, string, error) {
	if maxPixels > 0 {
		var head bytes.Buffer
		cfg, _, err := image.DecodeConfig(io.TeeReader(r, &head))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
			return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
		}
		r = io.MultiReader(&head, r)
	}

	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: empty image bounds %v", ErrDecode, b)
	}
	return img, format, nil
}

// FitSize returns the dimensions of a w×h image scaled down, aspect
// preserved, to fit within maxW×maxH. Images that already fit are unchanged.
func FitSize(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW with h/maxH without floating point.
	if w*maxH >= h*maxW {
		nh := (h*maxW + w/2) / w
		return maxW, max(nh, 1)
	}
	nw := (w*maxH + h/2) / h
	return max(nw, 1), maxH
}

// SquareCrop returns the largest centered square inside a w×h image. Odd
// remainders are floored, biasing the square toward the top-left.
func SquareCrop(w, h int) image.Rectangle {
	side := min(w, h)
	left := (w - side) / 2
	top := (h - side) / 2
	return image.Rect(left, top, left+side, top+side)
}

// FitWithin scales src down to fit within maxW×maxH. It never upscales.
func FitWithin(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), maxW, maxH)
	if w == b.Dx() && h == b.Dy() {
		return toRGBA(src)
	}
	return scale(src, b, w, h)
}

// FixedSquare center-crops src to a square and scales it to exactly w×h.
func FixedSquare(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	crop := SquareCrop(b.Dx(), b.Dy()).Add(b.Min)
	return scale(src, crop, w, h)
}

// EncodeJPEG writes img as a baseline JPEG at the given quality.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}

// Render derives the rendition described by spec from the canonical original.
func Render(src image.Image, spec models.RenditionSpec) (image.Image, error) {
	switch spec.Kind {
	case models.KindOriginal:
		return toRGBA(src), nil
	case models.KindFitWithin:
		return FitWithin(src, spec.Width, spec.Height), nil
	case models.KindFixedSquare:
		return FixedSquare(src, spec.Width, spec.Height), nil
	default:
		return nil, fmt.Errorf("unknown rendition kind %q", spec.Kind)
	}
}

// scale resamples the sr region of src into a new w×h image.
func scale(src image.Image, sr image.Rectangle, w, h int) *image.RGBA {
	dst := opaqueCanvas(w, h)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sr, draw.Over, nil)
	return dst
}

// toRGBA flattens src onto an opaque white canvas. JPEG has no alpha channel.
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := opaqueCanvas(b.Dx(), b.Dy())
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func opaqueCanvas(w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return dst
}
