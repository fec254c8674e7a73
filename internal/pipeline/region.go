package pipeline

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
)

// DefaultHeadFraction approximates the head as the top third of a person box.
const DefaultHeadFraction = 1.0 / 3.0

var ErrDegenerateRegion = errors.New("degenerate region")

// HeadRegion returns the top fraction of box clipped to bounds. When that
// strip is empty it falls back to the whole clipped box.
func HeadRegion(box BBox, bounds image.Rectangle, fraction float64) (image.Rectangle, error) {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultHeadFraction
	}

	full := box.Rect().Intersect(bounds)
	if full.Empty() {
		return image.Rectangle{}, ErrDegenerateRegion
	}

	h := full.Dy()
	headH := int(float64(h) * fraction)
	if headH < 1 {
		headH = 1
	}
	head := image.Rect(full.Min.X, full.Min.Y, full.Max.X, min(full.Max.Y, full.Min.Y+headH))
	if head.Empty() {
		return full, nil
	}
	return head, nil
}

// CropRegion copies r out of src into a new image. Regions whose short side
// is below minSide are upscaled so the embedder gets enough pixels.
func CropRegion(src image.Image, r image.Rectangle, minSide int) image.Image {
	r = r.Intersect(src.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)

	short := min(r.Dx(), r.Dy())
	if minSide <= 0 || short == 0 || short >= minSide {
		return dst
	}

	scale := float64(minSide) / float64(short)
	scaled := image.NewRGBA(image.Rect(0, 0, int(float64(r.Dx())*scale), int(float64(r.Dy())*scale)))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), dst, dst.Bounds(), draw.Src, nil)
	return scaled
}
