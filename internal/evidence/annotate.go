package evidence

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vigil/internal/pipeline"
)

var (
	boxColor   = color.RGBA{R: 220, G: 30, B: 30, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Annotate draws the subject box and label onto a copy of the frame and
// returns it JPEG encoded.
func Annotate(frame *pipeline.FrameData, box pipeline.BBox, label string) ([]byte, error) {
	src, err := frame.Image()
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	r := box.Rect().Intersect(b)
	if !r.Empty() {
		drawRect(dst, r, 2, boxColor)
		drawLabel(dst, r, label)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return buf.Bytes(), nil
}

func drawRect(dst *image.RGBA, r image.Rectangle, thickness int, c color.Color) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), u, image.Point{}, draw.Src)
	}
}

// drawLabel writes label on a filled strip above the box, or inside it when
// the box touches the top of the frame.
func drawLabel(dst *image.RGBA, r image.Rectangle, label string) {
	if label == "" {
		return
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil() + 4
	height := face.Metrics().Height.Ceil() + 2

	top := r.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = r.Min.Y
	}
	strip := image.Rect(r.Min.X, top, r.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, strip, image.NewUniform(boxColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(strip.Min.X+2, strip.Min.Y+face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(label)
}
