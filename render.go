package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
)

// circleMask is the alpha mask for the circular viewport clip, centered in a
// diameter×diameter square.
type circleMask struct {
	diameter int
}

func (c circleMask) ColorModel() color.Model { return color.AlphaModel }

func (c circleMask) Bounds() image.Rectangle { return image.Rect(0, 0, c.diameter, c.diameter) }

func (c circleMask) At(x, y int) color.Color {
	r := float64(c.diameter) / 2
	dx := float64(x) + 0.5 - r
	dy := float64(y) + 0.5 - r
	if dx*dx+dy*dy < r*r {
		return color.Alpha{A: 0xff}
	}
	return color.Alpha{}
}

// frameRect computes where the source bitmap lands on a viewport of the given
// diameter: the image is scaled by baseScale×zoom (×ratio for export), centered,
// then shifted by the pan offset. Offsets are recorded in preview-pixel units,
// so they are rescaled by ratio too.
func frameRect(src *SourceImage, view ViewState, diameter int, ratio float64) (dx, dy, drawW, drawH float64) {
	scale := src.baseScale * view.Zoom * ratio
	drawW = float64(src.Width) * scale
	drawH = float64(src.Height) * scale
	d := float64(diameter)
	dx = (d-drawW)/2 + view.OffsetX*ratio
	dy = (d-drawH)/2 + view.OffsetY*ratio
	return dx, dy, drawW, drawH
}

// renderView rasterizes one frame: a diameter×diameter square, transparent
// outside the circle, with the source drawn at the frameRect position. The
// same function serves preview (ratio 1) and export (ratio output/preview),
// which is what keeps the two pixel-consistent.
func renderView(src *SourceImage, view ViewState, diameter int, ratio float64) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, diameter, diameter))

	dx, dy, drawW, drawH := frameRect(src, view, diameter, ratio)
	w := int(math.Round(drawW))
	h := int(math.Round(drawH))
	if w <= 0 || h <= 0 {
		return dst
	}

	scaled := imaging.Resize(src.img, w, h, imaging.Lanczos)
	origin := image.Pt(int(math.Round(dx)), int(math.Round(dy)))
	target := scaled.Bounds().Add(origin)
	draw.DrawMask(dst, target, scaled, image.Point{}, circleMask{diameter: diameter}, origin, draw.Over)
	return dst
}

// drawBorder strokes a one-pixel ring on the clip boundary. Cosmetic, used
// only on the preview surface.
func drawBorder(dst *image.NRGBA) {
	d := dst.Bounds().Dx()
	r := float64(d) / 2
	stroke := color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0x5a}
	for y := 0; y < d; y++ {
		for x := 0; x < d; x++ {
			ddx := float64(x) + 0.5 - r
			ddy := float64(y) + 0.5 - r
			dist := math.Sqrt(ddx*ddx + ddy*ddy)
			if dist < r && dist >= r-1 {
				dst.SetNRGBA(x, y, stroke)
			}
		}
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
