package main

import "fmt"

const (
	// PreviewDiameter is the size of the on-screen circular viewport.
	PreviewDiameter = 240
	// OutputDiameter is the size of the exported square raster.
	OutputDiameter = 256

	minZoom = 0.5
	maxZoom = 4.0

	// wheelSensitivity converts a wheel delta into a zoom increment so a
	// typical notch moves the zoom by a small, smooth step.
	wheelSensitivity = 0.002
)

// ViewState is the crop framing: a zoom factor applied on top of the base
// fit-scale, and a pan offset in preview-pixel units applied after scaling.
type ViewState struct {
	Zoom    float64 `json:"zoom"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

func (v ViewState) String() string {
	return fmt.Sprintf("view(zoom=%.3f,ox=%.1f,oy=%.1f)", v.Zoom, v.OffsetX, v.OffsetY)
}

// identityView is the framing every fresh source starts from: shorter image
// dimension exactly fills the circle, image centered.
func identityView() ViewState {
	return ViewState{Zoom: 1, OffsetX: 0, OffsetY: 0}
}

func clampZoom(z float64) float64 {
	if z < minZoom {
		return minZoom
	}
	if z > maxZoom {
		return maxZoom
	}
	return z
}

// dragAnchor pins the offset that was current when a drag began, so every
// move during that drag is computed against a fixed reference and repeated
// back-and-forth drags cannot accumulate drift.
type dragAnchor struct {
	pointerX, pointerY float64
	offsetX, offsetY   float64
}

// applyDrag returns the offset for the current pointer position relative to
// the anchor. Offsets are deliberately unclamped: panning past the circle is
// allowed, the clip limits what stays visible.
func (a dragAnchor) applyDrag(pointerX, pointerY float64) (ox, oy float64) {
	return a.offsetX + (pointerX - a.pointerX), a.offsetY + (pointerY - a.pointerY)
}

// applyWheel maps a wheel delta onto the zoom range. Scrolling up (negative
// delta) zooms in.
func applyWheel(zoom, deltaY float64) float64 {
	return clampZoom(zoom - deltaY*wheelSensitivity)
}
