package cogview

import (
	"math"

	"github.com/paulmach/orb"
)

// Window is a half-open pixel rectangle [X0,X1) x [Y0,Y1).
type Window struct {
	X0, Y0, X1, Y1 int
}

// Width returns the window width in pixels.
func (w Window) Width() int { return w.X1 - w.X0 }

// Height returns the window height in pixels.
func (w Window) Height() int { return w.Y1 - w.Y0 }

// Empty reports whether the window covers no pixels.
func (w Window) Empty() bool { return w.X1 <= w.X0 || w.Y1 <= w.Y0 }

// Intersect clips w to o.
func (w Window) Intersect(o Window) Window {
	return Window{
		X0: max(w.X0, o.X0),
		Y0: max(w.Y0, o.Y0),
		X1: min(w.X1, o.X1),
		Y1: min(w.Y1, o.Y1),
	}
}

// FullWindow covers a whole width x height raster.
func FullWindow(width, height int) Window {
	return Window{X1: width, Y1: height}
}

// ValidateBBox rejects NaN, infinite and degenerate boxes.
func ValidateBBox(b orb.Bound) error {
	for _, v := range BBoxArray(b) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ExtractionError{Kind: ErrInvalidBBox, Detail: "non-finite coordinate"}
		}
	}
	if !(b.Min[0] < b.Max[0]) || !(b.Min[1] < b.Max[1]) {
		return &ExtractionError{Kind: ErrInvalidBBox, Detail: "west must be < east and south must be < north"}
	}
	return nil
}

// PixelWindowFor maps a requested geographic box onto the pixel grid of a
// width x height raster covering bbox. Row 0 is the northernmost row. The
// result is clamped to the raster; an empty result is an EmptyIntersection error.
func PixelWindowFor(bbox orb.Bound, width, height int, requested orb.Bound) (Window, error) {
	if err := ValidateBBox(requested); err != nil {
		return Window{}, err
	}

	w, s, e, n := bbox.Min[0], bbox.Min[1], bbox.Max[0], bbox.Max[1]
	rw, rs, re, rn := requested.Min[0], requested.Min[1], requested.Max[0], requested.Max[1]

	xScale := float64(width) / (e - w)
	yScale := float64(height) / (n - s)

	win := Window{
		X0: clampPixel(math.Floor((rw-w)*xScale), width),
		X1: clampPixel(math.Ceil((re-w)*xScale), width),
		Y0: clampPixel(math.Floor((n-rn)*yScale), height),
		Y1: clampPixel(math.Ceil((n-rs)*yScale), height),
	}

	if win.Empty() {
		return Window{}, &ExtractionError{
			Kind:   ErrEmptyIntersection,
			Detail: "requested box lies outside the raster extent",
		}
	}
	return win, nil
}

// clampPixel clamps v to [0, limit] before converting, so far-away boxes cannot overflow int.
func clampPixel(v float64, limit int) int {
	if v < 0 {
		return 0
	}
	if v > float64(limit) {
		return limit
	}
	return int(v)
}

// WindowBounds returns the geographic extent actually covered by win.
func WindowBounds(bbox orb.Bound, width, height int, win Window) orb.Bound {
	xRes := (bbox.Max[0] - bbox.Min[0]) / float64(width)
	yRes := (bbox.Max[1] - bbox.Min[1]) / float64(height)
	return orb.Bound{
		Min: orb.Point{bbox.Min[0] + float64(win.X0)*xRes, bbox.Max[1] - float64(win.Y1)*yRes},
		Max: orb.Point{bbox.Min[0] + float64(win.X1)*xRes, bbox.Max[1] - float64(win.Y0)*yRes},
	}
}

// IntersectBounds returns the overlap of a and b and whether it is non-empty.
func IntersectBounds(a, b orb.Bound) (orb.Bound, bool) {
	out := orb.Bound{
		Min: orb.Point{math.Max(a.Min[0], b.Min[0]), math.Max(a.Min[1], b.Min[1])},
		Max: orb.Point{math.Min(a.Max[0], b.Max[0]), math.Min(a.Max[1], b.Max[1])},
	}
	if !(out.Min[0] < out.Max[0]) || !(out.Min[1] < out.Max[1]) {
		return orb.Bound{}, false
	}
	return out, true
}
