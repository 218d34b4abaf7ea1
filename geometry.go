package cogview

import (
	"github.com/paulmach/orb"
)

// PolygonFromBounds creates a closed polygon from a bounding box
func PolygonFromBounds(bound orb.Bound) orb.Polygon {
	if bound.IsEmpty() {
		return orb.Polygon{}
	}

	ring := orb.Ring{
		{bound.Min[0], bound.Max[1]}, // north-west
		{bound.Max[0], bound.Max[1]}, // north-east
		{bound.Max[0], bound.Min[1]}, // south-east
		{bound.Min[0], bound.Min[1]}, // south-west
		{bound.Min[0], bound.Max[1]}, // close ring
	}

	return orb.Polygon{ring}
}

// CornerPoints returns the four corners of bound in the order an image layer
// expects them: north-west, north-east, south-east, south-west.
func CornerPoints(bound orb.Bound) [4]orb.Point {
	return [4]orb.Point{
		{bound.Min[0], bound.Max[1]},
		{bound.Max[0], bound.Max[1]},
		{bound.Max[0], bound.Min[1]},
		{bound.Min[0], bound.Min[1]},
	}
}

// EnvelopeOf returns the bounding box of a user-drawn geometry.
func EnvelopeOf(g orb.Geometry) (orb.Bound, error) {
	if g == nil {
		return orb.Bound{}, &ExtractionError{Kind: ErrInvalidBBox, Detail: "no geometry"}
	}
	b := g.Bound()
	if err := ValidateBBox(b); err != nil {
		return orb.Bound{}, err
	}
	return b, nil
}

// PointFromPixel converts a pixel position of raster r to a geographic point
func (r *Raster) PointFromPixel(x, y float64) orb.Point {
	geoX, geoY := r.geo.PixelToGeo(x, y)
	return orb.Point{geoX, geoY}
}

// PixelFromPoint converts a geographic point to (possibly out-of-range) pixel coordinates
func (r *Raster) PixelFromPoint(point orb.Point) (int, int) {
	geoWidth := r.bounds.Max[0] - r.bounds.Min[0]
	geoHeight := r.bounds.Max[1] - r.bounds.Min[1]

	pixelX := int((point[0] - r.bounds.Min[0]) / geoWidth * float64(r.layout.Width))
	pixelY := int((r.bounds.Max[1] - point[1]) / geoHeight * float64(r.layout.Height)) // Y is inverted

	return pixelX, pixelY
}
