package cogview

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestPixelWindowFor(t *testing.T) {
	bbox := BBox(68, 8, 97, 35)

	tests := []struct {
		name      string
		requested orb.Bound
		want      Window
	}{
		{"inside", BBox(70, 10, 90, 30), Window{X0: 20, Y0: 50, X1: 220, Y1: 250}},
		{"whole raster", bbox, Window{X0: 0, Y0: 0, X1: 290, Y1: 270}},
		{"larger than raster", BBox(0, 0, 180, 90), Window{X0: 0, Y0: 0, X1: 290, Y1: 270}},
		{"overlaps north-west", BBox(60, 30, 70, 40), Window{X0: 0, Y0: 0, X1: 20, Y1: 50}},
		{"sub-pixel", BBox(70.01, 10.01, 70.02, 10.02), Window{X0: 20, Y0: 249, X1: 21, Y1: 250}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PixelWindowFor(bbox, 290, 270, tt.requested)
			if err != nil {
				t.Fatalf("PixelWindowFor failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestPixelWindowForErrors(t *testing.T) {
	bbox := BBox(68, 8, 97, 35)

	tests := []struct {
		name      string
		requested orb.Bound
		want      error
	}{
		{"disjoint", BBox(0, 0, 10, 5), ErrEmptyIntersection},
		{"touching east edge", BBox(97, 10, 100, 20), ErrEmptyIntersection},
		{"inverted", BBox(90, 10, 70, 30), ErrInvalidBBox},
		{"degenerate", BBox(70, 10, 70, 30), ErrInvalidBBox},
		{"NaN", BBox(math.NaN(), 10, 90, 30), ErrInvalidBBox},
		{"infinite", BBox(70, 10, math.Inf(1), 30), ErrInvalidBBox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PixelWindowFor(bbox, 290, 270, tt.requested)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			var ee *ExtractionError
			if !errors.As(err, &ee) {
				t.Errorf("Expected *ExtractionError, got %T", err)
			}
		})
	}
}

func TestWindowBounds(t *testing.T) {
	bbox := BBox(68, 8, 97, 35)
	got := WindowBounds(bbox, 290, 270, Window{X0: 20, Y0: 50, X1: 220, Y1: 250})
	if want := BBox(70, 10, 90, 30); !boundsClose(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func boundsClose(a, b orb.Bound) bool {
	for i, v := range BBoxArray(a) {
		if math.Abs(v-BBoxArray(b)[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestIntersectBounds(t *testing.T) {
	got, ok := IntersectBounds(BBox(0, 0, 10, 10), BBox(5, -5, 15, 5))
	if !ok || got != BBox(5, 0, 10, 5) {
		t.Errorf("Expected [5 0 10 5], got %v (%v)", got, ok)
	}
	if _, ok := IntersectBounds(BBox(0, 0, 1, 1), BBox(1, 0, 2, 1)); ok {
		t.Error("Expected boxes sharing only an edge not to intersect")
	}
}

func TestEnvelopeOfDrawnGeometry(t *testing.T) {
	poly := orb.Polygon{orb.Ring{{70, 10}, {90, 12}, {85, 30}, {72, 25}, {70, 10}}}
	got, err := EnvelopeOf(poly)
	if err != nil {
		t.Fatalf("EnvelopeOf failed: %v", err)
	}
	if want := BBox(70, 10, 90, 30); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if _, err := EnvelopeOf(orb.Point{1, 2}); !errors.Is(err, ErrInvalidBBox) {
		t.Errorf("Expected a point to be rejected as a box, got %v", err)
	}
	if _, err := EnvelopeOf(nil); !errors.Is(err, ErrInvalidBBox) {
		t.Errorf("Expected nil geometry to be rejected, got %v", err)
	}
}

func TestPolygonFromBounds(t *testing.T) {
	poly := PolygonFromBounds(BBox(1, 2, 3, 4))
	if len(poly) != 1 || len(poly[0]) != 5 {
		t.Fatalf("Expected one closed ring of 5 points, got %v", poly)
	}
	if poly[0][0] != poly[0][4] {
		t.Error("Expected the ring to be closed")
	}
	if poly.Bound() != BBox(1, 2, 3, 4) {
		t.Errorf("Expected polygon bound [1 2 3 4], got %v", poly.Bound())
	}

	corners := CornerPoints(BBox(1, 2, 3, 4))
	want := [4]orb.Point{{1, 4}, {3, 4}, {3, 2}, {1, 2}}
	if corners != want {
		t.Errorf("Expected NW, NE, SE, SW corners %v, got %v", want, corners)
	}
}
