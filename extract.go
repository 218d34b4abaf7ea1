package cogview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// DefaultNoData is written for samples that were NaN or equal to the source no-data value.
const DefaultNoData = -9999

// ExtractionResult is a cropped single-band raster ready to be written out.
type ExtractionResult struct {
	Band      int
	Window    Window // pixel window in the source raster
	Width     int
	Height    int
	Samples   Samples[float32]
	BBox      orb.Bound // requested box clipped to the source extent
	Requested orb.Bound

	// Georeferencing of the output: pixel (0,0) sits at TiePoint.
	PixelScale [2]float64
	TiePoint   TiePoint
	CRS        string
	NoData     float64
}

// Extract crops band of an in-memory dataset to requested.
func Extract(ds *RasterDataset, band int, requested orb.Bound) (*ExtractionResult, error) {
	b, err := ds.Band(band)
	if err != nil {
		return nil, err
	}
	win, err := PixelWindowFor(ds.BBox, ds.Width, ds.Height, requested)
	if err != nil {
		return nil, err
	}
	return newExtraction(band, win, b.crop(ds.Width, win), ds.BBox, requested, ds.CRS, ds.NoData), nil
}

// ExtractRaster crops band of a lazily read raster, reading only the strips or tiles
// that intersect requested.
func ExtractRaster(r *Raster, band int, requested orb.Bound) (*ExtractionResult, error) {
	win, err := PixelWindowFor(r.Bounds(), r.Width(), r.Height(), requested)
	if err != nil {
		return nil, err
	}
	b, err := r.ReadWindow(band, win)
	if err != nil {
		return nil, err
	}
	return newExtraction(band, win, b, r.Bounds(), requested, r.CRS(), r.NoData()), nil
}

// ExtractRemote crops band of the object stored under key. Stores implementing
// RangeOpener are read with ranged requests; others are fetched whole. Storage
// failures are reported as ExtractionError{SourceUnavailable} wrapping the StorageError.
func ExtractRemote(ctx context.Context, store ObjectStore, key string, band int, requested orb.Bound) (*ExtractionResult, error) {
	if err := ValidateBBox(requested); err != nil {
		return nil, err
	}

	var r *Raster
	if ro, ok := store.(RangeOpener); ok {
		src, _, err := ro.OpenRange(ctx, key)
		if err != nil {
			return nil, &ExtractionError{Kind: ErrSourceUnavailable, Detail: key, Err: err}
		}
		if c, ok := src.(io.Closer); ok {
			defer c.Close()
		}
		if r, err = OpenRaster(src); err != nil {
			return nil, sourceErr(key, err)
		}
	} else {
		data, err := store.FetchObject(ctx, key)
		if err != nil {
			return nil, &ExtractionError{Kind: ErrSourceUnavailable, Detail: key, Err: err}
		}
		if r, err = OpenRaster(bytes.NewReader(data)); err != nil {
			return nil, err
		}
	}

	res, err := ExtractRaster(r, band, requested)
	if err != nil {
		return nil, sourceErr(key, err)
	}
	return res, nil
}

// sourceErr reports storage failures hit while reading a remote raster as an
// unavailable source.
func sourceErr(key string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return &ExtractionError{Kind: ErrSourceUnavailable, Detail: key, Err: err}
	}
	return err
}

func newExtraction(band int, win Window, b Band, bbox, requested orb.Bound, crs string, nodata *float64) *ExtractionResult {
	samples := make(Samples[float32], b.Len())
	for i := range samples {
		v := b.At(i)
		if math.IsNaN(v) || (nodata != nil && v == *nodata) {
			v = DefaultNoData
		}
		samples[i] = float32(v)
	}

	clipped, _ := IntersectBounds(bbox, requested)
	w, h := win.Width(), win.Height()
	rw, rs, re, rn := requested.Min[0], requested.Min[1], requested.Max[0], requested.Max[1]

	return &ExtractionResult{
		Band:      band,
		Window:    win,
		Width:     w,
		Height:    h,
		Samples:   samples,
		BBox:      clipped,
		Requested: requested,
		PixelScale: [2]float64{
			(re - rw) / float64(w),
			(rn - rs) / float64(h),
		},
		TiePoint: TiePoint{GeoX: rw, GeoY: rn},
		CRS:      crs,
		NoData:   DefaultNoData,
	}
}

// SuggestedFilename returns region_<band>_<west>_<south>_<east>_<north>.tiff.
func SuggestedFilename(band int, bbox orb.Bound) string {
	parts := []string{"region", strconv.Itoa(band)}
	for _, v := range BBoxArray(bbox) {
		parts = append(parts, strconv.FormatFloat(v, 'f', -1, 64))
	}
	return strings.Join(parts, "_") + ".tiff"
}

// ParseBBox parses "west,south,east,north".
func ParseBBox(s string) (orb.Bound, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return orb.Bound{}, &ExtractionError{Kind: ErrInvalidBBox, Detail: fmt.Sprintf("want west,south,east,north, got %q", s)}
	}
	var v [4]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return orb.Bound{}, &ExtractionError{Kind: ErrInvalidBBox, Detail: s, Err: err}
		}
		v[i] = x
	}
	b := BBox(v[0], v[1], v[2], v[3])
	if err := ValidateBBox(b); err != nil {
		return orb.Bound{}, err
	}
	return b, nil
}
