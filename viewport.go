package cogview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// ErrSuperseded is returned when a newer viewport request started before this one finished.
// The result of the superseded request has been discarded.
var ErrSuperseded = errors.New("superseded by a newer request")

// ImageLayer is what the map displays: an RGBA image pinned at four corners.
type ImageLayer struct {
	ID         string
	Image      *image.RGBA
	Corners    [4]orb.Point // north-west, north-east, south-east, south-west
	Generation uint64
}

// MapLayer is the map widget the viewport drives.
type MapLayer interface {
	SetImageLayer(ctx context.Context, layer ImageLayer) error
	UpdateImageLayer(ctx context.Context, layer ImageLayer) error
	// DrawnPolygon returns the geometry the user drew, if any.
	DrawnPolygon() (orb.Geometry, bool)
}

// Viewport keeps a map's image layer in sync with the active dataset and
// visualization parameters. Last request wins twice over: a Load is superseded
// only by a newer Load, and a render is dropped once any newer render has started,
// including the one a committed Load starts.
type Viewport struct {
	layer   MapLayer
	loadGen atomic.Uint64
	gen     atomic.Uint64 // render generation

	mu       sync.Mutex
	renderer *Renderer
	band     int
	params   Params
	layerID  string
	shownID  string // layer currently on the map
}

// NewViewport creates a viewport drawing into layer with DefaultParams.
func NewViewport(layer MapLayer) *Viewport {
	return &Viewport{layer: layer, params: DefaultParams()}
}

// Dataset returns the active dataset, or nil before the first Load.
func (v *Viewport) Dataset() *RasterDataset {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.renderer == nil {
		return nil
	}
	return v.renderer.Dataset()
}

// Params returns the current visualization parameters.
func (v *Viewport) Params() Params {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params
}

// Band returns the displayed band index.
func (v *Viewport) Band() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.band
}

// Load obtains a dataset from source and makes it the active one, replacing the
// previous dataset wholesale, then draws band 0.
func (v *Viewport) Load(ctx context.Context, source func(context.Context) (*RasterDataset, error)) error {
	load := v.loadGen.Add(1)
	ds, err := source(ctx)
	if v.loadGen.Load() != load {
		return ErrSuperseded
	}
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.loadGen.Load() != load {
		v.mu.Unlock()
		return ErrSuperseded
	}
	v.renderer = NewRenderer(ds)
	v.band = 0
	v.layerID = uuid.NewString()
	gen := v.gen.Add(1)
	v.mu.Unlock()

	return v.redraw(ctx, gen)
}

// SetBand switches the displayed band.
func (v *Viewport) SetBand(ctx context.Context, band int) error {
	gen := v.gen.Add(1)
	v.mu.Lock()
	if v.renderer == nil {
		v.mu.Unlock()
		return fmt.Errorf("no dataset loaded")
	}
	if _, err := v.renderer.Dataset().Band(band); err != nil {
		v.mu.Unlock()
		return err
	}
	v.band = band
	v.mu.Unlock()
	return v.redraw(ctx, gen)
}

// SetParams replaces the visualization parameters and recolors without re-decoding.
func (v *Viewport) SetParams(ctx context.Context, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	gen := v.gen.Add(1)
	v.mu.Lock()
	v.params = p
	loaded := v.renderer != nil
	v.mu.Unlock()
	if !loaded {
		return nil
	}
	return v.redraw(ctx, gen)
}

// DrawnBBox returns the envelope of the user-drawn polygon.
func (v *Viewport) DrawnBBox() (orb.Bound, error) {
	g, ok := v.layer.DrawnPolygon()
	if !ok {
		return orb.Bound{}, &ExtractionError{Kind: ErrInvalidBBox, Detail: "nothing drawn"}
	}
	return EnvelopeOf(g)
}

// redraw renders outside the lock and publishes only if gen is still current.
func (v *Viewport) redraw(ctx context.Context, gen uint64) error {
	v.mu.Lock()
	renderer, band, params, id := v.renderer, v.band, v.params, v.layerID
	v.mu.Unlock()

	img, err := renderer.Render(band, params)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen.Load() != gen {
		return ErrSuperseded
	}

	layer := ImageLayer{
		ID:         id,
		Image:      img,
		Corners:    renderer.Dataset().Corners(),
		Generation: gen,
	}
	// a new dataset gets a new layer; recoloring updates the existing one
	if v.shownID != id {
		err = v.layer.SetImageLayer(ctx, layer)
	} else {
		err = v.layer.UpdateImageLayer(ctx, layer)
	}
	if err != nil {
		return fmt.Errorf("failed to publish image layer: %w", err)
	}
	v.shownID = id
	return nil
}
