package cogview

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/paulmach/orb"
)

// recordingLayer is a MapLayer that remembers what it was asked to show.
type recordingLayer struct {
	mu      sync.Mutex
	sets    []ImageLayer
	updates []ImageLayer
	drawn   orb.Geometry
}

func (l *recordingLayer) SetImageLayer(_ context.Context, layer ImageLayer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets = append(l.sets, layer)
	return nil
}

func (l *recordingLayer) UpdateImageLayer(_ context.Context, layer ImageLayer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, layer)
	return nil
}

func (l *recordingLayer) DrawnPolygon() (orb.Geometry, bool) {
	return l.drawn, l.drawn != nil
}

func staticSource(ds *RasterDataset) func(context.Context) (*RasterDataset, error) {
	return func(context.Context) (*RasterDataset, error) { return ds, nil }
}

func TestViewportLoadAndRecolor(t *testing.T) {
	layer := &recordingLayer{}
	vp := NewViewport(layer)
	ctx := context.Background()

	ds := gradientDataset(8, 4)
	ds.BBox = BBox(10, 20, 30, 40)
	if err := vp.Load(ctx, staticSource(ds)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(layer.sets) != 1 || len(layer.updates) != 0 {
		t.Fatalf("Expected one new layer, got %d sets and %d updates", len(layer.sets), len(layer.updates))
	}
	first := layer.sets[0]
	if first.ID == "" {
		t.Error("Expected the layer to have an ID")
	}
	if first.Image.Rect.Dx() != 8 || first.Image.Rect.Dy() != 4 {
		t.Errorf("Expected an 8x4 image, got %v", first.Image.Rect)
	}
	if first.Corners != CornerPoints(ds.BBox) {
		t.Errorf("Expected corners of %v, got %v", ds.BBox, first.Corners)
	}
	if vp.Dataset() != ds || vp.Band() != 0 {
		t.Error("Expected the loaded dataset to be active on band 0")
	}

	p := DefaultParams()
	p.Scheme = SchemeThermal
	if err := vp.SetParams(ctx, p); err != nil {
		t.Fatalf("SetParams failed: %v", err)
	}
	if len(layer.sets) != 1 || len(layer.updates) != 1 {
		t.Fatalf("Expected recoloring to update the layer in place, got %d sets and %d updates",
			len(layer.sets), len(layer.updates))
	}
	if layer.updates[0].ID != first.ID {
		t.Errorf("Expected the update to reuse layer %s, got %s", first.ID, layer.updates[0].ID)
	}
	if layer.updates[0].Generation <= first.Generation {
		t.Error("Expected generations to increase")
	}
	if vp.Params().Scheme != SchemeThermal {
		t.Error("Expected the new params to be kept")
	}

	// a new dataset replaces the layer
	if err := vp.Load(ctx, staticSource(gradientDataset(3, 3))); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if len(layer.sets) != 2 {
		t.Fatalf("Expected a second new layer, got %d sets", len(layer.sets))
	}
	if layer.sets[1].ID == first.ID {
		t.Error("Expected a new dataset to get a new layer ID")
	}
}

func TestViewportSetParamsBeforeLoad(t *testing.T) {
	layer := &recordingLayer{}
	vp := NewViewport(layer)

	p := DefaultParams()
	p.Gamma = 2
	if err := vp.SetParams(context.Background(), p); err != nil {
		t.Fatalf("SetParams failed: %v", err)
	}
	if len(layer.sets)+len(layer.updates) != 0 {
		t.Error("Expected nothing to be drawn without a dataset")
	}

	p.Opacity = -1
	if err := vp.SetParams(context.Background(), p); err == nil {
		t.Error("Expected invalid params to be rejected")
	}
	if vp.Params().Gamma != 2 {
		t.Error("Expected rejected params not to replace the current ones")
	}
}

func TestViewportSetBand(t *testing.T) {
	layer := &recordingLayer{}
	vp := NewViewport(layer)
	ctx := context.Background()

	if err := vp.SetBand(ctx, 0); err == nil {
		t.Error("Expected an error before any dataset is loaded")
	}

	ds := gradientDataset(4, 4)
	ds.Bands = append(ds.Bands, Samples[uint8](make([]uint8, 16)))
	if err := vp.Load(ctx, staticSource(ds)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := vp.SetBand(ctx, 1); err != nil {
		t.Fatalf("SetBand failed: %v", err)
	}
	if vp.Band() != 1 || len(layer.updates) != 1 {
		t.Errorf("Expected band 1 drawn as an update, got band %d with %d updates", vp.Band(), len(layer.updates))
	}
	if err := vp.SetBand(ctx, 2); err == nil {
		t.Error("Expected an error for a missing band")
	}
	if vp.Band() != 1 {
		t.Error("Expected a failed SetBand to keep the current band")
	}
}

func TestViewportLastRequestWins(t *testing.T) {
	layer := &recordingLayer{}
	vp := NewViewport(layer)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := gradientDataset(5, 5)
	fast := gradientDataset(2, 2)

	done := make(chan error, 1)
	go func() {
		done <- vp.Load(ctx, func(context.Context) (*RasterDataset, error) {
			close(entered)
			<-release
			return slow, nil
		})
	}()

	<-entered
	if err := vp.Load(ctx, staticSource(fast)); err != nil {
		t.Fatalf("newer Load failed: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Expected the older Load to be superseded, got %v", err)
	}
	if vp.Dataset() != fast {
		t.Error("Expected the newer dataset to stay active")
	}
	if len(layer.sets) != 1 || layer.sets[0].Image.Rect.Dx() != 2 {
		t.Errorf("Expected only the newer dataset to be drawn, got %d layers", len(layer.sets))
	}
}

func TestViewportRecolorDuringLoad(t *testing.T) {
	layer := &recordingLayer{}
	vp := NewViewport(layer)
	ctx := context.Background()

	old := gradientDataset(4, 4)
	if err := vp.Load(ctx, staticSource(old)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	upload := gradientDataset(6, 3)
	done := make(chan error, 1)
	go func() {
		done <- vp.Load(ctx, func(context.Context) (*RasterDataset, error) {
			close(entered)
			<-release
			return upload, nil
		})
	}()

	<-entered
	p := DefaultParams()
	p.Scheme = SchemeThermal
	if err := vp.SetParams(ctx, p); err != nil {
		t.Fatalf("SetParams during Load failed: %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Expected the upload to survive a recolor, got %v", err)
	}
	if vp.Dataset() != upload {
		t.Fatal("Expected the uploaded dataset to be active")
	}
	if vp.Params().Scheme != SchemeThermal {
		t.Error("Expected the recolor params to be kept")
	}
	if len(layer.sets) != 2 || layer.sets[1].Image.Rect.Dx() != 6 {
		t.Fatalf("Expected the upload to be drawn as a new layer, got %d layers", len(layer.sets))
	}
	if len(layer.updates) != 1 || layer.updates[0].Generation >= layer.sets[1].Generation {
		t.Errorf("Expected the recolor to be published before the upload, got %d updates", len(layer.updates))
	}
}

func TestViewportLoadError(t *testing.T) {
	layer := &recordingLayer{}
	vp := NewViewport(layer)

	failure := errors.New("corrupt upload")
	err := vp.Load(context.Background(), func(context.Context) (*RasterDataset, error) {
		return nil, failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Expected the source error, got %v", err)
	}
	if vp.Dataset() != nil || len(layer.sets) != 0 {
		t.Error("Expected a failed load to leave the viewport empty")
	}
}

func TestViewportDrawnBBox(t *testing.T) {
	layer := &recordingLayer{}
	vp := NewViewport(layer)

	if _, err := vp.DrawnBBox(); !errors.Is(err, ErrInvalidBBox) {
		t.Errorf("Expected ErrInvalidBBox with nothing drawn, got %v", err)
	}

	layer.drawn = PolygonFromBounds(BBox(70, 10, 90, 30))
	got, err := vp.DrawnBBox()
	if err != nil {
		t.Fatalf("DrawnBBox failed: %v", err)
	}
	if got != BBox(70, 10, 90, 30) {
		t.Errorf("Expected [70 10 90 30], got %v", got)
	}
}
