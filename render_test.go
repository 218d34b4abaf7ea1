package cogview

import (
	"bytes"
	"image/png"
	"testing"
)

func gradientDataset(width, height int) *RasterDataset {
	b := make(Samples[float32], width*height)
	for i := range b {
		b[i] = float32(i % 101)
	}
	return &RasterDataset{
		Width:  width,
		Height: height,
		BBox:   BBox(0, 0, float64(width), float64(height)),
		Bands:  []Band{b},
	}
}

func TestRenderDimensionsAndAlpha(t *testing.T) {
	ds := gradientDataset(7, 3)
	p := DefaultParams()
	p.Opacity = 0.5

	img, err := Render(ds, 0, p)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if img.Rect.Dx() != 7 || img.Rect.Dy() != 3 {
		t.Fatalf("Expected 7x3 image, got %v", img.Rect)
	}
	if len(img.Pix) != 7*3*4 {
		t.Fatalf("Expected %d bytes of RGBA, got %d", 7*3*4, len(img.Pix))
	}
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 128 {
			t.Fatalf("Expected alpha 128 at byte %d, got %d", i, img.Pix[i])
		}
	}

	// sample 0 is the minimum, sample 20 the maximum
	if c := img.RGBAAt(0, 0); c.R != 0 {
		t.Errorf("Expected the minimum to be black, got %v", c)
	}
	if c := img.RGBAAt(6, 2); c.R != 255 {
		t.Errorf("Expected the maximum to be white, got %v", c)
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	// tall enough to be split across workers
	ds := gradientDataset(33, 300)
	p := DefaultParams()
	p.Scheme = SchemeThermal
	p.Gamma = 1.7

	r := NewRenderer(ds)
	first, err := r.Render(0, p)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	second, err := r.Render(0, p)
	if err != nil {
		t.Fatalf("second Render failed: %v", err)
	}
	if !bytes.Equal(first.Pix, second.Pix) {
		t.Error("Expected identical output for identical params")
	}

	oneShot, err := Render(ds, 0, p)
	if err != nil {
		t.Fatalf("one-shot Render failed: %v", err)
	}
	if !bytes.Equal(first.Pix, oneShot.Pix) {
		t.Error("Expected the cached renderer to match a fresh one")
	}
}

func TestRenderByteLUTMatchesGenericPath(t *testing.T) {
	const width, height = 16, 16
	u8 := make(Samples[uint8], width*height)
	f64 := make(Samples[float64], width*height)
	for i := range u8 {
		u8[i] = uint8(i)
		f64[i] = float64(i)
	}

	p := DefaultParams()
	p.Scheme = SchemeRainbow
	p.Contrast = 1.3
	p.Saturation = 0.8

	render := func(b Band) []byte {
		ds := &RasterDataset{Width: width, Height: height, BBox: BBox(0, 0, 1, 1), Bands: []Band{b}}
		img, err := Render(ds, 0, p)
		if err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		return img.Pix
	}

	if !bytes.Equal(render(u8), render(f64)) {
		t.Error("Expected the uint8 lookup table to match per-sample colorizing")
	}
}

func TestRenderFlatBand(t *testing.T) {
	b := Samples[int16]{7, 7, 7, 7}
	ds := &RasterDataset{Width: 2, Height: 2, BBox: BBox(0, 0, 1, 1), Bands: []Band{b}}
	p := DefaultParams()
	p.Scheme = SchemeTerrain

	img, err := Render(ds, 0, p)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 || img.Pix[i+1] != 0 || img.Pix[i+2] != 255 {
			t.Fatalf("Expected a flat band to render as the scheme's low end, got %v", img.Pix[i:i+4])
		}
	}
}

func TestRenderErrors(t *testing.T) {
	ds := gradientDataset(4, 4)
	if _, err := Render(ds, 1, DefaultParams()); err == nil {
		t.Error("Expected an error for a missing band")
	}
	p := DefaultParams()
	p.Opacity = 2
	if _, err := Render(ds, 0, p); err == nil {
		t.Error("Expected an error for invalid params")
	}

	short := &RasterDataset{Width: 4, Height: 4, Bands: []Band{Samples[uint8]{1, 2}}}
	if _, err := Render(short, 0, DefaultParams()); err == nil {
		t.Error("Expected an error when the band does not fill the raster")
	}
}

func TestPreviewPNG(t *testing.T) {
	img, err := Render(gradientDataset(400, 100), 0, DefaultParams())
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	data, err := PreviewPNG(img, 200)
	if err != nil {
		t.Fatalf("PreviewPNG failed: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to decode preview: %v", err)
	}
	if size := decoded.Bounds().Size(); size.X != 200 || size.Y != 50 {
		t.Errorf("Expected a 200x50 preview, got %v", size)
	}

	full, err := PreviewPNG(img, 0)
	if err != nil {
		t.Fatalf("PreviewPNG without limit failed: %v", err)
	}
	decoded, err = png.Decode(bytes.NewReader(full))
	if err != nil {
		t.Fatalf("Failed to decode full PNG: %v", err)
	}
	if size := decoded.Bounds().Size(); size.X != 400 || size.Y != 100 {
		t.Errorf("Expected the full 400x100 image, got %v", size)
	}
}
