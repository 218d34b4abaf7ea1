package cogview

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"runtime"
	"sync"

	"github.com/nfnt/resize"
)

// minRowsPerWorker keeps small images on one goroutine.
const minRowsPerWorker = 64

// Renderer recolors one immutable dataset. The normalization domain of each band
// is computed once and reused, so changing Params never rescans samples.
type Renderer struct {
	ds *RasterDataset

	mu    sync.Mutex
	stats map[int]Statistics
}

// NewRenderer creates a renderer for ds.
func NewRenderer(ds *RasterDataset) *Renderer {
	return &Renderer{ds: ds, stats: make(map[int]Statistics)}
}

// Dataset returns the dataset being rendered.
func (r *Renderer) Dataset() *RasterDataset { return r.ds }

// Statistics returns the cached normalization domain of band.
func (r *Renderer) Statistics(band int) (Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stats[band]; ok {
		return st, nil
	}
	st, err := r.ds.BandStatistics(band)
	if err != nil {
		return Statistics{}, err
	}
	r.stats[band] = st
	return st, nil
}

// Render colors band with p into a width x height RGBA image, row 0 north.
func (r *Renderer) Render(band int, p Params) (*image.RGBA, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	b, err := r.ds.Band(band)
	if err != nil {
		return nil, err
	}
	if b.Len() != r.ds.Width*r.ds.Height {
		return nil, fmt.Errorf("band %d holds %d samples, want %dx%d", band, b.Len(), r.ds.Width, r.ds.Height)
	}
	st, err := r.Statistics(band)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, r.ds.Width, r.ds.Height))
	colorRows(img, b, st, p)
	return img, nil
}

// Render is a one-shot NewRenderer(ds).Render(band, p).
func Render(ds *RasterDataset, band int, p Params) (*image.RGBA, error) {
	return NewRenderer(ds).Render(band, p)
}

// colorRows fills img from b, splitting rows across workers.
func colorRows(img *image.RGBA, b Band, st Statistics, p Params) {
	width, height := img.Rect.Dx(), img.Rect.Dy()
	alpha := p.Alpha()
	lut := byteLUT(b, st, p)

	paint := func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+width*4]
			base := y * width
			for x := 0; x < width; x++ {
				var c RGB
				if lut != nil {
					c = lut[byteIndex(b, base+x)]
				} else {
					c = Colorize(st.Normalize(b.At(base+x)), p)
				}
				px := row[x*4 : x*4+4 : x*4+4]
				px[0], px[1], px[2], px[3] = c.R, c.G, c.B, alpha
			}
		}
	}

	workers := min(runtime.NumCPU(), height/minRowsPerWorker)
	if workers <= 1 {
		paint(0, height)
		return
	}

	var wg sync.WaitGroup
	step := (height + workers - 1) / workers
	for y := 0; y < height; y += step {
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			paint(y0, y1)
		}(y, min(y+step, height))
	}
	wg.Wait()
}

// byteLUT precomputes all 256 colors of an 8-bit band, or returns nil for wider formats.
func byteLUT(b Band, st Statistics, p Params) []RGB {
	var offset float64
	switch b.Format() {
	case FormatUint8:
	case FormatInt8:
		offset = -128
	default:
		return nil
	}
	lut := make([]RGB, 256)
	for i := range lut {
		lut[i] = Colorize(st.Normalize(float64(i)+offset), p)
	}
	return lut
}

func byteIndex(b Band, i int) int {
	if s, ok := b.(Samples[uint8]); ok {
		return int(s[i])
	}
	return int(b.(Samples[int8])[i]) + 128
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return nil
}

// PreviewPNG encodes img as PNG, first shrinking it so neither side exceeds maxDim.
// maxDim <= 0 keeps the full size.
func PreviewPNG(img image.Image, maxDim int) ([]byte, error) {
	size := img.Bounds().Size()
	if maxDim > 0 && (size.X > maxDim || size.Y > maxDim) {
		img = resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Bilinear)
	}
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
