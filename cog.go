package cogview

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/bits"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/paulmach/orb"
	"golang.org/x/exp/mmap"
)

// subfile type bits of TagNewSubfileType
const (
	subfileReducedImage = 1
	subfileMask         = 4
)

const defaultBlockCacheSize = 64

// blockLayout describes how the pixels of one IFD are split into strips or tiles.
// Strips are treated as tiles that span the full image width.
type blockLayout struct {
	Width, Height  int
	Bands          int
	Format         SampleFormat
	Compression    uint16
	Predictor      int
	Planar         int
	BlockW, BlockH int
	tiled          bool
	offsets        []uint32
	counts         []uint32
	jpegTables     []byte
}

func (l *blockLayout) across() int  { return (l.Width + l.BlockW - 1) / l.BlockW }
func (l *blockLayout) down() int    { return (l.Height + l.BlockH - 1) / l.BlockH }
func (l *blockLayout) perBand() int { return l.across() * l.down() }

func (l *blockLayout) blockCount() int {
	if l.Planar == 2 {
		return l.perBand() * l.Bands
	}
	return l.perBand()
}

// blockIndex returns the strip or tile index holding band at block column bx, row by.
func (l *blockLayout) blockIndex(band, bx, by int) int {
	idx := by*l.across() + bx
	if l.Planar == 2 {
		idx += band * l.perBand()
	}
	return idx
}

// blockRows returns the number of rows actually stored in block row by. The last
// strip is shortened; tiles are always padded to full height.
func (l *blockLayout) blockRows(by int) int {
	if l.tiled {
		return l.BlockH
	}
	return min(l.BlockH, l.Height-by*l.BlockH)
}

// samplesPerBlockPixel is the number of interleaved samples per pixel inside one block.
func (l *blockLayout) samplesPerBlockPixel() int {
	if l.Planar == 2 {
		return 1
	}
	return l.Bands
}

// pixelStride is the byte distance between consecutive pixels of a block.
func (l *blockLayout) pixelStride() int {
	return l.samplesPerBlockPixel() * l.Format.BytesPerSample()
}

func (l *blockLayout) decodedSize(idx int) int {
	by := (idx % l.perBand()) / l.across()
	return l.BlockW * l.blockRows(by) * l.pixelStride()
}

// Raster is a lazily read GeoTIFF. Only the directory and georeferencing are parsed
// on open; strips and tiles are read, decompressed and cached on demand.
type Raster struct {
	reader    io.ReadSeeker
	closer    io.Closer
	tiff      *TIFFReader
	ifd       *IFD
	layout    blockLayout
	geo       *GeoMetadata
	bounds    orb.Bound
	overviews []*Raster
	cache     *lru.Cache
	mu        *sync.Mutex // guards reader, shared with overviews
}

// RasterInfo summarizes a raster without reading pixel data.
type RasterInfo struct {
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Bands       int          `json:"bands"`
	Format      string       `json:"format"`
	Compression string       `json:"compression"`
	Tiled       bool         `json:"tiled"`
	BlockWidth  int          `json:"block_width"`
	BlockHeight int          `json:"block_height"`
	Overviews   int          `json:"overviews"`
	BBox        [4]float64   `json:"bbox"`
	Corners     [4]orb.Point `json:"corners"`
	CRS         string       `json:"crs,omitempty"`
	NoData      *float64     `json:"nodata,omitempty"`
}

// OpenRaster parses the header, main image directory and overviews of r.
func OpenRaster(r io.ReadSeeker) (*Raster, error) {
	tr, err := NewTIFFReader(r)
	if err != nil {
		return nil, err
	}

	// the main image is the first full-resolution, non-mask directory
	mainIndex := -1
	for i := 0; i < tr.IFDCount(); i++ {
		if tr.GetIFD(i).Uint(TagNewSubfileType, 0)&(subfileReducedImage|subfileMask) == 0 {
			mainIndex = i
			break
		}
	}
	if mainIndex < 0 {
		return nil, decodeErr(ErrInvalidFormat, "no full-resolution image directory")
	}

	ifd := tr.GetIFD(mainIndex)
	layout, err := parseLayout(tr, ifd)
	if err != nil {
		return nil, err
	}

	geo, err := readGeoMetadata(ifd)
	if err != nil {
		return nil, err
	}
	bounds, err := geo.Bounds(layout.Width, layout.Height)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New(defaultBlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}

	raster := &Raster{
		reader: r,
		tiff:   tr,
		ifd:    ifd,
		layout: layout,
		geo:    geo,
		bounds: bounds,
		cache:  cache,
		mu:     &sync.Mutex{},
	}

	for i := mainIndex + 1; i < tr.IFDCount(); i++ {
		ovIFD := tr.GetIFD(i)
		if ovIFD.Uint(TagNewSubfileType, 0)&subfileMask != 0 {
			continue
		}
		ov, err := raster.overview(ovIFD)
		if err != nil {
			return nil, fmt.Errorf("failed to read overview %d: %w", len(raster.overviews), err)
		}
		raster.overviews = append(raster.overviews, ov)
	}

	return raster, nil
}

// OpenFile memory-maps a local GeoTIFF and opens it. Close releases the mapping.
func OpenFile(path string) (*Raster, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	r, err := OpenRaster(io.NewSectionReader(ra, 0, int64(ra.Len())))
	if err != nil {
		ra.Close()
		return nil, err
	}
	r.closer = ra
	return r, nil
}

// Decode parses a complete GeoTIFF held in memory and reads every band.
func Decode(data []byte) (*RasterDataset, error) {
	r, err := OpenRaster(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return r.ReadAll()
}

// Close releases the underlying source when the raster owns it.
func (r *Raster) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// overview builds a view over a reduced-resolution directory sharing r's source.
// Georeferencing is taken from the main image and rescaled.
func (r *Raster) overview(ifd *IFD) (*Raster, error) {
	layout, err := parseLayout(r.tiff, ifd)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(defaultBlockCacheSize)
	if err != nil {
		return nil, err
	}

	sx := float64(r.layout.Width) / float64(layout.Width)
	sy := float64(r.layout.Height) / float64(layout.Height)
	geo := *r.geo
	geo.PixelScale[0] *= sx
	geo.PixelScale[1] *= sy
	if geo.hasTransformation() {
		geo.Transformation[0] *= sx
		geo.Transformation[4] *= sx
		geo.Transformation[1] *= sy
		geo.Transformation[5] *= sy
	}

	return &Raster{
		reader: r.reader,
		tiff:   r.tiff,
		ifd:    ifd,
		layout: layout,
		geo:    &geo,
		bounds: r.bounds,
		cache:  cache,
		mu:     r.mu,
	}, nil
}

// parseLayout validates the image structure tags of ifd and loads its block arrays.
func parseLayout(tr *TIFFReader, ifd *IFD) (blockLayout, error) {
	l := blockLayout{
		Width:       int(ifd.Uint(TagImageWidth, 0)),
		Height:      int(ifd.Uint(TagImageLength, 0)),
		Bands:       int(ifd.Uint(TagSamplesPerPixel, 1)),
		Compression: uint16(ifd.Uint(TagCompression, CompressionNone)),
		Predictor:   int(ifd.Uint(TagPredictor, 1)),
		Planar:      int(ifd.Uint(TagPlanarConfiguration, 1)),
	}
	if l.Width <= 0 || l.Height <= 0 {
		return l, decodeErr(ErrInvalidFormat, "image dimensions %dx%d", l.Width, l.Height)
	}
	if l.Bands <= 0 {
		return l, decodeErr(ErrInvalidFormat, "samples per pixel %d", l.Bands)
	}
	if l.Planar != 1 && l.Planar != 2 {
		return l, decodeErr(ErrInvalidFormat, "planar configuration %d", l.Planar)
	}
	bits := ifd.Uints(TagBitsPerSample)
	if len(bits) == 0 {
		bits = []uint32{1}
	}
	for _, b := range bits[1:] {
		if b != bits[0] {
			return l, decodeErr(ErrUnsupported, "mixed bits per sample %v", bits)
		}
	}
	format, err := sampleFormatFor(ifd.Uint(TagSampleFormat, 1), bits[0])
	if err != nil {
		return l, err
	}
	l.Format = format

	if l.Compression == CompressionJPEG {
		if l.Format != FormatUint8 || l.Planar != 1 || (l.Bands != 1 && l.Bands != 3) {
			return l, decodeErr(ErrUnsupported, "JPEG with %d %s samples, planar %d", l.Bands, l.Format, l.Planar)
		}
		l.jpegTables = ifd.Bytes(TagJPEGTables)
	}

	offTag, countTag := uint16(TagStripOffsets), uint16(TagStripByteCounts)
	if _, ok := ifd.Tags[TagTileWidth]; ok {
		l.tiled = true
		l.BlockW = int(ifd.Uint(TagTileWidth, 0))
		l.BlockH = int(ifd.Uint(TagTileLength, 0))
		offTag, countTag = TagTileOffsets, TagTileByteCounts
	} else {
		l.BlockW = l.Width
		l.BlockH = int(min(ifd.Uint(TagRowsPerStrip, uint32(l.Height)), uint32(l.Height)))
	}
	if l.BlockW <= 0 || l.BlockH <= 0 {
		return l, decodeErr(ErrInvalidFormat, "block size %dx%d", l.BlockW, l.BlockH)
	}

	for _, id := range []uint16{offTag, countTag} {
		if _, ok := ifd.Tags[id]; !ok {
			return l, decodeErr(ErrInvalidFormat, "missing tag %d", id)
		}
		if err := tr.ReadTagValue(ifd, id); err != nil {
			return l, err
		}
	}
	l.offsets = ifd.Uints(offTag)
	l.counts = ifd.Uints(countTag)

	need := l.blockCount()
	if len(l.offsets) < need || len(l.counts) < need {
		return l, decodeErr(ErrTruncatedData, "%d blocks declared, %d offsets and %d byte counts present",
			need, len(l.offsets), len(l.counts))
	}
	if size := tr.Size(); size >= 0 {
		for i := 0; i < need; i++ {
			if int64(l.offsets[i])+int64(l.counts[i]) > size {
				return l, decodeErr(ErrTruncatedData, "block %d ends at %d, file has %d bytes",
					i, int64(l.offsets[i])+int64(l.counts[i]), size)
			}
		}
	}
	if err := l.checkSizes(); err != nil {
		return l, err
	}

	return l, nil
}

// MaxSparseBytes caps the decoded size of the sparse blocks of one image. Sparse
// blocks are stored as zero bytes, so nothing else bounds what they declare.
var MaxSparseBytes int64 = 1 << 30

// maxCompressionRatio bounds how far one compressed block may expand.
const maxCompressionRatio = 1 << 20

// checkSizes rejects layouts whose declared dimensions are not backed by the
// bytes in the file.
func (l *blockLayout) checkSizes() error {
	bps := uint64(l.Format.BytesPerSample())
	total, ok := mulSize(uint64(l.Width), uint64(l.Height), uint64(l.Bands), bps)
	if !ok {
		return decodeErr(ErrTruncatedData, "%dx%d with %d bands overflows", l.Width, l.Height, l.Bands)
	}
	if _, ok := mulSize(uint64(l.BlockW), uint64(l.BlockH), uint64(l.pixelStride())); !ok {
		return decodeErr(ErrTruncatedData, "block size %dx%d overflows", l.BlockW, l.BlockH)
	}

	var sparse int64
	for i := 0; i < l.blockCount(); i++ {
		count := int64(l.counts[i])
		want := int64(l.decodedSize(i))
		switch {
		case count == 0:
			sparse += want
		case l.Compression == CompressionNone && count < want:
			return decodeErr(ErrTruncatedData, "block %d has %d bytes, %d expected", i, count, want)
		case want/maxCompressionRatio > count:
			return decodeErr(ErrTruncatedData, "block %d declares %d bytes from %d stored", i, want, count)
		}
	}
	if sparse > MaxSparseBytes {
		return decodeErr(ErrTruncatedData, "%d of %d decoded bytes are in sparse blocks", sparse, total)
	}
	return nil
}

// mulSize multiplies factors, reporting false when the product does not fit an int.
func mulSize(factors ...uint64) (int64, bool) {
	product := uint64(1)
	for _, f := range factors {
		hi, lo := bits.Mul64(product, f)
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		product = lo
	}
	return int64(product), true
}

func sampleFormatFor(sampleFormat, bits uint32) (SampleFormat, error) {
	switch sampleFormat {
	case 1, 4: // unsigned, undefined
		switch bits {
		case 8:
			return FormatUint8, nil
		case 16:
			return FormatUint16, nil
		case 32:
			return FormatUint32, nil
		}
	case 2:
		switch bits {
		case 8:
			return FormatInt8, nil
		case 16:
			return FormatInt16, nil
		case 32:
			return FormatInt32, nil
		}
	case 3:
		switch bits {
		case 32:
			return FormatFloat32, nil
		case 64:
			return FormatFloat64, nil
		}
	}
	return 0, decodeErr(ErrUnsupported, "sample format %d with %d bits", sampleFormat, bits)
}

// Width returns the width of the image in pixels
func (r *Raster) Width() int { return r.layout.Width }

// Height returns the height of the image in pixels
func (r *Raster) Height() int { return r.layout.Height }

// BandCount returns the number of bands
func (r *Raster) BandCount() int { return r.layout.Bands }

// Format returns the sample format shared by every band
func (r *Raster) Format() SampleFormat { return r.layout.Format }

// Bounds returns the geographic bounding box
func (r *Raster) Bounds() orb.Bound { return r.bounds }

// CRS returns the coordinate reference system as "EPSG:<code>", or "" when unknown
func (r *Raster) CRS() string { return r.geo.CRS }

// NoData returns the GDAL no-data value, if the file declares one
func (r *Raster) NoData() *float64 { return r.geo.NoData }

// OverviewCount returns the number of reduced-resolution images
func (r *Raster) OverviewCount() int { return len(r.overviews) }

// Overview returns overview level i (0 is the largest).
func (r *Raster) Overview(i int) (*Raster, error) {
	if i < 0 || i >= len(r.overviews) {
		return nil, fmt.Errorf("overview %d out of range [0,%d)", i, len(r.overviews))
	}
	return r.overviews[i], nil
}

// OverviewFor returns the smallest image whose larger side is still at least maxDim
// pixels, falling back to the full-resolution image.
func (r *Raster) OverviewFor(maxDim int) *Raster {
	best := r
	for _, ov := range r.overviews {
		if max(ov.layout.Width, ov.layout.Height) >= maxDim {
			best = ov
		}
	}
	return best
}

// Info summarizes the raster.
func (r *Raster) Info() RasterInfo {
	return RasterInfo{
		Width:       r.layout.Width,
		Height:      r.layout.Height,
		Bands:       r.layout.Bands,
		Format:      r.layout.Format.String(),
		Compression: CompressionName(r.layout.Compression),
		Tiled:       r.layout.tiled,
		BlockWidth:  r.layout.BlockW,
		BlockHeight: r.layout.BlockH,
		Overviews:   len(r.overviews),
		BBox:        BBoxArray(r.bounds),
		Corners:     CornerPoints(r.bounds),
		CRS:         r.geo.CRS,
		NoData:      r.geo.NoData,
	}
}

// CompressionName returns a readable name for a TIFF compression code.
func CompressionName(c uint16) string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZW:
		return "lzw"
	case CompressionJPEG:
		return "jpeg"
	case CompressionDeflate, CompressionDeflateOld:
		return "deflate"
	case CompressionPackBits:
		return "packbits"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", c)
	}
}

// ReadBand reads band i at full resolution.
func (r *Raster) ReadBand(i int) (Band, error) {
	return r.ReadWindow(i, FullWindow(r.layout.Width, r.layout.Height))
}

// ReadWindow reads the pixels of band i inside win. The window is clipped to the image.
func (r *Raster) ReadWindow(i int, win Window) (Band, error) {
	bands, err := r.readWindow([]int{i}, win)
	if err != nil {
		return nil, err
	}
	return bands[0], nil
}

// ReadAll decodes every band into a RasterDataset with exact per-band statistics.
func (r *Raster) ReadAll() (*RasterDataset, error) {
	all := make([]int, r.layout.Bands)
	for i := range all {
		all[i] = i
	}
	bands, err := r.readWindow(all, FullWindow(r.layout.Width, r.layout.Height))
	if err != nil {
		return nil, err
	}

	ds := &RasterDataset{
		Width:  r.layout.Width,
		Height: r.layout.Height,
		BBox:   r.bounds,
		Bands:  bands,
		Stats:  make([]Statistics, len(bands)),
		CRS:    r.geo.CRS,
		NoData: r.geo.NoData,
	}
	for i, b := range bands {
		ds.Stats[i] = ComputeStatistics(b, ds.NoData)
	}
	return ds, nil
}

// readWindow fills one buffer per requested band. Blocks are processed one block row
// at a time so peak memory stays at one row of decoded blocks plus the output.
func (r *Raster) readWindow(bands []int, win Window) ([]Band, error) {
	l := &r.layout
	for _, b := range bands {
		if b < 0 || b >= l.Bands {
			return nil, fmt.Errorf("band %d out of range [0,%d)", b, l.Bands)
		}
	}
	win = win.Intersect(FullWindow(l.Width, l.Height))
	if win.Empty() {
		return nil, &ExtractionError{Kind: ErrEmptyIntersection, Detail: "pixel window outside image"}
	}

	out := make([]Band, len(bands))
	for i := range out {
		out[i] = NewBand(l.Format, win.Width()*win.Height())
	}

	bx0, bx1 := win.X0/l.BlockW, (win.X1-1)/l.BlockW
	by0, by1 := win.Y0/l.BlockH, (win.Y1-1)/l.BlockH

	for by := by0; by <= by1; by++ {
		var indices []int
		for bx := bx0; bx <= bx1; bx++ {
			if l.Planar == 2 {
				for _, b := range bands {
					indices = append(indices, l.blockIndex(b, bx, by))
				}
			} else {
				indices = append(indices, l.blockIndex(0, bx, by))
			}
		}

		blocks, err := r.readBlocks(indices)
		if err != nil {
			return nil, err
		}

		for bx := bx0; bx <= bx1; bx++ {
			for i, b := range bands {
				data := blocks[l.blockIndex(b, bx, by)]
				r.copyBlock(out[i], win, b, bx, by, data)
			}
		}
	}

	return out, nil
}

// copyBlock copies the part of band inside win from one decoded block into out.
// Sparse blocks (nil data) leave the output zeroed.
func (r *Raster) copyBlock(out Band, win Window, band, bx, by int, data []byte) {
	if data == nil {
		return
	}
	l := &r.layout
	ox, oy := bx*l.BlockW, by*l.BlockH
	part := win.Intersect(Window{X0: ox, Y0: oy, X1: ox + l.BlockW, Y1: oy + l.blockRows(by)})
	if part.Empty() {
		return
	}

	stride := l.pixelStride()
	sampleOffset := 0
	if l.Planar == 1 {
		sampleOffset = band * l.Format.BytesPerSample()
	}

	for y := part.Y0; y < part.Y1; y++ {
		src := ((y-oy)*l.BlockW+(part.X0-ox))*stride + sampleOffset
		dst := (y-win.Y0)*win.Width() + (part.X0 - win.X0)
		out.fill(dst, data[src:], stride, part.Width(), r.tiff.byteOrder)
	}
}

// blockWork is one strip or tile moving through read and decode.
type blockWork struct {
	index      int
	compressed []byte
	decoded    []byte
	err        error
}

// readBlocks returns decoded blocks by index, consulting the block cache first.
// Compressed data is read sequentially, then decompressed in parallel.
func (r *Raster) readBlocks(indices []int) (map[int][]byte, error) {
	result := make(map[int][]byte, len(indices))
	var work []*blockWork
	for _, idx := range indices {
		if _, done := result[idx]; done {
			continue
		}
		if v, ok := r.cache.Get(idx); ok {
			result[idx] = v.([]byte)
			continue
		}
		result[idx] = nil
		work = append(work, &blockWork{index: idx})
	}
	if len(work) == 0 {
		return result, nil
	}

	release := func() {
		for _, w := range work {
			if w.compressed != nil {
				PutBuffer(w.compressed)
				w.compressed = nil
			}
		}
	}

	// Phase 1: read compressed data (I/O bound, single reader)
	r.mu.Lock()
	for _, w := range work {
		size := int(r.layout.counts[w.index])
		if size == 0 {
			continue // sparse block
		}
		w.compressed = GetBuffer(size)
		if err := r.tiff.readAt(int64(r.layout.offsets[w.index]), w.compressed); err != nil {
			r.mu.Unlock()
			release()
			return nil, fmt.Errorf("failed to read block %d: %w", w.index, err)
		}
	}
	r.mu.Unlock()

	// Phase 2: decompress (CPU bound)
	numWorkers := min(runtime.NumCPU(), len(work))
	if numWorkers <= 1 || r.layout.Compression == CompressionNone {
		for _, w := range work {
			r.decodeWork(w)
		}
	} else {
		var wg sync.WaitGroup
		workChan := make(chan *blockWork, len(work))
		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for w := range workChan {
					r.decodeWork(w)
				}
			}()
		}
		for _, w := range work {
			workChan <- w
		}
		close(workChan)
		wg.Wait()
	}

	for _, w := range work {
		if w.err != nil {
			return nil, fmt.Errorf("failed to decode block %d: %w", w.index, w.err)
		}
		if w.decoded != nil {
			r.cache.Add(w.index, w.decoded)
		}
		result[w.index] = w.decoded
	}
	return result, nil
}

func (r *Raster) decodeWork(w *blockWork) {
	if w.compressed == nil {
		return
	}
	w.decoded, w.err = r.decodeBlock(w.index, w.compressed)
	PutBuffer(w.compressed)
	w.compressed = nil
}

// decodeBlock decompresses one block and undoes its predictor.
func (r *Raster) decodeBlock(idx int, compressed []byte) ([]byte, error) {
	l := &r.layout
	expected := l.decodedSize(idx)
	rows := expected / (l.BlockW * l.pixelStride())

	if l.Compression == CompressionJPEG {
		return decodeJPEGBlock(compressed, l.jpegTables, l.BlockW, rows, l.Bands)
	}

	data, err := decompressBlock(compressed, l.Compression, expected)
	if err != nil {
		return nil, err
	}
	if l.Compression == CompressionNone {
		// compressed is a pooled buffer
		data = append([]byte(nil), data...)
	}

	if err := applyPredictor(data, l.Predictor, l.BlockW, rows, l.samplesPerBlockPixel(),
		l.Format.BytesPerSample(), r.tiff.byteOrder); err != nil {
		return nil, err
	}
	return data, nil
}
