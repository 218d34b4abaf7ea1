package cogview

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
)

// testTag is one IFD entry of a fixture with its value already encoded.
type testTag struct {
	id    uint16
	typ   DataType
	count uint32
	data  []byte
}

// testImage describes one IFD of a fixture file.
type testImage struct {
	width, height int
	bands         int
	format        SampleFormat
	compression   uint16
	predictor     uint16
	planar        uint16
	tileW, tileH  int // zero for strips
	rowsPerStrip  int // zero for one strip
	subfileType   uint32
	sampleFormat  uint16 // overrides the SampleFormat tag derived from format

	// blocks are the strip or tile payloads in file order, already compressed
	blocks [][]byte
	// sparse marks blocks written with offset and byte count 0
	sparse map[int]bool
	// byteCounts, when set, replaces the byte counts of the written blocks
	byteCounts []uint32

	bbox   orb.Bound // zero leaves the image without georeference
	epsg   int
	noData string
	extra  []testTag
}

// buildTIFF serializes images into a classic TIFF using order.
func buildTIFF(t testing.TB, order binary.ByteOrder, images ...testImage) []byte {
	t.Helper()

	var buf bytes.Buffer
	if order == binary.LittleEndian {
		buf.WriteString("II")
	} else {
		buf.WriteString("MM")
	}
	binary.Write(&buf, order, uint16(42))
	binary.Write(&buf, order, uint32(0)) // patched below

	align := func() {
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	var ifdOffsets []int
	var nextPointers []int
	for _, img := range images {
		offsets := make([]uint32, len(img.blocks))
		counts := make([]uint32, len(img.blocks))
		for i, b := range img.blocks {
			if img.sparse[i] {
				continue
			}
			align()
			offsets[i] = uint32(buf.Len())
			counts[i] = uint32(len(b))
			buf.Write(b)
		}
		if img.byteCounts != nil {
			counts = img.byteCounts
		}

		tags := imageTags(order, img, offsets, counts)
		sort.Slice(tags, func(i, j int) bool { return tags[i].id < tags[j].id })

		valueOffsets := make([]uint32, len(tags))
		for i, tag := range tags {
			if len(tag.data) > 4 {
				align()
				valueOffsets[i] = uint32(buf.Len())
				buf.Write(tag.data)
			}
		}

		align()
		ifdOffsets = append(ifdOffsets, buf.Len())
		binary.Write(&buf, order, uint16(len(tags)))
		for i, tag := range tags {
			binary.Write(&buf, order, tag.id)
			binary.Write(&buf, order, uint16(tag.typ))
			binary.Write(&buf, order, tag.count)
			if len(tag.data) > 4 {
				binary.Write(&buf, order, valueOffsets[i])
			} else {
				var inline [4]byte
				copy(inline[:], tag.data)
				buf.Write(inline[:])
			}
		}
		nextPointers = append(nextPointers, buf.Len())
		binary.Write(&buf, order, uint32(0))
	}

	out := buf.Bytes()
	order.PutUint32(out[4:], uint32(ifdOffsets[0]))
	for i := 0; i+1 < len(images); i++ {
		order.PutUint32(out[nextPointers[i]:], uint32(ifdOffsets[i+1]))
	}
	return out
}

func imageTags(order binary.ByteOrder, img testImage, offsets, counts []uint32) []testTag {
	bands := max(img.bands, 1)
	bits := make([]uint16, bands)
	formats := make([]uint16, bands)
	for i := range bits {
		bits[i] = uint16(img.format.BytesPerSample() * 8)
		formats[i] = tiffSampleFormat(img.format)
		if img.sampleFormat != 0 {
			formats[i] = img.sampleFormat
		}
	}

	tags := []testTag{
		longTag(order, TagImageWidth, uint32(img.width)),
		longTag(order, TagImageLength, uint32(img.height)),
		shortTag(order, TagBitsPerSample, bits...),
		shortTag(order, TagSamplesPerPixel, uint16(bands)),
		shortTag(order, TagSampleFormat, formats...),
		shortTag(order, TagPhotometricInterpretation, 1),
	}
	if img.compression != 0 {
		tags = append(tags, shortTag(order, TagCompression, img.compression))
	}
	if img.predictor != 0 {
		tags = append(tags, shortTag(order, TagPredictor, img.predictor))
	}
	if img.planar != 0 {
		tags = append(tags, shortTag(order, TagPlanarConfiguration, img.planar))
	}
	if img.subfileType != 0 {
		tags = append(tags, longTag(order, TagNewSubfileType, img.subfileType))
	}

	if img.tileW > 0 {
		tags = append(tags,
			shortTag(order, TagTileWidth, uint16(img.tileW)),
			shortTag(order, TagTileLength, uint16(img.tileH)),
			longTag(order, TagTileOffsets, offsets...),
			longTag(order, TagTileByteCounts, counts...),
		)
	} else {
		tags = append(tags,
			longTag(order, TagStripOffsets, offsets...),
			longTag(order, TagStripByteCounts, counts...),
		)
		if img.rowsPerStrip > 0 {
			tags = append(tags, longTag(order, TagRowsPerStrip, uint32(img.rowsPerStrip)))
		}
	}

	if img.bbox != (orb.Bound{}) {
		b := img.bbox
		tags = append(tags,
			doubleTag(order, TagModelPixelScale,
				(b.Max[0]-b.Min[0])/float64(img.width), (b.Max[1]-b.Min[1])/float64(img.height), 0),
			doubleTag(order, TagModelTiepoint, 0, 0, 0, b.Min[0], b.Max[1], 0),
		)
		epsg := img.epsg
		if epsg == 0 {
			epsg = EPSGWGS84
		}
		tags = append(tags, shortTag(order, TagGeoKeyDirectory,
			1, 1, 0, 2,
			GTModelTypeGeoKey, 0, 1, GTModelTypeGeographic,
			GeographicTypeGeoKey, 0, 1, uint16(epsg),
		))
	}
	if img.noData != "" {
		tags = append(tags, asciiTag(TagGDALNoData, img.noData))
	}
	return append(tags, img.extra...)
}

func tiffSampleFormat(f SampleFormat) uint16 {
	switch f {
	case FormatInt8, FormatInt16, FormatInt32:
		return 2
	case FormatFloat32, FormatFloat64:
		return 3
	default:
		return 1
	}
}

func shortTag(order binary.ByteOrder, id uint16, values ...uint16) testTag {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		order.PutUint16(data[i*2:], v)
	}
	return testTag{id: id, typ: DTShort, count: uint32(len(values)), data: data}
}

func longTag(order binary.ByteOrder, id uint16, values ...uint32) testTag {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		order.PutUint32(data[i*4:], v)
	}
	return testTag{id: id, typ: DTLong, count: uint32(len(values)), data: data}
}

func doubleTag(order binary.ByteOrder, id uint16, values ...float64) testTag {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		order.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return testTag{id: id, typ: DTDouble, count: uint32(len(values)), data: data}
}

func asciiTag(id uint16, s string) testTag {
	data := append([]byte(s), 0)
	return testTag{id: id, typ: DTASCII, count: uint32(len(data)), data: data}
}

// encodeSamples encodes values as format samples in order.
func encodeSamples(order binary.ByteOrder, format SampleFormat, values []float64) []byte {
	size := format.BytesPerSample()
	out := make([]byte, size*len(values))
	for i, v := range values {
		p := out[i*size:]
		switch format {
		case FormatUint8:
			p[0] = uint8(v)
		case FormatInt8:
			p[0] = uint8(int8(v))
		case FormatUint16:
			order.PutUint16(p, uint16(v))
		case FormatInt16:
			order.PutUint16(p, uint16(int16(v)))
		case FormatUint32:
			order.PutUint32(p, uint32(v))
		case FormatInt32:
			order.PutUint32(p, uint32(int32(v)))
		case FormatFloat32:
			order.PutUint32(p, math.Float32bits(float32(v)))
		case FormatFloat64:
			order.PutUint64(p, math.Float64bits(v))
		}
	}
	return out
}

// ramp returns n values start, start+1, ...
func ramp(n int, start float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)
	}
	return out
}

func zlibBytes(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t testing.TB, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// lzwLiterals encodes data as TIFF LZW using only literal codes: Clear, the bytes,
// then EndOfInformation, all 9 bits wide MSB-first. len(data) must stay below 250
// so the code width never grows.
func lzwLiterals(data []byte) []byte {
	codes := make([]uint16, 0, len(data)+2)
	codes = append(codes, 256)
	for _, b := range data {
		codes = append(codes, uint16(b))
	}
	codes = append(codes, 257)

	var out []byte
	var acc uint32
	var nbits uint
	for _, c := range codes {
		acc = acc<<9 | uint32(c)
		nbits += 9
		for nbits >= 8 {
			out = append(out, byte(acc>>(nbits-8)))
			nbits -= 8
		}
	}
	if nbits > 0 {
		out = append(out, byte(acc<<(8-nbits)))
	}
	return out
}

// packBits encodes data as PackBits: runs of three or more equal bytes become
// repeat packets, everything else literal packets.
func packBits(data []byte) []byte {
	var out []byte
	for i := 0; i < len(data); {
		run := 1
		for i+run < len(data) && run < 128 && data[i+run] == data[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(int8(1-run)), data[i])
			i += run
			continue
		}
		start := i
		for i < len(data) && i-start < 128 {
			if i+2 < len(data) && data[i] == data[i+1] && data[i] == data[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, data[start:i]...)
	}
	return out
}

// simpleStripImage is a single-band, single-strip, uncompressed georeferenced image.
func simpleStripImage(order binary.ByteOrder, format SampleFormat, width, height int, values []float64, bbox orb.Bound) testImage {
	return testImage{
		width:  width,
		height: height,
		bands:  1,
		format: format,
		blocks: [][]byte{encodeSamples(order, format, values)},
		bbox:   bbox,
	}
}

func assertBand(t *testing.T, b Band, want []float64) {
	t.Helper()
	if b.Len() != len(want) {
		t.Fatalf("band has %d samples, want %d", b.Len(), len(want))
	}
	for i, w := range want {
		if got := b.At(i); got != w {
			t.Fatalf("sample %d = %v, want %v", i, got, w)
		}
	}
}
