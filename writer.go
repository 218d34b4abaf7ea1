package cogview

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
)

const defaultStripBytes = 64 * 1024

// WriterOptions control EncodeGeoTIFF. The zero value writes uncompressed strips of
// about 64 KiB in EPSG:4326.
type WriterOptions struct {
	Compression  uint16 // CompressionNone or CompressionDeflate
	RowsPerStrip int
	EPSG         int
	Citation     string // defaults to "WGS 84" for EPSG:4326
}

// ifdEntry is one tag of an IFD being written, with its value already encoded.
type ifdEntry struct {
	id    uint16
	typ   DataType
	count uint32
	data  []byte
}

var le = binary.LittleEndian

func shortEntry(id uint16, values ...uint16) ifdEntry {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		le.PutUint16(data[i*2:], v)
	}
	return ifdEntry{id: id, typ: DTShort, count: uint32(len(values)), data: data}
}

func longEntry(id uint16, values ...uint32) ifdEntry {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		le.PutUint32(data[i*4:], v)
	}
	return ifdEntry{id: id, typ: DTLong, count: uint32(len(values)), data: data}
}

func doubleEntry(id uint16, values ...float64) ifdEntry {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		le.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return ifdEntry{id: id, typ: DTDouble, count: uint32(len(values)), data: data}
}

func asciiEntry(id uint16, s string) ifdEntry {
	data := append([]byte(s), 0)
	return ifdEntry{id: id, typ: DTASCII, count: uint32(len(data)), data: data}
}

// EncodeGeoTIFF writes res as a standalone little-endian GeoTIFF: one float32 band
// in strips, with pixel scale, tie-point, GeoKey directory and GDAL no-data tags.
func EncodeGeoTIFF(res *ExtractionResult, opts WriterOptions) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteGeoTIFF(&buf, res, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteGeoTIFF is EncodeGeoTIFF writing to w.
func WriteGeoTIFF(w io.Writer, res *ExtractionResult, opts WriterOptions) error {
	if res.Width <= 0 || res.Height <= 0 || len(res.Samples) != res.Width*res.Height {
		return fmt.Errorf("invalid extraction: %dx%d with %d samples", res.Width, res.Height, len(res.Samples))
	}
	if opts.Compression == 0 {
		opts.Compression = CompressionNone
	}
	if opts.Compression != CompressionNone && opts.Compression != CompressionDeflate {
		return fmt.Errorf("unsupported output compression %s", CompressionName(opts.Compression))
	}
	if opts.EPSG < 0 {
		return fmt.Errorf("invalid EPSG code %d", opts.EPSG)
	}
	if opts.EPSG == 0 {
		opts.EPSG = EPSGWGS84
		if code, err := ParseEPSGCode(res.CRS); err == nil {
			opts.EPSG = code
		}
	}
	if opts.Citation == "" && opts.EPSG == EPSGWGS84 {
		opts.Citation = "WGS 84"
	}

	rowBytes := res.Width * 4
	rows := opts.RowsPerStrip
	if rows <= 0 {
		rows = max(1, defaultStripBytes/rowBytes)
	}
	rows = min(rows, res.Height)

	strips, err := encodeStrips(res, rows, opts.Compression)
	if err != nil {
		return err
	}

	counts := make([]uint32, len(strips))
	for i, s := range strips {
		counts[i] = uint32(len(s))
	}

	entries := []ifdEntry{
		longEntry(TagImageWidth, uint32(res.Width)),
		longEntry(TagImageLength, uint32(res.Height)),
		shortEntry(TagBitsPerSample, 32),
		shortEntry(TagCompression, opts.Compression),
		shortEntry(TagPhotometricInterpretation, 1), // BlackIsZero
		longEntry(TagStripOffsets, make([]uint32, len(strips))...),
		shortEntry(TagSamplesPerPixel, 1),
		longEntry(TagRowsPerStrip, uint32(rows)),
		longEntry(TagStripByteCounts, counts...),
		shortEntry(TagPlanarConfiguration, 1),
		shortEntry(TagSampleFormat, 3), // IEEE float
		doubleEntry(TagModelPixelScale, res.PixelScale[0], res.PixelScale[1], 0),
		doubleEntry(TagModelTiepoint,
			res.TiePoint.PixelX, res.TiePoint.PixelY, res.TiePoint.PixelZ,
			res.TiePoint.GeoX, res.TiePoint.GeoY, res.TiePoint.GeoZ),
		asciiEntry(TagGDALNoData, strconv.FormatFloat(res.NoData, 'f', -1, 64)),
	}
	keys, ascii := geoKeyDirectory(opts.EPSG, opts.Citation)
	entries = append(entries, shortEntry(TagGeoKeyDirectory, keys...))
	if ascii != "" {
		entries = append(entries, asciiEntry(TagGeoAsciiParams, ascii))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	// layout: header, IFD, out-of-line values, strip data
	const ifdOffset = 8
	next := uint32(ifdOffset + 2 + 12*len(entries) + 4)
	valueOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			valueOffsets[i] = next
			next += uint32(len(e.data))
			next += next & 1 // word alignment
		}
	}

	offsets := make([]uint32, len(strips))
	for i, s := range strips {
		offsets[i] = next
		next += uint32(len(s))
	}
	for i := range entries {
		if entries[i].id == TagStripOffsets {
			entries[i] = longEntry(TagStripOffsets, offsets...)
		}
	}

	out := make([]byte, 0, next)
	out = append(out, 'I', 'I')
	out = le.AppendUint16(out, tiffVersion)
	out = le.AppendUint32(out, ifdOffset)

	out = le.AppendUint16(out, uint16(len(entries)))
	for i, e := range entries {
		out = le.AppendUint16(out, e.id)
		out = le.AppendUint16(out, uint16(e.typ))
		out = le.AppendUint32(out, e.count)
		if len(e.data) > 4 {
			out = le.AppendUint32(out, valueOffsets[i])
		} else {
			var inline [4]byte
			copy(inline[:], e.data)
			out = append(out, inline[:]...)
		}
	}
	out = le.AppendUint32(out, 0) // no further IFDs

	for _, e := range entries {
		if len(e.data) > 4 {
			out = append(out, e.data...)
			if len(out)&1 == 1 {
				out = append(out, 0)
			}
		}
	}
	for _, s := range strips {
		out = append(out, s...)
	}

	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("failed to write GeoTIFF: %w", err)
	}
	return nil
}

// geoKeyDirectory returns the GeoKeyDirectory shorts and GeoAsciiParams for epsg.
// Codes 4000-4999 are written as geographic, everything else as projected. Codes
// that do not fit a GeoKey short are written as user-defined with a citation.
func geoKeyDirectory(epsg int, citation string) ([]uint16, string) {
	type key struct{ id, location, count, value uint16 }
	var keys []key
	var ascii string

	if epsg >= 4000 && epsg < 5000 {
		keys = append(keys,
			key{GTModelTypeGeoKey, geoKeyLocationInline, 1, GTModelTypeGeographic},
			key{GTRasterTypeGeoKey, geoKeyLocationInline, 1, GTRasterTypePixelIsArea},
			key{GeographicTypeGeoKey, geoKeyLocationInline, 1, uint16(epsg)},
		)
		if citation != "" {
			ascii = citation + "|"
			keys = append(keys, key{GeogCitationGeoKey, TagGeoAsciiParams, uint16(len(ascii)), 0})
		}
		keys = append(keys, key{GeogAngularUnitsGeoKey, geoKeyLocationInline, 1, GeogAngularUnitDegree})
	} else if epsg <= math.MaxUint16 {
		keys = append(keys,
			key{GTModelTypeGeoKey, geoKeyLocationInline, 1, GTModelTypeProjected},
			key{GTRasterTypeGeoKey, geoKeyLocationInline, 1, GTRasterTypePixelIsArea},
			key{ProjectedCSTypeGeoKey, geoKeyLocationInline, 1, uint16(epsg)},
		)
	} else {
		if citation == "" {
			citation = fmt.Sprintf("EPSG:%d", epsg)
		}
		ascii = citation + "|"
		keys = append(keys,
			key{GTModelTypeGeoKey, geoKeyLocationInline, 1, GTModelTypeProjected},
			key{GTRasterTypeGeoKey, geoKeyLocationInline, 1, GTRasterTypePixelIsArea},
			key{ProjectedCSTypeGeoKey, geoKeyLocationInline, 1, userDefinedGeoKeyValue},
			key{PCSCitationGeoKey, TagGeoAsciiParams, uint16(len(ascii)), 0},
		)
	}

	dir := []uint16{geoKeyDirectoryVersion, geoKeyRevisionMajor, geoKeyRevisionMinor, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k.id, k.location, k.count, k.value)
	}
	return dir, ascii
}

// encodeStrips serializes the samples little-endian, rows at a time, optionally deflated.
func encodeStrips(res *ExtractionResult, rows int, compression uint16) ([][]byte, error) {
	rowBytes := res.Width * 4
	var strips [][]byte
	for y := 0; y < res.Height; y += rows {
		n := min(rows, res.Height-y)
		raw := make([]byte, n*rowBytes)
		for i, v := range res.Samples[y*res.Width : (y+n)*res.Width] {
			le.PutUint32(raw[i*4:], math.Float32bits(v))
		}

		if compression == CompressionDeflate {
			var zbuf bytes.Buffer
			zw := zlib.NewWriter(&zbuf)
			if _, err := zw.Write(raw); err != nil {
				return nil, fmt.Errorf("failed to deflate strip: %w", err)
			}
			if err := zw.Close(); err != nil {
				return nil, fmt.Errorf("failed to deflate strip: %w", err)
			}
			raw = zbuf.Bytes()
		}
		strips = append(strips, raw)
	}
	return strips, nil
}
