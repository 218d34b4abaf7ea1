package cogview

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// TIFF constants
const (
	tiffMagicLE = 0x4949 // "II" little-endian
	tiffMagicBE = 0x4D4D // "MM" big-endian
	tiffVersion = 42
	bigTIFF     = 43

	maxIFDs = 64
)

// Compression types
const (
	CompressionNone       = 1
	CompressionLZW        = 5
	CompressionJPEG       = 6
	CompressionDeflate    = 8
	CompressionPackBits   = 32773
	CompressionDeflateOld = 32946
	CompressionZSTD       = 50000
)

// Baseline and extension tag IDs
const (
	TagNewSubfileType            = 254
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagPlanarConfiguration       = 284
	TagPredictor                 = 317
	TagTileWidth                 = 322
	TagTileLength                = 323
	TagTileOffsets               = 324
	TagTileByteCounts            = 325
	TagSampleFormat              = 339
	TagJPEGTables                = 347
	TagGDALNoData                = 42113
)

// DataType is the TIFF field type of a tag value.
type DataType uint16

const (
	DTByte      DataType = 1  // 8-bit unsigned integer
	DTASCII     DataType = 2  // 8-bit ASCII
	DTShort     DataType = 3  // 16-bit unsigned integer
	DTLong      DataType = 4  // 32-bit unsigned integer
	DTRational  DataType = 5  // Two longs: numerator, denominator
	DTSByte     DataType = 6  // 8-bit signed integer
	DTUndefined DataType = 7  // 8-bit undefined
	DTSShort    DataType = 8  // 16-bit signed integer
	DTSLong     DataType = 9  // 32-bit signed integer
	DTSRational DataType = 10 // Two signed longs
	DTFloat     DataType = 11 // 32-bit IEEE floating point
	DTDouble    DataType = 12 // 64-bit IEEE floating point
)

// Size returns the size in bytes of one value of the type.
func (t DataType) Size() uint32 {
	switch t {
	case DTByte, DTASCII, DTSByte, DTUndefined:
		return 1
	case DTShort, DTSShort:
		return 2
	case DTLong, DTSLong, DTFloat:
		return 4
	case DTRational, DTSRational, DTDouble:
		return 8
	default:
		return 0
	}
}

// Tag is one IFD entry. Value holds []uint32 for unsigned integers, []int32 for
// signed integers, []float64 for floating point and rationals, and string for ASCII.
type Tag struct {
	ID     uint16
	Type   DataType
	Count  uint32
	Offset uint32
	Value  interface{}
	inline [4]byte
}

// IFD represents an Image File Directory
type IFD struct {
	Tags      map[uint16]*Tag
	NextIFD   uint32
	ByteOrder binary.ByteOrder
}

// TIFFReader parses the header and directories of a classic TIFF file.
type TIFFReader struct {
	r         io.ReadSeeker
	size      int64
	byteOrder binary.ByteOrder
	ifds      []*IFD
}

// lazyTags are large arrays that are only read when pixel data is requested.
var lazyTags = map[uint16]bool{
	TagStripOffsets:    true,
	TagStripByteCounts: true,
	TagTileOffsets:     true,
	TagTileByteCounts:  true,
}

// NewTIFFReader reads the header and every IFD of r.
func NewTIFFReader(r io.ReadSeeker) (*TIFFReader, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		size = -1
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind source: %w", err)
	}

	tr := &TIFFReader{r: r, size: size}

	// header: byte order (2) + version (2) + first IFD offset (4)
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, wrapDecodeErr(ErrInvalidFormat, err, "short header")
	}

	switch binary.LittleEndian.Uint16(header[0:2]) {
	case tiffMagicLE:
		tr.byteOrder = binary.LittleEndian
	case tiffMagicBE:
		tr.byteOrder = binary.BigEndian
	default:
		return nil, decodeErr(ErrInvalidFormat, "bad magic 0x%04x", binary.LittleEndian.Uint16(header[0:2]))
	}

	switch version := tr.byteOrder.Uint16(header[2:4]); version {
	case tiffVersion:
	case bigTIFF:
		return nil, decodeErr(ErrUnsupported, "BigTIFF is not supported")
	default:
		return nil, decodeErr(ErrInvalidFormat, "bad version %d", version)
	}

	if err := tr.readIFDs(tr.byteOrder.Uint32(header[4:8])); err != nil {
		return nil, err
	}
	if len(tr.ifds) == 0 {
		return nil, decodeErr(ErrInvalidFormat, "no image directory")
	}

	return tr, nil
}

func (tr *TIFFReader) readIFDs(offset uint32) error {
	seen := make(map[uint32]bool)
	for offset != 0 {
		if seen[offset] || len(tr.ifds) >= maxIFDs {
			return decodeErr(ErrInvalidFormat, "IFD chain loops at offset %d", offset)
		}
		seen[offset] = true

		ifd, err := tr.readIFD(offset)
		if err != nil {
			return err
		}
		tr.ifds = append(tr.ifds, ifd)
		offset = ifd.NextIFD
	}
	return nil
}

// readIFD reads the entry table in one read, then resolves every value that is not a lazy array.
func (tr *TIFFReader) readIFD(offset uint32) (*IFD, error) {
	countBuf := make([]byte, 2)
	if err := tr.readAt(int64(offset), countBuf); err != nil {
		return nil, err
	}
	tagCount := int(tr.byteOrder.Uint16(countBuf))

	// tag entries (12 bytes each) + next IFD offset (4 bytes)
	entries := make([]byte, tagCount*12+4)
	if err := tr.readAt(int64(offset)+2, entries); err != nil {
		return nil, err
	}

	ifd := &IFD{
		Tags:      make(map[uint16]*Tag, tagCount),
		NextIFD:   tr.byteOrder.Uint32(entries[tagCount*12:]),
		ByteOrder: tr.byteOrder,
	}

	for i := 0; i < tagCount; i++ {
		e := entries[i*12 : i*12+12]
		tag := &Tag{
			ID:     tr.byteOrder.Uint16(e[0:2]),
			Type:   DataType(tr.byteOrder.Uint16(e[2:4])),
			Count:  tr.byteOrder.Uint32(e[4:8]),
			Offset: tr.byteOrder.Uint32(e[8:12]),
		}
		copy(tag.inline[:], e[8:12])
		if tag.Type.Size() == 0 {
			continue // unknown field types are skipped
		}
		ifd.Tags[tag.ID] = tag

		if lazyTags[tag.ID] {
			continue
		}
		if err := tr.loadTag(tag); err != nil {
			return nil, err
		}
	}

	return ifd, nil
}

// loadTag resolves tag.Value from the inline field or from the file.
func (tr *TIFFReader) loadTag(tag *Tag) error {
	if tag.Value != nil {
		return nil
	}

	size := uint64(tag.Type.Size()) * uint64(tag.Count)
	var raw []byte
	if size <= 4 {
		raw = tag.inline[:size]
	} else {
		if tr.size >= 0 && int64(tag.Offset)+int64(size) > tr.size {
			return decodeErr(ErrTruncatedData, "tag %d value extends past end of file", tag.ID)
		}
		raw = make([]byte, size)
		if err := tr.readAt(int64(tag.Offset), raw); err != nil {
			return err
		}
	}

	tag.Value = decodeTagValue(tag.Type, tag.Count, raw, tr.byteOrder)
	return nil
}

// ReadTagValue loads a lazily skipped tag (strip/tile offset arrays).
func (tr *TIFFReader) ReadTagValue(ifd *IFD, tagID uint16) error {
	tag, ok := ifd.Tags[tagID]
	if !ok {
		return fmt.Errorf("tag %d not found", tagID)
	}
	return tr.loadTag(tag)
}

func (tr *TIFFReader) readAt(offset int64, buf []byte) error {
	if tr.size >= 0 && offset+int64(len(buf)) > tr.size {
		return decodeErr(ErrTruncatedData, "need %d bytes at offset %d, file has %d", len(buf), offset, tr.size)
	}
	if _, err := tr.r.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to %d: %w", offset, err)
	}
	if _, err := io.ReadFull(tr.r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return wrapDecodeErr(ErrTruncatedData, err, "reading %d bytes at offset %d", len(buf), offset)
		}
		return fmt.Errorf("failed to read %d bytes at offset %d: %w", len(buf), offset, err)
	}
	return nil
}

// decodeTagValue converts raw tag bytes into the normalized Go representation.
func decodeTagValue(typ DataType, count uint32, raw []byte, order binary.ByteOrder) interface{} {
	n := int(count)
	switch typ {
	case DTASCII:
		s := raw
		for len(s) > 0 && s[len(s)-1] == 0 {
			s = s[:len(s)-1]
		}
		return string(s)
	case DTByte, DTUndefined:
		values := make([]uint32, n)
		for i := range values {
			values[i] = uint32(raw[i])
		}
		return values
	case DTShort:
		values := make([]uint32, n)
		for i := range values {
			values[i] = uint32(order.Uint16(raw[i*2:]))
		}
		return values
	case DTLong:
		values := make([]uint32, n)
		for i := range values {
			values[i] = order.Uint32(raw[i*4:])
		}
		return values
	case DTSByte:
		values := make([]int32, n)
		for i := range values {
			values[i] = int32(int8(raw[i]))
		}
		return values
	case DTSShort:
		values := make([]int32, n)
		for i := range values {
			values[i] = int32(int16(order.Uint16(raw[i*2:])))
		}
		return values
	case DTSLong:
		values := make([]int32, n)
		for i := range values {
			values[i] = int32(order.Uint32(raw[i*4:]))
		}
		return values
	case DTFloat:
		values := make([]float64, n)
		for i := range values {
			values[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		}
		return values
	case DTDouble:
		values := make([]float64, n)
		for i := range values {
			values[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
		return values
	case DTRational:
		values := make([]float64, n)
		for i := range values {
			num, den := order.Uint32(raw[i*8:]), order.Uint32(raw[i*8+4:])
			if den != 0 {
				values[i] = float64(num) / float64(den)
			}
		}
		return values
	case DTSRational:
		values := make([]float64, n)
		for i := range values {
			num, den := int32(order.Uint32(raw[i*8:])), int32(order.Uint32(raw[i*8+4:]))
			if den != 0 {
				values[i] = float64(num) / float64(den)
			}
		}
		return values
	default:
		return nil
	}
}

// Bytes returns a BYTE or UNDEFINED tag as raw bytes.
func (ifd *IFD) Bytes(id uint16) []byte {
	vals := ifd.Uints(id)
	if vals == nil {
		return nil
	}
	out := make([]byte, len(vals))
	for i, v := range vals {
		out[i] = byte(v)
	}
	return out
}

// Uints returns an integer-valued tag as uint32s.
func (ifd *IFD) Uints(id uint16) []uint32 {
	tag := ifd.Tags[id]
	if tag == nil {
		return nil
	}
	switch v := tag.Value.(type) {
	case []uint32:
		return v
	case []int32:
		out := make([]uint32, len(v))
		for i, x := range v {
			out[i] = uint32(x)
		}
		return out
	}
	return nil
}

// Uint returns the first value of an integer tag, or def when absent.
func (ifd *IFD) Uint(id uint16, def uint32) uint32 {
	if v := ifd.Uints(id); len(v) > 0 {
		return v[0]
	}
	return def
}

// Floats returns a numeric tag as float64s.
func (ifd *IFD) Floats(id uint16) []float64 {
	tag := ifd.Tags[id]
	if tag == nil {
		return nil
	}
	switch v := tag.Value.(type) {
	case []float64:
		return v
	case []uint32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out
	}
	return nil
}

// String returns an ASCII tag.
func (ifd *IFD) String(id uint16) (string, bool) {
	tag := ifd.Tags[id]
	if tag == nil {
		return "", false
	}
	s, ok := tag.Value.(string)
	return s, ok
}

// GetIFD returns the IFD at the specified index (0 = main image)
func (tr *TIFFReader) GetIFD(index int) *IFD {
	if index < 0 || index >= len(tr.ifds) {
		return nil
	}
	return tr.ifds[index]
}

// IFDCount returns the number of IFDs (main image + overviews)
func (tr *TIFFReader) IFDCount() int {
	return len(tr.ifds)
}

// Size returns the source size in bytes, or -1 when unknown.
func (tr *TIFFReader) Size() int64 {
	return tr.size
}
