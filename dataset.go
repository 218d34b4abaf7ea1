package cogview

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// SampleFormat identifies the numeric type stored in a band buffer.
type SampleFormat int

const (
	FormatUint8 SampleFormat = iota
	FormatInt8
	FormatUint16
	FormatInt16
	FormatUint32
	FormatInt32
	FormatFloat32
	FormatFloat64
)

var sampleFormatNames = [...]string{"uint8", "int8", "uint16", "int16", "uint32", "int32", "float32", "float64"}

func (f SampleFormat) String() string {
	if f < 0 || int(f) >= len(sampleFormatNames) {
		return fmt.Sprintf("SampleFormat(%d)", int(f))
	}
	return sampleFormatNames[f]
}

// BytesPerSample returns the encoded size of one sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatUint8, FormatInt8:
		return 1
	case FormatUint16, FormatInt16:
		return 2
	case FormatUint32, FormatInt32, FormatFloat32:
		return 4
	default:
		return 8
	}
}

// IsFloat reports whether the format is IEEE floating point.
func (f SampleFormat) IsFloat() bool {
	return f == FormatFloat32 || f == FormatFloat64
}

// Number is the set of sample types a band can hold.
type Number interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~float32 | ~float64
}

// Band is one decoded raster layer: row-major samples, origin at the north-west pixel.
type Band interface {
	Len() int
	At(i int) float64
	Format() SampleFormat

	crop(stride int, w Window) Band
	fill(dst int, raw []byte, step, n int, order binary.ByteOrder)
}

// Samples is a typed band buffer. Values are stored exactly as decoded, never rescaled.
type Samples[T Number] []T

func (s Samples[T]) Len() int { return len(s) }

func (s Samples[T]) At(i int) float64 { return float64(s[i]) }

func (s Samples[T]) Format() SampleFormat {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return FormatUint8
	case int8:
		return FormatInt8
	case uint16:
		return FormatUint16
	case int16:
		return FormatInt16
	case uint32:
		return FormatUint32
	case int32:
		return FormatInt32
	case float32:
		return FormatFloat32
	default:
		return FormatFloat64
	}
}

// crop copies the [X0,X1) x [Y0,Y1) window out of a buffer whose rows are stride samples wide.
func (s Samples[T]) crop(stride int, w Window) Band {
	out := make(Samples[T], 0, w.Width()*w.Height())
	for y := w.Y0; y < w.Y1; y++ {
		row := y * stride
		out = append(out, s[row+w.X0:row+w.X1]...)
	}
	return out
}

// fill decodes n samples from raw into s[dst:], taking one sample every step bytes.
func (s Samples[T]) fill(dst int, raw []byte, step, n int, order binary.ByteOrder) {
	switch d := any(s).(type) {
	case Samples[uint8]:
		for k := 0; k < n; k++ {
			d[dst+k] = raw[k*step]
		}
	case Samples[int8]:
		for k := 0; k < n; k++ {
			d[dst+k] = int8(raw[k*step])
		}
	case Samples[uint16]:
		for k := 0; k < n; k++ {
			d[dst+k] = order.Uint16(raw[k*step:])
		}
	case Samples[int16]:
		for k := 0; k < n; k++ {
			d[dst+k] = int16(order.Uint16(raw[k*step:]))
		}
	case Samples[uint32]:
		for k := 0; k < n; k++ {
			d[dst+k] = order.Uint32(raw[k*step:])
		}
	case Samples[int32]:
		for k := 0; k < n; k++ {
			d[dst+k] = int32(order.Uint32(raw[k*step:]))
		}
	case Samples[float32]:
		for k := 0; k < n; k++ {
			d[dst+k] = math.Float32frombits(order.Uint32(raw[k*step:]))
		}
	case Samples[float64]:
		for k := 0; k < n; k++ {
			d[dst+k] = math.Float64frombits(order.Uint64(raw[k*step:]))
		}
	}
}

// NewBand allocates a zeroed band of the given format.
func NewBand(format SampleFormat, n int) Band {
	switch format {
	case FormatUint8:
		return make(Samples[uint8], n)
	case FormatInt8:
		return make(Samples[int8], n)
	case FormatUint16:
		return make(Samples[uint16], n)
	case FormatInt16:
		return make(Samples[int16], n)
	case FormatUint32:
		return make(Samples[uint32], n)
	case FormatInt32:
		return make(Samples[int32], n)
	case FormatFloat32:
		return make(Samples[float32], n)
	default:
		return make(Samples[float64], n)
	}
}

// BandData returns the typed buffer behind b when it holds T samples.
func BandData[T Number](b Band) ([]T, bool) {
	s, ok := b.(Samples[T])
	return s, ok
}

// Float32Band converts any band to float32 samples; float32 bands are returned as-is.
func Float32Band(b Band) Samples[float32] {
	if s, ok := b.(Samples[float32]); ok {
		return s
	}
	out := make(Samples[float32], b.Len())
	for i := range out {
		out[i] = float32(b.At(i))
	}
	return out
}

// RasterDataset is a fully decoded raster held in memory. It is never mutated after
// construction; replacing the active raster means building a new RasterDataset.
type RasterDataset struct {
	Width  int
	Height int
	BBox   orb.Bound
	Bands  []Band
	Stats  []Statistics
	CRS    string
	NoData *float64
}

// Band returns band i or an error when i is out of range.
func (ds *RasterDataset) Band(i int) (Band, error) {
	if i < 0 || i >= len(ds.Bands) {
		return nil, fmt.Errorf("band %d out of range [0,%d)", i, len(ds.Bands))
	}
	return ds.Bands[i], nil
}

// BandStatistics returns the extrema of band i, computing them when the decoder did not.
func (ds *RasterDataset) BandStatistics(i int) (Statistics, error) {
	b, err := ds.Band(i)
	if err != nil {
		return Statistics{}, err
	}
	if i < len(ds.Stats) && ds.Stats[i].Count > 0 {
		return ds.Stats[i], nil
	}
	return ComputeStatistics(b, ds.NoData), nil
}

// Corners returns the image corners in north-west, north-east, south-east, south-west order.
func (ds *RasterDataset) Corners() [4]orb.Point {
	return CornerPoints(ds.BBox)
}

// BBox builds a bound from west, south, east, north.
func BBox(west, south, east, north float64) orb.Bound {
	return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}
}

// BBoxArray returns b as [west, south, east, north].
func BBoxArray(b orb.Bound) [4]float64 {
	return [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}
