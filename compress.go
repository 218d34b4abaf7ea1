package cogview

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

var zstdDecPool = sync.Pool{
	New: func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

// decompressBlock inflates one strip or tile. The result is at least expected
// bytes long (trailing padding is trimmed) or the call fails.
func decompressBlock(data []byte, compression uint16, expected int) ([]byte, error) {
	var out []byte
	var err error

	switch compression {
	case CompressionNone:
		out = data

	case CompressionLZW:
		// TIFF LZW is MSB-first with 8-bit literals
		reader := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		out, err = readUpTo(reader, expected)
		reader.Close()
		if err != nil {
			return nil, wrapDecodeErr(ErrInvalidFormat, err, "LZW block")
		}

	case CompressionDeflate, CompressionDeflateOld:
		reader, zerr := zlib.NewReader(bytes.NewReader(data))
		if zerr != nil {
			return nil, wrapDecodeErr(ErrInvalidFormat, zerr, "deflate block header")
		}
		out, err = readUpTo(reader, expected)
		reader.Close()
		if err != nil {
			return nil, wrapDecodeErr(ErrInvalidFormat, err, "deflate block")
		}

	case CompressionZSTD:
		dec := zstdDecPool.Get().(*zstd.Decoder)
		if err := dec.Reset(bytes.NewReader(data)); err != nil {
			zstdDecPool.Put(dec)
			return nil, wrapDecodeErr(ErrInvalidFormat, err, "zstd block")
		}
		out, err = readUpTo(dec, expected)
		zstdDecPool.Put(dec)
		if err != nil {
			return nil, wrapDecodeErr(ErrInvalidFormat, err, "zstd block")
		}

	case CompressionPackBits:
		out, err = unpackBits(data, expected)
		if err != nil {
			return nil, err
		}

	default:
		return nil, decodeErr(ErrUnsupported, "compression %d", compression)
	}

	if len(out) < expected {
		return nil, decodeErr(ErrTruncatedData, "block decoded to %d bytes, expected %d", len(out), expected)
	}
	return out[:expected], nil
}

// readUpTo reads until EOF or until limit bytes are available. Encoders are allowed to
// pad blocks, so the stream is not drained past what the layout needs.
func readUpTo(r io.Reader, limit int) ([]byte, error) {
	out := make([]byte, limit)
	n, err := io.ReadFull(r, out)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return out[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// unpackBits decodes Apple PackBits run-length data.
func unpackBits(data []byte, expected int) ([]byte, error) {
	out := make([]byte, 0, expected)
	for i := 0; i < len(data) && len(out) < expected; {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			end := i + n + 1
			if end > len(data) {
				return nil, decodeErr(ErrTruncatedData, "PackBits literal run overruns block")
			}
			out = append(out, data[i:end]...)
			i = end
		case n > -128:
			if i >= len(data) {
				return nil, decodeErr(ErrTruncatedData, "PackBits repeat run overruns block")
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, data[i])
			}
			i++
		}
		// n == -128 is a no-op
	}
	return out, nil
}

// undoHorizontalPredictor reverses predictor 2 in place. Each row holds width
// pixels of spp interleaved samples of bytesPerSample bytes.
func undoHorizontalPredictor(buf []byte, width, rows, spp, bytesPerSample int, order binary.ByteOrder) error {
	rowBytes := width * spp * bytesPerSample
	if len(buf) < rowBytes*rows {
		return decodeErr(ErrTruncatedData, "predictor input too short")
	}

	for r := 0; r < rows; r++ {
		row := buf[r*rowBytes : (r+1)*rowBytes]
		switch bytesPerSample {
		case 1:
			for i := spp; i < len(row); i++ {
				row[i] += row[i-spp]
			}
		case 2:
			for i := spp; i < width*spp; i++ {
				v := order.Uint16(row[i*2:]) + order.Uint16(row[(i-spp)*2:])
				order.PutUint16(row[i*2:], v)
			}
		case 4:
			for i := spp; i < width*spp; i++ {
				v := order.Uint32(row[i*4:]) + order.Uint32(row[(i-spp)*4:])
				order.PutUint32(row[i*4:], v)
			}
		case 8:
			for i := spp; i < width*spp; i++ {
				v := order.Uint64(row[i*8:]) + order.Uint64(row[(i-spp)*8:])
				order.PutUint64(row[i*8:], v)
			}
		default:
			return decodeErr(ErrUnsupported, "predictor with %d-byte samples", bytesPerSample)
		}
	}
	return nil
}

// undoFloatPredictor reverses predictor 3: per row the bytes are differenced, and
// each sample's bytes are stored as most-significant-byte planes.
func undoFloatPredictor(buf []byte, width, rows, spp, bytesPerSample int, order binary.ByteOrder) error {
	count := width * spp
	rowBytes := count * bytesPerSample
	if len(buf) < rowBytes*rows {
		return decodeErr(ErrTruncatedData, "predictor input too short")
	}

	tmp := make([]byte, rowBytes)
	littleEndian := order == binary.LittleEndian
	for r := 0; r < rows; r++ {
		row := buf[r*rowBytes : (r+1)*rowBytes]
		for i := spp; i < rowBytes; i++ {
			row[i] += row[i-spp]
		}
		copy(tmp, row)
		for c := 0; c < count; c++ {
			for b := 0; b < bytesPerSample; b++ {
				plane := b
				if littleEndian {
					plane = bytesPerSample - 1 - b
				}
				row[c*bytesPerSample+b] = tmp[plane*count+c]
			}
		}
	}
	return nil
}

func applyPredictor(buf []byte, predictor, width, rows, spp, bytesPerSample int, order binary.ByteOrder) error {
	switch predictor {
	case 0, 1:
		return nil
	case 2:
		return undoHorizontalPredictor(buf, width, rows, spp, bytesPerSample, order)
	case 3:
		return undoFloatPredictor(buf, width, rows, spp, bytesPerSample, order)
	default:
		return decodeErr(ErrUnsupported, "predictor %d", predictor)
	}
}
