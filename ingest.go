package cogview

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the read size used when ingesting large sources.
const DefaultChunkSize = 10 << 20

// ProgressFunc is called after each chunk with the bytes read so far. expected is
// 0 when the source size is unknown.
type ProgressFunc func(read, expected int64)

// DecodeLarge reads src in fixed-size chunks, then decodes the assembled bytes.
// A source that ends early or a cancelled ctx yields an IngestionError; no partial
// dataset is ever returned.
func DecodeLarge(ctx context.Context, src io.Reader, expectedSize int64, chunkSize int) (*RasterDataset, error) {
	data, err := AssembleChunks(ctx, src, expectedSize, chunkSize, nil)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// AssembleChunks reads src into one buffer, chunkSize bytes at a time, checking ctx
// between chunks. When expectedSize > 0 the source must deliver exactly that many bytes.
func AssembleChunks(ctx context.Context, src io.Reader, expectedSize int64, chunkSize int, progress ProgressFunc) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var out []byte
	if expectedSize > 0 {
		out = make([]byte, 0, expectedSize)
	}

	chunk := getChunk(chunkSize)
	defer putChunk(chunk)

	var read int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, &IngestionError{Read: read, Expected: expectedSize, Err: err}
		}

		n, err := io.ReadFull(src, chunk)
		out = append(out, chunk[:n]...)
		read += int64(n)
		if progress != nil && n > 0 {
			progress(read, expectedSize)
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, &IngestionError{Read: read, Expected: expectedSize, Err: err}
		}
		if expectedSize > 0 && read > expectedSize {
			return nil, &IngestionError{Read: read, Expected: expectedSize}
		}
	}

	if expectedSize > 0 && read != expectedSize {
		return nil, &IngestionError{Read: read, Expected: expectedSize}
	}
	return out, nil
}

// ForEachBlock visits band one strip or tile at a time, clipped to the image.
// ctx is checked between blocks.
func (r *Raster) ForEachBlock(ctx context.Context, band int, fn func(win Window, b Band) error) error {
	l := &r.layout
	if band < 0 || band >= l.Bands {
		return fmt.Errorf("band %d out of range [0,%d)", band, l.Bands)
	}
	full := FullWindow(l.Width, l.Height)

	for by := 0; by < l.down(); by++ {
		for bx := 0; bx < l.across(); bx++ {
			if err := ctx.Err(); err != nil {
				return &IngestionError{Err: err}
			}

			idx := l.blockIndex(band, bx, by)
			blocks, err := r.readBlocks([]int{idx})
			if err != nil {
				return err
			}

			win := full.Intersect(Window{
				X0: bx * l.BlockW, Y0: by * l.BlockH,
				X1: (bx + 1) * l.BlockW, Y1: (by + 1) * l.BlockH,
			})
			out := NewBand(l.Format, win.Width()*win.Height())
			r.copyBlock(out, win, band, bx, by, blocks[idx])
			if err := fn(win, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// TileStatistics accumulates statistics for band block by block without holding the
// whole band in memory. Min and max are exact; with stride > 1 the mean is a preview
// estimate over every stride-th valid sample.
func TileStatistics(ctx context.Context, r *Raster, band, stride int) (Statistics, error) {
	acc := NewStatsAccumulator(r.NoData(), stride)
	err := r.ForEachBlock(ctx, band, func(_ Window, b Band) error {
		acc.AddBand(b)
		return nil
	})
	if err != nil {
		return Statistics{}, err
	}
	return acc.Result(), nil
}
