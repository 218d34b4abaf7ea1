package cogview

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestAssembleChunks(t *testing.T) {
	src := []byte("0123456789")

	var calls [][2]int64
	data, err := AssembleChunks(context.Background(), bytes.NewReader(src), 10, 4, func(read, expected int64) {
		calls = append(calls, [2]int64{read, expected})
	})
	if err != nil {
		t.Fatalf("AssembleChunks failed: %v", err)
	}
	if !bytes.Equal(data, src) {
		t.Errorf("Expected %q, got %q", src, data)
	}

	want := [][2]int64{{4, 10}, {8, 10}, {10, 10}}
	if len(calls) != len(want) {
		t.Fatalf("Expected %d progress calls, got %v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("progress call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestAssembleChunksUnknownSize(t *testing.T) {
	src := bytes.Repeat([]byte{7}, 1000)
	data, err := AssembleChunks(context.Background(), bytes.NewReader(src), 0, 64, nil)
	if err != nil {
		t.Fatalf("AssembleChunks failed: %v", err)
	}
	if len(data) != 1000 {
		t.Errorf("Expected 1000 bytes, got %d", len(data))
	}
}

// failingReader returns n bytes and then err.
type failingReader struct {
	n   int
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n == 0 {
		return 0, f.err
	}
	n := min(len(p), f.n)
	f.n -= n
	return n, nil
}

func TestAssembleChunksIncomplete(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		src      io.Reader
		expected int64
		read     int64
		cause    error
	}{
		{"short source", context.Background(), bytes.NewReader(make([]byte, 6)), 10, 6, nil},
		{"long source", context.Background(), bytes.NewReader(make([]byte, 15)), 10, 12, nil},
		{"read error", context.Background(), &failingReader{n: 4, err: io.ErrClosedPipe}, 10, 4, io.ErrClosedPipe},
		{"cancelled", cancelled, bytes.NewReader(make([]byte, 10)), 10, 0, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := AssembleChunks(tt.ctx, tt.src, tt.expected, 4, nil)
			if data != nil {
				t.Errorf("Expected no partial data, got %d bytes", len(data))
			}
			if !errors.Is(err, ErrIncomplete) {
				t.Fatalf("Expected ErrIncomplete, got %v", err)
			}
			var ie *IngestionError
			if !errors.As(err, &ie) {
				t.Fatalf("Expected *IngestionError, got %T", err)
			}
			if ie.Read != tt.read || ie.Expected != tt.expected {
				t.Errorf("Expected read %d of %d, got %d of %d", tt.read, tt.expected, ie.Read, ie.Expected)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("Expected the cause %v to be wrapped, got %v", tt.cause, err)
			}
		})
	}
}

func TestDecodeLarge(t *testing.T) {
	img := simpleStripImage(binary.BigEndian, FormatInt16, 20, 10, ramp(200, -100), BBox(0, 0, 20, 10))
	data := buildTIFF(t, binary.BigEndian, img)

	ds, err := DecodeLarge(context.Background(), bytes.NewReader(data), int64(len(data)), 64)
	if err != nil {
		t.Fatalf("DecodeLarge failed: %v", err)
	}
	if ds.Width != 20 || ds.Height != 10 {
		t.Errorf("Expected 20x10, got %dx%d", ds.Width, ds.Height)
	}
	if st := ds.Stats[0]; st.Min != -100 || st.Max != 99 {
		t.Errorf("Expected range -100..99, got %v..%v", st.Min, st.Max)
	}

	_, err = DecodeLarge(context.Background(), bytes.NewReader(data[:len(data)/2]), int64(len(data)), 64)
	if !errors.Is(err, ErrIncomplete) {
		t.Errorf("Expected ErrIncomplete for a truncated source, got %v", err)
	}
}

func tiledRaster(t *testing.T) *Raster {
	t.Helper()
	const width, height = 7, 5
	values := ramp(width*height, 1)
	img := testImage{
		width:  width,
		height: height,
		bands:  1,
		format: FormatUint16,
		tileW:  3,
		tileH:  2,
		blocks: tileBlocks(binary.LittleEndian, FormatUint16, width, height, 1, 3, 2, values),
		bbox:   BBox(0, 0, width, height),
	}
	r, err := OpenRaster(bytes.NewReader(buildTIFF(t, binary.LittleEndian, img)))
	if err != nil {
		t.Fatalf("OpenRaster failed: %v", err)
	}
	return r
}

func TestForEachBlock(t *testing.T) {
	r := tiledRaster(t)

	var windows []Window
	total := 0
	err := r.ForEachBlock(context.Background(), 0, func(win Window, b Band) error {
		if b.Len() != win.Width()*win.Height() {
			t.Errorf("Block %+v has %d samples", win, b.Len())
		}
		windows = append(windows, win)
		total += b.Len()
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachBlock failed: %v", err)
	}
	// 3 tiles across, 3 down, edge tiles clipped
	if len(windows) != 9 {
		t.Errorf("Expected 9 blocks, got %d", len(windows))
	}
	if total != 35 {
		t.Errorf("Expected 35 samples in total, got %d", total)
	}
	if last := windows[len(windows)-1]; last != (Window{X0: 6, Y0: 4, X1: 7, Y1: 5}) {
		t.Errorf("Expected the last block to be clipped to the image, got %+v", last)
	}

	stop := errors.New("stop")
	calls := 0
	err = r.ForEachBlock(context.Background(), 0, func(Window, Band) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Expected the callback error to stop iteration, got %v after %d calls", err, calls)
	}

	if err := r.ForEachBlock(context.Background(), 1, func(Window, Band) error { return nil }); err == nil {
		t.Error("Expected an error for a missing band")
	}
}

func TestTileStatistics(t *testing.T) {
	r := tiledRaster(t)

	st, err := TileStatistics(context.Background(), r, 0, 1)
	if err != nil {
		t.Fatalf("TileStatistics failed: %v", err)
	}
	if st.Min != 1 || st.Max != 35 || st.Mean != 18 || st.Count != 35 || st.Estimated {
		t.Errorf("Unexpected exact statistics %+v", st)
	}

	sampled, err := TileStatistics(context.Background(), r, 0, 4)
	if err != nil {
		t.Fatalf("TileStatistics failed: %v", err)
	}
	if sampled.Min != 1 || sampled.Max != 35 {
		t.Errorf("Expected exact extrema with a stride, got %v..%v", sampled.Min, sampled.Max)
	}
	if !sampled.Estimated {
		t.Error("Expected a strided mean to be flagged as estimated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := TileStatistics(ctx, r, 0, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation to be reported, got %v", err)
	}
}
