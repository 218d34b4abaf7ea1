package cogview

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func jpegBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func jpegImage(width, height, bands int, blocks [][]byte) testImage {
	return testImage{
		width:       width,
		height:      height,
		bands:       bands,
		format:      FormatUint8,
		compression: CompressionJPEG,
		blocks:      blocks,
		bbox:        BBox(0, 0, float64(width), float64(height)),
	}
}

func near(a, b float64, tol float64) bool {
	return a >= b-tol && a <= b+tol
}

func TestDecodeJPEGGray(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 16, 8))
	for i := range gray.Pix {
		gray.Pix[i] = 100
	}
	img := jpegImage(16, 8, 1, [][]byte{jpegBytes(t, gray)})

	ds, err := Decode(buildTIFF(t, binary.LittleEndian, img))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	band := ds.Bands[0]
	for i := 0; i < band.Len(); i++ {
		if v := band.At(i); !near(v, 100, 2) {
			t.Fatalf("Expected sample %d near 100, got %v", i, v)
		}
	}
}

func TestDecodeJPEGColor(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			rgba.Set(x, y, color.RGBA{200, 60, 40, 255})
		}
	}
	img := jpegImage(16, 16, 3, [][]byte{jpegBytes(t, rgba)})
	img.tileW, img.tileH = 16, 16

	ds, err := Decode(buildTIFF(t, binary.LittleEndian, img))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for b, want := range []float64{200, 60, 40} {
		band := ds.Bands[b]
		for _, i := range []int{0, 17, 255} {
			if v := band.At(i); !near(v, want, 6) {
				t.Errorf("Band %d sample %d: expected near %v, got %v", b, i, want, v)
			}
		}
	}
}

func TestDecodeJPEGTables(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range gray.Pix {
		gray.Pix[i] = 180
	}
	full := jpegBytes(t, gray)

	// move the quantization and Huffman tables out of the block
	sof := bytes.Index(full, []byte{0xff, 0xc0})
	dht := bytes.Index(full, []byte{0xff, 0xc4})
	sos := bytes.Index(full, []byte{0xff, 0xda})
	if sof < 0 || dht < sof || sos < dht {
		t.Fatalf("unexpected segment order: SOF0 %d, DHT %d, SOS %d", sof, dht, sos)
	}
	var tables, block []byte
	tables = append(tables, full[:sof]...)
	tables = append(tables, full[dht:sos]...)
	tables = append(tables, 0xff, 0xd9)
	block = append(block, 0xff, 0xd8)
	block = append(block, full[sof:dht]...)
	block = append(block, full[sos:]...)

	img := jpegImage(8, 8, 1, [][]byte{block})
	img.extra = []testTag{{id: TagJPEGTables, typ: DTUndefined, count: uint32(len(tables)), data: tables}}

	ds, err := Decode(buildTIFF(t, binary.LittleEndian, img))
	if err != nil {
		t.Fatalf("Decode with JPEGTables failed: %v", err)
	}
	if v := ds.Bands[0].At(27); !near(v, 180, 2) {
		t.Errorf("Expected sample near 180, got %v", v)
	}

	img.extra = nil
	if _, err := Decode(buildTIFF(t, binary.LittleEndian, img)); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Expected ErrInvalidFormat without the shared tables, got %v", err)
	}
}

func TestDecodeJPEGBandMismatch(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 8, 8))
	img := jpegImage(8, 8, 3, [][]byte{jpegBytes(t, gray)})

	if _, err := Decode(buildTIFF(t, binary.LittleEndian, img)); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Expected ErrInvalidFormat, got %v", err)
	}
}
