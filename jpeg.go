package cogview

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// decodeJPEGBlock decodes one JPEG strip or tile into chunky 8-bit samples laid
// out as width x rows x spp. Blocks written with a shared JPEGTables tag carry
// abbreviated streams, so the tables are spliced in front of the scan.
func decodeJPEGBlock(data, tables []byte, width, rows, spp int) ([]byte, error) {
	stream := data
	if len(tables) > 4 && len(data) > 2 {
		// tables end with EOI and the block starts with SOI
		stream = make([]byte, 0, len(tables)+len(data)-4)
		stream = append(stream, tables[:len(tables)-2]...)
		stream = append(stream, data[2:]...)
	}

	img, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, wrapDecodeErr(ErrInvalidFormat, err, "JPEG block")
	}

	out := make([]byte, width*rows*spp)
	b := img.Bounds()
	w, h := min(width, b.Dx()), min(rows, b.Dy())

	switch m := img.(type) {
	case *image.Gray:
		if spp != 1 {
			return nil, decodeErr(ErrInvalidFormat, "grayscale JPEG block in a %d band image", spp)
		}
		for y := 0; y < h; y++ {
			src := m.Pix[y*m.Stride:]
			copy(out[y*width:y*width+w], src[:w])
		}
	case *image.YCbCr:
		if spp != 3 {
			return nil, decodeErr(ErrInvalidFormat, "color JPEG block in a %d band image", spp)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				yi := m.YOffset(b.Min.X+x, b.Min.Y+y)
				ci := m.COffset(b.Min.X+x, b.Min.Y+y)
				px := out[(y*width+x)*3:]
				px[0], px[1], px[2] = color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
			}
		}
	default:
		// RGB streams without a YCbCr transform and CMYK
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := img.At(b.Min.X+x, b.Min.Y+y)
				if spp == 1 {
					out[y*width+x] = color.GrayModel.Convert(c).(color.Gray).Y
					continue
				}
				r, g, bl, _ := c.RGBA()
				px := out[(y*width+x)*3:]
				px[0], px[1], px[2] = uint8(r>>8), uint8(g>>8), uint8(bl>>8)
			}
		}
	}
	return out, nil
}
