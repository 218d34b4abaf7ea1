package cogview

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// GeoTIFF tag IDs
const (
	TagModelPixelScale     = 33550
	TagModelTiepoint       = 33922
	TagModelTransformation = 34264
	TagGeoKeyDirectory     = 34735
	TagGeoDoubleParams     = 34736
	TagGeoAsciiParams      = 34737
)

// GeoKeys
const (
	GTModelTypeGeoKey     = 1024
	GTModelTypeProjected  = 1
	GTModelTypeGeographic = 2

	GTRasterTypeGeoKey       = 1025
	GTRasterTypePixelIsArea  = 1
	GTRasterTypePixelIsPoint = 2

	GeographicTypeGeoKey    = 2048
	GeogCitationGeoKey      = 2049
	GeogAngularUnitsGeoKey  = 2054
	ProjectedCSTypeGeoKey   = 3072
	PCSCitationGeoKey       = 3073
	GeogAngularUnitDegree   = 9102
	EPSGWGS84               = 4326
	geoKeyDirectoryVersion  = 1
	geoKeyRevisionMajor     = 1
	geoKeyRevisionMinor     = 0
	geoKeyLocationInline    = 0
	userDefinedGeoKeyValue  = 32767
)

// TiePoint anchors a raster position to a model position.
type TiePoint struct {
	PixelX, PixelY, PixelZ float64
	GeoX, GeoY, GeoZ       float64
}

// GeoMetadata is the georeferencing read from one IFD.
type GeoMetadata struct {
	PixelScale      [3]float64
	TiePoints       []TiePoint
	Transformation  [16]float64
	GeoKeys         map[uint16]interface{}
	GeoDoubleParams []float64
	GeoAsciiParams  string
	CRS             string
	NoData          *float64
}

func readGeoMetadata(ifd *IFD) (*GeoMetadata, error) {
	g := &GeoMetadata{GeoKeys: make(map[uint16]interface{})}

	if values := ifd.Floats(TagModelPixelScale); len(values) >= 2 {
		copy(g.PixelScale[:], values)
	}
	g.TiePoints = parseTiePoints(ifd.Floats(TagModelTiepoint))
	if values := ifd.Floats(TagModelTransformation); len(values) >= 16 {
		copy(g.Transformation[:], values[:16])
	}

	g.GeoDoubleParams = ifd.Floats(TagGeoDoubleParams)
	g.GeoAsciiParams, _ = ifd.String(TagGeoAsciiParams)
	if err := g.readGeoKeys(ifd.Uints(TagGeoKeyDirectory)); err != nil {
		return nil, err
	}
	g.CRS = g.determineCRS()

	if s, ok := ifd.String(TagGDALNoData); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			g.NoData = &v
		}
	}

	return g, nil
}

func parseTiePoints(values []float64) []TiePoint {
	if len(values) < 6 {
		return nil
	}

	tiePoints := make([]TiePoint, 0, len(values)/6)
	for i := 0; i+5 < len(values); i += 6 {
		tiePoints = append(tiePoints, TiePoint{
			PixelX: values[i],
			PixelY: values[i+1],
			PixelZ: values[i+2],
			GeoX:   values[i+3],
			GeoY:   values[i+4],
			GeoZ:   values[i+5],
		})
	}
	return tiePoints
}

// readGeoKeys parses the key directory: a 4-short header (version, revision,
// minor revision, key count) followed by 4-short entries (id, location, count, value).
func (g *GeoMetadata) readGeoKeys(dir []uint32) error {
	if dir == nil {
		return nil
	}
	if len(dir) < 4 {
		return decodeErr(ErrInvalidFormat, "GeoKeyDirectory too short")
	}

	numKeys := int(dir[3])
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+3 >= len(dir) {
			break
		}
		keyID := uint16(dir[base])
		location := dir[base+1]
		count := int(dir[base+2])
		value := int(dir[base+3])

		switch location {
		case geoKeyLocationInline:
			g.GeoKeys[keyID] = uint16(value)
		case TagGeoDoubleParams:
			if count == 1 && value < len(g.GeoDoubleParams) {
				g.GeoKeys[keyID] = g.GeoDoubleParams[value]
			} else if value+count <= len(g.GeoDoubleParams) {
				g.GeoKeys[keyID] = g.GeoDoubleParams[value : value+count]
			}
		case TagGeoAsciiParams:
			end := value + count - 1 // drop the '|' terminator
			if end > len(g.GeoAsciiParams) {
				end = len(g.GeoAsciiParams)
			}
			if value < end {
				g.GeoKeys[keyID] = g.GeoAsciiParams[value:end]
			}
		}
	}
	return nil
}

func (g *GeoMetadata) determineCRS() string {
	for _, key := range []uint16{ProjectedCSTypeGeoKey, GeographicTypeGeoKey} {
		if code, ok := g.GeoKeys[key].(uint16); ok && code != 0 && code != userDefinedGeoKeyValue {
			return fmt.Sprintf("EPSG:%d", code)
		}
	}
	return ""
}

func (g *GeoMetadata) hasTransformation() bool {
	for _, v := range g.Transformation {
		if v != 0 {
			return true
		}
	}
	return false
}

// Georeferenced reports whether pixel positions can be mapped to model space.
func (g *GeoMetadata) Georeferenced() bool {
	if g.hasTransformation() {
		return true
	}
	return len(g.TiePoints) > 0 && g.PixelScale[0] != 0 && g.PixelScale[1] != 0
}

// PixelToGeo converts pixel coordinates to geographic coordinates
func (g *GeoMetadata) PixelToGeo(pixelX, pixelY float64) (float64, float64) {
	if g.hasTransformation() {
		t := g.Transformation
		return t[0]*pixelX + t[1]*pixelY + t[3], t[4]*pixelX + t[5]*pixelY + t[7]
	}

	if len(g.TiePoints) > 0 {
		tp := g.TiePoints[0]
		geoX := tp.GeoX + (pixelX-tp.PixelX)*g.PixelScale[0]
		geoY := tp.GeoY - (pixelY-tp.PixelY)*g.PixelScale[1] // rows grow southward
		return geoX, geoY
	}

	return pixelX, pixelY
}

// Bounds returns the envelope of the four image corners.
func (g *GeoMetadata) Bounds(width, height int) (orb.Bound, error) {
	if !g.Georeferenced() {
		return orb.Bound{}, decodeErr(ErrMissingGeoreference, "no tie-point/pixel-scale or transformation")
	}

	w, h := float64(width), float64(height)
	corners := [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x, y := g.PixelToGeo(c[0], c[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}

	if !(minX < maxX) || !(minY < maxY) {
		return orb.Bound{}, decodeErr(ErrMissingGeoreference, "degenerate extent [%g %g %g %g]", minX, minY, maxX, maxY)
	}

	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}, nil
}

// ParseEPSGCode extracts EPSG code from CRS string
func ParseEPSGCode(crs string) (int, error) {
	if strings.HasPrefix(crs, "EPSG:") {
		code, err := strconv.Atoi(crs[5:])
		if err != nil {
			return 0, err
		}
		return code, nil
	}
	return 0, fmt.Errorf("invalid CRS format: %s", crs)
}
