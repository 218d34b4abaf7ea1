package cogview

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// ColorScheme selects the lookup used to turn an adjusted value into a color.
type ColorScheme int

const (
	SchemeGrayscale ColorScheme = iota
	SchemeRainbow
	SchemeThermal
	SchemeTerrain
	SchemeCustom
)

var schemeNames = [...]string{"grayscale", "rainbow", "thermal", "terrain", "custom"}

func (s ColorScheme) String() string {
	if s < 0 || int(s) >= len(schemeNames) {
		return fmt.Sprintf("ColorScheme(%d)", int(s))
	}
	return schemeNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s ColorScheme) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ColorScheme) UnmarshalText(text []byte) error {
	v, err := ParseColorScheme(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseColorScheme parses a scheme name. "temperature" is accepted for thermal.
func ParseColorScheme(name string) (ColorScheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "grayscale", "greyscale", "gray":
		return SchemeGrayscale, nil
	case "rainbow":
		return SchemeRainbow, nil
	case "thermal", "temperature":
		return SchemeThermal, nil
	case "terrain":
		return SchemeTerrain, nil
	case "custom":
		return SchemeCustom, nil
	}
	return 0, fmt.Errorf("unknown color scheme %q", name)
}

// RGB is an 8-bit color.
type RGB struct {
	R, G, B uint8
}

// Hex formats c as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// MarshalText implements encoding.TextMarshaler.
func (c RGB) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *RGB) UnmarshalText(text []byte) error {
	v, err := ParseHexColor(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseHexColor parses "#rrggbb" or "rrggbb".
func ParseHexColor(s string) (RGB, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return RGB{}, fmt.Errorf("invalid color %q: want #rrggbb", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return RGB{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return RGB{b[0], b[1], b[2]}, nil
}

// Params are the visualization parameters. Zero-valued Contrast, Gamma and
// Saturation are treated as neutral, so a partially filled Params is usable.
type Params struct {
	Scheme     ColorScheme `json:"scheme" mapstructure:"scheme"`
	Contrast   float64     `json:"contrast" mapstructure:"contrast"`
	Gamma      float64     `json:"gamma" mapstructure:"gamma"`
	Brightness float64     `json:"brightness" mapstructure:"brightness"` // added to HSL lightness, [-1,1]
	Saturation float64     `json:"saturation" mapstructure:"saturation"` // HSL saturation multiplier
	Opacity    float64     `json:"opacity" mapstructure:"opacity"`
	Custom     [3]RGB      `json:"custom" mapstructure:"custom"` // start, middle, end
}

// DefaultParams returns neutral parameters: grayscale, no adjustment, fully opaque.
func DefaultParams() Params {
	return Params{
		Scheme:     SchemeGrayscale,
		Contrast:   1,
		Gamma:      1,
		Saturation: 1,
		Opacity:    1,
		Custom:     [3]RGB{{0, 0, 255}, {255, 255, 255}, {255, 0, 0}},
	}
}

// Validate rejects parameters outside their domain.
func (p Params) Validate() error {
	if p.Scheme < SchemeGrayscale || p.Scheme > SchemeCustom {
		return fmt.Errorf("invalid color scheme %d", int(p.Scheme))
	}
	if p.Contrast < 0 || math.IsNaN(p.Contrast) || math.IsInf(p.Contrast, 0) {
		return fmt.Errorf("contrast must be positive, got %g", p.Contrast)
	}
	if p.Gamma < 0 || math.IsNaN(p.Gamma) || math.IsInf(p.Gamma, 0) {
		return fmt.Errorf("gamma must be positive, got %g", p.Gamma)
	}
	if p.Brightness < -1 || p.Brightness > 1 || math.IsNaN(p.Brightness) {
		return fmt.Errorf("brightness must be in [-1,1], got %g", p.Brightness)
	}
	if p.Saturation < 0 || math.IsNaN(p.Saturation) || math.IsInf(p.Saturation, 0) {
		return fmt.Errorf("saturation must be non-negative, got %g", p.Saturation)
	}
	if p.Opacity < 0 || p.Opacity > 1 || math.IsNaN(p.Opacity) {
		return fmt.Errorf("opacity must be in [0,1], got %g", p.Opacity)
	}
	return nil
}

// Alpha returns round(opacity*255).
func (p Params) Alpha() uint8 {
	return uint8(math.Round(clamp01(p.Opacity) * 255))
}

// Adjust applies contrast, then gamma, to a normalized value.
func (p Params) Adjust(normalized float64) float64 {
	v := clamp01(normalized)
	if p.Contrast > 0 && p.Contrast != 1 {
		v = clamp01(math.Pow(v, 1/p.Contrast))
	}
	if p.Gamma > 0 && p.Gamma != 1 {
		v = clamp01(math.Pow(v, 1/p.Gamma))
	}
	return v
}

func (p Params) hasHSLAdjustment() bool {
	sat := p.Saturation
	if sat == 0 {
		sat = 1
	}
	return p.Brightness != 0 || sat != 1
}

// Colorize maps a normalized value to a color: Adjust, scheme lookup, then the
// brightness and saturation adjustments.
func Colorize(normalized float64, p Params) RGB {
	c := SchemeColor(p.Scheme, p.Adjust(normalized), p.Custom)
	if p.hasHSLAdjustment() {
		c = adjustHSL(c, p.Brightness, p.Saturation)
	}
	return c
}

// SchemeColor looks up an already adjusted value in scheme.
func SchemeColor(scheme ColorScheme, v float64, custom [3]RGB) RGB {
	v = clamp01(v)
	switch scheme {
	case SchemeRainbow:
		return hslToRGB((1-v)*240/360, 1, 0.5)

	case SchemeThermal:
		switch {
		case v < 0.33:
			return RGB{0, 0, channel(v * 3)}
		case v < 0.66:
			return RGB{0, channel((v - 0.33) * 3), 255}
		default:
			return RGB{channel((v - 0.66) * 3), 255, 255}
		}

	case SchemeTerrain:
		switch {
		case v < 0.2:
			return RGB{0, 0, 255}
		case v < 0.4:
			return RGB{0, 255, 255}
		case v < 0.6:
			return RGB{0, 255, 0}
		case v < 0.8:
			return RGB{255, 255, 0}
		default:
			return RGB{255, 0, 0}
		}

	case SchemeCustom:
		if v <= 0.5 {
			return lerpRGB(custom[0], custom[1], v*2)
		}
		return lerpRGB(custom[1], custom[2], (v-0.5)*2)

	default:
		g := channel(v)
		return RGB{g, g, g}
	}
}

// channel converts a [0,1] intensity to round(v*255), clamped.
func channel(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func lerpRGB(a, b RGB, t float64) RGB {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return RGB{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B)}
}

func hslToRGB(h, s, l float64) RGB {
	if s == 0 {
		g := channel(l)
		return RGB{g, g, g}
	}

	hue2rgb := func(p, q, t float64) float64 {
		if t < 0 {
			t++
		}
		if t > 1 {
			t--
		}
		switch {
		case t < 1.0/6:
			return p + (q-p)*6*t
		case t < 1.0/2:
			return q
		case t < 2.0/3:
			return p + (q-p)*(2.0/3-t)*6
		}
		return p
	}

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return RGB{
		channel(hue2rgb(p, q, h+1.0/3)),
		channel(hue2rgb(p, q, h)),
		channel(hue2rgb(p, q, h-1.0/3)),
	}
}

func rgbToHSL(c RGB) (h, s, l float64) {
	r, g, b := float64(c.R)/255, float64(c.G)/255, float64(c.B)/255
	hi, lo := math.Max(r, math.Max(g, b)), math.Min(r, math.Min(g, b))
	l = (hi + lo) / 2
	if hi == lo {
		return 0, 0, l
	}

	d := hi - lo
	if l > 0.5 {
		s = d / (2 - hi - lo)
	} else {
		s = d / (hi + lo)
	}
	switch hi {
	case r:
		h = (g - b) / d
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	return h / 6, s, l
}

// adjustHSL adds brightness to lightness and multiplies saturation.
func adjustHSL(c RGB, brightness, saturation float64) RGB {
	if saturation == 0 {
		saturation = 1
	}
	h, s, l := rgbToHSL(c)
	return hslToRGB(h, clamp01(s*saturation), clamp01(l+brightness))
}
