package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/cogview"
)

var renderCmd = &cobra.Command{
	Use:   "render <file|url>",
	Short: "Colorize one band to a PNG",
	Long: `Render one band through a colormap to an RGBA PNG.

Values are normalized against the band's min and max, adjusted by contrast and
gamma, mapped through the scheme and finally adjusted in HSL space.

Examples:
  cogview render dem.tif --scheme terrain -o dem.png
  cogview render sst.tif --scheme thermal --gamma 1.4 --opacity 0.8 -o sst.png
  cogview render ndvi.tif --scheme custom --custom "#8c510a,#f5f5f5,#01665e" -o ndvi.png`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	defaults := cogview.DefaultParams()
	custom := make([]string, len(defaults.Custom))
	for i, c := range defaults.Custom {
		custom[i] = c.Hex()
	}

	renderCmd.Flags().Int("band", 0, "band index (0-based)")
	renderCmd.Flags().String("scheme", defaults.Scheme.String(), "color scheme (grayscale|rainbow|thermal|terrain|custom)")
	renderCmd.Flags().Float64("contrast", defaults.Contrast, "contrast exponent")
	renderCmd.Flags().Float64("gamma", defaults.Gamma, "gamma exponent")
	renderCmd.Flags().Float64("brightness", defaults.Brightness, "lightness offset in [-1,1]")
	renderCmd.Flags().Float64("saturation", defaults.Saturation, "saturation multiplier")
	renderCmd.Flags().Float64("opacity", defaults.Opacity, "opacity in [0,1]")
	renderCmd.Flags().String("custom", strings.Join(custom, ","), "start,middle,end hex colors for the custom scheme")
	renderCmd.Flags().Int("max-dim", 0, "shrink the PNG so neither side exceeds this (0 = full size)")
	renderCmd.Flags().Bool("overview", false, "read the smallest overview that still covers --max-dim")
	renderCmd.Flags().StringP("output", "o", "", "output PNG path (default stdout)")

	for _, name := range []string{"band", "scheme", "contrast", "gamma", "brightness", "saturation", "opacity", "custom", "max-dim", "overview"} {
		viper.BindPFlag("render."+strings.ReplaceAll(name, "-", "_"), renderCmd.Flags().Lookup(name))
	}
}

// renderParams assembles Params from flags, env and the render section of the config file.
func renderParams() (cogview.Params, error) {
	p := cogview.DefaultParams()

	scheme, err := cogview.ParseColorScheme(viper.GetString("render.scheme"))
	if err != nil {
		return p, err
	}
	p.Scheme = scheme
	p.Contrast = viper.GetFloat64("render.contrast")
	p.Gamma = viper.GetFloat64("render.gamma")
	p.Brightness = viper.GetFloat64("render.brightness")
	p.Saturation = viper.GetFloat64("render.saturation")
	p.Opacity = viper.GetFloat64("render.opacity")

	if s := viper.GetString("render.custom"); s != "" {
		parts := strings.Split(s, ",")
		if len(parts) != len(p.Custom) {
			return p, fmt.Errorf("--custom needs %d colors, got %d", len(p.Custom), len(parts))
		}
		for i, part := range parts {
			c, err := cogview.ParseHexColor(strings.TrimSpace(part))
			if err != nil {
				return p, err
			}
			p.Custom[i] = c
		}
	}

	return p, p.Validate()
}

func runRender(cmd *cobra.Command, args []string) error {
	params, err := renderParams()
	if err != nil {
		return err
	}
	band := viper.GetInt("render.band")
	maxDim := viper.GetInt("render.max_dim")

	var ds *cogview.RasterDataset
	if viper.GetBool("render.overview") && maxDim > 0 {
		r, err := openSource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		if ds, err = r.OverviewFor(maxDim).ReadAll(); err != nil {
			return err
		}
	} else if ds, err = loadDataset(cmd.Context(), args[0]); err != nil {
		return err
	}

	img, err := cogview.Render(ds, band, params)
	if err != nil {
		return err
	}

	var data []byte
	if maxDim > 0 {
		data, err = cogview.PreviewPNG(img, maxDim)
	} else {
		var buf bytes.Buffer
		err = cogview.EncodePNG(&buf, img)
		data = buf.Bytes()
	}
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	return writeOutput(cmd, output, data)
}
