package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/cogview"
)

var extractCmd = &cobra.Command{
	Use:   "extract [file|url]",
	Short: "Crop a bounding box of one band to a new GeoTIFF",
	Long: `Crop the pixels of one band covered by a bounding box and write them as a
single-band Float32 GeoTIFF. Nodata and NaN samples become -9999.

The source is either a file or URL argument, or --key in the configured object store.

Examples:
  cogview extract scene.tif --bbox 70,10,90,30 -o region.tiff
  cogview extract --store http --store-url https://data.example.com/cogs --key dem/n30e070.tif --bbox 70,30,71,31 --deflate`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().String("bbox", "", "west,south,east,north in the raster's CRS (required)")
	extractCmd.Flags().Int("band", 0, "band index (0-based)")
	extractCmd.Flags().String("key", "", "object key in the configured store")
	extractCmd.Flags().Bool("deflate", false, "deflate-compress the output strips")
	extractCmd.Flags().StringP("output", "o", "", "output path (default: suggested name)")
	extractCmd.MarkFlagRequired("bbox")

	viper.BindPFlag("extract.band", extractCmd.Flags().Lookup("band"))
	viper.BindPFlag("extract.deflate", extractCmd.Flags().Lookup("deflate"))
}

func runExtract(cmd *cobra.Command, args []string) error {
	bboxFlag, _ := cmd.Flags().GetString("bbox")
	requested, err := cogview.ParseBBox(bboxFlag)
	if err != nil {
		return err
	}
	band := viper.GetInt("extract.band")
	key, _ := cmd.Flags().GetString("key")

	var res *cogview.ExtractionResult
	switch {
	case len(args) == 1 && key != "":
		return fmt.Errorf("give either a source argument or --key, not both")
	case len(args) == 1:
		r, err := openSource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		if res, err = cogview.ExtractRaster(r, band, requested); err != nil {
			return err
		}
	case key != "":
		store, err := newStore()
		if err != nil {
			return err
		}
		if res, err = cogview.ExtractRemote(cmd.Context(), store, key, band, requested); err != nil {
			return err
		}
	default:
		return fmt.Errorf("a source argument or --key is required")
	}

	opts := cogview.WriterOptions{}
	if viper.GetBool("extract.deflate") {
		opts.Compression = cogview.CompressionDeflate
	}
	data, err := cogview.EncodeGeoTIFF(res, opts)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = cogview.SuggestedFilename(band, res.Requested)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Extracted %dx%d pixels covering [%g %g %g %g]\n",
		res.Width, res.Height, res.BBox.Min[0], res.BBox.Min[1], res.BBox.Max[0], res.BBox.Max[1])
	return writeOutput(cmd, output, data)
}
