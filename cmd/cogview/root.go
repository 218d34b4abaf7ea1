package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/valyala/fasthttp"

	"github.com/tingold/cogview"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cogview",
	Short: "Inspect, colorize and crop GeoTIFF rasters",
	Long: `cogview reads single- and multi-band GeoTIFFs and Cloud Optimized GeoTIFFs,
computes band statistics, renders pseudocolor PNGs and extracts bounding-box
crops as standalone GeoTIFFs.

Sources can be local files, http(s) URLs (read with range requests) or keys in
the configured object store.

Examples:
  # Show dimensions, georeference and layout
  cogview info scene.tif

  # Exact statistics of band 2
  cogview stats scene.tif --band 2

  # Render band 0 with the terrain colormap
  cogview render scene.tif --scheme terrain -o scene.png

  # Crop a region to a new GeoTIFF
  cogview extract scene.tif --bbox 70,10,90,30 -o region.tiff

  # Start the HTTP API
  cogview serve --port 8080`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cogview.yaml)")

	// Object store
	rootCmd.PersistentFlags().String("store", "dir", "object store kind (http|dir)")
	rootCmd.PersistentFlags().String("store-url", "", "base URL of the http object store")
	rootCmd.PersistentFlags().String("store-dir", ".", "root directory of the dir object store")
	rootCmd.PersistentFlags().Duration("store-timeout", 30*time.Second, "object store read/write timeout")
	rootCmd.PersistentFlags().Int("read-ahead", 64*1024, "read-ahead size for ranged reads in bytes")

	// Ingestion
	rootCmd.PersistentFlags().Int("chunk-size", cogview.DefaultChunkSize, "ingestion chunk size in bytes")
	rootCmd.PersistentFlags().Int("preview-stride", 16, "sampling stride for preview statistics")

	viper.BindPFlag("store.kind", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("store.base_url", rootCmd.PersistentFlags().Lookup("store-url"))
	viper.BindPFlag("store.dir", rootCmd.PersistentFlags().Lookup("store-dir"))
	viper.BindPFlag("store.timeout", rootCmd.PersistentFlags().Lookup("store-timeout"))
	viper.BindPFlag("store.read_ahead", rootCmd.PersistentFlags().Lookup("read-ahead"))
	viper.BindPFlag("ingest.chunk_size", rootCmd.PersistentFlags().Lookup("chunk-size"))
	viper.BindPFlag("ingest.preview_stride", rootCmd.PersistentFlags().Lookup("preview-stride"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".cogview" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".cogview")
	}

	// COGVIEW_STORE_BASE_URL overrides store.base_url, and so on
	viper.SetEnvPrefix("cogview")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newStore builds the configured object store.
func newStore() (cogview.ObjectStore, error) {
	switch kind := viper.GetString("store.kind"); kind {
	case "http":
		baseURL := viper.GetString("store.base_url")
		if baseURL == "" {
			return nil, fmt.Errorf("store.base_url is required for the http store")
		}
		store := cogview.NewHTTPStore(baseURL, viper.GetDuration("store.timeout"))
		store.ReadAhead = viper.GetInt("store.read_ahead")
		return store, nil
	case "dir", "":
		return cogview.NewDirStore(viper.GetString("store.dir")), nil
	default:
		return nil, fmt.Errorf("unknown store kind: %s", kind)
	}
}

// openSource opens a local path or an http(s) URL as a lazily read raster.
func openSource(ctx context.Context, source string) (*cogview.Raster, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		timeout := viper.GetDuration("store.timeout")
		client := &fasthttp.Client{ReadTimeout: timeout, WriteTimeout: timeout}
		rr, err := cogview.NewHTTPRangeReader(ctx, client, source, source, viper.GetInt("store.read_ahead"))
		if err != nil {
			return nil, err
		}
		return cogview.OpenRaster(rr)
	}
	return cogview.OpenFile(source)
}

// loadDataset decodes a whole local file in chunks, or a URL through ranged reads.
func loadDataset(ctx context.Context, source string) (*cogview.RasterDataset, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		r, err := openSource(ctx, source)
		if err != nil {
			return nil, err
		}
		return r.ReadAll()
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", source, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", source, err)
	}
	return cogview.DecodeLarge(ctx, f, info.Size(), viper.GetInt("ingest.chunk_size"))
}

// writeOutput writes data to path, or stdout when path is empty or "-".
func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", len(data), path)
	return nil
}
