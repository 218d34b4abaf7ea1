package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/cogview/internal/catalog"
	"github.com/tingold/cogview/internal/server"
)

const version = "1.0.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start an HTTP server that exposes statistics, rendering and extraction over
rasters in the configured object store.

Examples:
  # Serve GeoTIFFs under ./data on port 8080
  cogview serve --store dir --store-dir ./data

  # Serve a remote store and keep a sqlite index of it
  cogview serve --store http --store-url https://data.example.com/cogs \
    --catalog catalog.db --catalog-prefix dem/ --catalog-refresh 10m`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	serveCmd.Flags().Int("max-preview", 2048, "largest rendered preview side")

	// Catalog
	serveCmd.Flags().String("catalog", "", "sqlite catalog path (empty disables the catalog)")
	serveCmd.Flags().StringSlice("catalog-prefix", []string{""}, "prefixes to index")
	serveCmd.Flags().Duration("catalog-refresh", 15*time.Minute, "catalog refresh interval (0 = once)")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.max_preview", serveCmd.Flags().Lookup("max-preview"))
	viper.BindPFlag("catalog.path", serveCmd.Flags().Lookup("catalog"))
	viper.BindPFlag("catalog.prefixes", serveCmd.Flags().Lookup("catalog-prefix"))
	viper.BindPFlag("catalog.refresh", serveCmd.Flags().Lookup("catalog-refresh"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)

	store, err := newStore()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var cat *catalog.Catalog
	if path := viper.GetString("catalog.path"); path != "" {
		if cat, err = catalog.Open(path); err != nil {
			return err
		}
		defer cat.Close()

		prefixes := viper.GetStringSlice("catalog.prefixes")
		refresh := viper.GetDuration("catalog.refresh")
		go func() {
			if err := cat.Run(ctx, store, prefixes, refresh); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("catalog stopped: %v", err)
			}
		}()
	}

	// Create server implementation
	apiServer := server.NewServer(server.Config{
		Store:         store,
		Catalog:       cat,
		PreviewStride: viper.GetInt("ingest.preview_stride"),
		MaxPreviewDim: viper.GetInt("server.max_preview"),
		Timeout:       timeout,
		Version:       version,
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Routes(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Starting cogview server on %s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Health check: http://%s/api/v1/health\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Objects: http://%s/api/v1/objects\n", addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
