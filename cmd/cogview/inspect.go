package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/cogview"
)

var infoCmd = &cobra.Command{
	Use:   "info <file|url>",
	Short: "Print raster dimensions, layout and georeference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openSource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		return printJSON(cmd, r.Info())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <file|url>",
	Short: "Compute band statistics",
	Long: `Compute min, max and mean of one band.

Strips and tiles are visited one at a time, so the whole band is never held in
memory. With --stride N the mean is estimated from every Nth sample; min and max
are always exact.`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Int("band", 0, "band index (0-based)")
	statsCmd.Flags().Int("stride", 1, "mean sampling stride (1 = exact)")
	viper.BindPFlag("stats.band", statsCmd.Flags().Lookup("band"))
	viper.BindPFlag("stats.stride", statsCmd.Flags().Lookup("stride"))
}

func runStats(cmd *cobra.Command, args []string) error {
	r, err := openSource(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	band := viper.GetInt("stats.band")
	stats, err := cogview.TileStatistics(cmd.Context(), r, band, viper.GetInt("stats.stride"))
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]interface{}{
		"band":  band,
		"stats": stats,
	})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
