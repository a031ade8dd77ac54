// Package main implements tubesort, the sorting daemon. It serves the
// control plane and runs sorting jobs against the arm, the barcode reader and
// the classification service.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tubesort/internal/version"
)

var (
	// configPath is the YAML configuration file shared by every subcommand.
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tubesort",
	Short: "Tube sorting orchestrator",
	Long: `tubesort scans the tubes of one or more source grids, classifies every
barcode through the classification service and moves each tube into the
destination rack of its class.

The daemon exposes the control plane (start, stop, pause, resume, rack
replacement and status) over HTTP.`,
	Version:      version.String(),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file (defaults apply when empty)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
