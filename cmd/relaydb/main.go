package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaydb/pkg/rlog"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relaydb",
	Short: "relaydb - schema-driven, relation-aware key-value data access",
	Long: `relaydb is a data-access layer over an embedded bbolt store:
typed collections, foreign keys, relation loading, in-process cross-tab
sync, and reactive selectors, built as a Go library.

This binary is an operations tool for databases built on that library: it
opens a store to report its schema version and per-collection record
counts, runs version upgrades, and serves Prometheus metrics and a
liveness endpoint for a long-running embedding process.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("relaydb version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("path", "./relaydb.db", "Path to the bolt database file")
	rootCmd.PersistentFlags().Uint64("version", 1, "Schema version this command expects the store to be at")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	rlog.Init(rlog.Config{
		Level:      rlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
