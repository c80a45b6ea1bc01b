package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaydb/pkg/kvstore/bolt"
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Print a store's schema version and per-collection record counts",
	Long: `open inspects the bolt file at --path without mutating it: it
reports the stored schema version and, for every collection bucket
found, how many rows it holds. A path that does not exist yet reports
version 0 and no collections, matching what a first Open would create.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")

		stats, err := bolt.Stat(path)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", path, err)
		}

		fmt.Printf("Database: %s\n", path)
		fmt.Printf("Schema version: %d\n", stats.Version)
		if len(stats.Stores) == 0 {
			fmt.Println("Collections: none")
			return nil
		}

		fmt.Println("Collections:")
		for _, s := range stats.Stores {
			fmt.Printf("  %-24s %d records\n", s.Name, s.Records)
		}
		return nil
	},
}
