package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaydb/pkg/kvstore/bolt"
	"github.com/cuemby/relaydb/pkg/rlog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade a store to --version, or report the plan with --dry-run",
	Long: `migrate opens the bolt file at --path and brings its stored
schema version up to --version by opening the bolt store at that version
with no upgrade callback, which records the new version and creates no
collections (this tool has no compile-time schema of its
own; the embedding application's own CollectionDescriptors create their
buckets the first time it opens the store). With --dry-run, migrate only
reports the version transition it would perform, grounded in
cmd/warren-migrate's inspect-before-mutate shape.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		version, _ := cmd.Flags().GetUint64("version")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		stats, err := bolt.Stat(path)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", path, err)
		}

		if stats.Version > version {
			return fmt.Errorf("store version %d is newer than requested version %d", stats.Version, version)
		}
		if stats.Version == version {
			fmt.Printf("%s is already at version %d, nothing to do\n", path, version)
			return nil
		}

		fmt.Printf("%s: version %d -> %d\n", path, stats.Version, version)
		if dryRun {
			fmt.Println("[dry run] no changes made")
			return nil
		}

		cap := bolt.New()
		if err := cap.Open(path, version, nil); err != nil {
			return fmt.Errorf("migrate %s: %w", path, err)
		}
		defer cap.Close()

		rlog.WithComponent("relaydb-migrate").Info().
			Uint64("from", stats.Version).Uint64("to", version).Msg("migration complete")
		fmt.Println("done")
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "Show the version transition without applying it")
}
