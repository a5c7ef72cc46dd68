package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check the cache directory against the cache metadata",
	Long: `Check the cache directory against the cache metadata.

Reads every cached segment and verifies its integrity seal. Reports corrupt
segments, files with no metadata and metadata with no file. With --repair,
whatever is reported is also removed. Exits non-zero when damage is found.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "fsck", err)
		}(time.Now())

		ctx := context.Background()
		inputs := newCliOptionInputs(config, &kvshareFlags)
		inputs.injectMetrics()

		cache, err := inputs.toCache(ctx)
		if err != nil {
			wrapFatalln("initialize cache", err)
			return
		}
		defer func() {
			if cerr := cache.Close(); cerr != nil {
				infoLogger.Println("close cache:", cerr)
			}
		}()

		report, err := cache.Fsck(ctx, kvshareFlags.fsck.Repair)
		if err != nil {
			wrapFatalln("check the cache", err)
			return
		}

		infoLogger.Printf("checked %d segments", report.Checked)
		for _, key := range report.Corrupt {
			infoLogger.Printf("corrupt: %v", key)
		}
		for _, key := range report.Orphans {
			infoLogger.Printf("orphan file: %v", key)
		}
		for _, key := range report.Missing {
			infoLogger.Printf("missing file: %v", key)
		}
		if report.Clean() {
			return
		}
		if kvshareFlags.fsck.Repair {
			infoLogger.Println("cache repaired")
			return
		}
		_ = cache.Close()
		osExit(2)
	},
}

func init() {
	fsckCmd.Flags().BoolVar(&kvshareFlags.fsck.Repair, "repair", false,
		"Remove whatever the check reports: corrupt segments, orphan files and entries whose file is gone")

	rootCmd.AddCommand(fsckCmd)
}
