package cmd

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report cache effectiveness counters",
	Long: `Report cache effectiveness counters as JSON.

Hit and miss counters cover the lifetime of the reporting process. Entry and
size figures reflect the cache directory, and carry over across runs when a
metadata mirror is configured with --meta.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "stats", err)
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

		buf, err := jsoniter.MarshalIndent(cache.Metrics(), "", "  ")
		if err != nil {
			wrapFatalln("serialize stats", err)
			return
		}
		infoLogger.Println(string(buf))
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
