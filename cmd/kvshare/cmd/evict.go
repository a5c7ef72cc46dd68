package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict entries until the cache fits a size target",
	Long: `Evict entries until the cache fits a size target.

Least recently used entries go first, together with everything derived from
them. Pinned entries are never evicted, so the target may not be reachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "evict", err)
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

		evicted, err := cache.EvictToBudget(ctx, int64(kvshareFlags.evict.Target))
		if err != nil {
			wrapFatalln("evict cache entries", err)
			return
		}
		infoLogger.Printf("evicted %d entries, cache now holds %d bytes", evicted, cache.Metrics().TotalSizeBytes)
	},
}

func init() {
	target := "target-size"
	evictCmd.Flags().Var(&kvshareFlags.evict.Target, target,
		"The size (in KB, MB, GB, ...) the cache should fit after eviction")
	requireFlags(evictCmd, target)

	rootCmd.AddCommand(evictCmd)
}
