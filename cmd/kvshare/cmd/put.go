package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/suhlabs/kvshare/pkg/core"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
)

var putCmd = &cobra.Command{
	Use:   "put",
	Short: "Cache the attention state for a token sequence",
	Long: `Cache the attention state for a token sequence.

The payload is read from --input only when the sequence is not cached yet.
On a cache hit the previously stored payload is reused and the input is not read.
Prints the entry key, whether the call was a hit or a miss, and the payload size.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "put", err)
		}(time.Now())

		ctx := context.Background()
		inputs := newCliOptionInputs(config, &kvshareFlags)
		inputs.injectMetrics()

		tokens, err := parseTokens(kvshareFlags.process.Tokens, kvshareFlags.process.TokensFile)
		if err != nil {
			wrapFatalln("resolve token sequence", err)
			return
		}
		var opts []core.ProcessOption
		if kvshareFlags.process.Parent != "" {
			var parent fingerprint.Key
			parent, err = fingerprint.KeyFromString(kvshareFlags.process.Parent)
			if err != nil {
				wrapFatalln("invalid parent key", err)
				return
			}
			opts = append(opts, core.Parent(parent))
		}

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

		res, err := cache.Process(ctx, tokens, func(_ context.Context, _ []uint64) ([]byte, error) {
			if kvshareFlags.process.Input == "-" {
				return io.ReadAll(os.Stdin)
			}
			return os.ReadFile(kvshareFlags.process.Input)
		}, opts...)
		if err != nil {
			wrapFatalln("cache the payload", err)
			return
		}
		defer func() {
			_ = res.Close()
		}()

		state := "miss"
		if res.CacheHit {
			state = "hit"
		}
		infoLogger.Printf("%s\t%s\t%d bytes", res.Key, state, res.Size())
	},
}

func init() {
	addTokensFlag(putCmd)
	addTokensFileFlag(putCmd)
	addParentFlag(putCmd)
	requireFlags(putCmd, addInputFlag(putCmd))

	rootCmd.AddCommand(putCmd)
}
