package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/suhlabs/kvshare/pkg/core/status"
	"github.com/suhlabs/kvshare/pkg/errors"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"golang.org/x/sys/unix"
)

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Retrieve a cached attention state",
	Long: `Retrieve a cached attention state.

The entry is addressed either by its key, as printed by put, or by the token
sequence it was cached for. The payload is written to stdout, or to --output.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "get", err)
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

		var key fingerprint.Key
		if len(args) == 1 {
			key, err = fingerprint.KeyFromString(args[0])
			if err != nil {
				wrapFatalln("invalid key", err)
				return
			}
		} else {
			var tokens []uint64
			tokens, err = parseTokens(kvshareFlags.process.Tokens, kvshareFlags.process.TokensFile)
			if err != nil {
				wrapFatalln("resolve token sequence", err)
				return
			}
			key, err = cache.Fingerprint(tokens)
			if err != nil {
				wrapFatalln("fingerprint token sequence", err)
				return
			}
		}

		res, err := cache.Get(ctx, key)
		if err != nil {
			if errors.Is(err, status.ErrNotFound) {
				_ = cache.Close()
				wrapFatalWithCodef(int(unix.ENOENT), "didn't find entry %v", key)
				return
			}
			wrapFatalln("retrieve the payload", err)
			return
		}
		defer func() {
			_ = res.Close()
		}()

		if kvshareFlags.process.Output != "" {
			err = os.WriteFile(kvshareFlags.process.Output, res.Payload(), 0600)
			if err != nil {
				wrapFatalln("write the payload", err)
				return
			}
			return
		}
		_, err = os.Stdout.Write(res.Payload())
		if err != nil {
			wrapFatalln("write the payload", err)
			return
		}
	},
}

func init() {
	addTokensFlag(getCmd)
	addTokensFileFlag(getCmd)
	addOutputFlag(getCmd)

	rootCmd.AddCommand(getCmd)
}
