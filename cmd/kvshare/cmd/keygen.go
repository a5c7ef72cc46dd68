package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/suhlabs/kvshare/pkg/integrity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh integrity key file",
	Long: `Generate a fresh integrity key file.

The key is random, hex encoded; the file is readable by its owner only.
An existing key file is left alone unless --force is given: replacing the key
invalidates every segment sealed under the previous one.`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		defer func(t0 time.Time) {
			cliUsage(t0, "keygen", err)
		}(time.Now())

		inputs := newCliOptionInputs(config, &kvshareFlags)
		inputs.injectMetrics()

		size := kvshareFlags.keygen.Size
		if size < integrity.MinKeySize || size > integrity.MaxKeySize {
			wrapFatalln(fmt.Sprintf("key size must lie between %d and %d bytes", integrity.MinKeySize, integrity.MaxKeySize), nil)
			return
		}
		path := kvshareFlags.cache.KeyPath
		if path == "" {
			wrapFatalln("no key file set: use --key-file or the config file", nil)
			return
		}
		if _, serr := os.Stat(path); serr == nil && !kvshareFlags.keygen.Force {
			wrapFatalln(fmt.Sprintf("%s already exists, use --force to replace it", path), nil)
			return
		}

		key := make([]byte, size)
		if _, err = rand.Read(key); err != nil {
			wrapFatalln("generate key material", err)
			return
		}
		if err = os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
			wrapFatalln("write the key file", err)
			return
		}
		infoLogger.Printf("wrote a %d byte key to %s", size, path)
	},
}

func init() {
	keygenCmd.Flags().IntVar(&kvshareFlags.keygen.Size, "size", 32,
		"The key size in bytes")
	keygenCmd.Flags().BoolVar(&kvshareFlags.keygen.Force, "force", false,
		"Replace an existing key file")

	rootCmd.AddCommand(keygenCmd)
}
