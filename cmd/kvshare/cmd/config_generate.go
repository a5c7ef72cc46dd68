package cmd

import (
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/spf13/cobra"
)

var configGen = &cobra.Command{
	Use:   "create",
	Short: "Create a config",
	Long:  "Create a config to use for kvshare. Config file will be placed in $HOME/.kvshare/kvshare.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		usr, err := user.Current()
		if usr == nil || err != nil {
			wrapFatalln("could not get home directory for user", err)
			return
		}
		generated := CLIConfig{
			CacheRoot:       kvshareFlags.cache.Root,
			IntegrityKey:    kvshareFlags.cache.KeyPath,
			MetaPath:        kvshareFlags.cache.MetaPath,
			MaxSegmentBytes: int64(kvshareFlags.cache.MaxSegmentSize),
			MaxTotalBytes:   int64(kvshareFlags.cache.MaxTotalSize),
			MaxFanout:       kvshareFlags.cache.MaxFanout,
			MaxTokens:       kvshareFlags.cache.MaxTokens,
			LookupTimeout:   kvshareFlags.cache.LookupTimeout,
			WatchKey:        kvshareFlags.cache.WatchKey,
			Metrics:         metricsFlags{Enabled: kvshareFlags.root.metrics.Enabled, URL: kvshareFlags.root.metrics.URL},
		}
		if kvshareFlags.vault.Address != "" {
			generated.Vault = &vaultConfig{
				Address:   kvshareFlags.vault.Address,
				Token:     kvshareFlags.vault.Token,
				Namespace: kvshareFlags.vault.Namespace,
				Field:     kvshareFlags.vault.Field,
				Encoding:  kvshareFlags.vault.Encoding,
				Insecure:  kvshareFlags.vault.Insecure,
			}
		}
		o, err := yaml.Marshal(generated)
		if err != nil {
			wrapFatalln("serialize config to yaml", err)
			return
		}
		_ = os.Mkdir(filepath.Join(usr.HomeDir, ".kvshare"), 0700)
		// the config may carry a vault token, keep it owner-readable
		err = os.WriteFile(filepath.Join(usr.HomeDir, ".kvshare", "kvshare.yaml"), o, 0600)
		if err != nil {
			wrapFatalln("write config file", err)
			return
		}
	},
}

func init() {
	configCmd.AddCommand(configGen)
}
