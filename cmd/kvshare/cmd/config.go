package cmd

import (
	"time"

	"github.com/go-openapi/runtime/flagext"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// vaultConfig describes how to reach a vault server holding the integrity key.
type vaultConfig struct {
	Address   string `json:"address" yaml:"address"`
	Token     string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Field     string `json:"field,omitempty" yaml:"field,omitempty"`
	Encoding  string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	Insecure  bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// CLIConfig describes the CLI configuration.
//
// CacheRoot is the directory holding segment files, IntegrityKey the path to
// the key material (a local file, or the secret path when vault is set) and
// MetaPath the directory of the metadata mirror, empty to disable mirroring.
type CLIConfig struct {
	// viper matches config keys to field names, so keep those aligned with the serialized names
	CacheRoot       string        `json:"cacheRoot" yaml:"cacheRoot"`
	IntegrityKey    string        `json:"integrityKey" yaml:"integrityKey"`
	MetaPath        string        `json:"metaPath,omitempty" yaml:"metaPath,omitempty"`
	MaxSegmentBytes int64         `json:"maxSegmentBytes,omitempty" yaml:"maxSegmentBytes,omitempty"`
	MaxTotalBytes   int64         `json:"maxTotalBytes,omitempty" yaml:"maxTotalBytes,omitempty"`
	MaxFanout       int           `json:"maxFanout,omitempty" yaml:"maxFanout,omitempty"`
	MaxTokens       int           `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	LookupTimeout   time.Duration `json:"lookupTimeout,omitempty" yaml:"lookupTimeout,omitempty"`
	WatchKey        bool          `json:"watchKey,omitempty" yaml:"watchKey,omitempty"`
	Vault           *vaultConfig  `json:"vault,omitempty" yaml:"vault,omitempty"`
	Metrics         metricsFlags  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

func newConfig() (*CLIConfig, error) {
	var config CLIConfig
	err := viper.Unmarshal(&config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// setCacheParams fills in flags left unset from the configuration file.
func (c *CLIConfig) setCacheParams(flags *flagsT) {
	if flags.cache.Root == "" {
		flags.cache.Root = c.CacheRoot
	}
	if flags.cache.KeyPath == "" {
		flags.cache.KeyPath = c.IntegrityKey
	}
	if flags.cache.MetaPath == "" {
		flags.cache.MetaPath = c.MetaPath
	}
	if int64(flags.cache.MaxSegmentSize) == 0 && c.MaxSegmentBytes > 0 {
		flags.cache.MaxSegmentSize = flagext.ByteSize(c.MaxSegmentBytes)
	}
	if int64(flags.cache.MaxTotalSize) == 0 && c.MaxTotalBytes > 0 {
		flags.cache.MaxTotalSize = flagext.ByteSize(c.MaxTotalBytes)
	}
	if flags.cache.MaxFanout == 0 {
		flags.cache.MaxFanout = c.MaxFanout
	}
	if flags.cache.MaxTokens == 0 {
		flags.cache.MaxTokens = c.MaxTokens
	}
	if flags.cache.LookupTimeout == 0 {
		flags.cache.LookupTimeout = c.LookupTimeout
	}
	if !flags.cache.WatchKey {
		flags.cache.WatchKey = c.WatchKey
	}
	if c.Vault != nil {
		if flags.vault.Address == "" {
			flags.vault.Address = c.Vault.Address
		}
		if flags.vault.Token == "" {
			flags.vault.Token = c.Vault.Token
		}
		if flags.vault.Namespace == "" {
			flags.vault.Namespace = c.Vault.Namespace
		}
		if flags.vault.Field == "" {
			flags.vault.Field = c.Vault.Field
		}
		if flags.vault.Encoding == "" {
			flags.vault.Encoding = c.Vault.Encoding
		}
		if !flags.vault.Insecure {
			flags.vault.Insecure = c.Vault.Insecure
		}
	}
	if !flags.root.metrics.IsEnabled() && c.Metrics.IsEnabled() {
		flags.root.metrics.Enabled = c.Metrics.Enabled
	}
	if flags.root.metrics.URL == "" {
		flags.root.metrics.URL = c.Metrics.URL
	}
}

// configCmd represents the config related commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Commands to manage a config",
	Long: `Commands to manage the kvshare CLI config.

Configuration for kvshare is the common set of flags that are needed for most commands
and do not change across runs, analogous to "git config ...".`,
}

func init() {
	rootCmd.AddCommand(configCmd)
}
