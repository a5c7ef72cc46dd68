package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/viper"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kvshare",
	Short: "Kvshare caches reusable attention state across inference calls",
	Long: `Kvshare maintains a content-addressed cache of attention key/value tensors.

Token sequences are fingerprinted into stable keys, so that any request over the
same set of tokens reuses the tensor computed for the first one instead of
recomputing it. Cached segments live as integrity-sealed files under a local
cache directory and are served back as zero-copy memory mappings.

All commands resolve the integrity key at startup, from a local key file by
default or from a vault server when one is configured.
`,
}

var config *CLIConfig

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)

	addLogLevelFlag(rootCmd)
	addCacheFlags(rootCmd)
	addVaultFlags(rootCmd)
	addMetricsFlags(rootCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if os.Getenv("KVSHARE_CONFIG") != "" {
		// Use config file from the flag.
		viper.SetConfigFile(os.Getenv("KVSHARE_CONFIG"))
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.kvshare")
		viper.AddConfigPath("/etc/kvshare")
		viper.SetConfigName("kvshare")
	}

	viper.AutomaticEnv() // read in environment variables that match
	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}
	var err error
	config, err = newConfig()
	if err != nil {
		logFatalln(err)
	}
	config.setCacheParams(&kvshareFlags)
}
