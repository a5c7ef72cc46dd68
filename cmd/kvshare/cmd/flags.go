package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/runtime/flagext"
	"github.com/spf13/cobra"
	"github.com/suhlabs/kvshare/pkg/core"
	"github.com/suhlabs/kvshare/pkg/dlogger"
	"github.com/suhlabs/kvshare/pkg/lineage/bdgr"
	"github.com/suhlabs/kvshare/pkg/metrics"
	"github.com/suhlabs/kvshare/pkg/metrics/exporters/influxdb"
	"github.com/suhlabs/kvshare/pkg/secrets"
	"github.com/suhlabs/kvshare/pkg/secrets/localfs"
	"github.com/suhlabs/kvshare/pkg/secrets/vault"
	"go.uber.org/zap"
)

type flagsT struct {
	cache struct {
		Root           string
		KeyPath        string
		MetaPath       string
		MaxSegmentSize flagext.ByteSize
		MaxTotalSize   flagext.ByteSize
		MaxFanout      int
		MaxTokens      int
		LookupTimeout  time.Duration
		WatchKey       bool
	}
	process struct {
		Tokens     string
		TokensFile string
		Parent     string
		Input      string
		Output     string
	}
	evict struct {
		Target flagext.ByteSize
	}
	fsck struct {
		Repair bool
	}
	keygen struct {
		Size  int
		Force bool
	}
	vault struct {
		Address   string
		Token     string
		Namespace string
		Field     string
		Encoding  string
		Insecure  bool
	}
	root struct {
		logLevel string
		metrics  metricsFlags
	}
}

var kvshareFlags = flagsT{}

func addLogLevelFlag(cmd *cobra.Command) string {
	loglevel := "loglevel"
	cmd.PersistentFlags().StringVar(&kvshareFlags.root.logLevel, loglevel, "info",
		"The logging level, one of: info, debug, none")
	return loglevel
}

func addCacheFlags(cmd *cobra.Command) {
	addCacheRootFlag(cmd)
	addKeyFileFlag(cmd)
	addMetaPathFlag(cmd)
	addMaxSegmentSizeFlag(cmd)
	addMaxTotalSizeFlag(cmd)
	addMaxFanoutFlag(cmd)
	addMaxTokensFlag(cmd)
	addLookupTimeoutFlag(cmd)
	addWatchKeyFlag(cmd)
}

func addCacheRootFlag(cmd *cobra.Command) string {
	root := "root"
	cmd.PersistentFlags().StringVar(&kvshareFlags.cache.Root, root, "",
		"Directory holding the cached segment files")
	return root
}

func addKeyFileFlag(cmd *cobra.Command) string {
	keyFile := "key-file"
	cmd.PersistentFlags().StringVar(&kvshareFlags.cache.KeyPath, keyFile, "",
		"Path to the integrity key: a hex encoded local file, or the secret path when vault is configured")
	return keyFile
}

func addMetaPathFlag(cmd *cobra.Command) string {
	meta := "meta"
	cmd.PersistentFlags().StringVar(&kvshareFlags.cache.MetaPath, meta, "",
		"Directory for the cache metadata mirror. When unset, the cache starts cold on every run")
	return meta
}

func addMaxSegmentSizeFlag(cmd *cobra.Command) string {
	maxSegmentSize := "max-segment-size"
	cmd.PersistentFlags().Var(&kvshareFlags.cache.MaxSegmentSize, maxSegmentSize,
		"The maximum size of a single cached segment (in KB, MB, GB, ...)")
	return maxSegmentSize
}

func addMaxTotalSizeFlag(cmd *cobra.Command) string {
	maxTotalSize := "max-total-size"
	cmd.PersistentFlags().Var(&kvshareFlags.cache.MaxTotalSize, maxTotalSize,
		"The cache size budget (in KB, MB, GB, ...). Least recently used entries are evicted to stay under it")
	return maxTotalSize
}

func addMaxFanoutFlag(cmd *cobra.Command) string {
	maxFanout := "max-fanout"
	cmd.PersistentFlags().IntVar(&kvshareFlags.cache.MaxFanout, maxFanout, 0,
		"The maximum number of derived entries per cache entry")
	return maxFanout
}

func addMaxTokensFlag(cmd *cobra.Command) string {
	maxTokens := "max-tokens"
	cmd.PersistentFlags().IntVar(&kvshareFlags.cache.MaxTokens, maxTokens, 0,
		"The maximum admissible number of tokens per sequence")
	return maxTokens
}

func addLookupTimeoutFlag(cmd *cobra.Command) string {
	lookupTimeout := "lookup-timeout"
	cmd.PersistentFlags().DurationVar(&kvshareFlags.cache.LookupTimeout, lookupTimeout, 0,
		"How long a cache lookup may take before the entry is recomputed instead. 0 uses the built-in default, negative waits forever")
	return lookupTimeout
}

func addWatchKeyFlag(cmd *cobra.Command) string {
	watchKey := "watch-key"
	cmd.PersistentFlags().BoolVar(&kvshareFlags.cache.WatchKey, watchKey, false,
		"Watch the integrity key file and rotate the key in place when it changes")
	return watchKey
}

func addVaultFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&kvshareFlags.vault.Address, "vault-addr", "",
		"URL of a vault server holding the integrity key. When unset, the key is read from the local key file")
	cmd.PersistentFlags().StringVar(&kvshareFlags.vault.Token, "vault-token", "",
		"Token to authenticate against vault. Defaults to the VAULT_TOKEN environment variable")
	cmd.PersistentFlags().StringVar(&kvshareFlags.vault.Namespace, "vault-namespace", "",
		"Vault enterprise namespace")
	cmd.PersistentFlags().StringVar(&kvshareFlags.vault.Field, "vault-field", "",
		`Field of the vault secret holding the key material (defaults to "key")`)
	cmd.PersistentFlags().StringVar(&kvshareFlags.vault.Encoding, "vault-encoding", "",
		`Encoding of the key material in vault, "base64" or "hex". Auto detected when unset`)
	cmd.PersistentFlags().BoolVar(&kvshareFlags.vault.Insecure, "vault-insecure", false,
		"Skip TLS verification when talking to vault")
}

var defaultMetricsEnabled bool

func addMetricsFlags(cmd *cobra.Command) {
	kvshareFlags.root.metrics.Enabled = &defaultMetricsEnabled
	cmd.PersistentFlags().BoolVar(kvshareFlags.root.metrics.Enabled, "metrics", false,
		"Toggle telemetry and metrics collection")
	cmd.PersistentFlags().StringVar(&kvshareFlags.root.metrics.URL, "metrics-url", "",
		"Fully qualified URL to an influxdb metrics collector, with optional user and password")
}

func addTokensFlag(cmd *cobra.Command) string {
	tokens := "tokens"
	cmd.Flags().StringVar(&kvshareFlags.process.Tokens, tokens, "",
		"The token sequence, as a comma separated list of unsigned integers")
	return tokens
}

func addTokensFileFlag(cmd *cobra.Command) string {
	tokensFile := "tokens-file"
	cmd.Flags().StringVar(&kvshareFlags.process.TokensFile, tokensFile, "",
		"Path to a file with the token sequence, as whitespace separated unsigned integers")
	return tokensFile
}

func addParentFlag(cmd *cobra.Command) string {
	parent := "parent"
	cmd.Flags().StringVar(&kvshareFlags.process.Parent, parent, "",
		"Key of the cached entry this one derives from, as printed by a previous put")
	return parent
}

func addInputFlag(cmd *cobra.Command) string {
	input := "input"
	cmd.Flags().StringVar(&kvshareFlags.process.Input, input, "",
		`Path to the file holding the tensor payload, or "-" to read it from stdin`)
	return input
}

func addOutputFlag(cmd *cobra.Command) string {
	output := "output"
	cmd.Flags().StringVar(&kvshareFlags.process.Output, output, "",
		"Path to write the cached payload to. Defaults to stdout")
	return output
}

// requireFlags sets a flag (local to the command or inherited) as required
func requireFlags(cmd *cobra.Command, flags ...string) {
	for _, flag := range flags {
		err := cmd.MarkFlagRequired(flag)
		if err != nil {
			err = cmd.MarkPersistentFlagRequired(flag)
		}
		if err != nil {
			wrapFatalln(fmt.Sprintf("error attempting to mark the required flag %q", flag), err)
			return
		}
	}
}

// parseTokens resolves the token sequence from either the --tokens flag or
// the --tokens-file flag.
func parseTokens(csv, file string) ([]uint64, error) {
	var fields []string
	switch {
	case csv != "" && file != "":
		return nil, fmt.Errorf(`set either "--tokens" or "--tokens-file", not both`)
	case csv != "":
		fields = strings.Split(csv, ",")
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		fields = strings.Fields(string(b))
	default:
		return nil, fmt.Errorf(`one of "--tokens" or "--tokens-file" is required`)
	}
	tokens := make([]uint64, 0, len(fields))
	for _, field := range fields {
		token, err := strconv.ParseUint(strings.TrimSpace(field), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q: %v", field, err)
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

type cliOptionInputs struct {
	config *CLIConfig
	params *flagsT

	onceLogger sync.Once
	logger     *zap.Logger
}

func newCliOptionInputs(config *CLIConfig, params *flagsT) *cliOptionInputs {
	return &cliOptionInputs{
		config: config,
		params: params,
	}
}

func (in *cliOptionInputs) getLogger() (*zap.Logger, error) {
	var err error
	in.onceLogger.Do(func() {
		in.logger, err = dlogger.GetLogger(in.params.root.logLevel)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set log level: %v", err)
	}
	return in.logger, nil
}

// injectMetrics primes metrics collection when enabled by flags or config.
func (in *cliOptionInputs) injectMetrics() {
	if !in.params.root.metrics.IsEnabled() {
		return
	}
	opts := []metrics.Option{metrics.WithBasePath("kvshare")}
	if url := in.params.root.metrics.URL; url != "" {
		sink, err := influxdb.NewStore(
			influxdb.WithURL(url),
			influxdb.WithDatabase("kvshare"),
			influxdb.WithNameAsTag("metrics"),
		)
		if err != nil {
			wrapFatalln("invalid metrics collector URL", err)
			return
		}
		opts = append(opts, metrics.WithExporter(metrics.DefaultExporter(influxdb.WithStore(sink))))
	}
	metrics.Init(opts...)
	in.params.root.metrics.m = metrics.EnsureMetrics("cmd", &M{}).(*M)
}

// toSource builds the secret source holding the integrity key: vault when an
// address is configured, the local filesystem otherwise.
func (in *cliOptionInputs) toSource() (secrets.Source, error) {
	logger, err := in.getLogger()
	if err != nil {
		return nil, err
	}
	v := in.params.vault
	if v.Address == "" {
		return localfs.New(localfs.Logger(logger)), nil
	}
	return vault.New(vault.Config{
		Address:   v.Address,
		Token:     v.Token,
		Namespace: v.Namespace,
		Field:     v.Field,
		Encoding:  v.Encoding,
		Insecure:  v.Insecure,
	}, vault.Logger(logger))
}

// toCache builds the cache from the resolved flags and configuration.
func (in *cliOptionInputs) toCache(ctx context.Context) (*core.Cache, error) {
	logger, err := in.getLogger()
	if err != nil {
		return nil, err
	}
	source, err := in.toSource()
	if err != nil {
		return nil, err
	}
	opts := []core.Option{
		core.Logger(logger),
		core.WithMetrics(in.params.root.metrics.IsEnabled()),
	}
	if in.params.cache.MetaPath != "" {
		mirror, err := bdgr.New(in.params.cache.MetaPath, bdgr.Logger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.Mirror(mirror))
	}
	if in.params.cache.WatchKey {
		opts = append(opts, core.WatchIntegrityKey(true))
	}
	return core.New(ctx, core.Config{
		CacheRoot:        in.params.cache.Root,
		IntegrityKeyPath: in.params.cache.KeyPath,
		MaxSegmentBytes:  int64(in.params.cache.MaxSegmentSize),
		MaxTotalBytes:    int64(in.params.cache.MaxTotalSize),
		MaxFanout:        in.params.cache.MaxFanout,
		MaxTokens:        in.params.cache.MaxTokens,
		LookupTimeout:    in.params.cache.LookupTimeout,
	}, source, opts...)
}
