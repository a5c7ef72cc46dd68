// Package vault reads the integrity key from a hashicorp vault server.
//
// The key material lives in a regular KV secret, base64 or hex encoded
// under a single field. Both KV version 1 and version 2 secret layouts
// are understood.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"

	vault "github.com/hashicorp/vault/api"
	"github.com/suhlabs/kvshare/pkg/dlogger"
	"github.com/suhlabs/kvshare/pkg/errors"
	"github.com/suhlabs/kvshare/pkg/secrets"
	"github.com/suhlabs/kvshare/pkg/secrets/status"
	"go.uber.org/zap"
)

// DefaultField is the secret field holding the key material
const DefaultField = "key"

// Config configures access to a vault server
type Config struct {
	// Address of the vault server, e.g. https://vault.internal:8200
	Address string

	// Token authenticates the client. Other auth methods must be
	// performed out of band and resolve to a token.
	Token string

	// Namespace is an optional vault enterprise namespace
	Namespace string

	// Field is the secret field holding the key material (default "key")
	Field string

	// Encoding pins how the field is decoded: "base64" or "hex".
	// When empty, base64 is tried first and hex second, which misreads a
	// hex value whose length happens to be a multiple of four. Deployments
	// storing hex keys should pin it.
	Encoding string

	// CACert, ClientCert and ClientKey enable mutual TLS
	CACert     string
	ClientCert string
	ClientKey  string

	// Insecure skips server certificate verification
	Insecure bool
}

// New creates a secret source backed by a vault server
func New(cfg Config, opts ...Option) (secrets.Source, error) {
	s := &vaultSource{
		field:    cfg.Field,
		encoding: cfg.Encoding,
		l:        dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(s)
	}
	if s.field == "" {
		s.field = DefaultField
	}
	switch s.encoding {
	case "", "base64", "hex":
	default:
		return nil, errors.New("unsupported key encoding: " + s.encoding)
	}

	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	if cfg.CACert != "" || cfg.ClientCert != "" || cfg.Insecure {
		tls := &vault.TLSConfig{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			Insecure:   cfg.Insecure,
		}
		if err := vcfg.ConfigureTLS(tls); err != nil {
			return nil, errors.New("configure vault TLS").Wrap(err)
		}
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, errors.New("create vault client").Wrap(err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	s.client = client
	return s, nil
}

type vaultSource struct {
	client   *vault.Client
	field    string
	encoding string
	l        *zap.Logger
}

// Option is a functional option for the vault source
type Option func(*vaultSource)

// Logger sets a logger for this source
func Logger(l *zap.Logger) Option {
	return func(s *vaultSource) {
		if l != nil {
			s.l = l
		}
	}
}

func (s *vaultSource) String() string {
	return "vault"
}

func (s *vaultSource) GetIntegrityKey(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, errors.New("read vault secret").Wrap(err)
	}
	if secret == nil || len(secret.Data) == 0 {
		return nil, status.ErrNotFound
	}
	for _, warning := range secret.Warnings {
		s.l.Warn("vault warning", zap.String("warning", warning))
	}

	data := secret.Data
	// KV version 2 nests the fields under a "data" object
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	raw, ok := data[s.field]
	if !ok {
		return nil, status.ErrNotFound
	}
	text, ok := raw.(string)
	if !ok {
		return nil, status.ErrMalformed
	}
	return s.decode(text)
}

func (s *vaultSource) decode(text string) ([]byte, error) {
	switch s.encoding {
	case "base64":
		key, err := base64.StdEncoding.DecodeString(text)
		if err != nil || len(key) == 0 {
			return nil, status.ErrMalformed
		}
		return key, nil
	case "hex":
		key, err := hex.DecodeString(text)
		if err != nil || len(key) == 0 {
			return nil, status.ErrMalformed
		}
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(text); err == nil && len(key) > 0 {
		return key, nil
	}
	if key, err := hex.DecodeString(text); err == nil && len(key) > 0 {
		return key, nil
	}
	return nil, status.ErrMalformed
}

func (s *vaultSource) Close() error {
	return nil
}
