// Package localfs reads the integrity key from a locally provisioned
// key file.
//
// Key files hold the key material hex-encoded on a single line, the way
// key provisioning tools drop them. A watcher is available to react to
// key rotations performed by replacing the file.
package localfs

import (
	"context"
	"encoding/hex"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/suhlabs/kvshare/pkg/dlogger"
	"github.com/suhlabs/kvshare/pkg/secrets"
	"github.com/suhlabs/kvshare/pkg/secrets/status"
	"go.uber.org/zap"
)

// New creates a secret source backed by a file system
func New(opts ...Option) secrets.Source {
	s := &localFS{
		l: dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(s)
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	return s
}

type localFS struct {
	fs afero.Fs
	l  *zap.Logger
}

// Option is a functional option for the localfs source
type Option func(*localFS)

// FS overrides the file system the source reads from. Tests use this
// with an in-memory file system.
func FS(fs afero.Fs) Option {
	return func(s *localFS) {
		s.fs = fs
	}
}

// Logger sets a logger for this source
func Logger(l *zap.Logger) Option {
	return func(s *localFS) {
		if l != nil {
			s.l = l
		}
	}
}

func (s *localFS) String() string {
	return "localfs"
}

func (s *localFS) GetIntegrityKey(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := s.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotFound
		}
		return nil, err
	}
	if fi.Mode().Perm()&0077 != 0 {
		s.l.Warn("key file is readable by group or others", zap.String("path", path), zap.String("mode", fi.Mode().String()))
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotFound
		}
		return nil, err
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, status.ErrMalformed.Wrap(err)
	}
	if len(key) == 0 {
		return nil, status.ErrMalformed
	}
	return key, nil
}

func (s *localFS) Close() error {
	return nil
}
