package bdgr

import (
	"go.uber.org/zap"
)

// Option is a functional option for the badger mirror
type Option func(*metaMirror)

// Logger sets a logger for this mirror
func Logger(l *zap.Logger) Option {
	return func(m *metaMirror) {
		if l != nil {
			m.l = l
		}
	}
}

// BatchSize bounds how many records commit in one transaction
func BatchSize(n int) Option {
	return func(m *metaMirror) {
		if n > 0 {
			m.batchSize = n
		}
	}
}
