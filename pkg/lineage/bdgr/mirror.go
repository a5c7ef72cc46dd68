// Package bdgr persists lineage records in a local badger database.
//
// The database mirrors the in-memory index so a restart can warm the
// cache instead of starting cold. Batches commit in bounded transactions
// and the cache treats every mirror failure as recoverable.
package bdgr

import (
	"context"
	"os"
	"sync"

	"github.com/dgraph-io/badger"
	jsoniter "github.com/json-iterator/go"
	"github.com/suhlabs/kvshare/pkg/dlogger"
	"github.com/suhlabs/kvshare/pkg/errors"
	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"github.com/suhlabs/kvshare/pkg/lineage"
	"go.uber.org/zap"
)

// DefaultBatchSize bounds how many records commit in one badger
// transaction
const DefaultBatchSize = 1000

var nodePref = [5]byte{'n', 'o', 'd', 'e', ':'}

// New opens a badger backed lineage mirror rooted at dir
func New(dir string, opts ...Option) (lineage.Mirror, error) {
	m := &metaMirror{
		batchSize: DefaultBatchSize,
		l:         dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(m)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.New("create mirror directory").Wrap(err)
	}
	bopts := badger.DefaultOptions
	bopts.Dir = dir
	bopts.ValueDir = dir

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.New("open mirror database").Wrap(err)
	}
	m.db = db
	return m, nil
}

type metaMirror struct {
	db        *badger.DB
	batchSize int
	stop      sync.Once
	l         *zap.Logger
}

func nodeKey(key string) []byte {
	return append(nodePref[:], key...)
}

func (m *metaMirror) UpsertBatch(ctx context.Context, records []lineage.NodeRecord) error {
	for start := 0; start < len(records); start += m.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + m.batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		err := m.db.Update(func(txn *badger.Txn) error {
			for _, rec := range chunk {
				data, err := jsoniter.Marshal(rec)
				if err != nil {
					return err
				}
				if err := txn.Set(nodeKey(rec.Key), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.New("mirror upsert").Wrap(err)
		}
	}
	return nil
}

func (m *metaMirror) DeleteBatch(ctx context.Context, keys []fingerprint.Key) error {
	for start := 0; start < len(keys); start += m.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + m.batchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		err := m.db.Update(func(txn *badger.Txn) error {
			for _, key := range chunk {
				if err := txn.Delete(nodeKey(key.String())); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.New("mirror delete").Wrap(err)
		}
	}
	return nil
}

func (m *metaMirror) Load(ctx context.Context) ([]lineage.NodeRecord, error) {
	var records []lineage.NodeRecord
	berr := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = m.batchSize
		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(nodePref[:]); iter.ValidForPrefix(nodePref[:]); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := iter.Item().Value()
			if err != nil {
				return err
			}
			var rec lineage.NodeRecord
			if err := jsoniter.Unmarshal(data, &rec); err != nil {
				m.l.Warn("skipping unreadable mirror record", zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if berr != nil {
		return nil, errors.New("mirror load").Wrap(berr)
	}
	return records, nil
}

func (m *metaMirror) Close() error {
	var err error
	m.stop.Do(func() {
		if m.db != nil {
			err = m.db.Close()
			if err == nil {
				m.db = nil
			}
		}
	})
	return err
}
