// Package storage wraps dgraph-io/badger/v4 as the embedded key-value
// layer shared by every on-disk component: the producer cache (C7), the
// consumer cache (C11), the error queue (C12), the trashbin (C14), and
// the messagebus offset store (C9). Modelled on the teacher's
// services/trace/storage/badger package — config struct, managed DB
// with an optional background GC runner, transaction helpers — adapted
// here with prefix-scoped JSON helpers since every caller in this
// module stores one JSON document per key rather than raw bytes.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type Config struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	Logger            *slog.Logger
	NumVersionsToKeep int
	GCInterval        time.Duration
	GCDiscardRatio    float64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

type badgerLogger struct{ l *slog.Logger }

func (b *badgerLogger) Errorf(f string, a ...interface{})   { b.l.Error(fmt.Sprintf(f, a...)) }
func (b *badgerLogger) Warningf(f string, a ...interface{}) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b *badgerLogger) Infof(f string, a ...interface{})    { b.l.Info(fmt.Sprintf(f, a...)) }
func (b *badgerLogger) Debugf(f string, a ...interface{})   { b.l.Debug(fmt.Sprintf(f, a...)) }

// DB wraps *badger.DB with lifecycle management and the JSON-document
// helpers every hermes-go on-disk component builds on.
type DB struct {
	*badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("storage: path required for persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("storage: mkdir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db := &DB{DB: bdb}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stopGC = make(chan struct{})
		db.doneGC = make(chan struct{})
		go db.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return db, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			if err := d.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("storage: value log gc failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.doneGC
	}
	return d.DB.Close()
}

// Put writes v, JSON-encoded, under key inside one transaction.
func (d *DB) Put(key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	return d.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// Get decodes the value at key into dst; returns (false, nil) if the key
// is absent so callers can distinguish "not yet cached" from an error.
func (d *DB) Get(key []byte, dst any) (bool, error) {
	var found bool
	err := d.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dst)
		})
	})
	if err != nil {
		return false, fmt.Errorf("storage: get: %w", err)
	}
	return found, nil
}

func (d *DB) Delete(key []byte) error {
	return d.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// IteratePrefix calls fn once per key under prefix, in key order, with
// the decoded JSON value of type dstFactory()'s return; iteration stops
// at the first error fn or decoding returns.
func (d *DB) IteratePrefix(prefix []byte, dstFactory func() any, fn func(key []byte, v any) error) error {
	return d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := append([]byte(nil), item.Key()...)
			dst := dstFactory()
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, dst)
			}); err != nil {
				return err
			}
			if err := fn(key, dst); err != nil {
				return err
			}
		}
		return nil
	})
}

// WithTxn runs fn in a read-write transaction, committing on success.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// Key builds a namespaced storage key from ordered components, joined
// the same way dataschema.MakePkey joins composite pkey parts, so
// prefix scans over a namespace never collide with an adjacent one.
func Key(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte('\x1f')
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}
