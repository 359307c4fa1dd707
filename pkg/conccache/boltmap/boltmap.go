// Package boltmap implements a conccache.CacheMap on top of a bbolt database.
//
// The database is opened for the duration of a single operation, so several
// processes may share one cache directory; bbolt's file lock serializes them.
package boltmap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/persist"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// DBFileName is the name of the per-corpus database file.
const DBFileName = "index.db"

// DefaultLockTimeout bounds the wait for the database file lock.
const DefaultLockTimeout = time.Second

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

var entriesBucket = []byte("entries")

type record struct {
	SubcHash string
	Query    []string
	File     string
	Size     int
	Status   *conccache.CalcStatus
}

// Map is the bbolt-backed cache map of one corpus.
type Map struct {
	dir         string
	lockTimeout time.Duration
	codec       persist.Codec
	logger      *slog.Logger

	// mu serializes opens within the process; bbolt locks are per open file.
	mu sync.Mutex
}

// New creates a map storing its database and cache files in dir.
func New(dir string, lockTimeout time.Duration, logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}

	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	return &Map{dir: dir, lockTimeout: lockTimeout, codec: persist.NewGobCodec(), logger: logger}
}

// Dir returns the directory holding the database and the cache files.
func (m *Map) Dir() string {
	return m.dir
}

// RefreshMap creates the directory, the database and its bucket when missing.
func (m *Map) RefreshMap() error {
	return m.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(entriesBucket)
			if err != nil {
				return fmt.Errorf("create bucket: %w", err)
			}

			return nil
		})
	})
}

// StoredSize returns the size registered for the entry.
func (m *Map) StoredSize(subchash string, q query.Query) (int, bool, error) {
	rec, err := m.get(subchash, q)
	if err != nil || rec == nil {
		return 0, false, err
	}

	return rec.Size, true, nil
}

// CalcStatus returns the stored status, or nil when there is none.
func (m *Map) CalcStatus(subchash string, q query.Query) (*conccache.CalcStatus, error) {
	rec, err := m.get(subchash, q)
	if err != nil || rec == nil {
		return nil, err
	}

	return rec.Status, nil
}

// CacheFilePath returns the cache file of the entry.
func (m *Map) CacheFilePath(subchash string, q query.Query) (string, bool, error) {
	rec, err := m.get(subchash, q)
	if err != nil || rec == nil {
		return "", false, err
	}

	return m.filePath(rec), true, nil
}

// AddToMap registers the entry, keeping the status of an existing one.
func (m *Map) AddToMap(
	subchash string, q query.Query, size int, status *conccache.CalcStatus,
) (string, *conccache.CalcStatus, error) {
	var (
		path string
		prev *conccache.CalcStatus
	)

	err := m.update(func(b *bolt.Bucket) error {
		key := query.Hash(subchash, q)

		rec, err := m.decode(b.Get([]byte(key)))
		if err != nil {
			return err
		}

		if rec == nil {
			rec = newRecord(key, subchash, q)
		} else {
			prev = rec.Status.Clone()
		}

		rec.Size = size

		if rec.Status == nil {
			rec.Status = status.Clone()
			if rec.Status == nil {
				rec.Status = conccache.NewCalcStatus("")
			}
		}

		path = m.filePath(rec)

		return m.put(b, key, rec)
	})

	return path, prev, err
}

// DelEntry removes the record of exactly q.
func (m *Map) DelEntry(subchash string, q query.Query) error {
	return m.update(func(b *bolt.Bucket) error {
		return b.Delete([]byte(query.Hash(subchash, q)))
	})
}

// DelFullEntry removes all records of the subcorpus sharing q[0] and their files.
func (m *Map) DelFullEntry(subchash string, q query.Query) error {
	var files []string

	err := m.update(func(b *bolt.Bucket) error {
		var keys [][]byte

		err := b.ForEach(func(k, v []byte) error {
			rec, err := m.decode(v)
			if err != nil {
				return err
			}

			if rec.SubcHash == subchash && conccache.SameBase(rec.Query, q) {
				keys = append(keys, append([]byte(nil), k...))
				files = append(files, m.filePath(rec))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			err = b.Delete(k)
			if err != nil {
				return fmt.Errorf("delete entry: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, f := range files {
		rmErr := os.Remove(f)
		if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			m.logger.Warn("failed to remove cache file", "path", f, "error", rmErr)
		}
	}

	return nil
}

// UpdateCalcStatus patches the stored status, creating the entry when absent.
func (m *Map) UpdateCalcStatus(subchash string, q query.Query, p conccache.StatusPatch) error {
	return m.update(func(b *bolt.Bucket) error {
		key := query.Hash(subchash, q)

		rec, err := m.decode(b.Get([]byte(key)))
		if err != nil {
			return err
		}

		if rec == nil {
			rec = newRecord(key, subchash, q)
		}

		if rec.Status == nil {
			rec.Status = conccache.NewCalcStatus("")
		}

		rec.Status.Update(p)

		return m.put(b, key, rec)
	})
}

// Entries lists all records.
func (m *Map) Entries() ([]conccache.Entry, error) {
	var out []conccache.Entry

	err := m.view(func(b *bolt.Bucket) error {
		return b.ForEach(func(_, v []byte) error {
			rec, err := m.decode(v)
			if err != nil {
				return err
			}

			out = append(out, conccache.Entry{
				SubcHash: rec.SubcHash,
				Query:    rec.Query,
				Path:     m.filePath(rec),
				Size:     rec.Size,
				Status:   rec.Status,
			})

			return nil
		})
	})

	return out, err
}

func newRecord(key, subchash string, q query.Query) *record {
	return &record{
		SubcHash: subchash,
		Query:    append([]string(nil), q...),
		File:     key + conccache.CacheFileExt,
	}
}

func (m *Map) filePath(rec *record) string {
	return filepath.Join(m.dir, rec.File)
}

func (m *Map) get(subchash string, q query.Query) (*record, error) {
	var rec *record

	err := m.view(func(b *bolt.Bucket) error {
		var err error

		rec, err = m.decode(b.Get([]byte(query.Hash(subchash, q))))

		return err
	})

	return rec, err
}

func (m *Map) decode(v []byte) (*record, error) {
	if v == nil {
		return nil, nil
	}

	rec := &record{}

	err := persist.Unmarshal(m.codec, v, rec)
	if err != nil {
		return nil, fmt.Errorf("decode cache record: %w", err)
	}

	return rec, nil
}

func (m *Map) put(b *bolt.Bucket, key string, rec *record) error {
	data, err := persist.Marshal(m.codec, rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	return b.Put([]byte(key), data)
}

func (m *Map) view(fn func(b *bolt.Bucket) error) error {
	return m.withDB(func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(entriesBucket)
			if b == nil {
				return nil
			}

			return fn(b)
		})
	})
}

func (m *Map) update(fn func(b *bolt.Bucket) error) error {
	return m.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(entriesBucket)
			if err != nil {
				return fmt.Errorf("create bucket: %w", err)
			}

			return fn(b)
		})
	})
}

func (m *Map) withDB(fn func(db *bolt.DB) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err = os.MkdirAll(m.dir, dirPerm)
	if err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(m.dir, DBFileName), filePerm, &bolt.Options{Timeout: m.lockTimeout})
	if err != nil {
		return fmt.Errorf("open cache db: %w", err)
	}

	defer func() {
		closeErr := db.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close cache db: %w", closeErr)
		}
	}()

	return fn(db)
}

// Factory hands out one Map per corpus under a common root directory.
type Factory struct {
	root        string
	lockTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	maps map[string]*Map
}

// NewFactory creates a factory rooted at root.
func NewFactory(root string, lockTimeout time.Duration, logger *slog.Logger) *Factory {
	return &Factory{root: root, lockTimeout: lockTimeout, logger: logger, maps: map[string]*Map{}}
}

// Mapping returns the cache map of corpname.
func (f *Factory) Mapping(corpname string) (conccache.CacheMap, error) {
	err := conccache.ValidateCorpusName(corpname)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.maps[corpname]
	if !ok {
		m = New(filepath.Join(f.root, corpname), f.lockTimeout, f.logger)
		f.maps[corpname] = m
	}

	return m, nil
}
