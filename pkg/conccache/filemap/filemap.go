// Package filemap implements a conccache.CacheMap backed by a JSON index file
// stored next to the cache files of a corpus.
package filemap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/persist"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// IndexFileName is the name of the per-corpus index file.
const IndexFileName = "index.json"

// LockFileName is the name of the file locked around index access.
const LockFileName = IndexFileName + ".lock"

// indexVersion is bumped on incompatible index layout changes.
const indexVersion = 1

const (
	dirPerm  = 0o755
	lockPerm = 0o644
)

// ErrIndexVersion is returned when the index was written by an incompatible version.
var ErrIndexVersion = errors.New("unsupported cache index version")

type record struct {
	SubcHash string                `json:"subchash,omitempty"`
	Query    query.Query           `json:"q"`
	File     string                `json:"file"`
	Size     int                   `json:"size"`
	Status   *conccache.CalcStatus `json:"status,omitempty"`
}

type index struct {
	Version int                `json:"version"`
	Entries map[string]*record `json:"entries"`
}

// Map is the cache map of one corpus. The index is re-read on every
// operation under a file lock, so several processes may share the directory:
// readers take a shared lock, read-modify-write cycles an exclusive one.
type Map struct {
	dir       string
	persister *persist.Persister[index]
	logger    *slog.Logger

	mu sync.Mutex
}

// New creates a map storing its index and cache files in dir.
func New(dir string, logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}

	return &Map{
		dir:       dir,
		persister: persist.NewPersister[index](filepath.Join(dir, IndexFileName), &persist.JSONCodec{}),
		logger:    logger,
	}
}

// Dir returns the directory holding the index and the cache files.
func (m *Map) Dir() string {
	return m.dir
}

// RefreshMap creates the directory and an empty index when missing.
func (m *Map) RefreshMap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lock(true)
	if err != nil {
		return err
	}

	defer unlock()

	_, found, err := m.persister.Load()
	if err != nil {
		return err
	}

	if found {
		return nil
	}

	return m.persister.Save(&index{Version: indexVersion, Entries: map[string]*record{}})
}

// StoredSize returns the size registered for the entry.
func (m *Map) StoredSize(subchash string, q query.Query) (int, bool, error) {
	var (
		size  int
		found bool
	)

	err := m.view(func(idx *index) {
		if rec, ok := idx.Entries[query.Hash(subchash, q)]; ok {
			size, found = rec.Size, true
		}
	})

	return size, found, err
}

// CalcStatus returns a copy of the stored status, or nil when there is none.
func (m *Map) CalcStatus(subchash string, q query.Query) (*conccache.CalcStatus, error) {
	var status *conccache.CalcStatus

	err := m.view(func(idx *index) {
		if rec, ok := idx.Entries[query.Hash(subchash, q)]; ok {
			status = rec.Status.Clone()
		}
	})

	return status, err
}

// CacheFilePath returns the cache file of the entry.
func (m *Map) CacheFilePath(subchash string, q query.Query) (string, bool, error) {
	var (
		path  string
		found bool
	)

	err := m.view(func(idx *index) {
		if rec, ok := idx.Entries[query.Hash(subchash, q)]; ok {
			path, found = m.filePath(rec), true
		}
	})

	return path, found, err
}

// AddToMap registers the entry. An existing entry keeps its status and only
// has its size updated.
func (m *Map) AddToMap(
	subchash string, q query.Query, size int, status *conccache.CalcStatus,
) (string, *conccache.CalcStatus, error) {
	var (
		path string
		prev *conccache.CalcStatus
	)

	err := m.update(func(idx *index) error {
		key := query.Hash(subchash, q)

		rec, ok := idx.Entries[key]
		if ok {
			prev = rec.Status.Clone()
			rec.Size = size

			if rec.Status == nil {
				rec.Status = newStatus(status)
			}
		} else {
			rec = &record{
				SubcHash: subchash,
				Query:    append(query.Query(nil), q...),
				File:     key + conccache.CacheFileExt,
				Size:     size,
				Status:   newStatus(status),
			}
			idx.Entries[key] = rec
		}

		path = m.filePath(rec)

		return nil
	})

	return path, prev, err
}

// DelEntry removes the index record of exactly q.
func (m *Map) DelEntry(subchash string, q query.Query) error {
	return m.update(func(idx *index) error {
		delete(idx.Entries, query.Hash(subchash, q))

		return nil
	})
}

// DelFullEntry removes every record of the subcorpus whose query starts with
// q[0], and deletes their cache files.
func (m *Map) DelFullEntry(subchash string, q query.Query) error {
	var files []string

	err := m.update(func(idx *index) error {
		for key, rec := range idx.Entries {
			if rec.SubcHash != subchash || !conccache.SameBase(rec.Query, q) {
				continue
			}

			files = append(files, m.filePath(rec))
			delete(idx.Entries, key)
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
	return m.update(func(idx *index) error {
		key := query.Hash(subchash, q)

		rec, ok := idx.Entries[key]
		if !ok {
			rec = &record{
				SubcHash: subchash,
				Query:    append(query.Query(nil), q...),
				File:     key + conccache.CacheFileExt,
			}
			idx.Entries[key] = rec
		}

		if rec.Status == nil {
			rec.Status = conccache.NewCalcStatus("")
		}

		rec.Status.Update(p)

		return nil
	})
}

// Entries lists a snapshot of all records.
func (m *Map) Entries() ([]conccache.Entry, error) {
	var out []conccache.Entry

	err := m.view(func(idx *index) {
		out = make([]conccache.Entry, 0, len(idx.Entries))

		for _, rec := range idx.Entries {
			out = append(out, conccache.Entry{
				SubcHash: rec.SubcHash,
				Query:    rec.Query,
				Path:     m.filePath(rec),
				Size:     rec.Size,
				Status:   rec.Status.Clone(),
			})
		}
	})

	return out, err
}

func (m *Map) filePath(rec *record) string {
	return filepath.Join(m.dir, rec.File)
}

func (m *Map) view(fn func(idx *index)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lock(false)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := m.load()
	if err != nil {
		return err
	}

	fn(idx)

	return nil
}

func (m *Map) update(fn func(idx *index) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lock(true)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := m.load()
	if err != nil {
		return err
	}

	err = fn(idx)
	if err != nil {
		return err
	}

	return m.persister.Save(idx)
}

// lock takes the directory lock. Shared locks on a missing directory are
// skipped since there is no index to protect yet.
func (m *Map) lock(exclusive bool) (func(), error) {
	if exclusive {
		err := os.MkdirAll(m.dir, dirPerm)
		if err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	path := filepath.Join(m.dir, LockFileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockPerm)
	if err != nil {
		if !exclusive && errors.Is(err, os.ErrNotExist) {
			return func() {}, nil
		}

		return nil, fmt.Errorf("open index lock: %w", err)
	}

	err = flock(f, exclusive)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("lock cache index %s: %w", path, err)
	}

	return func() {
		unlockErr := funlock(f)
		if unlockErr != nil {
			m.logger.Warn("failed to unlock cache index", "path", path, "error", unlockErr)
		}

		_ = f.Close()
	}, nil
}

func (m *Map) load() (*index, error) {
	idx, found, err := m.persister.Load()
	if err != nil {
		return nil, fmt.Errorf("load cache index %s: %w", m.persister.Path(), err)
	}

	if !found {
		return &index{Version: indexVersion, Entries: map[string]*record{}}, nil
	}

	if idx.Version != indexVersion {
		return nil, fmt.Errorf("%w: %d", ErrIndexVersion, idx.Version)
	}

	if idx.Entries == nil {
		idx.Entries = map[string]*record{}
	}

	return idx, nil
}

func newStatus(s *conccache.CalcStatus) *conccache.CalcStatus {
	if s == nil {
		return conccache.NewCalcStatus("")
	}

	return s.Clone()
}

// Factory hands out one Map per corpus under a common root directory.
type Factory struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	maps map[string]*Map
}

// NewFactory creates a factory rooted at root.
func NewFactory(root string, logger *slog.Logger) *Factory {
	return &Factory{root: root, logger: logger, maps: map[string]*Map{}}
}

// Mapping returns the cache map of corpname.
func (f *Factory) Mapping(corpname string) (conccache.CacheMap, error) {
	err := conccache.ValidateCorpusName(corpname)
	if err != nil {
		return nil, err
	}

	return f.Map(corpname), nil
}

// Map returns the concrete map of corpname, which must already be validated.
func (f *Factory) Map(corpname string) *Map {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.maps[corpname]
	if !ok {
		m = New(filepath.Join(f.root, corpname), f.logger)
		f.maps[corpname] = m
	}

	return m
}
