package conccache

import (
	"fmt"
	"strings"

	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// CacheFileExt is the extension of cached concordance files.
const CacheFileExt = ".conc"

// CacheMap is a per-corpus persistent index from (subcorpus hash, query prefix)
// to a cache file and the calculation status of that prefix.
//
// An empty subchash denotes the whole corpus. The map does not serialize
// writers of the same key; callers treat "status exists and not finished"
// as "another writer owns this entry".
type CacheMap interface {
	// StoredSize returns the size registered for the entry.
	StoredSize(subchash string, q query.Query) (int, bool, error)

	// CalcStatus returns the stored status, or nil when there is no entry.
	CalcStatus(subchash string, q query.Query) (*CalcStatus, error)

	// RefreshMap makes sure the backing storage exists. It is idempotent.
	RefreshMap() error

	// CacheFilePath returns the cache file of the exact entry; false means no entry.
	CacheFilePath(subchash string, q query.Query) (string, bool, error)

	// AddToMap registers or updates the entry and returns its cache file path
	// together with the status stored before the call (nil on first insert).
	AddToMap(subchash string, q query.Query, size int, status *CalcStatus) (string, *CalcStatus, error)

	// DelEntry removes the index record of exactly this query.
	DelEntry(subchash string, q query.Query) error

	// DelFullEntry removes all records (and their files) sharing the base
	// query q[0] within the same subcorpus.
	DelFullEntry(subchash string, q query.Query) error

	// UpdateCalcStatus patches the stored status, creating the entry when absent.
	UpdateCalcStatus(subchash string, q query.Query, p StatusPatch) error
}

// Entry is a snapshot of one cache map record.
type Entry struct {
	SubcHash string      `json:"subchash,omitempty" yaml:"subchash,omitempty"`
	Query    query.Query `json:"q" yaml:"q"`
	Path     string      `json:"path" yaml:"path"`
	Size     int         `json:"size" yaml:"size"`
	Status   *CalcStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// Lister is implemented by backends able to enumerate their entries.
type Lister interface {
	Entries() ([]Entry, error)
}

// Factory provides per-corpus cache maps.
type Factory interface {
	Mapping(corpname string) (CacheMap, error)
}

// SameBase reports whether a stored query belongs to the chain started by q[0].
func SameBase(stored, q query.Query) bool {
	return len(stored) > 0 && len(q) > 0 && stored[0] == q[0]
}

// ValidateCorpusName checks that name can be used as a directory below the
// cache root.
func ValidateCorpusName(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidCorpusName, name)
	}

	return nil
}
