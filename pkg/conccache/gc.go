package conccache

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

// Default retention for cache entries.
const (
	DefaultMaxAge   = 7 * 24 * time.Hour // 7 days.
	DefaultMaxBytes = 1 << 30            // 1GiB.
)

// Eviction reasons reported by Collect.
const (
	ReasonFailed   = "failed"
	ReasonStalled  = "stalled"
	ReasonOutdated = "outdated"
	ReasonExpired  = "expired"
	ReasonSize     = "size"
)

// ListableMap is a CacheMap able to enumerate its entries.
type ListableMap interface {
	CacheMap
	Lister
}

// GCPolicy configures cache garbage collection. Zero values disable the
// corresponding rule.
type GCPolicy struct {
	MaxAge      time.Duration
	MaxBytes    int64
	CorpusMTime time.Time
	TimeLimit   time.Duration
}

// GCReport summarizes one collection run.
type GCReport struct {
	Examined   int
	Removed    int
	FreedBytes int64
	ByReason   map[string]int
}

type gcCandidate struct {
	entry Entry
	bytes int64
}

// Collect removes failed, stalled, outdated and expired entries together with
// their files, then evicts the oldest finished entries until the remaining
// files fit policy.MaxBytes. Unfinished live entries are never evicted.
func Collect(cm ListableMap, policy GCPolicy, now time.Time) (GCReport, error) {
	report := GCReport{ByReason: map[string]int{}}

	entries, err := cm.Entries()
	if err != nil {
		return report, fmt.Errorf("list cache entries: %w", err)
	}

	report.Examined = len(entries)

	var (
		kept      []gcCandidate
		totalSize int64
	)

	for _, e := range entries {
		c := gcCandidate{entry: e, bytes: fileSize(e.Path)}

		reason := evictionReason(e.Status, policy, now)
		if reason == "" {
			kept = append(kept, c)
			totalSize += c.bytes

			continue
		}

		err = removeEntry(cm, c)
		if err != nil {
			return report, err
		}

		report.record(reason, c.bytes)
	}

	if policy.MaxBytes <= 0 || totalSize <= policy.MaxBytes {
		return report, nil
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return createdAt(kept[i].entry) < createdAt(kept[j].entry)
	})

	for _, c := range kept {
		if totalSize <= policy.MaxBytes {
			break
		}

		if c.entry.Status != nil && !c.entry.Status.Finished {
			continue
		}

		err = removeEntry(cm, c)
		if err != nil {
			return report, err
		}

		totalSize -= c.bytes
		report.record(ReasonSize, c.bytes)
	}

	return report, nil
}

func evictionReason(s *CalcStatus, policy GCPolicy, now time.Time) string {
	if s == nil {
		return ""
	}

	if s.Failed() {
		return ReasonFailed
	}

	if policy.TimeLimit > 0 && s.TestErrorAt(policy.TimeLimit, now) != nil {
		return ReasonStalled
	}

	if !policy.CorpusMTime.IsZero() && s.CreatedBefore(policy.CorpusMTime) {
		return ReasonOutdated
	}

	if policy.MaxAge > 0 && s.Finished && now.Sub(time.Unix(s.Created, 0)) > policy.MaxAge {
		return ReasonExpired
	}

	return ""
}

func removeEntry(cm CacheMap, c gcCandidate) error {
	err := cm.DelEntry(c.entry.SubcHash, c.entry.Query)
	if err != nil {
		return fmt.Errorf("delete cache entry %s: %w", c.entry.Query, err)
	}

	err = os.Remove(c.entry.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}

	return nil
}

func (r *GCReport) record(reason string, bytes int64) {
	r.Removed++
	r.FreedBytes += bytes
	r.ByReason[reason]++
}

func createdAt(e Entry) int64 {
	if e.Status == nil {
		return 0
	}

	return e.Status.Created
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}
