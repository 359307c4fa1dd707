// Package corpus defines the contracts between the concordance cache and a
// corpus query engine.
package corpus

import (
	"context"
	"errors"
	"time"

	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// Sentinel errors.
var (
	// ErrFileAccess is returned when a concordance file cannot be read.
	ErrFileAccess = errors.New("concordance file access failed")

	// ErrCorpusNotFound is returned when the engine does not know a corpus.
	ErrCorpusNotFound = errors.New("corpus not found")

	// ErrEmptyConc is returned for operations not supported by EmptyConc.
	ErrEmptyConc = errors.New("operation on empty concordance")

	// ErrUnknownOp is returned for op codes the engine cannot execute.
	ErrUnknownOp = errors.New("unknown concordance operation")
)

// Corpus is an opened corpus or subcorpus.
type Corpus interface {
	Name() string
	// SubcName is empty for a whole corpus.
	SubcName() string
	IsSubcorpus() bool
	// SubcHash fingerprints the subcorpus; empty for a whole corpus.
	SubcHash() string
	// Size is the number of tokens.
	Size() int64
}

// Concordance is a (possibly still growing) query result.
type Concordance interface {
	Corpus() Corpus
	// Size is the number of hits currently available.
	Size() int
	// FullSize is the size before any sampling.
	FullSize() int
	// RelSize is the hit count per million tokens.
	RelSize() float64
	// ComputeARF returns the average reduced frequency of the result.
	ComputeARF() float64
	Finished() bool
	// Sync blocks until the background computation has finished.
	Sync() error
	// Save writes the result to path; partial saves a snapshot of an unfinished result.
	Save(path string, partial bool) error
	// ExecCommand applies one operation to the result in place.
	ExecCommand(op byte, args string) error
}

// Sizes are the figures stored in a cache file header.
type Sizes struct {
	ConcSize    int
	FullSize    int
	RelConcSize float64
	Finished    bool
}

// Engine computes and loads concordances.
type Engine interface {
	// OpenCorpus opens a corpus, or one of its subcorpora when subcname is not empty.
	OpenCorpus(name, subcname string) (Corpus, error)
	// CorpusMTime returns the last modification time of the corpus data.
	CorpusMTime(corp Corpus) (time.Time, error)
	// ComputeConc starts evaluating the first operation of q in the background.
	ComputeConc(ctx context.Context, corp Corpus, q query.Query, samplesize int) (Concordance, error)
	// LoadConc loads a saved concordance of corp; orig is the corpus the query
	// was issued against (differs from corp for aligned corpora).
	LoadConc(corp Corpus, path string, orig Corpus) (Concordance, error)
	// ReadSizes reads the figures stored in a cache file.
	ReadSizes(corp Corpus, path string) (Sizes, error)
}
