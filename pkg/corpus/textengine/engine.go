// Package textengine is a small corpus engine over plain-text corpora.
//
// It implements token matching with regular expressions, context filters,
// sampling, shuffling and sorting, which is enough to drive the concordance
// cache end to end. Results are stored as LZ4-compressed hit positions.
package textengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// File name extensions.
const (
	CorpusExt    = ".txt"
	SubcorpusExt = ".subc"
)

// Defaults.
const (
	DefaultBatchSize = 64 << 10
	maxLineBytes     = 16 << 20
	filePerm         = 0o644
)

// Op codes of the engine.
const (
	opQuery    = 'q'
	opRandom   = 'R'
	opPositive = 'p'
	opNegative = 'n'
	opSample   = 'r'
	opShuffle  = 'f'
	opSort     = 's'
	opAligned  = 'x'
)

// Config configures an Engine.
type Config struct {
	// Registry is the directory holding <name>.txt corpora.
	Registry string
	// SubcDirs are searched for <name>/<subc>.subc files in order.
	SubcDirs []string
	// BatchSize is the number of tokens scanned between progress publications.
	BatchSize int
	// BatchDelay throttles the scan after each batch. Zero means no delay.
	BatchDelay time.Duration
	Logger     *slog.Logger
}

type cachedCorpus struct {
	corp  *Corpus
	mtime time.Time
}

// Engine implements corpus.Engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	corpora map[string]cachedCorpus
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{cfg: cfg, logger: logger, corpora: map[string]cachedCorpus{}}
}

func (e *Engine) corpusPath(name string) string {
	return filepath.Join(e.cfg.Registry, name+CorpusExt)
}

func (e *Engine) subcPath(name, subcname string) (string, error) {
	for _, dir := range e.cfg.SubcDirs {
		p := filepath.Join(dir, name, subcname+SubcorpusExt)

		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w: subcorpus %s/%s", corpus.ErrCorpusNotFound, name, subcname)
}

// OpenCorpus loads a corpus (cached while its file is unchanged) and
// optionally restricts it to a subcorpus.
func (e *Engine) OpenCorpus(name, subcname string) (corpus.Corpus, error) {
	c, err := e.openWhole(name)
	if err != nil {
		return nil, err
	}

	if subcname == "" {
		return c, nil
	}

	path, err := e.subcPath(name, subcname)
	if err != nil {
		return nil, err
	}

	return c.restrict(subcname, path)
}

func (e *Engine) openWhole(name string) (*Corpus, error) {
	path := e.corpusPath(name)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", corpus.ErrCorpusNotFound, name)
		}

		return nil, fmt.Errorf("stat corpus: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.corpora[name]; ok && cached.mtime.Equal(info.ModTime()) {
		return cached.corp, nil
	}

	c, err := loadCorpus(name, path)
	if err != nil {
		return nil, err
	}

	e.corpora[name] = cachedCorpus{corp: c, mtime: info.ModTime()}
	e.logger.Debug("corpus loaded", "corpus", name, "tokens", c.size)

	return c, nil
}

// CorpusMTime returns the newest modification time of the corpus and subcorpus files.
func (e *Engine) CorpusMTime(corp corpus.Corpus) (time.Time, error) {
	info, err := os.Stat(e.corpusPath(corp.Name()))
	if err != nil {
		return time.Time{}, fmt.Errorf("stat corpus: %w", err)
	}

	mtime := info.ModTime()

	if corp.IsSubcorpus() {
		path, pathErr := e.subcPath(corp.Name(), corp.SubcName())
		if pathErr != nil {
			return time.Time{}, pathErr
		}

		subInfo, statErr := os.Stat(path)
		if statErr != nil {
			return time.Time{}, fmt.Errorf("stat subcorpus: %w", statErr)
		}

		if subInfo.ModTime().After(mtime) {
			mtime = subInfo.ModTime()
		}
	}

	return mtime, nil
}

// ComputeConc starts scanning the corpus for q[0] in a goroutine.
func (e *Engine) ComputeConc(
	ctx context.Context, corp corpus.Corpus, q query.Query, samplesize int,
) (corpus.Concordance, error) {
	c, err := asCorpus(corp)
	if err != nil {
		return nil, err
	}

	if len(q) == 0 {
		return nil, fmt.Errorf("%w: no operations", corpus.ErrUnknownOp)
	}

	code, args := query.Split(q[0])
	if code != opQuery && code != opRandom {
		return nil, fmt.Errorf("%w: %q cannot start a query", corpus.ErrUnknownOp, q[0])
	}

	re, err := regexp.Compile("^(?:" + args + ")$")
	if err != nil {
		return nil, fmt.Errorf("compile query %q: %w", args, err)
	}

	if code != opRandom {
		samplesize = 0
	}

	conc := newConc(c)

	go conc.scan(ctx, re, samplesize, e.cfg.BatchSize, e.cfg.BatchDelay)

	return conc, nil
}

// LoadConc reads a cache file as a concordance of corp.
func (e *Engine) LoadConc(corp corpus.Corpus, path string, _ corpus.Corpus) (corpus.Concordance, error) {
	c, err := asCorpus(corp)
	if err != nil {
		return nil, err
	}

	hdr, hits, err := readConcFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", corpus.ErrFileAccess, path, err)
	}

	return loadedConc(c, hdr, hits), nil
}

// ReadSizes reads the header of a cache file.
func (e *Engine) ReadSizes(corp corpus.Corpus, path string) (corpus.Sizes, error) {
	hdr, err := readHeader(path)
	if err != nil {
		return corpus.Sizes{}, fmt.Errorf("%w: %s: %w", corpus.ErrFileAccess, path, err)
	}

	return corpus.Sizes{
		ConcSize:    hdr.Count,
		FullSize:    hdr.FullSize,
		RelConcSize: relSize(hdr.Count, corp.Size()),
		Finished:    hdr.Finished,
	}, nil
}

func asCorpus(corp corpus.Corpus) (*Corpus, error) {
	c, ok := corp.(*Corpus)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a text corpus", corpus.ErrCorpusNotFound, corp)
	}

	return c, nil
}

// relSize returns hits per million tokens.
func relSize(hits int, tokens int64) float64 {
	if tokens == 0 {
		return 0
	}

	return float64(hits) / float64(tokens) * perMillion
}

const perMillion = 1_000_000
