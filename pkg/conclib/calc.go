package conclib

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// InitialArgs tell a calculation where to write and whether an equivalent
// calculation already runs.
type InitialArgs struct {
	CacheFile      string `json:"cachefile"`
	AlreadyRunning bool   `json:"already_running"`
}

// CalcArgs are the arguments of the asynchronous calculation task.
type CalcArgs struct {
	Initial    InitialArgs `json:"initial_args"`
	CorpusName string      `json:"corpus_name"`
	SubcName   string      `json:"subc_name,omitempty"`
	SubcHash   string      `json:"subchash,omitempty"`
	Query      query.Query `json:"query"`
	SampleSize int         `json:"samplesize"`
}

// ConcCalculation computes the first operation of a query in the background,
// publishing partial results to the cache while the engine works.
type ConcCalculation struct {
	deps   Deps
	taskID string
}

// NewConcCalculation creates the worker for the task taskID.
func NewConcCalculation(deps Deps, taskID string) *ConcCalculation {
	return &ConcCalculation{deps: deps.withDefaults(), taskID: taskID}
}

// Run executes the calculation. Failures are written into the status of
// (SubcHash, Query) as finished with an error and also returned. A calculation
// stopped through its context leaves the map alone.
func (w *ConcCalculation) Run(ctx context.Context, args CalcArgs) error {
	if args.Initial.AlreadyRunning {
		w.deps.Logger.DebugContext(ctx, "calculation already running", "q", args.Query.String())

		return nil
	}

	cm, err := w.deps.Caches.Mapping(args.CorpusName)
	if err != nil {
		return fmt.Errorf("cache map for %s: %w", args.CorpusName, err)
	}

	err = checkCacheFile(cm, args)
	if err != nil {
		return err
	}

	err = recovered(func() error { return w.calculate(ctx, cm, args) })
	if err == nil {
		return nil
	}

	w.deps.Logger.ErrorContext(ctx, "background calculation error",
		"task_id", w.taskID, "corpus", args.CorpusName, "q", args.Query.String(), "error", err)

	if ctx.Err() != nil {
		return err
	}

	markErr := cm.UpdateCalcStatus(args.SubcHash, args.Query, conccache.Patch().Finished(true).Err(err))
	if markErr != nil {
		w.deps.Logger.ErrorContext(ctx, "failed to record calculation error", "error", markErr)
	}

	return err
}

func (w *ConcCalculation) calculate(ctx context.Context, cm conccache.CacheMap, args CalcArgs) error {
	corp, err := w.deps.Engine.OpenCorpus(args.CorpusName, args.SubcName)
	if err != nil {
		return err
	}

	err = cm.RefreshMap()
	if err != nil {
		return fmt.Errorf("refresh cache map: %w", err)
	}

	conc, err := w.deps.Engine.ComputeConc(ctx, corp, args.Query, args.SampleSize)
	if err != nil {
		return fmt.Errorf("compute conc: %w", err)
	}

	cacheFile := args.Initial.CacheFile
	step := w.deps.Wait.Step
	sleepTime := step

	err = sleep(ctx, sleepTime)
	if err != nil {
		return err
	}

	err = saveAtomic(conc, cacheFile, true)
	if err != nil {
		return err
	}

	for !conc.Finished() {
		err = saveAtomic(conc, cacheFile, true)
		if err != nil {
			return err
		}

		err = sleep(ctx, sleepTime)
		if err != nil {
			return err
		}

		sleepTime += step

		err = w.pushSizes(corp, cm, args, cacheFile, conccache.Patch().ARF(nil))
		if err != nil {
			return err
		}
	}

	err = conc.Sync()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	err = saveAtomic(conc, cacheFile, false)
	if err != nil {
		return err
	}

	var arf *float64

	if !corp.IsSubcorpus() {
		v := math.Round(conc.ComputeARF()*100) / 100
		arf = &v
	}

	err = w.pushSizes(corp, cm, args, cacheFile, conccache.Patch().ARF(arf).Finished(true))
	if err != nil {
		return err
	}

	_, _, err = cm.AddToMap(args.SubcHash, args.Query, conc.Size(), nil)
	if err != nil {
		return fmt.Errorf("register size: %w", err)
	}

	archiveFile(ctx, w.deps, args.CorpusName, cacheFile)

	return nil
}

// pushSizes reads the sizes back from the cache file and stores them. Fields
// of base take precedence over the file header.
func (w *ConcCalculation) pushSizes(
	corp corpus.Corpus, cm conccache.CacheMap, args CalcArgs, cacheFile string, base conccache.StatusPatch,
) error {
	sizes, err := w.deps.Engine.ReadSizes(corp, cacheFile)
	if err != nil {
		return fmt.Errorf("read sizes: %w", err)
	}

	patch := conccache.Patch().
		Finished(sizes.Finished).
		ConcSize(sizes.ConcSize).
		FullSize(sizes.FullSize).
		RelConcSize(sizes.RelConcSize).
		TaskID(w.taskID).
		Merge(base)

	err = cm.UpdateCalcStatus(args.SubcHash, args.Query, patch)
	if err != nil {
		return fmt.Errorf("update calc status: %w", err)
	}

	return nil
}

// checkCacheFile makes sure the task writes only to the file registered for
// its entry.
func checkCacheFile(cm conccache.CacheMap, args CalcArgs) error {
	path, ok, err := cm.CacheFilePath(args.SubcHash, args.Query)
	if err != nil {
		return fmt.Errorf("cache file of %s: %w", args.Query, err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingCacheEntry, args.Query)
	}

	if filepath.Clean(args.Initial.CacheFile) != path {
		return fmt.Errorf("%w: %s", ErrCacheFileMismatch, args.Initial.CacheFile)
	}

	return nil
}

func archiveFile(ctx context.Context, deps Deps, corpname, path string) {
	if deps.Archive == nil {
		return
	}

	err := deps.Archive.Upload(ctx, corpname, path)
	if err != nil {
		deps.Logger.WarnContext(ctx, "cache file archiving failed", "path", path, "error", err)
	}
}

// recovered runs fn, turning a panic into an error.
func recovered(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errWorkerPanic, rec)
		}
	}()

	return fn()
}
