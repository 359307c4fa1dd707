package conclib

import (
	"context"
	"fmt"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// SyncArgs are the arguments of the synchronous sub-calculation task.
type SyncArgs struct {
	CorpusName string      `json:"corpus_name"`
	SubcName   string      `json:"subc_name,omitempty"`
	SubcHash   string      `json:"subchash,omitempty"`
	Query      query.Query `json:"query"`
	SampleSize int         `json:"samplesize"`
	// Registered means the dispatcher created placeholder records for every
	// prefix of Query; those are not waited for.
	Registered bool `json:"registered,omitempty"`
}

// SyncCalculation computes the missing operations of a query one at a time,
// storing every intermediate prefix in the cache. The cache map records of all
// prefixes must exist before Run.
type SyncCalculation struct {
	deps     Deps
	resolver *Resolver
}

// NewSyncCalculation creates the worker.
func NewSyncCalculation(deps Deps) *SyncCalculation {
	deps = deps.withDefaults()

	return &SyncCalculation{deps: deps, resolver: &Resolver{deps: deps}}
}

// Run executes the calculation. An error at step k marks the prefixes
// q[:k+1] .. q[:len(q)] as failed and is returned.
func (w *SyncCalculation) Run(ctx context.Context, args SyncArgs) error {
	cm, err := w.deps.Caches.Mapping(args.CorpusName)
	if err != nil {
		return fmt.Errorf("cache map for %s: %w", args.CorpusName, err)
	}

	var (
		calcFrom int
		conc     corpus.Concordance
	)

	err = recovered(func() error {
		var baseErr error

		calcFrom, conc, baseErr = w.base(ctx, cm, args)

		return baseErr
	})
	if err != nil {
		w.fail(ctx, cm, args, 0, err)

		return err
	}

	for act := calcFrom; act < len(args.Query); act++ {
		err = recovered(func() error { return w.step(ctx, cm, args, conc, act) })
		if err != nil {
			w.fail(ctx, cm, args, act, err)

			return err
		}
	}

	return nil
}

// base resolves the cached base of the query, computing and storing q[:1]
// when nothing is reusable.
func (w *SyncCalculation) base(
	ctx context.Context, cm conccache.CacheMap, args SyncArgs,
) (int, corpus.Concordance, error) {
	corp, err := w.deps.Engine.OpenCorpus(args.CorpusName, args.SubcName)
	if err != nil {
		return 0, nil, err
	}

	calcFrom, conc, err := w.resolver.findBase(ctx, corp, args.SubcHash, args.Query, 0, args.Registered)
	if err != nil {
		return 0, nil, err
	}

	if !corpus.IsEmpty(conc) {
		return calcFrom, conc, nil
	}

	conc, err = w.deps.Engine.ComputeConc(ctx, corp, args.Query, args.SampleSize)
	if err != nil {
		return 0, nil, fmt.Errorf("compute conc: %w", err)
	}

	err = conc.Sync()
	if err != nil {
		return 0, nil, fmt.Errorf("engine: %w", err)
	}

	err = w.store(ctx, cm, args, conc, 1)
	if err != nil {
		return 0, nil, err
	}

	return 1, conc, nil
}

func (w *SyncCalculation) step(
	ctx context.Context, cm conccache.CacheMap, args SyncArgs, conc corpus.Concordance, act int,
) error {
	code, opArgs := query.Split(args.Query[act])
	if query.IsVolatile(code) {
		return fmt.Errorf("%w: %q", ErrNotImplementedForStep, string(code))
	}

	err := conc.ExecCommand(code, opArgs)
	if err != nil {
		return fmt.Errorf("exec %q: %w", args.Query[act], err)
	}

	return w.store(ctx, cm, args, conc, act+1)
}

// store saves conc as the finished result of q[:n].
func (w *SyncCalculation) store(
	ctx context.Context, cm conccache.CacheMap, args SyncArgs, conc corpus.Concordance, n int,
) error {
	prefix := args.Query.Prefix(n)

	path, ok, err := cm.CacheFilePath(args.SubcHash, prefix)
	if err != nil {
		return fmt.Errorf("cache file path: %w", err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingCacheEntry, prefix)
	}

	err = saveAtomic(conc, path, false)
	if err != nil {
		return err
	}

	err = cm.UpdateCalcStatus(args.SubcHash, prefix, conccache.Patch().
		Finished(true).
		ConcSize(conc.Size()).
		FullSize(conc.FullSize()).
		RelConcSize(conc.RelSize()))
	if err != nil {
		return fmt.Errorf("update calc status: %w", err)
	}

	archiveFile(ctx, w.deps, args.CorpusName, path)

	return nil
}

// fail marks every prefix from index from to the end as failed so no caller
// keeps waiting for steps that will never run.
func (w *SyncCalculation) fail(ctx context.Context, cm conccache.CacheMap, args SyncArgs, from int, cause error) {
	w.deps.Logger.ErrorContext(ctx, "sync calculation failed",
		"corpus", args.CorpusName, "q", args.Query.String(), "step", from, "error", cause)

	if isContextErr(cause) && ctx.Err() != nil {
		return
	}

	for i := from; i < len(args.Query); i++ {
		err := cm.UpdateCalcStatus(args.SubcHash, args.Query.Prefix(i+1), conccache.Patch().Err(cause).Finished(true))
		if err != nil {
			w.deps.Logger.ErrorContext(ctx, "failed to record calculation error",
				"q", args.Query.Prefix(i+1).String(), "error", err)
		}
	}
}
