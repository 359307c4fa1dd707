package conclib

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// GetOptions control how GetConc obtains a result.
type GetOptions struct {
	// FromPage and PageSize give the number of rows an asynchronous caller
	// needs before it can show a page.
	FromPage int
	PageSize int
	// Async runs a single-operation query in a background task and returns as
	// soon as enough rows exist.
	Async bool
	// Save stores results computed in-process to the cache.
	Save       bool
	SampleSize int
	// Background computes a multi-operation query with the sync worker task.
	Background bool
}

// Controller answers concordance requests using the cache and the workers.
type Controller struct {
	deps     Deps
	resolver *Resolver
}

// NewController creates a controller.
func NewController(deps Deps) *Controller {
	deps = deps.withDefaults()

	return &Controller{deps: deps, resolver: &Resolver{deps: deps}}
}

// Resolver returns the resolver used by the controller.
func (c *Controller) Resolver() *Resolver {
	return c.resolver
}

// GetConc returns the concordance of q over corp, reusing the longest cached
// prefix and computing the rest.
func (c *Controller) GetConc(
	ctx context.Context, corp corpus.Corpus, q query.Query, opts GetOptions,
) (corpus.Concordance, error) {
	if len(q) == 0 {
		return nil, conccache.ErrEmptyQuery
	}

	ctx, span := c.deps.Tracer.Start(ctx, "conclib.get_conc", trace.WithAttributes(
		attribute.String("corpus.name", corp.Name()),
		attribute.Int("conc.ops", len(q)),
		attribute.Bool("conc.async", opts.Async),
	))
	defer span.End()

	minsize := opts.FromPage * opts.PageSize
	if len(q) > 1 || !opts.Async {
		minsize = -1
	}

	subchash := corp.SubcHash()

	calcFrom, conc, err := c.resolver.FindCachedConcBase(ctx, corp, subchash, q, minsize)
	if err != nil {
		return nil, err
	}

	if calcFrom == len(q) && !corpus.IsEmpty(conc) {
		return conc, nil
	}

	cm, err := c.deps.Caches.Mapping(corp.Name())
	if err != nil {
		return nil, fmt.Errorf("cache map for %s: %w", corp.Name(), err)
	}

	switch {
	case !corpus.IsEmpty(conc):
		return c.applyOps(ctx, cm, q, conc, calcFrom, opts.Save)
	case opts.Async && len(q) == 1:
		return c.startAsync(ctx, cm, corp, q, minsize, opts)
	case opts.Background && !hasVolatile(q):
		return c.startBackground(ctx, cm, corp, q, opts)
	default:
		return c.computeInProcess(ctx, cm, corp, q, opts)
	}
}

// startAsync dispatches the calculation of q[0] unless one already runs and
// waits for enough rows.
func (c *Controller) startAsync(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, q query.Query, minsize int, opts GetOptions,
) (corpus.Concordance, error) {
	if c.deps.Tasks == nil {
		return nil, ErrNoTaskClient
	}

	subchash := corp.SubcHash()
	first := q.Prefix(1)

	alreadyRunning, err := c.register(cm, subchash, first)
	if err != nil {
		return nil, err
	}

	path, _, err := cm.CacheFilePath(subchash, first)
	if err != nil {
		return nil, fmt.Errorf("cache file path: %w", err)
	}

	if !alreadyRunning {
		err = c.dispatchCalc(ctx, cm, corp, first, path, opts.SampleSize)
		if err != nil {
			return nil, err
		}
	}

	ready, err := c.resolver.WaitForConc(ctx, cm, first, subchash, minsize)
	if err != nil {
		return nil, err
	}

	if !ready {
		return nil, fmt.Errorf("%w: %s", ErrConcNotReady, first)
	}

	return c.deps.Engine.LoadConc(corp, path, corp)
}

// register creates a fresh in-progress record for q and reports whether a
// calculation of q already runs. Finished or failed records are replaced.
func (c *Controller) register(cm conccache.CacheMap, subchash string, q query.Query) (running bool, err error) {
	_, prev, err := cm.AddToMap(subchash, q, 0, conccache.NewCalcStatus(""))
	if err != nil {
		return false, fmt.Errorf("register calculation: %w", err)
	}

	if prev == nil {
		return false, nil
	}

	if !prev.Finished && !prev.Failed() {
		return true, nil
	}

	err = cm.DelEntry(subchash, q)
	if err != nil {
		return false, fmt.Errorf("reset entry: %w", err)
	}

	_, _, err = cm.AddToMap(subchash, q, 0, conccache.NewCalcStatus(""))
	if err != nil {
		return false, fmt.Errorf("register calculation: %w", err)
	}

	return false, nil
}

func (c *Controller) dispatchCalc(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, q query.Query, path string, samplesize int,
) error {
	subchash := corp.SubcHash()

	res, err := c.deps.Tasks.SendTask(ctx, TaskConcCalculate, CalcArgs{
		Initial:    InitialArgs{CacheFile: path},
		CorpusName: corp.Name(),
		SubcName:   corp.SubcName(),
		SubcHash:   subchash,
		Query:      q,
		SampleSize: samplesize,
	})
	if err != nil {
		markErr := cm.UpdateCalcStatus(subchash, q, conccache.Patch().Finished(true).Err(err))
		if markErr != nil {
			c.deps.Logger.ErrorContext(ctx, "failed to record dispatch error", "error", markErr)
		}

		return fmt.Errorf("dispatch %s: %w", TaskConcCalculate, err)
	}

	err = cm.UpdateCalcStatus(subchash, q, conccache.Patch().TaskID(res.ID()))
	if err != nil {
		return fmt.Errorf("record task id: %w", err)
	}

	c.deps.Logger.DebugContext(ctx, "calculation dispatched", "task_id", res.ID(), "q", q.String())

	return nil
}

// startBackground registers every prefix of q, hands the query to the sync
// worker and waits for the complete result.
func (c *Controller) startBackground(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, q query.Query, opts GetOptions,
) (corpus.Concordance, error) {
	if c.deps.Tasks == nil {
		return nil, ErrNoTaskClient
	}

	subchash := corp.SubcHash()

	running, err := c.register(cm, subchash, q)
	if err != nil {
		return nil, err
	}

	if !running {
		err = c.dispatchSync(ctx, cm, corp, q, opts.SampleSize)
		if err != nil {
			return nil, err
		}
	}

	ready, err := c.resolver.WaitForConc(ctx, cm, q, subchash, -1)
	if err != nil {
		return nil, err
	}

	if !ready {
		return nil, fmt.Errorf("%w: %s", ErrConcNotReady, q)
	}

	calcFrom, conc, err := c.resolver.FindCachedConcBase(ctx, corp, subchash, q, -1)
	if err != nil {
		return nil, err
	}

	if calcFrom != len(q) || corpus.IsEmpty(conc) {
		return nil, fmt.Errorf("%w: %s", ErrConcNotReady, q)
	}

	return conc, nil
}

func (c *Controller) dispatchSync(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, q query.Query, samplesize int,
) error {
	subchash := corp.SubcHash()

	for i := 1; i < len(q); i++ {
		_, _, err := cm.AddToMap(subchash, q.Prefix(i), 0, conccache.NewCalcStatus(""))
		if err != nil {
			return fmt.Errorf("register calculation: %w", err)
		}
	}

	res, err := c.deps.Tasks.SendTask(ctx, TaskConcSyncCalculate, SyncArgs{
		CorpusName: corp.Name(),
		SubcName:   corp.SubcName(),
		SubcHash:   subchash,
		Query:      q,
		SampleSize: samplesize,
		Registered: true,
	})
	if err != nil {
		for i := 1; i <= len(q); i++ {
			markErr := cm.UpdateCalcStatus(subchash, q.Prefix(i), conccache.Patch().Finished(true).Err(err))
			if markErr != nil {
				c.deps.Logger.ErrorContext(ctx, "failed to record dispatch error",
					"q", q.Prefix(i).String(), "error", markErr)
			}
		}

		return fmt.Errorf("dispatch %s: %w", TaskConcSyncCalculate, err)
	}

	err = cm.UpdateCalcStatus(subchash, q, conccache.Patch().TaskID(res.ID()))
	if err != nil {
		return fmt.Errorf("record task id: %w", err)
	}

	return nil
}

// computeInProcess evaluates the whole query in the calling goroutine.
func (c *Controller) computeInProcess(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, q query.Query, opts GetOptions,
) (corpus.Concordance, error) {
	conc, err := c.deps.Engine.ComputeConc(ctx, corp, q, opts.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("compute conc: %w", err)
	}

	err = conc.Sync()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if opts.Save {
		c.saveStep(ctx, cm, corp.SubcHash(), q.Prefix(1), conc)
	}

	return c.applyOps(ctx, cm, q, conc, 1, opts.Save)
}

// applyOps runs q[from:] on conc. Saving stops at the first volatile op.
func (c *Controller) applyOps(
	ctx context.Context, cm conccache.CacheMap, q query.Query, conc corpus.Concordance, from int, save bool,
) (corpus.Concordance, error) {
	subchash := conc.Corpus().SubcHash()

	for act := from; act < len(q); act++ {
		code, args := query.Split(q[act])
		if query.IsVolatile(code) {
			save = false
		}

		err := conc.ExecCommand(code, args)
		if err != nil {
			return nil, fmt.Errorf("exec %q: %w", q[act], err)
		}

		if save {
			c.saveStep(ctx, cm, subchash, q.Prefix(act+1), conc)
		}
	}

	return conc, nil
}

// saveStep stores a result computed in-process unless the prefix already has
// a record. Failures are logged; the caller still gets its result.
func (c *Controller) saveStep(
	ctx context.Context, cm conccache.CacheMap, subchash string, prefix query.Query, conc corpus.Concordance,
) {
	path, prev, err := cm.AddToMap(subchash, prefix, conc.Size(), conccache.NewCalcStatus(""))
	if err != nil {
		c.deps.Logger.WarnContext(ctx, "cache registration failed", "q", prefix.String(), "error", err)

		return
	}

	if prev != nil {
		return
	}

	err = saveAtomic(conc, path, false)
	if err == nil {
		err = cm.UpdateCalcStatus(subchash, prefix, conccache.Patch().
			Finished(true).
			ConcSize(conc.Size()).
			FullSize(conc.FullSize()).
			RelConcSize(conc.RelSize()))
	}

	if err != nil {
		c.deps.Logger.WarnContext(ctx, "cache store failed", "q", prefix.String(), "error", err)

		markErr := cm.UpdateCalcStatus(subchash, prefix, conccache.Patch().Finished(true).Err(err))
		if markErr != nil {
			c.deps.Logger.ErrorContext(ctx, "failed to record store error", "error", markErr)
		}
	}
}

func hasVolatile(q query.Query) bool {
	for _, op := range q {
		code, _ := query.Split(op)
		if query.IsVolatile(code) {
			return true
		}
	}

	return false
}
