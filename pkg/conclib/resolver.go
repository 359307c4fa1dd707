package conclib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/observability"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// Eviction reasons reported to metrics.
const (
	reasonOutdated  = "outdated"
	reasonFailed    = "failed"
	reasonMissing   = "missing"
	reasonCancelled = "cancelled"
)

const revokeSignal = "SIGKILL"

// Resolver finds reusable cached results for query sequences.
type Resolver struct {
	deps Deps
}

// NewResolver creates a resolver.
func NewResolver(deps Deps) *Resolver {
	return &Resolver{deps: deps.withDefaults()}
}

// FindCachedConcBase returns the index into q from which computation must
// proceed together with the longest reusable cached result.
//
// Prefixes are tried from the longest down to q[:1]; a query holding two
// consecutive shuffles is searched from q[:1] upwards instead. A prefix whose
// calculation is ready but not finished yields an empty concordance at its
// index. Failed, hung or unloadable prefixes are cancelled and skipped.
// Without any usable prefix the result is (0, EmptyConc).
func (r *Resolver) FindCachedConcBase(
	ctx context.Context, corp corpus.Corpus, subchash string, q query.Query, minsize int,
) (int, corpus.Concordance, error) {
	return r.findBase(ctx, corp, subchash, q, minsize, false)
}

func (r *Resolver) findBase(
	ctx context.Context, corp corpus.Corpus, subchash string, q query.Query, minsize int, skipPlaceholders bool,
) (int, corpus.Concordance, error) {
	ctx, span := r.deps.Tracer.Start(ctx, "conclib.find_cached_conc_base", trace.WithAttributes(
		attribute.String("corpus.name", corp.Name()),
		attribute.Int("conc.ops", len(q)),
		attribute.Int("conc.minsize", minsize),
	))
	defer span.End()

	start := time.Now()

	idx, conc, err := r.resolve(ctx, corp, subchash, q, minsize, skipPlaceholders)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return 0, nil, err
	}

	span.SetAttributes(attribute.Int("conc.prefix", idx))
	r.deps.Metrics.RecordLookup(ctx, lookupOutcome(idx, len(q)))
	r.deps.Logger.DebugContext(ctx, "cached conc base resolved",
		"corpus", corp.Name(), "q", q.String(), "prefix", idx,
		"empty", corpus.IsEmpty(conc), "elapsed", time.Since(start))

	return idx, conc, nil
}

func (r *Resolver) resolve(
	ctx context.Context, corp corpus.Corpus, subchash string, q query.Query, minsize int, skipPlaceholders bool,
) (int, corpus.Concordance, error) {
	empty := corpus.NewEmptyConc(corp)
	if len(q) == 0 {
		return 0, empty, nil
	}

	cm, err := r.deps.Caches.Mapping(corp.Name())
	if err != nil {
		return 0, nil, fmt.Errorf("cache map for %s: %w", corp.Name(), err)
	}

	err = cm.RefreshMap()
	if err != nil {
		return 0, nil, fmt.Errorf("refresh cache map: %w", err)
	}

	err = r.dropInvalidFull(ctx, cm, corp, subchash, q)
	if err != nil {
		return 0, nil, err
	}

	for _, i := range searchOrder(q) {
		conc, ok, tryErr := r.tryPrefix(ctx, cm, corp, subchash, q.Prefix(i), minsize, skipPlaceholders)
		if tryErr != nil {
			return 0, nil, tryErr
		}

		if ok {
			return i, conc, nil
		}
	}

	return 0, empty, nil
}

// searchOrder lists the candidate prefix lengths of q.
func searchOrder(q query.Query) []int {
	n := len(q)
	out := make([]int, 0, n)

	if query.ContainsShuffleSeq(q) {
		for i := 1; i <= n; i++ {
			out = append(out, i)
		}

		return out
	}

	for i := n; i >= 1; i-- {
		out = append(out, i)
	}

	return out
}

func lookupOutcome(idx, n int) string {
	switch {
	case idx == 0:
		return observability.LookupMiss
	case idx == n:
		return observability.LookupHit
	default:
		return observability.LookupPartial
	}
}

// dropInvalidFull evicts the chain of q when the status of the full query is
// failed or older than the corpus data.
func (r *Resolver) dropInvalidFull(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, subchash string, q query.Query,
) error {
	status, err := cm.CalcStatus(subchash, q)
	if err != nil {
		return fmt.Errorf("read calc status: %w", err)
	}

	if status == nil {
		return nil
	}

	if status.Failed() {
		r.deps.Logger.WarnContext(ctx, "removed failed calculation cache record",
			"q", q.String(), "error", status.Error)
		r.evictChain(ctx, cm, subchash, q, reasonFailed)

		return nil
	}

	mtime, err := r.deps.Engine.CorpusMTime(corp)
	if err != nil {
		return fmt.Errorf("corpus mtime: %w", err)
	}

	if status.CreatedBefore(mtime) {
		r.deps.Logger.WarnContext(ctx, "removed outdated cache record (older than corpus data)",
			"q", q.String(), "created", status.Created, "corpus_mtime", mtime.Unix())
		r.evictChain(ctx, cm, subchash, q, reasonOutdated)
	}

	return nil
}

// tryPrefix evaluates one candidate prefix. ok is false when the prefix is
// not usable and the search has to go on.
func (r *Resolver) tryPrefix(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, subchash string,
	p query.Query, minsize int, skipPlaceholders bool,
) (conc corpus.Concordance, ok bool, err error) {
	err = ctx.Err()
	if err != nil {
		return nil, false, err
	}

	path, registered, err := cm.CacheFilePath(subchash, p)
	if err != nil {
		return nil, false, fmt.Errorf("cache file path: %w", err)
	}

	if !registered {
		return nil, false, nil
	}

	if skipPlaceholders && !fileExists(path) {
		status, statusErr := cm.CalcStatus(subchash, p)
		if statusErr != nil {
			return nil, false, fmt.Errorf("read calc status: %w", statusErr)
		}

		if isPlaceholder(status) {
			return nil, false, nil
		}
	}

	r.restoreArchived(ctx, cm, corp, subchash, p, path)

	ready, err := r.WaitForConc(ctx, cm, p, subchash, minsize)
	if err != nil {
		return nil, false, r.discard(ctx, cm, subchash, p, err)
	}

	if !ready {
		if minsize != 0 {
			r.deps.Logger.WarnContext(ctx, "removed unfinished concordance cache record due to exceeded time limit",
				"q", p.String())
			r.cancelQuiet(ctx, cm, subchash, p)
		}

		return nil, false, nil
	}

	_, finished, err := r.checkResult(ctx, cm, p, subchash, minsize)
	if err != nil {
		return nil, false, r.discard(ctx, cm, subchash, p, err)
	}

	if !finished {
		return corpus.NewEmptyConc(corp), true, nil
	}

	mcorp := corp

	if name, aligned := query.AlignedCorpus(p); aligned {
		mcorp, err = r.deps.Engine.OpenCorpus(name, "")
		if err != nil {
			return nil, false, r.discard(ctx, cm, subchash, p, err)
		}
	}

	conc, err = r.deps.Engine.LoadConc(mcorp, path, corp)
	if err != nil {
		return nil, false, r.discard(ctx, cm, subchash, p, err)
	}

	return conc, true, nil
}

// discard contains a per-prefix failure: the prefix is cancelled and the
// search continues. Context and storage errors are returned unchanged.
func (r *Resolver) discard(ctx context.Context, cm conccache.CacheMap, subchash string, p query.Query, cause error) error {
	if isContextErr(cause) {
		return cause
	}

	if !isPrefixLocal(cause) {
		return cause
	}

	r.deps.Logger.ErrorContext(ctx, "failed to use cached concordance", "q", p.String(), "error", cause)
	r.cancelQuiet(ctx, cm, subchash, p)

	return nil
}

// isPrefixLocal reports errors that make one cached prefix unusable without
// affecting the rest of the search.
func isPrefixLocal(err error) bool {
	return errors.Is(err, conccache.ErrCalcStatus) ||
		errors.Is(err, corpus.ErrFileAccess) ||
		errors.Is(err, corpus.ErrCorpusNotFound)
}

// isPlaceholder reports a record registered for a calculation that has not
// produced anything yet.
func isPlaceholder(s *conccache.CalcStatus) bool {
	return s != nil && !s.Finished && !s.Failed() && s.ConcSize == 0
}

func (r *Resolver) cancelQuiet(ctx context.Context, cm conccache.CacheMap, subchash string, p query.Query) {
	err := r.CancelAsyncTask(ctx, cm, subchash, p)
	if err != nil {
		r.deps.Logger.WarnContext(ctx, "cancel calculation failed", "q", p.String(), "error", err)
	}
}

// CancelAsyncTask stops the calculation of (subchash, q) on a best effort
// basis: the owning task is revoked (errors ignored), then the map record and
// the cache file are removed regardless of the revocation outcome.
func (r *Resolver) CancelAsyncTask(ctx context.Context, cm conccache.CacheMap, subchash string, q query.Query) error {
	path, registered, err := cm.CacheFilePath(subchash, q)
	if err != nil {
		return fmt.Errorf("cache file path: %w", err)
	}

	status, err := cm.CalcStatus(subchash, q)
	if err != nil {
		return fmt.Errorf("read calc status: %w", err)
	}

	if status != nil && status.TaskID != "" && r.deps.Tasks != nil {
		revokeErr := r.deps.Tasks.Revoke(context.WithoutCancel(ctx), status.TaskID, true, revokeSignal)
		if revokeErr != nil {
			r.deps.Logger.DebugContext(ctx, "task revoke failed", "task_id", status.TaskID, "error", revokeErr)
		}
	}

	err = cm.DelEntry(subchash, q)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	if registered {
		removeSilent(ctx, r.deps.Logger, path)
	}

	r.deps.Metrics.RecordEviction(ctx, reasonCancelled)

	return nil
}

// restoreArchived fetches the cache file of a finished prefix from the
// archive when the local copy is gone.
func (r *Resolver) restoreArchived(
	ctx context.Context, cm conccache.CacheMap, corp corpus.Corpus, subchash string, p query.Query, path string,
) {
	if r.deps.Archive == nil || fileExists(path) {
		return
	}

	status, err := cm.CalcStatus(subchash, p)
	if err != nil || status == nil || !status.Finished || status.Failed() {
		return
	}

	err = r.deps.Archive.Restore(ctx, corp.Name(), path)
	if err != nil {
		r.deps.Logger.DebugContext(ctx, "archive restore failed", "path", path, "error", err)

		return
	}

	r.deps.Logger.InfoContext(ctx, "cache file restored from archive", "q", p.String(), "path", path)
}
