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

// CachedConcSizes reports the figures of the cache entry of q without
// computing anything, so a caller can follow a running calculation.
//
// The stored status is used while it carries rows or is finished; before the
// worker first publishes its sizes they are read from the cache file header.
// A failed or stalled calculation yields an error wrapping
// conccache.ErrCalcStatus.
func (c *Controller) CachedConcSizes(ctx context.Context, corp corpus.Corpus, q query.Query) (corpus.Sizes, error) {
	if len(q) == 0 {
		return corpus.Sizes{}, conccache.ErrEmptyQuery
	}

	ctx, span := c.deps.Tracer.Start(ctx, "conclib.cached_conc_sizes", trace.WithAttributes(
		attribute.String("corpus.name", corp.Name()),
		attribute.Int("conc.ops", len(q)),
	))
	defer span.End()

	cm, err := c.deps.Caches.Mapping(corp.Name())
	if err != nil {
		return corpus.Sizes{}, fmt.Errorf("cache map for %s: %w", corp.Name(), err)
	}

	subchash := corp.SubcHash()

	status, err := cm.CalcStatus(subchash, q)
	if err != nil {
		return corpus.Sizes{}, fmt.Errorf("calc status: %w", err)
	}

	if status == nil {
		return corpus.Sizes{}, fmt.Errorf("%w: %s", conccache.ErrMissingStatus, q)
	}

	err = status.TestError(c.deps.TaskTimeLimit)
	if err != nil {
		return corpus.Sizes{}, err
	}

	sizes := corpus.Sizes{
		ConcSize:    status.ConcSize,
		FullSize:    status.FullSize,
		RelConcSize: status.RelConcSize,
		Finished:    status.Finished,
	}

	if sizes.ConcSize > 0 || sizes.Finished {
		return sizes, nil
	}

	path, ok, err := cm.CacheFilePath(subchash, q)
	if err != nil {
		return corpus.Sizes{}, fmt.Errorf("cache file of %s: %w", q, err)
	}

	if !ok || !fileExists(path) {
		return sizes, nil
	}

	c.deps.Logger.DebugContext(ctx, "reading sizes from cache file", "q", q.String(), "path", path)

	sizes, err = c.deps.Engine.ReadSizes(corp, path)
	if err != nil {
		return corpus.Sizes{}, fmt.Errorf("read sizes: %w", err)
	}

	return sizes, nil
}
