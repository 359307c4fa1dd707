package conclib

import (
	"context"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// WaitForConc polls the status of (subchash, q) until it holds an acceptable
// result for minsize or the wait budget runs out.
//
// minsize -1 asks for the complete result and gets the long budget; 0 accepts
// any existing cache file and positive values ask for at least that many
// rows. The poll intervals grow linearly (Step, 2*Step, ...).
//
// A missing or failed status aborts the wait with an error wrapping
// conccache.ErrCalcStatus after the whole query chain has been evicted.
// When the status claims a finished result but the file is gone, the stray
// record is deleted and the result is not ready.
func (r *Resolver) WaitForConc(
	ctx context.Context, cm conccache.CacheMap, q query.Query, subchash string, minsize int,
) (bool, error) {
	limit := r.deps.Wait.PartialLimit
	if minsize < 0 {
		limit = r.deps.Wait.CompleteLimit
	}

	start := time.Now()

	accepted, finished, err := r.checkResult(ctx, cm, q, subchash, minsize)
	if err != nil {
		return false, err
	}

	for n := 1; !finished && !accepted && time.Since(start) < limit; n++ {
		err = sleep(ctx, time.Duration(n)*r.deps.Wait.Step)
		if err != nil {
			return false, err
		}

		accepted, finished, err = r.checkResult(ctx, cm, q, subchash, minsize)
		if err != nil {
			return false, err
		}
	}

	path, ok, err := cm.CacheFilePath(subchash, q)
	if err != nil {
		return false, fmt.Errorf("cache file path: %w", err)
	}

	if !ok || !fileExists(path) {
		if finished {
			r.deps.Logger.WarnContext(ctx, "finished calculation without cache file, removing record",
				"q", q.String(), "path", path)

			err = cm.DelEntry(subchash, q)
			if err != nil {
				return false, fmt.Errorf("delete stray entry: %w", err)
			}
		}

		r.deps.Metrics.RecordWait(ctx, time.Since(start), false)

		return false, nil
	}

	ready := minsize == 0 || accepted || finished
	r.deps.Metrics.RecordWait(ctx, time.Since(start), ready)

	return ready, nil
}

// checkResult validates the status of (subchash, q) and reports whether it
// satisfies minsize and whether it is finished. A missing or failed status
// evicts the whole chain of q[0] and returns an error.
func (r *Resolver) checkResult(
	ctx context.Context, cm conccache.CacheMap, q query.Query, subchash string, minsize int,
) (accepted, finished bool, err error) {
	status, err := cm.CalcStatus(subchash, q)
	if err != nil {
		return false, false, fmt.Errorf("read calc status: %w", err)
	}

	if status == nil {
		r.evictChain(ctx, cm, subchash, q, reasonMissing)

		return false, false, fmt.Errorf("%w for (%s, %s)", conccache.ErrMissingStatus, subchash, q)
	}

	statusErr := status.TestError(r.deps.TaskTimeLimit)
	if statusErr != nil {
		r.evictChain(ctx, cm, subchash, q, reasonFailed)

		return false, false, statusErr
	}

	return status.HasSomeResult(minsize), status.Finished, nil
}

func (r *Resolver) evictChain(ctx context.Context, cm conccache.CacheMap, subchash string, q query.Query, reason string) {
	err := cm.DelFullEntry(subchash, q)
	if err != nil {
		r.deps.Logger.WarnContext(ctx, "cache chain removal failed", "q", q.String(), "error", err)

		return
	}

	r.deps.Metrics.RecordEviction(ctx, reason)
}
