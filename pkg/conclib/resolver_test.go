package conclib_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/bgcalc"
	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/conclib"
	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

func TestFindCachedConcBase_FullQueryHit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe", "p1 cat"}

	f.storeFinished(t, q.Prefix(1))
	f.storeFinished(t, q)

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, -1)
	require.NoError(t, err)
	assert.Equal(t, len(q), idx)
	assert.False(t, corpus.IsEmpty(conc))
	assert.Equal(t, theCatHits, conc.Size())
}

func TestFindCachedConcBase_FallsBackToFirstPrefix(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe", "p1 cat", "r1"}

	f.storeFinished(t, q.Prefix(1))

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, theHits, conc.Size())
}

func TestFindCachedConcBase_NothingCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(
		context.Background(), f.corp, "", query.Query{"qthe"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.True(t, corpus.IsEmpty(conc))
}

func TestFindCachedConcBase_EvictsFailedFullEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe", "r2"}

	f.storeFinished(t, q)
	require.NoError(t, f.cm.UpdateCalcStatus("", q, conccache.Patch().ErrText("engine crashed")))

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.True(t, corpus.IsEmpty(conc))
	assert.Nil(t, f.status(t, q))
}

func TestFindCachedConcBase_EvictsOutdatedEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe"}

	f.storeFinished(t, q)

	old := conccache.NewCalcStatus("")
	old.Created = time.Now().Add(-2 * time.Hour).Unix()
	old.Finished = true
	old.ConcSize = theHits

	require.NoError(t, f.cm.DelEntry("", q))
	f.register(t, q, old)

	idx, _, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Nil(t, f.status(t, q))
}

func TestFindCachedConcBase_ConsecutiveShufflesSearchUpwards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe", "f", "f"}

	f.storeFinished(t, q.Prefix(1))
	f.storeFinished(t, q)

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, theHits, conc.Size())
}

func TestFindCachedConcBase_SingleShuffleSearchesDownwards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe", "f", "r2"}

	f.storeFinished(t, q.Prefix(1))
	f.storeFinished(t, q)

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
	assert.Equal(t, 2, conc.Size())
}

func TestFindCachedConcBase_UnloadableFileIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe", "r2"}

	f.storeFinished(t, q.Prefix(1))
	path := f.storeFinished(t, q)
	require.NoError(t, writeGarbage(path))

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, theHits, conc.Size())
	assert.Nil(t, f.status(t, q))
	assert.False(t, fileExists(path))
}

func TestFindCachedConcBase_HungCalculationIsCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe", "r2"}

	f.storeFinished(t, q.Prefix(1))

	path := f.register(t, q, conccache.NewCalcStatus(""))
	require.NoError(t, writeGarbage(path))

	idx, _, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Nil(t, f.status(t, q))
	assert.False(t, fileExists(path))
}

func TestFindCachedConcBase_ReadyButUnfinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe"}

	status := conccache.NewCalcStatus("")
	status.ConcSize = 3
	path := f.register(t, q, status)
	require.NoError(t, writeGarbage(path))

	idx, conc, err := conclib.NewResolver(f.deps).FindCachedConcBase(context.Background(), f.corp, "", q, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.True(t, corpus.IsEmpty(conc))
}

func TestFindCachedConcBase_ContextCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe"}

	path := f.register(t, q, conccache.NewCalcStatus(""))
	require.NoError(t, writeGarbage(path))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := conclib.NewResolver(f.deps).FindCachedConcBase(ctx, f.corp, "", q, -1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForConc_StalledCalculation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	deps := f.deps
	deps.TaskTimeLimit = time.Second

	q := query.Query{"qthe"}
	status := conccache.NewCalcStatus("")
	status.LastUpd = time.Now().Add(-time.Minute).Unix()
	f.register(t, q, status)

	ready, err := conclib.NewResolver(deps).WaitForConc(context.Background(), f.cm, q, "", -1)
	require.ErrorIs(t, err, conccache.ErrCalcStatus)
	assert.False(t, ready)
	assert.Nil(t, f.status(t, q))
}

func TestWaitForConc_MissingStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ready, err := conclib.NewResolver(f.deps).WaitForConc(context.Background(), f.cm, query.Query{"qcat"}, "", 0)
	require.ErrorIs(t, err, conccache.ErrMissingStatus)
	require.ErrorIs(t, err, conccache.ErrCalcStatus)
	assert.False(t, ready)
}

func TestWaitForConc_FinishedWithoutFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe"}

	status := conccache.NewCalcStatus("")
	status.Finished = true
	f.register(t, q, status)

	ready, err := conclib.NewResolver(f.deps).WaitForConc(context.Background(), f.cm, q, "", 0)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Nil(t, f.status(t, q))
}

func TestWaitForConc_PartialBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe"}

	status := conccache.NewCalcStatus("")
	status.ConcSize = 2
	path := f.register(t, q, status)
	require.NoError(t, writeGarbage(path))

	resolver := conclib.NewResolver(f.deps)

	start := time.Now()
	ready, err := resolver.WaitForConc(context.Background(), f.cm, q, "", 10)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.GreaterOrEqual(t, time.Since(start), f.deps.Wait.PartialLimit)

	ready, err = resolver.WaitForConc(context.Background(), f.cm, q, "", 2)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestCancelAsyncTask_RemovesStatusAndFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe"}

	res, err := f.app.SendTask(context.Background(), "block", json.RawMessage(`{}`))
	require.NoError(t, err)

	path := f.register(t, q, conccache.NewCalcStatus(res.ID()))
	require.NoError(t, writeGarbage(path))

	require.NoError(t, conclib.NewResolver(f.deps).CancelAsyncTask(context.Background(), f.cm, "", q))

	assert.Nil(t, f.status(t, q))
	assert.False(t, fileExists(path))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = res.Get(ctx)
	require.ErrorIs(t, err, bgcalc.ErrTaskFailed)
}

func TestCancelAsyncTask_UnknownTaskIsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := query.Query{"qthe"}

	path := f.register(t, q, conccache.NewCalcStatus("no-such-task"))

	require.NoError(t, conclib.NewResolver(f.deps).CancelAsyncTask(context.Background(), f.cm, "", q))
	assert.Nil(t, f.status(t, q))
	assert.False(t, fileExists(path))
}
