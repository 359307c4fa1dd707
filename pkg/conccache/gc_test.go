package conccache_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/conccache/filemap"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

func addFile(t *testing.T, m *filemap.Map, q query.Query, status *conccache.CalcStatus, bytes int) string {
	t.Helper()

	path, _, err := m.AddToMap("", q, bytes, status)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, make([]byte, bytes), 0o600))

	return path
}

func TestCollect_RemovesByReason(t *testing.T) {
	t.Parallel()

	m := filemap.New(filepath.Join(t.TempDir(), "corp"), nil)
	now := time.Now()

	finished := &conccache.CalcStatus{Created: now.Unix(), LastUpd: now.Unix(), Finished: true}
	failed := &conccache.CalcStatus{Created: now.Unix(), LastUpd: now.Unix(), Finished: true, Error: "x"}
	stalled := &conccache.CalcStatus{Created: now.Add(-time.Hour).Unix(), LastUpd: now.Add(-time.Hour).Unix()}
	old := &conccache.CalcStatus{Created: now.Add(-48 * time.Hour).Unix(), LastUpd: now.Unix(), Finished: true}

	keep := addFile(t, m, query.Query{"qkeep"}, finished, 10)
	addFile(t, m, query.Query{"qfailed"}, failed, 10)
	addFile(t, m, query.Query{"qstalled"}, stalled, 10)
	expired := addFile(t, m, query.Query{"qold"}, old, 10)

	report, err := conccache.Collect(m, conccache.GCPolicy{
		MaxAge:    24 * time.Hour,
		TimeLimit: 5 * time.Minute,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Examined)
	assert.Equal(t, 3, report.Removed)
	assert.Equal(t, int64(30), report.FreedBytes)
	assert.Equal(t, 1, report.ByReason[conccache.ReasonFailed])
	assert.Equal(t, 1, report.ByReason[conccache.ReasonStalled])
	assert.Equal(t, 1, report.ByReason[conccache.ReasonExpired])
	assert.FileExists(t, keep)
	assert.NoFileExists(t, expired)
}

func TestCollect_OutdatedByCorpusMTime(t *testing.T) {
	t.Parallel()

	m := filemap.New(filepath.Join(t.TempDir(), "corp"), nil)
	now := time.Now()

	addFile(t, m, query.Query{"qa"}, &conccache.CalcStatus{
		Created: now.Add(-time.Hour).Unix(), LastUpd: now.Unix(), Finished: true,
	}, 5)

	report, err := conccache.Collect(m, conccache.GCPolicy{CorpusMTime: now.Add(-time.Minute)}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByReason[conccache.ReasonOutdated])
}

func TestCollect_SizeLimitEvictsOldestFinished(t *testing.T) {
	t.Parallel()

	m := filemap.New(filepath.Join(t.TempDir(), "corp"), nil)
	now := time.Now()

	status := func(age time.Duration, finished bool) *conccache.CalcStatus {
		return &conccache.CalcStatus{
			Created:  now.Add(-age).Unix(),
			LastUpd:  now.Unix(),
			Finished: finished,
		}
	}

	oldest := addFile(t, m, query.Query{"q1"}, status(3*time.Hour, true), 100)
	running := addFile(t, m, query.Query{"q2"}, status(4*time.Hour, false), 100)
	newest := addFile(t, m, query.Query{"q3"}, status(time.Hour, true), 100)

	report, err := conccache.Collect(m, conccache.GCPolicy{MaxBytes: 250}, now)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ByReason[conccache.ReasonSize])
	assert.NoFileExists(t, oldest)
	assert.FileExists(t, running)
	assert.FileExists(t, newest)
}

func TestCollect_StallMeasuredAtGivenTime(t *testing.T) {
	t.Parallel()

	m := filemap.New(filepath.Join(t.TempDir(), "corp"), nil)
	created := time.Now().Add(-time.Minute)

	running := &conccache.CalcStatus{Created: created.Unix(), LastUpd: created.Unix()}
	addFile(t, m, query.Query{"qrunning"}, running, 10)

	policy := conccache.GCPolicy{TimeLimit: 10 * time.Minute}

	report, err := conccache.Collect(m, policy, created.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Removed)

	report, err = conccache.Collect(m, policy, created.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByReason[conccache.ReasonStalled])
}

func TestCollect_OutdatedWithinSameSecond(t *testing.T) {
	t.Parallel()

	m := filemap.New(filepath.Join(t.TempDir(), "corp"), nil)
	created := time.Unix(time.Now().Add(-time.Hour).Unix(), 0)

	status := &conccache.CalcStatus{Created: created.Unix(), LastUpd: created.Unix(), Finished: true}
	addFile(t, m, query.Query{"qx"}, status, 10)

	mtime := created.Add(500 * time.Millisecond)
	require.True(t, status.CreatedBefore(mtime))

	report, err := conccache.Collect(m, conccache.GCPolicy{CorpusMTime: mtime}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByReason[conccache.ReasonOutdated])
}
