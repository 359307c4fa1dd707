package boltmap_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/conccache/boltmap"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

func newMap(t *testing.T) *boltmap.Map {
	t.Helper()

	m := boltmap.New(filepath.Join(t.TempDir(), "corp"), time.Second, nil)
	require.NoError(t, m.RefreshMap())

	return m
}

func TestRefreshMap_CreatesDatabase(t *testing.T) {
	t.Parallel()

	m := newMap(t)

	assert.FileExists(t, filepath.Join(m.Dir(), boltmap.DBFileName))
	require.NoError(t, m.RefreshMap())
}

func TestCalcStatus_BeforeRefresh(t *testing.T) {
	t.Parallel()

	m := boltmap.New(filepath.Join(t.TempDir(), "corp"), 0, nil)

	status, err := m.CalcStatus("", query.Query{"qx"})
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestAddToMap_KeepsStatus(t *testing.T) {
	t.Parallel()

	m := newMap(t)
	q := query.Query{"qfoo", "f"}
	arf := 2.5

	status := conccache.NewCalcStatus("task-9")
	status.ARF = &arf

	path, prev, err := m.AddToMap("sub", q, 0, status)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, prev, err = m.AddToMap("sub", q, 11, nil)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "task-9", prev.TaskID)
	require.NotNil(t, prev.ARF)
	assert.InDelta(t, 2.5, *prev.ARF, 1e-9)

	size, found, err := m.StoredSize("sub", q)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 11, size)

	got, found, err := m.CacheFilePath("sub", q)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, path, got)
}

func TestUpdateCalcStatus_CreatesAndPatches(t *testing.T) {
	t.Parallel()

	m := newMap(t)
	q := query.Query{"qfoo"}

	require.NoError(t, m.UpdateCalcStatus("", q, conccache.Patch().ConcSize(4)))
	require.NoError(t, m.UpdateCalcStatus("", q, conccache.Patch().Finished(true).ErrText("bad")))

	status, err := m.CalcStatus("", q)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 4, status.ConcSize)
	assert.True(t, status.Finished)
	assert.True(t, status.Failed())
}

func TestDelEntryAndDelFullEntry(t *testing.T) {
	t.Parallel()

	m := newMap(t)

	p1, _, err := m.AddToMap("", query.Query{"qfoo"}, 1, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p1, []byte("x"), 0o600))

	p2, _, err := m.AddToMap("", query.Query{"qfoo", "r10"}, 1, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p2, []byte("x"), 0o600))

	_, _, err = m.AddToMap("", query.Query{"qbar"}, 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.DelEntry("", query.Query{"qbar"}))

	entries, err := m.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, m.DelFullEntry("", query.Query{"qfoo"}))

	entries, err = m.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, p1)
	assert.NoFileExists(t, p2)
}

func TestMap_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	f := boltmap.NewFactory(t.TempDir(), time.Second, nil)

	cm, err := f.Mapping("corp")
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, cm.UpdateCalcStatus("", query.Query{"qfoo"}, conccache.Patch().ConcSize(i)))
		}()
	}

	wg.Wait()

	status, err := cm.CalcStatus("", query.Query{"qfoo"})
	require.NoError(t, err)
	require.NotNil(t, status)
}

func TestFactory_RejectsEscapingCorpusName(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "cache")
	f := boltmap.NewFactory(root, time.Second, nil)

	_, err := f.Mapping("../escaped")
	require.ErrorIs(t, err, conccache.ErrInvalidCorpusName)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(root), "escaped"))
}
