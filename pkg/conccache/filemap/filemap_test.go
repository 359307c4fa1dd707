package filemap_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/conccache/filemap"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

func newMap(t *testing.T) *filemap.Map {
	t.Helper()

	m := filemap.New(filepath.Join(t.TempDir(), "susanne"), nil)
	require.NoError(t, m.RefreshMap())

	return m
}

func TestRefreshMap_Idempotent(t *testing.T) {
	t.Parallel()

	m := newMap(t)

	_, _, err := m.AddToMap("", query.Query{"qfoo"}, 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.RefreshMap())

	_, found, err := m.CacheFilePath("", query.Query{"qfoo"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.FileExists(t, filepath.Join(m.Dir(), filemap.IndexFileName))
}

func TestAddToMap_ReturnsPreviousStatus(t *testing.T) {
	t.Parallel()

	m := newMap(t)
	q := query.Query{"qfoo"}

	path, prev, err := m.AddToMap("", q, 0, conccache.NewCalcStatus("task-1"))
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, conccache.CacheFileExt, filepath.Ext(path))
	assert.Equal(t, m.Dir(), filepath.Dir(path))

	path2, prev, err := m.AddToMap("", q, 25, nil)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "task-1", prev.TaskID)
	assert.Equal(t, path, path2)

	size, found, err := m.StoredSize("", q)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 25, size)

	status, err := m.CalcStatus("", q)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "task-1", status.TaskID)
}

func TestCacheFilePath_DistinguishesSubcorpora(t *testing.T) {
	t.Parallel()

	m := newMap(t)
	q := query.Query{"qfoo"}

	whole, _, err := m.AddToMap("", q, 1, nil)
	require.NoError(t, err)

	sub, _, err := m.AddToMap("abc", q, 1, nil)
	require.NoError(t, err)

	assert.NotEqual(t, whole, sub)

	_, found, err := m.CacheFilePath("other", q)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCalcStatus_Missing(t *testing.T) {
	t.Parallel()

	m := newMap(t)

	status, err := m.CalcStatus("", query.Query{"qnothing"})
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestUpdateCalcStatus_CreatesEntry(t *testing.T) {
	t.Parallel()

	m := newMap(t)
	q := query.Query{"qfoo", "f"}

	require.NoError(t, m.UpdateCalcStatus("", q, conccache.Patch().Finished(true).ConcSize(7)))

	status, err := m.CalcStatus("", q)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.Finished)
	assert.Equal(t, 7, status.ConcSize)

	_, found, err := m.CacheFilePath("", q)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDelEntry_KeepsFile(t *testing.T) {
	t.Parallel()

	m := newMap(t)
	q := query.Query{"qfoo"}

	path, _, err := m.AddToMap("", q, 1, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	require.NoError(t, m.DelEntry("", q))

	status, err := m.CalcStatus("", q)
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.FileExists(t, path)
}

func TestDelFullEntry_RemovesChain(t *testing.T) {
	t.Parallel()

	m := newMap(t)

	chain := []query.Query{{"qfoo"}, {"qfoo", "f"}, {"qfoo", "f", "r10"}}

	var paths []string

	for _, q := range chain {
		path, _, err := m.AddToMap("", q, 1, nil)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

		paths = append(paths, path)
	}

	other, _, err := m.AddToMap("", query.Query{"qbar"}, 1, nil)
	require.NoError(t, err)

	sub, _, err := m.AddToMap("abc", query.Query{"qfoo"}, 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.DelFullEntry("", query.Query{"qfoo", "s"}))

	for i, q := range chain {
		status, statusErr := m.CalcStatus("", q)
		require.NoError(t, statusErr)
		assert.Nil(t, status)
		assert.NoFileExists(t, paths[i])
	}

	for _, keep := range []struct {
		subchash string
		q        query.Query
		path     string
	}{{"", query.Query{"qbar"}, other}, {"abc", query.Query{"qfoo"}, sub}} {
		got, found, pathErr := m.CacheFilePath(keep.subchash, keep.q)
		require.NoError(t, pathErr)
		assert.True(t, found)
		assert.Equal(t, keep.path, got)
	}
}

func TestMap_SharedBetweenInstances(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "corp")
	a := filemap.New(dir, nil)
	b := filemap.New(dir, nil)

	require.NoError(t, a.UpdateCalcStatus("", query.Query{"qx"}, conccache.Patch().ConcSize(3)))

	status, err := b.CalcStatus("", query.Query{"qx"})
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 3, status.ConcSize)
}

func TestMap_RejectsUnknownIndexVersion(t *testing.T) {
	t.Parallel()

	m := newMap(t)
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), filemap.IndexFileName),
		[]byte(`{"version": 99, "entries": {}}`), 0o600))

	_, err := m.CalcStatus("", query.Query{"qx"})
	require.ErrorIs(t, err, filemap.ErrIndexVersion)
}

func TestEntries(t *testing.T) {
	t.Parallel()

	m := newMap(t)

	_, _, err := m.AddToMap("", query.Query{"qa"}, 1, nil)
	require.NoError(t, err)
	_, _, err = m.AddToMap("h", query.Query{"qb", "f"}, 2, nil)
	require.NoError(t, err)

	entries, err := m.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	for _, e := range entries {
		assert.NotNil(t, e.Status)
		assert.NotEmpty(t, e.Path)
	}
}

func TestFactory_ReusesMaps(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := filemap.NewFactory(root, nil)

	assert.Same(t, f.Map("a"), f.Map("a"))
	assert.NotSame(t, f.Map("a"), f.Map("b"))
	assert.Equal(t, filepath.Join(root, "b"), f.Map("b").Dir())

	cm, err := f.Mapping("a")
	require.NoError(t, err)
	assert.Implements(t, (*conccache.ListableMap)(nil), cm)
}

func TestMap_InstancesKeepIndependentWrites(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "corp")

	const perInstance = 50

	var wg sync.WaitGroup

	for _, name := range []string{"a", "b"} {
		m := filemap.New(dir, nil)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perInstance {
				q := query.Query{fmt.Sprintf("q%s%d", name, i)}
				assert.NoError(t, m.UpdateCalcStatus("", q, conccache.Patch().ConcSize(i)))
			}
		}()
	}

	wg.Wait()

	entries, err := filemap.New(dir, nil).Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2*perInstance)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name())
	}

	assert.ElementsMatch(t, []string{filemap.IndexFileName, filemap.LockFileName}, names)
}

func TestFactory_RejectsEscapingCorpusName(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "cache")
	f := filemap.NewFactory(root, nil)

	for _, name := range []string{"", ".", "..", "../escaped", "a/b", `a\b`} {
		_, err := f.Mapping(name)
		require.ErrorIs(t, err, conccache.ErrInvalidCorpusName, name)
	}

	assert.NoDirExists(t, filepath.Join(filepath.Dir(root), "escaped"))
}
