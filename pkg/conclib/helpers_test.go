package conclib_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/bgcalc"
	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/conccache/filemap"
	"github.com/Sumatoshi-tech/concache/pkg/conclib"
	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/corpus/textengine"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

const (
	corpusName = "animals"
	// "the" occurs 5 times, 2 of them next to "cat".
	testCorpus = `the cat sat on the mat
a dog saw the cat
the bird flew over the house
`
	theHits      = 5
	theCatHits   = 2
	testSubcName = "pets"
)

type fixture struct {
	deps   conclib.Deps
	engine *textengine.Engine
	caches *filemap.Factory
	app    *bgcalc.LocalApp
	corp   corpus.Corpus
	cm     *filemap.Map
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := t.TempDir()
	subcDir := t.TempDir()

	corpPath := filepath.Join(registry, corpusName+textengine.CorpusExt)
	require.NoError(t, os.WriteFile(corpPath, []byte(testCorpus), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(subcDir, corpusName), 0o755))

	subcPath := filepath.Join(subcDir, corpusName, testSubcName+textengine.SubcorpusExt)
	require.NoError(t, os.WriteFile(subcPath, []byte("0\n1\n"), 0o600))

	// Cache records created within the same second as the corpus file would
	// otherwise count as outdated.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(corpPath, past, past))
	require.NoError(t, os.Chtimes(subcPath, past, past))

	engine := textengine.New(textengine.Config{Registry: registry, SubcDirs: []string{subcDir}, BatchSize: 4})
	caches := filemap.NewFactory(t.TempDir(), nil)

	app, err := bgcalc.NewLocalApp(bgcalc.LocalConfig{MaxWorkers: 4})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		assert.NoError(t, app.Close(ctx))
	})

	deps := conclib.Deps{
		Caches: caches,
		Engine: engine,
		Tasks:  app,
		Wait: conclib.WaitPolicy{
			Step:          2 * time.Millisecond,
			PartialLimit:  150 * time.Millisecond,
			CompleteLimit: 2 * time.Second,
		},
	}

	conclib.RegisterTasks(app, deps)

	app.Register("block", func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	corp, err := engine.OpenCorpus(corpusName, "")
	require.NoError(t, err)

	return &fixture{
		deps:   deps,
		engine: engine,
		caches: caches,
		app:    app,
		corp:   corp,
		cm:     caches.Map(corpusName),
	}
}

// compute evaluates q fully in memory.
func (f *fixture) compute(t *testing.T, q query.Query) corpus.Concordance {
	t.Helper()

	conc, err := f.engine.ComputeConc(context.Background(), f.corp, q, 0)
	require.NoError(t, err)
	require.NoError(t, conc.Sync())

	for _, op := range q[1:] {
		code, args := query.Split(op)
		require.NoError(t, conc.ExecCommand(code, args))
	}

	return conc
}

// storeFinished puts a finished result of q into the cache and returns its path.
func (f *fixture) storeFinished(t *testing.T, q query.Query) string {
	t.Helper()

	conc := f.compute(t, q)

	status := conccache.NewCalcStatus("")
	path, _, err := f.cm.AddToMap("", q, conc.Size(), status)
	require.NoError(t, err)
	require.NoError(t, conc.Save(path, false))
	require.NoError(t, f.cm.UpdateCalcStatus("", q, conccache.Patch().Finished(true).ConcSize(conc.Size())))

	return path
}

// register adds a record for q with the given status and no cache file.
func (f *fixture) register(t *testing.T, q query.Query, status *conccache.CalcStatus) string {
	t.Helper()

	path, _, err := f.cm.AddToMap("", q, 0, status)
	require.NoError(t, err)

	return path
}

func (f *fixture) status(t *testing.T, q query.Query) *conccache.CalcStatus {
	t.Helper()

	s, err := f.cm.CalcStatus("", q)
	require.NoError(t, err)

	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("not a concordance"), 0o600)
}

// memArchive keeps archived cache files in memory, keyed by corpus and file name.
type memArchive struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  []string
	restores []string
}

func newMemArchive() *memArchive {
	return &memArchive{objects: map[string][]byte{}}
}

func (a *memArchive) key(corpname, localPath string) string {
	return corpname + "/" + filepath.Base(localPath)
}

func (a *memArchive) Upload(_ context.Context, corpname, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.objects[a.key(corpname, localPath)] = data
	a.uploads = append(a.uploads, a.key(corpname, localPath))

	return nil
}

func (a *memArchive) Restore(_ context.Context, corpname, localPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.restores = append(a.restores, a.key(corpname, localPath))

	data, ok := a.objects[a.key(corpname, localPath)]
	if !ok {
		return os.ErrNotExist
	}

	return os.WriteFile(localPath, data, 0o600)
}

func (a *memArchive) calls() (uploads, restores []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.uploads...), append([]string(nil), a.restores...)
}
