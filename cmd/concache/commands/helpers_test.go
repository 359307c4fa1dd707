package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/observability"
)

const testCorpus = `the cat sat on the mat
a dog saw the cat
the bird flew over the house
`

// writeTestSetup creates a corpus registry, a cache directory and a config
// file pointing at both. extra is appended to the config.
func writeTestSetup(t *testing.T, extra string) string {
	t.Helper()

	dir := t.TempDir()
	registry := filepath.Join(dir, "corpora")
	require.NoError(t, os.MkdirAll(registry, 0o755))

	corpPath := filepath.Join(registry, "animals.txt")
	require.NoError(t, os.WriteFile(corpPath, []byte(testCorpus), 0o600))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(corpPath, past, past))

	content := fmt.Sprintf(`cache:
  directory: %s
corpora:
  registry: %s
  batch_size: 4
wait:
  step: 2ms
  partial_limit: 200ms
  complete_limit: 2s
diagnostics:
  enabled: false
%s`, filepath.Join(dir, "cache"), registry, extra)

	cfgPath := filepath.Join(dir, "concache.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	return cfgPath
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer

	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

// testRuntime loads the runtime as a command started with --config cfgPath would.
func testRuntime(t *testing.T, cfgPath string, mode observability.AppMode) *appRuntime {
	t.Helper()

	cmd := &cobra.Command{}
	cmd.Flags().String(FlagConfig, cfgPath, "")
	cmd.Flags().Bool(FlagVerbose, false, "")
	cmd.SetErr(&bytes.Buffer{})

	rt, err := loadRuntime(cmd, mode)
	require.NoError(t, err)

	return rt
}
