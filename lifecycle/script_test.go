package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/batchapply/batch"
	"github.com/maxpert/batchapply/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statScript records each phase in <phase>.stat inside the staging dir and
// appends the environment it saw to calls.log
const statScript = `#!/bin/sh
echo "$BATCH_PHASE $BATCH_SEQNO $BATCH_TABLE $BATCH_ROWS $2" >> calls.log
touch "$1.stat"
if [ -n "$FAIL_PHASE" ] && [ "$FAIL_PHASE" = "$1" ]; then
  echo "refusing $1" >&2
  exit 3
fi
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "load.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func newScriptLoader(t *testing.T, script string, timeout time.Duration) (*ScriptLoader, string) {
	t.Helper()
	staging := t.TempDir()
	l, err := NewScriptLoader(LoaderConfig{
		LoaderConfiguration: cfg.LoaderConfiguration{
			Type:      "script",
			Script:    script,
			TimeoutMS: int(timeout / time.Millisecond),
		},
		Service:    "test",
		StagingDir: staging,
	})
	require.NoError(t, err)
	return l, staging
}

func TestScriptLoader_AllPhases(t *testing.T) {
	ctx := context.Background()
	l, staging := newScriptLoader(t, writeScript(t, statScript), 10*time.Second)
	c := NewController("script", l)

	txn := Txn{Seqno: 42, CommitTime: time.Now()}
	require.NoError(t, c.Prepare(ctx))
	require.NoError(t, c.Begin(ctx, txn))
	require.NoError(t, c.Apply(ctx, batch.Artifact{Path: "/tmp/orders-42-0.csv", Table: "orders", Rows: 3}))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.Release(ctx))

	for _, phase := range []string{"prepare", "begin", "apply", "commit", "release"} {
		_, err := os.Stat(filepath.Join(staging, phase+".stat"))
		assert.NoError(t, err, "missing %s.stat", phase)
	}

	log, err := os.ReadFile(filepath.Join(staging, "calls.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "begin 42", strings.TrimSpace(lines[1]))
	assert.Equal(t, "apply 42 orders 3 /tmp/orders-42-0.csv", lines[2])
}

func TestScriptLoader_NonZeroExit(t *testing.T) {
	t.Setenv("FAIL_PHASE", "commit")

	ctx := context.Background()
	l, _ := newScriptLoader(t, writeScript(t, statScript), 10*time.Second)
	c := NewController("script", l)

	require.NoError(t, c.Prepare(ctx))
	require.NoError(t, c.Begin(ctx, Txn{Seqno: 1}))

	err := c.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPhaseFailure))
	assert.Contains(t, err.Error(), "refusing commit")
	assert.Equal(t, StateFailed, c.State())
}

func TestScriptLoader_Timeout(t *testing.T) {
	l, _ := newScriptLoader(t, writeScript(t, "#!/bin/sh\nexec sleep 5\n"), 100*time.Millisecond)

	start := time.Now()
	err := l.Prepare(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestNewScriptLoader_Validation(t *testing.T) {
	_, err := NewScriptLoader(LoaderConfig{})
	assert.Error(t, err)

	_, err = NewScriptLoader(LoaderConfig{LoaderConfiguration: cfg.LoaderConfiguration{Script: "/does/not/exist"}})
	assert.Error(t, err)

	notExec := filepath.Join(t.TempDir(), "plain.sh")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0644))
	_, err = NewScriptLoader(LoaderConfig{LoaderConfiguration: cfg.LoaderConfiguration{Script: notExec}})
	assert.Error(t, err)
}

func TestNewLoader_Script(t *testing.T) {
	l, err := NewLoader(LoaderConfig{
		LoaderConfiguration: cfg.LoaderConfiguration{Type: "script", Script: writeScript(t, statScript)},
	})
	require.NoError(t, err)
	assert.IsType(t, &ScriptLoader{}, l)
}

func TestScriptLoader_RelativePaths(t *testing.T) {
	wd := t.TempDir()
	t.Chdir(wd)

	require.NoError(t, os.WriteFile("load.sh", []byte(`#!/bin/sh
if [ "$1" = "apply" ]; then
  test -f "$2" || { echo "missing $2 from $(pwd)" >&2; exit 1; }
  test -f "$BATCH_ARTIFACT" || exit 2
fi
touch "$1.stat"
`), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join("staging", "t"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join("staging", "t", "t-0-0.csv"), []byte("\"1\"\n"), 0644))

	l, err := NewScriptLoader(LoaderConfig{
		LoaderConfiguration: cfg.LoaderConfiguration{Type: "script", Script: "./load.sh"},
		StagingDir:          "staging",
	})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(l.script))
	assert.Equal(t, filepath.Join(wd, "staging"), l.stagingDir)

	abs, err := filepath.Abs(filepath.Join("staging", "t", "t-0-0.csv"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Prepare(ctx))
	require.NoError(t, l.Apply(ctx, Txn{Seqno: 0}, batch.Artifact{Path: abs, Table: "t", Rows: 1}))

	_, err = os.Stat(filepath.Join(wd, "staging", "apply.stat"))
	assert.NoError(t, err)
}
