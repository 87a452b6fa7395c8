package runner

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/config"
	"github.com/mattjoyce/testhive/internal/metrics"
	"github.com/mattjoyce/testhive/internal/queue"
	"github.com/mattjoyce/testhive/internal/storage"
)

func writeTests(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, src := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
}

func newRunner(t *testing.T, files map[string]string, mutate func(*config.Config)) (*Runner, *queue.Queue, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "tests")
	writeTests(t, root, files)

	cfg := config.Defaults()
	cfg.Tests.Root = root
	cfg.Artifacts.Dir = filepath.Join(dir, "artifacts")
	cfg.State.Path = filepath.Join(dir, "state", "testhive.db")
	cfg.Runner.WorkerLimit = 2
	cfg.Runner.RetryCount = 1
	cfg.Runner.RetryDelay = 0
	cfg.Runner.TestTimeout = 10 * time.Second
	cfg.Runner.LocalWorker = true
	cfg.Hash = "cfg-hash"
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r, err := New(ctx, Options{Config: cfg, DB: db, Metrics: metrics.New()})
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Close(cctx)
	})
	return r, queue.New(db), db
}

func jobsByPath(t *testing.T, q *queue.Queue, runID string) map[string]queue.Job {
	t.Helper()
	jobs, err := q.ListRun(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]queue.Job, len(jobs))
	for _, j := range jobs {
		out[j.Path] = j
	}
	return out
}

func TestRunMixedResults(t *testing.T) {
	r, q, _ := newRunner(t, map[string]string{
		"pass.test.js":   "const h = require('./lib/helper'); if (h.v !== 1) throw new Error('bad helper');",
		"lib/helper.js":  "module.exports = { v: 1 };",
		"fail.test.js":   "throw new Error('boom');",
		"shot.test.js":   "const p = await harness.requestFile({ type: 'screenshot', ext: 'png' }); if (!p.endsWith('.png')) throw new Error(p);",
		"escape.test.js": "require('../../outside');",
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, r.RunID(), s.RunID)
	assert.Equal(t, queue.RunFailed, s.Status)
	assert.Len(t, s.Entries, 4)

	passed, failed := s.Counts()
	assert.Equal(t, 2, passed)
	assert.Equal(t, 2, failed)

	jobs := jobsByPath(t, q, r.RunID())
	assert.Equal(t, queue.StatusSucceeded, jobs["pass.test.js"].Status)
	assert.Equal(t, 1, jobs["pass.test.js"].Attempts)
	assert.Equal(t, queue.StatusSucceeded, jobs["shot.test.js"].Status)

	failJob := jobs["fail.test.js"]
	assert.Equal(t, queue.StatusFailed, failJob.Status)
	assert.Equal(t, 2, failJob.Attempts)
	require.NotNil(t, failJob.LastError)
	assert.Contains(t, *failJob.LastError, "boom")

	attempts, err := q.Attempts(ctx, failJob.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Equal(t, 2, attempts[1].Number)

	escape := jobs["escape.test.js"]
	assert.Equal(t, queue.StatusFailed, escape.Status)
	assert.Equal(t, 0, escape.Attempts)
	require.NotNil(t, escape.LastError)
	assert.Contains(t, *escape.LastError, "escapes test root")

	assert.NotEmpty(t, r.Workers())
	assert.DirExists(t, r.Dir())
}

func TestRunRecordsArtifacts(t *testing.T) {
	r, _, db := newRunner(t, map[string]string{
		"keep.test.js": "await harness.requestFile({ type: 'logs', fileName: 'out', ext: 'txt', preserveName: true });",
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.RunPassed, s.Status)

	allocs := r.Allocations()
	require.Len(t, allocs, 1)
	assert.Equal(t, filepath.Join(r.Dir(), "logs", "out.txt"), allocs[0].Path)

	var found []arbiter.Artifact
	require.Eventually(t, func() bool {
		found, err = arbiter.NewSQLiteLedger(db, r.RunID()).List(ctx)
		return err == nil && len(found) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, allocs[0].Path, found[0].Path)
}

func TestRunAbortsOnCancel(t *testing.T) {
	r, q, _ := newRunner(t, map[string]string{
		"slow.test.js": "await new Promise(resolve => setTimeout(resolve, 60000));",
	}, func(c *config.Config) {
		c.Runner.WorkerLimit = 1
		c.Runner.RetryCount = 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.RunAborted, s.Status)

	jobs := jobsByPath(t, q, r.RunID())
	slow := jobs["slow.test.js"]
	assert.Equal(t, queue.StatusFailed, slow.Status)
	require.NotNil(t, slow.LastError)
	assert.Equal(t, ErrAborted.Error(), *slow.LastError)
}

func TestRunWithoutTests(t *testing.T) {
	r, _, _ := newRunner(t, map[string]string{"helper.js": "module.exports = {};"}, nil)

	s, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.RunPassed, s.Status)
	assert.Empty(t, s.Entries)
}

func TestNewRequiresConfigAndDB(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
	_, err = New(context.Background(), Options{Config: config.Defaults()})
	assert.Error(t, err)
}
