package arbiter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/testhive/internal/hooks"
	"github.com/mattjoyce/testhive/internal/storage"
)

func newArbiter(t *testing.T, opts ...Option) *Arbiter {
	t.Helper()
	a, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	return a
}

func fixedToken(tok string) Option {
	return WithTokenFunc(func() string { return tok })
}

func TestScreenshotWorkerScoped(t *testing.T) {
	a := newArbiter(t)
	meta := FileRequestMeta{Type: "screenshot", Ext: "png", UniqPolicy: UniqWorker, WorkerID: "w1"}

	p1, err := a.RequestFileName(context.Background(), meta)
	require.NoError(t, err)
	p2, err := a.RequestFileName(context.Background(), meta)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	for _, p := range []string{p1, p2} {
		assert.Contains(t, p, string(filepath.Separator)+"w1"+string(filepath.Separator))
		assert.True(t, strings.HasSuffix(p, ".png"), p)
		assert.True(t, strings.HasPrefix(p, filepath.Join(a.Root(), "screenshot")), p)
	}

	info, err := os.Stat(filepath.Dir(p1))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWorkerPolicyAllowsSameTokenAcrossWorkers(t *testing.T) {
	a := newArbiter(t, fixedToken("shot"))
	ctx := context.Background()

	var wg sync.WaitGroup
	paths := make([]string, 2)
	for i, w := range []string{"w1", "w2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.RequestFileName(ctx, FileRequestMeta{Type: "screenshot", Ext: "png", UniqPolicy: UniqWorker, WorkerID: w})
			assert.NoError(t, err)
			paths[i] = p
		}()
	}
	wg.Wait()

	assert.Equal(t, filepath.Join(a.Root(), "screenshot", "w1", "shot.png"), paths[0])
	assert.Equal(t, filepath.Join(a.Root(), "screenshot", "w2", "shot.png"), paths[1])

	again, err := a.RequestFileName(ctx, FileRequestMeta{Type: "screenshot", Ext: "png", UniqPolicy: UniqWorker, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Root(), "screenshot", "w1", "shot-1.png"), again)
}

func TestGlobalPolicyDistinctAcrossWorkers(t *testing.T) {
	a := newArbiter(t)
	ctx := context.Background()
	meta := FileRequestMeta{Type: "report", FileName: "summary.json", PreserveName: true, UniqPolicy: UniqGlobal}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for _, w := range []string{"w1", "w2", "w3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := meta
			m.WorkerID = w
			p, err := a.RequestFileName(ctx, m)
			assert.NoError(t, err)
			mu.Lock()
			seen[p] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	dir := filepath.Join(a.Root(), "report")
	assert.Equal(t, map[string]bool{
		filepath.Join(dir, "summary.json"):   true,
		filepath.Join(dir, "summary-1.json"): true,
		filepath.Join(dir, "summary-2.json"): true,
	}, seen)
}

func TestPathComposition(t *testing.T) {
	tests := []struct {
		name string
		meta FileRequestMeta
		want string
	}{
		{
			name: "all segments",
			meta: FileRequestMeta{ExtraPath: "suite/a", Type: "video", Subtype: "raw", FileName: "clip", PreserveName: true, Ext: ".webm"},
			want: "suite/a/video/raw/clip.webm",
		},
		{
			name: "default extension",
			meta: FileRequestMeta{Type: "dump"},
			want: "dump/tok.tmp",
		},
		{
			name: "extension taken from preserved name",
			meta: FileRequestMeta{FileName: "trace.har", PreserveName: true},
			want: "trace.har",
		},
		{
			name: "worker segment after subtype",
			meta: FileRequestMeta{Type: "screenshot", Subtype: "diff", UniqPolicy: UniqWorker, WorkerID: "w9", Ext: "png"},
			want: "screenshot/diff/w9/tok.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newArbiter(t, fixedToken("tok"))
			got, err := a.RequestFileName(context.Background(), tt.meta)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(a.Root(), filepath.FromSlash(tt.want)), got)
		})
	}
}

func TestGlobalFileNameBypassesTable(t *testing.T) {
	a := newArbiter(t)
	ctx := context.Background()
	meta := FileRequestMeta{Global: true, FileName: "/var/tmp/owned.log", WorkerID: "w1"}

	p1, err := a.RequestFileName(ctx, meta)
	require.NoError(t, err)
	p2, err := a.RequestFileName(ctx, meta)
	require.NoError(t, err)

	assert.Equal(t, "/var/tmp/owned.log", p1)
	assert.Equal(t, p1, p2)
	assert.Empty(t, a.Allocations())

	_, err = a.RequestFileName(ctx, FileRequestMeta{Global: true})
	assert.ErrorIs(t, err, ErrMissingFileName)
}

func TestRequestValidation(t *testing.T) {
	a := newArbiter(t)
	ctx := context.Background()

	_, err := a.RequestFileName(ctx, FileRequestMeta{UniqPolicy: UniqWorker})
	assert.ErrorIs(t, err, ErrMissingWorker)

	_, err = a.RequestFileName(ctx, FileRequestMeta{PreserveName: true})
	assert.ErrorIs(t, err, ErrMissingFileName)

	_, err = a.RequestFileName(ctx, FileRequestMeta{ExtraPath: "../escape"})
	assert.ErrorIs(t, err, ErrInvalidSegment)

	_, err = a.RequestFileName(ctx, FileRequestMeta{FileName: "a/b.png", PreserveName: true})
	assert.ErrorIs(t, err, ErrInvalidSegment)

	_, err = a.RequestFileName(ctx, FileRequestMeta{UniqPolicy: "cluster"})
	assert.Error(t, err)
}

func TestReleaseThenCleanupIsolation(t *testing.T) {
	a := newArbiter(t)
	ctx := context.Background()

	var released []string
	a.Hooks().MustHook(hooks.OnRelease).ReadHook("recorder", func(_ context.Context, path string, _ ...any) error {
		released = append(released, path)
		return nil
	})

	p1, err := a.RequestFileName(ctx, FileRequestMeta{Type: "log", WorkerID: "w1"})
	require.NoError(t, err)
	p2, err := a.RequestFileName(ctx, FileRequestMeta{Type: "log", WorkerID: "w1"})
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, p1))
	n, err := a.ForceCleanup(ctx, "w2")
	require.NoError(t, err)
	assert.Zero(t, n)

	remaining := a.Allocations()
	require.Len(t, remaining, 1)
	assert.Equal(t, p2, remaining[0].Path)
	assert.Equal(t, []string{p1}, released)

	// Releasing again is a no-op.
	require.NoError(t, a.Release(ctx, p1))
	require.NoError(t, a.Release(ctx, "/never/allocated"))
	assert.Equal(t, []string{p1}, released)
}

func TestForceCleanupReleasesOnlyOwner(t *testing.T) {
	a := newArbiter(t)
	ctx := context.Background()

	var mu sync.Mutex
	var owners []string
	a.Hooks().MustHook(hooks.OnRelease).ReadHook("owners", func(_ context.Context, _ string, rest ...any) error {
		mu.Lock()
		owners = append(owners, rest[0].(Allocation).WorkerID)
		mu.Unlock()
		return nil
	})

	for _, w := range []string{"w1", "w1", "w1", "w2"} {
		_, err := a.RequestFileName(ctx, FileRequestMeta{Type: "shot", UniqPolicy: UniqWorker, WorkerID: w})
		require.NoError(t, err)
	}

	n, err := a.ForceCleanup(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"w1", "w1", "w1"}, owners)

	left := a.Allocations()
	require.Len(t, left, 1)
	assert.Equal(t, "w2", left[0].WorkerID)
}

func TestOnFilenameHookRewritesPath(t *testing.T) {
	a := newArbiter(t, fixedToken("tok"))
	ctx := context.Background()
	h := a.Hooks().MustHook(hooks.OnFilename)
	h.WriteHook("prefix", func(_ context.Context, path string, rest ...any) (string, error) {
		meta := rest[0].(FileRequestMeta)
		return filepath.Join(filepath.Dir(path), meta.WorkerID+"-"+filepath.Base(path)), nil
	})

	got, err := a.RequestFileName(ctx, FileRequestMeta{Type: "shot", Ext: "png", WorkerID: "w3"})
	require.NoError(t, err)
	want := filepath.Join(a.Root(), "shot", "w3-tok.png")
	assert.Equal(t, want, got)

	allocs := a.Allocations()
	require.Len(t, allocs, 1)
	assert.Equal(t, want, allocs[0].Path)
}

func TestOnFilenameHookFailure(t *testing.T) {
	a := newArbiter(t, fixedToken("tok"))
	ctx := context.Background()
	a.Hooks().MustHook(hooks.OnFilename).WriteHook("quota", func(context.Context, string, ...any) (string, error) {
		return "", errors.New("quota exceeded")
	})

	_, err := a.RequestFileName(ctx, FileRequestMeta{Type: "shot"})
	var herr *hooks.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "quota", herr.Plugin)
	assert.Empty(t, a.Allocations())

	// The failed candidate is not held.
	a.Hooks().MustHook(hooks.OnFilename).Remove("quota")
	p, err := a.RequestFileName(ctx, FileRequestMeta{Type: "shot"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Root(), "shot", "tok.tmp"), p)
}

func TestLedgerJournalsAllocations(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := NewSQLiteLedger(db, "run-1")
	a := newArbiter(t, WithLedger(ledger))
	ctx := context.Background()

	p1, err := a.RequestFileName(ctx, FileRequestMeta{Type: "a", WorkerID: "w1"})
	require.NoError(t, err)
	p2, err := a.RequestFileName(ctx, FileRequestMeta{Type: "b", WorkerID: "w2"})
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, p1))

	arts, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, arts, 2)

	byPath := map[string]Artifact{arts[0].Path: arts[0], arts[1].Path: arts[1]}
	assert.NotNil(t, byPath[p1].ReleasedAt)
	assert.Nil(t, byPath[p2].ReleasedAt)
	assert.Equal(t, "w2", byPath[p2].WorkerID)
}
