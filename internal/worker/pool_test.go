package worker_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/transport"
	"github.com/mattjoyce/testhive/internal/worker"
	"github.com/mattjoyce/testhive/internal/worker/mocks"
)

func quietSpawner() *worker.LocalSpawner {
	return &worker.LocalSpawner{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}
}

func newPool(t *testing.T, spawner worker.Spawner, cfg worker.Config) (*worker.Pool, *transport.Bus) {
	t.Helper()
	bus := transport.NewBus(transport.RootID)
	pool := worker.NewPool(bus, spawner, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
		_ = bus.Close()
	})
	return pool, bus
}

func testRequest(path, source string) worker.Request {
	return worker.Request{File: worker.FileRef{Path: path, Content: source}}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunPassingTest(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 1})

	res, err := pool.Run(testCtx(t), testRequest("ok.test.js", "if (1 + 1 !== 2) throw new Error('math');"))
	require.NoError(t, err)
	assert.Equal(t, worker.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "w1", res.WorkerID)
	assert.False(t, res.Crashed)
}

func TestRunReusesIdleWorker(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 1})
	ctx := testCtx(t)

	first, err := pool.Run(ctx, testRequest("a.test.js", ""))
	require.NoError(t, err)
	second, err := pool.Run(ctx, testRequest("b.test.js", ""))
	require.NoError(t, err)
	assert.Equal(t, first.WorkerID, second.WorkerID)
}

func TestRunRetriesFailingTest(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 1, RetryCount: 2})

	var attempts atomic.Int32
	pool.ResultHooks().MustHook(worker.OnAttempt).ReadHook("count", func(_ context.Context, r worker.Result, _ ...any) error {
		attempts.Add(1)
		return nil
	})

	res, err := pool.Run(testCtx(t), testRequest("flaky.test.js", "throw new Error('element not found');"))
	require.NoError(t, err)
	assert.Equal(t, worker.StatusFailure, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.Crashed)
	assert.Contains(t, res.Error, "element not found")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRunNeverExceedsWorkerLimit(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 2})

	var live, peak atomic.Int32
	pool.LifecycleHooks().MustHook(worker.OnSpawn).ReadHook("peak", func(context.Context, worker.Snapshot, ...any) error {
		n := live.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				return nil
			}
		}
	})
	pool.LifecycleHooks().MustHook(worker.OnExit).ReadHook("peak", func(context.Context, worker.Snapshot, ...any) error {
		live.Add(-1)
		return nil
	})

	ctx := testCtx(t)
	var wg sync.WaitGroup
	results := make([]worker.Result, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := pool.Run(ctx, testRequest("slow.test.js", "await new Promise((r) => setTimeout(r, 30));"))
			assert.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, worker.StatusSuccess, r.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, len(pool.Handles()), 2)
}

// fakeWorker speaks the worker protocol on link. It reports ready and then
// hands each test to onExecute, which runs on the fake's dispatch goroutine.
func fakeWorker(link transport.Link, onExecute func(bus *transport.Bus, msg transport.Message)) *transport.Bus {
	bus := transport.NewBus("fake")
	bus.On(worker.MsgExecute, func(msg transport.Message) { onExecute(bus, msg) })
	if err := bus.RegisterProcess(transport.RootID, link); err != nil {
		return bus
	}
	_ = bus.Send(context.Background(), transport.RootID, worker.MsgReady, map[string]any{"pid": 4242})
	return bus
}

// exitLatch stands in for a process exit; it closes once.
type exitLatch struct {
	once sync.Once
	done chan struct{}
}

func newExitLatch() *exitLatch { return &exitLatch{done: make(chan struct{})} }

func (l *exitLatch) exit() { l.once.Do(func() { close(l.done) }) }

// crashOnExecute makes the fake die as soon as it receives a test. The bus
// is closed off the dispatch goroutine, which Close waits for.
func crashOnExecute(exited *exitLatch) func(*transport.Bus, transport.Message) {
	return func(bus *transport.Bus, _ transport.Message) {
		go func() {
			_ = bus.Close()
			exited.exit()
		}()
	}
}

// fakeProcess exits when exited fires. A signal or kill also ends it.
func fakeProcess(ctrl *gomock.Controller, exited *exitLatch) *mocks.MockProcess {
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().PID().Return(4242).AnyTimes()
	proc.EXPECT().Signal(gomock.Any()).DoAndReturn(func(os.Signal) error {
		exited.exit()
		return nil
	}).AnyTimes()
	proc.EXPECT().Kill().DoAndReturn(func() error {
		exited.exit()
		return nil
	}).AnyTimes()
	proc.EXPECT().Wait().DoAndReturn(func() error {
		<-exited.done
		return errors.New("signal: segmentation fault")
	})
	return proc
}

func TestRunRetriesCrashedWorker(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)

	var ids []string
	var mu sync.Mutex
	spawner.EXPECT().Spawn(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, opts worker.SpawnOptions) (worker.Process, transport.Link, error) {
			mu.Lock()
			ids = append(ids, opts.WorkerID)
			mu.Unlock()
			exited := newExitLatch()
			parentEnd, childEnd := transport.Pipe()
			go fakeWorker(childEnd, crashOnExecute(exited))
			return fakeProcess(ctrl, exited), parentEnd, nil
		}).Times(3)

	pool, _ := newPool(t, spawner, worker.Config{WorkerLimit: 1, RetryCount: 2, KillGrace: 50 * time.Millisecond})

	res, err := pool.Run(testCtx(t), testRequest("crash.test.js", ""))
	require.NoError(t, err)
	assert.Equal(t, worker.StatusFailure, res.Status)
	assert.True(t, res.Crashed)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "w3", res.WorkerID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"w1", "w2", "w3"}, ids)
}

func TestRunRetriesAfterMalformedResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)

	spawner.EXPECT().Spawn(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ worker.SpawnOptions) (worker.Process, transport.Link, error) {
			exited := newExitLatch()
			parentEnd, childEnd := transport.Pipe()
			go fakeWorker(childEnd, func(bus *transport.Bus, msg transport.Message) {
				_ = bus.Reply(context.Background(), msg, worker.MsgResult,
					map[string]any{"status": "success", "durationMs": "oops"})
			})
			return fakeProcess(ctrl, exited), parentEnd, nil
		}).Times(2)

	pool, _ := newPool(t, spawner, worker.Config{WorkerLimit: 1, RetryCount: 1, KillGrace: 50 * time.Millisecond})

	start := time.Now()
	res, err := pool.Run(testCtx(t), testRequest("garbled.test.js", ""))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.Crashed)
	assert.Contains(t, res.Error, "decode result")
	require.Eventually(t, func() bool { return len(pool.Handles()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSpawnTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)

	exited := make(chan struct{})
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().PID().Return(7).AnyTimes()
	proc.EXPECT().Signal(gomock.Any()).DoAndReturn(func(os.Signal) error {
		close(exited)
		return nil
	})
	proc.EXPECT().Wait().DoAndReturn(func() error {
		<-exited
		return nil
	})
	parentEnd, childEnd := transport.Pipe()
	t.Cleanup(func() { _ = childEnd.Close() })
	spawner.EXPECT().Spawn(gomock.Any(), gomock.Any()).Return(proc, parentEnd, nil)

	pool, _ := newPool(t, spawner, worker.Config{WorkerLimit: 1, SpawnTimeout: 50 * time.Millisecond})

	_, err := pool.Spawn(testCtx(t))
	require.ErrorIs(t, err, worker.ErrSpawnTimeout)
	require.Eventually(t, func() bool { return len(pool.Handles()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestTestTimeoutKillsWorker(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{
		WorkerLimit: 1,
		TestTimeout: 100 * time.Millisecond,
		KillGrace:   time.Second,
	})

	res, err := pool.Run(testCtx(t), testRequest("hang.test.js", "for (;;) {}"))
	require.NoError(t, err)
	assert.True(t, res.Crashed)
	assert.Contains(t, res.Error, worker.ErrTestTimeout.Error())
	require.Eventually(t, func() bool { return len(pool.Handles()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestKillDuringExecutionReleasesWorkerFiles(t *testing.T) {
	arb, err := arbiter.New(t.TempDir())
	require.NoError(t, err)

	pool, bus := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 1, KillGrace: time.Second})
	srv := arbiter.Serve(arb, bus)
	t.Cleanup(srv.Close)

	ctx := testCtx(t)
	done := make(chan worker.Result, 1)
	go func() {
		res, err := pool.Run(ctx, testRequest("shot.test.js", `
await harness.requestFile({ type: 'screenshot', ext: 'png' });
await new Promise(() => {});
`))
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(arb.Allocations()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "w1", arb.Allocations()[0].WorkerID)

	require.NoError(t, pool.Kill(ctx, "w1"))

	select {
	case res := <-done:
		assert.True(t, res.Crashed)
		assert.Equal(t, worker.StatusFailure, res.Status)
	case <-ctx.Done():
		t.Fatal("run did not finish after kill")
	}
	require.Eventually(t, func() bool { return len(arb.Allocations()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForRelease(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 1})
	ctx := testCtx(t)

	req := testRequest("held.test.js", "")
	req.WaitForRelease = true
	done := make(chan worker.Result, 1)
	go func() {
		res, err := pool.Run(ctx, req)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		hs := pool.Handles()
		return len(hs) == 1 && hs[0].AwaitingRelease
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("result reported before release")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, pool.Release(ctx, "w1"))
	res := <-done
	assert.Equal(t, worker.StatusSuccess, res.Status)
	assert.False(t, pool.Handles()[0].AwaitingRelease)
}

func TestKillUnknownWorker(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 1})
	assert.ErrorIs(t, pool.Kill(testCtx(t), "w9"), worker.ErrUnknownWorker)
	assert.ErrorIs(t, pool.Release(testCtx(t), "w9"), worker.ErrUnknownWorker)
}

func TestCloseStopsWorkers(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 2})
	ctx := testCtx(t)

	_, err := pool.Spawn(ctx)
	require.NoError(t, err)
	_, err = pool.Spawn(ctx)
	require.NoError(t, err)
	require.Len(t, pool.Handles(), 2)

	require.NoError(t, pool.Close(ctx))
	assert.Empty(t, pool.Handles())

	_, err = pool.Run(ctx, testRequest("late.test.js", ""))
	assert.ErrorIs(t, err, worker.ErrPoolClosed)
}

func TestExecuteOnSpawnedWorker(t *testing.T) {
	pool, _ := newPool(t, quietSpawner(), worker.Config{WorkerLimit: 1})
	ctx := testCtx(t)

	h, err := pool.Spawn(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.StateIdle, h.State())

	res, err := pool.Execute(ctx, h, testRequest("fail.test.js", "throw new Error('nope');"))
	require.NoError(t, err)
	assert.Equal(t, worker.StatusFailure, res.Status)
	assert.False(t, res.Crashed)
	assert.Equal(t, worker.StateIdle, h.State())

	require.NoError(t, pool.Kill(ctx, h.ID))
	assert.Equal(t, worker.StateKilled, h.State())
	_, err = pool.Execute(ctx, h, testRequest("late.test.js", ""))
	assert.ErrorIs(t, err, worker.ErrWorkerDead)
}
