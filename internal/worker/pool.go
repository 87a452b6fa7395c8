package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/hooks"
	"github.com/mattjoyce/testhive/internal/log"
	"github.com/mattjoyce/testhive/internal/transport"
)

// Pool hook events. Result hooks receive (Result, testPath); lifecycle
// hooks receive a Snapshot.
const (
	OnAttempt = "ON_ATTEMPT"
	OnResult  = "ON_RESULT"
	OnSpawn   = "ON_SPAWN"
	OnExit    = "ON_EXIT"
)

// Config bounds the pool.
type Config struct {
	WorkerLimit int
	// RetryCount is the number of extra attempts after a failed one.
	RetryCount   int
	RetryDelay   time.Duration
	TestTimeout  time.Duration
	SpawnTimeout time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// DebugPortBase assigns base+n-1 to the n-th spawned worker; 0 disables.
	DebugPortBase int
}

func (c Config) withDefaults() Config {
	if c.WorkerLimit <= 0 {
		c.WorkerLimit = 1
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// Pool owns the worker processes of one controller. It never has more than
// WorkerLimit live workers; a slot is held from Spawn until the process has
// exited.
type Pool struct {
	cfg     Config
	spawner Spawner
	bus     *transport.Bus
	logger  *slog.Logger
	sem     *semaphore.Weighted
	seq     atomic.Int64

	results   *hooks.Pluggable[Result]
	lifecycle *hooks.Pluggable[Snapshot]

	mu      sync.Mutex
	handles map[string]*Handle
	idle    []*Handle
	changed chan struct{}
	closed  bool

	unsub func()
	wg    sync.WaitGroup
}

// NewPool creates a pool that registers its workers on bus.
func NewPool(bus *transport.Bus, spawner Spawner, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		spawner:   spawner,
		bus:       bus,
		logger:    log.WithComponent("pool"),
		sem:       semaphore.NewWeighted(int64(cfg.WorkerLimit)),
		results:   hooks.NewPluggable[Result](OnAttempt, OnResult),
		lifecycle: hooks.NewPluggable[Snapshot](OnSpawn, OnExit),
		handles:   make(map[string]*Handle),
		changed:   make(chan struct{}),
	}
	p.unsub = bus.On(MsgAwaitingRelease, p.handleAwaiting)
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// ResultHooks exposes ON_ATTEMPT and ON_RESULT.
func (p *Pool) ResultHooks() *hooks.Pluggable[Result] { return p.results }

// LifecycleHooks exposes ON_SPAWN and ON_EXIT.
func (p *Pool) LifecycleHooks() *hooks.Pluggable[Snapshot] { return p.lifecycle }

// Spawn starts a worker, blocking while the pool is full, and leaves it
// idle once it reported ready.
func (p *Pool) Spawn(ctx context.Context) (*Handle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	h, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}
	p.pushIdle(h)
	return h, nil
}

// spawn starts a worker in a slot the caller already holds. On return
// without error the handle is idle and not queued.
func (p *Pool) spawn(ctx context.Context) (*Handle, error) {
	n := p.seq.Add(1)
	id := fmt.Sprintf("w%d", n)
	port := 0
	if p.cfg.DebugPortBase > 0 {
		port = p.cfg.DebugPortBase + int(n) - 1
	}
	h := newHandle(id, port)
	logger := p.logger.With("worker_id", id)

	ready := make(chan struct{}, 1)
	off := p.bus.OnceFrom(id, MsgReady, func(transport.Message) { ready <- struct{}{} })

	proc, link, err := p.spawner.Spawn(ctx, SpawnOptions{
		WorkerID:  id,
		DebugPort: port,
		ParentPID: os.Getpid(),
		Stderr:    h.stderr,
	})
	if err != nil {
		off()
		p.sem.Release(1)
		p.notify()
		return nil, fmt.Errorf("spawn %s: %w", id, err)
	}
	h.proc = proc
	h.PID = proc.PID()

	p.mu.Lock()
	p.handles[id] = h
	p.mu.Unlock()

	// From here the slot is released by watch once the process exits.
	p.wg.Add(1)
	go p.watch(h)

	if err := p.bus.RegisterProcess(id, link); err != nil {
		off()
		p.terminate(h, StateCrashed)
		return nil, fmt.Errorf("register %s: %w", id, err)
	}

	timer := time.NewTimer(p.cfg.SpawnTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
		off()
		logger.Warn("worker did not report ready", "timeout", p.cfg.SpawnTimeout)
		p.terminate(h, StateCrashed)
		return nil, fmt.Errorf("%s: %w", id, ErrSpawnTimeout)
	case <-h.done:
		off()
		return nil, fmt.Errorf("%s exited during startup: %w", id, ErrWorkerDead)
	case <-ctx.Done():
		off()
		p.terminate(h, StateKilled)
		return nil, ctx.Err()
	}

	if !h.transition(StateIdle, StateSpawning) {
		return nil, fmt.Errorf("%s: %w", id, ErrWorkerDead)
	}
	logger.Info("worker spawned", "pid", h.PID, "debug_port", port)
	p.callLifecycle(OnSpawn, h)
	return h, nil
}

// watch waits for the process to exit, then frees its slot and asks the
// arbiter to drop the worker's files.
func (p *Pool) watch(h *Handle) {
	defer p.wg.Done()
	err := h.proc.Wait()

	h.mu.Lock()
	if h.state.Alive() {
		h.state = StateCrashed
	}
	h.exitErr = err
	h.awaiting = false
	state := h.state
	h.mu.Unlock()
	close(h.done)

	p.bus.UnregisterProcess(h.ID)
	p.mu.Lock()
	delete(p.handles, h.ID)
	p.idle = removeHandle(p.idle, h)
	p.mu.Unlock()
	p.sem.Release(1)
	p.notify()

	p.logger.Info("worker exited", "worker_id", h.ID, "state", state, "error", err)
	if err := p.bus.Broadcast(context.Background(), arbiter.ReleaseWorker, arbiter.ReleaseWorkerPayload{WorkerID: h.ID}); err != nil {
		p.logger.Warn("worker release broadcast failed", "worker_id", h.ID, "error", err)
	}
	p.callLifecycle(OnExit, h)
}

// Kill terminates a worker: SIGTERM, then SIGKILL after the grace period.
// It returns once the process has exited.
func (p *Pool) Kill(ctx context.Context, workerID string) error {
	h, ok := p.handle(workerID)
	if !ok {
		return fmt.Errorf("%s: %w", workerID, ErrUnknownWorker)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.terminate(h, StateKilled)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) terminate(h *Handle, to State) {
	if !h.transition(to, StateSpawning, StateIdle, StateExecuting) {
		<-h.done
		return
	}
	logger := p.logger.With("worker_id", h.ID)
	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("failed to send SIGTERM", "error", err)
	}
	grace := time.NewTimer(p.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-h.done:
	case <-grace.C:
		logger.Warn("worker ignored SIGTERM, sending SIGKILL")
		if err := h.proc.Kill(); err != nil {
			logger.Error("failed to kill worker", "error", err)
		}
		<-h.done
	}
}

// Run executes req with up to RetryCount retries and returns the final
// attempt's result. Crashes and test failures are both retried. The error
// is non-nil only when ctx ended or the pool closed before any result.
func (p *Pool) Run(ctx context.Context, req Request) (Result, error) {
	logger := p.logger.With("test", req.File.Path)
	attempts := p.cfg.RetryCount + 1

	var last Result
	var have bool
	for n := 1; n <= attempts; n++ {
		if n > 1 && p.cfg.RetryDelay > 0 {
			t := time.NewTimer(p.cfg.RetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		if err := ctx.Err(); err != nil {
			if have {
				break
			}
			return Result{}, err
		}

		r, err := p.attempt(ctx, req)
		if err != nil {
			if have {
				break
			}
			return Result{}, err
		}
		r.Attempts = n
		last, have = r, true
		p.callResult(ctx, OnAttempt, r, req.File.Path)

		if r.Status == StatusSuccess {
			break
		}
		if n < attempts {
			logger.Info("retrying test", "attempt", n, "crashed", r.Crashed, "error", r.Error)
		}
	}

	p.callResult(ctx, OnResult, last, req.File.Path)
	return last, nil
}

// attempt runs req once. Spawn failures and worker deaths come back as a
// crashed Result, not as an error.
func (p *Pool) attempt(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	h, err := p.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) || ctx.Err() != nil {
			return Result{}, err
		}
		return Result{Status: StatusFailure, Crashed: true, Error: err.Error(), Duration: time.Since(start)}, nil
	}

	res, err := p.execute(ctx, h, req)
	r := Result{WorkerID: h.ID, Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.Status = StatusFailure
		r.Crashed = true
		r.Error = err.Error()
		if tail := lastLine(h.Stderr()); tail != "" {
			r.Error += ": " + tail
		}
		return r, nil
	}
	p.release(h)
	r.Status = res.Status
	r.Error = res.Error
	return r, nil
}

// Execute runs req once on the idle worker h, without retries. A worker
// death or timeout is reported as a crashed Result.
func (p *Pool) Execute(ctx context.Context, h *Handle, req Request) (Result, error) {
	if !h.transition(StateExecuting, StateIdle) {
		if !h.State().Alive() {
			return Result{}, fmt.Errorf("%s: %w", h.ID, ErrWorkerDead)
		}
		return Result{}, fmt.Errorf("%s: %w", h.ID, ErrWorkerBusy)
	}
	p.mu.Lock()
	p.idle = removeHandle(p.idle, h)
	p.mu.Unlock()

	start := time.Now()
	res, err := p.execute(ctx, h, req)
	r := Result{WorkerID: h.ID, Attempts: 1, Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.Status, r.Crashed, r.Error = StatusFailure, true, err.Error()
		return r, nil
	}
	p.release(h)
	r.Status, r.Error = res.Status, res.Error
	return r, nil
}

// execute sends req to h and waits for the result. The test timeout does
// not apply to requests that wait for release.
func (p *Pool) execute(ctx context.Context, h *Handle, req Request) (attemptResult, error) {
	ectx := ctx
	if p.cfg.TestTimeout > 0 && !req.WaitForRelease {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, p.cfg.TestTimeout)
		defer cancel()
	}

	msg, err := p.bus.Request(ectx, h.ID, MsgExecute, MsgResult, req)
	h.setAwaiting(false)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			p.terminate(h, StateKilled)
			return attemptResult{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			p.logger.Warn("test timed out, killing worker", "worker_id", h.ID, "test", req.File.Path)
			p.terminate(h, StateKilled)
			return attemptResult{}, fmt.Errorf("%s after %s: %w", req.File.Path, p.cfg.TestTimeout, ErrTestTimeout)
		default:
			p.terminate(h, StateCrashed)
			return attemptResult{}, fmt.Errorf("worker %s: %w", h.ID, err)
		}
	}

	var res attemptResult
	if err := msg.Bind(&res); err != nil {
		// A worker that answers garbage is treated as crashed so its slot
		// is freed for the retry.
		p.terminate(h, StateCrashed)
		return attemptResult{}, fmt.Errorf("decode result from %s: %w", h.ID, err)
	}
	return res, nil
}

// acquire returns an executing handle: an idle worker when there is one,
// otherwise a freshly spawned one, waiting while the pool is full.
func (p *Pool) acquire(ctx context.Context) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		for len(p.idle) > 0 {
			h := p.idle[0]
			p.idle = p.idle[1:]
			if h.transition(StateExecuting, StateIdle) {
				p.mu.Unlock()
				return h, nil
			}
		}
		changed := p.changed
		p.mu.Unlock()

		if p.sem.TryAcquire(1) {
			h, err := p.spawn(ctx)
			if err != nil {
				return nil, err
			}
			if !h.transition(StateExecuting, StateIdle) {
				continue
			}
			return h, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) release(h *Handle) {
	if h.transition(StateIdle, StateExecuting) {
		p.pushIdle(h)
	}
}

func (p *Pool) pushIdle(h *Handle) {
	p.mu.Lock()
	p.idle = append(p.idle, h)
	p.mu.Unlock()
	p.notify()
}

func (p *Pool) notify() {
	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

// Release lets a worker holding a finished test report its result.
func (p *Pool) Release(ctx context.Context, workerID string) error {
	h, ok := p.handle(workerID)
	if !ok {
		return fmt.Errorf("%s: %w", workerID, ErrUnknownWorker)
	}
	if !h.State().Alive() {
		return fmt.Errorf("%s: %w", workerID, ErrWorkerDead)
	}
	return p.bus.Send(ctx, workerID, MsgRelease, nil)
}

func (p *Pool) handleAwaiting(msg transport.Message) {
	h, ok := p.handle(msg.Source)
	if !ok {
		return
	}
	var a awaitingPayload
	_ = msg.Bind(&a)
	h.setAwaiting(true)
	p.logger.Info("worker awaiting release", "worker_id", h.ID, "test", a.File)
}

// Handles returns snapshots of the live workers ordered by id.
func (p *Pool) Handles() []Snapshot {
	p.mu.Lock()
	out := make([]Snapshot, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h.Snapshot())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].ID) != len(out[j].ID) {
			return len(out[i].ID) < len(out[j].ID)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Pool) handle(id string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	return h, ok
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close kills every worker and waits for them to exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	live := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		live = append(live, h)
	}
	p.mu.Unlock()
	p.notify()

	g, _ := errgroup.WithContext(ctx)
	for _, h := range live {
		g.Go(func() error {
			p.terminate(h, StateKilled)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.unsub()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) callResult(ctx context.Context, event string, r Result, testPath string) {
	if _, err := p.results.MustHook(event).Call(ctx, r, testPath); err != nil {
		p.logger.Warn("result hook failed", "event", event, "error", err)
	}
}

func (p *Pool) callLifecycle(event string, h *Handle) {
	if _, err := p.lifecycle.MustHook(event).Call(context.Background(), h.Snapshot()); err != nil {
		p.logger.Warn("lifecycle hook failed", "event", event, "worker_id", h.ID, "error", err)
	}
}

func removeHandle(list []*Handle, h *Handle) []*Handle {
	for i, x := range list {
		if x == h {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
