// Package runner drives one test run: it discovers test files, queues a job
// per file and drains the queue through the worker pool while the arbiter
// serves artifact paths to the workers.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/config"
	"github.com/mattjoyce/testhive/internal/deps"
	"github.com/mattjoyce/testhive/internal/log"
	"github.com/mattjoyce/testhive/internal/metrics"
	"github.com/mattjoyce/testhive/internal/queue"
	"github.com/mattjoyce/testhive/internal/report"
	"github.com/mattjoyce/testhive/internal/transport"
	"github.com/mattjoyce/testhive/internal/worker"
	"github.com/mattjoyce/testhive/internal/workspace"
)

const hookName = "runner"

// ErrAborted marks jobs left unfinished when the run was cancelled.
var ErrAborted = errors.New("run aborted")

// Options wires a Runner. Config and DB are required.
type Options struct {
	Config *config.Config
	DB     *sql.DB

	// Spawner defaults to an in-process spawner when Runner.LocalWorker is
	// set and to re-executing the current binary otherwise.
	Spawner worker.Spawner
	// Metrics, when set, observes the pool and the arbiter.
	Metrics *metrics.Collector
	// Reader supplies test sources; nil reads the filesystem.
	Reader deps.FileReader
}

// Runner owns the controller side of a run.
type Runner struct {
	cfg     *config.Config
	queue   *queue.Queue
	run     workspace.Run
	bus     *transport.Bus
	arb     *arbiter.Arbiter
	server  *arbiter.Server
	pool    *worker.Pool
	reader  deps.FileReader
	logger  *slog.Logger
	started time.Time

	mu   sync.Mutex
	jobs map[string]string // test path -> job id
}

// New records a run, creates its artifact directory and starts the arbiter
// and the worker pool. Call Close when done.
func New(ctx context.Context, opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	cfg := opts.Config
	logger := log.WithComponent("runner")

	q := queue.New(opts.DB)
	runID, err := q.CreateRun(ctx, cfg.Hash)
	if err != nil {
		return nil, err
	}
	logger = logger.With("run_id", runID)

	ws, err := workspace.NewManager(cfg.Artifacts.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Artifacts.Retention > 0 {
		rep, err := ws.Cleanup(ctx, cfg.Artifacts.Retention)
		if err != nil {
			logger.Warn("artifact cleanup failed", "error", err)
		} else if rep.DeletedDirs > 0 {
			logger.Info("removed old run directories", "deleted", rep.DeletedDirs, "kept", rep.Kept)
		}
	}
	run, err := ws.Create(ctx, runID)
	if err != nil {
		return nil, err
	}

	arb, err := arbiter.New(run.Dir, arbiter.WithLedger(arbiter.NewSQLiteLedger(opts.DB, runID)))
	if err != nil {
		return nil, err
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner, err = defaultSpawner(cfg)
		if err != nil {
			return nil, err
		}
	}

	bus := transport.NewBus(transport.RootID, transport.WithLogger(log.WithComponent("transport")))
	r := &Runner{
		cfg:    cfg,
		queue:  q,
		run:    run,
		bus:    bus,
		arb:    arb,
		server: arbiter.Serve(arb, bus),
		pool: worker.NewPool(bus, spawner, worker.Config{
			WorkerLimit:   cfg.Runner.WorkerLimit,
			RetryCount:    cfg.Runner.RetryCount,
			RetryDelay:    cfg.Runner.RetryDelay,
			TestTimeout:   cfg.Runner.TestTimeout,
			SpawnTimeout:  cfg.Runner.SpawnTimeout,
			KillGrace:     cfg.Runner.KillGrace,
			DebugPortBase: cfg.Runner.DebugPortBase,
		}),
		reader: opts.Reader,
		logger: logger,
		jobs:   make(map[string]string),
	}
	if r.reader == nil {
		r.reader = deps.OSReader
	}
	r.pool.ResultHooks().MustHook(worker.OnAttempt).ReadHook(hookName, r.recordAttempt)
	if opts.Metrics != nil {
		opts.Metrics.AttachPool(r.pool)
		opts.Metrics.AttachArbiter(arb)
	}
	return r, nil
}

func defaultSpawner(cfg *config.Config) (worker.Spawner, error) {
	if cfg.Runner.LocalWorker {
		return &worker.LocalSpawner{Logger: log.WithComponent("worker")}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate worker binary: %w", err)
	}
	return worker.NewProcessSpawner(exe,
		"--log-level="+cfg.Service.LogLevel,
		"--log-format="+cfg.Service.LogFormat,
	), nil
}

// RunID returns the id recorded for this run.
func (r *Runner) RunID() string { return r.run.ID }

// Dir returns the run's artifact directory.
func (r *Runner) Dir() string { return r.run.Dir }

// Pool returns the worker pool, for attaching hooks before Run.
func (r *Runner) Pool() *worker.Pool { return r.pool }

// Arbiter returns the run's file arbiter.
func (r *Runner) Arbiter() *arbiter.Arbiter { return r.arb }

// Run executes every discovered test and returns the summary. Cancelling
// ctx aborts the run; the summary is still returned with status aborted.
func (r *Runner) Run(ctx context.Context) (report.Summary, error) {
	r.started = time.Now()
	r.logger.Info("run started", "artifacts", r.run.Dir, "workers", r.pool.Config().WorkerLimit)

	requests, err := r.enqueue(ctx)
	if err != nil {
		return report.Summary{}, err
	}

	drainErr := r.drain(ctx, requests)
	return r.finish(ctx, drainErr)
}

// enqueue discovers test files and queues one job per file. Files whose
// dependencies cannot be resolved are queued and failed immediately.
func (r *Runner) enqueue(ctx context.Context) (map[string]worker.Request, error) {
	root := r.cfg.Tests.Root
	paths, err := deps.Discover(root, r.cfg.Tests.Include, r.cfg.Tests.Exclude)
	if err != nil {
		return nil, fmt.Errorf("discover tests: %w", err)
	}
	if len(paths) == 0 {
		r.logger.Warn("no test files matched", "root", root, "include", r.cfg.Tests.Include)
	}

	resolver := deps.NewResolver(root, r.reader)
	maxAttempts := r.cfg.Runner.RetryCount + 1
	requests := make(map[string]worker.Request, len(paths))

	for _, p := range paths {
		b, resolveErr := resolver.Resolve(p)
		req := queue.EnqueueRequest{RunID: r.run.ID, Path: p, MaxAttempts: maxAttempts}
		if resolveErr == nil {
			req.Digest = b.Digest
			req.DedupeKey = deps.BundleDigest(b)
		} else {
			req.Digest = deps.Digest([]byte(p))
		}

		jobID, created, err := r.queue.Enqueue(ctx, req)
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}
		r.mu.Lock()
		r.jobs[p] = jobID
		r.mu.Unlock()

		if resolveErr != nil {
			r.logger.Error("cannot resolve test", "test", p, "error", resolveErr)
			msg := resolveErr.Error()
			if err := r.queue.Complete(ctx, jobID, queue.StatusFailed, &msg, nil); err != nil {
				return nil, err
			}
			continue
		}
		if len(b.Unresolved) > 0 {
			r.logger.Debug("test has unresolved requires", "test", p, "modules", b.Unresolved)
		}
		requests[jobID] = worker.Request{
			File:           worker.FileRef{Path: b.Path, Content: b.Content, Digest: b.Digest},
			Dependencies:   b.Dependencies,
			Parameters:     r.cfg.Parameters,
			EnvParameters:  r.cfg.EnvParameters,
			WaitForRelease: r.cfg.Runner.WaitForRelease,
		}
	}
	return requests, nil
}

// drain pulls jobs with one goroutine per pool slot until the queue is
// empty or ctx ends.
func (r *Runner) drain(ctx context.Context, requests map[string]worker.Request) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.pool.Config().WorkerLimit; i++ {
		g.Go(func() error {
			for {
				job, err := r.queue.Dequeue(gctx, r.run.ID)
				if err != nil {
					return err
				}
				if job == nil {
					return nil
				}
				if err := r.execute(gctx, job, requests[job.ID]); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

func (r *Runner) execute(ctx context.Context, job *queue.Job, req worker.Request) error {
	logger := log.WithTest(job.Path).With("run_id", r.run.ID, "job_id", job.ID)
	logger.Debug("executing test")

	res, err := r.pool.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("run %s: %w", job.Path, err)
	}

	status := queue.StatusSucceeded
	var lastError *string
	switch {
	case res.Status == worker.StatusSuccess:
	case res.Crashed:
		status = queue.StatusCrashed
	default:
		status = queue.StatusFailed
	}
	if res.Error != "" {
		lastError = &res.Error
	}
	if status == queue.StatusSucceeded {
		logger.Info("test passed", "attempts", res.Attempts, "duration_ms", res.Duration.Milliseconds())
	} else {
		logger.Warn("test failed", "status", status, "attempts", res.Attempts, "error", res.Error)
	}
	return r.queue.Complete(context.WithoutCancel(ctx), job.ID, status, lastError, nil)
}

// recordAttempt persists each attempt as the pool reports it.
func (r *Runner) recordAttempt(ctx context.Context, res worker.Result, rest ...any) error {
	if len(rest) == 0 {
		return nil
	}
	path, _ := rest[0].(string)
	r.mu.Lock()
	jobID, ok := r.jobs[path]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	status := queue.StatusSucceeded
	switch {
	case res.Status == worker.StatusSuccess:
	case res.Crashed:
		status = queue.StatusCrashed
	default:
		status = queue.StatusFailed
	}
	return r.queue.RecordAttempt(context.WithoutCancel(ctx), jobID, queue.Attempt{
		Number:    res.Attempts,
		WorkerID:  res.WorkerID,
		Status:    status,
		Error:     res.Error,
		StartedAt: time.Now().Add(-res.Duration),
		Duration:  res.Duration,
	})
}

// finish fails whatever the run left behind, stamps the run status and
// builds the summary.
func (r *Runner) finish(ctx context.Context, drainErr error) (report.Summary, error) {
	bg := context.WithoutCancel(ctx)
	jobs, err := r.queue.ListRun(bg, r.run.ID)
	if err != nil {
		return report.Summary{}, err
	}

	status := queue.RunPassed
	if drainErr != nil {
		status = queue.RunAborted
		r.logger.Warn("run aborted", "error", drainErr)
	}
	aborted := ErrAborted.Error()
	for i := range jobs {
		if !jobs[i].Status.Terminal() {
			if err := r.queue.Complete(bg, jobs[i].ID, queue.StatusFailed, &aborted, nil); err != nil {
				return report.Summary{}, err
			}
			jobs[i].Status = queue.StatusFailed
			jobs[i].LastError = &aborted
		}
		if jobs[i].Status != queue.StatusSucceeded && status == queue.RunPassed {
			status = queue.RunFailed
		}
	}

	if err := r.queue.FinishRun(bg, r.run.ID, status); err != nil {
		return report.Summary{}, err
	}
	elapsed := time.Since(r.started)
	r.logger.Info("run finished", "status", status, "tests", len(jobs), "duration_ms", elapsed.Milliseconds())

	s := report.FromJobs(r.run.ID, status, elapsed, jobs)
	if drainErr != nil && !errors.Is(drainErr, context.Canceled) && !errors.Is(drainErr, context.DeadlineExceeded) {
		return s, drainErr
	}
	return s, nil
}

// Close stops every worker, then the arbiter and the bus.
func (r *Runner) Close(ctx context.Context) error {
	err := r.pool.Close(ctx)
	r.server.Close()
	if cerr := r.bus.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Workers lists the pool's live workers.
func (r *Runner) Workers() []worker.Snapshot { return r.pool.Handles() }

// ReleaseWorker lets a worker parked on waitForRelease report its result.
func (r *Runner) ReleaseWorker(ctx context.Context, workerID string) error {
	return r.pool.Release(ctx, workerID)
}

// KillWorker terminates a worker; its current test counts as crashed.
func (r *Runner) KillWorker(ctx context.Context, workerID string) error {
	return r.pool.Kill(ctx, workerID)
}

// Allocations lists the arbiter's outstanding file allocations.
func (r *Runner) Allocations() []arbiter.Allocation { return r.arb.Allocations() }
