package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mattjoyce/testhive/internal/log"
	"github.com/mattjoyce/testhive/internal/transport"
)

// LocalSpawner runs workers as goroutines connected through an in-memory
// pipe. Workers share the controller's address space, so a runaway test is
// only stopped by the sandbox interrupt. It backs runner.local_worker
// (run --local) and tests.
type LocalSpawner struct {
	Logger *slog.Logger
}

var _ Spawner = (*LocalSpawner)(nil)

func (s *LocalSpawner) Spawn(ctx context.Context, opts SpawnOptions) (Process, transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}

	parent, child := transport.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &localProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = RunChild(runCtx, ChildConfig{
			WorkerID: opts.WorkerID,
			Link:     child,
			Logger:   logger.With("worker_id", opts.WorkerID),
		})
	}()
	return p, parent, nil
}

type localProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (p *localProcess) PID() int { return os.Getpid() }

func (p *localProcess) Signal(os.Signal) error {
	p.once.Do(p.cancel)
	return nil
}

func (p *localProcess) Kill() error {
	p.once.Do(p.cancel)
	return nil
}

func (p *localProcess) Wait() error {
	<-p.done
	return p.err
}
