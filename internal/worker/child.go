package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/log"
	"github.com/mattjoyce/testhive/internal/sandbox"
	"github.com/mattjoyce/testhive/internal/transport"
)

// ErrParentGone is returned by RunChild when the controller process died.
var ErrParentGone = errors.New("parent process exited")

// parentPollInterval is how often a worker checks that its parent lives.
var parentPollInterval = time.Second

// ChildConfig configures the worker side of the link.
type ChildConfig struct {
	WorkerID string
	Link     transport.Link
	// ParentPID, when set, makes the worker exit once it is reparented.
	ParentPID int
	Logger    *slog.Logger
}

// RunChild serves execute requests on cfg.Link until the link closes, the
// parent disappears or ctx ends. Tests run one at a time, each in a fresh
// sandbox; harness file calls go to the controller's arbiter.
func RunChild(ctx context.Context, cfg ChildConfig) error {
	if cfg.WorkerID == "" {
		return errors.New("worker id is required")
	}
	if cfg.Link == nil {
		return errors.New("worker link is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithWorker(cfg.WorkerID)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	bus := transport.NewBus(cfg.WorkerID, transport.WithLogger(logger.With("component", "transport")))
	defer func() { _ = bus.Close() }()
	if err := bus.RegisterProcess(transport.RootID, cfg.Link); err != nil {
		return fmt.Errorf("register parent link: %w", err)
	}

	exec := sandbox.New(arbiter.NewClient(bus, transport.RootID, cfg.WorkerID), logger.With("component", "sandbox"))
	release := make(chan struct{}, 1)
	var running sync.Mutex

	bus.On(transport.EventProcessExited, func(transport.Message) {
		cancel(transport.ErrProcessExited)
	})
	bus.On(MsgRelease, func(transport.Message) {
		select {
		case release <- struct{}{}:
		default:
		}
	})
	bus.On(MsgExecute, func(msg transport.Message) {
		var req Request
		if err := msg.Bind(&req); err != nil {
			logger.Error("malformed execute request", "error", err)
			reply(ctx, bus, msg, attemptResult{Status: StatusFailure, Error: "malformed request: " + err.Error()}, logger)
			return
		}
		// The dispatch goroutine must stay free for arbiter responses and
		// release notices while the test runs.
		go func() {
			running.Lock()
			defer running.Unlock()
			res := runOne(ctx, exec, req, logger)

			if req.WaitForRelease {
				select {
				case <-release:
				default:
				}
				if err := bus.Send(ctx, transport.RootID, MsgAwaitingRelease, awaitingPayload{File: req.File.Path}); err != nil {
					logger.Warn("awaiting release notice failed", "error", err)
				}
				select {
				case <-release:
				case <-ctx.Done():
					return
				}
			}
			reply(ctx, bus, msg, res, logger)
		}()
	})

	if cfg.ParentPID > 0 {
		go watchParent(ctx, cfg.ParentPID, cancel)
	}

	if err := bus.Send(ctx, transport.RootID, MsgReady, readyPayload{PID: os.Getpid()}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	logger.Debug("worker ready")

	<-ctx.Done()
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, transport.ErrProcessExited):
		logger.Debug("parent link closed")
		return nil
	case errors.Is(cause, ErrParentGone):
		logger.Warn("parent process gone, exiting")
		return cause
	default:
		return nil
	}
}

func runOne(ctx context.Context, exec *sandbox.Executor, req Request, logger *slog.Logger) attemptResult {
	start := time.Now()
	err := exec.Run(ctx, sandbox.Script{
		Source:        req.File.Content,
		Filename:      req.File.Path,
		Dependencies:  req.Dependencies,
		Parameters:    req.Parameters,
		EnvParameters: req.EnvParameters,
	})
	res := attemptResult{Status: StatusSuccess, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusFailure
		res.Error = err.Error()
		logger.Info("test failed", "test", req.File.Path, "error", err)
	} else {
		logger.Info("test passed", "test", req.File.Path, "duration_ms", res.DurationMS)
	}
	return res
}

func reply(ctx context.Context, bus *transport.Bus, req transport.Message, res attemptResult, logger *slog.Logger) {
	if err := bus.Reply(ctx, req, MsgResult, res); err != nil {
		logger.Warn("result delivery failed", "error", err)
	}
}

func watchParent(ctx context.Context, parentPID int, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(parentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if os.Getppid() != parentPID {
				cancel(ErrParentGone)
				return
			}
		}
	}
}
