package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/mattjoyce/testhive/internal/log"
	"github.com/mattjoyce/testhive/internal/transport"
)

//go:generate mockgen -destination=mocks/mock_spawner.go -package=mocks github.com/mattjoyce/testhive/internal/worker Spawner,Process

// Spawner starts workers. The returned link must be connected to a worker
// that will emit MsgReady and serve MsgExecute.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, transport.Link, error)
}

// Process is a running worker.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the worker exits. It is called exactly once.
	Wait() error
}

// SpawnOptions describe one worker to start.
type SpawnOptions struct {
	WorkerID  string
	DebugPort int
	ParentPID int
	// Stderr receives the worker's diagnostic output.
	Stderr io.Writer
}

// ProcessSpawner runs each worker as a child process of the current
// executable, talking over its stdin and stdout.
type ProcessSpawner struct {
	// Path is the executable; empty means os.Executable().
	Path string
	// Args are appended after the worker flags, e.g. --config.
	Args []string
	Env  []string

	logger *slog.Logger
}

var _ Spawner = (*ProcessSpawner)(nil)

// NewProcessSpawner returns a spawner for path with extra args.
func NewProcessSpawner(path string, args ...string) *ProcessSpawner {
	return &ProcessSpawner{Path: path, Args: args, logger: log.WithComponent("worker")}
}

// Spawn starts `<path> worker --parent-pid=<pid> --worker-id=<id>
// [--debug-port=<port>] args...`. Don't use CommandContext: termination is
// managed by the pool.
func (s *ProcessSpawner) Spawn(ctx context.Context, opts SpawnOptions) (Process, transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	args := []string{
		"worker",
		"--parent-pid=" + strconv.Itoa(opts.ParentPID),
		"--worker-id=" + opts.WorkerID,
	}
	if opts.DebugPort > 0 {
		args = append(args, "--debug-port="+strconv.Itoa(opts.DebugPort))
	}
	args = append(args, s.Args...)

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	// Own process group so a terminal SIGINT reaches the controller only.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start worker: %w", err)
	}

	logger := s.logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	stderrDone := make(chan struct{})
	go forwardStderr(stderr, opts.Stderr, logger.With("worker_id", opts.WorkerID), stderrDone)

	link := transport.NewStreamLink(stdout, stdin, stdin)
	return &osProcess{cmd: cmd, stderrDone: stderrDone}, link, nil
}

// forwardStderr re-logs each stderr line and copies it to sink. done is
// closed once r is drained.
func forwardStderr(r io.Reader, sink io.Writer, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			_, _ = io.WriteString(sink, line+"\n")
		}
		logger.Debug("worker stderr", "line", line)
	}
	// Drain an over-long line so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

type osProcess struct {
	cmd        *exec.Cmd
	stderrDone <-chan struct{}
}

func (p *osProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *osProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *osProcess) Kill() error                { return p.cmd.Process.Kill() }

// Wait reaps the process after its stderr is fully read; cmd.Wait closes
// the pipe and would cut off the last lines.
func (p *osProcess) Wait() error {
	<-p.stderrDone
	return p.cmd.Wait()
}
