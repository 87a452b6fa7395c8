package worker

import (
	"errors"
	"sync"
	"time"
)

// State is a worker's lifecycle position. Crashed and Killed are terminal.
type State string

const (
	StateSpawning  State = "spawning"
	StateIdle      State = "idle"
	StateExecuting State = "executing"
	StateCrashed   State = "crashed"
	StateKilled    State = "killed"
)

// Alive reports whether the worker counts against the pool limit.
func (s State) Alive() bool {
	return s == StateSpawning || s == StateIdle || s == StateExecuting
}

// Status is the outcome of one execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// FileRef is a test file travelling to a worker.
type FileRef struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Digest  string `json:"digest,omitempty"`
}

// Request asks a worker to run one test file.
type Request struct {
	File           FileRef           `json:"file"`
	Dependencies   map[string]string `json:"dependencies,omitempty"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	EnvParameters  map[string]any    `json:"envParameters,omitempty"`
	WaitForRelease bool              `json:"waitForRelease,omitempty"`
}

// Result is the outcome of a request. Crashed marks failures caused by the
// worker dying or timing out rather than by the test itself.
type Result struct {
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Crashed  bool          `json:"crashed,omitempty"`
	Attempts int           `json:"attempts"`
	WorkerID string        `json:"workerId,omitempty"`
	Duration time.Duration `json:"duration"`
}

var (
	ErrWorkerDead    = errors.New("worker is not alive")
	ErrWorkerBusy    = errors.New("worker is not idle")
	ErrSpawnTimeout  = errors.New("worker did not become ready")
	ErrTestTimeout   = errors.New("test timed out")
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrUnknownWorker = errors.New("unknown worker")
)

// Handle identifies one spawned worker. Handles are never reused: once a
// worker has crashed or been killed, a new Spawn creates a new handle.
type Handle struct {
	ID        string
	PID       int
	DebugPort int

	proc    Process
	stderr  *tailBuffer
	done    chan struct{}
	started time.Time

	mu       sync.Mutex
	state    State
	exitErr  error
	awaiting bool
}

func newHandle(id string, debugPort int) *Handle {
	return &Handle{
		ID:        id,
		DebugPort: debugPort,
		stderr:    newTailBuffer(maxStderrBytes),
		done:      make(chan struct{}),
		started:   time.Now(),
		state:     StateSpawning,
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the worker process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stderr returns the tail of the worker's stderr.
func (h *Handle) Stderr() string { return h.stderr.String() }

// transition moves from one of from to to, reporting whether it happened.
func (h *Handle) transition(to State, from ...State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range from {
		if h.state == f {
			h.state = to
			return true
		}
	}
	return false
}

func (h *Handle) setAwaiting(v bool) {
	h.mu.Lock()
	h.awaiting = v
	h.mu.Unlock()
}

// Snapshot is a point-in-time view of a handle.
type Snapshot struct {
	ID              string    `json:"id"`
	PID             int       `json:"pid"`
	State           State     `json:"state"`
	DebugPort       int       `json:"debugPort,omitempty"`
	AwaitingRelease bool      `json:"awaitingRelease,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	ExitError       string    `json:"exitError,omitempty"`
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		ID:              h.ID,
		PID:             h.PID,
		State:           h.state,
		DebugPort:       h.DebugPort,
		AwaitingRelease: h.awaiting,
		StartedAt:       h.started,
	}
	if h.exitErr != nil {
		s.ExitError = h.exitErr.Error()
	}
	return s
}

const maxStderrBytes = 64 * 1024

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
