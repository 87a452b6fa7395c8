package worker

// Message types between the pool and its workers.
const (
	// MsgReady is sent once by a worker when it can accept work.
	MsgReady = "worker/ready"
	// MsgExecute carries a Request to a worker; the worker answers with
	// MsgResult reusing the uid.
	MsgExecute = "worker/execute"
	MsgResult  = "worker/result"
	// MsgAwaitingRelease tells the pool a finished test is held until
	// MsgRelease arrives.
	MsgAwaitingRelease = "worker/awaiting_release"
	MsgRelease         = "worker/release"
)

type readyPayload struct {
	PID int `json:"pid"`
}

// attemptResult is what a worker reports for one execution.
type attemptResult struct {
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

type awaitingPayload struct {
	File string `json:"file"`
}
