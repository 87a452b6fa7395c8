package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/testhive/internal/api"
	"github.com/mattjoyce/testhive/internal/worker"
)

type eventMsg api.Event

type healthMsg api.HealthzResponse

type workersMsg []worker.Snapshot

type tickMsg time.Time

// errMsg carries a failed request; source names the poll that failed so
// only that poll is rescheduled.
type errMsg struct {
	source string
	err    error
}

const (
	sourceEvents  = "events"
	sourceHealth  = "health"
	sourceWorkers = "workers"
)

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// actionMsg reports the outcome of a release or kill request.
type actionMsg struct {
	workerID string
	action   string
	err      error
}

// client talks to a controller's API.
type client struct {
	baseURL string
	token   string
	http    *http.Client

	lastID atomic.Int64 // resumes the stream after a reconnect
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

func (c *client) newRequest(method, path string) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// subscribe streams /events into ch and returns sseDisconnectedMsg when the
// connection drops.
func (c *client) subscribe(ch chan<- api.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(http.MethodGet, "/events")
		if err != nil {
			return errMsg{sourceEvents, err}
		}
		if id := c.lastID.Load(); id > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(id, 10))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{sourceEvents, fmt.Errorf("events: %s", resp.Status)}
		}
		readSSE(resp.Body, func(ev api.Event) {
			c.lastID.Store(ev.ID)
			ch <- ev
		})
		return sseDisconnectedMsg{}
	}
}

// readSSE parses an event stream, calling emit once per complete event.
func readSSE(r io.Reader, emit func(api.Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur api.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Data != nil {
				cur.At = time.Now()
				emit(cur)
			}
			cur = api.Event{}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(line[6:])
		}
	}
}

func receiveNextEvent(ch <-chan api.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (c *client) fetchHealth() tea.Msg {
	req, err := c.newRequest(http.MethodGet, "/healthz")
	if err != nil {
		return errMsg{sourceHealth, err}
	}
	hc := *c.http
	hc.Timeout = 2 * time.Second
	resp, err := hc.Do(req)
	if err != nil {
		return errMsg{sourceHealth, err}
	}
	defer resp.Body.Close()

	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{sourceHealth, err}
	}
	return healthMsg(h)
}

// fetchWorkers refreshes worker state the event stream does not carry,
// such as a worker parking on waitForRelease.
func (c *client) fetchWorkers() tea.Msg {
	req, err := c.newRequest(http.MethodGet, "/workers")
	if err != nil {
		return errMsg{sourceWorkers, err}
	}
	hc := *c.http
	hc.Timeout = 2 * time.Second
	resp, err := hc.Do(req)
	if err != nil {
		return errMsg{sourceWorkers, err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg{sourceWorkers, fmt.Errorf("workers: %s", resp.Status)}
	}

	var w api.WorkersResponse
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return errMsg{sourceWorkers, err}
	}
	return workersMsg(w.Workers)
}

// workerAction posts to /workers/{id}/{action}.
func (c *client) workerAction(workerID, action string) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(http.MethodPost, "/workers/"+workerID+"/"+action)
		if err != nil {
			return actionMsg{workerID: workerID, action: action, err: err}
		}
		hc := *c.http
		hc.Timeout = 10 * time.Second
		resp, err := hc.Do(req)
		if err != nil {
			return actionMsg{workerID: workerID, action: action, err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			var e api.ErrorResponse
			_ = json.NewDecoder(resp.Body).Decode(&e)
			if e.Error == "" {
				e.Error = resp.Status
			}
			err = fmt.Errorf("%s %s: %s", action, workerID, e.Error)
		}
		return actionMsg{workerID: workerID, action: action, err: err}
	}
}
