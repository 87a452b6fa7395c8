package watch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/testhive/internal/api"
	"github.com/mattjoyce/testhive/internal/worker"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 3",
		"event: worker.spawned",
		`data: {"id":"1","pid":42}`,
		"",
		"id: 4",
		"event: file.allocated",
		`data: {"path":"/tmp/a.png"}`,
		"",
		"",
	}, "\n")

	var got []api.Event
	readSSE(strings.NewReader(stream), func(e api.Event) { got = append(got, e) })

	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, api.EventWorkerSpawned, got[0].Type)
	assert.JSONEq(t, `{"id":"1","pid":42}`, string(got[0].Data))
	assert.Equal(t, api.EventFileAllocated, got[1].Type)
}

func TestRunStateApply(t *testing.T) {
	s := newRunState()
	s.apply(api.Event{ID: 1, Type: api.EventWorkerSpawned, Data: mustJSON(t, worker.Snapshot{ID: "1", PID: 10, State: worker.StateIdle})})
	s.apply(api.Event{ID: 2, Type: api.EventWorkerSpawned, Data: mustJSON(t, worker.Snapshot{ID: "2", PID: 11, State: worker.StateIdle})})
	s.apply(api.Event{ID: 3, Type: api.EventTestAttempt, Data: mustJSON(t, api.TestEvent{
		Test:   "tests/a_test.js",
		Result: worker.Result{Status: worker.StatusFailure, WorkerID: "1", Attempts: 1},
	})})
	s.apply(api.Event{ID: 4, Type: api.EventTestFinished, Data: mustJSON(t, api.TestEvent{
		Test:   "tests/a_test.js",
		Result: worker.Result{Status: worker.StatusSuccess, WorkerID: "1", Attempts: 2},
	})})
	s.apply(api.Event{ID: 5, Type: api.EventTestFinished, Data: mustJSON(t, api.TestEvent{
		Test:   "tests/b_test.js",
		Result: worker.Result{Status: worker.StatusFailure, Crashed: true, WorkerID: "2"},
	})})
	s.apply(api.Event{ID: 6, Type: api.EventFileAllocated, Data: mustJSON(t, api.FileEvent{Path: "x"})})
	s.apply(api.Event{ID: 7, Type: api.EventWorkerExited, Data: mustJSON(t, worker.Snapshot{ID: "2"})})

	assert.Equal(t, Tally{Passed: 1, Crashed: 1, Attempts: 1, FilesLive: 1}, s.tally)
	require.Len(t, s.workers, 1)
	assert.Equal(t, "tests/a_test.js", s.workers["1"].LastTest)
	require.Len(t, s.recent, 2)
	assert.Equal(t, "tests/b_test.js", s.recent[0].Test)
	assert.Len(t, s.events, 7)

	// A replay after reconnect does not double count.
	s.apply(api.Event{ID: 4, Type: api.EventTestFinished, Data: mustJSON(t, api.TestEvent{
		Result: worker.Result{Status: worker.StatusSuccess},
	})})
	assert.Equal(t, 1, s.tally.Passed)
}

func TestSyncWorkersKeepsLastTest(t *testing.T) {
	s := newRunState()
	s.apply(api.Event{ID: 1, Type: api.EventWorkerSpawned, Data: mustJSON(t, worker.Snapshot{ID: "1"})})
	s.workers["1"].LastTest = "t.js"

	s.syncWorkers([]worker.Snapshot{
		{ID: "1", State: worker.StateExecuting, AwaitingRelease: true},
		{ID: "3", State: worker.StateIdle},
	})

	ws := s.sortedWorkers()
	require.Len(t, ws, 2)
	assert.Equal(t, "1", ws[0].ID)
	assert.True(t, ws[0].AwaitingRelease)
	assert.Equal(t, "t.js", ws[0].LastTest)
	assert.Equal(t, "3", ws[1].ID)
}

func TestSortedWorkersNumericOrder(t *testing.T) {
	s := newRunState()
	s.syncWorkers([]worker.Snapshot{{ID: "10"}, {ID: "2"}, {ID: "1"}})
	ws := s.sortedWorkers()
	ids := []string{ws[0].ID, ws[1].ID, ws[2].ID}
	assert.Equal(t, []string{"1", "2", "10"}, ids)
}

func TestModelUpdateEvent(t *testing.T) {
	m := New("http://localhost:0", "")
	next, cmd := m.Update(eventMsg(api.Event{
		ID:   1,
		Type: api.EventWorkerSpawned,
		Data: mustJSON(t, worker.Snapshot{ID: "1", PID: 99, State: worker.StateIdle, DebugPort: 9229}),
	}))
	require.NotNil(t, cmd)

	mm := next.(Model)
	assert.True(t, mm.connected)
	rows := mm.workers.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0][0])
	assert.Equal(t, "99", rows[0][1])
	assert.Equal(t, "9229", rows[0][3])
	assert.Equal(t, "1", mm.selectedWorker())

	next, _ = mm.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	view := next.(Model).View()
	assert.Contains(t, view, "TESTHIVE")
	assert.Contains(t, view, api.EventWorkerSpawned)
}

func TestModelQuit(t *testing.T) {
	m := New("http://localhost:0", "")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestWorkerAction(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/workers/1/release":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.ActionResponse{WorkerID: "1", Action: "release"})
		default:
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "worker is not alive"})
		}
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", "secret")

	msg := c.workerAction("1", "release")().(actionMsg)
	assert.NoError(t, msg.err)
	assert.Equal(t, "/workers/1/release", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)

	msg = c.workerAction("2", "kill")().(actionMsg)
	require.Error(t, msg.err)
	assert.Contains(t, msg.err.Error(), "worker is not alive")
}

func TestFetchHealthAndWorkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_ = json.NewEncoder(w).Encode(api.HealthzResponse{Status: "ok", UptimeSeconds: 5, Workers: 2})
		case "/workers":
			_ = json.NewEncoder(w).Encode(api.WorkersResponse{Workers: []worker.Snapshot{{ID: "1"}}})
		}
	}))
	defer srv.Close()

	c := newClient(srv.URL, "")
	h, ok := c.fetchHealth().(healthMsg)
	require.True(t, ok)
	assert.Equal(t, 2, h.Workers)

	ws, ok := c.fetchWorkers().(workersMsg)
	require.True(t, ok)
	require.Len(t, ws, 1)
	assert.Equal(t, "1", ws[0].ID)
}

func TestSubscribeResumesFromLastID(t *testing.T) {
	var lastEventID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastEventID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 7\nevent: file.released\ndata: {}\n\n"))
	}))
	defer srv.Close()

	c := newClient(srv.URL, "")
	ch := make(chan api.Event, 4)

	msg := c.subscribe(ch)()
	assert.IsType(t, sseDisconnectedMsg{}, msg)
	assert.Empty(t, lastEventID)
	select {
	case ev := <-ch:
		assert.Equal(t, int64(7), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	c.subscribe(ch)()
	assert.Equal(t, "7", lastEventID)
}
