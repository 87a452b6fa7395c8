package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/testhive/internal/api"
	"github.com/mattjoyce/testhive/internal/worker"
)

const maxRecent = 50

// WorkerRow is a worker as seen through the event stream.
type WorkerRow struct {
	worker.Snapshot
	LastTest string
}

// Tally counts finished tests and live file allocations.
type Tally struct {
	Passed    int
	Failed    int
	Crashed   int
	Attempts  int
	FilesLive int
}

// runState folds events into what the screen shows.
type runState struct {
	workers map[string]*WorkerRow
	tally   Tally
	recent  []api.TestEvent // newest first
	events  []api.Event     // newest first
	lastID  int64
}

func newRunState() *runState {
	return &runState{workers: make(map[string]*WorkerRow)}
}

// apply folds one event in. Events at or below the last seen ID are replays
// and are ignored.
func (s *runState) apply(e api.Event) {
	if e.ID > 0 {
		if e.ID <= s.lastID {
			return
		}
		s.lastID = e.ID
	}
	s.events = append([]api.Event{e}, s.events...)
	if len(s.events) > maxRecent {
		s.events = s.events[:maxRecent]
	}

	switch e.Type {
	case api.EventWorkerSpawned:
		var snap worker.Snapshot
		if json.Unmarshal(e.Data, &snap) == nil && snap.ID != "" {
			s.workers[snap.ID] = &WorkerRow{Snapshot: snap}
		}
	case api.EventWorkerExited:
		var snap worker.Snapshot
		if json.Unmarshal(e.Data, &snap) == nil {
			delete(s.workers, snap.ID)
		}
	case api.EventTestAttempt:
		var te api.TestEvent
		if json.Unmarshal(e.Data, &te) != nil {
			return
		}
		s.tally.Attempts++
		if w, ok := s.workers[te.Result.WorkerID]; ok {
			w.LastTest = te.Test
		}
	case api.EventTestFinished:
		var te api.TestEvent
		if json.Unmarshal(e.Data, &te) != nil {
			return
		}
		switch {
		case te.Result.Status == worker.StatusSuccess:
			s.tally.Passed++
		case te.Result.Crashed:
			s.tally.Crashed++
		default:
			s.tally.Failed++
		}
		s.recent = append([]api.TestEvent{te}, s.recent...)
		if len(s.recent) > maxRecent {
			s.recent = s.recent[:maxRecent]
		}
	case api.EventFileAllocated:
		s.tally.FilesLive++
	case api.EventFileReleased:
		if s.tally.FilesLive > 0 {
			s.tally.FilesLive--
		}
	}
}

// syncWorkers replaces snapshots with a fresh listing, keeping LastTest.
func (s *runState) syncWorkers(snaps []worker.Snapshot) {
	next := make(map[string]*WorkerRow, len(snaps))
	for _, snap := range snaps {
		row := &WorkerRow{Snapshot: snap}
		if old, ok := s.workers[snap.ID]; ok {
			row.LastTest = old.LastTest
		}
		next[snap.ID] = row
	}
	s.workers = next
}

// sortedWorkers orders workers by spawn order.
func (s *runState) sortedWorkers() []*WorkerRow {
	out := make([]*WorkerRow, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].ID) != len(out[j].ID) {
			return len(out[i].ID) < len(out[j].ID)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
