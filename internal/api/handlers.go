package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/testhive/internal/worker"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       len(s.ctrl.Workers()),
		Allocations:   len(s.ctrl.Allocations()),
	})
}

// handleWorkers handles GET /workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.ctrl.Workers()
	if workers == nil {
		workers = []worker.Snapshot{}
	}
	respondJSON(w, http.StatusOK, WorkersResponse{Workers: workers})
}

// handleRelease handles POST /workers/{workerID}/release. A worker that is
// not parked on waitForRelease discards the signal.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerID")
	if err := s.ctrl.ReleaseWorker(r.Context(), id); err != nil {
		s.writeWorkerError(w, id, "release", err)
		return
	}
	respondJSON(w, http.StatusAccepted, ActionResponse{WorkerID: id, Action: "release"})
}

// handleKill handles POST /workers/{workerID}/kill.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerID")
	if err := s.ctrl.KillWorker(r.Context(), id); err != nil {
		s.writeWorkerError(w, id, "kill", err)
		return
	}
	respondJSON(w, http.StatusAccepted, ActionResponse{WorkerID: id, Action: "kill"})
}

// handleAllocations handles GET /allocations.
func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, AllocationsResponse{Allocations: s.ctrl.Allocations()})
}

// handleEvents streams hub events as server-sent events. ?type=<prefix>
// limits the stream to matching event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	prefix := r.URL.Query().Get("type")
	want := func(ev Event) bool { return prefix == "" || strings.HasPrefix(ev.Type, prefix) }

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying; lastID drops events seen in both.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(lastID) {
		if !want(ev) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID || !want(ev) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeWorkerError(w http.ResponseWriter, id, action string, err error) {
	switch {
	case errors.Is(err, worker.ErrUnknownWorker):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrWorkerDead):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("worker action failed", "worker_id", id, "action", action, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", ev.ID, ev.Type); err != nil {
		return err
	}
	// Payloads are single-line JSON.
	_, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data)
	return err
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
