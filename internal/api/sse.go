package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/ingest"
)

// streamTaskEvents serves a task's progress stream as server-sent events. The
// terminal event is always the last one written, after which the stream ends.
func (s *Server) streamTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before snapshotting so no event between the two is lost;
	// duplicates are acceptable, gaps are not.
	events, cancel := s.tasks.Subscribe(taskID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	task, err = s.tasks.Get(r.Context(), taskID)
	if err == nil {
		s.writeEvent(w, snapshotEvent(task))
		flusher.Flush()
		if task.Status.IsTerminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				// The hub closed the stream; the terminal snapshot is the
				// authoritative last word.
				if task, err := s.tasks.Get(r.Context(), taskID); err == nil && task.Status.IsTerminal() {
					s.writeEvent(w, snapshotEvent(task))
					flusher.Flush()
				}
				return
			}
			s.writeEvent(w, evt.ToProgressEvent())
			flusher.Flush()
			if evt.Terminal() {
				return
			}
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, evt ingest.ProgressEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal progress event failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		s.logger.Debug("event stream write failed", zap.Error(err))
	}
}

func snapshotEvent(task ingest.Task) ingest.ProgressEvent {
	evt := ingest.ProgressEvent{
		TaskID:   task.ID,
		TS:       task.UpdatedAt,
		Stage:    task.Stage,
		Progress: task.Progress,
		Status:   task.Status,
	}
	if task.Error != nil {
		evt.Note = task.Error.Message
	}
	return evt
}
