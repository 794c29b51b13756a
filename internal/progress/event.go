// Package progress fans task lifecycle events out to per-task subscribers and
// registered sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/sitekraft/presence/internal/ingest"
)

// Pipeline stages emitted by the orchestrator at stage boundaries.
const (
	StageQueued      = "queued"
	StageRendering   = "rendering"
	StageDiscovering = "discovering"
	StageExtracting  = "extracting"
	StageFetching    = "fetching"
	StagePersisting  = "persisting"
	StageDone        = "done"
)

// Event is one task progress update. The terminal event carries a terminal
// status and is always the last event delivered for its task.
type Event struct {
	// TaskID identifies the owning task.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage names the pipeline step the task entered.
	Stage string
	// Progress is a 0-100 completion estimate.
	Progress int
	// Status is the task lifecycle state at emission time.
	Status ingest.TaskStatus
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range", e.Progress)
	}
	switch e.Status {
	case ingest.StatusQueued, ingest.StatusRunning, ingest.StatusSucceeded, ingest.StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
}

// Terminal reports whether this event closes the task's stream.
func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}

// ToProgressEvent converts to the wire shape served over SSE.
func (e Event) ToProgressEvent() ingest.ProgressEvent {
	return ingest.ProgressEvent{
		TaskID:   e.TaskID,
		TS:       e.TS,
		Stage:    e.Stage,
		Progress: e.Progress,
		Status:   e.Status,
		Note:     e.Note,
	}
}
