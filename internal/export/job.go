package export

import (
	"context"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/render"
)

// State is the lifecycle of an export job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is the externally visible record of one export.
type Job struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	OutputPath  string        `json:"output_path"`
	Duration    float64       `json:"duration"`
	OpCount     int           `json:"op_count"`
	OpIndex     int           `json:"op_index"`
	OpKind      render.OpKind `json:"op_kind,omitempty"`
	Percent     float64       `json:"percent"`
	ErrorKind   apperr.Kind   `json:"error_kind,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Progress is one update on a job's progress stream. The stream of every
// job ends with exactly one event whose State is terminal.
type Progress struct {
	JobID        string        `json:"job_id"`
	State        State         `json:"state"`
	OpIndex      int           `json:"op_index"`
	OpCount      int           `json:"op_count"`
	Op           render.OpKind `json:"op,omitempty"`
	CurrentFrame int64         `json:"current_frame"`
	TotalFrames  int64         `json:"total_frames"`
	FPS          float64       `json:"fps"`
	ETASeconds   float64       `json:"eta_seconds"`
	Percent      float64       `json:"percent"`
	ErrorKind    apperr.Kind   `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// OpError reports which plan step failed.
type OpError struct {
	Index int
	Kind  render.OpKind
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("op %d (%s) failed: %v", e.Index, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// JobStore persists job records. Implementations must be safe for
// concurrent use.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
}
