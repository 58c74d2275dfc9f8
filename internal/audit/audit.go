// Package audit records an append-only trail of scheduling actions.
//
// Recording is fire-and-forget: a failing audit sink is logged and never
// aborts the execution that produced the entry.
package audit

import (
	"context"
	"reflect"
	"time"

	"hookbot/pkg/logx"
)

// Action names. Audit entries use these for the action field.
const (
	ActionSchedule   = "schedule"
	ActionUnschedule = "unschedule"
	ActionExecute    = "execute"
)

// Entry statuses.
const (
	StatusStarted   = "started"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

// Change is one field's before/after pair in a structured diff.
type Change struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Entry is immutable once recorded; the trail is pure append.
type Entry struct {
	At         time.Time
	Action     string
	EntityType string
	EntityID   string
	// Actor ids are empty for system-triggered actions (timer fires, sweep).
	ActorUserID   string
	ActorServerID string
	Status        string
	Changes       map[string]Change
	Metadata      map[string]any
}

// Writer is the persistence sink. Implemented by internal/storage.
type Writer interface {
	AppendAudit(ctx context.Context, e Entry) error
}

type Recorder struct {
	w   Writer
	log logx.Logger
}

func NewRecorder(w Writer, log logx.Logger) *Recorder {
	return &Recorder{w: w, log: log}
}

// Record persists the entry best-effort. A nil writer drops entries (audit
// disabled), a failing writer is logged locally.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.w == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := r.w.AppendAudit(ctx, e); err != nil {
		r.log.Warn("audit record failed",
			logx.String("action", e.Action),
			logx.String("entity", e.EntityID),
			logx.Err(err))
	}
}

// Diff builds a field-level change map from before/after snapshots,
// dropping fields that did not change.
func Diff(before, after map[string]any) map[string]Change {
	out := map[string]Change{}
	for k, bv := range before {
		av, ok := after[k]
		if !ok {
			out[k] = Change{Before: bv}
			continue
		}
		if !reflect.DeepEqual(bv, av) {
			out[k] = Change{Before: bv, After: av}
		}
	}
	for k, av := range after {
		if _, ok := before[k]; !ok {
			out[k] = Change{After: av}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
