package notes

import (
	"context"
	"time"

	"hookbot/internal/delivery"
)

// Status is the outcome of one fire of a scheduled note.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Required-outcome tags on a dependency edge.
const (
	RequireSuccess = "success"
	RequireFailed  = "failed"
	RequireAny     = "any"
)

// Note is the unit of recurring work: a persisted broadcast task with a
// schedule, a content template and gating rules.
type Note struct {
	ID   string
	Name string

	Template string
	// Schedule is the raw schedule string: a cron expression or the
	// "<N>h" hourly shorthand. Normalized by the registry at schedule time;
	// validated at create/update time.
	Schedule string

	Tags       []string
	WebhookIDs []string // explicit delivery targets; take precedence over tag fanout

	Active    bool
	Condition string // optional boolean expression; empty means always execute
	Variables map[string]any

	// Execution bookkeeping. Mutated only by the engine.
	ExecutionCount      int64
	LastExecutionTime   *time.Time
	LastExecutionStatus Status
	LastExecutionError  string
	NextExecutionTime   *time.Time
	WaitingForDeps      bool

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Dependency is a directed edge: NoteID fires only after DependsOnID last
// completed with RequiredStatus ("success" | "failed" | "any").
type Dependency struct {
	NoteID         string
	DependsOnID    string
	RequiredStatus string
}

// Spec is the input to Create.
type Spec struct {
	Name       string
	Template   string
	Schedule   string
	Tags       []string
	WebhookIDs []string
	Active     bool
	Condition  string
	Variables  map[string]any
	DependsOn  []Dependency // NoteID field is ignored; filled on create
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Name       *string
	Template   *string
	Schedule   *string
	Tags       *[]string
	WebhookIDs *[]string
	Active     *bool
	Condition  *string
	Variables  *map[string]any
	DependsOn  *[]Dependency
}

// ExecutionResult describes one fire, returned by TriggerNow.
type ExecutionResult struct {
	NoteID     string
	Status     Status
	Reason     string // populated for skipped/waiting outcomes
	Rendered   string
	Dispatched int
	Failed     int
	Err        string
}

// Bookkeeping is the field set the engine persists after each fire.
type Bookkeeping struct {
	ExecutionCount      int64
	LastExecutionTime   *time.Time
	LastExecutionStatus Status
	LastExecutionError  string
	NextExecutionTime   *time.Time
	WaitingForDeps      bool
}

// Store is the persistence contract the engine consumes.
// Implemented by internal/storage.
type Store interface {
	CreateNote(ctx context.Context, n *Note, deps []Dependency) error
	// GetNote returns the note and its outgoing dependency edges in one
	// consistent read. Soft-deleted notes are not returned.
	GetNote(ctx context.Context, id string) (*Note, []Dependency, error)
	GetNoteByName(ctx context.Context, name string) (*Note, error)
	UpdateNote(ctx context.Context, n *Note, deps []Dependency) error
	// UpdateBookkeeping persists only the execution bookkeeping fields.
	UpdateBookkeeping(ctx context.Context, id string, bk Bookkeeping) error
	// SetWaiting flips the parked flag; parking clears the stored next
	// execution time along with it.
	SetWaiting(ctx context.Context, id string, waiting bool) error
	SoftDeleteNote(ctx context.Context, id string) error
	ListActiveNotes(ctx context.Context) ([]*Note, error)
	ListWaitingNotes(ctx context.Context) ([]*Note, error)
}

// Deliverer is the delivery-channel contract the engine consumes.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error)
}
