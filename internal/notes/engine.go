package notes

import (
	"context"
	"sync"
	"time"

	"hookbot/internal/audit"
	"hookbot/internal/eventbus"
	"hookbot/internal/notes/condition"
	"hookbot/internal/notes/depcheck"
	"hookbot/internal/notes/template"
	"hookbot/internal/registry"
	"hookbot/pkg/logx"
)

type Config struct {
	// SweepInterval is how often parked notes are re-checked for promotion.
	SweepInterval time.Duration
	// ExecuteTimeout bounds one fire end to end (load, gates, render,
	// deliver, persist).
	ExecuteTimeout time.Duration
}

const (
	defaultSweepInterval  = time.Minute
	defaultExecuteTimeout = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = defaultExecuteTimeout
	}
	return c
}

// Actor identifies who requested a management operation. Zero value means
// the system itself (timer fire, sweep).
type Actor struct {
	UserID   string
	ServerID string
}

type Engine struct {
	log logx.Logger
	cfg Config

	store    Store
	registry *registry.Registry
	deliver  Deliverer
	renderer *template.Renderer
	cond     *condition.Evaluator
	audit    *audit.Recorder
	bus      eventbus.Bus
	now      func() time.Time

	mu      sync.Mutex
	started bool

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

func NewEngine(cfg Config, store Store, reg *registry.Registry, deliver Deliverer,
	rec *audit.Recorder, bus eventbus.Bus, log logx.Logger) *Engine {
	return &Engine{
		log:      log,
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: reg,
		deliver:  deliver,
		renderer: template.NewRenderer(log),
		cond:     condition.NewEvaluator(),
		audit:    rec,
		bus:      bus,
		now:      time.Now,
	}
}

// SetClock overrides the time source everywhere it matters (tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.renderer.SetClock(now)
	e.cond.SetClock(now)
}

// Start installs timers for all active, non-parked notes, starts the
// registry and launches the promotion sweep. Dependencies are re-checked
// per note before the timer goes up; notes whose dependencies are unmet
// are parked immediately and stay timerless until the sweep promotes them.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	active, err := e.store.ListActiveNotes(ctx)
	if err != nil {
		return err
	}
	scheduled := 0
	for _, n := range active {
		if n.WaitingForDeps {
			continue
		}
		_, deps, err := e.store.GetNote(ctx, n.ID)
		if err != nil {
			e.log.Error("startup load failed", logx.String("note", n.ID), logx.Err(err))
			continue
		}
		if e.depsUnmet(ctx, deps) {
			if err := e.store.SetWaiting(ctx, n.ID, true); err != nil {
				e.log.Error("startup park persist failed", logx.String("note", n.ID), logx.Err(err))
			}
			e.log.Info("note parked at startup, dependencies unmet",
				logx.String("note", n.ID), logx.String("name", n.Name))
			continue
		}
		if err := e.schedule(n); err != nil {
			e.log.Error("startup schedule failed",
				logx.String("note", n.ID), logx.String("name", n.Name),
				logx.String("schedule", n.Schedule), logx.Err(err))
			continue
		}
		scheduled++
	}
	e.registry.Start(ctx)

	e.sweepCtx, e.sweepCancel = context.WithCancel(context.Background())
	e.sweepDone = make(chan struct{})
	go e.sweepLoop(e.sweepCtx, e.sweepDone)

	e.started = true
	e.log.Info("note engine started",
		logx.Int("notes", len(active)), logx.Int("scheduled", scheduled))
	return nil
}

// Stop halts the sweep and the registry. In-flight fires are drained by the
// registry stop; ctx bounds the wait.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.sweepCancel
	done := e.sweepDone
	e.sweepCancel = nil
	e.sweepDone = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	e.registry.Stop(ctx)
	e.log.Info("note engine stopped")
}

// schedule installs the note's timer. The fire handler re-reads the note at
// tick time, so the closure captures only the id.
func (e *Engine) schedule(n *Note) error {
	id := n.ID
	return e.registry.Schedule(n.ID, n.Name, n.Schedule, func(ctx context.Context) {
		e.fire(ctx, id, triggerScheduled)
	})
}

func (e *Engine) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep re-checks every parked note and promotes the ones whose
// dependencies are now satisfied: the waiting flag is cleared and the timer
// re-installed. Returns the number promoted.
func (e *Engine) Sweep(ctx context.Context) int {
	waiting, err := e.store.ListWaitingNotes(ctx)
	if err != nil {
		e.log.Error("sweep list failed", logx.Err(err))
		return 0
	}
	promoted := 0
	for _, n := range waiting {
		if ctx.Err() != nil {
			return promoted
		}
		if e.promote(ctx, n.ID) {
			promoted++
		}
	}
	if promoted > 0 {
		e.log.Info("sweep promoted parked notes", logx.Int("promoted", promoted))
	}
	return promoted
}

func (e *Engine) promote(ctx context.Context, id string) bool {
	n, deps, err := e.store.GetNote(ctx, id)
	if err != nil {
		e.log.Warn("sweep load failed", logx.String("note", id), logx.Err(err))
		return false
	}
	res := depcheck.Check(edgesOf(deps), e.depLookup(ctx))
	if !res.Satisfied {
		return false
	}

	if err := e.store.SetWaiting(ctx, id, false); err != nil {
		e.log.Error("sweep persist failed", logx.String("note", id), logx.Err(err))
		return false
	}
	if err := e.schedule(n); err != nil {
		e.log.Error("sweep schedule failed", logx.String("note", id), logx.Err(err))
		return false
	}
	e.log.Info("note promoted", logx.String("note", id), logx.String("name", n.Name))
	e.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionSchedule,
		EntityType: "note",
		EntityID:   id,
		Status:     audit.StatusSuccess,
		Metadata:   map[string]any{"reason": "dependencies satisfied"},
	})
	e.bus.Publish(eventbus.Event{Type: eventbus.NotePromoted, Data: map[string]any{
		"noteId": id, "name": n.Name,
	}})
	return true
}

// depsUnmet reports whether any dependency edge blocks the note right now.
// Management operations call this at timer-install time so a note with
// already-unmet dependencies parks instead of carrying a live timer.
func (e *Engine) depsUnmet(ctx context.Context, deps []Dependency) bool {
	if len(deps) == 0 {
		return false
	}
	return !depcheck.Check(edgesOf(deps), e.depLookup(ctx)).Satisfied
}

func (e *Engine) depLookup(ctx context.Context) depcheck.Lookup {
	return func(id string) (depcheck.State, bool) {
		n, _, err := e.store.GetNote(ctx, id)
		if err != nil {
			return depcheck.State{}, false
		}
		return depcheck.State{
			Name:          n.Name,
			Active:        n.Active,
			LastStatus:    string(n.LastExecutionStatus),
			LastExecution: n.LastExecutionTime,
		}, true
	}
}

func edgesOf(deps []Dependency) []depcheck.Edge {
	if len(deps) == 0 {
		return nil
	}
	out := make([]depcheck.Edge, 0, len(deps))
	for _, d := range deps {
		out = append(out, depcheck.Edge{DependsOnID: d.DependsOnID, RequiredStatus: d.RequiredStatus})
	}
	return out
}
