// Package registry owns the live recurring timers for scheduled notes.
//
// One cron entry per note id. Scheduling a note that already has a live
// entry stops the old one before installing the new one, so no two timers
// for the same note can exist at any instant. A per-entry in-flight flag
// makes the non-overlap guarantee explicit: a tick that arrives while the
// previous run is still executing is skipped and logged.
package registry

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hookbot/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ; default UTC
}

// Job is a note's fire handler. It runs on the cron goroutine for that tick
// and must contain its own failure handling; a returned panic is recovered
// and logged here as a last resort.
type Job func(ctx context.Context)

type runState struct {
	mu      sync.Mutex
	running bool
}

type entry struct {
	noteID  string
	name    string
	spec    string // normalized
	entryID cron.EntryID
	job     Job
	state   *runState
}

// JobInfo is a read-only view of one live timer.
type JobInfo struct {
	NoteID string
	Name   string
	Spec   string
	Next   time.Time
	Prev   time.Time
}

type Registry struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron

	entries map[string]*entry

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Registry {
	return &Registry{
		log: log,
		cfg: cfg,
		// Five-field crontab specs plus descriptors ("@every 2h").
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
		loc:     loadLocation(cfg.Timezone, log),
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Start installs timers for all registered entries and begins firing.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	for _, e := range r.entries {
		if err := r.addLocked(e); err != nil {
			r.log.Error("timer install failed", logx.String("note", e.noteID), logx.String("spec", e.spec), logx.Err(err))
		}
	}
	r.c.Start()
	r.log.Info("registry started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.entries)))
}

// Stop halts the cron engine and waits for in-flight fires to complete
// (graceful drain). Entries are kept so a later Start resumes them.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	cancel := r.runCancel
	r.c = nil
	r.runCancel = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	drained := c.Stop()
	select {
	case <-drained.Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	r.log.Info("registry stopped")
}

// Schedule installs (or replaces) the timer for a note. The raw schedule is
// normalized first; callers should have validated it at save time, so a
// normalization failure here is a bug upstream.
func (r *Registry) Schedule(noteID, name, rawSpec string, job Job) error {
	spec, err := NormalizeSpec(rawSpec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Atomic replace: stop the old handle before installing the new one.
	r.removeLocked(noteID)

	e := &entry{noteID: noteID, name: name, spec: spec, job: job, state: &runState{}}
	r.entries[noteID] = e
	if r.c != nil {
		if err := r.addLocked(e); err != nil {
			delete(r.entries, noteID)
			return err
		}
	}
	r.log.Debug("timer installed", logx.String("note", noteID), logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Unschedule stops and removes the note's timer. Returns true if a timer
// existed. No fire can begin after Unschedule returns.
func (r *Registry) Unschedule(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.removeLocked(noteID)
	if removed {
		r.log.Debug("timer removed", logx.String("note", noteID))
	}
	return removed
}

// Has reports whether a live timer exists for the note.
func (r *Registry) Has(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[noteID]
	return ok
}

// Next returns the next fire time for the note's timer, if one is live and
// the registry is running.
func (r *Registry) Next(noteID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[noteID]
	if !ok || r.c == nil || e.entryID == 0 {
		return time.Time{}, false
	}
	ce := r.c.Entry(e.entryID)
	if ce.Next.IsZero() {
		return time.Time{}, false
	}
	return ce.Next, true
}

// ListActive returns a snapshot of all live timers.
func (r *Registry) ListActive() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobInfo, 0, len(r.entries))
	for _, e := range r.entries {
		it := JobInfo{NoteID: e.noteID, Name: e.name, Spec: e.spec}
		if r.c != nil && e.entryID != 0 {
			ce := r.c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		out = append(out, it)
	}
	return out
}

// Call with r.mu held.
func (r *Registry) addLocked(e *entry) error {
	eid, err := r.c.AddFunc(e.spec, func() {
		e.state.mu.Lock()
		running := e.state.running
		if !running {
			e.state.running = true
		}
		e.state.mu.Unlock()
		if running {
			r.log.Warn("fire skipped (previous run still in flight)", logx.String("note", e.noteID), logx.String("name", e.name))
			return
		}
		defer func() {
			e.state.mu.Lock()
			e.state.running = false
			e.state.mu.Unlock()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in fire handler", logx.String("note", e.noteID), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			}
		}()

		r.mu.Lock()
		ctx := r.runCtx
		r.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		e.job(ctx)
	})
	if err != nil {
		return err
	}
	e.entryID = eid
	return nil
}

// Call with r.mu held.
func (r *Registry) removeLocked(noteID string) bool {
	e, ok := r.entries[noteID]
	if !ok {
		return false
	}
	if r.c != nil && e.entryID != 0 {
		r.c.Remove(e.entryID)
	}
	delete(r.entries, noteID)
	return true
}
