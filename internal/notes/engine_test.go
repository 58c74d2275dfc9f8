package notes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hookbot/internal/audit"
	"hookbot/internal/delivery"
	"hookbot/internal/eventbus"
	"hookbot/internal/registry"
	"hookbot/pkg/logx"
)

var errFakeNotFound = errors.New("not found")

type fakeStore struct {
	mu    sync.Mutex
	notes map[string]*Note
	deps  map[string][]Dependency
}

func newFakeStore() *fakeStore {
	return &fakeStore{notes: map[string]*Note{}, deps: map[string][]Dependency{}}
}

func (s *fakeStore) CreateNote(_ context.Context, n *Note, deps []Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notes[n.ID] = &cp
	s.deps[n.ID] = deps
	return nil
}

func (s *fakeStore) GetNote(_ context.Context, id string) (*Note, []Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok || n.DeletedAt != nil {
		return nil, nil, errFakeNotFound
	}
	cp := *n
	return &cp, s.deps[id], nil
}

func (s *fakeStore) GetNoteByName(_ context.Context, name string) (*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notes {
		if n.Name == name && n.DeletedAt == nil {
			cp := *n
			return &cp, nil
		}
	}
	return nil, errFakeNotFound
}

func (s *fakeStore) UpdateNote(_ context.Context, n *Note, deps []Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[n.ID]; !ok {
		return errFakeNotFound
	}
	cp := *n
	s.notes[n.ID] = &cp
	s.deps[n.ID] = deps
	return nil
}

func (s *fakeStore) UpdateBookkeeping(_ context.Context, id string, bk Bookkeeping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok || n.DeletedAt != nil {
		return errFakeNotFound
	}
	n.ExecutionCount = bk.ExecutionCount
	n.LastExecutionTime = bk.LastExecutionTime
	n.LastExecutionStatus = bk.LastExecutionStatus
	n.LastExecutionError = bk.LastExecutionError
	n.NextExecutionTime = bk.NextExecutionTime
	n.WaitingForDeps = bk.WaitingForDeps
	return nil
}

func (s *fakeStore) SetWaiting(_ context.Context, id string, waiting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return errFakeNotFound
	}
	n.WaitingForDeps = waiting
	if waiting {
		n.NextExecutionTime = nil
	}
	return nil
}

func (s *fakeStore) SoftDeleteNote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok || n.DeletedAt != nil {
		return errFakeNotFound
	}
	now := time.Now()
	n.DeletedAt = &now
	n.Active = false
	delete(s.deps, id)
	return nil
}

func (s *fakeStore) ListActiveNotes(context.Context) ([]*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Note
	for _, n := range s.notes {
		if n.Active && n.DeletedAt == nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ListWaitingNotes(context.Context) ([]*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Note
	for _, n := range s.notes {
		if n.Active && n.WaitingForDeps && n.DeletedAt == nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) get(id string) *Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes[id]
}

type fakeDeliverer struct {
	mu   sync.Mutex
	reqs []delivery.Request
	res  delivery.Result
	err  error
}

func (d *fakeDeliverer) Deliver(_ context.Context, req delivery.Request) (delivery.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return d.res, d.err
}

func (d *fakeDeliverer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

func (d *fakeDeliverer) last() delivery.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reqs[len(d.reqs)-1]
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAudit) AppendAudit(_ context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) lastEntry(t *testing.T) audit.Entry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return a.entries[len(a.entries)-1]
}

type testRig struct {
	engine *Engine
	store  *fakeStore
	del    *fakeDeliverer
	aud    *fakeAudit
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := newFakeStore()
	del := &fakeDeliverer{res: delivery.Result{Dispatched: 1}}
	aud := &fakeAudit{}
	reg := registry.New(registry.Config{}, logx.Nop())
	eng := NewEngine(Config{}, store, reg, del, audit.NewRecorder(aud, logx.Nop()), eventbus.New(), logx.Nop())
	return &testRig{engine: eng, store: store, del: del, aud: aud}
}

func (r *testRig) addNote(t *testing.T, n *Note, deps ...Dependency) {
	t.Helper()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
		n.UpdatedAt = n.CreatedAt
	}
	if err := r.store.CreateNote(context.Background(), n, deps); err != nil {
		t.Fatalf("seed note: %v", err)
	}
}

func TestTriggerNowSuccess(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	r.addNote(t, &Note{
		ID: "n1", Name: "greeter", Active: true,
		Template:  "hi {{who}}, run {{executionCount}}",
		Schedule:  "0 9 * * *",
		Variables: map[string]any{"who": "team"},
	})

	res, err := r.engine.TriggerNow(context.Background(), Actor{UserID: "u1"}, "n1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Reason)
	}
	if res.Rendered != "hi team, run 1" {
		t.Fatalf("rendered = %q", res.Rendered)
	}
	if got := r.del.calls(); got != 1 {
		t.Fatalf("deliveries = %d", got)
	}

	n := r.store.get("n1")
	if n.ExecutionCount != 1 || n.LastExecutionStatus != StatusSuccess {
		t.Fatalf("bookkeeping = count %d status %q", n.ExecutionCount, n.LastExecutionStatus)
	}
	if n.LastExecutionTime == nil {
		t.Fatal("last execution time not set")
	}

	e := r.aud.lastEntry(t)
	if e.Action != audit.ActionExecute || e.Status != audit.StatusSuccess || e.ActorUserID != "u1" {
		t.Fatalf("audit entry = %+v", e)
	}
}

func TestConditionFalseSkipsButCounts(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	r.addNote(t, &Note{
		ID: "n1", Name: "gated", Active: true,
		Template: "x", Schedule: "0 9 * * *",
		Condition: "1 > 2",
	})

	res, err := r.engine.TriggerNow(context.Background(), Actor{}, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSkipped || res.Reason != "condition false" {
		t.Fatalf("result = %+v", res)
	}
	if r.del.calls() != 0 {
		t.Fatal("skipped fire must not deliver")
	}

	// Skips count as executions.
	n := r.store.get("n1")
	if n.ExecutionCount != 1 || n.LastExecutionStatus != StatusSkipped {
		t.Fatalf("bookkeeping = count %d status %q", n.ExecutionCount, n.LastExecutionStatus)
	}
	if e := r.aud.lastEntry(t); e.Status != audit.StatusSkipped {
		t.Fatalf("audit status = %q", e.Status)
	}
}

func TestConditionErrorFailsClosed(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	r.addNote(t, &Note{
		ID: "n1", Name: "broken-gate", Active: true,
		Template: "x", Schedule: "0 9 * * *",
		Condition: "noSuchVar > 3",
	})

	res, err := r.engine.TriggerNow(context.Background(), Actor{}, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSkipped || !strings.HasPrefix(res.Reason, "condition error") {
		t.Fatalf("result = %+v", res)
	}
	if r.del.calls() != 0 {
		t.Fatal("fail-closed fire must not deliver")
	}
}

func TestDependencyUnmetParksNote(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	nextTick := time.Now().Add(time.Hour)
	r.addNote(t, &Note{ID: "a", Name: "upstream", Active: true, Template: "x", Schedule: "0 9 * * *"})
	r.addNote(t, &Note{
		ID: "b", Name: "downstream", Active: true, Template: "y", Schedule: "0 10 * * *",
		NextExecutionTime: &nextTick,
	}, Dependency{NoteID: "b", DependsOnID: "a", RequiredStatus: RequireSuccess})

	if err := r.engine.schedule(r.store.get("b")); err != nil {
		t.Fatal(err)
	}

	res, err := r.engine.TriggerNow(context.Background(), Actor{}, "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSkipped || res.Reason != "dependencies unmet" {
		t.Fatalf("result = %+v", res)
	}
	if r.del.calls() != 0 {
		t.Fatal("parked fire must not deliver")
	}

	n := r.store.get("b")
	if !n.WaitingForDeps {
		t.Fatal("waiting flag not set")
	}
	// Parking does not count as an execution.
	if n.ExecutionCount != 0 {
		t.Fatalf("execution count = %d", n.ExecutionCount)
	}
	if n.NextExecutionTime != nil {
		t.Fatalf("next execution time = %v, want cleared", n.NextExecutionTime)
	}
	if r.engine.registry.Has("b") {
		t.Fatal("parked note still has a timer")
	}
}

func TestCreateParksWhenDepsUnmet(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()
	r.addNote(t, &Note{ID: "up", Name: "upstream", Active: true, Template: "x", Schedule: "0 9 * * *"})

	n, err := r.engine.Create(ctx, Actor{}, Spec{
		Name: "downstream", Template: "y", Schedule: "0 10 * * *", Active: true,
		DependsOn: []Dependency{{DependsOnID: "up"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// The upstream never executed, so the note starts parked with no timer.
	if !n.WaitingForDeps {
		t.Fatal("waiting flag not set on create")
	}
	if r.engine.registry.Has(n.ID) {
		t.Fatal("note has a live timer while dependencies are unmet")
	}
	if got := r.store.get(n.ID); !got.WaitingForDeps {
		t.Fatal("waiting flag not persisted")
	}

	// Once the upstream has run, the sweep picks it up like any parked note.
	ranAt := time.Now()
	if err := r.store.UpdateBookkeeping(ctx, "up", Bookkeeping{
		ExecutionCount: 1, LastExecutionTime: &ranAt, LastExecutionStatus: StatusSuccess,
	}); err != nil {
		t.Fatal(err)
	}
	if got := r.engine.Sweep(ctx); got != 1 {
		t.Fatalf("promoted = %d", got)
	}
	if !r.engine.registry.Has(n.ID) {
		t.Fatal("promoted note has no timer")
	}
}

func TestReactivateParksWhenDepsUnmet(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()
	r.addNote(t, &Note{ID: "up", Name: "upstream", Active: true, Template: "x", Schedule: "0 9 * * *"})

	n, err := r.engine.Create(ctx, Actor{}, Spec{
		Name: "off", Template: "y", Schedule: "0 10 * * *",
		DependsOn: []Dependency{{DependsOnID: "up"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n.WaitingForDeps {
		t.Fatal("inactive note must not start parked")
	}

	n, err = r.engine.SetActive(ctx, Actor{}, n.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !n.WaitingForDeps {
		t.Fatal("waiting flag not set on activation")
	}
	if r.engine.registry.Has(n.ID) {
		t.Fatal("activated note has a timer despite unmet dependencies")
	}
}

func TestSweepPromotesWhenDepsSatisfied(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ranAt := time.Now().Add(-time.Hour)
	r.addNote(t, &Note{
		ID: "a", Name: "upstream", Active: true, Template: "x", Schedule: "0 9 * * *",
		ExecutionCount: 1, LastExecutionTime: &ranAt, LastExecutionStatus: StatusSuccess,
	})
	r.addNote(t, &Note{
		ID: "b", Name: "downstream", Active: true, Template: "y", Schedule: "0 10 * * *",
		WaitingForDeps: true,
	}, Dependency{NoteID: "b", DependsOnID: "a", RequiredStatus: RequireSuccess})

	if got := r.engine.Sweep(context.Background()); got != 1 {
		t.Fatalf("promoted = %d", got)
	}
	if n := r.store.get("b"); n.WaitingForDeps {
		t.Fatal("waiting flag not cleared")
	}
	if !r.engine.registry.Has("b") {
		t.Fatal("promoted note has no timer")
	}
}

func TestSweepLeavesUnsatisfiedParked(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	r.addNote(t, &Note{ID: "a", Name: "upstream", Active: true, Template: "x", Schedule: "0 9 * * *"})
	r.addNote(t, &Note{
		ID: "b", Name: "downstream", Active: true, Template: "y", Schedule: "0 10 * * *",
		WaitingForDeps: true,
	}, Dependency{NoteID: "b", DependsOnID: "a", RequiredStatus: RequireSuccess})

	if got := r.engine.Sweep(context.Background()); got != 0 {
		t.Fatalf("promoted = %d", got)
	}
	if n := r.store.get("b"); !n.WaitingForDeps {
		t.Fatal("note promoted despite unmet dependency")
	}
}

func TestDeliveryErrorMarksFailed(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	r.del.err = errors.New("resolver down")
	r.addNote(t, &Note{ID: "n1", Name: "failer", Active: true, Template: "x", Schedule: "0 9 * * *"})

	res, err := r.engine.TriggerNow(context.Background(), Actor{}, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFailed || res.Err == "" {
		t.Fatalf("result = %+v", res)
	}
	n := r.store.get("n1")
	if n.LastExecutionStatus != StatusFailed || n.LastExecutionError == "" {
		t.Fatalf("bookkeeping = %q %q", n.LastExecutionStatus, n.LastExecutionError)
	}
	if e := r.aud.lastEntry(t); e.Status != audit.StatusFailed {
		t.Fatalf("audit status = %q", e.Status)
	}
}

func TestAllTargetsFailedMarksFailed(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	r.del.res = delivery.Result{Dispatched: 2, Failed: 2}
	r.addNote(t, &Note{ID: "n1", Name: "deadends", Active: true, Template: "x", Schedule: "0 9 * * *"})

	res, err := r.engine.TriggerNow(context.Background(), Actor{}, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %q", res.Status)
	}
}

func TestPartialDeliveryStillSuccess(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	r.del.res = delivery.Result{Dispatched: 3, Failed: 1}
	r.addNote(t, &Note{ID: "n1", Name: "mostly", Active: true, Template: "x", Schedule: "0 9 * * *"})

	res, err := r.engine.TriggerNow(context.Background(), Actor{}, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()

	cases := []struct {
		name string
		spec Spec
	}{
		{"empty name", Spec{Template: "x", Schedule: "0 9 * * *"}},
		{"empty template", Spec{Name: "a", Schedule: "0 9 * * *"}},
		{"bad schedule", Spec{Name: "a", Template: "x", Schedule: "25h"}},
		{"bad condition", Spec{Name: "a", Template: "x", Schedule: "0 9 * * *", Condition: "((("}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.engine.Create(ctx, Actor{}, tc.spec); !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("want ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestCreateRejectsBadDependencies(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()

	base := Spec{Name: "loop", Template: "x", Schedule: "0 9 * * *"}

	spec := base
	spec.DependsOn = []Dependency{{DependsOnID: ""}}
	if _, err := r.engine.Create(ctx, Actor{}, spec); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("empty target: want ErrInvalidSpec, got %v", err)
	}

	spec = base
	spec.DependsOn = []Dependency{{DependsOnID: "missing"}}
	if _, err := r.engine.Create(ctx, Actor{}, spec); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("missing target: want ErrInvalidSpec, got %v", err)
	}

	r.addNote(t, &Note{ID: "up", Name: "up", Active: true, Template: "x", Schedule: "0 9 * * *"})
	spec = base
	spec.DependsOn = []Dependency{{DependsOnID: "up", RequiredStatus: "sometimes"}}
	if _, err := r.engine.Create(ctx, Actor{}, spec); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("bad status: want ErrInvalidSpec, got %v", err)
	}
}

func TestCreateSchedulesActiveOnly(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()

	on, err := r.engine.Create(ctx, Actor{}, Spec{Name: "on", Template: "x", Schedule: "2h", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	off, err := r.engine.Create(ctx, Actor{}, Spec{Name: "off", Template: "x", Schedule: "2h"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.engine.registry.Has(on.ID) {
		t.Fatal("active note has no timer")
	}
	if r.engine.registry.Has(off.ID) {
		t.Fatal("inactive note has a timer")
	}
}

func TestDeleteStopsTimerAndHidesNote(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()

	n, err := r.engine.Create(ctx, Actor{}, Spec{Name: "gone", Template: "x", Schedule: "2h", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.engine.Delete(ctx, Actor{UserID: "u1"}, n.ID); err != nil {
		t.Fatal(err)
	}
	if r.engine.registry.Has(n.ID) {
		t.Fatal("deleted note still has a timer")
	}
	if _, _, err := r.engine.Get(ctx, n.ID); err == nil {
		t.Fatal("deleted note still readable")
	}
	// A straggler fire is a no-op.
	res := r.engine.fire(ctx, n.ID, triggerScheduled)
	if res.Status != StatusSkipped {
		t.Fatalf("straggler fire = %+v", res)
	}
	if r.del.calls() != 0 {
		t.Fatal("straggler fire delivered")
	}
}

func TestSetActiveTogglesTimer(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()

	n, err := r.engine.Create(ctx, Actor{}, Spec{Name: "toggle", Template: "x", Schedule: "2h", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.engine.SetActive(ctx, Actor{}, n.ID, false); err != nil {
		t.Fatal(err)
	}
	if r.engine.registry.Has(n.ID) {
		t.Fatal("deactivated note still has a timer")
	}
	if _, err := r.engine.SetActive(ctx, Actor{}, n.ID, true); err != nil {
		t.Fatal(err)
	}
	if !r.engine.registry.Has(n.ID) {
		t.Fatal("reactivated note has no timer")
	}
}

func TestUpdateClearsParkedState(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()
	r.addNote(t, &Note{
		ID: "n1", Name: "parked", Active: true, Template: "x", Schedule: "0 9 * * *",
		WaitingForDeps: true,
	})

	sched := "0 10 * * *"
	if _, err := r.engine.Update(ctx, Actor{}, "n1", Patch{Schedule: &sched}); err != nil {
		t.Fatal(err)
	}
	n := r.store.get("n1")
	if n.WaitingForDeps {
		t.Fatal("update left parked state in place")
	}
	if n.Schedule != sched {
		t.Fatalf("schedule = %q", n.Schedule)
	}
	if !r.engine.registry.Has("n1") {
		t.Fatal("updated active note has no timer")
	}
}

func TestStartSkipsParkedNotes(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()
	r.addNote(t, &Note{ID: "a", Name: "ready", Active: true, Template: "x", Schedule: "0 9 * * *"})
	r.addNote(t, &Note{ID: "b", Name: "parked", Active: true, Template: "y", Schedule: "0 9 * * *", WaitingForDeps: true})

	if err := r.engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.engine.Stop(ctx)

	if !r.engine.registry.Has("a") {
		t.Fatal("ready note has no timer")
	}
	if r.engine.registry.Has("b") {
		t.Fatal("parked note got a timer at startup")
	}
}

func TestStartParksNotesWithUnmetDeps(t *testing.T) {
	t.Parallel()
	r := newTestRig(t)
	ctx := context.Background()
	r.addNote(t, &Note{ID: "up", Name: "upstream", Active: true, Template: "x", Schedule: "0 9 * * *"})
	r.addNote(t, &Note{ID: "down", Name: "downstream", Active: true, Template: "y", Schedule: "0 10 * * *"},
		Dependency{NoteID: "down", DependsOnID: "up", RequiredStatus: RequireSuccess})

	if err := r.engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.engine.Stop(ctx)

	if !r.engine.registry.Has("up") {
		t.Fatal("independent note has no timer")
	}
	if r.engine.registry.Has("down") {
		t.Fatal("note has a live timer while dependencies are unmet")
	}
	if n := r.store.get("down"); !n.WaitingForDeps {
		t.Fatal("waiting flag not persisted at startup")
	}
}
