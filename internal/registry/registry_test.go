package registry

import (
	"context"
	"testing"

	"hookbot/pkg/logx"
)

func TestScheduleReplaceKeepsOneTimer(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())

	if err := r.Schedule("n1", "morning", "2h", func(context.Context) {}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if err := r.Schedule("n1", "morning", "*/5 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("reschedule error: %v", err)
	}

	jobs := r.ListActive()
	if len(jobs) != 1 {
		t.Fatalf("want exactly one timer after replace, got %d", len(jobs))
	}
	if jobs[0].Spec != "*/5 * * * *" {
		t.Fatalf("replace kept old spec: %q", jobs[0].Spec)
	}
}

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	if err := r.Schedule("n1", "bad", "nonsense", func(context.Context) {}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if r.Has("n1") {
		t.Fatal("invalid spec must not leave an entry behind")
	}
}

func TestUnschedule(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	if err := r.Schedule("n1", "x", "1h", func(context.Context) {}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if !r.Unschedule("n1") {
		t.Fatal("Unschedule should report removal")
	}
	if r.Has("n1") {
		t.Fatal("entry still present after Unschedule")
	}
	if r.Unschedule("n1") {
		t.Fatal("second Unschedule should be a no-op")
	}
	if got := len(r.ListActive()); got != 0 {
		t.Fatalf("ListActive after unschedule = %d entries", got)
	}
}

func TestStartInstallsNextFireTimes(t *testing.T) {
	t.Parallel()
	r := New(Config{Timezone: "UTC"}, logx.Nop())
	if err := r.Schedule("n1", "x", "2h", func(context.Context) {}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	// Before Start there is an entry but no computed next-fire time.
	if _, ok := r.Next("n1"); ok {
		t.Fatal("Next should be unknown before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop(context.Background())

	next, ok := r.Next("n1")
	if !ok || next.IsZero() {
		t.Fatal("Next should be known after Start")
	}

	jobs := r.ListActive()
	if len(jobs) != 1 || jobs[0].Next.IsZero() {
		t.Fatalf("ListActive missing next fire time: %+v", jobs)
	}
}

func TestScheduleWhileRunning(t *testing.T) {
	t.Parallel()
	r := New(Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop(context.Background())

	if err := r.Schedule("n1", "x", "30 9 * * *", func(context.Context) {}); err != nil {
		t.Fatalf("Schedule while running error: %v", err)
	}
	if _, ok := r.Next("n1"); !ok {
		t.Fatal("timer installed while running must have a next fire time")
	}
}
