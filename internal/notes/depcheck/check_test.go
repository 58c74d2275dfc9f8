package depcheck

import (
	"testing"
	"time"
)

func lookupFrom(m map[string]State) Lookup {
	return func(id string) (State, bool) {
		st, ok := m[id]
		return st, ok
	}
}

func TestCheckEmptyEdges(t *testing.T) {
	t.Parallel()
	res := Check(nil, lookupFrom(nil))
	if !res.Satisfied {
		t.Fatal("empty edge list must be trivially satisfied")
	}
	if len(res.Edges) != 0 {
		t.Fatalf("unexpected edge results: %v", res.Edges)
	}
}

func TestCheckEdgeCases(t *testing.T) {
	t.Parallel()
	ran := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	states := map[string]State{
		"ok-success":   {Active: true, LastStatus: "success", LastExecution: &ran},
		"ok-failed":    {Active: true, LastStatus: "failed", LastExecution: &ran},
		"never-ran":    {Active: true},
		"deactivated":  {Active: false, LastStatus: "success", LastExecution: &ran},
		"empty-status": {Active: true, LastStatus: "", LastExecution: &ran},
	}

	tests := []struct {
		name   string
		edge   Edge
		want   bool
		reason string
	}{
		{name: "status match", edge: Edge{"ok-success", "success"}, want: true},
		{name: "status mismatch", edge: Edge{"ok-failed", "success"}, want: false, reason: `last status "failed", want "success"`},
		{name: "failed required and matched", edge: Edge{"ok-failed", "failed"}, want: true},
		{name: "any with completed run", edge: Edge{"ok-failed", "any"}, want: true},
		{name: "any without status", edge: Edge{"empty-status", "any"}, want: false, reason: "no completed execution"},
		{name: "missing note", edge: Edge{"ghost", "success"}, want: false, reason: "not found"},
		{name: "never executed", edge: Edge{"never-ran", "success"}, want: false, reason: "never executed"},
		{name: "inactive dependency", edge: Edge{"deactivated", "success"}, want: false, reason: "inactive"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			res := Check([]Edge{tt.edge}, lookupFrom(states))
			if res.Satisfied != tt.want {
				t.Fatalf("Satisfied = %v, want %v", res.Satisfied, tt.want)
			}
			er := res.Edges[0]
			if er.Satisfied != tt.want {
				t.Fatalf("edge Satisfied = %v, want %v", er.Satisfied, tt.want)
			}
			if tt.reason != "" && er.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", er.Reason, tt.reason)
			}
		})
	}
}

func TestCheckAndAcrossEdges(t *testing.T) {
	t.Parallel()
	ran := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	states := map[string]State{
		"a": {Active: true, LastStatus: "success", LastExecution: &ran},
		"b": {Active: true, LastStatus: "failed", LastExecution: &ran},
	}

	res := Check([]Edge{{"a", "success"}, {"b", "success"}}, lookupFrom(states))
	if res.Satisfied {
		t.Fatal("one unmet edge must fail the whole check")
	}
	if len(res.Edges) != 2 {
		t.Fatalf("want per-edge results for all edges, got %d", len(res.Edges))
	}
	if !res.Edges[0].Satisfied || res.Edges[1].Satisfied {
		t.Fatalf("unexpected edge results: %+v", res.Edges)
	}

	res = Check([]Edge{{"a", "success"}, {"b", "failed"}}, lookupFrom(states))
	if !res.Satisfied {
		t.Fatal("all edges met must satisfy the check")
	}
}
