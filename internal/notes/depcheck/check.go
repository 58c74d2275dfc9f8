// Package depcheck decides whether a note's declared dependency edges are
// satisfied. It is pure: the caller supplies a lookup over current note
// state, so the checker itself never touches storage.
package depcheck

import (
	"fmt"
	"time"
)

// Edge is one dependency: the note under evaluation requires the note
// DependsOnID to have last completed with RequiredStatus
// ("success" | "failed" | "any").
type Edge struct {
	DependsOnID    string
	RequiredStatus string
}

// State is the checker's view of a depended-on note.
type State struct {
	Name          string
	Active        bool
	LastStatus    string
	LastExecution *time.Time
}

// Lookup resolves a note id to its current state. ok=false means the note
// does not exist (or is soft-deleted).
type Lookup func(id string) (State, bool)

// EdgeResult carries per-edge diagnostics for audit and debugging.
type EdgeResult struct {
	DependsOnID    string
	RequiredStatus string
	Satisfied      bool
	Reason         string
}

type Result struct {
	Satisfied bool
	Edges     []EdgeResult
}

// Check evaluates all edges. An empty edge list is trivially satisfied;
// overall satisfaction is the AND across edges.
func Check(edges []Edge, lookup Lookup) Result {
	res := Result{Satisfied: true}
	if len(edges) == 0 {
		return res
	}
	res.Edges = make([]EdgeResult, 0, len(edges))
	for _, e := range edges {
		er := checkEdge(e, lookup)
		if !er.Satisfied {
			res.Satisfied = false
		}
		res.Edges = append(res.Edges, er)
	}
	return res
}

func checkEdge(e Edge, lookup Lookup) EdgeResult {
	er := EdgeResult{DependsOnID: e.DependsOnID, RequiredStatus: e.RequiredStatus}

	st, ok := lookup(e.DependsOnID)
	if !ok {
		er.Reason = "not found"
		return er
	}
	// Hard overrides regardless of status match.
	if st.LastExecution == nil {
		er.Reason = "never executed"
		return er
	}
	if !st.Active {
		er.Reason = "inactive"
		return er
	}

	if e.RequiredStatus == "any" {
		if st.LastStatus == "" {
			er.Reason = "no completed execution"
			return er
		}
		er.Satisfied = true
		return er
	}

	if st.LastStatus != e.RequiredStatus {
		er.Reason = fmt.Sprintf("last status %q, want %q", st.LastStatus, e.RequiredStatus)
		return er
	}
	er.Satisfied = true
	return er
}
