package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hookbot/internal/audit"
	"hookbot/internal/eventbus"
	"hookbot/internal/notes/condition"
	"hookbot/internal/registry"
	"hookbot/pkg/logx"
)

var (
	ErrInvalidSpec = errors.New("invalid note spec")
)

// Create validates and persists a new note. An active note gets its timer
// immediately unless its dependencies are already unmet, in which case it
// starts parked: WaitingForDeps set and no live timer, same as a fire-time
// park. The sweep promotes it once the dependencies are satisfied.
func (e *Engine) Create(ctx context.Context, actor Actor, spec Spec) (*Note, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	now := e.now()
	n := &Note{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(spec.Name),
		Template:   spec.Template,
		Schedule:   strings.TrimSpace(spec.Schedule),
		Tags:       spec.Tags,
		WebhookIDs: spec.WebhookIDs,
		Active:     spec.Active,
		Condition:  strings.TrimSpace(spec.Condition),
		Variables:  spec.Variables,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	deps, err := e.normalizeDeps(ctx, n.ID, spec.DependsOn)
	if err != nil {
		return nil, err
	}
	n.WaitingForDeps = n.Active && e.depsUnmet(ctx, deps)

	if err := e.store.CreateNote(ctx, n, deps); err != nil {
		return nil, err
	}
	switch {
	case n.Active && n.WaitingForDeps:
		e.log.Info("note created parked, dependencies unmet",
			logx.String("note", n.ID), logx.String("name", n.Name))
		e.bus.Publish(eventbus.Event{Type: eventbus.NoteWaiting, Data: map[string]any{
			"noteId": n.ID, "name": n.Name,
		}})
	case n.Active:
		if err := e.schedule(n); err != nil {
			// The row exists but the timer does not. Surface the error and
			// leave the note inactive rather than half-scheduled.
			e.log.Error("schedule after create failed", logx.String("note", n.ID), logx.Err(err))
			return nil, err
		}
	}

	e.log.Info("note created",
		logx.String("note", n.ID), logx.String("name", n.Name),
		logx.String("schedule", n.Schedule), logx.Bool("active", n.Active))
	e.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionSchedule,
		EntityType:    "note",
		EntityID:      n.ID,
		ActorUserID:   actor.UserID,
		ActorServerID: actor.ServerID,
		Status:        audit.StatusSuccess,
		Changes:       audit.Diff(nil, defSnapshot(n)),
	})
	return n, nil
}

// Update applies a partial patch. A schedule or activity change replaces or
// removes the live timer atomically with respect to the registry.
func (e *Engine) Update(ctx context.Context, actor Actor, id string, p Patch) (*Note, error) {
	n, deps, err := e.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	before := defSnapshot(n)

	if p.Name != nil {
		n.Name = strings.TrimSpace(*p.Name)
	}
	if p.Template != nil {
		n.Template = *p.Template
	}
	if p.Schedule != nil {
		n.Schedule = strings.TrimSpace(*p.Schedule)
	}
	if p.Tags != nil {
		n.Tags = *p.Tags
	}
	if p.WebhookIDs != nil {
		n.WebhookIDs = *p.WebhookIDs
	}
	if p.Active != nil {
		n.Active = *p.Active
	}
	if p.Condition != nil {
		n.Condition = strings.TrimSpace(*p.Condition)
	}
	if p.Variables != nil {
		n.Variables = *p.Variables
	}
	if p.DependsOn != nil {
		deps, err = e.normalizeDeps(ctx, n.ID, *p.DependsOn)
		if err != nil {
			return nil, err
		}
	}

	if err := validateSpec(Spec{
		Name: n.Name, Template: n.Template, Schedule: n.Schedule, Condition: n.Condition,
	}); err != nil {
		return nil, err
	}

	// A structural change invalidates the parked decision; re-evaluate the
	// dependencies from scratch before deciding whether a timer goes up.
	n.WaitingForDeps = n.Active && e.depsUnmet(ctx, deps)
	n.UpdatedAt = e.now()
	if err := e.store.UpdateNote(ctx, n, deps); err != nil {
		return nil, err
	}

	if n.Active && !n.WaitingForDeps {
		if err := e.schedule(n); err != nil {
			return nil, err
		}
	} else {
		e.registry.Unschedule(n.ID)
	}

	e.log.Info("note updated", logx.String("note", n.ID), logx.String("name", n.Name))
	e.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionSchedule,
		EntityType:    "note",
		EntityID:      n.ID,
		ActorUserID:   actor.UserID,
		ActorServerID: actor.ServerID,
		Status:        audit.StatusSuccess,
		Changes:       audit.Diff(before, defSnapshot(n)),
	})
	return n, nil
}

// Delete removes the timer first, then soft-deletes the row. Once Delete
// returns no new fire can start; a fire already in flight reloads the note
// and aborts on the missing row.
func (e *Engine) Delete(ctx context.Context, actor Actor, id string) error {
	e.registry.Unschedule(id)
	if err := e.store.SoftDeleteNote(ctx, id); err != nil {
		return err
	}
	e.renderer.ResetCounter(id)

	e.log.Info("note deleted", logx.String("note", id))
	e.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionUnschedule,
		EntityType:    "note",
		EntityID:      id,
		ActorUserID:   actor.UserID,
		ActorServerID: actor.ServerID,
		Status:        audit.StatusSuccess,
	})
	return nil
}

// SetActive toggles a note without touching the rest of its definition.
func (e *Engine) SetActive(ctx context.Context, actor Actor, id string, active bool) (*Note, error) {
	return e.Update(ctx, actor, id, Patch{Active: &active})
}

func (e *Engine) Get(ctx context.Context, id string) (*Note, []Dependency, error) {
	return e.store.GetNote(ctx, id)
}

func (e *Engine) List(ctx context.Context) ([]*Note, error) {
	return e.store.ListActiveNotes(ctx)
}

// normalizeDeps validates dependency edges and stamps the owning note id.
func (e *Engine) normalizeDeps(ctx context.Context, noteID string, in []Dependency) ([]Dependency, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]Dependency, 0, len(in))
	seen := map[string]bool{}
	for _, d := range in {
		target := strings.TrimSpace(d.DependsOnID)
		if target == "" {
			return nil, fmt.Errorf("%w: empty dependency target", ErrInvalidSpec)
		}
		if target == noteID {
			return nil, fmt.Errorf("%w: note cannot depend on itself", ErrInvalidSpec)
		}
		if seen[target] {
			return nil, fmt.Errorf("%w: duplicate dependency on %s", ErrInvalidSpec, target)
		}
		seen[target] = true

		required := strings.TrimSpace(d.RequiredStatus)
		if required == "" {
			required = RequireSuccess
		}
		switch required {
		case RequireSuccess, RequireFailed, RequireAny:
		default:
			return nil, fmt.Errorf("%w: unknown required status %q", ErrInvalidSpec, d.RequiredStatus)
		}

		if _, _, err := e.store.GetNote(ctx, target); err != nil {
			return nil, fmt.Errorf("%w: dependency target %s: %v", ErrInvalidSpec, target, err)
		}
		out = append(out, Dependency{NoteID: noteID, DependsOnID: target, RequiredStatus: required})
	}
	return out, nil
}

func validateSpec(s Spec) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Template) == "" {
		return fmt.Errorf("%w: template is required", ErrInvalidSpec)
	}
	if err := registry.ValidateSpec(s.Schedule); err != nil {
		return fmt.Errorf("%w: schedule: %v", ErrInvalidSpec, err)
	}
	if err := condition.Validate(s.Condition); err != nil {
		return fmt.Errorf("%w: condition: %v", ErrInvalidSpec, err)
	}
	return nil
}

// defSnapshot captures the definitional fields for audit diffs. Execution
// bookkeeping is diffed separately by the fire pipeline.
func defSnapshot(n *Note) map[string]any {
	return map[string]any{
		"name":       n.Name,
		"template":   n.Template,
		"schedule":   n.Schedule,
		"tags":       strings.Join(n.Tags, ","),
		"webhookIds": strings.Join(n.WebhookIDs, ","),
		"active":     n.Active,
		"condition":  n.Condition,
	}
}
