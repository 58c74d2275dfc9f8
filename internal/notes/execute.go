package notes

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"hookbot/internal/audit"
	"hookbot/internal/delivery"
	"hookbot/internal/eventbus"
	"hookbot/internal/notes/depcheck"
	"hookbot/pkg/logx"
)

const (
	triggerScheduled = "schedule"
	triggerManual    = "manual"
)

// TriggerNow runs the full execution pipeline immediately, outside the
// schedule. All gates apply the same as a timer fire.
func (e *Engine) TriggerNow(ctx context.Context, actor Actor, id string) (ExecutionResult, error) {
	if _, _, err := e.store.GetNote(ctx, id); err != nil {
		return ExecutionResult{}, err
	}
	res := e.fireAs(ctx, id, triggerManual, actor)
	return res, nil
}

func (e *Engine) fire(ctx context.Context, id, trigger string) ExecutionResult {
	return e.fireAs(ctx, id, trigger, Actor{})
}

// fireAs is the pipeline behind every execution: reload the note, gate on
// condition and dependencies, render, deliver, persist bookkeeping, audit.
// It never returns an error; failures land in the result and the log.
func (e *Engine) fireAs(ctx context.Context, id, trigger string, actor Actor) (res ExecutionResult) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	defer cancel()

	// A panic in one fire must not take down other notes' timers. Contain,
	// log, audit, report failed.
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("panic during note fire",
				logx.String("note", id), logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
			e.audit.Record(ctx, audit.Entry{
				Action:     audit.ActionExecute,
				EntityType: "note",
				EntityID:   id,
				Status:     audit.StatusFailed,
				Metadata:   map[string]any{"panic": fmt.Sprint(rec), "trigger": trigger},
			})
			res = ExecutionResult{NoteID: id, Status: StatusFailed, Err: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	// Reload at tick time. The timer may outlive the row by one tick when a
	// delete races a fire; the reload is what makes that tick a no-op.
	n, deps, err := e.store.GetNote(ctx, id)
	if err != nil {
		e.registry.Unschedule(id)
		e.log.Warn("fire aborted, note gone", logx.String("note", id), logx.Err(err))
		return ExecutionResult{NoteID: id, Status: StatusSkipped, Reason: "note not found"}
	}
	if !n.Active {
		e.registry.Unschedule(id)
		e.log.Debug("fire aborted, note inactive", logx.String("note", id))
		return ExecutionResult{NoteID: id, Status: StatusSkipped, Reason: "inactive"}
	}

	log := e.log.With(logx.String("note", n.ID), logx.String("name", n.Name), logx.String("trigger", trigger))

	// Gate 1: condition. Evaluation errors fail closed.
	ok, condErr := e.cond.Evaluate(n.Condition, e.conditionContext(n))
	if !ok {
		reason := "condition false"
		if condErr != nil {
			reason = fmt.Sprintf("condition error: %v", condErr)
			log.Warn("condition evaluation failed", logx.Err(condErr))
		} else {
			log.Debug("condition not met, skipping")
		}
		return e.finishSkipped(ctx, n, trigger, actor, reason)
	}

	// Gate 2: dependencies. Unmet edges park the note instead of counting a
	// skip: the timer comes off and the sweep owns it from here.
	depRes := depcheck.Check(edgesOf(deps), e.depLookup(ctx))
	if !depRes.Satisfied {
		return e.parkWaiting(ctx, n, trigger, actor, depRes)
	}

	rendered := e.renderer.Render(n.ID, n.Template, e.renderContext(n))

	res = ExecutionResult{NoteID: n.ID, Status: StatusSuccess, Rendered: rendered}
	dres, err := e.deliver.Deliver(ctx, delivery.Request{
		WebhookIDs: n.WebhookIDs,
		Tags:       n.Tags,
		Text:       rendered,
		Metadata:   map[string]any{"noteId": n.ID, "noteName": n.Name},
	})
	res.Dispatched = dres.Dispatched
	res.Failed = dres.Failed
	switch {
	case err != nil:
		res.Status = StatusFailed
		res.Err = err.Error()
	case dres.Dispatched > 0 && dres.Failed == dres.Dispatched:
		res.Status = StatusFailed
		res.Err = fmt.Sprintf("all %d deliveries failed", dres.Dispatched)
	}

	e.finishExecuted(ctx, n, trigger, actor, res)

	if res.Status == StatusFailed {
		log.Error("note fire failed",
			logx.Int("dispatched", res.Dispatched), logx.Int("failed", res.Failed),
			logx.String("error", res.Err))
	} else {
		log.Info("note fired",
			logx.Int("dispatched", res.Dispatched), logx.Int("failed", res.Failed))
	}
	return res
}

// finishSkipped books a skipped execution. Skips still advance the
// execution count and the last-execution fields; only delivery is withheld.
func (e *Engine) finishSkipped(ctx context.Context, n *Note, trigger string, actor Actor, reason string) ExecutionResult {
	now := e.now()
	before := bookSnapshot(n)
	bk := Bookkeeping{
		ExecutionCount:      n.ExecutionCount + 1,
		LastExecutionTime:   &now,
		LastExecutionStatus: StatusSkipped,
		NextExecutionTime:   e.nextOf(n.ID),
	}
	e.persistBookkeeping(ctx, n.ID, bk)

	e.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionExecute,
		EntityType:    "note",
		EntityID:      n.ID,
		ActorUserID:   actor.UserID,
		ActorServerID: actor.ServerID,
		Status:        audit.StatusSkipped,
		Changes:       audit.Diff(before, bookSnapshotBK(bk)),
		Metadata:      map[string]any{"reason": reason, "trigger": trigger},
	})
	e.bus.Publish(eventbus.Event{Type: eventbus.NoteSkipped, Data: map[string]any{
		"noteId": n.ID, "name": n.Name, "reason": reason,
	}})
	return ExecutionResult{NoteID: n.ID, Status: StatusSkipped, Reason: reason}
}

// parkWaiting takes the note off its timer and flags it as waiting. No
// execution is counted; the attempt shows up only in the audit trail.
func (e *Engine) parkWaiting(ctx context.Context, n *Note, trigger string, actor Actor, res depcheck.Result) ExecutionResult {
	e.registry.Unschedule(n.ID)
	if err := e.store.SetWaiting(ctx, n.ID, true); err != nil {
		e.log.Error("park persist failed", logx.String("note", n.ID), logx.Err(err))
	}

	reasons := map[string]any{"trigger": trigger}
	var summary string
	for _, er := range res.Edges {
		if er.Satisfied {
			continue
		}
		reasons["dep:"+er.DependsOnID] = er.Reason
		if summary == "" {
			summary = er.Reason
		}
	}
	reasons["reason"] = "dependencies unmet"

	e.log.Info("note parked, dependencies unmet",
		logx.String("note", n.ID), logx.String("name", n.Name), logx.String("first", summary))
	e.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionExecute,
		EntityType:    "note",
		EntityID:      n.ID,
		ActorUserID:   actor.UserID,
		ActorServerID: actor.ServerID,
		Status:        audit.StatusSkipped,
		Metadata:      reasons,
	})
	e.bus.Publish(eventbus.Event{Type: eventbus.NoteWaiting, Data: map[string]any{
		"noteId": n.ID, "name": n.Name,
	}})
	return ExecutionResult{NoteID: n.ID, Status: StatusSkipped, Reason: "dependencies unmet"}
}

func (e *Engine) finishExecuted(ctx context.Context, n *Note, trigger string, actor Actor, res ExecutionResult) {
	now := e.now()
	before := bookSnapshot(n)
	bk := Bookkeeping{
		ExecutionCount:      n.ExecutionCount + 1,
		LastExecutionTime:   &now,
		LastExecutionStatus: res.Status,
		LastExecutionError:  res.Err,
		NextExecutionTime:   e.nextOf(n.ID),
	}
	e.persistBookkeeping(ctx, n.ID, bk)

	status := audit.StatusSuccess
	evType := eventbus.NoteFired
	if res.Status == StatusFailed {
		status = audit.StatusFailed
		evType = eventbus.NoteFailed
	}
	e.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionExecute,
		EntityType:    "note",
		EntityID:      n.ID,
		ActorUserID:   actor.UserID,
		ActorServerID: actor.ServerID,
		Status:        status,
		Changes:       audit.Diff(before, bookSnapshotBK(bk)),
		Metadata: map[string]any{
			"trigger":    trigger,
			"dispatched": res.Dispatched,
			"failed":     res.Failed,
		},
	})
	e.bus.Publish(eventbus.Event{Type: evType, Data: map[string]any{
		"noteId": n.ID, "name": n.Name,
		"dispatched": res.Dispatched, "failed": res.Failed,
	}})
}

func (e *Engine) persistBookkeeping(ctx context.Context, id string, bk Bookkeeping) {
	if err := e.store.UpdateBookkeeping(ctx, id, bk); err != nil {
		e.log.Error("bookkeeping persist failed", logx.String("note", id), logx.Err(err))
	}
}

func (e *Engine) nextOf(id string) *time.Time {
	if next, ok := e.registry.Next(id); ok {
		return &next
	}
	return nil
}

// conditionContext is what gating expressions see: the note's variables at
// top level plus engine-provided identifiers and the current calendar
// fields.
func (e *Engine) conditionContext(n *Note) map[string]any {
	now := e.now()
	ctx := make(map[string]any, len(n.Variables)+9)
	for k, v := range n.Variables {
		ctx[k] = v
	}
	ctx["tags"] = n.Tags
	ctx["executionCount"] = n.ExecutionCount
	ctx["lastExecutionStatus"] = string(n.LastExecutionStatus)
	ctx["hour"] = now.Hour()
	ctx["minute"] = now.Minute()
	ctx["dayOfWeek"] = int(now.Weekday())
	ctx["date"] = now.Day()
	ctx["month"] = int(now.Month())
	ctx["year"] = now.Year()
	return ctx
}

// renderContext is the template variable bag: user variables plus execution
// metadata. executionCount is the value the fire in progress will record.
func (e *Engine) renderContext(n *Note) map[string]any {
	vars := make(map[string]any, len(n.Variables)+3)
	for k, v := range n.Variables {
		vars[k] = v
	}
	vars["executionCount"] = strconv.FormatInt(n.ExecutionCount+1, 10)
	vars["now"] = e.now().UTC().Format(time.RFC3339)
	if n.LastExecutionTime != nil {
		vars["lastExecution"] = n.LastExecutionTime.UTC().Format(time.RFC3339)
	} else {
		vars["lastExecution"] = "never"
	}
	return vars
}

func bookSnapshot(n *Note) map[string]any {
	return map[string]any{
		"executionCount":      n.ExecutionCount,
		"lastExecutionStatus": string(n.LastExecutionStatus),
		"lastExecutionError":  n.LastExecutionError,
		"waitingForDeps":      n.WaitingForDeps,
	}
}

func bookSnapshotBK(bk Bookkeeping) map[string]any {
	return map[string]any{
		"executionCount":      bk.ExecutionCount,
		"lastExecutionStatus": string(bk.LastExecutionStatus),
		"lastExecutionError":  bk.LastExecutionError,
		"waitingForDeps":      bk.WaitingForDeps,
	}
}
