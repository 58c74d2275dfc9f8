// Package notes is the execution engine for scheduled notes.
//
// The engine composes the parts: the registry fires timers, the condition
// evaluator and dependency checker gate each fire, the template renderer
// expands content, and the delivery channel fans the result out to webhook
// targets. Every fire updates the note's execution bookkeeping and leaves an
// audit entry.
//
// A note whose dependencies are unmet is parked: its timer is removed and
// WaitingForDeps is set. A background sweep re-checks parked notes and
// re-schedules them once their dependencies are satisfied.
package notes
