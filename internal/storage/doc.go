// Package storage persists scheduled notes, their dependency edges, webhook
// targets and the append-only audit log in a single SQLite database.
//
// The store is the only component that touches SQL. It implements the
// consumer-side interfaces declared by the engine (notes.Store), the
// delivery channel (delivery.Resolver) and the audit recorder
// (audit.Writer).
package storage
