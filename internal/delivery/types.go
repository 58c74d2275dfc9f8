// Package delivery dispatches rendered note content to webhook targets.
//
// It is the engine's "delivery channel": targeting is either an explicit
// webhook id list or tag-based fanout (explicit ids win when non-empty).
// Per-target failures are reported in the Result, never as an error; an
// error from Deliver means the channel itself could not operate.
package delivery

import (
	"context"
	"time"
)

type Config struct {
	Workers        int
	RatePerSec     int
	RetryMax       int
	RequestTimeout time.Duration
}

// Target is one webhook destination.
type Target struct {
	ID   string
	Name string
	URL  string
}

// Resolver turns a targeting request into concrete webhook targets.
// Implemented by the storage layer.
type Resolver interface {
	ResolveWebhooks(ctx context.Context, ids, tags []string) ([]Target, error)
}

// Request is one broadcast: content plus targeting.
type Request struct {
	WebhookIDs []string
	Tags       []string
	Text       string
	Metadata   map[string]any
}

// TargetResult is the outcome for a single webhook.
type TargetResult struct {
	TargetID string
	Success  bool
	Error    string
}

// Result summarizes one Deliver call. Dispatched counts targets attempted,
// including ones that failed.
type Result struct {
	Dispatched int
	Failed     int
	PerTarget  []TargetResult
}
