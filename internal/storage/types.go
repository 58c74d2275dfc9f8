package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNameConflict = errors.New("name already in use")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Webhook is a managed delivery target. Tags select it for tag-based
// fanout.
type Webhook struct {
	ID        string
	Name      string
	URL       string
	Tags      []string
	CreatedAt time.Time
}
