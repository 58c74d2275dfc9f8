package config

// Config is the root configuration for hookbot.
//
// Files may be JSON or YAML (by extension). Decoding is strict: unknown
// fields are rejected so typos fail fast instead of silently doing nothing.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Notes    NotesConfig    `json:"notes"`
	Delivery DeliveryConfig `json:"delivery"`
	Status   *StatusConfig  `json:"status,omitempty"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    LogFileConfig    `json:"file,omitempty"`
	Webhook LogWebhookConfig `json:"webhook,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogWebhookConfig mirrors logging to an ops webhook for warn+ visibility.
type LogWebhookConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "path": "./data/hookbot.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// NotesConfig controls the scheduled-note engine.
//
// All durations are Go duration strings (e.g. "30s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - sweep_interval: "60s"
//   - execute_timeout: "30s"
type NotesConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	SweepInterval  string `json:"sweep_interval,omitempty"`
	ExecuteTimeout string `json:"execute_timeout,omitempty"`
}

// DeliveryConfig controls the webhook delivery channel.
//
// Defaults: workers 4, rate_per_sec 5, retry_max 2, request_timeout "15s".
type DeliveryConfig struct {
	Workers        int    `json:"workers,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// StatusConfig controls the optional status HTTP server.
//
// Prefer binding to localhost; the endpoint is unauthenticated.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8990"
}
