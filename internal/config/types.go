package config

// Config is the root configuration for the teampush engine.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
// The file may be JSON or YAML; unknown fields are rejected.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Alerts configures the optional Telegram ops-alert channel that WARN+
	// log records are mirrored to.
	Alerts *AlertsConfig `json:"alerts,omitempty"`

	// Feed is the realtime event stream the engine subscribes to.
	Feed FeedConfig `json:"feed"`

	// Directory is the membership/token lookup service.
	Directory DirectoryConfig `json:"directory"`

	// Gateway is the outbound push delivery gateway.
	Gateway GatewayConfig `json:"gateway"`

	Engine EngineConfig `json:"engine"`

	// Storage enables the optional seen-event ledger and dispatch audit.
	Storage *StorageConfig `json:"storage,omitempty"`

	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    FileLogConfig    `json:"file"`
	Alerts  AlertSinkConfig  `json:"alerts"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type AlertSinkConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type AlertsConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type FeedConfig struct {
	// URL is the websocket endpoint of the realtime store's event feed
	// (ws:// or wss://).
	URL string `json:"url"`

	AuthToken string `json:"auth_token,omitempty"`

	HandshakeTimeout string `json:"handshake_timeout,omitempty"` // default "10s"

	// Buffer is the capacity of the delivery channel between the feed and
	// the ingester.
	Buffer int `json:"buffer,omitempty"` // default 256
}

type DirectoryConfig struct {
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token,omitempty"`
	Timeout   string `json:"timeout,omitempty"` // default "5s"
}

type GatewayConfig struct {
	URL        string `json:"url"`
	AuthToken  string `json:"auth_token,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // default "10s"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// EngineConfig carries the engine's tuning constants.
//
// BatchWindow and StalenessWindow intentionally default to the observed
// production values (60s sliding batch window, 30s replay cutoff).
type EngineConfig struct {
	BatchWindow     string `json:"batch_window,omitempty"`     // default "60s"
	StalenessWindow string `json:"staleness_window,omitempty"` // default "30s"

	// DedupWindow bounds how long a seen event id suppresses redelivery.
	DedupWindow     string `json:"dedup_window,omitempty"` // default "24h"
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "file" | "sqlite" | "none"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 10m"
	Timezone string `json:"timezone,omitempty"`
}
