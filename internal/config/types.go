package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Bird      BirdConfig      `json:"bird"`
	Template  TemplateConfig  `json:"template"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Cleanup   *CleanupConfig  `json:"cleanup,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may issue send-capable commands. Empty means nobody can
	// send (safe default for a bot that relays to paying API quota).
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BirdConfig holds Bird.com API credentials and endpoint settings.
type BirdConfig struct {
	AccessKey   string `json:"access_key"`
	WorkspaceID string `json:"workspace_id"`
	ChannelID   string `json:"channel_id"`
	BaseURL     string `json:"base_url,omitempty"`
	// Timeout is a Go duration string for one API call.
	Timeout string `json:"timeout,omitempty"`
}

// TemplateConfig identifies the pre-approved WhatsApp template every relayed
// message is rendered from.
type TemplateConfig struct {
	ID     string `json:"id"`
	Locale string `json:"locale,omitempty"` // default "en"
}

// RateLimitConfig caps outbound throughput. Both ceilings are enforced
// simultaneously. Zero values take the defaults (10/s, 100/min); negative
// values are rejected at validation.
type RateLimitConfig struct {
	PerSecond int `json:"per_second,omitempty"`
	PerMinute int `json:"per_minute,omitempty"`
}

const (
	DefaultPerSecond = 10
	DefaultPerMinute = 100
)

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// CleanupConfig controls send-history retention.
type CleanupConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`  // cron spec, default "0 3 * * *"
	Retention string `json:"retention,omitempty"` // Go duration string, default "720h"
}

func (c *Config) applyDefaults() {
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = DefaultPerSecond
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = DefaultPerMinute
	}
	if c.Template.Locale == "" {
		c.Template.Locale = "en"
	}
}
