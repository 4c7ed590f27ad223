// Package storage is the optional persistence layer: per-chat default
// template variables and the outbound send history.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"relaybot/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and Open returns
// (nil, nil); callers fall back to in-memory state.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// SendRecord is one dispatched message outcome. Keep it compact and
// schema-stable.
type SendRecord struct {
	At        time.Time
	ChatID    int64 // operator chat that triggered the send
	Recipient string
	Status    string
	MessageID string
	Error     string
}

// Store is the minimal persistence API used by the router and cleanup.
type Store interface {
	GetVars(ctx context.Context, chatID int64) (vars []string, ok bool, err error)
	PutVars(ctx context.Context, chatID int64, vars []string) error

	AppendSend(ctx context.Context, rec SendRecord) error
	PruneSends(ctx context.Context, before time.Time) (removed int64, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
