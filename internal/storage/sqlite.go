package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetVars(ctx context.Context, chatID int64) ([]string, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT vars FROM template_vars WHERE chat_id = ?`, chatID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var vars []string
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, false, fmt.Errorf("decode stored vars: %w", err)
	}
	return vars, true, nil
}

func (s *sqliteStore) PutVars(ctx context.Context, chatID int64, vars []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO template_vars(chat_id, vars, updated_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET vars=excluded.vars, updated_at=excluded.updated_at`,
		chatID, string(raw), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AppendSend(ctx context.Context, rec SendRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sends(at, chat_id, recipient, status, message_id, err)
		 VALUES(?,?,?,?,?,?)`,
		rec.At.UnixMilli(), rec.ChatID, rec.Recipient, rec.Status,
		nullStr(rec.MessageID), nullStr(rec.Error),
	)
	return err
}

func (s *sqliteStore) PruneSends(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sends WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
