// Package store persists the merged indicator configuration and a
// redacted audit trail of processed commands in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxlight/indicatord/internal/indicator"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// LoadConfig returns the persisted configuration, or the default
// configuration when none has been saved yet.
func (s *Store) LoadConfig(ctx context.Context) (indicator.Config, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM indicator_config WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return indicator.Default(), nil
	}
	if err != nil {
		return indicator.Config{}, fmt.Errorf("load config: %w", err)
	}
	var cfg indicator.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return indicator.Config{}, fmt.Errorf("decode persisted config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return indicator.Config{}, fmt.Errorf("persisted config invalid: %w", err)
	}
	return cfg, nil
}

// SaveConfig upserts the single configuration row.
func (s *Store) SaveConfig(ctx context.Context, cfg indicator.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO indicator_config(id, payload, updated_at)
VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload=excluded.payload,
	updated_at=excluded.updated_at
`, string(payload), ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// AuditEntry is one processed command, recorded after its response was
// produced. Payload must already be redacted by the caller.
type AuditEntry struct {
	EventID       string
	CorrelationID string
	Kind          string
	Status        string
	Code          string
	Payload       string
	CreatedAt     time.Time
}

func (s *Store) RecordCommand(ctx context.Context, entry AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_audit(event_id, correlation_id, kind, status, code, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, entry.EventID, entry.CorrelationID, entry.Kind, entry.Status, entry.Code, entry.Payload, ts(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// ListAudit returns audit rows newest first, up to limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, correlation_id, kind, status, code, payload, created_at
FROM command_audit ORDER BY created_at DESC, event_id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created string
		if err := rows.Scan(&e.EventID, &e.CorrelationID, &e.Kind, &e.Status, &e.Code, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeAudit removes audit rows older than cutoff.
func (s *Store) PurgeAudit(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM command_audit WHERE created_at < ?`, ts(cutoff))
	if err != nil {
		return fmt.Errorf("purge audit: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Binding adapts the store to the dispatcher's context-free Store
// interface using the engine's root context.
type Binding struct {
	Ctx   context.Context
	Store *Store
}

func (b Binding) Load() (indicator.Config, error) {
	return b.Store.LoadConfig(b.Ctx)
}

func (b Binding) Save(cfg indicator.Config) error {
	return b.Store.SaveConfig(b.Ctx, cfg)
}
