// Package journal persists reported application failures to SQLite so
// operators can inspect them after the process is gone. The journal
// participates in the failure pipeline as an observing reporter: it
// records every failure but never claims to have handled one.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/embarklabs/embark/pkg/apperr"
	"github.com/embarklabs/embark/pkg/failure"
	"github.com/embarklabs/embark/pkg/logger"
)

// Store persists failure records to SQLite
type Store struct {
	db            *sql.DB
	path          string
	mu            sync.RWMutex
	retentionDays int
	cron          *cron.Cron
	log           *logger.Logger
}

// StoreConfig configures the failure journal
type StoreConfig struct {
	Path            string // Path to SQLite database file
	RetentionDays   int    // Days to keep records (0 = default 30)
	CleanupSchedule string // Cron schedule for retention pruning (empty = disabled)
}

// DefaultStoreConfig returns default configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Path:            "/var/lib/embark/failures.db",
		RetentionDays:   30,
		CleanupSchedule: "13 3 * * *",
	}
}

// NewStore creates a failure journal, running migrations and starting
// the retention schedule when one is configured
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultStoreConfig().Path
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	store := &Store{
		db:            db,
		path:          cfg.Path,
		retentionDays: cfg.RetentionDays,
		log:           logger.Global().WithComponent("journal"),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}

	if cfg.CleanupSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.CleanupSchedule, store.pruneExpired); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid cleanup schedule: %w", err)
		}
		c.Start()
		store.cron = c
	}

	return store, nil
}

// migrate creates or updates the database schema
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS failures (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			message     TEXT NOT NULL,
			chain       TEXT NOT NULL,
			exit_code   INTEGER NOT NULL DEFAULT 0,
			stack       TEXT,
			recorded_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_failures_kind ON failures(kind);
		CREATE INDEX IF NOT EXISTS idx_failures_recorded_at ON failures(recorded_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Record is one journaled failure
type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Chain      []string  `json:"chain"`
	ExitCode   int       `json:"exit_code"`
	Stack      string    `json:"stack,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Append writes a failure record
func (s *Store) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return fmt.Errorf("failed to serialize chain: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failures (id, kind, message, chain, exit_code, stack, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Kind,
		rec.Message,
		string(chainJSON),
		rec.ExitCode,
		rec.Stack,
		rec.RecordedAt,
	)

	return err
}

// Recent returns the most recent failure records, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, message, chain, exit_code, stack, recorded_at
		FROM failures ORDER BY recorded_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var chainJSON string
		var stack sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Message, &chainJSON, &rec.ExitCode, &stack, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		if err := json.Unmarshal([]byte(chainJSON), &rec.Chain); err != nil {
			return nil, fmt.Errorf("failed to decode chain: %w", err)
		}
		rec.Stack = stack.String
		records = append(records, rec)
	}

	return records, rows.Err()
}

// CountByKind returns how many journaled failures exist per kind
func (s *Store) CountByKind(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM failures GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[kind] = count
	}

	return counts, rows.Err()
}

// pruneExpired removes records older than the retention period
func (s *Store) pruneExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec(`DELETE FROM failures WHERE recorded_at < ?`, cutoff)
	if err != nil {
		s.log.Warn("journal retention prune failed", "error", err.Error())
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.log.Info("journal retention pruned", "removed", n)
	}
}

// Prune forces an immediate retention prune
func (s *Store) Prune() {
	s.pruneExpired()
}

// Close stops the retention schedule and closes the database
func (s *Store) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	return s.db.Close()
}

// Reporter builds a journal-backed failure reporter. It records the
// failure and returns false so user-facing reporting continues.
func (s *Store) Reporter() failure.Reporter {
	return failure.ReporterFunc(func(err error) bool {
		rec := Record{
			ID:         uuid.NewString(),
			Kind:       string(apperr.KindRuntime),
			Message:    err.Error(),
			Chain:      chainMessages(err),
			ExitCode:   failure.ResolveExitCode(err),
			RecordedAt: time.Now().UTC(),
		}
		if e, ok := err.(*apperr.Error); ok {
			rec.ID = e.ID
			rec.Kind = string(e.Kind)
			rec.Stack = e.FormatStack()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if appendErr := s.Append(ctx, rec); appendErr != nil {
			s.log.Warn("failed to journal failure", "error", appendErr.Error())
		}
		return false
	})
}

// chainMessages collects the textual cause chain, bounded against
// cyclic chains
func chainMessages(err error) []string {
	var chain []string
	seen := make(map[error]struct{})
	for depth := 0; err != nil && depth < 64; depth++ {
		if t := reflect.TypeOf(err); t == nil || t.Comparable() {
			if _, ok := seen[err]; ok {
				break
			}
			seen[err] = struct{}{}
		}
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
