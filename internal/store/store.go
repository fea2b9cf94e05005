// Package store provides durable storage for operator-declared expected slot state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/flotilla/internal/models"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed expected-state store.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL so readers do not block the single writer
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS expected_slots (
		slot_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		binary_spec TEXT NOT NULL,
		config_spec TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetExpectedState returns the expected state of one slot, or nil if none is recorded.
func (s *Store) GetExpectedState(ctx context.Context, slotID string) (*models.ExpectedSlotStatus, error) {
	expected := &models.ExpectedSlotStatus{}
	err := s.db.QueryRowContext(ctx,
		`SELECT slot_id, state, binary_spec, config_spec FROM expected_slots WHERE slot_id = ?`,
		slotID,
	).Scan(&expected.SlotID, &expected.State, &expected.Assignment.Binary, &expected.Assignment.Config)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query expected state: %w", err)
	}
	return expected, nil
}

// GetAllExpectedStates returns every recorded expected state ordered by slot id.
func (s *Store) GetAllExpectedStates(ctx context.Context) ([]models.ExpectedSlotStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot_id, state, binary_spec, config_spec FROM expected_slots ORDER BY slot_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query expected states: %w", err)
	}
	defer rows.Close()

	var states []models.ExpectedSlotStatus
	for rows.Next() {
		var e models.ExpectedSlotStatus
		if err := rows.Scan(&e.SlotID, &e.State, &e.Assignment.Binary, &e.Assignment.Config); err != nil {
			return nil, fmt.Errorf("scan expected state: %w", err)
		}
		states = append(states, e)
	}
	return states, rows.Err()
}

// SetExpectedStates upserts all states in a single transaction.
func (s *Store) SetExpectedStates(ctx context.Context, states []models.ExpectedSlotStatus) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range states {
		if strings.TrimSpace(e.SlotID) == "" {
			return fmt.Errorf("expected state has no slot id")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO expected_slots (slot_id, state, binary_spec, config_spec, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(slot_id) DO UPDATE SET state = excluded.state, binary_spec = excluded.binary_spec,
			 config_spec = excluded.config_spec, updated_at = excluded.updated_at`,
			e.SlotID, e.State, e.Assignment.Binary, e.Assignment.Config, now,
		)
		if err != nil {
			return fmt.Errorf("upsert expected state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteExpectedStates removes the expected state of the given slots.
func (s *Store) DeleteExpectedStates(ctx context.Context, slotIDs []string) error {
	if len(slotIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range slotIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM expected_slots WHERE slot_id = ?`, id); err != nil {
			return fmt.Errorf("delete expected state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
