// Package store is the SQLite-backed local cache: the stable device ID and
// the last good nearby snapshot per (campus, radius), so a restart can
// render immediately while fresh data loads.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in
	// connection string
	_ "github.com/mattn/go-sqlite3"

	"nearsync/pkg/interfaces"
	"nearsync/pkg/types"
)

// Store implements interfaces.NearbyStore over SQLite.
// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write
// contention; reads go straight to the pooled connection
type Store struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open creates or opens the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply cache migrations: %w", err)
	}

	s := &Store{
		db:           db,
		writeChannel: make(chan writeOperation, 16),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeChannel:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("cache store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-s.shutdown:
		return fmt.Errorf("cache store is shutting down")
	case <-time.After(10 * time.Second):
		return fmt.Errorf("cache write timeout")
	}
}

// DeviceID returns the stable per-install device identifier, generating and
// persisting one on first call.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM device LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read device ID: %w", err)
	}

	id = uuid.New().String()
	err = s.executeWrite(func(db *sql.DB) error {
		// TECHNICAL DISCOVERY: INSERT OR IGNORE makes two racing first
		// calls converge on a single persisted ID
		_, err := db.Exec(
			`INSERT OR IGNORE INTO device (id, created_at) VALUES (?, datetime('now'))`, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist device ID: %w", err)
	}

	// Re-read in case a concurrent writer won the race.
	if err := s.db.QueryRow(`SELECT id FROM device LIMIT 1`).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to re-read device ID: %w", err)
	}
	return id, nil
}

// SaveSnapshot persists the last good nearby list for a (campus, radius).
func (s *Store) SaveSnapshot(ctx context.Context, campusID string, radiusM int, items []types.NearbyUser) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO nearby_cache (campus_id, radius_m, payload, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(campus_id, radius_m) DO UPDATE SET
				payload = excluded.payload,
				updated_at = excluded.updated_at`,
			campusID, radiusM, string(payload), time.Now().UTC())
		return err
	})
}

// LoadSnapshot returns the cached list and its save time.
func (s *Store) LoadSnapshot(ctx context.Context, campusID string, radiusM int) ([]types.NearbyUser, time.Time, error) {
	var payload string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM nearby_cache
		WHERE campus_id = ? AND radius_m = ?`,
		campusID, radiusM).Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, interfaces.ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var items []types.NearbyUser
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}
	return items, updatedAt, nil
}

// Close shuts down the writer and releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}
