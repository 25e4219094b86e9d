// Package restore persists the last written state of every sampled sensor so it can be
// shown again after the service restarts.
package restore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jkaflik/hass-sampler/hass"
)

// StoredState is the last state written by a sensor.
type StoredState struct {
	State             string
	UnitOfMeasurement string
	DeviceClass       string
	LastUpdated       time.Time
}

// Restorable reports whether the stored state may seed a sensor. Unknown and unavailable
// states are never restored.
func (s *StoredState) Restorable() bool {
	return s != nil && s.State != hass.UnknownValue && s.State != hass.UnavailableValue
}

// Store reads and writes stored states keyed by entry ID.
type Store interface {
	Get(ctx context.Context, entryID string) (*StoredState, error)
	Save(ctx context.Context, entryID string, state StoredState) error
	Delete(ctx context.Context, entryID string) error
}

// SQLiteStore implements Store on the restore_state table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the stored state of an entry, or nil when nothing was stored yet.
func (s *SQLiteStore) Get(ctx context.Context, entryID string) (*StoredState, error) {
	const query = `SELECT state, unit_of_measurement, device_class, last_updated
		FROM restore_state WHERE entry_id = ?`

	var (
		st          StoredState
		lastUpdated string
	)
	err := s.db.QueryRowContext(ctx, query, entryID).
		Scan(&st.State, &st.UnitOfMeasurement, &st.DeviceClass, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying restore state of %s: %w", entryID, err)
	}

	if st.LastUpdated, err = time.Parse(time.RFC3339Nano, lastUpdated); err != nil {
		return nil, fmt.Errorf("parsing restore state timestamp of %s: %w", entryID, err)
	}
	return &st, nil
}

// Save replaces the stored state of an entry.
func (s *SQLiteStore) Save(ctx context.Context, entryID string, state StoredState) error {
	const query = `INSERT INTO restore_state (entry_id, state, unit_of_measurement, device_class, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			state = excluded.state,
			unit_of_measurement = excluded.unit_of_measurement,
			device_class = excluded.device_class,
			last_updated = excluded.last_updated`

	_, err := s.db.ExecContext(ctx, query, entryID, state.State, state.UnitOfMeasurement, state.DeviceClass,
		state.LastUpdated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving restore state of %s: %w", entryID, err)
	}
	return nil
}

// Delete removes the stored state of an entry. Deleting a missing entry is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM restore_state WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("deleting restore state of %s: %w", entryID, err)
	}
	return nil
}
