package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/monitoring"
)

const runStateColumns = `version, run_id, command, running, paused, pause_requested,
	rack_to_change, rack_replaced, current_source, updated_at_unix_nanos`

// RunStateStore is a coordinator.Store backed by the single run_state row.
// Writers serialise on SQLite's reserved lock, so several processes may
// share one database file.
type RunStateStore struct {
	db  *DB
	now func() time.Time
}

var _ coordinator.Store = (*RunStateStore)(nil)

func NewRunStateStore(db *DB) *RunStateStore {
	return &RunStateStore{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (coordinator.State, error) {
	var (
		s       coordinator.State
		updated int64
	)
	err := row.Scan(&s.Version, &s.RunID, &s.Command, &s.Running, &s.Paused, &s.PauseRequested,
		&s.RackToChange, &s.RackReplaced, &s.CurrentSource, &updated)
	if err != nil {
		return coordinator.State{}, err
	}
	if updated != 0 {
		s.UpdatedAt = time.Unix(0, updated).UTC()
	}
	return s, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadState(ctx context.Context, q queryer) (coordinator.State, error) {
	s, err := scanState(q.QueryRowContext(ctx, "SELECT "+runStateColumns+" FROM run_state WHERE id = 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return coordinator.DefaultState(), nil
	}
	if err != nil {
		return coordinator.State{}, fmt.Errorf("failed to load run state: %w", err)
	}
	return s, nil
}

// Load returns the last committed state.
func (s *RunStateStore) Load(ctx context.Context) (coordinator.State, error) {
	return loadState(ctx, s.db)
}

// Update applies fn inside an immediate transaction.
func (s *RunStateStore) Update(ctx context.Context, fn func(*coordinator.State) error) (coordinator.State, error) {
	return s.write(ctx, func(cur coordinator.State) (coordinator.State, bool, error) {
		next := cur
		if err := fn(&next); err != nil {
			return cur, false, err
		}
		return next, !coordinator.SameContent(next, cur), nil
	})
}

// Reset overwrites the row with the default state.
func (s *RunStateStore) Reset(ctx context.Context) (coordinator.State, error) {
	return s.write(ctx, func(coordinator.State) (coordinator.State, bool, error) {
		return coordinator.DefaultState(), true, nil
	})
}

func (s *RunStateStore) write(ctx context.Context, fn func(coordinator.State) (coordinator.State, bool, error)) (coordinator.State, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return coordinator.State{}, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	// database/sql's BeginTx issues a deferred BEGIN; take the write lock up
	// front so the read below cannot go stale.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return coordinator.State{}, fmt.Errorf("failed to lock run state: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
			monitoring.Logf("run state rollback failed: %v", err)
		}
	}()

	cur, err := loadState(ctx, conn)
	if err != nil {
		return coordinator.State{}, err
	}
	next, changed, err := fn(cur)
	if err != nil {
		return cur, err
	}
	if !changed {
		return cur, nil
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()
	_, err = conn.ExecContext(ctx, `INSERT INTO run_state (id, `+runStateColumns+`)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			run_id = excluded.run_id,
			command = excluded.command,
			running = excluded.running,
			paused = excluded.paused,
			pause_requested = excluded.pause_requested,
			rack_to_change = excluded.rack_to_change,
			rack_replaced = excluded.rack_replaced,
			current_source = excluded.current_source,
			updated_at_unix_nanos = excluded.updated_at_unix_nanos`,
		next.Version, next.RunID, next.Command, next.Running, next.Paused, next.PauseRequested,
		next.RackToChange, next.RackReplaced, next.CurrentSource, next.UpdatedAt.UnixNano())
	if err != nil {
		return cur, fmt.Errorf("failed to write run state: %w", err)
	}
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "COMMIT"); err != nil {
		return cur, fmt.Errorf("failed to commit run state: %w", err)
	}
	committed = true
	return next, nil
}
