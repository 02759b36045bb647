// Package database implements the durable archive behind the matching
// engine: terminated conversation records and the lifecycle event log, on
// SQLite. All writes funnel through a single goroutine since SQLite allows
// one writer; reads go straight to the pooled connection.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatmatch/internal/config"
	"chatmatch/pkg/interfaces"
	"chatmatch/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_archives (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	persona_id TEXT,
	exchanges  INTEGER NOT NULL,
	ignored    INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP NOT NULL,
	history    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_user ON session_archives(user_id);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	user_id    TEXT,
	session_id TEXT,
	detail     TEXT,
	timestamp  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, timestamp);
`

// Archiver implements interfaces.Archiver on SQLite.
type Archiver struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewArchiver opens (or creates) the archive database at cfg.Path and starts
// the write loop.
func NewArchiver(cfg *config.DatabaseConfig) (*Archiver, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure archive database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	a := &Archiver{
		db:           db,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writeLoop()

	return a, nil
}

// writeLoop processes all writes in a single goroutine. A failed write is
// retried once after a short pause.
func (a *Archiver) writeLoop() {
	defer a.wg.Done()

	for {
		select {
		case op := <-a.writeChannel:
			err := op.operation(a.db)
			if err != nil {
				log.Printf("Archive write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(a.db)
				if err != nil {
					log.Printf("Archive write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-a.shutdown:
			log.Println("Archive write loop shutting down")
			return
		}
	}
}

func (a *Archiver) executeWrite(operation func(*sql.DB) error) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return fmt.Errorf("archiver is closed")
	}
	a.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case a.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("archive write timeout")
	case <-a.shutdown:
		return fmt.Errorf("archiver is shutting down")
	}
}

// ArchiveSession persists the record of a terminated conversation session.
// Re-archiving the same session id overwrites the previous record.
func (a *Archiver) ArchiveSession(ctx context.Context, record *types.SessionArchive) error {
	return a.executeWrite(func(db *sql.DB) error {
		historyJSON, err := json.Marshal(record.History)
		if err != nil {
			return fmt.Errorf("failed to marshal session history: %w", err)
		}

		query := `
			INSERT OR REPLACE INTO session_archives
				(session_id, user_id, persona_id, exchanges, ignored, reason, started_at, ended_at, history)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = db.ExecContext(ctx, query,
			record.SessionID,
			record.UserID,
			record.PersonaID,
			record.Exchanges,
			record.Ignored,
			string(record.Reason),
			record.StartedAt,
			record.EndedAt,
			string(historyJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session archive: %w", err)
		}
		return nil
	})
}

// AppendEvent persists one lifecycle event and waits for the write to land.
func (a *Archiver) AppendEvent(ctx context.Context, event *types.Event) error {
	return a.executeWrite(insertEvent(ctx, event))
}

// SubmitEvent queues one lifecycle event without waiting for the result. The
// event log is a best-effort sink; when the write queue is full the event is
// dropped with a log line rather than stalling the caller behind a slow or
// failing database.
func (a *Archiver) SubmitEvent(event *types.Event) {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return
	}

	op := writeOperation{operation: insertEvent(context.Background(), event), result: make(chan error, 1)}
	select {
	case a.writeChannel <- op:
	default:
		log.Printf("Event log queue full, dropping event: kind=%s", event.Kind)
	}
}

func insertEvent(ctx context.Context, event *types.Event) func(*sql.DB) error {
	return func(db *sql.DB) error {
		var detailJSON []byte
		if event.Detail != nil {
			var err error
			detailJSON, err = json.Marshal(event.Detail)
			if err != nil {
				return fmt.Errorf("failed to marshal event detail: %w", err)
			}
		}

		query := `
			INSERT INTO events (id, kind, user_id, session_id, detail, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			event.ID,
			event.Kind,
			event.UserID,
			event.SessionID,
			string(detailJSON),
			event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	}
}

// GetArchive retrieves one archived session by id.
func (a *Archiver) GetArchive(ctx context.Context, sessionID string) (*types.SessionArchive, error) {
	query := `
		SELECT session_id, user_id, persona_id, exchanges, ignored, reason, started_at, ended_at, history
		FROM session_archives
		WHERE session_id = ?
	`
	row := a.db.QueryRowContext(ctx, query, sessionID)

	var record types.SessionArchive
	var reason string
	var historyJSON string

	err := row.Scan(
		&record.SessionID,
		&record.UserID,
		&record.PersonaID,
		&record.Exchanges,
		&record.Ignored,
		&reason,
		&record.StartedAt,
		&record.EndedAt,
		&historyJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session archive: %w", err)
	}

	record.Reason = types.TerminationReason(reason)
	if err := json.Unmarshal([]byte(historyJSON), &record.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session history: %w", err)
	}
	return &record, nil
}

// RecentEvents returns the newest events, newest first, up to limit.
func (a *Archiver) RecentEvents(ctx context.Context, limit int) ([]*types.Event, error) {
	query := `
		SELECT id, kind, user_id, session_id, detail, timestamp
		FROM events
		ORDER BY timestamp DESC
		LIMIT ?
	`
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		var event types.Event
		var userID, sessionID, detailJSON sql.NullString

		err := rows.Scan(&event.ID, &event.Kind, &userID, &sessionID, &detailJSON, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.UserID = userID.String
		event.SessionID = sessionID.String
		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &event.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event detail: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// HealthCheck validates connectivity and a basic read.
func (a *Archiver) HealthCheck(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("archive database ping failed: %w", err)
	}
	if _, err := a.db.QueryContext(ctx, "SELECT COUNT(*) FROM session_archives LIMIT 1"); err != nil {
		return fmt.Errorf("archive database read test failed: %w", err)
	}
	return nil
}

// Close drains the write loop and closes the database.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.shutdown)
	a.wg.Wait()

	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close archive database: %w", err)
	}
	return nil
}
