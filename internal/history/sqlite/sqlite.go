package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/kerneld/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a second connection to :memory: would see an empty database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daemon_history(
			timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			daemon_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			kernel_id TEXT NOT NULL,
			engine TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_daemon_history_daemon ON daemon_history(daemon_id);`,
		`CREATE INDEX IF NOT EXISTS idx_daemon_history_owner ON daemon_history(owner_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemon_history(timestamp, event, daemon_id, owner_id, chat_id, message_id, kernel_id, engine, state, reason, started_at, ended_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.DaemonID, rec.OwnerID, rec.ChatID, rec.MessageID,
		rec.KernelID, rec.Engine, rec.State, rec.Reason, rec.StartedAt.UTC(), history.NullableEnd(rec))
	return err
}

// CountByDaemon returns the number of events recorded for a daemon.
func (s *Sink) CountByDaemon(ctx context.Context, daemonID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daemon_history WHERE daemon_id = ?`, daemonID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
