// ABOUTME: SQLite store using modernc.org/sqlite with a single serialized writer
// ABOUTME: Handles opening, schema creation, migrations and shutdown of the database handle

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultQueueSize = 256

// SQLiteStore persists conversations, messages, tickets and agent attributes. Reads go straight to the
// database; every mutation is funneled through one writer goroutine in submission order.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	queue      chan *writeOp
	writerDone chan struct{}

	// closeMu guards draining; submitters hold the read side while enqueuing.
	closeMu   sync.RWMutex
	draining  bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// WithQueueSize bounds the number of writes waiting for the writer.
func WithQueueSize(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.queue = make(chan *writeOp, n)
		}
	}
}

// NewSQLiteStore opens (or creates) the database at path and starts the writer.
// The schema is created if it doesn't exist and parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:         db,
		logger:     slog.Default().With("component", "store"),
		queue:      make(chan *writeOp, defaultQueueSize),
		writerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	go s.runWriter()

	s.logger.Info("SQLite store initialized", "path", path, "queue_size", cap(s.queue))
	return s, nil
}

// dsn builds a modernc DSN carrying per-connection pragmas, so every pooled
// connection gets WAL, a busy timeout and foreign keys.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id      TEXT NOT NULL,
			chat_id         TEXT NOT NULL,
			chat_name       TEXT,
			last_message_at TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			UNIQUE (account_id, chat_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_last_message
			ON conversations(last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id  TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			direction   TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'received',
			timestamp   TEXT NOT NULL,

			UNIQUE (account_id, chat_id, message_id),
			CHECK (direction IN ('incoming', 'outgoing')),
			CHECK (status IN ('received', 'sent', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp
			ON messages(account_id, chat_id, timestamp);

		CREATE TABLE IF NOT EXISTS tickets (
			id          TEXT PRIMARY KEY,
			account_id  TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			subject     TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority    TEXT NOT NULL DEFAULT 'medium',
			status      TEXT NOT NULL DEFAULT 'open',
			source      TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
			CHECK (status IN ('open', 'in_progress', 'resolved', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_chat_status
			ON tickets(account_id, chat_id, status);

		CREATE TABLE IF NOT EXISTS ticket_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_id  TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
			field      TEXT NOT NULL,
			old_value  TEXT NOT NULL DEFAULT '',
			new_value  TEXT NOT NULL DEFAULT '',
			changed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ticket_history_ticket
			ON ticket_history(ticket_id);

		CREATE TABLE IF NOT EXISTS agent_attributes (
			account_id         TEXT PRIMARY KEY,
			persona            TEXT,
			knowledge          TEXT,
			schedule           TEXT,
			integration        TEXT,
			ticketing_settings TEXT,
			updated_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_created
			ON tickets(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"conversations", "customer_first_name", `ALTER TABLE conversations ADD COLUMN customer_first_name TEXT`},
		{"conversations", "customer_last_name", `ALTER TABLE conversations ADD COLUMN customer_last_name TEXT`},
		{"conversations", "customer_username", `ALTER TABLE conversations ADD COLUMN customer_username TEXT`},
		{"conversations", "customer_phone", `ALTER TABLE conversations ADD COLUMN customer_phone TEXT`},
		{"conversations", "customer_user_id", `ALTER TABLE conversations ADD COLUMN customer_user_id TEXT`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains pending writes and then closes the database connection.
// It is safe to call multiple times.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		if err := s.Drain(context.Background()); err != nil {
			s.closeErr = err
			return
		}
		s.logger.Info("closing SQLite store")
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullString returns nil for empty strings so optional columns stay NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
