// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: One row per message per recipient worker, plus a table of shared attachments

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so received_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the inbox database at path.
// Parent directories are created if needed; ":memory:" is accepted.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite inbox initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS inbox_entries (
			worker         TEXT NOT NULL,
			message_id     TEXT NOT NULL,
			message_json   TEXT NOT NULL,
			raw_text       TEXT NOT NULL,
			channel_id     TEXT NOT NULL,
			sender_user_id TEXT,
			is_read        INTEGER NOT NULL DEFAULT 0,
			received_at    TEXT NOT NULL,

			PRIMARY KEY (worker, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_inbox_worker_received
			ON inbox_entries(worker, received_at);

		CREATE TABLE IF NOT EXISTS shared_attachments (
			owner      TEXT NOT NULL,
			filename   TEXT NOT NULL,
			content    BLOB NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (owner, filename)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema. Idempotent.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "inbox_entries",
			column: "sender_ref",
			apply:  `ALTER TABLE inbox_entries ADD COLUMN sender_ref TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite inbox")
	return s.db.Close()
}

// Put inserts e, replacing any earlier copy of the same message.
func (s *SQLiteStore) Put(ctx context.Context, worker string, e *Entry) (string, error) {
	if !ValidName(worker) {
		return "", fmt.Errorf("%w: worker %q", ErrInvalidName, worker)
	}
	msg, err := json.Marshal(e.Message)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inbox_entries
			(worker, message_id, message_json, raw_text, channel_id, sender_user_id, sender_ref, is_read, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker, message_id) DO UPDATE SET
			message_json = excluded.message_json,
			raw_text = excluded.raw_text,
			channel_id = excluded.channel_id,
			sender_user_id = excluded.sender_user_id,
			sender_ref = excluded.sender_ref,
			is_read = MAX(inbox_entries.is_read, excluded.is_read),
			received_at = excluded.received_at
	`,
		worker,
		e.ID(),
		string(msg),
		e.RawText,
		e.ChannelID,
		nullString(e.SenderUserID),
		nullString(e.SenderRef),
		e.Read,
		e.ReceivedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("inserting entry: %w", err)
	}
	return fmt.Sprintf("sqlite:%s#%s/%s", s.path, worker, e.ID()), nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const entryColumns = `message_json, raw_text, channel_id, sender_user_id, sender_ref, is_read, received_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                 Entry
		msg, receivedAt   string
		senderID, sendRef sql.NullString
	)
	if err := row.Scan(&msg, &e.RawText, &e.ChannelID, &senderID, &sendRef, &e.Read, &receivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(msg), &e.Message); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	e.SenderUserID = senderID.String
	e.SenderRef = sendRef.String
	e.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
	return &e, nil
}

// Get reads one entry.
func (s *SQLiteStore) Get(ctx context.Context, worker, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM inbox_entries WHERE worker = ? AND message_id = ?`, worker, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	return e, nil
}

// List returns worker's entries, oldest first.
func (s *SQLiteStore) List(ctx context.Context, worker string, unreadOnly bool) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM inbox_entries WHERE worker = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY received_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, worker)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable entry", "worker", worker, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkRead flips the entry's read flag.
func (s *SQLiteStore) MarkRead(ctx context.Context, worker, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE inbox_entries SET is_read = 1 WHERE worker = ? AND message_id = ?`, worker, id)
	if err != nil {
		return fmt.Errorf("marking entry read: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one entry.
func (s *SQLiteStore) Delete(ctx context.Context, worker, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM inbox_entries WHERE worker = ? AND message_id = ?`, worker, id)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every entry for worker.
func (s *SQLiteStore) Clear(ctx context.Context, worker string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbox_entries WHERE worker = ?`, worker)
	if err != nil {
		return 0, fmt.Errorf("clearing mailbox: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// PutAttachment stores content keyed by (owner, filename).
func (s *SQLiteStore) PutAttachment(ctx context.Context, owner, filename string, content []byte) (string, error) {
	if !ValidName(owner) {
		return "", fmt.Errorf("%w: owner %q", ErrInvalidName, owner)
	}
	if !ValidName(filename) {
		return "", fmt.Errorf("%w: file %q", ErrInvalidName, filename)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO shared_attachments (owner, filename, content, created_at)
		VALUES (?, ?, ?, ?)
	`, owner, filename, content, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("inserting attachment: %w", err)
	}
	return fmt.Sprintf("sqlite:%s#%s/%s/%s", s.path, sharedDirName, owner, filename), nil
}

// Attachment reads back a stored attachment.
func (s *SQLiteStore) Attachment(ctx context.Context, owner, filename string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM shared_attachments WHERE owner = ? AND filename = ?`, owner, filename).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	return content, nil
}
