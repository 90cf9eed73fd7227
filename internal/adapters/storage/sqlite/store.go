// Package sqlite persists threads and settings in a SQLite database using
// the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

// Tables are suffixed with the schema version. A new version starts empty.
const schema = `
CREATE TABLE IF NOT EXISTS threads_v2 (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	mode         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages_v2 (
	thread_id  TEXT NOT NULL REFERENCES threads_v2(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	id         TEXT NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	att_name   TEXT,
	att_mime   TEXT,
	att_data   BLOB,
	PRIMARY KEY (thread_id, position)
);
CREATE TABLE IF NOT EXISTS settings_v2 (
	key            TEXT PRIMARY KEY,
	credential     TEXT NOT NULL,
	locale         TEXT NOT NULL,
	mode           TEXT NOT NULL,
	search_enabled INTEGER NOT NULL
);
`

const settingsKey = "default"

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

// LoadThreads reads every thread with its messages in order. Threads whose
// rows cannot be decoded are deleted and skipped.
func (s *Store) LoadThreads(ctx context.Context) ([]*domain.Thread, error) {
	log := observability.LoggerFromContext(ctx)

	rows, err := s.db.QueryContext(ctx, `SELECT id, title, mode, created_at, last_updated FROM threads_v2`)
	if err != nil {
		return nil, fmt.Errorf("sqlite LoadThreads: %w", err)
	}

	var (
		threads []*domain.Thread
		corrupt []string
	)
	byID := make(map[domain.ThreadID]*domain.Thread)
	for rows.Next() {
		var id, title, mode, created, updated string
		if err := rows.Scan(&id, &title, &mode, &created, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite LoadThreads scan: %w", err)
		}

		th := &domain.Thread{ID: domain.ThreadID(id), Title: title, Mode: domain.InteractionMode(mode)}
		var errC, errU error
		th.CreatedAt, errC = parseTime(created)
		th.LastUpdated, errU = parseTime(updated)
		if err := errors.Join(errC, errU); err != nil {
			log.Warn("dropping unreadable thread record", "thread_id", id, "error", err)
			corrupt = append(corrupt, id)
			continue
		}

		threads = append(threads, th)
		byID[th.ID] = th
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite LoadThreads: %w", err)
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, id, role, text, timestamp, att_name, att_mime, att_data
		FROM messages_v2 ORDER BY thread_id, position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite LoadThreads messages: %w", err)
	}

	broken := make(map[domain.ThreadID]bool)
	for msgRows.Next() {
		var (
			threadID, id, role, text, ts string
			attName, attMime            sql.NullString
			attData                     []byte
		)
		if err := msgRows.Scan(&threadID, &id, &role, &text, &ts, &attName, &attMime, &attData); err != nil {
			msgRows.Close()
			return nil, fmt.Errorf("sqlite LoadThreads scan message: %w", err)
		}

		th, ok := byID[domain.ThreadID(threadID)]
		if !ok {
			continue
		}

		at, err := parseTime(ts)
		if err != nil {
			log.Warn("dropping thread with unreadable message", "thread_id", threadID, "message_id", id, "error", err)
			broken[th.ID] = true
			continue
		}

		msg := &domain.Message{
			ID:        domain.MessageID(id),
			ThreadID:  th.ID,
			Role:      domain.Role(role),
			Text:      text,
			Timestamp: at,
		}
		if attMime.Valid {
			msg.Attachment = &domain.Attachment{Name: attName.String, MIMEType: attMime.String, Data: attData}
		}
		th.Messages = append(th.Messages, msg)
	}
	msgRows.Close()
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite LoadThreads messages: %w", err)
	}

	out := threads[:0]
	for _, th := range threads {
		if broken[th.ID] {
			corrupt = append(corrupt, string(th.ID))
			continue
		}
		out = append(out, th)
	}

	for _, id := range corrupt {
		if err := s.DeleteThread(ctx, domain.ThreadID(id)); err != nil {
			return nil, fmt.Errorf("sqlite LoadThreads cleanup: %w", err)
		}
	}

	return out, nil
}

// SaveThread replaces the stored thread and its messages in one transaction.
func (s *Store) SaveThread(ctx context.Context, thread *domain.Thread) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite SaveThread: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads_v2 (id, title, mode, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			mode = excluded.mode,
			created_at = excluded.created_at,
			last_updated = excluded.last_updated`,
		string(thread.ID), thread.Title, string(thread.Mode),
		formatTime(thread.CreatedAt), formatTime(thread.LastUpdated))
	if err != nil {
		return fmt.Errorf("sqlite SaveThread: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages_v2 WHERE thread_id = ?`, string(thread.ID)); err != nil {
		return fmt.Errorf("sqlite SaveThread clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages_v2 (thread_id, position, id, role, text, timestamp, att_name, att_mime, att_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite SaveThread prepare: %w", err)
	}
	defer stmt.Close()

	for i, m := range thread.Messages {
		var (
			attName, attMime sql.NullString
			attData          []byte
		)
		if m.Attachment != nil {
			attName = sql.NullString{String: m.Attachment.Name, Valid: true}
			attMime = sql.NullString{String: m.Attachment.MIMEType, Valid: true}
			attData = m.Attachment.Data
		}

		_, err = stmt.ExecContext(ctx, string(thread.ID), i, string(m.ID), string(m.Role), m.Text,
			formatTime(m.Timestamp), attName, attMime, attData)
		if err != nil {
			return fmt.Errorf("sqlite SaveThread message %s: %w", m.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite SaveThread commit: %w", err)
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, id domain.ThreadID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages_v2 WHERE thread_id = ?`, string(id)); err != nil {
		return fmt.Errorf("sqlite DeleteThread messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads_v2 WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("sqlite DeleteThread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite DeleteThread: %w", err)
	}
	if n == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (s *Store) LoadSettings(ctx context.Context) (*domain.Settings, error) {
	var (
		settings domain.Settings
		mode     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT credential, locale, mode, search_enabled FROM settings_v2 WHERE key = ?`, settingsKey,
	).Scan(&settings.Credential, &settings.Locale, &mode, &settings.SearchEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite LoadSettings: %w", err)
	}
	settings.Mode = domain.InteractionMode(mode)
	return &settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings *domain.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings_v2 (key, credential, locale, mode, search_enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			credential = excluded.credential,
			locale = excluded.locale,
			mode = excluded.mode,
			search_enabled = excluded.search_enabled`,
		settingsKey, settings.Credential, settings.Locale, string(settings.Mode), settings.SearchEnabled)
	if err != nil {
		return fmt.Errorf("sqlite SaveSettings: %w", err)
	}
	return nil
}
