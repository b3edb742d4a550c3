package storage

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS room_documents (
	room_id    TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
)`

func init() {
	Register(func(ctx context.Context, dsn *url.URL, _ string) (DocumentStore, error) {
		return OpenSQLiteStore(ctx, pathOf(dsn))
	}, "sqlite", "sqlite3")
}

// SQLiteStore keeps documents in a local sqlite file. Expiry is stored as unix
// nanoseconds, zero for none.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the database file at path and creates the table.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, xerrors.New("sqlite store needs a file path")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, xerrors.Errorf("failed to open sqlite %s: %v", path, err)
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to create schema: %v", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements DocumentStore.
func (s *SQLiteStore) Get(ctx context.Context, roomID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM room_documents WHERE room_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		roomID, time.Now().UnixNano(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to select %s: %v", roomID, err)
	}
	return data, nil
}

// Put implements DocumentStore.
func (s *SQLiteStore) Put(ctx context.Context, roomID string, data []byte, expiresAt time.Time) error {
	var expires int64
	if !expiresAt.IsZero() {
		expires = expiresAt.UnixNano()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_documents (room_id, data, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(room_id) DO UPDATE
		 SET data = excluded.data, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		roomID, data, expires, time.Now().UnixNano(),
	)
	if err != nil {
		return xerrors.Errorf("failed to upsert %s: %v", roomID, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (s *SQLiteStore) Delete(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_documents WHERE room_id = ?`, roomID); err != nil {
		return xerrors.Errorf("failed to delete %s: %v", roomID, err)
	}
	return nil
}

// Close implements DocumentStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
