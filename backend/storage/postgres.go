package storage

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS room_documents (
	room_id    TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func init() {
	Register(func(ctx context.Context, _ *url.URL, raw string) (DocumentStore, error) {
		pool, err := pgxpool.New(ctx, raw)
		if err != nil {
			return nil, xerrors.Errorf("failed to create postgres pool: %v", err)
		}
		store, err := NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	}, "postgres", "postgresql")
}

// PostgresStore keeps documents in the room_documents table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the table when missing and returns the store.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, xerrors.Errorf("failed to create schema: %v", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Get implements DocumentStore.
func (p *PostgresStore) Get(ctx context.Context, roomID string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM room_documents
		 WHERE room_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		roomID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to select %s: %v", roomID, err)
	}
	return data, nil
}

// Put implements DocumentStore.
func (p *PostgresStore) Put(ctx context.Context, roomID string, data []byte, expiresAt time.Time) error {
	var expires *time.Time
	if !expiresAt.IsZero() {
		expires = &expiresAt
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO room_documents (room_id, data, expires_at, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (room_id) DO UPDATE
		 SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		roomID, data, expires,
	)
	if err != nil {
		return xerrors.Errorf("failed to upsert %s: %v", roomID, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (p *PostgresStore) Delete(ctx context.Context, roomID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM room_documents WHERE room_id = $1`, roomID); err != nil {
		return xerrors.Errorf("failed to delete %s: %v", roomID, err)
	}
	return nil
}

// Close implements DocumentStore.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
