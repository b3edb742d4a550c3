package storage

import (
	"context"
	"encoding/binary"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var documentsBucket = []byte("documents")

func init() {
	Register(func(_ context.Context, dsn *url.URL, _ string) (DocumentStore, error) {
		return OpenBoltStore(pathOf(dsn))
	}, "bolt", "bbolt")
}

// BoltStore keeps documents in a single bbolt file. Each value is prefixed
// with the expiry as big-endian unix nanoseconds, zero for none.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens, creating if needed, the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, xerrors.New("bolt store needs a file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create bolt directory: %v", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open bolt file %s: %v", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to create bucket: %v", err)
	}

	return &BoltStore{db: db}, nil
}

// Get implements DocumentStore.
func (b *BoltStore) Get(_ context.Context, roomID string) ([]byte, error) {
	var data []byte
	expired := false

	err := b.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(documentsBucket).Get([]byte(roomID))
		if len(value) < 8 {
			return ErrNotFound
		}

		if nanos := int64(binary.BigEndian.Uint64(value[:8])); nanos != 0 && time.Now().UnixNano() >= nanos {
			expired = true
			return ErrNotFound
		}
		// value is only valid inside the transaction
		data = append([]byte(nil), value[8:]...)
		return nil
	})

	if expired {
		_ = b.Delete(context.Background(), roomID)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put implements DocumentStore.
func (b *BoltStore) Put(_ context.Context, roomID string, data []byte, expiresAt time.Time) error {
	value := make([]byte, 8+len(data))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(value[:8], uint64(expiresAt.UnixNano()))
	}
	copy(value[8:], data)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(roomID), value)
	})
	if err != nil {
		return xerrors.Errorf("failed to put %s: %v", roomID, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (b *BoltStore) Delete(_ context.Context, roomID string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(documentsBucket).Delete([]byte(roomID))
	})
	if err != nil {
		return xerrors.Errorf("failed to delete %s: %v", roomID, err)
	}
	return nil
}

// Close implements DocumentStore.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
