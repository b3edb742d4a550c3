package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"golang.org/x/xerrors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func init() {
	Register(func(_ context.Context, _ *url.URL, raw string) (DocumentStore, error) {
		return OpenMySQLStore(strings.TrimPrefix(raw, "mysql://"))
	}, "mysql")
}

type roomDocument struct {
	RoomID    string     `gorm:"column:room_id;primaryKey;size:64"`
	Data      []byte     `gorm:"column:data;type:longblob;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (roomDocument) TableName() string {
	return "room_documents"
}

// MySQLStore keeps documents in the room_documents table through gorm.
type MySQLStore struct {
	db *gorm.DB
}

// OpenMySQLStore connects with a go-sql-driver DSN and migrates the table.
func OpenMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Errorf("invalid mysql dsn: %v", err)
	}
	// expires_at is scanned into time.Time
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := gorm.Open(mysql.Open(cfg.FormatDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to open mysql: %v", err)
	}
	if err := db.AutoMigrate(&roomDocument{}); err != nil {
		return nil, xerrors.Errorf("failed to migrate room_documents: %v", err)
	}
	return &MySQLStore{db: db}, nil
}

// Get implements DocumentStore.
func (m *MySQLStore) Get(ctx context.Context, roomID string) ([]byte, error) {
	var row roomDocument
	err := m.db.WithContext(ctx).
		Where("room_id = ? AND (expires_at IS NULL OR expires_at > ?)", roomID, time.Now().UTC()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to select %s: %v", roomID, err)
	}
	return row.Data, nil
}

// Put implements DocumentStore.
func (m *MySQLStore) Put(ctx context.Context, roomID string, data []byte, expiresAt time.Time) error {
	row := roomDocument{RoomID: roomID, Data: data, UpdatedAt: time.Now().UTC()}
	if !expiresAt.IsZero() {
		utc := expiresAt.UTC()
		row.ExpiresAt = &utc
	}

	err := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return xerrors.Errorf("failed to upsert %s: %v", roomID, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (m *MySQLStore) Delete(ctx context.Context, roomID string) error {
	if err := m.db.WithContext(ctx).Delete(&roomDocument{}, "room_id = ?", roomID).Error; err != nil {
		return xerrors.Errorf("failed to delete %s: %v", roomID, err)
	}
	return nil
}

// Close implements DocumentStore.
func (m *MySQLStore) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
