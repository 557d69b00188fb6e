package store

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// kvEntry is the single table the Postgres store keeps: a flat
// key/value namespace, following the teacher's convention of one gorm
// model per concern rather than a hand-rolled SQL layer.
type kvEntry struct {
	Key   string `gorm:"primaryKey;column:key;type:varchar(512)"`
	Value []byte `gorm:"column:value"`
}

func (kvEntry) TableName() string { return "kv_entries" }

// PostgresStore is the gorm/postgres-backed Store implementation
// (spec §6's "embedded key/value store").
type PostgresStore struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the kv_entries table, mirroring the
// teacher's gorm.Open(postgres.Open(dsn), ...) call
// (internal/db/database.go) but without the teacher's checkbook-schema
// migration steps, which have no counterpart here.
func Open(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Ping verifies the underlying connection is reachable, used by
// cmd/verify-store-connection.
func (s *PostgresStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// DB exposes the underlying *sql.DB for operator tooling
// (cmd/verify-store-connection) that needs to run raw diagnostic
// queries gorm has no query builder for.
func (s *PostgresStore) DB() (*sql.DB, error) {
	return s.db.DB()
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row kvEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.Value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	row := kvEntry{Key: key, Value: value}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&kvEntry{}).Error
}

func (s *PostgresStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	var rows []kvEntry
	if err := s.db.WithContext(ctx).Where("key LIKE ?", prefix+"%").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// BatchWrite applies every Op inside one transaction, giving the ledger
// and pipelines their all-or-nothing multi-key write.
func (s *PostgresStore) BatchWrite(ctx context.Context, ops []Op) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				row := kvEntry{Key: op.Key, Value: op.Value}
				if err := tx.Save(&row).Error; err != nil {
					return err
				}
			case OpDelete:
				if err := tx.Where("key = ?", op.Key).Delete(&kvEntry{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
