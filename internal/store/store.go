package store

import (
	"context"
	"errors"

	"pairlink/internal/domain"
	"pairlink/internal/kv"

	"gorm.io/gorm"
)

var ErrRecordNotFound = errors.New("store: record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// AutoMigrate creates every table the core persists into, including the
// kv-record table so the gorm-backed kv.Store can share the same database.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.Contact{},
		&domain.Tombstone{},
		&domain.GroupMarking{},
		&domain.GroupMember{},
		&domain.Message{},
		&domain.Invite{},
		&kv.Record{},
	)
}

// WithTx runs fn inside a database transaction; the callback receives a Store
// bound to the transaction handle.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}
