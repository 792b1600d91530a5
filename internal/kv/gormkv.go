package kv

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the row shape for the gorm-backed Store.
type Record struct {
	Key       string    `gorm:"primaryKey;type:text"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

func (Record) TableName() string { return "kv_records" }

// Gorm is a Store backed by any gorm-supported database (sqlite for embedded
// deploys, postgres for server deploys).
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Get(ctx context.Context, key string) (string, error) {
	var rec Record
	if err := g.db.WithContext(ctx).First(&rec, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return rec.Value, nil
}

func (g *Gorm) Set(ctx context.Context, key, value string) error {
	rec := Record{Key: key, Value: value}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{"value": value, "updated_at": time.Now().UTC()}),
		}).
		Create(&rec).Error
}

func (g *Gorm) Delete(ctx context.Context, key string) error {
	return g.db.WithContext(ctx).Delete(&Record{}, "key = ?", key).Error
}
