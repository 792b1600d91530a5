package store

import (
	"context"

	"pairlink/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TombstoneStore struct{ db *gorm.DB }

func (s *Store) Tombstones() *TombstoneStore { return &TombstoneStore{db: s.DB} }

// Add marks every provided identifier as permanently deleted. Re-adding an
// already tombstoned id is a no-op.
func (t *TombstoneStore) Add(ctx context.Context, ids ...string) error {
	rows := make([]domain.Tombstone, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		rows = append(rows, domain.Tombstone{ID: id})
	}
	if len(rows) == 0 {
		return nil
	}
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

func (t *TombstoneStore) Contains(ctx context.Context, ids ...string) (bool, error) {
	nonEmpty := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			nonEmpty = append(nonEmpty, id)
		}
	}
	if len(nonEmpty) == 0 {
		return false, nil
	}
	var count int64
	err := t.db.WithContext(ctx).
		Model(&domain.Tombstone{}).
		Where("id IN ?", nonEmpty).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
