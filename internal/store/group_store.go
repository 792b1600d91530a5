package store

import (
	"context"
	"fmt"

	"pairlink/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrGroupFull reports a compare-and-append that found the group at
	// capacity. Wraps the domain sentinel so callers can match either.
	ErrGroupFull = fmt.Errorf("store: %w", domain.ErrGroupFull)
	// ErrAlreadyMember reports an append for a device already in the group.
	ErrAlreadyMember = fmt.Errorf("store: %w", domain.ErrAlreadyJoined)
)

type GroupStore struct{ db *gorm.DB }

func (s *Store) Groups() *GroupStore { return &GroupStore{db: s.DB} }

func (g *GroupStore) Create(ctx context.Context, marking domain.GroupMarking, creator string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marking).Error; err != nil {
			return err
		}
		member := domain.GroupMember{GroupID: marking.ID, DeviceID: creator, Position: 0}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
	})
}

func (g *GroupStore) Get(ctx context.Context, id string) (*domain.GroupMarking, error) {
	var marking domain.GroupMarking
	if err := g.db.WithContext(ctx).First(&marking, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &marking, nil
}

// Members returns the group's device ids in join order.
func (g *GroupStore) Members(ctx context.Context, id string) ([]string, error) {
	var rows []domain.GroupMember
	err := g.db.WithContext(ctx).
		Where("group_id = ?", id).
		Order("position asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.DeviceID)
	}
	return out, nil
}

// Append adds a device to the group after re-checking capacity and duplicate
// membership inside one transaction. Callers must serialize appends (the
// ledger holds a single-writer mutex); sqlite has no SELECT FOR UPDATE, so
// the row lock cannot be pushed down here.
func (g *GroupStore) Append(ctx context.Context, groupID, deviceID string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var marking domain.GroupMarking
		if err := tx.First(&marking, "id = ?", groupID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRecordNotFound
			}
			return err
		}
		var count int64
		if err := tx.Model(&domain.GroupMember{}).
			Where("group_id = ?", groupID).
			Count(&count).Error; err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&domain.GroupMember{}).
			Where("group_id = ? AND device_id = ?", groupID, deviceID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyMember
		}
		if count >= int64(marking.MaxMembers) {
			return ErrGroupFull
		}
		member := domain.GroupMember{GroupID: groupID, DeviceID: deviceID, Position: int(count)}
		return tx.Create(&member).Error
	})
}
