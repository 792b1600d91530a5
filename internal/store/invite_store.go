package store

import (
	"context"
	"time"

	"pairlink/internal/domain"

	"gorm.io/gorm"
)

type InviteStore struct{ db *gorm.DB }

func (s *Store) Invites() *InviteStore { return &InviteStore{db: s.DB} }

func (i *InviteStore) Create(ctx context.Context, invite *domain.Invite) error {
	return i.db.WithContext(ctx).Create(invite).Error
}

func (i *InviteStore) Get(ctx context.Context, code string) (*domain.Invite, error) {
	var invite domain.Invite
	if err := i.db.WithContext(ctx).First(&invite, "code = ?", code).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &invite, nil
}

// ActivePersonal returns the issuer's unexpired, unused personal invite, if
// one exists. Personal invite issuance is idempotent while such an invite is
// active.
func (i *InviteStore) ActivePersonal(ctx context.Context, issuerDeviceID string, now time.Time) (*domain.Invite, error) {
	var invite domain.Invite
	err := i.db.WithContext(ctx).
		Where("issuer_device_id = ? AND is_group_invite = ? AND used = ? AND expires_at > ?",
			issuerDeviceID, false, false, now).
		Order("created_at desc").
		First(&invite).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &invite, nil
}

// MarkUsed flips a personal invite to used exactly once; the row update is
// conditional so two racing redemptions cannot both win.
func (i *InviteStore) MarkUsed(ctx context.Context, code, usedBy string) (bool, error) {
	tx := i.db.WithContext(ctx).
		Model(&domain.Invite{}).
		Where("code = ? AND used = ?", code, false).
		Updates(map[string]any{"used": true, "used_by": usedBy})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}
