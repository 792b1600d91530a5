package store

import (
	"context"
	"time"

	"pairlink/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	return m.db.WithContext(ctx).Create(msg).Error
}

// Restore re-inserts a previously deleted message, used when a
// delete-for-everyone request fails remotely and the local copy comes back.
func (m *MessageStore) Restore(ctx context.Context, msg *domain.Message) error {
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(msg).Error
}

func (m *MessageStore) Get(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (m *MessageStore) ListConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var msgs []domain.Message
	err := m.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp asc").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (m *MessageStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	return m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (m *MessageStore) SetDeleteAt(ctx context.Context, id string, at time.Time) error {
	return m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Update("delete_at", at).Error
}

// Delete removes a message. Deleting an absent id is a no-op: the sweep and a
// user-initiated delete may race, and both paths must be idempotent.
func (m *MessageStore) Delete(ctx context.Context, id string) error {
	return m.db.WithContext(ctx).Delete(&domain.Message{}, "id = ?", id).Error
}

func (m *MessageStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return m.db.WithContext(ctx).Delete(&domain.Message{}, "conversation_id = ?", conversationID).Error
}

// Expired returns every message whose delete-at deadline has passed.
func (m *MessageStore) Expired(ctx context.Context, now time.Time) ([]domain.Message, error) {
	var msgs []domain.Message
	err := m.db.WithContext(ctx).
		Where("delete_at IS NOT NULL AND delete_at <= ?", now).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
