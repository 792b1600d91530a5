package store

import (
	"context"

	"pairlink/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContactStore struct{ db *gorm.DB }

func (s *Store) Contacts() *ContactStore { return &ContactStore{db: s.DB} }

func (c *ContactStore) Upsert(ctx context.Context, contact domain.Contact) error {
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"name":       contact.Name,
				"public_key": contact.PublicKey,
				"status":     contact.Status,
				"privacy":    contact.Privacy,
			}),
		}).
		Create(&contact).Error
}

func (c *ContactStore) Get(ctx context.Context, id string) (*domain.Contact, error) {
	var contact domain.Contact
	if err := c.db.WithContext(ctx).First(&contact, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &contact, nil
}

// FindByAnyAlias matches a contact by device id, shareable user id or public
// key, in that order. Used by the backend merge path, which may know a peer by
// any of the three.
func (c *ContactStore) FindByAnyAlias(ctx context.Context, deviceID, userID, publicKey string) (*domain.Contact, error) {
	var contact domain.Contact
	tx := c.db.WithContext(ctx).
		Where("id = ?", deviceID)
	if userID != "" {
		tx = tx.Or("user_id = ?", userID)
	}
	if publicKey != "" {
		tx = tx.Or("public_key = ?", publicKey)
	}
	if err := tx.First(&contact).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &contact, nil
}

func (c *ContactStore) List(ctx context.Context) ([]domain.Contact, error) {
	var contacts []domain.Contact
	if err := c.db.WithContext(ctx).Order("paired_at asc").Find(&contacts).Error; err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *ContactStore) UpdatePrivacy(ctx context.Context, id string, privacy domain.JSON) error {
	return c.db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ?", id).
		Update("privacy", privacy).Error
}

func (c *ContactStore) Delete(ctx context.Context, id string) error {
	return c.db.WithContext(ctx).Delete(&domain.Contact{}, "id = ?", id).Error
}
