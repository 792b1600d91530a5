// Package relay is the reference relay server: it registers invites, commits
// redemptions atomically, queues ciphertext envelopes and pushes them to
// subscribed devices. It never sees plaintext.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairlink/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownCode reports a redemption against a code the relay never issued.
var ErrUnknownCode = errors.New("pairlink/relay: unknown invite code")

// Invite is the relay-side invite record. The relay owns the use count and
// the member list; devices keep their own local mirrors.
type Invite struct {
	Code           string `gorm:"primaryKey"`
	IssuerDeviceID string `gorm:"index"`
	IssuerUserID   string
	IssuerName     string
	PublicKey      string
	ConversationID string
	IsGroup        bool
	GroupID        string `gorm:"index"`
	MaxMembers     int
	// MemberCount mirrors the occupied slots of a group invite, issuer
	// included. Admission is granted by a conditional bump of this column, so
	// the counter is what enforces capacity, not the member rows.
	MemberCount int
	Used        bool
	UsedBy      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Member is one occupied slot of a group invite, in join order.
type Member struct {
	GroupID  string `gorm:"primaryKey"`
	DeviceID string `gorm:"primaryKey"`
	Position int
	JoinedAt time.Time
}

// Envelope is one queued ciphertext message.
type Envelope struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	SenderID       string
	Ciphertext     string
	Encrypted      bool
	SentAt         time.Time
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Invite{}, &Member{}, &Envelope{})
}

// SetClock substitutes the time source for expiry tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) CreateInvite(ctx context.Context, inv *Invite) error {
	if inv.IsGroup {
		// The issuer occupies the first slot.
		inv.MemberCount = 1
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return err
	}
	if inv.IsGroup {
		member := Member{GroupID: inv.GroupID, DeviceID: inv.IssuerDeviceID, Position: 0, JoinedAt: s.now().UTC()}
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
	}
	return nil
}

// RedemptionResult is what a committed redemption hands back: the issuer as a
// contact for the redeemer, and the group roster as of the commit.
type RedemptionResult struct {
	Issuer       domain.Contact
	Redeemer     domain.Contact
	GroupMembers []string
}

// Redeem commits a redemption in one transaction. Both branches gate on a
// conditional write to the invite row (used for personal invites,
// member_count for groups), so concurrent redemptions of the same code
// serialize on that row under read committed as well as under sqlite's
// single writer.
func (s *Store) Redeem(ctx context.Context, code, deviceID, userID, name, publicKey, conversationOverride string) (*RedemptionResult, error) {
	var out *RedemptionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv Invite
		if err := tx.First(&inv, "code = ?", code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownCode, code)
			}
			return err
		}
		if s.now().UTC().After(inv.ExpiresAt) {
			return domain.ErrExpired
		}
		if inv.IssuerDeviceID == deviceID {
			return domain.ErrSelfPairingRejected
		}

		conversationID := inv.ConversationID
		if conversationOverride != "" {
			conversationID = conversationOverride
		}

		var members []string
		if inv.IsGroup {
			var rows []Member
			if err := tx.Order("position asc").Find(&rows, "group_id = ?", inv.GroupID).Error; err != nil {
				return err
			}
			for _, row := range rows {
				if row.DeviceID == deviceID {
					return domain.ErrAlreadyJoined
				}
			}
			// Capacity is granted by bumping the counter on the invite row.
			// The write takes the row lock, so a racing redemption blocks
			// here until this transaction resolves; losing the race rolls
			// everything back, counter included.
			res := tx.Model(&Invite{}).
				Where("code = ? AND member_count < max_members", code).
				Update("member_count", gorm.Expr("member_count + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrGroupFull
			}
			// Re-read the roster while the row is held; a racer that
			// committed while we waited on the bump is visible now.
			var roster []Member
			if err := tx.Order("position asc").Find(&roster, "group_id = ?", inv.GroupID).Error; err != nil {
				return err
			}
			for _, row := range roster {
				if row.DeviceID == deviceID {
					return domain.ErrAlreadyJoined
				}
				members = append(members, row.DeviceID)
			}
			member := Member{GroupID: inv.GroupID, DeviceID: deviceID, Position: len(roster), JoinedAt: s.now().UTC()}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
			members = append(members, deviceID)
		} else {
			if inv.Used {
				return domain.ErrAlreadyUsed
			}
			res := tx.Model(&Invite{}).
				Where("code = ? AND used = ?", code, false).
				Updates(map[string]any{"used": true, "used_by": deviceID})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrAlreadyUsed
			}
		}

		out = &RedemptionResult{
			Issuer: domain.Contact{
				ID:             inv.IssuerDeviceID,
				Name:           inv.IssuerName,
				PublicKey:      inv.PublicKey,
				UserID:         inv.IssuerUserID,
				PairingCode:    inv.Code,
				ConversationID: conversationID,
			},
			Redeemer: domain.Contact{
				ID:             deviceID,
				Name:           name,
				PublicKey:      publicKey,
				UserID:         userID,
				PairingCode:    inv.Code,
				ConversationID: conversationID,
			},
			GroupMembers: members,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InsertEnvelope(ctx context.Context, env *Envelope) error {
	return s.db.WithContext(ctx).Create(env).Error
}

// DeleteEnvelope removes a queued message if the requester sent it. It reports
// whether the sender check passed; deleting an id the relay no longer holds
// succeeds.
func (s *Store) DeleteEnvelope(ctx context.Context, id, requesterID string) (bool, error) {
	var env Envelope
	err := s.db.WithContext(ctx).First(&env, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if env.SenderID != requesterID {
		return false, nil
	}
	return true, s.db.WithContext(ctx).Delete(&Envelope{}, "id = ?", id).Error
}

// Pending returns queued envelopes for a conversation newer than the given
// cursor, oldest first.
func (s *Store) Pending(ctx context.Context, conversationID string, after time.Time, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Envelope
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sent_at > ?", conversationID, after).
		Order("sent_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
