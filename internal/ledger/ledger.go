// Package ledger maintains the authoritative contact list, the tombstone set
// and group membership. Tombstones are permanent: once a contact is removed,
// none of its identifiers can ever name a live contact again.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pairlink/internal/domain"
	"pairlink/internal/events"
	"pairlink/internal/store"
)

// ErrNotFound reports a contact id with no live record.
var ErrNotFound = errors.New("pairlink/ledger: contact not found")

type Ledger struct {
	store *store.Store
	bus   *events.Bus
	now   func() time.Time

	// Serializes group membership appends on top of the store's own
	// transactional capacity check.
	groupMu sync.Mutex
}

func New(st *store.Store, bus *events.Bus) *Ledger {
	return &Ledger{store: st, bus: bus, now: time.Now}
}

// AddContact inserts or refreshes a contact. Tombstoned identifiers are
// rejected on every inbound creation path.
func (l *Ledger) AddContact(ctx context.Context, contact domain.Contact) error {
	dead, err := l.store.Tombstones().Contains(ctx, contact.ID, contact.UserID, contact.ConversationID)
	if err != nil {
		return err
	}
	if dead {
		return fmt.Errorf("%w: %s", domain.ErrContactDeleted, contact.ID)
	}
	if contact.PairedAt.IsZero() {
		contact.PairedAt = l.now().UTC()
	}
	if contact.Status == "" {
		contact.Status = domain.StatusOffline
	}
	if err := l.store.Contacts().Upsert(ctx, contact); err != nil {
		return err
	}
	l.bus.Publish(events.Event{
		Kind:           events.KindContactUpdated,
		ContactID:      contact.ID,
		ConversationID: contact.ConversationID,
	})
	return nil
}

// RemoveContact tombstones every alias of the contact, then deletes the local
// contact and its message history. Removing an unknown id only records the
// tombstone.
func (l *Ledger) RemoveContact(ctx context.Context, id string) error {
	aliases := []string{id}
	contact, err := l.store.Contacts().Get(ctx, id)
	if err == nil {
		aliases = append(aliases, contact.UserID, contact.ConversationID)
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}

	err = l.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Tombstones().Add(ctx, aliases...); err != nil {
			return err
		}
		if contact != nil {
			if err := tx.Messages().DeleteConversation(ctx, contact.ConversationID); err != nil {
				return err
			}
		}
		return tx.Contacts().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	l.bus.Publish(events.Event{
		Kind:      events.KindContactUpdated,
		ContactID: id,
		Detail:    "removed",
	})
	return nil
}

// IsTombstoned reports whether any of the given identifiers was permanently
// deleted.
func (l *Ledger) IsTombstoned(ctx context.Context, ids ...string) (bool, error) {
	return l.store.Tombstones().Contains(ctx, ids...)
}

func (l *Ledger) Contact(ctx context.Context, id string) (*domain.Contact, error) {
	contact, err := l.store.Contacts().Get(ctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return contact, err
}

func (l *Ledger) Contacts(ctx context.Context) ([]domain.Contact, error) {
	return l.store.Contacts().List(ctx)
}

func (l *Ledger) UpdateContactPrivacy(ctx context.Context, id string, privacy domain.PrivacySettings) error {
	if _, err := l.Contact(ctx, id); err != nil {
		return err
	}
	raw, err := marshalPrivacy(privacy)
	if err != nil {
		return err
	}
	if err := l.store.Contacts().UpdatePrivacy(ctx, id, raw); err != nil {
		return err
	}
	l.bus.Publish(events.Event{Kind: events.KindContactUpdated, ContactID: id, Detail: "privacy"})
	return nil
}

// Merge applies the discovery rule for contacts learned from the backend:
// skip silently when the peer is already known under any alias or tombstoned,
// insert otherwise.
func (l *Ledger) Merge(ctx context.Context, contact domain.Contact) error {
	dead, err := l.store.Tombstones().Contains(ctx, contact.ID, contact.UserID, contact.ConversationID)
	if err != nil {
		return err
	}
	if dead {
		return nil
	}
	_, err = l.store.Contacts().FindByAnyAlias(ctx, contact.ID, contact.UserID, contact.PublicKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}
	return l.AddContact(ctx, contact)
}

// CreateGroup records a new group marking with the creator as the sole initial
// member.
func (l *Ledger) CreateGroup(ctx context.Context, groupID, creatorID string, maxMembers int) error {
	marking := domain.GroupMarking{ID: groupID, CreatorID: creatorID, MaxMembers: maxMembers}
	return l.store.Groups().Create(ctx, marking, creatorID)
}

// JoinGroup appends a device to the group, enforcing the capacity and
// duplicate checks under a single writer.
func (l *Ledger) JoinGroup(ctx context.Context, groupID, deviceID string) error {
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	return l.store.Groups().Append(ctx, groupID, deviceID)
}

func (l *Ledger) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	return l.store.Groups().Members(ctx, groupID)
}

func (l *Ledger) Group(ctx context.Context, groupID string) (*domain.GroupMarking, error) {
	return l.store.Groups().Get(ctx, groupID)
}

func marshalPrivacy(p domain.PrivacySettings) (domain.JSON, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return domain.JSON(raw), nil
}
