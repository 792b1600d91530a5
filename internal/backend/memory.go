package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairlink/internal/domain"

	"github.com/google/uuid"
)

// Memory is the in-process Backend. It is authoritative for invite use counts
// and group capacity, which makes concurrent redemption safe without any
// client-side coordination.
type Memory struct {
	mu sync.Mutex

	now func() time.Time

	invites     map[string]*inviteRecord
	messages    map[string][]WireMessage
	deleted     map[string]bool
	subs        map[string]map[int]func(WireMessage)
	contactSubs map[string]map[int]func(domain.Contact)
	nextSubID   int

	// DeleteErr, when set, makes DeleteMessageForEveryone fail; tests use it
	// to exercise the restore-on-failure path.
	DeleteErr error
}

type inviteRecord struct {
	invite         domain.Invite
	issuerUserID   string
	conversationID string
	members        []string
}

func NewMemory() *Memory {
	return &Memory{
		now:         time.Now,
		invites:     make(map[string]*inviteRecord),
		messages:    make(map[string][]WireMessage),
		deleted:     make(map[string]bool),
		subs:        make(map[string]map[int]func(WireMessage)),
		contactSubs: make(map[string]map[int]func(domain.Contact)),
	}
}

// SetClock substitutes the time source for expiry tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateInvite(_ context.Context, in CreateInviteInput) (CreateInviteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := in.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := m.now().UTC()
	code := uuid.NewString()
	rec := &inviteRecord{
		invite: domain.Invite{
			Code:            code,
			IssuerDeviceID:  in.IssuerDeviceID,
			IssuerUserID:    in.IssuerUserID,
			IssuerPublicKey: in.PublicKey,
			IssuerName:      in.Name,
			CreatedAt:       now,
			ExpiresAt:       now.Add(ttl),
			IsGroupInvite:   in.IsGroup,
			GroupID:         in.GroupID,
			GroupMaxMembers: in.MaxMembers,
		},
		issuerUserID:   in.IssuerUserID,
		conversationID: uuid.NewString(),
	}
	if in.IsGroup {
		rec.members = []string{in.IssuerDeviceID}
	}
	m.invites[code] = rec
	return CreateInviteResult{Code: code, ExpiresAt: rec.invite.ExpiresAt}, nil
}

func (m *Memory) RedeemInvite(_ context.Context, in RedeemInput) (RedeemResult, error) {
	m.mu.Lock()

	rec, ok := m.invites[in.Code]
	if !ok {
		m.mu.Unlock()
		return RedeemResult{}, fmt.Errorf("%w: unknown code", domain.ErrInvalidFormat)
	}
	now := m.now().UTC()
	if now.After(rec.invite.ExpiresAt) {
		m.mu.Unlock()
		return RedeemResult{}, domain.ErrExpired
	}
	if !rec.invite.IsGroupInvite && rec.invite.Used {
		m.mu.Unlock()
		return RedeemResult{}, domain.ErrAlreadyUsed
	}
	if rec.invite.IsGroupInvite {
		for _, member := range rec.members {
			if member == in.RedeemerDeviceID {
				m.mu.Unlock()
				return RedeemResult{}, domain.ErrAlreadyJoined
			}
		}
		if len(rec.members) >= rec.invite.GroupMaxMembers {
			m.mu.Unlock()
			return RedeemResult{}, domain.ErrGroupFull
		}
		rec.members = append(rec.members, in.RedeemerDeviceID)
	} else {
		rec.invite.Used = true
		rec.invite.UsedBy = in.RedeemerDeviceID
	}

	conversationID := rec.conversationID
	if in.ConversationOverride != "" {
		conversationID = in.ConversationOverride
	}

	result := RedeemResult{
		Contact: domain.Contact{
			ID:             rec.invite.IssuerDeviceID,
			Name:           rec.invite.IssuerName,
			PublicKey:      rec.invite.IssuerPublicKey,
			UserID:         rec.issuerUserID,
			PairingCode:    in.Code,
			ConversationID: conversationID,
			PairedAt:       now,
			Status:         domain.StatusOnline,
		},
		GroupMembers: append([]string(nil), rec.members...),
	}

	// Snapshot the issuer-side notification before releasing the lock.
	var notify []func(domain.Contact)
	for _, fn := range m.contactSubs[rec.invite.IssuerDeviceID] {
		notify = append(notify, fn)
	}
	redeemerContact := domain.Contact{
		ID:             in.RedeemerDeviceID,
		Name:           in.Name,
		PublicKey:      in.PublicKey,
		UserID:         in.RedeemerUserID,
		PairingCode:    in.Code,
		ConversationID: conversationID,
		PairedAt:       now,
		Status:         domain.StatusOnline,
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(redeemerContact)
	}
	return result, nil
}

func (m *Memory) SendMessage(_ context.Context, senderID, conversationID, ciphertext string, encrypted bool) (string, error) {
	m.mu.Lock()
	msg := WireMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Ciphertext:     ciphertext,
		Encrypted:      encrypted,
		SentAt:         m.now().UTC(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	var fns []func(WireMessage)
	for _, fn := range m.subs[conversationID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
	return msg.ID, nil
}

func (m *Memory) Subscribe(_ context.Context, conversationID string, onMessage func(WireMessage)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[conversationID] == nil {
		m.subs[conversationID] = make(map[int]func(WireMessage))
	}
	id := m.nextSubID
	m.nextSubID++
	m.subs[conversationID][id] = onMessage
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[conversationID], id)
	}, nil
}

func (m *Memory) SubscribeToNewContacts(_ context.Context, deviceID string, onContact func(domain.Contact)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contactSubs[deviceID] == nil {
		m.contactSubs[deviceID] = make(map[int]func(domain.Contact))
	}
	id := m.nextSubID
	m.nextSubID++
	m.contactSubs[deviceID][id] = onContact
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.contactSubs[deviceID], id)
	}, nil
}

// DeleteMessageForEveryone removes a relayed message. Deleting an id that was
// never relayed (or was already deleted) succeeds; only the sender may delete.
func (m *Memory) DeleteMessageForEveryone(_ context.Context, messageID, requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for convID, msgs := range m.messages {
		for i, msg := range msgs {
			if msg.ID != messageID {
				continue
			}
			if msg.SenderID != requesterID {
				return fmt.Errorf("pairlink/backend: only the sender may delete for everyone")
			}
			m.messages[convID] = append(msgs[:i:i], msgs[i+1:]...)
			m.deleted[messageID] = true
			return nil
		}
	}
	m.deleted[messageID] = true
	return nil
}

var _ Backend = (*Memory)(nil)
