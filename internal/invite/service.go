package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pairlink/internal/backend"
	"pairlink/internal/domain"
	"pairlink/internal/events"
	"pairlink/internal/identity"
	"pairlink/internal/ledger"
	"pairlink/internal/observability/metrics"
	"pairlink/internal/store"

	"github.com/google/uuid"
)

const (
	minGroupMembers = 2
	maxGroupMembers = 50

	defaultInviteTTL = 24 * time.Hour
)

// Service drives the invite lifecycle for one device. It owns the local
// invite records; the backend stays authoritative for use counts and group
// capacity so concurrent redemptions from different devices cannot oversubscribe.
type Service struct {
	store    *store.Store
	ledger   *ledger.Ledger
	backend  backend.Backend
	identity *identity.Store
	bus      *events.Bus

	displayName string
	ttl         time.Duration
	now         func() time.Time
}

func NewService(st *store.Store, led *ledger.Ledger, be backend.Backend, id *identity.Store, bus *events.Bus, displayName string) *Service {
	return &Service{
		store:       st,
		ledger:      led,
		backend:     be,
		identity:    id,
		bus:         bus,
		displayName: displayName,
		ttl:         defaultInviteTTL,
		now:         time.Now,
	}
}

// SetClock substitutes the time source for expiry tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetTTL overrides the default 24h invite lifetime.
func (s *Service) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// IssuePersonal mints a 1:1 pairing invite, or returns the already active one:
// while an unexpired, unused personal invite exists, issuance is idempotent.
func (s *Service) IssuePersonal(ctx context.Context) (*domain.Invite, string, error) {
	existing, err := s.store.Invites().ActivePersonal(ctx, s.mustDeviceID(ctx), s.now().UTC())
	if err == nil {
		encoded, encErr := s.encodePayload(*existing)
		return existing, encoded, encErr
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, "", err
	}
	return s.issue(ctx, false, "", 0)
}

// IssueGroup mints a group invite for up to maxMembers participants
// (clamped to [2, 50]) and records the group marking with the issuer as the
// sole initial member.
func (s *Service) IssueGroup(ctx context.Context, maxMembers int) (*domain.Invite, string, error) {
	if maxMembers < minGroupMembers {
		maxMembers = minGroupMembers
	}
	if maxMembers > maxGroupMembers {
		maxMembers = maxGroupMembers
	}
	return s.issue(ctx, true, uuid.NewString(), maxMembers)
}

func (s *Service) issue(ctx context.Context, isGroup bool, groupID string, maxMembers int) (*domain.Invite, string, error) {
	deviceID, err := s.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return nil, "", err
	}
	userID, err := s.identity.GetOrCreateUserID(ctx)
	if err != nil {
		return nil, "", err
	}
	pair, err := s.identity.GetOrCreateKeyPair(ctx)
	if err != nil {
		return nil, "", err
	}

	created, err := s.backend.CreateInvite(ctx, backend.CreateInviteInput{
		IssuerDeviceID: deviceID,
		IssuerUserID:   userID,
		Name:           s.displayName,
		PublicKey:      pair.PublicKey,
		IsGroup:        isGroup,
		GroupID:        groupID,
		MaxMembers:     maxMembers,
		TTL:            s.ttl,
	})
	if err != nil {
		return nil, "", fmt.Errorf("invite: register with backend: %w", err)
	}

	inv := domain.Invite{
		Code:            created.Code,
		IssuerDeviceID:  deviceID,
		IssuerUserID:    userID,
		IssuerPublicKey: pair.PublicKey,
		IssuerName:      s.displayName,
		CreatedAt:       s.now().UTC(),
		ExpiresAt:       created.ExpiresAt,
		IsGroupInvite:   isGroup,
		GroupID:         groupID,
		GroupMaxMembers: maxMembers,
	}
	if err := s.store.Invites().Create(ctx, &inv); err != nil {
		return nil, "", err
	}
	if isGroup {
		if err := s.ledger.CreateGroup(ctx, groupID, deviceID, maxMembers); err != nil {
			return nil, "", err
		}
		metrics.InvitesIssuedTotal.WithLabelValues("group").Inc()
	} else {
		metrics.InvitesIssuedTotal.WithLabelValues("personal").Inc()
	}

	encoded, err := s.encodePayload(inv)
	if err != nil {
		return nil, "", err
	}
	slog.Debug("invite issued", "code", inv.Code, "group", isGroup)
	return &inv, encoded, nil
}

// Redeem validates a scanned invite payload and pairs with its issuer.
// Validation order: payload format, expiry, self-pairing, tombstones locally;
// then the backend enforces single-use and group capacity atomically at
// commit. Use-count checks cannot run before the commit without a
// second round trip, so AlreadyUsed/GroupFull surface from the backend call.
func (s *Service) Redeem(ctx context.Context, encoded string) (*domain.Contact, error) {
	payload, err := DecodePayload(encoded)
	if err != nil {
		metrics.InvitesRedeemedTotal.WithLabelValues("invalid_format").Inc()
		return nil, err
	}

	now := s.now().UTC()
	if now.After(payload.ExpiresAt) {
		metrics.InvitesRedeemedTotal.WithLabelValues("expired").Inc()
		return nil, domain.ErrExpired
	}

	pair, err := s.identity.GetOrCreateKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	if payload.PublicKey == pair.PublicKey {
		metrics.InvitesRedeemedTotal.WithLabelValues("self_pairing").Inc()
		return nil, domain.ErrSelfPairingRejected
	}

	dead, err := s.ledger.IsTombstoned(ctx, payload.DeviceID, payload.UserID)
	if err != nil {
		return nil, err
	}
	if dead {
		metrics.InvitesRedeemedTotal.WithLabelValues("contact_deleted").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrContactDeleted, payload.DeviceID)
	}

	deviceID, err := s.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	userID, err := s.identity.GetOrCreateUserID(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.backend.RedeemInvite(ctx, backend.RedeemInput{
		Code:             payload.Code,
		RedeemerDeviceID: deviceID,
		RedeemerUserID:   userID,
		Name:             s.displayName,
		PublicKey:        pair.PublicKey,
	})
	if err != nil {
		metrics.InvitesRedeemedTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	contact := result.Contact
	if err := s.ledger.AddContact(ctx, contact); err != nil {
		return nil, err
	}
	if payload.IsGroupInvite {
		if err := s.recordGroupLocally(ctx, payload, deviceID, result.GroupMembers); err != nil {
			return nil, err
		}
	}

	metrics.InvitesRedeemedTotal.WithLabelValues("success").Inc()
	s.bus.Publish(events.Event{
		Kind:           events.KindInviteRedeemed,
		InviteCode:     payload.Code,
		ContactID:      contact.ID,
		ConversationID: contact.ConversationID,
	})
	slog.Info("invite redeemed", "code", payload.Code, "issuer", contact.ID, "group", payload.IsGroupInvite)
	return &contact, nil
}

func (s *Service) recordGroupLocally(ctx context.Context, payload Payload, self string, members []string) error {
	_, err := s.ledger.Group(ctx, payload.GroupID)
	if errors.Is(err, store.ErrRecordNotFound) {
		if err := s.ledger.CreateGroup(ctx, payload.GroupID, payload.DeviceID, payload.GroupMaxMembers); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	for _, member := range append(members, self) {
		if member == payload.DeviceID {
			continue // creator holds the first slot already
		}
		if err := s.ledger.JoinGroup(ctx, payload.GroupID, member); err != nil {
			if errors.Is(err, store.ErrAlreadyMember) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start wires the issuer-side redemption path: the backend notifies this
// device when someone redeems one of its invites, and the resulting contact is
// merged into the ledger. Returns an unsubscribe function.
func (s *Service) Start(ctx context.Context) (func(), error) {
	deviceID, err := s.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	return s.backend.SubscribeToNewContacts(ctx, deviceID, func(contact domain.Contact) {
		if err := s.handleRemoteRedemption(ctx, contact); err != nil {
			slog.Warn("remote redemption not applied", "contact", contact.ID, "error", err)
		}
	})
}

// handleRemoteRedemption runs on the issuer when a peer redeems one of its
// invites. A redeemed personal invite is retired and immediately replaced, so
// one invite always corresponds to exactly one successful 1:1 pairing.
func (s *Service) handleRemoteRedemption(ctx context.Context, contact domain.Contact) error {
	if err := s.ledger.Merge(ctx, contact); err != nil {
		return err
	}

	inv, err := s.store.Invites().Get(ctx, contact.PairingCode)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if inv.IsGroupInvite {
		err := s.ledger.JoinGroup(ctx, inv.GroupID, contact.ID)
		if errors.Is(err, store.ErrAlreadyMember) {
			return nil
		}
		return err
	}

	won, err := s.store.Invites().MarkUsed(ctx, inv.Code, contact.ID)
	if err != nil {
		return err
	}
	if won {
		// Replacement invite for the next pairing.
		if _, _, err := s.issue(ctx, false, "", 0); err != nil {
			slog.Warn("replacement invite not issued", "error", err)
		}
	}
	return nil
}

func (s *Service) encodePayload(inv domain.Invite) (string, error) {
	payload := Payload{
		Code:             inv.Code,
		PublicKey:        inv.IssuerPublicKey,
		Name:             inv.IssuerName,
		ExpiresAt:        inv.ExpiresAt,
		DeviceID:         inv.IssuerDeviceID,
		UserID:           inv.IssuerUserID,
		IsGroupInvite:    inv.IsGroupInvite,
		GroupID:          inv.GroupID,
		GroupMaxMembers:  inv.GroupMaxMembers,
		GroupCreatorName: inv.IssuerName,
	}
	return payload.Encode()
}

func (s *Service) mustDeviceID(ctx context.Context) string {
	id, err := s.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return ""
	}
	return id
}
