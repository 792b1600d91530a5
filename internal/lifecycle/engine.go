// Package lifecycle tracks per-message delivery state and the seen-to-delete
// timer. The state machine is sending → sent → delivered → seen; entering
// seen arms the auto-delete countdown, and a periodic sweep erases anything
// whose deadline has passed.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pairlink/internal/backend"
	"pairlink/internal/crypto"
	"pairlink/internal/domain"
	"pairlink/internal/events"
	"pairlink/internal/identity"
	"pairlink/internal/ledger"
	"pairlink/internal/observability/metrics"
	"pairlink/internal/store"

	"github.com/google/uuid"
)

// ErrNotSender rejects a delete-for-everyone request from anyone but the
// message's own sender.
var ErrNotSender = errors.New("pairlink/lifecycle: only the sender may delete for everyone")

// Config makes the timing knobs explicit rather than silently hard-coded.
// DeliveredFallback only applies when no backend acknowledges sends
// (SimulateDelivery set); SweepInterval paces the auto-delete sweep.
type Config struct {
	SweepInterval     time.Duration
	DeliveredFallback time.Duration
	SimulateDelivery  bool
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.DeliveredFallback <= 0 {
		c.DeliveredFallback = 2 * time.Second
	}
	return c
}

type Engine struct {
	store    *store.Store
	ledger   *ledger.Ledger
	backend  backend.Backend
	identity *identity.Store
	bus      *events.Bus
	cfg      Config
	now      func() time.Time
}

func NewEngine(st *store.Store, led *ledger.Ledger, be backend.Backend, id *identity.Store, bus *events.Bus, cfg Config) *Engine {
	return &Engine{
		store:    st,
		ledger:   led,
		backend:  be,
		identity: id,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// SetClock substitutes the time source for timer tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Send encrypts a text message for the contact and records it locally. The
// envelope is fully sealed before anything touches the transport; a backend
// failure degrades to "applied locally, sync pending" rather than failing the
// send.
func (e *Engine) Send(ctx context.Context, contact *domain.Contact, text string, autoDeleteMinutes int) (*domain.Message, error) {
	pair, err := e.identity.GetOrCreateKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveSharedKey(pair.PrivateKey, contact.PublicKey)
	if err != nil {
		return nil, err
	}
	envelope, err := crypto.Seal(text, key)
	if err != nil {
		metrics.MessagesEncryptedTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.MessagesEncryptedTotal.WithLabelValues("success").Inc()

	// The conversation may have been deleted while we encrypted. Complete the
	// encryption either way, but never persist into a dead conversation.
	if dead, err := e.ledger.IsTombstoned(ctx, contact.ID, contact.ConversationID); err != nil {
		return nil, err
	} else if dead {
		return nil, fmt.Errorf("%w: %s", domain.ErrContactDeleted, contact.ID)
	}

	msg := domain.Message{
		ID:                     uuid.NewString(),
		ConversationID:         contact.ConversationID,
		ContactID:              contact.ID,
		Text:                   text,
		Envelope:               envelope,
		Timestamp:              e.now().UTC(),
		Status:                 domain.MessageSending,
		IsOwn:                  true,
		AutoDeleteTimerMinutes: autoDeleteMinutes,
	}
	if err := e.store.Messages().Create(ctx, &msg); err != nil {
		return nil, err
	}

	// Encryption succeeded, so the message is sent from the local point of
	// view even before the backend accepts it.
	if err := e.advance(ctx, &msg, domain.MessageSent); err != nil {
		return nil, err
	}

	deviceID, err := e.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	if e.backend != nil {
		if _, err := e.backend.SendMessage(ctx, deviceID, msg.ConversationID, envelope, true); err != nil {
			slog.Warn("backend send failed, message kept locally", "message", msg.ID, "error", err)
			return &msg, nil
		}
		if err := e.advance(ctx, &msg, domain.MessageDelivered); err != nil {
			return nil, err
		}
		return &msg, nil
	}

	if e.cfg.SimulateDelivery {
		id := msg.ID
		time.AfterFunc(e.cfg.DeliveredFallback, func() {
			if err := e.MarkDelivered(context.Background(), id); err != nil {
				slog.Debug("simulated delivery skipped", "message", id, "error", err)
			}
		})
	}
	return &msg, nil
}

// SendAttachment encrypts a binary blob under the device-pair attachment key
// and relays its metadata document as the message body.
func (e *Engine) SendAttachment(ctx context.Context, contact *domain.Contact, blob []byte, typ crypto.AttachmentType, fileName string, autoDeleteMinutes int) (*domain.Message, error) {
	deviceID, err := e.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveAttachmentKey(deviceID, contact.ID)
	if err != nil {
		return nil, err
	}
	meta, err := crypto.EncryptAttachment(blob, typ, fileName, deviceID, key)
	if err != nil {
		metrics.MessagesEncryptedTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.MessagesEncryptedTotal.WithLabelValues("success").Inc()
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	if dead, err := e.ledger.IsTombstoned(ctx, contact.ID, contact.ConversationID); err != nil {
		return nil, err
	} else if dead {
		return nil, fmt.Errorf("%w: %s", domain.ErrContactDeleted, contact.ID)
	}

	msg := domain.Message{
		ID:                     uuid.NewString(),
		ConversationID:         contact.ConversationID,
		ContactID:              contact.ID,
		Attachment:             domain.JSON(raw),
		Timestamp:              e.now().UTC(),
		Status:                 domain.MessageSending,
		IsOwn:                  true,
		AutoDeleteTimerMinutes: autoDeleteMinutes,
	}
	if err := e.store.Messages().Create(ctx, &msg); err != nil {
		return nil, err
	}
	if err := e.advance(ctx, &msg, domain.MessageSent); err != nil {
		return nil, err
	}
	if e.backend != nil {
		if _, err := e.backend.SendMessage(ctx, deviceID, msg.ConversationID, string(raw), true); err != nil {
			slog.Warn("backend send failed, attachment kept locally", "message", msg.ID, "error", err)
			return &msg, nil
		}
		if err := e.advance(ctx, &msg, domain.MessageDelivered); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

// Receive decrypts an inbound wire message from the contact and records it.
// Text envelopes carry an ENC tag; anything else is treated as relayed
// attachment metadata and verified under the device-pair attachment key. A
// decryption failure is scoped to the one message: the error is returned and
// nothing is persisted, so the rest of the conversation is unaffected.
func (e *Engine) Receive(ctx context.Context, contact *domain.Contact, wire backend.WireMessage, autoDeleteMinutes int) (*domain.Message, error) {
	msg := domain.Message{
		ID:                     wire.ID,
		ConversationID:         contact.ConversationID,
		ContactID:              contact.ID,
		Envelope:               wire.Ciphertext,
		Timestamp:              wire.SentAt,
		Status:                 domain.MessageDelivered,
		IsOwn:                  false,
		AutoDeleteTimerMinutes: autoDeleteMinutes,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if strings.HasPrefix(wire.Ciphertext, crypto.EnvelopePrefix) || strings.HasPrefix(wire.Ciphertext, crypto.LegacyPrefix) {
		pair, err := e.identity.GetOrCreateKeyPair(ctx)
		if err != nil {
			return nil, err
		}
		key, err := crypto.DeriveSharedKey(pair.PrivateKey, contact.PublicKey)
		if err != nil {
			return nil, err
		}
		plaintext, err := crypto.Open(wire.Ciphertext, key)
		if err != nil {
			if errors.Is(err, crypto.ErrDecryptionFailed) {
				metrics.MessagesDecryptedTotal.WithLabelValues("failure").Inc()
			}
			return nil, err
		}
		metrics.MessagesDecryptedTotal.WithLabelValues("success").Inc()
		msg.Text = plaintext.Text
		msg.Unauthenticated = !plaintext.Authenticated
	} else {
		meta, err := e.verifyAttachment(ctx, contact, wire.Ciphertext)
		if err != nil {
			if errors.Is(err, crypto.ErrDecryptionFailed) {
				metrics.MessagesDecryptedTotal.WithLabelValues("failure").Inc()
			}
			return nil, err
		}
		metrics.MessagesDecryptedTotal.WithLabelValues("success").Inc()
		msg.Envelope = ""
		msg.Attachment = domain.JSON(meta)
	}

	if err := e.store.Messages().Create(ctx, &msg); err != nil {
		return nil, err
	}
	e.bus.Publish(events.Event{
		Kind:           events.KindNewMessage,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ContactID:      contact.ID,
	})
	return &msg, nil
}

// verifyAttachment parses relayed attachment metadata and proves the blob
// decrypts under the device-pair key before anything is persisted. It returns
// the raw metadata document; the blob itself is re-decrypted on demand by
// OpenAttachment.
func (e *Engine) verifyAttachment(ctx context.Context, contact *domain.Contact, payload string) ([]byte, error) {
	var meta crypto.AttachmentMetadata
	if err := json.Unmarshal([]byte(payload), &meta); err != nil || meta.Ciphertext == "" {
		return nil, fmt.Errorf("%w: unrecognized wire payload", crypto.ErrDecryptionFailed)
	}
	deviceID, err := e.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveAttachmentKey(deviceID, contact.ID)
	if err != nil {
		return nil, err
	}
	if _, err := crypto.DecryptAttachment(meta, key); err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

// OpenAttachment decrypts the blob of a stored attachment message. Sender and
// receiver derive the same key from the device id pair, so the one method
// serves both directions.
func (e *Engine) OpenAttachment(ctx context.Context, contact *domain.Contact, msg *domain.Message) ([]byte, error) {
	if len(msg.Attachment) == 0 {
		return nil, fmt.Errorf("pairlink/lifecycle: message %s has no attachment", msg.ID)
	}
	var meta crypto.AttachmentMetadata
	if err := json.Unmarshal(msg.Attachment, &meta); err != nil {
		return nil, fmt.Errorf("%w: corrupt attachment metadata", crypto.ErrDecryptionFailed)
	}
	deviceID, err := e.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveAttachmentKey(deviceID, contact.ID)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptAttachment(meta, key)
}

// MarkDelivered advances sent → delivered, typically on a backend
// acknowledgment arriving after the fact.
func (e *Engine) MarkDelivered(ctx context.Context, messageID string) error {
	msg, err := e.store.Messages().Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if msg.Status != domain.MessageSent {
		return nil
	}
	return e.advance(ctx, msg, domain.MessageDelivered)
}

// MarkConversationSeen marks every delivered inbound message in the
// conversation as seen and arms its auto-delete timer.
func (e *Engine) MarkConversationSeen(ctx context.Context, conversationID string) error {
	msgs, err := e.store.Messages().ListConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	for i := range msgs {
		msg := msgs[i]
		if msg.IsOwn || msg.Status != domain.MessageDelivered {
			continue
		}
		if err := e.MarkSeen(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

// MarkSeen advances delivered → seen. Entering seen computes the delete-at
// deadline when the message carries a nonzero timer.
func (e *Engine) MarkSeen(ctx context.Context, messageID string) error {
	msg, err := e.store.Messages().Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if msg.Status != domain.MessageDelivered {
		return nil
	}
	if err := e.advance(ctx, msg, domain.MessageSeen); err != nil {
		return err
	}
	if msg.AutoDeleteTimerMinutes > 0 {
		deleteAt := e.now().UTC().Add(time.Duration(msg.AutoDeleteTimerMinutes) * time.Minute)
		if err := e.store.Messages().SetDeleteAt(ctx, msg.ID, deleteAt); err != nil {
			return err
		}
	}
	return nil
}

// DeleteForMe removes the local copy only. Deleting an absent message is a
// no-op so a user-initiated delete can race the sweep safely.
func (e *Engine) DeleteForMe(ctx context.Context, messageID string) error {
	return e.store.Messages().Delete(ctx, messageID)
}

// DeleteForEveryone removes the local copy and requests removal via the
// backend. Only the message's own sender may request it; if the remote call
// fails the local copy is restored.
func (e *Engine) DeleteForEveryone(ctx context.Context, messageID string) error {
	msg, err := e.store.Messages().Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if !msg.IsOwn {
		return ErrNotSender
	}
	if err := e.store.Messages().Delete(ctx, messageID); err != nil {
		return err
	}
	if e.backend == nil {
		return nil
	}
	deviceID, err := e.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return err
	}
	if err := e.backend.DeleteMessageForEveryone(ctx, messageID, deviceID); err != nil {
		if restoreErr := e.store.Messages().Restore(ctx, msg); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return fmt.Errorf("pairlink/lifecycle: remote delete failed, local copy restored: %w", err)
	}
	return nil
}

// Sweep deletes every message whose delete-at deadline has passed. It is safe
// to run concurrently with user-initiated deletes.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	expired, err := e.store.Messages().Expired(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, msg := range expired {
		if err := e.store.Messages().Delete(ctx, msg.ID); err != nil {
			return swept, err
		}
		swept++
		metrics.MessagesSweptTotal.WithLabelValues().Inc()
		e.bus.Publish(events.Event{
			Kind:           events.KindMessageState,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Detail:         "auto_deleted",
		})
	}
	return swept, nil
}

// Run drives the periodic sweep until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := e.Sweep(ctx); err != nil {
				slog.Warn("auto-delete sweep failed", "error", err)
			} else if swept > 0 {
				slog.Debug("auto-delete sweep", "deleted", swept)
			}
		}
	}
}

func (e *Engine) advance(ctx context.Context, msg *domain.Message, next domain.MessageStatus) error {
	if !validTransition(msg.Status, next) {
		return fmt.Errorf("pairlink/lifecycle: invalid transition %s -> %s", msg.Status, next)
	}
	if err := e.store.Messages().UpdateStatus(ctx, msg.ID, next); err != nil {
		return err
	}
	msg.Status = next
	e.bus.Publish(events.Event{
		Kind:           events.KindMessageState,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Detail:         string(next),
	})
	return nil
}

func validTransition(from, to domain.MessageStatus) bool {
	switch from {
	case domain.MessageSending:
		return to == domain.MessageSent
	case domain.MessageSent:
		return to == domain.MessageDelivered
	case domain.MessageDelivered:
		return to == domain.MessageSeen
	default:
		return false
	}
}
