package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"pairlink/internal/backend"
	"pairlink/internal/domain"
	"pairlink/internal/observability/metrics"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("relay-test")
	m.Run()
}

func newTestRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "relay.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := NewStore(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	signer, err := NewTokenSigner("", "pairelay-test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	srv := NewServer(st, signer)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestTokenSigner(t *testing.T) {
	signer, err := NewTokenSigner("", "pairelay-test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	token, err := signer.Issue("device_abc")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "device_abc" {
		t.Fatalf("subject: got %q", got)
	}

	// Tokens from a different relay key are rejected.
	other, _ := NewTokenSigner("", "pairelay-test", time.Hour)
	foreign, _ := other.Issue("device_abc")
	if _, err := signer.Verify(foreign); err == nil {
		t.Fatalf("foreign token accepted")
	}
	if _, err := signer.Verify(token + "x"); err == nil {
		t.Fatalf("tampered token accepted")
	}
}

func TestInviteRedeemOverHTTP(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestRelay(t)

	issuer := backend.NewClient(ts.URL, "device_issuer")
	redeemer := backend.NewClient(ts.URL, "device_redeemer")
	third := backend.NewClient(ts.URL, "device_third")

	created, err := issuer.CreateInvite(ctx, backend.CreateInviteInput{
		IssuerDeviceID: "device_issuer",
		IssuerUserID:   "user_ISSUER23",
		Name:           "Issuer",
		PublicKey:      "pub_issuer",
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if created.Code == "" || created.ExpiresAt.IsZero() {
		t.Fatalf("created invite shape: %+v", created)
	}

	result, err := redeemer.RedeemInvite(ctx, backend.RedeemInput{
		Code:             created.Code,
		RedeemerDeviceID: "device_redeemer",
		RedeemerUserID:   "user_REDEEM23",
		Name:             "Redeemer",
		PublicKey:        "pub_redeemer",
	})
	if err != nil {
		t.Fatalf("RedeemInvite: %v", err)
	}
	if result.Contact.ID != "device_issuer" || result.Contact.PublicKey != "pub_issuer" {
		t.Fatalf("redeemed contact: %+v", result.Contact)
	}
	if result.Contact.ConversationID == "" || result.Contact.PairingCode != created.Code {
		t.Fatalf("redeemed contact linkage: %+v", result.Contact)
	}

	if _, err := third.RedeemInvite(ctx, backend.RedeemInput{
		Code:             created.Code,
		RedeemerDeviceID: "device_third",
		PublicKey:        "pub_third",
	}); !errors.Is(err, domain.ErrAlreadyUsed) {
		t.Fatalf("second redemption: got %v, want ErrAlreadyUsed", err)
	}

	if _, err := third.RedeemInvite(ctx, backend.RedeemInput{
		Code:             "no-such-code",
		RedeemerDeviceID: "device_third",
		PublicKey:        "pub_third",
	}); !errors.Is(err, domain.ErrInvalidFormat) {
		t.Fatalf("unknown code: got %v, want ErrInvalidFormat", err)
	}
}

func TestGroupCapacityOverHTTP(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestRelay(t)

	issuer := backend.NewClient(ts.URL, "device_issuer")
	created, err := issuer.CreateInvite(ctx, backend.CreateInviteInput{
		IssuerDeviceID: "device_issuer",
		PublicKey:      "pub_issuer",
		IsGroup:        true,
		GroupID:        "group_http",
		MaxMembers:     3,
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	first := backend.NewClient(ts.URL, "device_m1")
	res, err := first.RedeemInvite(ctx, backend.RedeemInput{Code: created.Code, RedeemerDeviceID: "device_m1", PublicKey: "pub_m1"})
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if len(res.GroupMembers) != 2 {
		t.Fatalf("roster after first join: %v", res.GroupMembers)
	}

	second := backend.NewClient(ts.URL, "device_m2")
	if _, err := second.RedeemInvite(ctx, backend.RedeemInput{Code: created.Code, RedeemerDeviceID: "device_m2", PublicKey: "pub_m2"}); err != nil {
		t.Fatalf("second join: %v", err)
	}

	late := backend.NewClient(ts.URL, "device_late")
	if _, err := late.RedeemInvite(ctx, backend.RedeemInput{Code: created.Code, RedeemerDeviceID: "device_late", PublicKey: "pub_late"}); !errors.Is(err, domain.ErrGroupFull) {
		t.Fatalf("over capacity: got %v, want ErrGroupFull", err)
	}

	if _, err := first.RedeemInvite(ctx, backend.RedeemInput{Code: created.Code, RedeemerDeviceID: "device_m1", PublicKey: "pub_m1"}); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("repeat join: got %v, want ErrAlreadyJoined", err)
	}
}

// Group admission is granted by the member_count column on the invite row,
// not by counting member rows, so two redemptions racing past the same roster
// snapshot cannot both be admitted.
func TestGroupRedemptionCounterGatesCapacity(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "relay.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := NewStore(db)
	if err := st.AutoMigrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	inv := &Invite{
		Code:           "code_group",
		IssuerDeviceID: "device_issuer",
		PublicKey:      "pub_issuer",
		ConversationID: "conv_group",
		IsGroup:        true,
		GroupID:        "group_store",
		MaxMembers:     3,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	}
	if err := st.CreateInvite(ctx, inv); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	var seeded Invite
	if err := db.First(&seeded, "code = ?", "code_group").Error; err != nil {
		t.Fatalf("reload invite: %v", err)
	}
	if seeded.MemberCount != 1 {
		t.Fatalf("counter after create: got %d, want 1 (issuer slot)", seeded.MemberCount)
	}

	if _, err := st.Redeem(ctx, "code_group", "device_m1", "", "M1", "pub_m1", ""); err != nil {
		t.Fatalf("first join: %v", err)
	}
	res, err := st.Redeem(ctx, "code_group", "device_m2", "", "M2", "pub_m2", "")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if len(res.GroupMembers) != 3 || res.GroupMembers[2] != "device_m2" {
		t.Fatalf("roster at capacity: %v", res.GroupMembers)
	}
	var full Invite
	if err := db.First(&full, "code = ?", "code_group").Error; err != nil {
		t.Fatalf("reload invite: %v", err)
	}
	if full.MemberCount != 3 {
		t.Fatalf("counter at capacity: got %d, want 3", full.MemberCount)
	}

	// A refused redemption leaves neither a member row nor a counter bump.
	if _, err := st.Redeem(ctx, "code_group", "device_late", "", "Late", "pub_late", ""); !errors.Is(err, domain.ErrGroupFull) {
		t.Fatalf("over capacity: got %v, want ErrGroupFull", err)
	}
	var rows int64
	if err := db.Model(&Member{}).Where("group_id = ?", "group_store").Count(&rows).Error; err != nil {
		t.Fatalf("count members: %v", err)
	}
	if rows != 3 {
		t.Fatalf("member rows after refusal: got %d, want 3", rows)
	}

	// An existing member is told so even when the group is full, and the
	// counter stays put.
	if _, err := st.Redeem(ctx, "code_group", "device_m1", "", "M1", "pub_m1", ""); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("repeat join: got %v, want ErrAlreadyJoined", err)
	}
	var after Invite
	if err := db.First(&after, "code = ?", "code_group").Error; err != nil {
		t.Fatalf("reload invite: %v", err)
	}
	if after.MemberCount != 3 {
		t.Fatalf("counter after refusals: got %d, want 3", after.MemberCount)
	}

	// The counter is authoritative: once it reads full, admission is refused
	// regardless of how many member rows exist.
	fresh := &Invite{
		Code:           "code_group2",
		IssuerDeviceID: "device_issuer",
		PublicKey:      "pub_issuer",
		ConversationID: "conv_group2",
		IsGroup:        true,
		GroupID:        "group_store2",
		MaxMembers:     2,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	}
	if err := st.CreateInvite(ctx, fresh); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if err := db.Model(&Invite{}).Where("code = ?", "code_group2").Update("member_count", 2).Error; err != nil {
		t.Fatalf("force counter: %v", err)
	}
	if _, err := st.Redeem(ctx, "code_group2", "device_m9", "", "M9", "pub_m9", ""); !errors.Is(err, domain.ErrGroupFull) {
		t.Fatalf("counter-full redemption: got %v, want ErrGroupFull", err)
	}
}

func TestExpiredInviteOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv, ts := newTestRelay(t)

	issuer := backend.NewClient(ts.URL, "device_issuer")
	created, err := issuer.CreateInvite(ctx, backend.CreateInviteInput{
		IssuerDeviceID: "device_issuer",
		PublicKey:      "pub_issuer",
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	srv.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	redeemer := backend.NewClient(ts.URL, "device_redeemer")
	if _, err := redeemer.RedeemInvite(ctx, backend.RedeemInput{
		Code:             created.Code,
		RedeemerDeviceID: "device_redeemer",
		PublicKey:        "pub_redeemer",
	}); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expired redemption: got %v, want ErrExpired", err)
	}
}

func TestMessagePushOverWebSocket(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestRelay(t)

	sender := backend.NewClient(ts.URL, "device_sender")
	receiver := backend.NewClient(ts.URL, "device_receiver")

	received := make(chan backend.WireMessage, 4)
	stop, err := receiver.Subscribe(ctx, "conv_ws", func(msg backend.WireMessage) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	id, err := sender.SendMessage(ctx, "device_sender", "conv_ws", "ENC2_payload", true)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != id || msg.Ciphertext != "ENC2_payload" || msg.SenderID != "device_sender" {
			t.Fatalf("pushed message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no message pushed")
	}

	// A late subscriber gets the backlog.
	backlog := make(chan backend.WireMessage, 4)
	stopLate, err := receiver.Subscribe(ctx, "conv_ws", func(msg backend.WireMessage) {
		backlog <- msg
	})
	if err != nil {
		t.Fatalf("late Subscribe: %v", err)
	}
	defer stopLate()
	select {
	case msg := <-backlog:
		if msg.ID != id {
			t.Fatalf("backlog message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no backlog delivered")
	}
}

func TestDeleteForEveryoneOverHTTP(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestRelay(t)

	sender := backend.NewClient(ts.URL, "device_sender")
	other := backend.NewClient(ts.URL, "device_other")

	id, err := sender.SendMessage(ctx, "device_sender", "conv_del", "ENC2_gone", true)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Only the sender may delete.
	if err := other.DeleteMessageForEveryone(ctx, id, "device_other"); err == nil {
		t.Fatalf("non-sender delete accepted")
	}
	if err := sender.DeleteMessageForEveryone(ctx, id, "device_sender"); err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	// Idempotent once the relay no longer holds the envelope.
	if err := sender.DeleteMessageForEveryone(ctx, id, "device_sender"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestContactNotificationOverWebSocket(t *testing.T) {
	ctx := context.Background()
	_, ts := newTestRelay(t)

	issuer := backend.NewClient(ts.URL, "device_issuer")
	contacts := make(chan domain.Contact, 1)
	stop, err := issuer.SubscribeToNewContacts(ctx, "device_issuer", func(c domain.Contact) {
		contacts <- c
	})
	if err != nil {
		t.Fatalf("SubscribeToNewContacts: %v", err)
	}
	defer stop()

	created, err := issuer.CreateInvite(ctx, backend.CreateInviteInput{
		IssuerDeviceID: "device_issuer",
		PublicKey:      "pub_issuer",
		TTL:            time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	redeemer := backend.NewClient(ts.URL, "device_redeemer")
	if _, err := redeemer.RedeemInvite(ctx, backend.RedeemInput{
		Code:             created.Code,
		RedeemerDeviceID: "device_redeemer",
		RedeemerUserID:   "user_REDEEM23",
		Name:             "Redeemer",
		PublicKey:        "pub_redeemer",
	}); err != nil {
		t.Fatalf("RedeemInvite: %v", err)
	}

	select {
	case contact := <-contacts:
		if contact.ID != "device_redeemer" || contact.PublicKey != "pub_redeemer" {
			t.Fatalf("notified contact: %+v", contact)
		}
		if contact.PairingCode != created.Code {
			t.Fatalf("notified contact pairing code: %+v", contact)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no contact notification")
	}
}
