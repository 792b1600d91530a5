package invite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"pairlink/internal/backend"
	"pairlink/internal/domain"
	"pairlink/internal/events"
	"pairlink/internal/identity"
	"pairlink/internal/kv"
	"pairlink/internal/ledger"
	"pairlink/internal/observability/metrics"
	"pairlink/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("invite-test")
	m.Run()
}

type testDevice struct {
	svc    *Service
	store  *store.Store
	ledger *ledger.Ledger
	ident  *identity.Store
	bus    *events.Bus
}

func newTestDevice(t *testing.T, be backend.Backend, name string) *testDevice {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), name+".db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	led := ledger.New(st, bus)
	ident := identity.NewStore(kv.NewMemory())
	svc := NewService(st, led, be, ident, bus, name)

	stop, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(stop)
	return &testDevice{svc: svc, store: st, ledger: led, ident: ident, bus: bus}
}

func TestPersonalInviteSingleUse(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	alice := newTestDevice(t, be, "Alice")
	bob := newTestDevice(t, be, "Bob")
	carol := newTestDevice(t, be, "Carol")

	inv, encoded, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal: %v", err)
	}
	if inv.Used || inv.IsGroupInvite {
		t.Fatalf("fresh personal invite: %+v", inv)
	}

	contact, err := bob.svc.Redeem(ctx, encoded)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	aliceDeviceID, _ := alice.ident.GetOrCreateDeviceID(ctx)
	if contact.ID != aliceDeviceID {
		t.Fatalf("redeemed contact id: got %q want %q", contact.ID, aliceDeviceID)
	}
	if contact.ConversationID == "" {
		t.Fatalf("redeemed contact has no conversation id")
	}

	// Issuer side: Bob appears in Alice's ledger via the notification path.
	bobDeviceID, _ := bob.ident.GetOrCreateDeviceID(ctx)
	if _, err := alice.ledger.Contact(ctx, bobDeviceID); err != nil {
		t.Fatalf("issuer-side contact missing: %v", err)
	}

	// Second redemption of the same code fails.
	if _, err := carol.svc.Redeem(ctx, encoded); !errors.Is(err, domain.ErrAlreadyUsed) {
		t.Fatalf("second redemption: got %v, want ErrAlreadyUsed", err)
	}
}

func TestPersonalInviteIdempotentWhileActive(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, backend.NewMemory(), "Alice")

	first, _, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal: %v", err)
	}
	second, _, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal again: %v", err)
	}
	if first.Code != second.Code {
		t.Fatalf("active invite not reused: %q vs %q", first.Code, second.Code)
	}
}

func TestReplacementInviteAfterRedemption(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	alice := newTestDevice(t, be, "Alice")
	bob := newTestDevice(t, be, "Bob")

	first, encoded, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal: %v", err)
	}
	if _, err := bob.svc.Redeem(ctx, encoded); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	// The redeemed invite is retired and a replacement is already active.
	replacement, _, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal after redemption: %v", err)
	}
	if replacement.Code == first.Code {
		t.Fatalf("redeemed invite was handed out again")
	}
	retired, err := alice.store.Invites().Get(ctx, first.Code)
	if err != nil {
		t.Fatalf("Get retired invite: %v", err)
	}
	if !retired.Used {
		t.Fatalf("redeemed invite not marked used on issuer")
	}
}

func TestSelfPairingRejected(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, backend.NewMemory(), "Alice")

	_, encoded, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal: %v", err)
	}
	if _, err := alice.svc.Redeem(ctx, encoded); !errors.Is(err, domain.ErrSelfPairingRejected) {
		t.Fatalf("self redemption: got %v, want ErrSelfPairingRejected", err)
	}
}

func TestExpiredInviteRejected(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	alice := newTestDevice(t, be, "Alice")
	bob := newTestDevice(t, be, "Bob")

	_, encoded, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal: %v", err)
	}

	// Move both the redeemer and the backend past the 24h expiry.
	future := time.Now().Add(25 * time.Hour)
	bob.svc.SetClock(func() time.Time { return future })
	be.SetClock(func() time.Time { return future })

	if _, err := bob.svc.Redeem(ctx, encoded); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expired redemption: got %v, want ErrExpired", err)
	}
}

func TestGroupInviteCapacity(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	alice := newTestDevice(t, be, "Alice")

	inv, encoded, err := alice.svc.IssueGroup(ctx, 3)
	if err != nil {
		t.Fatalf("IssueGroup: %v", err)
	}
	if !inv.IsGroupInvite || inv.GroupMaxMembers != 3 {
		t.Fatalf("group invite shape: %+v", inv)
	}

	// Issuer holds the first slot; two more distinct devices fit.
	var members []*testDevice
	for i := 0; i < 2; i++ {
		dev := newTestDevice(t, be, fmt.Sprintf("Member%d", i))
		if _, err := dev.svc.Redeem(ctx, encoded); err != nil {
			t.Fatalf("redemption %d: %v", i, err)
		}
		members = append(members, dev)
	}

	// Fourth device: group is full.
	late := newTestDevice(t, be, "Late")
	if _, err := late.svc.Redeem(ctx, encoded); !errors.Is(err, domain.ErrGroupFull) {
		t.Fatalf("over-capacity redemption: got %v, want ErrGroupFull", err)
	}

	// Repeat redemption by a joined device.
	if _, err := members[0].svc.Redeem(ctx, encoded); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("repeat redemption: got %v, want ErrAlreadyJoined", err)
	}

	// Issuer-side group marking reflects all three members.
	got, err := alice.ledger.GroupMembers(ctx, inv.GroupID)
	if err != nil {
		t.Fatalf("GroupMembers: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("issuer-side membership: %v", got)
	}
}

func TestGroupSizeClamped(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t, backend.NewMemory(), "Alice")

	tiny, _, err := alice.svc.IssueGroup(ctx, 1)
	if err != nil {
		t.Fatalf("IssueGroup(1): %v", err)
	}
	if tiny.GroupMaxMembers != 2 {
		t.Fatalf("lower clamp: got %d", tiny.GroupMaxMembers)
	}
	huge, _, err := alice.svc.IssueGroup(ctx, 500)
	if err != nil {
		t.Fatalf("IssueGroup(500): %v", err)
	}
	if huge.GroupMaxMembers != 50 {
		t.Fatalf("upper clamp: got %d", huge.GroupMaxMembers)
	}
}

func TestRedeemTombstonedIssuer(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	alice := newTestDevice(t, be, "Alice")
	bob := newTestDevice(t, be, "Bob")

	_, encoded, err := alice.svc.IssuePersonal(ctx)
	if err != nil {
		t.Fatalf("IssuePersonal: %v", err)
	}

	// Bob once removed Alice; her device id is tombstoned on his side.
	aliceDeviceID, _ := alice.ident.GetOrCreateDeviceID(ctx)
	if err := bob.ledger.RemoveContact(ctx, aliceDeviceID); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}

	if _, err := bob.svc.Redeem(ctx, encoded); !errors.Is(err, domain.ErrContactDeleted) {
		t.Fatalf("tombstoned issuer: got %v, want ErrContactDeleted", err)
	}
}
