// pairctl is a small control CLI for driving a pairlink device against a
// relay: initialize an identity, issue and redeem invites, send messages and
// listen for incoming ones.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pairlink/internal/backend"
	"pairlink/internal/config"
	"pairlink/internal/events"
	"pairlink/internal/identity"
	"pairlink/internal/invite"
	"pairlink/internal/kv"
	"pairlink/internal/ledger"
	"pairlink/internal/lifecycle"
	"pairlink/internal/observability/logging"
	"pairlink/internal/observability/metrics"
	"pairlink/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pairctl <command> [options]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init      Create or show this device's identity")
	fmt.Fprintln(w, "  invite    Issue a pairing invite (use -group N for a group invite)")
	fmt.Fprintln(w, "  redeem    Redeem a scanned invite payload")
	fmt.Fprintln(w, "  contacts  List paired contacts")
	fmt.Fprintln(w, "  send      Encrypt and send a message to a contact")
	fmt.Fprintln(w, "  listen    Receive messages for all conversations")
}

func run(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	slog.SetDefault(logging.NewLogger(logging.Config{
		ServiceName: "pairctl",
		Environment: "cli",
		Level:       os.Getenv("LOG_LEVEL"),
	}))
	metrics.MustRegister("pairctl")

	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "invite":
		return runInvite(args[1:])
	case "redeem":
		return runRedeem(args[1:])
	case "contacts":
		return runContacts(args[1:])
	case "send":
		return runSend(args[1:])
	case "listen":
		return runListen(args[1:])
	default:
		return errUsage
	}
}

// app is the fully wired device: identity, ledger, invite protocol and
// message lifecycle sharing one state directory.
type app struct {
	cfg    config.Config
	ident  *identity.Store
	store  *store.Store
	ledger *ledger.Ledger
	bus    *events.Bus
	client *backend.Client
	invite *invite.Service
	engine *lifecycle.Engine
}

func commonFlags(fs *flag.FlagSet, cfg config.Config) (*string, *string) {
	stateDir := fs.String("state", cfg.StatePath, "state directory")
	name := fs.String("name", defaultName(), "display name offered to paired contacts")
	return stateDir, name
}

func defaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "pairlink device"
}

func openApp(stateDir, name string, cfg config.Config) (*app, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	ident := identity.NewStore(kv.NewFile(filepath.Join(stateDir, "identity.json")))

	db, err := gorm.Open(sqlite.Open(filepath.Join(stateDir, "pairlink.db")), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		return nil, err
	}

	deviceID, err := ident.GetOrCreateDeviceID(context.Background())
	if err != nil {
		return nil, err
	}
	client := backend.NewClient(cfg.RelayBaseURL, deviceID)

	bus := events.NewBus()
	led := ledger.New(st, bus)
	inviteSvc := invite.NewService(st, led, client, ident, bus, name)
	inviteSvc.SetTTL(cfg.InviteTTL)
	engine := lifecycle.NewEngine(st, led, client, ident, bus, lifecycle.Config{
		SweepInterval:     cfg.SweepInterval,
		DeliveredFallback: cfg.DeliveredFallback,
	})

	return &app{
		cfg:    cfg,
		ident:  ident,
		store:  st,
		ledger: led,
		bus:    bus,
		client: client,
		invite: inviteSvc,
		engine: engine,
	}, nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := config.Load()
	stateDir, name := commonFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*stateDir, *name, cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	deviceID, err := a.ident.GetOrCreateDeviceID(ctx)
	if err != nil {
		return err
	}
	userID, err := a.ident.GetOrCreateUserID(ctx)
	if err != nil {
		return err
	}
	pair, err := a.ident.GetOrCreateKeyPair(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("device: %s\nuser:   %s\npublic: %s\n", deviceID, userID, pair.PublicKey)
	return nil
}

func runInvite(args []string) error {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := config.Load()
	stateDir, name := commonFlags(fs, cfg)
	groupSize := fs.Int("group", 0, "issue a group invite for up to N members")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*stateDir, *name, cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()

	var encoded string
	if *groupSize > 0 {
		_, encoded, err = a.invite.IssueGroup(ctx, *groupSize)
	} else {
		_, encoded, err = a.invite.IssuePersonal(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(encoded)
	return nil
}

func runRedeem(args []string) error {
	fs := flag.NewFlagSet("redeem", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := config.Load()
	stateDir, name := commonFlags(fs, cfg)
	code := fs.String("code", "", "invite payload (QR contents)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		return fmt.Errorf("invite payload is required (-code)")
	}
	a, err := openApp(*stateDir, *name, cfg)
	if err != nil {
		return err
	}
	contact, err := a.invite.Redeem(context.Background(), *code)
	if err != nil {
		return err
	}
	fmt.Printf("paired with %s (%s), conversation %s\n", contact.Name, contact.ID, contact.ConversationID)
	return nil
}

func runContacts(args []string) error {
	fs := flag.NewFlagSet("contacts", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := config.Load()
	stateDir, name := commonFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*stateDir, *name, cfg)
	if err != nil {
		return err
	}
	contacts, err := a.ledger.Contacts(context.Background())
	if err != nil {
		return err
	}
	if len(contacts) == 0 {
		fmt.Println("no contacts")
		return nil
	}
	for _, c := range contacts {
		fmt.Printf("%s\t%s\t%s\n", c.ID, c.Name, c.ConversationID)
	}
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := config.Load()
	stateDir, name := commonFlags(fs, cfg)
	to := fs.String("to", "", "contact device id")
	message := fs.String("message", "", "message text (if empty, read stdin)")
	timer := fs.Int("timer", 0, "auto-delete timer in minutes (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("contact id is required (-to)")
	}
	text := *message
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = string(data)
	}
	if text == "" {
		return fmt.Errorf("message must not be empty")
	}

	a, err := openApp(*stateDir, *name, cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	contact, err := a.ledger.Contact(ctx, *to)
	if err != nil {
		return err
	}
	msg, err := a.engine.Send(ctx, contact, text, *timer)
	if err != nil {
		return err
	}
	fmt.Printf("message %s %s\n", msg.ID, msg.Status)
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg := config.Load()
	stateDir, name := commonFlags(fs, cfg)
	timer := fs.Int("timer", 0, "auto-delete timer applied to received messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*stateDir, *name, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Accept redemptions of our invites while listening.
	stopInvites, err := a.invite.Start(ctx)
	if err != nil {
		return err
	}
	defer stopInvites()
	go a.engine.Run(ctx)

	deviceID, err := a.ident.GetOrCreateDeviceID(ctx)
	if err != nil {
		return err
	}
	contacts, err := a.ledger.Contacts(ctx)
	if err != nil {
		return err
	}
	if len(contacts) == 0 {
		return fmt.Errorf("no contacts to listen for; redeem or issue an invite first")
	}

	out := bufio.NewWriter(os.Stdout)
	defer func() { _ = out.Flush() }()

	for i := range contacts {
		contact := contacts[i]
		stop, err := a.client.Subscribe(ctx, contact.ConversationID, func(wire backend.WireMessage) {
			if wire.SenderID == deviceID {
				return
			}
			msg, err := a.engine.Receive(ctx, &contact, wire, *timer)
			if err != nil {
				fmt.Fprintf(os.Stderr, "decrypt failed: %v\n", err)
				return
			}
			fmt.Fprintf(out, "[%s] %s: %s\n", msg.Timestamp.Format(time.RFC3339), contact.Name, msg.Text)
			_ = out.Flush()
		})
		if err != nil {
			return err
		}
		defer stop()
	}

	fmt.Fprintf(os.Stderr, "listening on %d conversation(s), ctrl-c to stop\n", len(contacts))
	<-ctx.Done()
	return nil
}
