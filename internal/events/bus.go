// Package events is the core's publish/subscribe surface. Application shells
// register handlers here instead of the core depending on any UI framework.
package events

import "sync"

type Kind string

const (
	KindNewMessage     Kind = "new_message"
	KindMessageState   Kind = "message_state_changed"
	KindContactUpdated Kind = "contact_updated"
	KindInviteRedeemed Kind = "invite_redeemed"
)

// Event carries the identifiers a handler needs to react; payloads stay in the
// stores so stale events can never resurrect deleted data.
type Event struct {
	Kind           Kind
	ConversationID string
	MessageID      string
	ContactID      string
	InviteCode     string
	Detail         string
}

type Handler func(Event)

// Bus fans events out to subscribed handlers. Publish calls handlers
// synchronously in subscription order; handlers that need to block should
// hand off to their own goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind]map[int]Handler)}
}

// Subscribe registers a handler for one event kind and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[kind][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Kind]))
	for _, h := range b.subs[ev.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
