package relay

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans queued envelopes and contact notifications out to connected
// devices. Connections are in-memory only; a reconnecting device catches up
// through the pending queue.
type Hub struct {
	mu            sync.Mutex
	conversations map[string]map[*websocket.Conn]bool
	contacts      map[string]map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{
		conversations: make(map[string]map[*websocket.Conn]bool),
		contacts:      make(map[string]map[*websocket.Conn]bool),
	}
}

func (h *Hub) AddConversation(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conversations[conversationID] == nil {
		h.conversations[conversationID] = make(map[*websocket.Conn]bool)
	}
	h.conversations[conversationID][conn] = true
}

func (h *Hub) RemoveConversation(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conversations[conversationID], conn)
}

func (h *Hub) AddContactWatcher(deviceID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.contacts[deviceID] == nil {
		h.contacts[deviceID] = make(map[*websocket.Conn]bool)
	}
	h.contacts[deviceID][conn] = true
}

func (h *Hub) RemoveContactWatcher(deviceID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.contacts[deviceID], conn)
}

// BroadcastEnvelope pushes a message to every subscriber of its conversation.
// A failed write drops the connection; the device re-syncs on reconnect.
func (h *Hub) BroadcastEnvelope(conversationID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conversations[conversationID] {
		if err := conn.WriteJSON(payload); err != nil {
			slog.Debug("ws push failed", "conversation", conversationID, "error", err)
			delete(h.conversations[conversationID], conn)
			_ = conn.Close()
		}
	}
}

// NotifyContact pushes a new-contact document to the device that issued the
// redeemed invite.
func (h *Hub) NotifyContact(deviceID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.contacts[deviceID] {
		if err := conn.WriteJSON(payload); err != nil {
			slog.Debug("ws contact push failed", "device", deviceID, "error", err)
			delete(h.contacts[deviceID], conn)
			_ = conn.Close()
		}
	}
}
