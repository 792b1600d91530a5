package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"pairlink/internal/backend"
	"pairlink/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Wire documents shared between the relay and its HTTP client.
type (
	SessionRequest struct {
		DeviceID string `json:"deviceId"`
	}
	SessionResponse struct {
		Token string `json:"token"`
	}
	CreateInviteRequest struct {
		IssuerDeviceID string `json:"issuerDeviceId"`
		IssuerUserID   string `json:"issuerUserId"`
		Name           string `json:"name"`
		PublicKey      string `json:"publicKey"`
		IsGroup        bool   `json:"isGroup,omitempty"`
		GroupID        string `json:"groupId,omitempty"`
		MaxMembers     int    `json:"maxMembers,omitempty"`
		TTLSeconds     int64  `json:"ttlSeconds"`
	}
	CreateInviteResponse struct {
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	RedeemRequest struct {
		Code                 string `json:"code"`
		DeviceID             string `json:"deviceId"`
		UserID               string `json:"userId"`
		Name                 string `json:"name"`
		PublicKey            string `json:"publicKey"`
		ConversationOverride string `json:"conversationOverride,omitempty"`
	}
	RedeemResponse struct {
		Contact      domain.Contact `json:"contact"`
		GroupMembers []string       `json:"groupMembers,omitempty"`
	}
	SendRequest struct {
		ConversationID string `json:"conversationId"`
		Ciphertext     string `json:"ciphertext"`
		Encrypted      bool   `json:"encrypted"`
	}
	SendResponse struct {
		ID     string    `json:"id"`
		SentAt time.Time `json:"sentAt"`
	}
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// Redemption error codes on the wire.
const (
	CodeUnknown     = "unknown_code"
	CodeExpired     = "expired"
	CodeUsed        = "already_used"
	CodeJoined      = "already_joined"
	CodeFull        = "group_full"
	CodeSelfPairing = "self_pairing"
	CodeNotSender   = "not_sender"
)

type Server struct {
	store  *Store
	hub    *Hub
	signer *TokenSigner
	now    func() time.Time
}

func NewServer(store *Store, signer *TokenSigner) *Server {
	return &Server{store: store, hub: NewHub(), signer: signer, now: time.Now}
}

// SetClock substitutes the time source for expiry tests, including the
// store's.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.store.SetClock(now)
}

// Router assembles the relay's HTTP surface. Invite endpoints are rate
// limited per client IP since they gate account pairing; message endpoints
// require a device session token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/v1/devices/session", s.handleSession)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Post("/v1/invites", s.handleCreateInvite)
		r.Post("/v1/invites/redeem", s.handleRedeem)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireDevice)
		r.Post("/v1/messages", s.handleSend)
		r.Delete("/v1/messages/{id}", s.handleDelete)
	})

	r.Get("/v1/ws", s.handleConversationWS)
	r.Get("/v1/ws/contacts", s.handleContactWS)

	return WithObservability(r)
}

type contextKey string

const deviceKey contextKey = "device"

func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		deviceID, err := s.signer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey, deviceID)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	// WebSocket clients cannot set headers from browsers; accept a query
	// parameter there.
	return r.URL.Query().Get("token")
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	token, err := s.signer.Issue(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Token: token})
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req CreateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if req.IssuerDeviceID == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := s.now().UTC()
	inv := Invite{
		Code:           uuid.NewString(),
		IssuerDeviceID: req.IssuerDeviceID,
		IssuerUserID:   req.IssuerUserID,
		IssuerName:     req.Name,
		PublicKey:      req.PublicKey,
		ConversationID: uuid.NewString(),
		IsGroup:        req.IsGroup,
		GroupID:        req.GroupID,
		MaxMembers:     req.MaxMembers,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := s.store.CreateInvite(r.Context(), &inv); err != nil {
		slog.Error("create invite", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusCreated, CreateInviteResponse{Code: inv.Code, ExpiresAt: inv.ExpiresAt})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if req.Code == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	result, err := s.store.Redeem(r.Context(), req.Code, req.DeviceID, req.UserID, req.Name, req.PublicKey, req.ConversationOverride)
	if err != nil {
		status, code := redemptionError(err)
		if code == "internal" {
			slog.Error("redeem invite", "code", req.Code, "error", err)
		}
		writeError(w, status, code)
		return
	}

	s.hub.NotifyContact(result.Issuer.ID, result.Redeemer)
	writeJSON(w, http.StatusOK, RedeemResponse{Contact: result.Issuer, GroupMembers: result.GroupMembers})
}

func redemptionError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnknownCode):
		return http.StatusNotFound, CodeUnknown
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone, CodeExpired
	case errors.Is(err, domain.ErrAlreadyUsed):
		return http.StatusConflict, CodeUsed
	case errors.Is(err, domain.ErrAlreadyJoined):
		return http.StatusConflict, CodeJoined
	case errors.Is(err, domain.ErrGroupFull):
		return http.StatusConflict, CodeFull
	case errors.Is(err, domain.ErrSelfPairingRejected):
		return http.StatusBadRequest, CodeSelfPairing
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := r.Context().Value(deviceKey).(string)
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if req.ConversationID == "" || req.Ciphertext == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	env := Envelope{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       deviceID,
		Ciphertext:     req.Ciphertext,
		Encrypted:      req.Encrypted,
		SentAt:         s.now().UTC(),
	}
	if err := s.store.InsertEnvelope(r.Context(), &env); err != nil {
		slog.Error("insert envelope", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	s.hub.BroadcastEnvelope(env.ConversationID, wireMessage(env))
	writeJSON(w, http.StatusCreated, SendResponse{ID: env.ID, SentAt: env.SentAt})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := r.Context().Value(deviceKey).(string)
	id := chi.URLParam(r, "id")
	ok, err := s.store.DeleteEnvelope(r.Context(), id, deviceID)
	if err != nil {
		slog.Error("delete envelope", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, CodeNotSender)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	// The relay is a dev reference; browser shells connect from any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing_conversation_id")
		return
	}
	if _, err := s.signer.Verify(bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws upgrade", "error", err)
		return
	}

	// Backlog first, then live pushes. A message landing between the two is
	// re-sent on the next reconnect.
	pending, err := s.store.Pending(r.Context(), conversationID, time.Time{}, 0)
	if err != nil {
		_ = conn.Close()
		return
	}
	for _, env := range pending {
		if err := conn.WriteJSON(wireMessage(env)); err != nil {
			_ = conn.Close()
			return
		}
	}
	s.hub.AddConversation(conversationID, conn)
	defer s.hub.RemoveConversation(conversationID, conn)
	discardUntilClose(conn)
}

func (s *Server) handleContactWS(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.signer.Verify(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws upgrade", "error", err)
		return
	}
	s.hub.AddContactWatcher(deviceID, conn)
	defer s.hub.RemoveContactWatcher(deviceID, conn)
	discardUntilClose(conn)
}

func discardUntilClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func wireMessage(env Envelope) backend.WireMessage {
	return backend.WireMessage{
		ID:             env.ID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Ciphertext:     env.Ciphertext,
		Encrypted:      env.Encrypted,
		SentAt:         env.SentAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Error: code})
}
