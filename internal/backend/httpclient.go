package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pairlink/internal/domain"

	"github.com/gorilla/websocket"
)

// Client speaks to a relay server over HTTP and WebSocket. It lazily obtains
// a device session token and retries once when the token expires.
type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(baseURL, deviceID string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		deviceID: deviceID,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Backend = (*Client)(nil)

type sessionRequest struct {
	DeviceID string `json:"deviceId"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

type createInviteRequest struct {
	IssuerDeviceID string `json:"issuerDeviceId"`
	IssuerUserID   string `json:"issuerUserId"`
	Name           string `json:"name"`
	PublicKey      string `json:"publicKey"`
	IsGroup        bool   `json:"isGroup,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	MaxMembers     int    `json:"maxMembers,omitempty"`
	TTLSeconds     int64  `json:"ttlSeconds"`
}

type createInviteResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type redeemRequest struct {
	Code                 string `json:"code"`
	DeviceID             string `json:"deviceId"`
	UserID               string `json:"userId"`
	Name                 string `json:"name"`
	PublicKey            string `json:"publicKey"`
	ConversationOverride string `json:"conversationOverride,omitempty"`
}

type redeemResponse struct {
	Contact      domain.Contact `json:"contact"`
	GroupMembers []string       `json:"groupMembers,omitempty"`
}

type sendRequest struct {
	ConversationID string `json:"conversationId"`
	Ciphertext     string `json:"ciphertext"`
	Encrypted      bool   `json:"encrypted"`
}

type sendResponse struct {
	ID     string    `json:"id"`
	SentAt time.Time `json:"sentAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// sentinelFromCode translates the relay's wire error codes into the domain
// sentinels the invite protocol matches on.
func sentinelFromCode(code string) error {
	switch code {
	case "unknown_code":
		return domain.ErrInvalidFormat
	case "expired":
		return domain.ErrExpired
	case "already_used":
		return domain.ErrAlreadyUsed
	case "already_joined":
		return domain.ErrAlreadyJoined
	case "group_full":
		return domain.ErrGroupFull
	case "self_pairing":
		return domain.ErrSelfPairingRejected
	default:
		return fmt.Errorf("pairlink/backend: relay error %q", code)
	}
}

func (c *Client) CreateInvite(ctx context.Context, in CreateInviteInput) (CreateInviteResult, error) {
	req := createInviteRequest{
		IssuerDeviceID: in.IssuerDeviceID,
		IssuerUserID:   in.IssuerUserID,
		Name:           in.Name,
		PublicKey:      in.PublicKey,
		IsGroup:        in.IsGroup,
		GroupID:        in.GroupID,
		MaxMembers:     in.MaxMembers,
		TTLSeconds:     int64(in.TTL / time.Second),
	}
	var resp createInviteResponse
	if err := c.postJSON(ctx, "/v1/invites", req, &resp, false); err != nil {
		return CreateInviteResult{}, err
	}
	return CreateInviteResult{Code: resp.Code, ExpiresAt: resp.ExpiresAt}, nil
}

func (c *Client) RedeemInvite(ctx context.Context, in RedeemInput) (RedeemResult, error) {
	req := redeemRequest{
		Code:                 in.Code,
		DeviceID:             in.RedeemerDeviceID,
		UserID:               in.RedeemerUserID,
		Name:                 in.Name,
		PublicKey:            in.PublicKey,
		ConversationOverride: in.ConversationOverride,
	}
	var resp redeemResponse
	if err := c.postJSON(ctx, "/v1/invites/redeem", req, &resp, false); err != nil {
		return RedeemResult{}, err
	}
	return RedeemResult{Contact: resp.Contact, GroupMembers: resp.GroupMembers}, nil
}

func (c *Client) SendMessage(ctx context.Context, senderID, conversationID, ciphertext string, encrypted bool) (string, error) {
	if senderID != c.deviceID {
		return "", fmt.Errorf("pairlink/backend: client bound to device %s, send requested as %s", c.deviceID, senderID)
	}
	req := sendRequest{ConversationID: conversationID, Ciphertext: ciphertext, Encrypted: encrypted}
	var resp sendResponse
	if err := c.postJSON(ctx, "/v1/messages", req, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) DeleteMessageForEveryone(ctx context.Context, messageID, requesterID string) error {
	if requesterID != c.deviceID {
		return fmt.Errorf("pairlink/backend: client bound to device %s, delete requested as %s", c.deviceID, requesterID)
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/messages/"+url.PathEscape(messageID), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return nil
}

// Subscribe opens a WebSocket for the conversation and invokes onMessage for
// each relayed envelope, backlog included. The returned function closes the
// connection.
func (c *Client) Subscribe(ctx context.Context, conversationID string, onMessage func(WireMessage)) (func(), error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	wsURL, err := c.websocketURL("/v1/ws", url.Values{
		"conversation_id": {conversationID},
		"token":           {token},
	})
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			var msg WireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					slog.Debug("ws read ended", "conversation", conversationID, "error", err)
				}
				return
			}
			onMessage(msg)
		}
	}()
	return func() { _ = conn.Close() }, nil
}

// SubscribeToNewContacts streams contacts created when peers redeem this
// device's invites.
func (c *Client) SubscribeToNewContacts(ctx context.Context, deviceID string, onContact func(domain.Contact)) (func(), error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	wsURL, err := c.websocketURL("/v1/ws/contacts", url.Values{"token": {token}})
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			var contact domain.Contact
			if err := conn.ReadJSON(&contact); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					slog.Debug("contact ws read ended", "device", deviceID, "error", err)
				}
				return
			}
			onContact(contact)
		}
	}()
	return func() { _ = conn.Close() }, nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	body, err := json.Marshal(sessionRequest{DeviceID: c.deviceID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/devices/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return "", decodeError(resp)
	}
	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", err
	}
	c.token = session.Token
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any, authed bool) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	attempt := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authed {
			token, err := c.ensureToken(ctx)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return c.http.Do(req)
	}

	resp, err := attempt()
	if err != nil {
		return err
	}
	if authed && resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		c.invalidateToken()
		resp, err = attempt()
		if err != nil {
			return err
		}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) websocketURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("pairlink/backend: unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return sentinelFromCode(body.Error)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		text = resp.Status
	}
	return fmt.Errorf("pairlink/backend: relay request failed: %s", text)
}
