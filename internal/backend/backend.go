// Package backend defines the contract with the external relay service that
// carries invites and ciphertext between devices. The core never depends on a
// concrete transport: tests and single-process deployments use the in-process
// implementation, everything else the HTTP client.
package backend

import (
	"context"
	"time"

	"pairlink/internal/domain"
)

// CreateInviteInput carries everything the relay needs to register an invite.
// Group fields are zero for personal invites.
type CreateInviteInput struct {
	IssuerDeviceID string
	IssuerUserID   string
	Name           string
	PublicKey      string
	IsGroup        bool
	GroupID        string
	MaxMembers     int
	TTL            time.Duration
}

type CreateInviteResult struct {
	Code      string
	ExpiresAt time.Time
}

// RedeemInput identifies the redeemer to the relay. ConversationOverride, when
// set, pins the conversation id instead of letting the relay mint one.
type RedeemInput struct {
	Code                 string
	RedeemerDeviceID     string
	RedeemerUserID       string
	Name                 string
	PublicKey            string
	ConversationOverride string
}

// RedeemResult describes the issuer as a contact for the redeemer's ledger.
type RedeemResult struct {
	Contact      domain.Contact
	GroupMembers []string
}

// WireMessage is one relayed ciphertext envelope.
type WireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Ciphertext     string    `json:"ciphertext"`
	Encrypted      bool      `json:"encrypted"`
	SentAt         time.Time `json:"sentAt"`
}

// Backend is the relay collaborator contract. Redemption failures come back
// as the domain sentinel errors (ErrAlreadyUsed, ErrGroupFull, ...) so the
// invite protocol can surface them unchanged.
type Backend interface {
	CreateInvite(ctx context.Context, in CreateInviteInput) (CreateInviteResult, error)
	RedeemInvite(ctx context.Context, in RedeemInput) (RedeemResult, error)
	SendMessage(ctx context.Context, senderID, conversationID, ciphertext string, encrypted bool) (string, error)
	Subscribe(ctx context.Context, conversationID string, onMessage func(WireMessage)) (func(), error)
	SubscribeToNewContacts(ctx context.Context, deviceID string, onContact func(domain.Contact)) (func(), error)
	DeleteMessageForEveryone(ctx context.Context, messageID, requesterID string) error
}
