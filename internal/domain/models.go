// Package domain holds the persistent record shapes shared by the ledger, the
// invite protocol and the message lifecycle engine.
package domain

import (
	"time"
)

type ContactStatus string

const (
	StatusOnline  ContactStatus = "online"
	StatusAway    ContactStatus = "away"
	StatusOffline ContactStatus = "offline"
)

// PrivacySettings records what the remote party permits us to see.
type PrivacySettings struct {
	ShowStatus       bool `json:"showStatus"`
	ShowReadReceipts bool `json:"showReadReceipts"`
	ShowTyping       bool `json:"showTyping"`
}

// Contact is a paired peer. The primary key is the remote device id; once a
// contact is tombstoned the id can never again identify a live contact.
type Contact struct {
	ID             string        `gorm:"primaryKey;type:text" json:"id"`
	Name           string        `gorm:"type:text;not null" json:"name"`
	PublicKey      string        `gorm:"type:text;not null" json:"publicKey"`
	UserID         string        `gorm:"type:text;index" json:"userId"`
	PairingCode    string        `gorm:"type:text" json:"pairingCode"`
	ConversationID string        `gorm:"type:text;index" json:"conversationId"`
	PairedAt       time.Time     `gorm:"not null" json:"pairedAt"`
	Status         ContactStatus `gorm:"type:text;not null;default:offline" json:"status"`
	IsVerified     bool          `gorm:"not null;default:false" json:"isVerified"`
	Privacy        JSON          `gorm:"type:text" json:"privacy,omitempty"`
}

// Tombstone permanently records a deleted contact identifier. Every alias of
// the contact (device id, user id, conversation id) gets its own row.
type Tombstone struct {
	ID        string    `gorm:"primaryKey;type:text"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// GroupMarking is the single source of truth for group membership. The invite
// payload only carries a snapshot of the member count; capacity decisions are
// always made against these rows.
type GroupMarking struct {
	ID         string    `gorm:"primaryKey;type:text"`
	CreatorID  string    `gorm:"type:text;not null"`
	MaxMembers int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
}

type GroupMember struct {
	GroupID  string    `gorm:"primaryKey;type:text"`
	DeviceID string    `gorm:"primaryKey;type:text"`
	Position int       `gorm:"not null"`
	JoinedAt time.Time `gorm:"not null;autoCreateTime"`
}

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageSeen      MessageStatus = "seen"
)

// Message is one entry in a conversation's local history. Text holds the
// decrypted plaintext (local only, never transported); Envelope holds the
// ciphertext as sent or received. Attachment, when set, is the serialized
// crypto.AttachmentMetadata and is mutually exclusive with Text in the common
// case.
type Message struct {
	ID                     string        `gorm:"primaryKey;type:text" json:"id"`
	ConversationID         string        `gorm:"type:text;not null;index" json:"conversationId"`
	ContactID              string        `gorm:"type:text;index" json:"contactId"`
	Text                   string        `gorm:"type:text" json:"text,omitempty"`
	Envelope               string        `gorm:"type:text" json:"-"`
	Attachment             JSON          `gorm:"type:text" json:"attachment,omitempty"`
	Timestamp              time.Time     `gorm:"not null;index" json:"timestamp"`
	Status                 MessageStatus `gorm:"type:text;not null" json:"status"`
	IsOwn                  bool          `gorm:"not null" json:"isOwn"`
	Unauthenticated        bool          `gorm:"not null;default:false" json:"unauthenticated,omitempty"`
	AutoDeleteTimerMinutes int           `gorm:"not null;default:0" json:"autoDeleteTimerMinutes"`
	DeleteAt               *time.Time    `gorm:"index" json:"deleteAt,omitempty"`
}

// Invite is a time-boxed pairing token. A personal invite flips Used on its
// first successful redemption; a group invite stays active until the group
// reaches capacity or the invite expires.
type Invite struct {
	Code            string    `gorm:"primaryKey;type:text" json:"code"`
	IssuerDeviceID  string    `gorm:"type:text;not null;index" json:"issuerDeviceId"`
	IssuerUserID    string    `gorm:"type:text" json:"issuerUserId"`
	IssuerPublicKey string    `gorm:"type:text;not null" json:"issuerPublicKey"`
	IssuerName      string    `gorm:"type:text" json:"issuerName"`
	CreatedAt       time.Time `gorm:"not null" json:"createdAt"`
	ExpiresAt       time.Time `gorm:"not null;index" json:"expiresAt"`
	Used            bool      `gorm:"not null;default:false" json:"used"`
	UsedBy          string    `gorm:"type:text" json:"usedBy,omitempty"`
	IsGroupInvite   bool      `gorm:"not null;default:false" json:"isGroupInvite"`
	GroupID         string    `gorm:"type:text" json:"groupId,omitempty"`
	GroupMaxMembers int       `gorm:"not null;default:0" json:"groupMaxMembers,omitempty"`
}

// State reports where an invite is in its lifecycle at the given instant.
func (i Invite) State(now time.Time, memberCount int) InviteState {
	switch {
	case now.After(i.ExpiresAt):
		return InviteExpired
	case !i.IsGroupInvite && i.Used:
		return InviteUsed
	case i.IsGroupInvite && memberCount >= i.GroupMaxMembers:
		return InviteFull
	default:
		return InviteActive
	}
}

type InviteState string

const (
	InviteActive  InviteState = "active"
	InviteUsed    InviteState = "used"
	InviteFull    InviteState = "full"
	InviteExpired InviteState = "expired"
)
