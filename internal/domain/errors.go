package domain

import "errors"

// Invite-validation and ledger failures are always recovered at the call site
// and surfaced to the caller as one of these; they never abort a conversation.
var (
	ErrInvalidFormat       = errors.New("pairlink: invalid invite payload")
	ErrExpired             = errors.New("pairlink: invite expired")
	ErrAlreadyUsed         = errors.New("pairlink: invite already used")
	ErrAlreadyJoined       = errors.New("pairlink: device already joined this group")
	ErrGroupFull           = errors.New("pairlink: group at capacity")
	ErrSelfPairingRejected = errors.New("pairlink: cannot pair with yourself")
	ErrContactDeleted      = errors.New("pairlink: contact was deleted")
)
