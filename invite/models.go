package invite

import "time"

// Status is the lifecycle state of an onboarding invite.
type Status string

const (
	StatusInvited  Status = "invited"
	StatusAccepted Status = "accepted"
	StatusExpired  Status = "expired"
)

// Invite links an escrow waiting on an unregistered payee to the email the
// invite was sent to. Only the SHA3 digest of the code is stored; the
// plaintext code exists in the invite email alone.
type Invite struct {
	ID         string
	EscrowID   string
	Email      string
	CodeDigest string
	Status     Status
	InvitedBy  string
	ExpiresAt  time.Time
	AcceptedBy *string
	AcceptedAt *time.Time
	CreatedAt  time.Time
}
