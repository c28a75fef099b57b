package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Record mirrors the escrow_disputes table. Disputes are tracked, never
// auto-resolved; an external arbitration decision closes them.
type Record struct {
	ID         string
	EscrowID   string
	RaisedBy   string
	Reason     string
	Evidence   []string
	Status     Status
	Resolution *string
	ResolvedBy *string
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateParams contains the write parameters for opening a dispute.
type CreateParams struct {
	EscrowID string
	RaisedBy string
	Reason   string
	Evidence []string
}
