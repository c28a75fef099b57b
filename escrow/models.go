package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an escrow account. Transitions are
// monotonic except disputed, which is entered from funded and exited only by
// an external resolution.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Terminal reports whether no further fund-moving transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// MilestoneStatus is the lifecycle state of one partial deliverable.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneReleased  MilestoneStatus = "released"
)

// PayeeRef identifies the receiving party. A payee is either bound to a
// registered user or pending acceptance of an invite sent to an email
// address. The two cases are kept distinct so an unresolved payee can never
// be mistaken for a user id.
type PayeeRef struct {
	userID      string
	inviteEmail string
}

// BoundPayee references a registered user.
func BoundPayee(userID string) PayeeRef {
	return PayeeRef{userID: userID}
}

// PendingPayee references a not-yet-registered invitee by email.
func PendingPayee(email string) PayeeRef {
	return PayeeRef{inviteEmail: email}
}

// Bound returns the user id and true when the payee has been bound.
func (p PayeeRef) Bound() (string, bool) {
	return p.userID, p.userID != ""
}

// InviteEmail returns the invitee email for a pending payee.
func (p PayeeRef) InviteEmail() string {
	return p.inviteEmail
}

// Account represents one custodial agreement between a payer and a payee.
type Account struct {
	ID               string
	TaskID           *string
	PayerID          string
	Payee            PayeeRef
	Amount           decimal.Decimal
	Currency         string
	Status           Status
	Description      string
	CurrentMilestone int
	DisputeReason    *string
	SettlementRef    *string
	FundedAt         *time.Time
	ReleasedAt       *time.Time
	RefundedAt       *time.Time
	DisputedAt       *time.Time
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Milestones       []Milestone
}

// Milestone is one partial deliverable with its own amount, approved and
// released independently of the full escrow.
type Milestone struct {
	ID          string
	EscrowID    string
	Number      int
	Description string
	Amount      decimal.Decimal
	Status      MilestoneStatus
	ProofURL    *string
	ApprovedBy  *string
	ApprovedAt  *time.Time
	ReleasedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MilestoneInput describes one milestone at creation time.
type MilestoneInput struct {
	Description string
	Amount      decimal.Decimal
}

// CreateParams carries the inputs for opening a new escrow account.
type CreateParams struct {
	PayerID         string
	PayeeIdentifier string
	TaskID          *string
	Amount          decimal.Decimal
	Currency        string
	Description     string
	Milestones      []MilestoneInput
}

// CreateResult bundles the new account with the invite code issued when the
// payee identifier did not resolve to a registered user. InviteCode is the
// only place the plaintext code is ever surfaced.
type CreateResult struct {
	Account    Account
	InviteCode string
}

// DisputeOutcome is the arbitration decision applied when resolving a dispute.
type DisputeOutcome string

const (
	OutcomeResume  DisputeOutcome = "resume"
	OutcomeRelease DisputeOutcome = "release"
	OutcomeRefund  DisputeOutcome = "refund"
)

// Event types appended to the escrow audit timeline.
const (
	EventCreated            = "ESCROW_CREATED"
	EventAccepted           = "ESCROW_ACCEPTED"
	EventFunded             = "ESCROW_FUNDED"
	EventMilestoneSubmitted = "MILESTONE_SUBMITTED"
	EventMilestoneApproved  = "MILESTONE_APPROVED"
	EventMilestoneReleased  = "MILESTONE_RELEASED"
	EventReleased           = "ESCROW_RELEASED"
	EventRefunded           = "ESCROW_REFUNDED"
	EventDisputed           = "ESCROW_DISPUTED"
	EventDisputeResolved    = "DISPUTE_RESOLVED"
)

// Outbox topics published for downstream notification delivery.
const (
	TopicCreated            = "escrow.created"
	TopicAccepted           = "escrow.accepted"
	TopicFunded             = "escrow.funded"
	TopicMilestoneSubmitted = "escrow.milestone_submitted"
	TopicMilestoneApproved  = "escrow.milestone_approved"
	TopicMilestoneReleased  = "escrow.milestone_released"
	TopicReleased           = "escrow.released"
	TopicRefunded           = "escrow.refunded"
	TopicDisputed           = "escrow.disputed"
	TopicDisputeResolved    = "escrow.dispute_resolved"
)
