package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes the escrow lifecycle step that moved funds.
type Kind string

const (
	KindFund             Kind = "fund"
	KindMilestoneRelease Kind = "milestone_release"
	KindRelease          Kind = "release"
	KindRefund           Kind = "refund"
)

// PartyCustody is the notional holder of funds between funding and
// release/refund. It is not a user id.
const PartyCustody = "custody"

// Transaction is an immutable record of one directed fund movement. Rows are
// append-only; there is no update path.
type Transaction struct {
	ID            string
	EscrowID      string
	FromParty     string
	ToParty       string
	Amount        decimal.Decimal
	Currency      string
	Kind          Kind
	SettlementRef string
	Description   string
	CreatedAt     time.Time
}

// Entry carries the write parameters for a single transfer record.
type Entry struct {
	EscrowID      string
	FromParty     string
	ToParty       string
	Amount        decimal.Decimal
	Currency      string
	Kind          Kind
	SettlementRef string
	Description   string
}
