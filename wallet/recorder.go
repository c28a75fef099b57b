package wallet

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Recorder appends wallet transaction rows inside the caller's transaction so
// a fund movement and the state transition that caused it commit together.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record inserts one immutable transfer row. It must be called with the same
// pgx.Tx that carries the escrow state write.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, entry Entry) (Transaction, error) {
	if entry.EscrowID == "" {
		return Transaction{}, fmt.Errorf("wallet: missing escrow id")
	}
	if entry.FromParty == "" || entry.ToParty == "" {
		return Transaction{}, fmt.Errorf("wallet: missing transfer parties")
	}
	if !entry.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("wallet: non-positive amount %s", entry.Amount)
	}

	const insertSQL = `
		INSERT INTO wallet_transactions (escrow_id, from_party, to_party, amount, currency, kind, settlement_ref, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, escrow_id, from_party, to_party, amount::text, currency, kind, settlement_ref, description, created_at
	`

	txn, err := scanTransaction(tx.QueryRow(ctx, insertSQL,
		entry.EscrowID,
		entry.FromParty,
		entry.ToParty,
		entry.Amount.String(),
		entry.Currency,
		entry.Kind,
		entry.SettlementRef,
		entry.Description,
	))
	if err != nil {
		return Transaction{}, fmt.Errorf("wallet: record transfer: %w", err)
	}

	return txn, nil
}
