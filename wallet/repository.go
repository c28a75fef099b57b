package wallet

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository exposes the read side of the wallet transaction log.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const txnColumns = `id, escrow_id, from_party, to_party, amount::text, currency, kind, settlement_ref, description, created_at`

// ListForEscrow returns every transfer recorded for the escrow, oldest first.
func (r *Repository) ListForEscrow(ctx context.Context, escrowID string) ([]Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM wallet_transactions WHERE escrow_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("wallet: list for escrow: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

// ListForParty returns transfers where the given user id appears on either leg.
func (r *Repository) ListForParty(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT ` + txnColumns + `
		FROM wallet_transactions
		WHERE from_party = $1 OR to_party = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet: list for party: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

func collect(rows pgx.Rows) ([]Transaction, error) {
	out := make([]Transaction, 0, 8)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("wallet: scan: %w", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wallet: iterate: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn    Transaction
		amount string
	)
	if err := row.Scan(
		&txn.ID,
		&txn.EscrowID,
		&txn.FromParty,
		&txn.ToParty,
		&amount,
		&txn.Currency,
		&txn.Kind,
		&txn.SettlementRef,
		&txn.Description,
		&txn.CreatedAt,
	); err != nil {
		return Transaction{}, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	txn.Amount = parsed
	return txn, nil
}
