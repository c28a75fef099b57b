package invite

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("invite: not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, escrow_id, email, code_digest, status, invited_by, expires_at, accepted_by, accepted_at, created_at`

// Insert stages an invite inside the caller's transaction so it commits with
// the escrow account it belongs to.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, inv Invite) (Invite, error) {
	insertSQL := `
		INSERT INTO escrow_invites (id, escrow_id, email, code_digest, status, invited_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + columns

	created, err := scanInvite(tx.QueryRow(ctx, insertSQL,
		inv.ID, inv.EscrowID, inv.Email, inv.CodeDigest, inv.Status, inv.InvitedBy, inv.ExpiresAt))
	if err != nil {
		return Invite{}, fmt.Errorf("invite: insert: %w", err)
	}
	return created, nil
}

// GetByDigestForUpdate locks the invite row matching a code digest.
func (r *Repository) GetByDigestForUpdate(ctx context.Context, tx pgx.Tx, digest string) (Invite, error) {
	query := `SELECT ` + columns + ` FROM escrow_invites WHERE code_digest = $1 FOR UPDATE`

	inv, err := scanInvite(tx.QueryRow(ctx, query, digest))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrNotFound
		}
		return Invite{}, fmt.Errorf("invite: get by digest: %w", err)
	}
	return inv, nil
}

// MarkAccepted closes the invite inside the caller's transaction.
func (r *Repository) MarkAccepted(ctx context.Context, tx pgx.Tx, id, userID string) (Invite, error) {
	query := `
		UPDATE escrow_invites
		SET status = 'accepted', accepted_by = $2, accepted_at = now()
		WHERE id = $1
		RETURNING ` + columns

	inv, err := scanInvite(tx.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrNotFound
		}
		return Invite{}, fmt.Errorf("invite: mark accepted: %w", err)
	}
	return inv, nil
}

// ListForEscrow returns the invites issued for one escrow, newest first.
func (r *Repository) ListForEscrow(ctx context.Context, escrowID string) ([]Invite, error) {
	query := `SELECT ` + columns + ` FROM escrow_invites WHERE escrow_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("invite: list for escrow: %w", err)
	}
	defer rows.Close()

	out := []Invite{}
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("invite: scan: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invite: iterate: %w", err)
	}
	return out, nil
}

func scanInvite(row pgx.Row) (Invite, error) {
	var inv Invite
	return inv, row.Scan(
		&inv.ID,
		&inv.EscrowID,
		&inv.Email,
		&inv.CodeDigest,
		&inv.Status,
		&inv.InvitedBy,
		&inv.ExpiresAt,
		&inv.AcceptedBy,
		&inv.AcceptedAt,
		&inv.CreatedAt,
	)
}
