package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, escrow_id, raised_by, reason, evidence, status, resolution, resolved_by, resolved_at, created_at, updated_at`

// Create opens a dispute inside the caller's transaction so the row commits
// together with the escrow status flip to disputed.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	insertSQL := `
		INSERT INTO escrow_disputes (escrow_id, raised_by, reason, evidence, status)
		VALUES ($1, $2, $3, $4, 'open')
		RETURNING ` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL, params.EscrowID, params.RaisedBy, params.Reason, params.Evidence))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the dispute row within the caller's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + columns + ` FROM escrow_disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// MarkResolved closes the dispute inside the caller's transaction.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id, resolvedBy, resolution string) (Record, error) {
	query := `
		UPDATE escrow_disputes
		SET status = 'resolved', resolution = $2, resolved_by = $3, resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status <> 'resolved'
		RETURNING ` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, resolution, resolvedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

// MarkUnderReview flags an open dispute as picked up by an arbiter.
func (r *Repository) MarkUnderReview(ctx context.Context, id string) (Record, error) {
	query := `
		UPDATE escrow_disputes
		SET status = 'under_review', updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + columns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: mark under review: %w", err)
	}
	return rec, nil
}

// List returns the disputes raised against one escrow, newest first.
func (r *Repository) List(ctx context.Context, escrowID string) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM escrow_disputes WHERE escrow_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.RaisedBy,
		&rec.Reason,
		&rec.Evidence,
		&rec.Status,
		&rec.Resolution,
		&rec.ResolvedBy,
		&rec.ResolvedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
}
