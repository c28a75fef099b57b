package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository defines the data access required by the escrow state machine.
// Transaction-scoped methods must be called with the pgx.Tx holding the
// account row lock.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, account Account) (Account, error)
	InsertMilestones(ctx context.Context, tx pgx.Tx, escrowID string, inputs []MilestoneInput) ([]Milestone, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Account, error)
	GetMilestone(ctx context.Context, tx pgx.Tx, escrowID string, number int) (Milestone, error)
	BindPayee(ctx context.Context, tx pgx.Tx, id, userID string) (Account, error)
	MarkFunded(ctx context.Context, tx pgx.Tx, id, settlementRef string) (Account, error)
	MarkReleased(ctx context.Context, tx pgx.Tx, id, settlementRef string) (Account, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, id, settlementRef string) (Account, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, id, reason string) (Account, error)
	MarkResumed(ctx context.Context, tx pgx.Tx, id string) (Account, error)
	MarkMilestoneSubmitted(ctx context.Context, tx pgx.Tx, milestoneID, proofURL string) (Milestone, error)
	MarkMilestoneApproved(ctx context.Context, tx pgx.Tx, milestoneID, approverID string, proofURL *string) (Milestone, error)
	MarkMilestoneReleased(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error)
	SetMilestoneCursor(ctx context.Context, tx pgx.Tx, escrowID string, next int) error
	ReleasedTotal(ctx context.Context, tx pgx.Tx, escrowID string) (decimal.Decimal, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error

	Get(ctx context.Context, id string) (Account, error)
	ListForUser(ctx context.Context, userID string, page, pageSize int) ([]Account, int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id, task_id, payer_id, payee_id, payee_email, amount::text, currency, status,
	description, current_milestone, dispute_reason, settlement_ref,
	funded_at, released_at, refunded_at, disputed_at, resolved_at, created_at, updated_at`

const milestoneColumns = `id, escrow_id, number, description, amount::text, status, proof_url,
	approved_by, approved_at, released_at, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, account Account) (Account, error) {
	insertSQL := `
		INSERT INTO escrow_accounts (id, task_id, payer_id, payee_id, payee_email, amount, currency, status, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + accountColumns

	var payeeID, payeeEmail any
	if id, ok := account.Payee.Bound(); ok {
		payeeID = id
	} else if email := account.Payee.InviteEmail(); email != "" {
		payeeEmail = email
	}

	created, err := scanAccount(tx.QueryRow(ctx, insertSQL,
		account.ID,
		account.TaskID,
		account.PayerID,
		payeeID,
		payeeEmail,
		account.Amount.String(),
		account.Currency,
		account.Status,
		account.Description,
	))
	if err != nil {
		return Account{}, fmt.Errorf("escrow: insert account: %w", err)
	}
	return created, nil
}

func (r *PGRepository) InsertMilestones(ctx context.Context, tx pgx.Tx, escrowID string, inputs []MilestoneInput) ([]Milestone, error) {
	insertSQL := `
		INSERT INTO escrow_milestones (escrow_id, number, description, amount, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING ` + milestoneColumns

	out := make([]Milestone, 0, len(inputs))
	for i, input := range inputs {
		ms, err := scanMilestone(tx.QueryRow(ctx, insertSQL, escrowID, i, input.Description, input.Amount.String()))
		if err != nil {
			return nil, fmt.Errorf("escrow: insert milestone %d: %w", i, err)
		}
		out = append(out, ms)
	}
	return out, nil
}

// GetForUpdate locks the account row, serializing concurrent operations
// against the same escrow. Milestone rows are guarded by this lock; they are
// never written outside it.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM escrow_accounts WHERE id = $1 FOR UPDATE`

	account, err := scanAccount(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return account, nil
}

func (r *PGRepository) GetMilestone(ctx context.Context, tx pgx.Tx, escrowID string, number int) (Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM escrow_milestones WHERE escrow_id = $1 AND number = $2`

	ms, err := scanMilestone(tx.QueryRow(ctx, query, escrowID, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: get milestone: %w", err)
	}
	return ms, nil
}

func (r *PGRepository) BindPayee(ctx context.Context, tx pgx.Tx, id, userID string) (Account, error) {
	query := `
		UPDATE escrow_accounts
		SET payee_id = $2, payee_email = NULL, status = 'accepted', updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns
	return r.updateAccount(ctx, tx, query, id, userID)
}

func (r *PGRepository) MarkFunded(ctx context.Context, tx pgx.Tx, id, settlementRef string) (Account, error) {
	query := `
		UPDATE escrow_accounts
		SET status = 'funded', funded_at = now(), settlement_ref = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns
	return r.updateAccount(ctx, tx, query, id, settlementRef)
}

func (r *PGRepository) MarkReleased(ctx context.Context, tx pgx.Tx, id, settlementRef string) (Account, error) {
	query := `
		UPDATE escrow_accounts
		SET status = 'released', released_at = now(), resolved_at = COALESCE(resolved_at, CASE WHEN status = 'disputed' THEN now() END),
		    settlement_ref = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns
	return r.updateAccount(ctx, tx, query, id, settlementRef)
}

func (r *PGRepository) MarkRefunded(ctx context.Context, tx pgx.Tx, id, settlementRef string) (Account, error) {
	query := `
		UPDATE escrow_accounts
		SET status = 'refunded', refunded_at = now(), resolved_at = COALESCE(resolved_at, CASE WHEN status = 'disputed' THEN now() END),
		    settlement_ref = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns
	return r.updateAccount(ctx, tx, query, id, settlementRef)
}

func (r *PGRepository) MarkDisputed(ctx context.Context, tx pgx.Tx, id, reason string) (Account, error) {
	query := `
		UPDATE escrow_accounts
		SET status = 'disputed', disputed_at = now(), dispute_reason = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns
	return r.updateAccount(ctx, tx, query, id, reason)
}

// MarkResumed restores a disputed account to funded after arbitration. The
// dispute reason is kept for the audit trail.
func (r *PGRepository) MarkResumed(ctx context.Context, tx pgx.Tx, id string) (Account, error) {
	query := `
		UPDATE escrow_accounts
		SET status = 'funded', resolved_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING ` + accountColumns
	return r.updateAccount(ctx, tx, query, id)
}

func (r *PGRepository) updateAccount(ctx context.Context, tx pgx.Tx, query string, args ...any) (Account, error) {
	account, err := scanAccount(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("escrow: update account: %w", err)
	}
	return account, nil
}

func (r *PGRepository) MarkMilestoneSubmitted(ctx context.Context, tx pgx.Tx, milestoneID, proofURL string) (Milestone, error) {
	query := `
		UPDATE escrow_milestones
		SET status = 'submitted', proof_url = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + milestoneColumns
	return r.updateMilestone(ctx, tx, query, milestoneID, proofURL)
}

func (r *PGRepository) MarkMilestoneApproved(ctx context.Context, tx pgx.Tx, milestoneID, approverID string, proofURL *string) (Milestone, error) {
	query := `
		UPDATE escrow_milestones
		SET status = 'approved', approved_by = $2, approved_at = now(),
		    proof_url = COALESCE($3, proof_url), updated_at = now()
		WHERE id = $1
		RETURNING ` + milestoneColumns
	return r.updateMilestone(ctx, tx, query, milestoneID, approverID, proofURL)
}

func (r *PGRepository) MarkMilestoneReleased(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error) {
	query := `
		UPDATE escrow_milestones
		SET status = 'released', released_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING ` + milestoneColumns
	return r.updateMilestone(ctx, tx, query, milestoneID)
}

func (r *PGRepository) updateMilestone(ctx context.Context, tx pgx.Tx, query string, args ...any) (Milestone, error) {
	ms, err := scanMilestone(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: update milestone: %w", err)
	}
	return ms, nil
}

func (r *PGRepository) SetMilestoneCursor(ctx context.Context, tx pgx.Tx, escrowID string, next int) error {
	if _, err := tx.Exec(ctx, `UPDATE escrow_accounts SET current_milestone = $2, updated_at = now() WHERE id = $1`, escrowID, next); err != nil {
		return fmt.Errorf("escrow: set milestone cursor: %w", err)
	}
	return nil
}

// ReleasedTotal sums the amounts of milestones already released, used to
// compute the remaining custody balance for full release and refund.
func (r *PGRepository) ReleasedTotal(ctx context.Context, tx pgx.Tx, escrowID string) (decimal.Decimal, error) {
	var total string
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM escrow_milestones WHERE escrow_id = $1 AND status = 'released'`,
		escrowID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow: released total: %w", err)
	}
	parsed, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow: parse released total %q: %w", total, err)
	}
	return parsed, nil
}

// AppendEvent records an immutable business event on the escrow timeline.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `INSERT INTO escrow_events (escrow_id, type, actor_id, payload) VALUES ($1, $2, $3, $4::jsonb)`
	if _, err := tx.Exec(ctx, q, escrowID, eventType, actor, body); err != nil {
		return fmt.Errorf("escrow: insert event: %w", err)
	}
	return nil
}

// EnqueueOutbox stages a notification for post-commit delivery.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM escrow_accounts WHERE id = $1`

	account, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("escrow: get: %w", err)
	}

	milestones, err := r.listMilestones(ctx, id)
	if err != nil {
		return Account{}, err
	}
	account.Milestones = milestones
	return account, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, userID string, page, pageSize int) ([]Account, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	query := `SELECT ` + accountColumns + `
		FROM escrow_accounts
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list for user: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("escrow: scan list: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM escrow_accounts WHERE payer_id = $1 OR payee_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count list: %w", err)
	}

	return accounts, total, nil
}

func (r *PGRepository) listMilestones(ctx context.Context, escrowID string) ([]Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM escrow_milestones WHERE escrow_id = $1 ORDER BY number ASC`

	rows, err := r.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	out := []Milestone{}
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a          Account
		payeeID    *string
		payeeEmail *string
		amount     string
	)
	if err := row.Scan(
		&a.ID,
		&a.TaskID,
		&a.PayerID,
		&payeeID,
		&payeeEmail,
		&amount,
		&a.Currency,
		&a.Status,
		&a.Description,
		&a.CurrentMilestone,
		&a.DisputeReason,
		&a.SettlementRef,
		&a.FundedAt,
		&a.ReleasedAt,
		&a.RefundedAt,
		&a.DisputedAt,
		&a.ResolvedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return Account{}, err
	}

	switch {
	case payeeID != nil && *payeeID != "":
		a.Payee = BoundPayee(*payeeID)
	case payeeEmail != nil:
		a.Payee = PendingPayee(*payeeEmail)
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Account{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	a.Amount = parsed
	return a, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var (
		m      Milestone
		amount string
	)
	if err := row.Scan(
		&m.ID,
		&m.EscrowID,
		&m.Number,
		&m.Description,
		&amount,
		&m.Status,
		&m.ProofURL,
		&m.ApprovedBy,
		&m.ApprovedAt,
		&m.ReleasedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return Milestone{}, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Milestone{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	m.Amount = parsed
	return m, nil
}
