package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/escrow"
)

// InviteStore is the persistence needed by the issuer and accept flow.
type InviteStore interface {
	Insert(ctx context.Context, tx pgx.Tx, inv Invite) (Invite, error)
	GetByDigestForUpdate(ctx context.Context, tx pgx.Tx, digest string) (Invite, error)
	MarkAccepted(ctx context.Context, tx pgx.Tx, id, userID string) (Invite, error)
}

// EscrowStore is the slice of the escrow repository the accept flow touches.
type EscrowStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Account, error)
	BindPayee(ctx context.Context, tx pgx.Tx, id, userID string) (escrow.Account, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Issuer creates invites inside the escrow creation transaction. It
// implements escrow.InviteIssuer.
type Issuer struct {
	store InviteStore
	ttl   time.Duration
	idGen func() string
	now   func() time.Time
}

func NewIssuer(store InviteStore, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Issuer{
		store: store,
		ttl:   ttl,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue generates a fresh code, stores its digest, and returns the plaintext
// exactly once.
func (i *Issuer) Issue(ctx context.Context, tx pgx.Tx, params escrow.IssueInviteParams) (string, error) {
	code, err := NewCode()
	if err != nil {
		return "", err
	}
	_, err = i.store.Insert(ctx, tx, Invite{
		ID:         i.idGen(),
		EscrowID:   params.EscrowID,
		Email:      params.Email,
		CodeDigest: Digest(code),
		Status:     StatusInvited,
		InvitedBy:  params.InvitedBy,
		ExpiresAt:  i.now().Add(i.ttl),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// ReferralTracker credits the inviter once the invitee signs up and accepts.
// Tracking runs after commit and is best-effort.
type ReferralTracker interface {
	TrackAcceptance(ctx context.Context, inviteID, inviterID, acceptedBy string)
}

// SlogTracker logs accepted invites in place of a real attribution backend.
type SlogTracker struct {
	log *slog.Logger
}

func NewSlogTracker(log *slog.Logger) *SlogTracker {
	if log == nil {
		log = slog.Default()
	}
	return &SlogTracker{log: log}
}

func (t *SlogTracker) TrackAcceptance(ctx context.Context, inviteID, inviterID, acceptedBy string) {
	t.log.InfoContext(ctx, "invite accepted",
		"invite_id", inviteID, "invited_by", inviterID, "accepted_by", acceptedBy)
}

// Service handles invite acceptance: binding a freshly registered payee to
// the escrow that was waiting on them.
type Service struct {
	pool    escrow.TxBeginner
	invites InviteStore
	escrows EscrowStore
	tracker ReferralTracker
	now     func() time.Time
}

func NewService(pool escrow.TxBeginner, invites InviteStore, escrows EscrowStore) *Service {
	return &Service{
		pool:    pool,
		invites: invites,
		escrows: escrows,
		tracker: NewSlogTracker(nil),
		now:     time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithTracker(tracker ReferralTracker) *Service {
	s.tracker = tracker
	return s
}

// Accept redeems an invite code for a registered user. The escrow moves from
// pending to accepted with the payee bound; funding stays a separate,
// payer-initiated step. A payer cannot accept their own invite.
func (s *Service) Accept(ctx context.Context, code, userID string) (escrow.Account, error) {
	if code == "" || userID == "" {
		return escrow.Account{}, fmt.Errorf("%w: code and user id required", escrow.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Account{}, fmt.Errorf("invite: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.invites.GetByDigestForUpdate(ctx, tx, Digest(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return escrow.Account{}, fmt.Errorf("%w: invite code", escrow.ErrNotFound)
		}
		return escrow.Account{}, err
	}
	if inv.Status != StatusInvited {
		return escrow.Account{}, fmt.Errorf("%w: invite is %s", escrow.ErrInvalidState, inv.Status)
	}
	if s.now().After(inv.ExpiresAt) {
		return escrow.Account{}, fmt.Errorf("%w: invite expired", escrow.ErrInvalidState)
	}

	account, err := s.escrows.GetForUpdate(ctx, tx, inv.EscrowID)
	if err != nil {
		return escrow.Account{}, err
	}
	if account.PayerID == userID {
		return escrow.Account{}, fmt.Errorf("%w: payer cannot accept their own invite", escrow.ErrValidation)
	}
	if _, bound := account.Payee.Bound(); bound {
		return escrow.Account{}, fmt.Errorf("%w: payee already bound", escrow.ErrInvalidState)
	}
	if account.Status != escrow.StatusPending {
		return escrow.Account{}, fmt.Errorf("%w: escrow is %s, not pending", escrow.ErrInvalidState, account.Status)
	}

	updated, err := s.escrows.BindPayee(ctx, tx, account.ID, userID)
	if err != nil {
		return escrow.Account{}, err
	}
	if _, err := s.invites.MarkAccepted(ctx, tx, inv.ID, userID); err != nil {
		return escrow.Account{}, err
	}

	payload := map[string]any{"payee_id": userID, "invite_id": inv.ID}
	if err := s.escrows.AppendEvent(ctx, tx, account.ID, escrow.EventAccepted, &userID, payload); err != nil {
		return escrow.Account{}, err
	}
	payload["escrow_id"] = account.ID
	payload["payer_id"] = account.PayerID
	if err := s.escrows.EnqueueOutbox(ctx, tx, escrow.TopicAccepted, payload); err != nil {
		return escrow.Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Account{}, fmt.Errorf("invite: commit accept: %w", err)
	}

	s.tracker.TrackAcceptance(ctx, inv.ID, inv.InvitedBy, userID)
	return updated, nil
}
