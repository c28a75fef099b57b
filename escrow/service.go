package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/identity"
	"escrowflow/wallet"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransferRecorder appends wallet transaction rows inside the operation's
// transaction. Implemented by wallet.Recorder.
type TransferRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, entry wallet.Entry) (wallet.Transaction, error)
}

// DisputeStore persists dispute records inside the operation's transaction.
// Implemented by dispute.Repository.
type DisputeStore interface {
	Create(ctx context.Context, tx pgx.Tx, params dispute.CreateParams) (dispute.Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id, resolvedBy, resolution string) (dispute.Record, error)
}

// PayeeResolver looks up a registered user by email or username.
// Implemented by identity.Service.
type PayeeResolver interface {
	Resolve(ctx context.Context, identifier string) (identity.User, error)
}

// IssueInviteParams carries what the invite issuer needs to stage an
// onboarding invite for an unregistered payee.
type IssueInviteParams struct {
	EscrowID    string
	Email       string
	Description string
	InvitedBy   string
}

// InviteIssuer stages an invite inside the creation transaction and returns
// the plaintext code. Implemented by invite.Issuer.
type InviteIssuer interface {
	Issue(ctx context.Context, tx pgx.Tx, params IssueInviteParams) (string, error)
}

// Service is the escrow state machine. Every mutating operation is a single
// transaction: lock the account row, validate preconditions, write the new
// state together with its wallet transaction, timeline event and outbox
// notification, or abort entirely.
type Service struct {
	pool      TxBeginner
	repo      Repository
	recorder  TransferRecorder
	disputes  DisputeStore
	resolver  PayeeResolver
	invites   InviteIssuer
	minAmount decimal.Decimal
	idGen     func() string
}

func NewService(pool TxBeginner, repo Repository, recorder TransferRecorder, disputes DisputeStore, resolver PayeeResolver, invites InviteIssuer, minAmount decimal.Decimal) *Service {
	if minAmount.LessThanOrEqual(decimal.Zero) {
		minAmount = decimal.NewFromInt(1)
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		recorder:  recorder,
		disputes:  disputes,
		resolver:  resolver,
		invites:   invites,
		minAmount: minAmount,
		idGen:     func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Create opens a new escrow account. When the payee identifier resolves to a
// registered user the payee is bound immediately; otherwise a pending payee
// placeholder is stored and an invite code is issued in the same transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (CreateResult, error) {
	if params.PayerID == "" {
		return CreateResult{}, fmt.Errorf("%w: payer id required", ErrValidation)
	}
	if strings.TrimSpace(params.PayeeIdentifier) == "" {
		return CreateResult{}, fmt.Errorf("%w: payee identifier required", ErrValidation)
	}
	if params.Currency == "" {
		return CreateResult{}, fmt.Errorf("%w: currency required", ErrValidation)
	}
	if params.Amount.LessThan(s.minAmount) {
		return CreateResult{}, fmt.Errorf("%w: amount %s below minimum %s", ErrValidation, params.Amount, s.minAmount)
	}

	milestoneSum := decimal.Zero
	for i, ms := range params.Milestones {
		if !ms.Amount.IsPositive() {
			return CreateResult{}, fmt.Errorf("%w: milestone %d amount must be positive", ErrValidation, i)
		}
		milestoneSum = milestoneSum.Add(ms.Amount)
	}
	if milestoneSum.GreaterThan(params.Amount) {
		return CreateResult{}, fmt.Errorf("%w: milestone sum %s exceeds escrow amount %s", ErrValidation, milestoneSum, params.Amount)
	}

	payee := PendingPayee(strings.TrimSpace(params.PayeeIdentifier))
	resolved, err := s.resolver.Resolve(ctx, params.PayeeIdentifier)
	switch {
	case err == nil:
		payee = BoundPayee(resolved.ID)
	case errors.Is(err, identity.ErrUserNotFound):
		// unregistered payee, invite path
	default:
		return CreateResult{}, fmt.Errorf("escrow: resolve payee: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.Insert(ctx, tx, Account{
		ID:          s.idGen(),
		TaskID:      params.TaskID,
		PayerID:     params.PayerID,
		Payee:       payee,
		Amount:      params.Amount,
		Currency:    params.Currency,
		Status:      StatusPending,
		Description: params.Description,
	})
	if err != nil {
		return CreateResult{}, err
	}

	if len(params.Milestones) > 0 {
		milestones, err := s.repo.InsertMilestones(ctx, tx, account.ID, params.Milestones)
		if err != nil {
			return CreateResult{}, err
		}
		account.Milestones = milestones
	}

	var inviteCode string
	if _, bound := account.Payee.Bound(); !bound {
		inviteCode, err = s.invites.Issue(ctx, tx, IssueInviteParams{
			EscrowID:    account.ID,
			Email:       account.Payee.InviteEmail(),
			Description: params.Description,
			InvitedBy:   params.PayerID,
		})
		if err != nil {
			return CreateResult{}, fmt.Errorf("escrow: issue invite: %w", err)
		}
	}

	eventPayload := map[string]any{
		"amount":     account.Amount.String(),
		"currency":   account.Currency,
		"milestones": len(account.Milestones),
	}
	if err := s.repo.AppendEvent(ctx, tx, account.ID, EventCreated, &params.PayerID, eventPayload); err != nil {
		return CreateResult{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, TopicCreated, s.notifyPayload(account, nil)); err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("escrow: commit create: %w", err)
	}

	return CreateResult{Account: account, InviteCode: inviteCode}, nil
}

// Fund moves the escrow to funded and records the payer-to-custody transfer.
func (s *Service) Fund(ctx context.Context, escrowID, callerID, settlementRef string) (Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Account{}, err
	}
	if account.PayerID != callerID {
		return Account{}, fmt.Errorf("%w: only the payer may fund", ErrUnauthorized)
	}
	payeeID, bound := account.Payee.Bound()
	if !bound {
		return Account{}, fmt.Errorf("%w: payee has not accepted the invite", ErrInvalidState)
	}
	if account.Status != StatusPending && account.Status != StatusAccepted {
		return Account{}, fmt.Errorf("%w: cannot fund from %s", ErrInvalidState, account.Status)
	}

	updated, err := s.repo.MarkFunded(ctx, tx, escrowID, settlementRef)
	if err != nil {
		return Account{}, err
	}

	if _, err := s.recorder.Record(ctx, tx, wallet.Entry{
		EscrowID:      escrowID,
		FromParty:     callerID,
		ToParty:       wallet.PartyCustody,
		Amount:        account.Amount,
		Currency:      account.Currency,
		Kind:          wallet.KindFund,
		SettlementRef: settlementRef,
		Description:   fmt.Sprintf("Escrow funding for %s", escrowID),
	}); err != nil {
		return Account{}, err
	}

	payload := map[string]any{"amount": account.Amount.String(), "settlement_ref": settlementRef}
	if err := s.repo.AppendEvent(ctx, tx, escrowID, EventFunded, &callerID, payload); err != nil {
		return Account{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicFunded, s.notifyPayload(updated, map[string]any{"payee_id": payeeID})); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("escrow: commit fund: %w", err)
	}
	return updated, nil
}

// SubmitMilestoneProof lets the payee attach proof of a deliverable and
// request review. Only the bound payee may submit; only the payer approves.
func (s *Service) SubmitMilestoneProof(ctx context.Context, escrowID string, number int, callerID, proofURL string) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Milestone{}, err
	}
	payeeID, bound := account.Payee.Bound()
	if !bound || callerID != payeeID {
		return Milestone{}, fmt.Errorf("%w: only the payee may submit proof", ErrUnauthorized)
	}
	if account.Status != StatusFunded {
		return Milestone{}, fmt.Errorf("%w: escrow is %s, not funded", ErrInvalidState, account.Status)
	}

	ms, err := s.repo.GetMilestone(ctx, tx, escrowID, number)
	if err != nil {
		return Milestone{}, err
	}
	if ms.Status != MilestonePending {
		return Milestone{}, fmt.Errorf("%w: milestone %d is %s", ErrInvalidState, number, ms.Status)
	}

	updated, err := s.repo.MarkMilestoneSubmitted(ctx, tx, ms.ID, proofURL)
	if err != nil {
		return Milestone{}, err
	}

	payload := map[string]any{"milestone": number, "proof_url": proofURL}
	if err := s.repo.AppendEvent(ctx, tx, escrowID, EventMilestoneSubmitted, &callerID, payload); err != nil {
		return Milestone{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicMilestoneSubmitted, s.notifyPayload(account, payload)); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("escrow: commit submit proof: %w", err)
	}
	return updated, nil
}

// ApproveMilestone authorizes the release of one milestone. The payer is the
// approver; the payee's submitted proof is kept unless a new proof URL is
// supplied here.
func (s *Service) ApproveMilestone(ctx context.Context, escrowID string, number int, approverID, proofURL string) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Milestone{}, err
	}
	if account.PayerID != approverID {
		return Milestone{}, fmt.Errorf("%w: only the payer may approve milestones", ErrUnauthorized)
	}
	if account.Status != StatusFunded {
		return Milestone{}, fmt.Errorf("%w: escrow is %s, not funded", ErrInvalidState, account.Status)
	}

	ms, err := s.repo.GetMilestone(ctx, tx, escrowID, number)
	if err != nil {
		return Milestone{}, err
	}
	if ms.Status != MilestonePending && ms.Status != MilestoneSubmitted {
		return Milestone{}, fmt.Errorf("%w: milestone %d is %s", ErrInvalidState, number, ms.Status)
	}

	var proof *string
	if proofURL != "" {
		proof = &proofURL
	}
	updated, err := s.repo.MarkMilestoneApproved(ctx, tx, ms.ID, approverID, proof)
	if err != nil {
		return Milestone{}, err
	}

	payload := map[string]any{"milestone": number}
	if err := s.repo.AppendEvent(ctx, tx, escrowID, EventMilestoneApproved, &approverID, payload); err != nil {
		return Milestone{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicMilestoneApproved, s.notifyPayload(account, payload)); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("escrow: commit approve: %w", err)
	}
	return updated, nil
}

// ReleaseMilestone pays out one approved milestone from custody to the payee.
// A second call on the same milestone fails with ErrInvalidState and moves no
// funds; the row lock taken by GetForUpdate makes the check race-free.
func (s *Service) ReleaseMilestone(ctx context.Context, escrowID string, number int, callerID, settlementRef string) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Milestone{}, err
	}
	if account.PayerID != callerID {
		return Milestone{}, fmt.Errorf("%w: only the payer may release milestones", ErrUnauthorized)
	}
	if account.Status != StatusFunded {
		return Milestone{}, fmt.Errorf("%w: escrow is %s, not funded", ErrInvalidState, account.Status)
	}

	ms, err := s.repo.GetMilestone(ctx, tx, escrowID, number)
	if err != nil {
		return Milestone{}, err
	}
	if ms.Status != MilestoneApproved {
		return Milestone{}, fmt.Errorf("%w: milestone %d is %s, not approved", ErrInvalidState, number, ms.Status)
	}

	payeeID, _ := account.Payee.Bound()

	updated, err := s.repo.MarkMilestoneReleased(ctx, tx, ms.ID)
	if err != nil {
		return Milestone{}, err
	}

	if _, err := s.recorder.Record(ctx, tx, wallet.Entry{
		EscrowID:      escrowID,
		FromParty:     wallet.PartyCustody,
		ToParty:       payeeID,
		Amount:        ms.Amount,
		Currency:      account.Currency,
		Kind:          wallet.KindMilestoneRelease,
		SettlementRef: settlementRef,
		Description:   fmt.Sprintf("Milestone %d release for escrow %s", number, escrowID),
	}); err != nil {
		return Milestone{}, err
	}

	if err := s.repo.SetMilestoneCursor(ctx, tx, escrowID, number+1); err != nil {
		return Milestone{}, err
	}

	payload := map[string]any{"milestone": number, "amount": ms.Amount.String(), "settlement_ref": settlementRef}
	if err := s.repo.AppendEvent(ctx, tx, escrowID, EventMilestoneReleased, &callerID, payload); err != nil {
		return Milestone{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicMilestoneReleased, s.notifyPayload(account, payload)); err != nil {
		return Milestone{}, err
	}

	// Once every unit of the escrow has been paid out through milestones the
	// account is finalized; there is nothing left for full release or refund.
	releasedTotal, err := s.repo.ReleasedTotal(ctx, tx, escrowID)
	if err != nil {
		return Milestone{}, err
	}
	if releasedTotal.GreaterThanOrEqual(account.Amount) {
		if _, err := s.repo.MarkReleased(ctx, tx, escrowID, settlementRef); err != nil {
			return Milestone{}, err
		}
		if err := s.repo.AppendEvent(ctx, tx, escrowID, EventReleased, &callerID, map[string]any{"via": "milestones"}); err != nil {
			return Milestone{}, err
		}
		if err := s.repo.EnqueueOutbox(ctx, tx, TopicReleased, s.notifyPayload(account, nil)); err != nil {
			return Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("escrow: commit release milestone: %w", err)
	}
	return updated, nil
}

// ReleaseFull pays the remaining custody balance (escrow amount minus
// released milestones) to the payee and finalizes the account.
func (s *Service) ReleaseFull(ctx context.Context, escrowID, callerID, settlementRef string) (Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Account{}, err
	}
	if account.PayerID != callerID {
		return Account{}, fmt.Errorf("%w: only the payer may release", ErrUnauthorized)
	}
	if account.Status != StatusFunded {
		return Account{}, fmt.Errorf("%w: escrow is %s, not funded", ErrInvalidState, account.Status)
	}

	remaining, err := s.remaining(ctx, tx, account)
	if err != nil {
		return Account{}, err
	}
	if !remaining.IsPositive() {
		return Account{}, fmt.Errorf("%w: nothing left to release", ErrInvalidState)
	}

	payeeID, _ := account.Payee.Bound()

	updated, err := s.repo.MarkReleased(ctx, tx, escrowID, settlementRef)
	if err != nil {
		return Account{}, err
	}

	if _, err := s.recorder.Record(ctx, tx, wallet.Entry{
		EscrowID:      escrowID,
		FromParty:     wallet.PartyCustody,
		ToParty:       payeeID,
		Amount:        remaining,
		Currency:      account.Currency,
		Kind:          wallet.KindRelease,
		SettlementRef: settlementRef,
		Description:   fmt.Sprintf("Full escrow release for %s", escrowID),
	}); err != nil {
		return Account{}, err
	}

	payload := map[string]any{"amount": remaining.String(), "settlement_ref": settlementRef}
	if err := s.repo.AppendEvent(ctx, tx, escrowID, EventReleased, &callerID, payload); err != nil {
		return Account{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicReleased, s.notifyPayload(updated, payload)); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	return updated, nil
}

// RaiseDispute freezes a funded escrow and opens a dispute record. Either
// party may raise; the reason must carry at least 10 characters.
func (s *Service) RaiseDispute(ctx context.Context, escrowID, callerID, reason string, evidence []string) (dispute.Record, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < 10 {
		return dispute.Record{}, fmt.Errorf("%w: dispute reason must be at least 10 characters", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return dispute.Record{}, err
	}
	payeeID, _ := account.Payee.Bound()
	if callerID != account.PayerID && callerID != payeeID {
		return dispute.Record{}, fmt.Errorf("%w: only payer or payee may dispute", ErrUnauthorized)
	}
	if account.Status != StatusFunded {
		return dispute.Record{}, fmt.Errorf("%w: cannot dispute from %s", ErrInvalidState, account.Status)
	}

	if _, err := s.repo.MarkDisputed(ctx, tx, escrowID, reason); err != nil {
		return dispute.Record{}, err
	}

	rec, err := s.disputes.Create(ctx, tx, dispute.CreateParams{
		EscrowID: escrowID,
		RaisedBy: callerID,
		Reason:   reason,
		Evidence: evidence,
	})
	if err != nil {
		return dispute.Record{}, err
	}

	payload := map[string]any{"dispute_id": rec.ID, "reason": reason}
	if err := s.repo.AppendEvent(ctx, tx, escrowID, EventDisputed, &callerID, payload); err != nil {
		return dispute.Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicDisputed, s.notifyPayload(account, payload)); err != nil {
		return dispute.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return rec, nil
}

// ResolveDisputeParams carries an external arbitration decision back into the
// state machine.
type ResolveDisputeParams struct {
	EscrowID      string
	DisputeID     string
	ArbiterID     string
	Outcome       DisputeOutcome
	Resolution    string
	SettlementRef string
}

// ResolveDispute applies the arbitration outcome: resume restores funded,
// release and refund finalize the escrow with the matching custody transfer.
func (s *Service) ResolveDispute(ctx context.Context, params ResolveDisputeParams) (Account, error) {
	switch params.Outcome {
	case OutcomeResume, OutcomeRelease, OutcomeRefund:
	default:
		return Account{}, fmt.Errorf("%w: unknown outcome %q", ErrValidation, params.Outcome)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Account{}, err
	}
	if account.Status != StatusDisputed {
		return Account{}, fmt.Errorf("%w: escrow is %s, not disputed", ErrInvalidState, account.Status)
	}

	rec, err := s.disputes.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return Account{}, fmt.Errorf("%w: dispute %s", ErrNotFound, params.DisputeID)
		}
		return Account{}, err
	}
	if rec.EscrowID != params.EscrowID {
		return Account{}, fmt.Errorf("%w: dispute %s does not belong to escrow %s", ErrNotFound, params.DisputeID, params.EscrowID)
	}
	if rec.Status == dispute.StatusResolved {
		return Account{}, fmt.Errorf("%w: dispute already resolved", ErrInvalidState)
	}

	payeeID, _ := account.Payee.Bound()

	var updated Account
	switch params.Outcome {
	case OutcomeResume:
		updated, err = s.repo.MarkResumed(ctx, tx, params.EscrowID)
		if err != nil {
			return Account{}, err
		}
	case OutcomeRelease:
		remaining, rerr := s.remaining(ctx, tx, account)
		if rerr != nil {
			return Account{}, rerr
		}
		updated, err = s.repo.MarkReleased(ctx, tx, params.EscrowID, params.SettlementRef)
		if err != nil {
			return Account{}, err
		}
		if remaining.IsPositive() {
			if _, err := s.recorder.Record(ctx, tx, wallet.Entry{
				EscrowID:      params.EscrowID,
				FromParty:     wallet.PartyCustody,
				ToParty:       payeeID,
				Amount:        remaining,
				Currency:      account.Currency,
				Kind:          wallet.KindRelease,
				SettlementRef: params.SettlementRef,
				Description:   fmt.Sprintf("Dispute resolution release for %s", params.EscrowID),
			}); err != nil {
				return Account{}, err
			}
		}
	case OutcomeRefund:
		remaining, rerr := s.remaining(ctx, tx, account)
		if rerr != nil {
			return Account{}, rerr
		}
		updated, err = s.repo.MarkRefunded(ctx, tx, params.EscrowID, params.SettlementRef)
		if err != nil {
			return Account{}, err
		}
		if remaining.IsPositive() {
			if _, err := s.recorder.Record(ctx, tx, wallet.Entry{
				EscrowID:      params.EscrowID,
				FromParty:     wallet.PartyCustody,
				ToParty:       account.PayerID,
				Amount:        remaining,
				Currency:      account.Currency,
				Kind:          wallet.KindRefund,
				SettlementRef: params.SettlementRef,
				Description:   fmt.Sprintf("Dispute resolution refund for %s", params.EscrowID),
			}); err != nil {
				return Account{}, err
			}
		}
	}

	if _, err := s.disputes.MarkResolved(ctx, tx, params.DisputeID, params.ArbiterID, params.Resolution); err != nil {
		return Account{}, err
	}

	payload := map[string]any{"dispute_id": params.DisputeID, "outcome": string(params.Outcome)}
	if err := s.repo.AppendEvent(ctx, tx, params.EscrowID, EventDisputeResolved, &params.ArbiterID, payload); err != nil {
		return Account{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicDisputeResolved, s.notifyPayload(updated, payload)); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("escrow: commit resolve dispute: %w", err)
	}
	return updated, nil
}

// Refund returns the remaining custody balance to the payer. Refund is only
// valid from funded; a disputed escrow is frozen until arbitration and a
// terminal escrow stays terminal.
func (s *Service) Refund(ctx context.Context, escrowID, callerID, settlementRef string) (Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Account{}, err
	}
	if account.PayerID != callerID {
		return Account{}, fmt.Errorf("%w: only the payer may refund", ErrUnauthorized)
	}
	if account.Status != StatusFunded {
		return Account{}, fmt.Errorf("%w: cannot refund from %s", ErrInvalidState, account.Status)
	}

	remaining, err := s.remaining(ctx, tx, account)
	if err != nil {
		return Account{}, err
	}
	if !remaining.IsPositive() {
		return Account{}, fmt.Errorf("%w: nothing left to refund", ErrInvalidState)
	}

	updated, err := s.repo.MarkRefunded(ctx, tx, escrowID, settlementRef)
	if err != nil {
		return Account{}, err
	}

	if _, err := s.recorder.Record(ctx, tx, wallet.Entry{
		EscrowID:      escrowID,
		FromParty:     wallet.PartyCustody,
		ToParty:       callerID,
		Amount:        remaining,
		Currency:      account.Currency,
		Kind:          wallet.KindRefund,
		SettlementRef: settlementRef,
		Description:   fmt.Sprintf("Escrow refund for %s", escrowID),
	}); err != nil {
		return Account{}, err
	}

	payload := map[string]any{"amount": remaining.String(), "settlement_ref": settlementRef}
	if err := s.repo.AppendEvent(ctx, tx, escrowID, EventRefunded, &callerID, payload); err != nil {
		return Account{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicRefunded, s.notifyPayload(updated, payload)); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("escrow: commit refund: %w", err)
	}
	return updated, nil
}

// Get returns the escrow account with its milestones.
func (s *Service) Get(ctx context.Context, escrowID string) (Account, error) {
	return s.repo.Get(ctx, escrowID)
}

// ListForUser returns escrows where the user is payer or payee, newest first,
// with the total count for pagination.
func (s *Service) ListForUser(ctx context.Context, userID string, page, pageSize int) ([]Account, int, error) {
	return s.repo.ListForUser(ctx, userID, page, pageSize)
}

func (s *Service) remaining(ctx context.Context, tx pgx.Tx, account Account) (decimal.Decimal, error) {
	releasedTotal, err := s.repo.ReleasedTotal(ctx, tx, account.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Amount.Sub(releasedTotal), nil
}

func (s *Service) notifyPayload(account Account, extra map[string]any) map[string]any {
	payload := map[string]any{
		"escrow_id": account.ID,
		"payer_id":  account.PayerID,
		"amount":    account.Amount.String(),
		"currency":  account.Currency,
		"status":    string(account.Status),
	}
	if payeeID, ok := account.Payee.Bound(); ok {
		payload["payee_id"] = payeeID
	} else if email := account.Payee.InviteEmail(); email != "" {
		payload["payee_email"] = email
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}
