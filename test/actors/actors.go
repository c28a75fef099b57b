package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"escrowflow/escrow"
	"escrowflow/notify"
)

// Actors hammer one funded escrow through the service layer. Rejections from
// the state machine are the expected outcome under contention; anything else
// is a failure.

func expected(err error) bool {
	return errors.Is(err, escrow.ErrInvalidState) ||
		errors.Is(err, escrow.ErrUnauthorized) ||
		errors.Is(err, escrow.ErrValidation) ||
		errors.Is(err, escrow.ErrNotFound)
}

// FullReleaser races to release the whole escrow to the payee.
func FullReleaser(ctx context.Context, svc *escrow.Service, escrowID, payerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.ReleaseFull(ctx, escrowID, payerID, fmt.Sprintf("release-%d", rand.Int63())); err != nil && !expected(err) {
			return fmt.Errorf("full releaser: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Refunder races the releaser to return the escrow to the payer.
func Refunder(ctx context.Context, svc *escrow.Service, escrowID, payerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.Refund(ctx, escrowID, payerID, fmt.Sprintf("refund-%d", rand.Int63())); err != nil && !expected(err) {
			return fmt.Errorf("refunder: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// MilestoneWorker walks the milestone flow: payee submits proof, payer
// approves and releases. Each step may lose a race and be rejected.
func MilestoneWorker(ctx context.Context, svc *escrow.Service, escrowID, payerID, payeeID string, milestones int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n := rand.Intn(milestones)
		if _, err := svc.SubmitMilestoneProof(ctx, escrowID, n, payeeID, "https://proof.example.com"); err != nil && !expected(err) {
			return fmt.Errorf("milestone submit: %w", err)
		}
		if _, err := svc.ApproveMilestone(ctx, escrowID, n, payerID, ""); err != nil && !expected(err) {
			return fmt.Errorf("milestone approve: %w", err)
		}
		if _, err := svc.ReleaseMilestone(ctx, escrowID, n, payerID, fmt.Sprintf("ms-%d-%d", n, rand.Int63())); err != nil && !expected(err) {
			return fmt.Errorf("milestone release: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer freezes the escrow and lets arbitration resume it, exercising the
// disputed gate the other actors must bounce off.
func Disputer(ctx context.Context, svc *escrow.Service, escrowID, payeeID, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rec, err := svc.RaiseDispute(ctx, escrowID, payeeID, "deliverable quality is contested", nil)
		if err != nil && !expected(err) {
			return fmt.Errorf("raise dispute: %w", err)
		}
		if err == nil {
			time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
			_, err := svc.ResolveDispute(ctx, escrow.ResolveDisputeParams{
				EscrowID:   escrowID,
				DisputeID:  rec.ID,
				ArbiterID:  arbiterID,
				Outcome:    escrow.OutcomeResume,
				Resolution: "parties agreed to continue",
			})
			if err != nil && !expected(err) {
				return fmt.Errorf("resolve dispute: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker drains staged notifications while the mutating actors run.
func OutboxWorker(ctx context.Context, d *notify.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
