package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"escrowflow/escrow"
)

func TestIssue_StoresDigestNotPlaintext(t *testing.T) {
	store := newFakeStore()
	issuer := NewIssuer(store, time.Hour)

	code, err := issuer.Issue(context.Background(), nil, escrow.IssueInviteParams{
		EscrowID:  "esc-1",
		Email:     "new@example.com",
		InvitedBy: "user-alice",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(code) != 26 {
		t.Errorf("expected 26-character code, got %d", len(code))
	}

	if len(store.invites) != 1 {
		t.Fatalf("expected one stored invite, got %d", len(store.invites))
	}
	var stored Invite
	for _, inv := range store.invites {
		stored = *inv
	}
	if stored.CodeDigest == code {
		t.Errorf("plaintext code must not be stored")
	}
	if stored.CodeDigest != Digest(code) {
		t.Errorf("stored digest does not match code digest")
	}
	if stored.Status != StatusInvited {
		t.Errorf("expected invited status, got %s", stored.Status)
	}
}

func TestAccept_BindsPayee(t *testing.T) {
	store := newFakeStore()
	escrows := newFakeEscrows()
	escrows.accounts["esc-1"] = &escrow.Account{
		ID:      "esc-1",
		PayerID: "user-alice",
		Payee:   escrow.PendingPayee("new@example.com"),
		Amount:  decimal.NewFromInt(500),
		Status:  escrow.StatusPending,
	}
	store.add(Invite{
		ID: "inv-1", EscrowID: "esc-1", Email: "new@example.com",
		CodeDigest: Digest("CODE123"), Status: StatusInvited,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	pool := &fakePool{}
	svc := NewService(pool, store, escrows)

	account, err := svc.Accept(context.Background(), "CODE123", "user-bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	payeeID, bound := account.Payee.Bound()
	if !bound || payeeID != "user-bob" {
		t.Errorf("expected payee bound to user-bob, got %q bound=%v", payeeID, bound)
	}
	if account.Status != escrow.StatusAccepted {
		t.Errorf("expected accepted, got %s", account.Status)
	}
	if store.invites["inv-1"].Status != StatusAccepted {
		t.Errorf("expected invite marked accepted")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if len(escrows.outbox) != 1 || escrows.outbox[0] != escrow.TopicAccepted {
		t.Errorf("expected %s outbox entry, got %v", escrow.TopicAccepted, escrows.outbox)
	}
}

func TestAccept_UnknownCode(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeStore(), newFakeEscrows())

	_, err := svc.Accept(context.Background(), "NOSUCHCODE", "user-bob")
	if !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAccept_PayerCannotAcceptOwnInvite(t *testing.T) {
	store := newFakeStore()
	escrows := newFakeEscrows()
	escrows.accounts["esc-1"] = &escrow.Account{
		ID: "esc-1", PayerID: "user-alice",
		Payee:  escrow.PendingPayee("new@example.com"),
		Status: escrow.StatusPending,
	}
	store.add(Invite{
		ID: "inv-1", EscrowID: "esc-1",
		CodeDigest: Digest("CODE123"), Status: StatusInvited,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	svc := NewService(&fakePool{}, store, escrows)

	_, err := svc.Accept(context.Background(), "CODE123", "user-alice")
	if !errors.Is(err, escrow.ErrValidation) {
		t.Fatalf("expected validation error for self-acceptance, got %v", err)
	}
	if store.invites["inv-1"].Status != StatusInvited {
		t.Errorf("expected invite untouched")
	}
}

func TestAccept_ExpiredInvite(t *testing.T) {
	store := newFakeStore()
	escrows := newFakeEscrows()
	store.add(Invite{
		ID: "inv-1", EscrowID: "esc-1",
		CodeDigest: Digest("CODE123"), Status: StatusInvited,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	svc := NewService(&fakePool{}, store, escrows)

	_, err := svc.Accept(context.Background(), "CODE123", "user-bob")
	if !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected invalid state for expired invite, got %v", err)
	}
}

func TestAccept_AlreadyAccepted(t *testing.T) {
	store := newFakeStore()
	escrows := newFakeEscrows()
	store.add(Invite{
		ID: "inv-1", EscrowID: "esc-1",
		CodeDigest: Digest("CODE123"), Status: StatusAccepted,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	svc := NewService(&fakePool{}, store, escrows)

	_, err := svc.Accept(context.Background(), "CODE123", "user-carol")
	if !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected invalid state for reused invite, got %v", err)
	}
}

func TestAcceptURLRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), "https://app.example.com", time.Hour)

	link, err := issuer.AcceptURL("esc-1", "CODE123")
	if err != nil {
		t.Fatalf("accept url: %v", err)
	}
	if link == "" {
		t.Fatalf("expected non-empty link")
	}

	// extract token query param
	const marker = "token="
	idx := -1
	for i := 0; i+len(marker) <= len(link); i++ {
		if link[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	if idx < 0 {
		t.Fatalf("expected token parameter in %q", link)
	}

	escrowID, code, err := issuer.ParseAcceptToken(link[idx:])
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if escrowID != "esc-1" || code != "CODE123" {
		t.Errorf("round trip mismatch: escrow=%q code=%q", escrowID, code)
	}
}

func TestNewCode_UniqueAndDigestStable(t *testing.T) {
	a, err := NewCode()
	if err != nil {
		t.Fatalf("new code: %v", err)
	}
	b, err := NewCode()
	if err != nil {
		t.Fatalf("new code: %v", err)
	}
	if a == b {
		t.Errorf("expected distinct codes")
	}
	if Digest(a) != Digest(a) {
		t.Errorf("expected stable digest")
	}
	if Digest(a) == Digest(b) {
		t.Errorf("expected distinct digests")
	}
}

// fakes

type fakeStore struct {
	invites map[string]*Invite
}

func newFakeStore() *fakeStore {
	return &fakeStore{invites: map[string]*Invite{}}
}

func (f *fakeStore) add(inv Invite) {
	stored := inv
	f.invites[inv.ID] = &stored
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, inv Invite) (Invite, error) {
	f.add(inv)
	return inv, nil
}

func (f *fakeStore) GetByDigestForUpdate(ctx context.Context, tx pgx.Tx, digest string) (Invite, error) {
	for _, inv := range f.invites {
		if inv.CodeDigest == digest {
			return *inv, nil
		}
	}
	return Invite{}, ErrNotFound
}

func (f *fakeStore) MarkAccepted(ctx context.Context, tx pgx.Tx, id, userID string) (Invite, error) {
	inv, ok := f.invites[id]
	if !ok {
		return Invite{}, ErrNotFound
	}
	inv.Status = StatusAccepted
	inv.AcceptedBy = &userID
	return *inv, nil
}

type fakeEscrows struct {
	accounts map[string]*escrow.Account
	events   []string
	outbox   []string
}

func newFakeEscrows() *fakeEscrows {
	return &fakeEscrows{accounts: map[string]*escrow.Account{}}
}

func (f *fakeEscrows) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return escrow.Account{}, escrow.ErrNotFound
	}
	return *acct, nil
}

func (f *fakeEscrows) BindPayee(ctx context.Context, tx pgx.Tx, id, userID string) (escrow.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return escrow.Account{}, escrow.ErrNotFound
	}
	acct.Payee = escrow.BoundPayee(userID)
	acct.Status = escrow.StatusAccepted
	return *acct, nil
}

func (f *fakeEscrows) AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeEscrows) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.outbox = append(f.outbox, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
