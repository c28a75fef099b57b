package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/invite"
	"escrowflow/notify"
	"escrowflow/test/actors"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
	"escrowflow/wallet"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	flag.Parse()
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ESCROW_TEST_PG_DSN") != "":
		dsn = os.Getenv("ESCROW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if !dockerAvailable(ctx) {
			t.Skip("docker unavailable and no DSN provided")
		}
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	svc := newEscrowService(pool)
	seedData := mustSeed(t, ctx, pool, rng, svc)

	dispatcher := notify.NewDispatcher(notify.NewStore(pool), notify.NewSlogGateway(nil), nil, 50, time.Second)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.FullReleaser(ctx2, svc, seedData.escrowID, seedData.payerID, stop)
		})
		g.Go(func() error {
			return actors.Refunder(ctx2, svc, seedData.escrowID, seedData.payerID, stop)
		})
		g.Go(func() error {
			return actors.MilestoneWorker(ctx2, svc, seedData.escrowID, seedData.payerID, seedData.payeeID, 2, stop)
		})
	}
	g.Go(func() error {
		return actors.Disputer(ctx2, svc, seedData.escrowID, seedData.payeeID, seedData.arbiterID, stop)
	})
	g.Go(func() error { return actors.OutboxWorker(ctx2, dispatcher, stop) })

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func newEscrowService(pool *pgxpool.Pool) *escrow.Service {
	repo := escrow.NewRepository(pool)
	identitySvc := identity.NewService(identity.NewRepository(pool), "stress-secret")
	issuer := invite.NewIssuer(invite.NewRepository(pool), 24*time.Hour)
	return escrow.NewService(pool, repo, wallet.NewRecorder(), dispute.NewRepository(pool),
		identitySvc, issuer, decimal.NewFromInt(1))
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	payerID   string
	payeeID   string
	arbiterID string
	escrowID  string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, svc *escrow.Service) seedIDs {
	t.Helper()
	var s seedIDs

	insertUser := `INSERT INTO users (email, username, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id`
	suffix := rng.Int63()
	payeeEmail := fmt.Sprintf("payee%d@example.com", suffix)
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("payer%d@example.com", suffix), fmt.Sprintf("payer%d", suffix), "member").Scan(&s.payerID); err != nil {
		t.Fatalf("seed payer: %v", err)
	}
	if err := pool.QueryRow(ctx, insertUser, payeeEmail, fmt.Sprintf("payee%d", suffix), "member").Scan(&s.payeeID); err != nil {
		t.Fatalf("seed payee: %v", err)
	}
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("arbiter%d@example.com", suffix), fmt.Sprintf("arbiter%d", suffix), "admin").Scan(&s.arbiterID); err != nil {
		t.Fatalf("seed arbiter: %v", err)
	}

	result, err := svc.Create(ctx, escrow.CreateParams{
		PayerID:         s.payerID,
		PayeeIdentifier: payeeEmail,
		Amount:          decimal.NewFromInt(500),
		Currency:        "USD",
		Description:     "stress escrow",
		Milestones: []escrow.MilestoneInput{
			{Description: "first half", Amount: decimal.NewFromInt(100)},
			{Description: "second half", Amount: decimal.NewFromInt(100)},
		},
	})
	if err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	s.escrowID = result.Account.ID

	if _, err := svc.Fund(ctx, s.escrowID, s.payerID, "seed-funding"); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrow_accounts", `SELECT id, status, amount, current_milestone, released_at, refunded_at FROM escrow_accounts ORDER BY updated_at DESC LIMIT 20`},
		{"wallet_transactions", `SELECT id, escrow_id, from_party, to_party, amount, kind, created_at FROM wallet_transactions ORDER BY created_at DESC LIMIT 50`},
		{"escrow_events", `SELECT id, escrow_id, type, created_at FROM escrow_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, attempts, sent_at, created_at FROM outbox ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
