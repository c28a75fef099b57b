package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_terminal_exclusive",
			SQL: `SELECT id FROM escrow_accounts
                  WHERE released_at IS NOT NULL AND refunded_at IS NOT NULL`,
		},
		{
			Name: "O2_single_funding",
			SQL: `SELECT escrow_id, COUNT(*) FROM wallet_transactions
                  WHERE kind = 'fund'
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_custody_conservation",
			SQL: `SELECT a.id FROM escrow_accounts a
                  JOIN wallet_transactions w ON w.escrow_id = a.id
                  GROUP BY a.id, a.amount
                  HAVING SUM(CASE WHEN w.from_party = 'custody' THEN w.amount ELSE 0 END) >
                         SUM(CASE WHEN w.to_party = 'custody' THEN w.amount ELSE 0 END)
                      OR SUM(CASE WHEN w.from_party = 'custody' THEN w.amount ELSE 0 END) > a.amount`,
		},
		{
			Name: "O4_milestone_single_release",
			SQL: `SELECT escrow_id, description, COUNT(*) FROM wallet_transactions
                  WHERE kind = 'milestone_release'
                  GROUP BY escrow_id, description HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_outflow_requires_funding",
			SQL: `SELECT w.escrow_id FROM wallet_transactions w
                  WHERE w.from_party = 'custody'
                    AND NOT EXISTS (
                        SELECT 1 FROM wallet_transactions f
                        WHERE f.escrow_id = w.escrow_id AND f.kind = 'fund')`,
		},
		{
			Name: "O6_terminal_fully_settled",
			SQL: `SELECT a.id FROM escrow_accounts a
                  WHERE a.status IN ('released', 'refunded')
                    AND a.amount <> (
                        SELECT COALESCE(SUM(w.amount), 0) FROM wallet_transactions w
                        WHERE w.escrow_id = a.id AND w.from_party = 'custody')`,
		},
		{
			Name: "O7_milestone_sum_bound",
			SQL: `SELECT m.escrow_id FROM escrow_milestones m
                  JOIN escrow_accounts a ON a.id = m.escrow_id
                  GROUP BY m.escrow_id, a.amount
                  HAVING SUM(m.amount) > a.amount`,
		},
		{
			Name: "O8_ledger_positive_amounts",
			SQL:  `SELECT id FROM wallet_transactions WHERE amount <= 0`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
