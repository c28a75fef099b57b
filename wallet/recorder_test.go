package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRecord_RejectsMalformedEntries(t *testing.T) {
	r := NewRecorder()
	valid := Entry{
		EscrowID:  "esc-1",
		FromParty: "user-alice",
		ToParty:   PartyCustody,
		Amount:    decimal.NewFromInt(100),
		Currency:  "USD",
		Kind:      KindFund,
	}

	cases := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{"missing escrow id", func(e *Entry) { e.EscrowID = "" }},
		{"missing from party", func(e *Entry) { e.FromParty = "" }},
		{"missing to party", func(e *Entry) { e.ToParty = "" }},
		{"zero amount", func(e *Entry) { e.Amount = decimal.Zero }},
		{"negative amount", func(e *Entry) { e.Amount = decimal.NewFromInt(-5) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := valid
			tc.mutate(&entry)
			// validation rejects before the transaction is touched
			if _, err := r.Record(context.Background(), nil, entry); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}
