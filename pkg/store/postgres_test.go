package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"settlement-bridge/pkg/events"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer st.Close()

	pos := events.NewLedgerPosition(uint64(time.Now().UnixNano()&0xffffffff), 0)
	id := RecordID(pos)

	rec, err := st.CreateIfAbsent(ctx, SettlementRecord{
		ID: id, Position: pos, Account: "0xabc", Amount: "100", State: StateDetected,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.State != StateDetected {
		t.Fatalf("unexpected state: %s", rec.State)
	}

	dup, err := st.CreateIfAbsent(ctx, SettlementRecord{
		ID: id, Position: pos, Account: "0xother", Amount: "999", State: StateDetected,
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if dup.Account != "0xabc" {
		t.Fatalf("duplicate create must observe the winner: %+v", dup)
	}

	rec, err = st.CompareAndSwap(ctx, id, StateDetected, Mutation{State: StateMintRequested})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if rec.State != StateMintRequested {
		t.Fatalf("unexpected state after cas: %s", rec.State)
	}

	if _, err := st.CompareAndSwap(ctx, id, StateDetected, Mutation{State: StateMintRequested}); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	nonTerminal, err := st.ListNonTerminal(ctx)
	if err != nil {
		t.Fatalf("list non-terminal: %v", err)
	}
	found := false
	for _, r := range nonTerminal {
		if r.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("non-terminal record %s missing from recovery enumeration", id)
	}

	rec, err = st.CompareAndSwap(ctx, id, StateMintRequested, Mutation{State: StateMintConfirmed, MintReference: "M1"})
	if err != nil {
		t.Fatalf("cas to mint_confirmed: %v", err)
	}
	if rec.MintReference != "M1" {
		t.Fatalf("mint reference not stored: %+v", rec)
	}
}
