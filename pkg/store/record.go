package store

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"settlement-bridge/pkg/events"

	"golang.org/x/crypto/sha3"
)

type State string

const (
	StateDetected      State = "detected"
	StateMintRequested State = "mint_requested"
	StateMintConfirmed State = "mint_confirmed"
	StateBankSubmitted State = "bank_submitted"
	StateBankConfirmed State = "bank_confirmed"
	StateRefunded      State = "refunded"
	StateFailed        State = "failed"
)

var stateRank = map[State]int{
	StateDetected:      0,
	StateMintRequested: 1,
	StateMintConfirmed: 2,
	StateBankSubmitted: 3,
	StateBankConfirmed: 4,
}

func (s State) Terminal() bool {
	switch s {
	case StateBankConfirmed, StateRefunded, StateFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next keeps the state
// machine monotonic. Same-state transitions are allowed so operational
// metadata can be refreshed under the same compare-and-swap guard.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == s {
		return true
	}
	if next == StateFailed {
		return true
	}
	if next == StateRefunded {
		return s == StateDetected
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to == from+1
}

// SettlementRecord is the durable unit of work, one per Swapped (or
// Refunded) escrow event.
type SettlementRecord struct {
	ID            string
	Position      events.LedgerPosition
	Account       string
	Amount        string // decimal string in minor units
	State         State
	MintReference string
	BankReference string
	Attempts      int
	LastError     string
	UpdatedAt     time.Time
}

// RecordID derives the settlement id from the triggering event's ledger
// position, so redelivery of the same event always maps to the same record.
func RecordID(pos events.LedgerPosition) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pos))
	hash := sha3.NewLegacyKeccak256()
	hash.Write(buf[:])
	return "0x" + hex.EncodeToString(hash.Sum(nil))
}
