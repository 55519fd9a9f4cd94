package events

import (
	"fmt"
	"math/big"
)

type Kind int

const (
	Deposited Kind = iota
	Swapped
	Refunded
)

func (k Kind) String() string {
	switch k {
	case Deposited:
		return "Deposited"
	case Swapped:
		return "Swapped"
	case Refunded:
		return "Refunded"
	default:
		return "unknown"
	}
}

// LedgerPosition totally orders events on the source ledger. Block number
// occupies the high 48 bits, log index the low 16.
type LedgerPosition uint64

func NewLedgerPosition(blockNum uint64, logIndex uint) LedgerPosition {
	return LedgerPosition(blockNum<<16 | uint64(logIndex)&0xffff)
}

func (p LedgerPosition) Block() uint64 {
	return uint64(p) >> 16
}

func (p LedgerPosition) LogIndex() uint {
	return uint(uint64(p) & 0xffff)
}

func (p LedgerPosition) String() string {
	return fmt.Sprintf("%d:%d", p.Block(), p.LogIndex())
}

// LedgerEvent is an immutable fact observed on the escrow contract. Account
// and Amount are only populated for Deposited events, the escrow's Swapped
// and Refunded events carry no arguments.
type LedgerEvent struct {
	Position LedgerPosition
	Kind     Kind
	Account  string
	Amount   *big.Int
}
