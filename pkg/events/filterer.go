package events

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

const escrowABI = `[
	{"type":"event","name":"Deposited","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Swapped","inputs":[]},
	{"type":"event","name":"Refunded","inputs":[]}
]`

// LogFilterer is the subset of ethclient.Client the filterer needs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// DecodeError marks a log that matched a known escrow event topic but could
// not be unpacked. This is an ABI mismatch and fatal for the subscription,
// unlike unknown topics which are skipped.
type DecodeError struct {
	Position LedgerPosition
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode escrow log at %s: %v", e.Position, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EscrowFilterer decodes escrow contract logs into LedgerEvents.
type EscrowFilterer struct {
	client       LogFilterer
	contractAddr common.Address
	abi          abi.ABI
	kindByTopic  map[common.Hash]Kind
}

func NewEscrowFilterer(contractAddr common.Address, client LogFilterer) (*EscrowFilterer, error) {
	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}
	return &EscrowFilterer{
		client:       client,
		contractAddr: contractAddr,
		abi:          parsedABI,
		kindByTopic: map[common.Hash]Kind{
			parsedABI.Events["Deposited"].ID: Deposited,
			parsedABI.Events["Swapped"].ID:   Swapped,
			parsedABI.Events["Refunded"].ID:  Refunded,
		},
	}, nil
}

// FilterEvents returns decoded escrow events between the start and end blocks
// inclusive, ordered by ledger position. Logs with unknown topics are skipped.
func (f *EscrowFilterer) FilterEvents(ctx context.Context, start, end uint64) ([]LedgerEvent, error) {
	endBlock := new(big.Int).SetUint64(end)
	logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(start),
		ToBlock:   endBlock,
		Addresses: []common.Address{f.contractAddr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter escrow logs: %w", err)
	}

	toReturn := make([]LedgerEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 {
			continue
		}
		kind, known := f.kindByTopic[l.Topics[0]]
		if !known {
			log.Debug().Msgf("Skipping unknown escrow log topic %s at block %d", l.Topics[0].Hex(), l.BlockNumber)
			continue
		}
		event, err := f.decode(kind, l)
		if err != nil {
			return nil, err
		}
		toReturn = append(toReturn, event)
	}
	sort.Slice(toReturn, func(i, j int) bool {
		return toReturn[i].Position < toReturn[j].Position
	})
	return toReturn, nil
}

func (f *EscrowFilterer) decode(kind Kind, l types.Log) (LedgerEvent, error) {
	pos := NewLedgerPosition(l.BlockNumber, l.Index)
	event := LedgerEvent{Position: pos, Kind: kind}

	if kind == Deposited {
		if len(l.Topics) < 2 {
			return LedgerEvent{}, &DecodeError{Position: pos, Err: fmt.Errorf("missing indexed from address")}
		}
		event.Account = common.BytesToAddress(l.Topics[1].Bytes()).Hex()

		unpacked, err := f.abi.Unpack("Deposited", l.Data)
		if err != nil {
			return LedgerEvent{}, &DecodeError{Position: pos, Err: err}
		}
		if len(unpacked) != 1 {
			return LedgerEvent{}, &DecodeError{Position: pos, Err: fmt.Errorf("unexpected arg count %d", len(unpacked))}
		}
		amount, ok := unpacked[0].(*big.Int)
		if !ok {
			return LedgerEvent{}, &DecodeError{Position: pos, Err: fmt.Errorf("amount is not uint256")}
		}
		event.Amount = amount
	}
	return event, nil
}
