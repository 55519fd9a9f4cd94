package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"settlement-bridge/pkg/events"
	"settlement-bridge/pkg/retrier"

	"github.com/rs/zerolog/log"
)

// BlockReader is the subset of ethclient.Client the listener needs to track
// the ledger head.
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// EscrowFilterer fetches decoded escrow events for a block range.
type EscrowFilterer interface {
	FilterEvents(ctx context.Context, start, end uint64) ([]events.LedgerEvent, error)
}

type Options struct {
	// FromPosition resumes the subscription from a previously seen ledger
	// position. Events at or before it may be redelivered, never lost.
	FromPosition events.LedgerPosition
	PollInterval time.Duration
	RPCTimeout   time.Duration
	RetryPolicy  retrier.Policy
}

// Listener polls the ledger for new escrow events and delivers them in
// non-decreasing ledger position order, at least once. Transient RPC failures
// are retried internally; a decode failure is fatal for the subscription and
// surfaced through Err.
type Listener struct {
	blockReader  BlockReader
	filterer     EscrowFilterer
	opts         Options
	DoneChan     chan struct{}
	EventChan    chan events.LedgerEvent
	mu           sync.Mutex
	subscriptErr error
}

func NewListener(blockReader BlockReader, filterer EscrowFilterer, opts Options) *Listener {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 10 * time.Second
	}
	return &Listener{
		blockReader: blockReader,
		filterer:    filterer,
		opts:        opts,
	}
}

func (l *Listener) Start(ctx context.Context) (<-chan struct{}, <-chan events.LedgerEvent) {
	l.DoneChan = make(chan struct{})
	l.EventChan = make(chan events.LedgerEvent, 10) // Buffer up to 10 events

	go func() {
		defer close(l.DoneChan)
		defer close(l.EventChan)

		ticker := time.NewTicker(l.opts.PollInterval)
		defer ticker.Stop()

		// Blocks up to and including this value have been handled. Resuming
		// from the block of FromPosition rather than the position itself
		// redelivers that block's events, which downstream must dedupe.
		blockNumHandled := uint64(0)
		if l.opts.FromPosition > 0 {
			if b := l.opts.FromPosition.Block(); b > 0 {
				blockNumHandled = b - 1
			}
		}
		log.Info().Msgf("Listener starting from ledger block %d", blockNumHandled)

		for {
			currentBlockNum, err := l.obtainBlockNum(ctx)
			if err != nil {
				if ctx.Err() != nil {
					log.Info().Msg("Listener shutting down")
					return
				}
				log.Error().Err(err).Msg("failed to obtain ledger block number after retries")
			} else if blockNumHandled < currentBlockNum {
				delivered, err := l.deliverRange(ctx, blockNumHandled+1, currentBlockNum)
				switch {
				case err == nil && delivered:
					blockNumHandled = currentBlockNum
				case err != nil:
					var decodeErr *events.DecodeError
					if errors.As(err, &decodeErr) {
						log.Error().Err(err).Msg("fatal escrow decode failure, stopping subscription")
						l.setErr(err)
						return
					}
					// Cursor is not advanced, the range will be refetched and
					// may redeliver events already sent.
					log.Error().Err(err).Msgf("failed to fetch escrow events from block %d to %d",
						blockNumHandled+1, currentBlockNum)
				}
			}

			select {
			case <-ctx.Done():
				log.Info().Msg("Listener shutting down")
				return
			case <-ticker.C:
			}
		}
	}()
	return l.DoneChan, l.EventChan
}

// Err reports the fatal subscription error, if any, once DoneChan is closed.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscriptErr
}

func (l *Listener) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscriptErr = err
}

func (l *Listener) deliverRange(ctx context.Context, start, end uint64) (bool, error) {
	var fetched []events.LedgerEvent
	err := retrier.Execute(ctx, l.opts.RetryPolicy, func(ctx context.Context) error {
		fctx, cancel := context.WithTimeout(ctx, l.opts.RPCTimeout)
		defer cancel()
		var ferr error
		fetched, ferr = l.filterer.FilterEvents(fctx, start, end)
		if ferr != nil {
			var decodeErr *events.DecodeError
			if errors.As(ferr, &decodeErr) {
				return retrier.Permanent(ferr)
			}
		}
		return ferr
	}, nil)
	if err != nil {
		return false, err
	}

	log.Debug().Msgf("Fetched %d escrow events from block %d to %d", len(fetched), start, end)
	for _, event := range fetched {
		log.Info().Msgf("Escrow event seen by listener: kind: %s, position: %s", event.Kind, event.Position)
		select {
		case l.EventChan <- event:
		case <-ctx.Done():
			return false, nil
		}
	}
	return true, nil
}

func (l *Listener) obtainBlockNum(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := retrier.Execute(ctx, l.opts.RetryPolicy, func(ctx context.Context) error {
		bctx, cancel := context.WithTimeout(ctx, l.opts.RPCTimeout)
		defer cancel()
		var berr error
		blockNum, berr = l.blockReader.BlockNumber(bctx)
		return berr
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to obtain ledger block number: %w", err)
	}
	return blockNum, nil
}
