package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"settlement-bridge/pkg/bank"
	"settlement-bridge/pkg/events"
	"settlement-bridge/pkg/retrier"
	"settlement-bridge/pkg/store"

	"github.com/rs/zerolog/log"
)

// Minter is the custodial mint API boundary.
type Minter interface {
	Mint(ctx context.Context, amount, idempotencyKey string) (string, error)
}

// Remitter is the bank webhook boundary.
type Remitter interface {
	Submit(ctx context.Context, instr bank.PaymentInstruction) (string, error)
}

// Metrics observes settlement progress. The bridge wires a Prometheus
// implementation, tests and the default use a no-op.
type Metrics interface {
	StateTransition(state store.State)
	SinkAttempt(step string)
	Anomaly()
	Stranded()
}

type nopMetrics struct{}

func (nopMetrics) StateTransition(store.State) {}
func (nopMetrics) SinkAttempt(string)          {}
func (nopMetrics) Anomaly()                    {}
func (nopMetrics) Stranded()                   {}

type Options struct {
	Store       store.Store
	Minter      Minter
	Remitter    Remitter
	RetryPolicy retrier.Policy
	// CallTimeout bounds each individual sink call, independent of the
	// retry policy's delays.
	CallTimeout time.Duration
	Workers     int
	Metrics     Metrics
}

// Orchestrator consumes the ordered escrow event stream and drives each
// settlement through mint and bank submission exactly once. All coordination
// happens through the store's compare-and-swap, so multiple instances and
// restarts are safe without shared in-process state.
type Orchestrator struct {
	store       store.Store
	minter      Minter
	remitter    Remitter
	policy      retrier.Policy
	callTimeout time.Duration
	metrics     Metrics
	sem         chan struct{}
	wg          sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Orchestrator{
		store:       opts.Store,
		minter:      opts.Minter,
		remitter:    opts.Remitter,
		policy:      opts.RetryPolicy,
		callTimeout: opts.CallTimeout,
		metrics:     opts.Metrics,
		sem:         make(chan struct{}, opts.Workers),
	}
}

// Resume enumerates non-terminal records and re-drives each, so a restart
// strands no in-flight settlement. Callers run it before or concurrently
// with live consumption.
func (o *Orchestrator) Resume(ctx context.Context) error {
	records, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate non-terminal settlements: %w", err)
	}
	for _, rec := range records {
		rec := rec
		log.Info().Msgf("Resuming settlement %s from state %s", rec.ID, rec.State)
		o.dispatch(ctx, func() {
			o.drive(ctx, &rec, true)
		})
	}
	return nil
}

// Run consumes the listener's event channel until it is closed or the
// context is cancelled. The returned channel closes once all in-flight
// workers have finished.
func (o *Orchestrator) Run(ctx context.Context, eventChan <-chan events.LedgerEvent) <-chan struct{} {
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)
		defer o.wg.Wait()

		// The escrow's Swapped and Refunded events carry no arguments, the
		// deposit preceding them on the ordered stream names the account
		// and amount being settled.
		var depositAccount string
		depositAmount := "0"

		for {
			var event events.LedgerEvent
			var ok bool
			select {
			case <-ctx.Done():
				log.Info().Msg("Orchestrator shutting down")
				return
			case event, ok = <-eventChan:
				if !ok {
					log.Info().Msg("Event channel closed, orchestrator exiting")
					return
				}
			}

			switch event.Kind {
			case events.Deposited:
				depositAccount = event.Account
				depositAmount = amountString(event.Amount)
				log.Info().Msgf("Deposit observed at %s: account: %s, amount: %s",
					event.Position, depositAccount, depositAmount)
			case events.Swapped:
				account, amount := depositAccount, depositAmount
				ev := event
				o.dispatch(ctx, func() {
					o.handleSwapped(ctx, ev, account, amount)
				})
			case events.Refunded:
				ev := event
				o.dispatch(ctx, func() {
					o.handleRefunded(ctx, ev)
				})
			default:
				log.Debug().Msgf("Ignoring event of kind %s at %s", event.Kind, event.Position)
			}
		}
	}()
	return doneChan
}

func (o *Orchestrator) dispatch(ctx context.Context, fn func()) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.sem }()
		fn()
	}()
}

func (o *Orchestrator) handleSwapped(ctx context.Context, event events.LedgerEvent, account, amount string) {
	id := store.RecordID(event.Position)
	rec, err := o.store.CreateIfAbsent(ctx, store.SettlementRecord{
		ID:       id,
		Position: event.Position,
		Account:  account,
		Amount:   amount,
		State:    store.StateDetected,
	})
	if err != nil {
		log.Error().Err(err).Msgf("failed to create settlement record for %s", event.Position)
		return
	}
	if rec.State == store.StateDetected && rec.Attempts == 0 {
		o.metrics.StateTransition(store.StateDetected)
	} else {
		log.Debug().Msgf("Duplicate Swapped delivery for %s, resuming from state %s", id, rec.State)
	}
	o.drive(ctx, rec, false)
}

// handleRefunded resolves a Refunded event against the deal's settlement
// record. The refund applies only to a record still in Detected; a refund
// observed after the mint workflow started is a conflicting ledger signal
// and is logged, not applied.
func (o *Orchestrator) handleRefunded(ctx context.Context, event events.LedgerEvent) {
	latest, err := o.store.Latest(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to look up settlement for refund at %s", event.Position)
		return
	}

	if latest == nil {
		o.recordRefundMarker(ctx, event)
		return
	}

	switch latest.State {
	case store.StateDetected:
		updated, err := o.store.CompareAndSwap(ctx, latest.ID, store.StateDetected, store.Mutation{
			State:    store.StateRefunded,
			Attempts: latest.Attempts,
		})
		if errors.Is(err, store.ErrStale) {
			log.Warn().Msgf("Conflicting ledger signal: refund at %s raced settlement %s past Detected",
				event.Position, latest.ID)
			o.metrics.Anomaly()
			return
		}
		if err != nil {
			log.Error().Err(err).Msgf("failed to apply refund to settlement %s", latest.ID)
			return
		}
		log.Info().Msgf("Settlement %s refunded at %s", updated.ID, event.Position)
		o.metrics.StateTransition(store.StateRefunded)
	case store.StateRefunded:
		log.Debug().Msgf("Duplicate Refunded delivery at %s, settlement %s already refunded",
			event.Position, latest.ID)
	default:
		log.Warn().Msgf("Conflicting ledger signal: refund at %s for settlement %s in state %s, not applied",
			event.Position, latest.ID, latest.State)
		o.metrics.Anomaly()
	}
}

func (o *Orchestrator) recordRefundMarker(ctx context.Context, event events.LedgerEvent) {
	id := store.RecordID(event.Position)
	rec, err := o.store.CreateIfAbsent(ctx, store.SettlementRecord{
		ID:       id,
		Position: event.Position,
		Amount:   "0",
		State:    store.StateRefunded,
	})
	if err != nil {
		log.Error().Err(err).Msgf("failed to record refund at %s", event.Position)
		return
	}
	log.Info().Msgf("Refund observed at %s with no open settlement, recorded as %s", event.Position, rec.ID)
	o.metrics.StateTransition(store.StateRefunded)
}

// drive moves a settlement forward until it reaches a terminal state or this
// worker loses ownership. A worker owns the mint and bank steps only after
// claiming them through compare-and-swap; resumed records are re-claimed
// unconditionally since no live worker can hold them after a restart.
func (o *Orchestrator) drive(ctx context.Context, rec *store.SettlementRecord, resumed bool) {
	owned := resumed
	for !rec.State.Terminal() {
		if ctx.Err() != nil {
			return
		}

		switch rec.State {
		case store.StateDetected:
			// Claiming a step resets the attempt counter, attempts are
			// tracked per step.
			updated, err := o.store.CompareAndSwap(ctx, rec.ID, store.StateDetected, store.Mutation{
				State: store.StateMintRequested,
			})
			if !o.claimed(ctx, rec, updated, err) {
				return
			}
			owned = true
			o.metrics.StateTransition(store.StateMintRequested)

		case store.StateMintRequested:
			if !owned {
				return
			}
			if !o.requestMint(ctx, rec) {
				return
			}

		case store.StateMintConfirmed:
			updated, err := o.store.CompareAndSwap(ctx, rec.ID, store.StateMintConfirmed, store.Mutation{
				State:         store.StateBankSubmitted,
				MintReference: rec.MintReference,
			})
			if !o.claimed(ctx, rec, updated, err) {
				return
			}
			owned = true
			o.metrics.StateTransition(store.StateBankSubmitted)

		case store.StateBankSubmitted:
			if !owned {
				return
			}
			if !o.submitPayment(ctx, rec) {
				return
			}

		default:
			log.Error().Msgf("Settlement %s in unexpected state %s", rec.ID, rec.State)
			return
		}
	}
}

// claimed folds the outcome of a claim CAS back into rec. A stale claim
// means another worker holds or already finished the step; the fresh record
// is loaded so the loop can decide whether anything is left to do.
func (o *Orchestrator) claimed(ctx context.Context, rec *store.SettlementRecord, updated *store.SettlementRecord, err error) bool {
	if err == nil {
		*rec = *updated
		return true
	}
	if !errors.Is(err, store.ErrStale) {
		log.Error().Err(err).Msgf("failed to transition settlement %s", rec.ID)
		return false
	}
	fresh, getErr := o.store.Get(ctx, rec.ID)
	if getErr != nil || fresh == nil {
		log.Error().Err(getErr).Msgf("failed to reload settlement %s after stale claim", rec.ID)
		return false
	}
	log.Debug().Msgf("Settlement %s claimed elsewhere, now in state %s", rec.ID, fresh.State)
	return false
}

func (o *Orchestrator) requestMint(ctx context.Context, rec *store.SettlementRecord) bool {
	var mintRef string
	err := retrier.Execute(ctx, o.policy, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
		ref, err := o.minter.Mint(cctx, rec.Amount, rec.ID)
		if err != nil {
			return err
		}
		mintRef = ref
		return nil
	}, o.attemptObserver(ctx, rec, "mint", store.StateMintRequested))
	if err != nil {
		return o.failSettlement(ctx, rec, "mint", err)
	}

	updated, casErr := o.store.CompareAndSwap(ctx, rec.ID, store.StateMintRequested, store.Mutation{
		State:         store.StateMintConfirmed,
		MintReference: mintRef,
		Attempts:      rec.Attempts,
	})
	if casErr != nil {
		log.Error().Err(casErr).Msgf("failed to confirm mint for settlement %s", rec.ID)
		return false
	}
	*rec = *updated
	log.Info().Msgf("Mint confirmed for settlement %s, reference: %s", rec.ID, mintRef)
	o.metrics.StateTransition(store.StateMintConfirmed)
	return true
}

func (o *Orchestrator) submitPayment(ctx context.Context, rec *store.SettlementRecord) bool {
	instr := bank.PaymentInstruction{
		MessageID:       paymentMessageID(rec.ID),
		EndToEndID:      rec.ID,
		Amount:          rec.Amount,
		CreditorAccount: rec.Account,
		RemittanceInfo:  rec.MintReference,
	}

	var bankRef string
	err := retrier.Execute(ctx, o.policy, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
		ref, err := o.remitter.Submit(cctx, instr)
		if err != nil {
			return err
		}
		bankRef = ref
		return nil
	}, o.attemptObserver(ctx, rec, "bank", store.StateBankSubmitted))
	if err != nil {
		// Money has been minted but not remitted. The Failed record keeps
		// the mint reference so operators can reconcile manually.
		log.Error().Err(err).Msgf("Settlement %s minted but not remitted (mint reference %s), manual reconciliation required",
			rec.ID, rec.MintReference)
		o.metrics.Stranded()
		return o.failSettlement(ctx, rec, "bank", err)
	}

	updated, casErr := o.store.CompareAndSwap(ctx, rec.ID, store.StateBankSubmitted, store.Mutation{
		State:         store.StateBankConfirmed,
		BankReference: bankRef,
		Attempts:      rec.Attempts,
	})
	if casErr != nil {
		log.Error().Err(casErr).Msgf("failed to confirm bank submission for settlement %s", rec.ID)
		return false
	}
	*rec = *updated
	log.Info().Msgf("Bank acknowledged settlement %s, reference: %s", rec.ID, bankRef)
	o.metrics.StateTransition(store.StateBankConfirmed)
	return true
}

// attemptObserver persists per-attempt metadata so operators can see retry
// progress through the store while a settlement is in flight.
func (o *Orchestrator) attemptObserver(ctx context.Context, rec *store.SettlementRecord, step string, state store.State) func(int, error) {
	return func(_ int, attemptErr error) {
		rec.Attempts++
		o.metrics.SinkAttempt(step)
		if attemptErr == nil {
			return
		}
		rec.LastError = attemptErr.Error()
		if _, err := o.store.CompareAndSwap(ctx, rec.ID, state, store.Mutation{
			State:     state,
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
		}); err != nil {
			log.Debug().Err(err).Msgf("failed to record %s attempt for settlement %s", step, rec.ID)
		}
	}
}

// failSettlement handles retry exhaustion and counterparty rejection. A
// context cancellation is not terminal: the record stays in place for the
// recovery pass after restart.
func (o *Orchestrator) failSettlement(ctx context.Context, rec *store.SettlementRecord, step string, cause error) bool {
	if ctx.Err() != nil && !errors.Is(cause, retrier.ErrRetriesExhausted) {
		return false
	}

	updated, err := o.store.CompareAndSwap(ctx, rec.ID, rec.State, store.Mutation{
		State:     store.StateFailed,
		Attempts:  rec.Attempts,
		LastError: cause.Error(),
	})
	if err != nil {
		log.Error().Err(err).Msgf("failed to mark settlement %s as failed", rec.ID)
		return false
	}
	*rec = *updated
	log.Error().Err(cause).Msgf("Settlement %s failed at %s step after %d attempts, manual intervention required",
		rec.ID, step, rec.Attempts)
	o.metrics.StateTransition(store.StateFailed)
	return false
}

// Override administratively marks a non-terminal settlement as Failed. Once
// terminal the orchestrator refuses further automatic transitions.
func Override(ctx context.Context, st store.Store, id string) (*store.SettlementRecord, error) {
	for i := 0; i < 3; i++ {
		rec, err := st.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, store.ErrNotFound
		}
		if rec.State.Terminal() {
			return nil, fmt.Errorf("settlement %s already terminal in state %s", id, rec.State)
		}
		updated, err := st.CompareAndSwap(ctx, id, rec.State, store.Mutation{
			State:     store.StateFailed,
			Attempts:  rec.Attempts,
			LastError: "manually overridden by operator",
		})
		if errors.Is(err, store.ErrStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("settlement %s kept moving under override attempts: %w", id, store.ErrStale)
}

func paymentMessageID(id string) string {
	trimmed := strings.TrimPrefix(id, "0x")
	if len(trimmed) > 16 {
		trimmed = trimmed[:16]
	}
	return "pmt-" + trimmed
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
