package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"settlement-bridge/pkg/bank"
	"settlement-bridge/pkg/events"
	"settlement-bridge/pkg/listener"
	"settlement-bridge/pkg/mint"
	"settlement-bridge/pkg/orchestrator"
	"settlement-bridge/pkg/retrier"
	"settlement-bridge/pkg/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

type Options struct {
	LedgerRPCURL       string
	EscrowContractAddr common.Address
	MintAPIURL         string
	MintAPIKey         string
	BankWebhookURL     string
	// PostgresDSN selects durable state. When empty the bridge runs on an
	// in-memory store, which is only suitable for local experiments since
	// a restart loses all settlement state.
	PostgresDSN  string
	HTTPPort     int
	RetryPolicy  retrier.Policy
	CallTimeout  time.Duration
	PollInterval time.Duration
	Workers      int
	FromPosition events.LedgerPosition
}

// Bridge owns the listener, orchestrator, store and metrics server of a
// single settlement bridge instance.
type Bridge struct {
	// Closes ctx's Done channel and waits for all goroutines to close.
	waitOnCloseRoutines func()
	pgStore             *store.PostgresStore
	httpServer          *http.Server
	listener            *listener.Listener
}

func New(ctx context.Context, opts *Options) (*Bridge, error) {
	b := &Bridge{}

	ledgerClient, err := ethclient.Dial(opts.LedgerRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}

	filterer, err := events.NewEscrowFilterer(opts.EscrowContractAddr, ledgerClient)
	if err != nil {
		return nil, err
	}

	var st store.Store
	if opts.PostgresDSN != "" {
		pgStore, err := store.NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.pgStore = pgStore
		st = pgStore
		log.Info().Msg("Settlement store backed by Postgres")
	} else {
		st = store.NewMemoryStore()
		log.Warn().Msg("No Postgres DSN configured, settlement state will not survive a restart")
	}

	metrics := newMetricsRegistry()

	orch := orchestrator.New(orchestrator.Options{
		Store: st,
		Minter: mint.NewClient(mint.Options{
			BaseURL: opts.MintAPIURL,
			APIKey:  opts.MintAPIKey,
			Timeout: opts.CallTimeout,
		}),
		Remitter: bank.NewClient(bank.Options{
			WebhookURL: opts.BankWebhookURL,
			Timeout:    opts.CallTimeout,
		}),
		RetryPolicy: opts.RetryPolicy,
		CallTimeout: opts.CallTimeout,
		Workers:     opts.Workers,
		Metrics:     metrics,
	})

	runCtx, cancel := context.WithCancel(context.Background())

	// Recover stranded settlements before consuming live events. A store
	// failure here is fatal, the bridge must not run without its source of
	// truth.
	nonTerminal, err := st.ListNonTerminal(runCtx)
	if err != nil {
		cancel()
		b.closeStore()
		return nil, fmt.Errorf("settlement store unavailable: %w", err)
	}
	metrics.setInFlight(len(nonTerminal))
	if err := orch.Resume(runCtx); err != nil {
		cancel()
		b.closeStore()
		return nil, err
	}

	b.listener = listener.NewListener(ledgerClient, filterer, listener.Options{
		FromPosition: resumePosition(opts.FromPosition, nonTerminal),
		PollInterval: opts.PollInterval,
		RPCTimeout:   opts.CallTimeout,
		RetryPolicy:  opts.RetryPolicy,
	})
	listenerClosed, eventChan := b.listener.Start(runCtx)
	orchestratorClosed := orch.Run(runCtx, eventChan)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.handler())
	b.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.HTTPPort),
		Handler: mux,
	}
	go func() {
		if err := b.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	b.waitOnCloseRoutines = func() {
		cancel()

		allClosed := make(chan struct{})
		go func() {
			defer close(allClosed)
			<-listenerClosed
			<-orchestratorClosed
		}()
		<-allClosed
	}
	return b, nil
}

// resumePosition picks the replay point: the explicitly configured position,
// or just before the earliest non-terminal settlement so its deal context is
// re-observed.
func resumePosition(configured events.LedgerPosition, nonTerminal []store.SettlementRecord) events.LedgerPosition {
	pos := configured
	for _, rec := range nonTerminal {
		if pos == 0 || rec.Position < pos {
			pos = rec.Position
		}
	}
	return pos
}

// TryCloseAll attempts to close all workers and the store connection.
func (b *Bridge) TryCloseAll() (err error) {
	log.Debug().Msg("closing all workers and store connection")
	defer b.closeStore()

	if b.httpServer != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if serr := b.httpServer.Shutdown(sctx); serr != nil {
			err = errors.Join(err, serr)
		}
	}

	workersClosed := make(chan struct{})
	go func() {
		defer close(workersClosed)
		b.waitOnCloseRoutines()
	}()

	select {
	case <-workersClosed:
		log.Info().Msg("all workers closed")
		if lerr := b.listener.Err(); lerr != nil {
			err = errors.Join(err, lerr)
		}
		return err
	case <-time.After(10 * time.Second):
		return errors.Join(err, errors.New("failed to close all workers in 10 sec"))
	}
}

func (b *Bridge) closeStore() {
	if b.pgStore != nil {
		b.pgStore.Close()
	}
}
