package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrStale is returned by CompareAndSwap when the record's state no
	// longer matches the expected one, meaning another worker already moved
	// it forward.
	ErrStale = errors.New("record state is stale")

	// ErrNotFound is returned when a settlement record does not exist.
	ErrNotFound = errors.New("settlement record not found")
)

// Mutation carries the fields written by a successful CompareAndSwap.
// References are only written when non-empty so a metadata refresh cannot
// clear a previously stored reference.
type Mutation struct {
	State         State
	MintReference string
	BankReference string
	Attempts      int
	LastError     string
}

// Store is the durable source of truth for settlement records. It is the
// only shared mutable resource of the bridge; CompareAndSwap is the sole
// mutation primitive so concurrent workers and restarted processes never
// repeat a completed step.
type Store interface {
	// Get returns nil when no record exists for the id.
	Get(ctx context.Context, id string) (*SettlementRecord, error)

	// CreateIfAbsent atomically creates the record unless one already
	// exists. Exactly one initial record wins a race, every caller observes
	// the winner.
	CreateIfAbsent(ctx context.Context, rec SettlementRecord) (*SettlementRecord, error)

	// CompareAndSwap applies mut only when the record's current state equals
	// expected and the transition is legal, returning ErrStale otherwise.
	CompareAndSwap(ctx context.Context, id string, expected State, mut Mutation) (*SettlementRecord, error)

	// ListNonTerminal enumerates records needing recovery after a restart.
	ListNonTerminal(ctx context.Context) ([]SettlementRecord, error)

	// Latest returns the record with the greatest ledger position, nil when
	// the store is empty.
	Latest(ctx context.Context) (*SettlementRecord, error)
}

// MemoryStore is used by tests and local runs without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]SettlementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]SettlementRecord),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, rec SettlementRecord) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[rec.ID]; ok {
		return &existing, nil
	}
	rec.UpdatedAt = time.Now().UTC()
	m.data[rec.ID] = rec
	return &rec, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id string, expected State, mut Mutation) (*SettlementRecord, error) {
	if !expected.CanTransition(mut.State) {
		return nil, fmt.Errorf("illegal transition %s -> %s: %w", expected, mut.State, ErrStale)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.State != expected {
		return nil, fmt.Errorf("expected state %s, have %s: %w", expected, rec.State, ErrStale)
	}

	rec.State = mut.State
	if mut.MintReference != "" {
		rec.MintReference = mut.MintReference
	}
	if mut.BankReference != "" {
		rec.BankReference = mut.BankReference
	}
	rec.Attempts = mut.Attempts
	rec.LastError = mut.LastError
	rec.UpdatedAt = time.Now().UTC()
	m.data[id] = rec
	return &rec, nil
}

func (m *MemoryStore) ListNonTerminal(_ context.Context) ([]SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var toReturn []SettlementRecord
	for _, rec := range m.data {
		if !rec.State.Terminal() {
			toReturn = append(toReturn, rec)
		}
	}
	return toReturn, nil
}

func (m *MemoryStore) Latest(_ context.Context) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *SettlementRecord
	for id := range m.data {
		rec := m.data[id]
		if latest == nil || rec.Position > latest.Position {
			latest = &rec
		}
	}
	return latest, nil
}
