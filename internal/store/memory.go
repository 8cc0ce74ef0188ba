package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	markets    map[uint64]*model.Market
	collateral map[string]model.Balance
	wallets    map[walletKey]model.Balance
	positions  map[positionKey]model.Position
	prices     map[string]model.IndexPrice
	system     *model.SystemState
	ledger     []model.LedgerEntry
}

type walletKey struct{ account, asset string }

type positionKey struct {
	account  string
	marketID uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:    make(map[uint64]*model.Market),
		collateral: make(map[string]model.Balance),
		wallets:    make(map[walletKey]model.Balance),
		positions:  make(map[positionKey]model.Position),
		prices:     make(map[string]model.IndexPrice),
	}
}

func copyMarket(m *model.Market) *model.Market {
	c := *m
	if m.ClosedAt != nil {
		t := *m.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.markets {
		if id != m.ID && existing.Symbol == m.Symbol {
			return fmt.Errorf("market for symbol %s already exists", m.Symbol)
		}
	}
	// Store a copy to avoid external mutation.
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id uint64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) GetMarketBySymbol(_ context.Context, symbol string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Symbol == symbol {
			return copyMarket(m), nil
		}
	}
	return nil, fmt.Errorf("market for symbol %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) SaveCollateral(_ context.Context, b *model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collateral[b.Account] = *b
	return nil
}

func (s *MemoryStore) ListCollateral(_ context.Context) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Balance, 0, len(s.collateral))
	for _, b := range s.collateral {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (s *MemoryStore) SaveWalletBalance(_ context.Context, b *model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets[walletKey{b.Account, b.Asset}] = *b
	return nil
}

func (s *MemoryStore) ListWalletBalances(_ context.Context) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Balance, 0, len(s.wallets))
	for _, b := range s.wallets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Account < out[j].Account
	})
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[positionKey{p.Account, p.MarketID}] = *p
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, account string, marketID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, positionKey{account, marketID})
	return nil
}

func (s *MemoryStore) GetAccountPositions(_ context.Context, account string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.account == account {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sortPositions(out)
	return out, nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Account != ps[j].Account {
			return ps[i].Account < ps[j].Account
		}
		return ps[i].MarketID < ps[j].MarketID
	})
}

func (s *MemoryStore) SaveIndexPrice(_ context.Context, p *model.IndexPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[p.Asset] = *p
	return nil
}

func (s *MemoryStore) ListIndexPrices(_ context.Context) ([]model.IndexPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.IndexPrice, 0, len(s.prices))
	for _, p := range s.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) SaveSystemState(_ context.Context, st *model.SystemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *st
	s.system = &c
	return nil
}

func (s *MemoryStore) GetSystemState(_ context.Context) (*model.SystemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.system == nil {
		return nil, fmt.Errorf("system state: %w", ErrNotFound)
	}
	c := *s.system
	return &c, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger {
		if e.ID == entry.ID {
			return fmt.Errorf("ledger entry %s already exists", entry.ID)
		}
	}
	c := *entry
	if entry.MarketID != nil {
		id := *entry.MarketID
		c.MarketID = &id
	}
	s.ledger = append(s.ledger, c)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID uint64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID != nil && *e.MarketID == marketID {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

func sortEntries(es []model.LedgerEntry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Sequence < es[j].Sequence })
}
