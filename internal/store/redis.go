package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	s.rdb.Set(ctx, symbolKey(m.Symbol), strconv.FormatUint(m.ID, 10), s.ttl)
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.Account))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, account string, marketID uint64) error {
	if err := s.primary.DeletePosition(ctx, account, marketID); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(account))
	return nil
}

func (s *CachedStore) SaveSystemState(ctx context.Context, st *model.SystemState) error {
	if err := s.primary.SaveSystemState(ctx, st); err != nil {
		return err
	}
	s.cacheJSON(ctx, systemKey, st)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id uint64) (*model.Market, error) {
	var m model.Market
	if s.readJSON(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), got)
	return got, nil
}

func (s *CachedStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	// Try cache via symbol→marketID mapping.
	if v, err := s.rdb.Get(ctx, symbolKey(symbol)).Result(); err == nil {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			return s.GetMarket(ctx, id)
		}
	}

	m, err := s.primary.GetMarketBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	s.rdb.Set(ctx, symbolKey(symbol), strconv.FormatUint(m.ID, 10), s.ttl)
	return m, nil
}

func (s *CachedStore) GetAccountPositions(ctx context.Context, account string) ([]model.Position, error) {
	var positions []model.Position
	if s.readJSON(ctx, positionsKey(account), &positions) {
		return positions, nil
	}

	positions, err := s.primary.GetAccountPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsKey(account), positions)
	return positions, nil
}

func (s *CachedStore) GetSystemState(ctx context.Context) (*model.SystemState, error) {
	var st model.SystemState
	if s.readJSON(ctx, systemKey, &st) {
		return &st, nil
	}

	got, err := s.primary.GetSystemState(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, systemKey, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) SaveCollateral(ctx context.Context, b *model.Balance) error {
	return s.primary.SaveCollateral(ctx, b)
}

func (s *CachedStore) ListCollateral(ctx context.Context) ([]model.Balance, error) {
	return s.primary.ListCollateral(ctx)
}

func (s *CachedStore) SaveWalletBalance(ctx context.Context, b *model.Balance) error {
	return s.primary.SaveWalletBalance(ctx, b)
}

func (s *CachedStore) ListWalletBalances(ctx context.Context) ([]model.Balance, error) {
	return s.primary.ListWalletBalances(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) SaveIndexPrice(ctx context.Context, p *model.IndexPrice) error {
	return s.primary.SaveIndexPrice(ctx, p)
}

func (s *CachedStore) ListIndexPrices(ctx context.Context) ([]model.IndexPrice, error) {
	return s.primary.ListIndexPrices(ctx)
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, entry)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID uint64) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

const systemKey = "perp:system"

func marketKey(id uint64) string         { return fmt.Sprintf("perp:market:%d", id) }
func symbolKey(symbol string) string     { return fmt.Sprintf("perp:symbol:%s", symbol) }
func positionsKey(account string) string { return fmt.Sprintf("perp:positions:%s", account) }
