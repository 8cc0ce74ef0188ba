// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (durable replica), Redis (read-through
// cache), and in-memory (for testing).
//
// The engine keeps its working state in memory; the store is written through
// after every committed transition and read back on start.
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the durable replica;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// SaveMarket inserts or replaces a market record.
	SaveMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id uint64) (*model.Market, error)

	// GetMarketBySymbol retrieves a market by its contract ticker.
	GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error)

	// ListMarkets returns all markets ordered by ID.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Balances ---

	// SaveCollateral inserts or replaces an account's collateral.
	SaveCollateral(ctx context.Context, b *model.Balance) error

	// ListCollateral returns every collateral record ordered by account.
	ListCollateral(ctx context.Context) ([]model.Balance, error)

	// SaveWalletBalance inserts or replaces an account's wallet balance.
	SaveWalletBalance(ctx context.Context, b *model.Balance) error

	// ListWalletBalances returns every wallet balance ordered by asset, then
	// account.
	ListWalletBalances(ctx context.Context) ([]model.Balance, error)

	// --- Positions ---

	// SavePosition inserts or replaces a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position. Deleting a missing position is not
	// an error.
	DeletePosition(ctx context.Context, account string, marketID uint64) error

	// GetAccountPositions returns an account's positions ordered by market.
	GetAccountPositions(ctx context.Context, account string) ([]model.Position, error)

	// ListPositions returns every position ordered by account, then market.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Oracle ---

	// SaveIndexPrice inserts or replaces an index price.
	SaveIndexPrice(ctx context.Context, p *model.IndexPrice) error

	// ListIndexPrices returns every index price ordered by asset.
	ListIndexPrices(ctx context.Context) ([]model.IndexPrice, error)

	// --- System ---

	// SaveSystemState replaces the engine-wide counters.
	SaveSystemState(ctx context.Context, s *model.SystemState) error

	// GetSystemState returns the counters, or ErrNotFound before the first
	// save.
	GetSystemState(ctx context.Context) (*model.SystemState, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable event record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByMarket returns a market's events in sequence order.
	GetLedgerEntriesByMarket(ctx context.Context, marketID uint64) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns an account's events in sequence order.
	GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error)
}
