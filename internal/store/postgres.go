package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the durable replica.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, symbol, asset,
		        base_asset_reserves::TEXT, quote_asset_reserves::TEXT,
		        terminal_base_asset_reserves::TEXT, terminal_quote_asset_reserves::TEXT,
		        peg_multiplier::TEXT, invariant::TEXT, closed_at,
		        twap_value::TEXT, twap_timestamp, twap_period, created_at`

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, symbol, asset,
		        base_asset_reserves, quote_asset_reserves,
		        terminal_base_asset_reserves, terminal_quote_asset_reserves,
		        peg_multiplier, invariant, closed_at,
		        twap_value, twap_timestamp, twap_period, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		        base_asset_reserves = EXCLUDED.base_asset_reserves,
		        quote_asset_reserves = EXCLUDED.quote_asset_reserves,
		        terminal_base_asset_reserves = EXCLUDED.terminal_base_asset_reserves,
		        terminal_quote_asset_reserves = EXCLUDED.terminal_quote_asset_reserves,
		        peg_multiplier = EXCLUDED.peg_multiplier,
		        invariant = EXCLUDED.invariant,
		        closed_at = EXCLUDED.closed_at,
		        twap_value = EXCLUDED.twap_value,
		        twap_timestamp = EXCLUDED.twap_timestamp,
		        twap_period = EXCLUDED.twap_period`,
		int64(m.ID), m.Symbol, m.Asset,
		m.BaseAssetReserves.String(), m.QuoteAssetReserves.String(),
		m.TerminalBaseAssetReserves.String(), m.TerminalQuoteAssetReserves.String(),
		m.PegMultiplier.String(), m.Invariant.String(), nullableMoment(m.ClosedAt),
		m.TwapValue.String(), int64(m.TwapTimestamp), int64(m.TwapPeriod), int64(m.CreatedAt),
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id uint64) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, int64(id))
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", id, notFound(err))
	}
	return m, nil
}

func (s *PostgresStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE symbol = $1`, symbol)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market by symbol %s: %w", symbol, notFound(err))
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var id, twapTS, twapPeriod, createdAt int64
	var closedAt *int64
	var base, quote, termBase, termQuote, peg, k, twapValue string

	if err := row.Scan(&id, &m.Symbol, &m.Asset,
		&base, &quote, &termBase, &termQuote,
		&peg, &k, &closedAt,
		&twapValue, &twapTS, &twapPeriod, &createdAt); err != nil {
		return nil, err
	}

	m.ID = uint64(id)
	m.BaseAssetReserves = num(base)
	m.QuoteAssetReserves = num(quote)
	m.TerminalBaseAssetReserves = num(termBase)
	m.TerminalQuoteAssetReserves = num(termQuote)
	m.PegMultiplier = num(peg)
	m.Invariant = num(k)
	if closedAt != nil {
		t := uint64(*closedAt)
		m.ClosedAt = &t
	}
	m.TwapValue = num(twapValue)
	m.TwapTimestamp = uint64(twapTS)
	m.TwapPeriod = uint64(twapPeriod)
	m.CreatedAt = uint64(createdAt)
	return &m, nil
}

// --- Balances ---

func (s *PostgresStore) SaveCollateral(ctx context.Context, b *model.Balance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collateral (account, asset, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET asset = EXCLUDED.asset, amount = EXCLUDED.amount`,
		b.Account, b.Asset, b.Amount.String(),
	)
	return err
}

func (s *PostgresStore) ListCollateral(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, asset, amount::TEXT FROM collateral ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBalances(rows)
}

func (s *PostgresStore) SaveWalletBalance(ctx context.Context, b *model.Balance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallet_balances (account, asset, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (account, asset) DO UPDATE SET amount = EXCLUDED.amount`,
		b.Account, b.Asset, b.Amount.String(),
	)
	return err
}

func (s *PostgresStore) ListWalletBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, asset, amount::TEXT FROM wallet_balances ORDER BY asset, account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBalances(rows)
}

func scanBalances(rows pgxRows) ([]model.Balance, error) {
	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		var amount string
		if err := rows.Scan(&b.Account, &b.Asset, &amount); err != nil {
			return nil, err
		}
		b.Amount = num(amount)
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (account, market_id, direction, size, notional, entry_price)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (account, market_id) DO UPDATE SET
		        direction = EXCLUDED.direction,
		        size = EXCLUDED.size,
		        notional = EXCLUDED.notional,
		        entry_price = EXCLUDED.entry_price`,
		p.Account, int64(p.MarketID), p.Direction,
		p.Size.String(), p.Notional.String(), p.EntryPrice.String(),
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, account string, marketID uint64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE account = $1 AND market_id = $2`, account, int64(marketID))
	return err
}

func (s *PostgresStore) GetAccountPositions(ctx context.Context, account string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, market_id, direction, size::TEXT, notional::TEXT, entry_price::TEXT
		 FROM positions WHERE account = $1 ORDER BY market_id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, market_id, direction, size::TEXT, notional::TEXT, entry_price::TEXT
		 FROM positions ORDER BY account, market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		var p model.Position
		var marketID int64
		var size, notional, entry string
		if err := rows.Scan(&p.Account, &marketID, &p.Direction, &size, &notional, &entry); err != nil {
			return nil, err
		}
		p.MarketID = uint64(marketID)
		p.Size = num(size)
		p.Notional = num(notional)
		p.EntryPrice = num(entry)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Oracle ---

func (s *PostgresStore) SaveIndexPrice(ctx context.Context, p *model.IndexPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO index_prices (asset, price) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (asset) DO UPDATE SET price = EXCLUDED.price`,
		p.Asset, p.Price.String(),
	)
	return err
}

func (s *PostgresStore) ListIndexPrices(ctx context.Context) ([]model.IndexPrice, error) {
	rows, err := s.pool.Query(ctx, `SELECT asset, price::TEXT FROM index_prices ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.IndexPrice
	for rows.Next() {
		var p model.IndexPrice
		var price string
		if err := rows.Scan(&p.Asset, &price); err != nil {
			return nil, err
		}
		p.Price = num(price)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- System ---

func (s *PostgresStore) SaveSystemState(ctx context.Context, st *model.SystemState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_state (id, bad_debt, sequence, reference_time) VALUES (1, $1::NUMERIC, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET bad_debt = EXCLUDED.bad_debt, sequence = EXCLUDED.sequence,
		 reference_time = EXCLUDED.reference_time`,
		st.BadDebt.String(), int64(st.Sequence), int64(st.ReferenceTime),
	)
	return err
}

func (s *PostgresStore) GetSystemState(ctx context.Context) (*model.SystemState, error) {
	var badDebt string
	var seq, ref int64
	err := s.pool.QueryRow(ctx,
		`SELECT bad_debt::TEXT, sequence, reference_time FROM system_state WHERE id = 1`).Scan(&badDebt, &seq, &ref)
	if err != nil {
		return nil, fmt.Errorf("system state: %w", notFound(err))
	}
	return &model.SystemState{BadDebt: num(badDebt), Sequence: uint64(seq), ReferenceTime: uint64(ref)}, nil
}

// --- Immutable ledger ---

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, sequence, kind, account, market_id, asset, direction,
		        amount, size, price, pnl, moment)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		e.ID, int64(e.Sequence), e.Kind, e.Account, nullableMoment(e.MarketID), e.Asset, e.Direction,
		e.Amount.String(), e.Size.String(), e.Price.String(), e.PnL.String(),
		int64(e.Moment),
	)
	return err
}

const ledgerColumns = `id::TEXT, sequence, kind, account, market_id, asset, direction,
		        amount::TEXT, size::TEXT, price::TEXT, pnl::TEXT, moment`

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID uint64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE market_id = $1 ORDER BY sequence`, int64(marketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE account = $1 ORDER BY sequence`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var seq, moment int64
		var marketID *int64
		var amountS, sizeS, priceS, pnlS string

		if err := rows.Scan(&e.ID, &seq, &e.Kind, &e.Account, &marketID, &e.Asset, &e.Direction,
			&amountS, &sizeS, &priceS, &pnlS, &moment); err != nil {
			return nil, err
		}

		e.Sequence = uint64(seq)
		e.Moment = uint64(moment)
		if marketID != nil {
			id := uint64(*marketID)
			e.MarketID = &id
		}
		e.Amount = num(amountS)
		e.Size = num(sizeS)
		e.Price = num(priceS)
		e.PnL = num(pnlS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// num parses a NUMERIC rendered as text. Postgres never renders an invalid
// one, so a parse failure reads as zero.
func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullableMoment(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
