// Package clearinghouse manages trader collateral and positions against the
// vAMM markets.
//
// Every exported mutation is one all-or-nothing transition: on error, vAMM
// state, collateral, positions and bad debt are exactly as they were before
// the call, and no event is published. Collateral moves through the asset
// Transferer, and the transfer is always the last fallible step of a
// transition. Time is always supplied by the caller.
//
// The insurance account is the counterparty of every realized PnL: gains are
// paid from it into custody and collected losses are paid to it, so custody
// always holds exactly the sum of all collateral. Losses beyond an account's
// collateral are never collected and accrue as bad debt.
package clearinghouse

import (
	"fmt"
	"sort"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Config holds the clearing house parameters.
type Config struct {
	// CollateralAsset is the only asset accepted as collateral.
	CollateralAsset assets.Asset
	// CustodyAccount holds deposited collateral.
	CustodyAccount assets.Account
	// InsuranceAccount pays realized gains and receives realized losses.
	InsuranceAccount assets.Account
	// InitialMarginRatio is the share of open notional that collateral must
	// cover. Zero selects DefaultInitialMarginRatio.
	InitialMarginRatio fixed.FixedU128
	// Limiter caps per-market and correlated notional. Optional.
	Limiter *correlation.PositionLimiter
}

// DefaultInitialMarginRatio is 10%.
func DefaultInitialMarginRatio() fixed.FixedU128 {
	r, _ := fixed.FromRational(fixed.NewBalance(1), fixed.NewBalance(10))
	return r
}

// ClearingHouse is not safe for concurrent use; callers serialize access.
type ClearingHouse struct {
	cfg       Config
	vamms     *vamm.Engine
	transfers Transferer
	oracle    Oracle
	sink      EventSink

	markets    map[vamm.ID]Market
	collateral map[assets.Account]fixed.Balance
	positions  map[positionKey]Position
	badDebt    fixed.Balance
}

// New returns a clearing house over engine. sink may be nil.
func New(cfg Config, engine *vamm.Engine, transfers Transferer, oracle Oracle, sink EventSink) (*ClearingHouse, error) {
	if cfg.CollateralAsset == "" {
		return nil, fmt.Errorf("%w: collateral asset is required", ErrInvalidConfig)
	}
	if cfg.CustodyAccount == "" {
		return nil, fmt.Errorf("%w: custody account is required", ErrInvalidConfig)
	}
	if cfg.InsuranceAccount == "" || cfg.InsuranceAccount == cfg.CustodyAccount {
		return nil, fmt.Errorf("%w: insurance account must be set and differ from custody", ErrInvalidConfig)
	}
	if cfg.InitialMarginRatio.IsZero() {
		cfg.InitialMarginRatio = DefaultInitialMarginRatio()
	}
	if cfg.InitialMarginRatio.Cmp(fixed.One) > 0 {
		return nil, fmt.Errorf("%w: initial margin ratio %s above 1", ErrInvalidConfig, cfg.InitialMarginRatio)
	}
	return &ClearingHouse{
		cfg:        cfg,
		vamms:      engine,
		transfers:  transfers,
		oracle:     oracle,
		sink:       sink,
		markets:    make(map[vamm.ID]Market),
		collateral: make(map[assets.Account]fixed.Balance),
		positions:  make(map[positionKey]Position),
	}, nil
}

// Config returns the effective configuration.
func (ch *ClearingHouse) Config() Config { return ch.cfg }

// Engine returns the underlying vAMM engine.
func (ch *ClearingHouse) Engine() *vamm.Engine { return ch.vamms }

// CreateMarket opens a vAMM market for an underlying asset with an oracle
// price feed.
func (ch *ClearingHouse) CreateMarket(asset assets.Asset, cfg vamm.Config, now vamm.Moment) (Market, error) {
	var m Market
	err := ch.apply(func(tx *txn) error {
		if !ch.oracle.IsSupported(asset) {
			return fmt.Errorf("%w: %s", ErrNoPriceFeedForAsset, asset)
		}
		id, err := ch.vamms.Create(cfg, now)
		if err != nil {
			return err
		}
		tx.onRollback(func() {
			delete(ch.markets, id)
			ch.vamms.Remove(id)
		})
		m = Market{ID: id, Asset: asset}
		ch.markets[id] = m
		state, err := ch.vamms.Get(id)
		if err != nil {
			return err
		}
		tx.emit(Event{Kind: EventMarketCreated, Market: id, Asset: asset, Price: state.BaseAssetTwap.Value, Moment: now})
		return nil
	})
	return m, err
}

// CloseMarket schedules a market to close at target.
func (ch *ClearingHouse) CloseMarket(id vamm.ID, target, now vamm.Moment) error {
	return ch.apply(func(tx *txn) error {
		m, err := ch.market(id)
		if err != nil {
			return err
		}
		if err := ch.vamms.Close(id, target, now); err != nil {
			return err
		}
		tx.emit(Event{Kind: EventMarketClosing, Market: id, Asset: m.Asset, Moment: target})
		return nil
	})
}

// UpdateTwap folds price, or the market's reserve price when nil, into its
// twap. With bestEffort a twap already updated at or after now is left alone
// and ok is false.
func (ch *ClearingHouse) UpdateTwap(id vamm.ID, price *fixed.FixedU128, now vamm.Moment, bestEffort bool) (v fixed.FixedU128, ok bool, err error) {
	err = ch.apply(func(tx *txn) error {
		var err error
		if bestEffort {
			v, ok, err = ch.vamms.TryUpdateTwap(id, price, now)
		} else {
			v, err = ch.vamms.UpdateTwap(id, price, now)
			ok = err == nil
		}
		if err != nil {
			return err
		}
		if ok {
			tx.emit(Event{Kind: EventTwapUpdated, Market: id, Asset: ch.markets[id].Asset, Price: v, Moment: now})
		}
		return nil
	})
	return v, ok, err
}

// DepositCollateral moves amount from account into custody and credits it.
func (ch *ClearingHouse) DepositCollateral(account assets.Account, asset assets.Asset, amount fixed.Balance) error {
	return ch.apply(func(tx *txn) error {
		if amount.IsZero() {
			return ErrNoCollateralDeposited
		}
		if asset != ch.cfg.CollateralAsset {
			return fmt.Errorf("%w: %s", ErrUnsupportedCollateral, asset)
		}
		next, err := fixed.CheckedAdd(ch.collateral[account], amount)
		if err != nil {
			return err
		}
		if err := ch.transfers.Transfer(account, ch.cfg.CustodyAccount, asset, amount); err != nil {
			return fmt.Errorf("deposit collateral: %w", err)
		}
		ch.setCollateral(tx, account, next)
		tx.emit(Event{Kind: EventCollateralDeposited, Account: account, Asset: asset, Amount: amount})
		return nil
	})
}

// WithdrawCollateral returns amount from custody to account. The remainder
// must still cover the initial margin of the account's open positions.
func (ch *ClearingHouse) WithdrawCollateral(account assets.Account, asset assets.Asset, amount fixed.Balance) error {
	return ch.apply(func(tx *txn) error {
		if amount.IsZero() {
			return ErrNoCollateralWithdrawn
		}
		if asset != ch.cfg.CollateralAsset {
			return fmt.Errorf("%w: %s", ErrUnsupportedCollateral, asset)
		}
		remaining, err := fixed.CheckedSub(ch.collateral[account], amount)
		if err != nil {
			return fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientCollateral, ch.collateral[account], amount)
		}
		required, err := ch.requiredMargin(account)
		if err != nil {
			return err
		}
		if remaining.Cmp(required) < 0 {
			return fmt.Errorf("%w: %s left, %s required", ErrInsufficientMarginForWithdrawal, remaining, required)
		}
		if err := ch.transfers.Transfer(ch.cfg.CustodyAccount, account, asset, amount); err != nil {
			return fmt.Errorf("withdraw collateral: %w", err)
		}
		ch.setCollateral(tx, account, remaining)
		tx.emit(Event{Kind: EventCollateralWithdrawn, Account: account, Asset: asset, Amount: amount})
		return nil
	})
}

func (ch *ClearingHouse) market(id vamm.ID) (Market, error) {
	m, ok := ch.markets[id]
	if !ok {
		return Market{}, fmt.Errorf("%w: %d", ErrMarketDoesNotExist, id)
	}
	return m, nil
}

// requiredMargin is InitialMarginRatio times the account's total notional.
func (ch *ClearingHouse) requiredMargin(account assets.Account) (fixed.Balance, error) {
	total := fixed.ZeroBalance
	for k, p := range ch.positions {
		if k.account != account {
			continue
		}
		var err error
		if total, err = fixed.CheckedAdd(total, p.Notional); err != nil {
			return fixed.Balance{}, err
		}
	}
	return ch.cfg.InitialMarginRatio.MulBalance(total)
}

// --- Queries ---

// Market returns a market record.
func (ch *ClearingHouse) Market(id vamm.ID) (Market, error) {
	return ch.market(id)
}

// Markets returns every market ordered by id.
func (ch *ClearingHouse) Markets() []Market {
	out := make([]Market, 0, len(ch.markets))
	for _, m := range ch.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IndexPrice returns the oracle price of a market's underlying asset.
func (ch *ClearingHouse) IndexPrice(id vamm.ID) (fixed.FixedU128, error) {
	m, err := ch.market(id)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	return ch.oracle.GetPrice(m.Asset)
}

// Collateral returns the account's collateral, zero if it never deposited.
func (ch *ClearingHouse) Collateral(account assets.Account) fixed.Balance {
	return ch.collateral[account]
}

// CollateralBalance is one account's collateral.
type CollateralBalance struct {
	Account assets.Account
	Amount  fixed.Balance
}

// CollateralBalances returns every collateral record ordered by account.
func (ch *ClearingHouse) CollateralBalances() []CollateralBalance {
	out := make([]CollateralBalance, 0, len(ch.collateral))
	for a, v := range ch.collateral {
		out = append(out, CollateralBalance{Account: a, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Position returns the account's position in a market.
func (ch *ClearingHouse) Position(account assets.Account, market vamm.ID) (Position, bool) {
	p, ok := ch.positions[positionKey{account: account, market: market}]
	return p, ok
}

// Positions returns every position ordered by account, then market.
func (ch *ClearingHouse) Positions() []Position {
	out := make([]Position, 0, len(ch.positions))
	for _, p := range ch.positions {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}

// PositionsOf returns the account's positions ordered by market.
func (ch *ClearingHouse) PositionsOf(account assets.Account) []Position {
	var out []Position
	for k, p := range ch.positions {
		if k.account == account {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Account != ps[j].Account {
			return ps[i].Account < ps[j].Account
		}
		return ps[i].Market < ps[j].Market
	})
}

// BadDebt is the accumulated loss that exceeded trader collateral.
func (ch *ClearingHouse) BadDebt() fixed.Balance { return ch.badDebt }

// --- Restore ---

// RestoreMarket installs a persisted market record. Its vAMM must already be
// restored on the engine.
func (ch *ClearingHouse) RestoreMarket(m Market) error {
	if _, err := ch.vamms.Get(m.ID); err != nil {
		return err
	}
	ch.markets[m.ID] = m
	return nil
}

// RestoreCollateral installs a persisted collateral balance.
func (ch *ClearingHouse) RestoreCollateral(account assets.Account, amount fixed.Balance) {
	ch.collateral[account] = amount
}

// RestorePosition installs a persisted position.
func (ch *ClearingHouse) RestorePosition(p Position) error {
	if _, err := ch.market(p.Market); err != nil {
		return err
	}
	if p.Size.IsZero() {
		return ErrPositionTooSmall
	}
	ch.positions[p.key()] = p
	return nil
}

// RestoreBadDebt installs the persisted bad debt counter.
func (ch *ClearingHouse) RestoreBadDebt(v fixed.Balance) { ch.badDebt = v }
