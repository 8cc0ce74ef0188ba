package clearinghouse

import (
	"fmt"

	"cosmossdk.io/math"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/vamm"
)

// OpenPosition trades quoteAmount of notional through the market's vAMM.
//
// Long adds quote to the pool and receives base; Short removes quote and owes
// base. The base amount becomes the position size. baseLimit, when set, is the
// minimum base for Long and the maximum for Short. An existing position in the
// same direction is increased and its entry price averaged.
func (ch *ClearingHouse) OpenPosition(
	account assets.Account,
	marketID vamm.ID,
	dir Direction,
	quoteAmount fixed.Balance,
	baseLimit *fixed.Balance,
	now vamm.Moment,
) (Position, error) {
	var out Position
	err := ch.apply(func(tx *txn) error {
		m, err := ch.market(marketID)
		if err != nil {
			return err
		}
		if dir != Long && dir != Short {
			return ErrInvalidDirection
		}
		if quoteAmount.IsZero() {
			return ErrZeroTradeAmount
		}

		k := positionKey{account: account, market: marketID}
		pos, had := ch.positions[k]
		if had && pos.Direction != dir {
			return ErrOppositePositionExists
		}
		if err := ch.checkLimits(account, m, quoteAmount); err != nil {
			return err
		}

		if err := ch.guardVamm(tx, marketID); err != nil {
			return err
		}
		swapDir := vamm.Add
		if dir == Short {
			swapDir = vamm.Remove
		}
		res, err := ch.vamms.Swap(vamm.SwapConfig{
			VammID:            marketID,
			Asset:             vamm.Quote,
			InputAmount:       quoteAmount,
			Direction:         swapDir,
			OutputAmountLimit: baseLimit,
		}, now)
		if err != nil {
			return err
		}
		if res.Output.IsZero() {
			return ErrPositionTooSmall
		}

		if !had {
			pos = Position{Account: account, Market: marketID, Direction: dir}
		}
		if pos.Size, err = fixed.CheckedAdd(pos.Size, res.Output); err != nil {
			return err
		}
		if pos.Notional, err = fixed.CheckedAdd(pos.Notional, quoteAmount); err != nil {
			return err
		}
		if pos.EntryPrice, err = fixed.FromRational(pos.Notional, pos.Size); err != nil {
			return err
		}
		ch.setPosition(tx, pos)

		required, err := ch.requiredMargin(account)
		if err != nil {
			return err
		}
		if ch.collateral[account].Cmp(required) < 0 {
			return fmt.Errorf("%w: holds %s, requires %s", ErrInsufficientCollateral, ch.collateral[account], required)
		}

		tradePrice, err := fixed.FromRational(quoteAmount, res.Output)
		if err != nil {
			return err
		}
		tx.emit(Event{
			Kind: EventPositionOpened, Account: account, Market: marketID, Asset: m.Asset,
			Direction: dir, Amount: quoteAmount, Size: res.Output, Price: tradePrice, Moment: now,
		})
		if err := ch.refreshTwap(tx, m, now); err != nil {
			return err
		}
		out = pos
		return nil
	})
	return out, err
}

// ClosePosition reverses the whole position through the vAMM and realizes the
// difference between the quote exchanged now and the entry notional.
// quoteLimit, when set, is the minimum quote received for Long and the
// maximum paid for Short.
func (ch *ClearingHouse) ClosePosition(
	account assets.Account,
	marketID vamm.ID,
	quoteLimit *fixed.Balance,
	now vamm.Moment,
) (Event, error) {
	var out Event
	err := ch.apply(func(tx *txn) error {
		m, err := ch.market(marketID)
		if err != nil {
			return err
		}
		k := positionKey{account: account, market: marketID}
		pos, ok := ch.positions[k]
		if !ok {
			return ErrPositionDoesNotExist
		}

		if err := ch.guardVamm(tx, marketID); err != nil {
			return err
		}
		swapDir := vamm.Add
		if pos.Direction == Short {
			swapDir = vamm.Remove
		}
		res, err := ch.vamms.Swap(vamm.SwapConfig{
			VammID:            marketID,
			Asset:             vamm.Base,
			InputAmount:       pos.Size,
			Direction:         swapDir,
			OutputAmountLimit: quoteLimit,
		}, now)
		if err != nil {
			return err
		}

		// Long receives quote for its base; Short pays quote to buy it back.
		pnl := diff(res.Output, pos.Notional)
		if pos.Direction == Short {
			pnl = pnl.Neg()
		}
		ch.removePosition(tx, k)

		exitPrice, err := fixed.FromRational(res.Output, pos.Size)
		if err != nil {
			return err
		}
		out = Event{
			Kind: EventPositionClosed, Account: account, Market: marketID, Asset: m.Asset,
			Direction: pos.Direction, Amount: res.Output, Size: pos.Size, Price: exitPrice, PnL: pnl, Moment: now,
		}
		tx.emit(out)
		if err := ch.refreshTwap(tx, m, now); err != nil {
			return err
		}
		return ch.realize(tx, account, pnl)
	})
	return out, err
}

// SettlePosition realizes a position at the settlement price of a closed
// market and removes it.
func (ch *ClearingHouse) SettlePosition(account assets.Account, marketID vamm.ID, now vamm.Moment) (Event, error) {
	var out Event
	err := ch.apply(func(tx *txn) error {
		m, err := ch.market(marketID)
		if err != nil {
			return err
		}
		price, err := ch.vamms.SettlementPrice(marketID, now)
		if err != nil {
			return err
		}
		k := positionKey{account: account, market: marketID}
		pos, ok := ch.positions[k]
		if !ok {
			return ErrPositionDoesNotExist
		}

		pnl, err := settlementPnL(pos.Direction, pos.EntryPrice, price, pos.Size)
		if err != nil {
			return err
		}
		ch.removePosition(tx, k)

		out = Event{
			Kind: EventPositionSettled, Account: account, Market: marketID, Asset: m.Asset,
			Direction: pos.Direction, Size: pos.Size, Price: price, PnL: pnl, Moment: now,
		}
		tx.emit(out)
		return ch.realize(tx, account, pnl)
	})
	return out, err
}

// realize credits or debits pnl against collateral and settles the
// difference with the insurance account. Losses beyond the collateral are
// booked as bad debt. It ends with the transition's only transfer.
func (ch *ClearingHouse) realize(tx *txn, account assets.Account, pnl math.Int) error {
	prev := ch.collateral[account]
	next, shortfall, err := applyPnL(prev, pnl)
	if err != nil {
		return err
	}
	if !shortfall.IsZero() {
		if err := ch.addBadDebt(tx, shortfall); err != nil {
			return err
		}
	}

	asset := ch.cfg.CollateralAsset
	switch next.Cmp(prev) {
	case 1:
		gain := next.Sub(prev)
		if err := ch.transfers.Transfer(ch.cfg.InsuranceAccount, ch.cfg.CustodyAccount, asset, gain); err != nil {
			return fmt.Errorf("%w: paying %s to %s: %v", ErrInsuranceFundExhausted, gain, account, err)
		}
	case -1:
		if err := ch.transfers.Transfer(ch.cfg.CustodyAccount, ch.cfg.InsuranceAccount, asset, prev.Sub(next)); err != nil {
			return fmt.Errorf("collect loss: %w", err)
		}
	}
	ch.setCollateral(tx, account, next)
	return nil
}

// refreshTwap folds the post-trade reserve price into the market twap. A twap
// already updated at now is left alone.
func (ch *ClearingHouse) refreshTwap(tx *txn, m Market, now vamm.Moment) error {
	v, ok, err := ch.vamms.TryUpdateTwap(m.ID, nil, now)
	if err != nil {
		return err
	}
	if ok {
		tx.emit(Event{Kind: EventTwapUpdated, Market: m.ID, Asset: m.Asset, Price: v, Moment: now})
	}
	return nil
}

func (ch *ClearingHouse) checkLimits(account assets.Account, m Market, delta fixed.Balance) error {
	if ch.cfg.Limiter == nil {
		return nil
	}
	existing := make(map[correlation.MarketKey]fixed.Balance)
	for k, p := range ch.positions {
		if k.account != account {
			continue
		}
		existing[correlation.MarketKey{Market: uint64(p.Market), Underlying: ch.markets[p.Market].Asset}] = p.Notional
	}
	target := correlation.MarketKey{Market: uint64(m.ID), Underlying: m.Asset}
	return ch.cfg.Limiter.CheckLimit(target, delta, existing)
}
