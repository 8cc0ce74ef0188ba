// Package vamm implements a deterministic virtual constant-product market
// maker. Markets hold only virtual reserves; no asset ever moves through them.
// Every operation takes the reference time from the caller.
package vamm

import (
	"sort"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/twap"
)

// Engine owns the set of markets and the id counter. It is not safe for
// concurrent use; callers serialize access.
type Engine struct {
	states map[ID]*State
	nextID ID
}

// NewEngine returns an engine with no markets.
func NewEngine() *Engine {
	return &Engine{states: make(map[ID]*State)}
}

// Create validates cfg and registers a new market. The twap is seeded with
// the reserve price at now and the terminal reserves with the initial ones.
func (e *Engine) Create(cfg Config, now Moment) (ID, error) {
	state, err := newState(cfg, now)
	if err != nil {
		return 0, err
	}
	id := e.nextID
	e.states[id] = state
	e.nextID++
	return id, nil
}

func newState(cfg Config, now Moment) (*State, error) {
	switch {
	case cfg.BaseAssetReserves.IsZero():
		return nil, ErrBaseAssetReserveIsZero
	case cfg.QuoteAssetReserves.IsZero():
		return nil, ErrQuoteAssetReserveIsZero
	case cfg.PegMultiplier.IsZero():
		return nil, ErrPegMultiplierIsZero
	case cfg.TwapPeriod == 0:
		return nil, ErrTwapPeriodIsZero
	}

	k, err := ComputeInvariant(cfg.BaseAssetReserves, cfg.QuoteAssetReserves, cfg.PegMultiplier)
	if err != nil {
		return nil, err
	}
	s := &State{
		BaseAssetReserves:          cfg.BaseAssetReserves,
		QuoteAssetReserves:         cfg.QuoteAssetReserves,
		TerminalBaseAssetReserves:  cfg.BaseAssetReserves,
		TerminalQuoteAssetReserves: cfg.QuoteAssetReserves,
		PegMultiplier:              cfg.PegMultiplier,
		Invariant:                  *k,
	}
	price, err := s.BasePrice()
	if err != nil {
		return nil, err
	}
	s.BaseAssetTwap = twap.New(price, now, cfg.TwapPeriod)
	return s, nil
}

// Restore installs a previously persisted market under id. The id counter
// moves past id so later creations never collide with it.
func (e *Engine) Restore(id ID, s State) error {
	if s.BaseAssetReserves.IsZero() {
		return ErrBaseAssetReserveIsZero
	}
	if s.QuoteAssetReserves.IsZero() {
		return ErrQuoteAssetReserveIsZero
	}
	if s.PegMultiplier.IsZero() {
		return ErrPegMultiplierIsZero
	}
	if s.BaseAssetTwap.Period == 0 {
		return ErrTwapPeriodIsZero
	}
	c := s.Clone()
	e.states[id] = &c
	if id >= e.nextID {
		e.nextID = id + 1
	}
	return nil
}

// Remove drops a market. Removing the most recently created market also
// releases its id.
func (e *Engine) Remove(id ID) {
	if _, ok := e.states[id]; !ok {
		return
	}
	delete(e.states, id)
	if id+1 == e.nextID {
		e.nextID = id
	}
}

func (e *Engine) state(id ID) (*State, error) {
	s, ok := e.states[id]
	if !ok {
		return nil, ErrVammDoesNotExist
	}
	return s, nil
}

// Get returns a copy of the market state.
func (e *Engine) Get(id ID) (State, error) {
	s, err := e.state(id)
	if err != nil {
		return State{}, err
	}
	return s.Clone(), nil
}

// IDs returns every market id in ascending order.
func (e *Engine) IDs() []ID {
	ids := make([]ID, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NextID is the id the next Create will assign.
func (e *Engine) NextID() ID { return e.nextID }

// Status classifies a market at now.
func (e *Engine) Status(id ID, now Moment) (Status, error) {
	s, err := e.state(id)
	if err != nil {
		return 0, err
	}
	return s.Status(now), nil
}

// Price returns the instantaneous base asset price of a market.
func (e *Engine) Price(id ID) (fixed.FixedU128, error) {
	s, err := e.state(id)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	return s.BasePrice()
}

// SwapSimulation evaluates a swap without touching any state.
func (e *Engine) SwapSimulation(cfg SwapConfig, now Moment) (SwapOutput, error) {
	s, err := e.state(cfg.VammID)
	if err != nil {
		return SwapOutput{}, err
	}
	res, err := Simulate(s, cfg, now)
	if err != nil {
		return SwapOutput{}, err
	}
	return res.SwapOutput, nil
}

// Swap evaluates a swap and commits the new reserves. The invariant is
// recomputed from the committed reserves. Nothing changes on error.
func (e *Engine) Swap(cfg SwapConfig, now Moment) (SwapResult, error) {
	s, err := e.state(cfg.VammID)
	if err != nil {
		return SwapResult{}, err
	}
	res, err := Simulate(s, cfg, now)
	if err != nil {
		return SwapResult{}, err
	}
	k, err := ComputeInvariant(res.NewBaseAssetReserves, res.NewQuoteAssetReserves, s.PegMultiplier)
	if err != nil {
		return SwapResult{}, err
	}
	s.BaseAssetReserves = res.NewBaseAssetReserves
	s.QuoteAssetReserves = res.NewQuoteAssetReserves
	s.Invariant = *k
	return res, nil
}

// UpdateTwap folds price (or the current reserve price when nil) into the
// market twap. A timestamp at or after now fails with
// ErrAssetTwapTimestampIsMoreRecent.
func (e *Engine) UpdateTwap(id ID, price *fixed.FixedU128, now Moment) (fixed.FixedU128, error) {
	v, updated, err := e.updateTwap(id, price, now, false)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	if !updated {
		return fixed.FixedU128{}, ErrInternalUpdateTwapDidNotReturnValue
	}
	return v, nil
}

// TryUpdateTwap is the best-effort variant of UpdateTwap: a stale timestamp
// is a silent no-op reported through ok.
func (e *Engine) TryUpdateTwap(id ID, price *fixed.FixedU128, now Moment) (v fixed.FixedU128, ok bool, err error) {
	return e.updateTwap(id, price, now, true)
}

func (e *Engine) updateTwap(id ID, price *fixed.FixedU128, now Moment, bestEffort bool) (fixed.FixedU128, bool, error) {
	s, err := e.state(id)
	if err != nil {
		return fixed.FixedU128{}, false, err
	}

	var p fixed.FixedU128
	if price != nil {
		p = *price
	} else if p, err = s.BasePrice(); err != nil {
		return fixed.FixedU128{}, false, err
	}
	if p.IsZero() {
		return fixed.FixedU128{}, false, ErrNewTwapValueIsZero
	}
	if s.Status(now) == Closed {
		return fixed.FixedU128{}, false, ErrVammIsClosed
	}
	if s.BaseAssetTwap.Timestamp >= now {
		if bestEffort {
			return fixed.FixedU128{}, false, nil
		}
		return fixed.FixedU128{}, false, ErrAssetTwapTimestampIsMoreRecent
	}

	v, err := s.BaseAssetTwap.Accumulate(p, now)
	if err != nil {
		return fixed.FixedU128{}, false, err
	}
	return v, true, nil
}

// Close schedules the market to close at target. Markets already closing or
// closed cannot be rescheduled.
func (e *Engine) Close(id ID, target, now Moment) error {
	s, err := e.state(id)
	if err != nil {
		return err
	}
	switch s.Status(now) {
	case Closed:
		return ErrVammIsClosed
	case Closing:
		return ErrVammIsClosing
	}
	if target <= now {
		return ErrClosingDateIsInThePast
	}
	s.Closed = &target
	return nil
}

// SettlementPrice returns the twap value of a closed market.
func (e *Engine) SettlementPrice(id ID, now Moment) (fixed.FixedU128, error) {
	s, err := e.state(id)
	if err != nil {
		return fixed.FixedU128{}, err
	}
	if s.Status(now) != Closed {
		return fixed.FixedU128{}, ErrVammIsOpen
	}
	return s.BaseAssetTwap.Value, nil
}
