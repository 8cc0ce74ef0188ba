// Package exchange serves the clearing house over HTTP and WebSocket and keeps
// the store replica in step with it.
//
// The clearing house state in memory is authoritative. Every committed
// transition is written through to the store and broadcast to WebSocket
// clients. All monetary values use shopspring/decimal at the edge, never
// float64 for money.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/clearinghouse"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Options tunes a Service.
type Options struct {
	// DefaultDepth is the base reserve of markets created without explicit
	// reserves or depth.
	DefaultDepth fixed.Balance
	// DefaultTwapPeriod applies when a create request names none.
	DefaultTwapPeriod vamm.Moment
	// Faucet enables minting wallet balances over HTTP.
	Faucet bool
	// Hub receives committed events. Optional.
	Hub *WSHub
	// Archive stores snapshots. Optional.
	Archive SnapshotWriter
	// Clock supplies now for requests that omit it. Defaults to Unix seconds.
	Clock func() vamm.Moment
}

// Service owns the clearing house and its collaborators. Transitions are
// serialized by a mutex (single-instance).
type Service struct {
	ch     *clearinghouse.ClearingHouse
	ledger *assets.Ledger
	oracle *oracle.Static
	store  store.Store
	opts   Options
	events *eventBuffer

	mu      sync.Mutex
	meta    map[vamm.ID]marketMeta
	symbols map[string]vamm.ID
	seq     uint64

	// ref is the latest now a transition ran at. Written under mu.
	ref atomic.Uint64

	// revision counts every state change, including those that commit no
	// event; archived is the revision of the last archived snapshot.
	revision uint64
	archived uint64
}

// eventBuffer collects the events published by the clearing house during one
// transition.
type eventBuffer struct {
	events []clearinghouse.Event
}

func (b *eventBuffer) Publish(e clearinghouse.Event) {
	b.events = append(b.events, e)
}

func (b *eventBuffer) drain() []clearinghouse.Event {
	out := b.events
	b.events = nil
	return out
}

// NewService builds a clearing house over a fresh vAMM engine. Call Restore
// before serving to load persisted state.
func NewService(cfg clearinghouse.Config, ledger *assets.Ledger, orc *oracle.Static, st store.Store, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = func() vamm.Moment { return vamm.Moment(time.Now().Unix()) }
	}
	if opts.DefaultTwapPeriod == 0 {
		opts.DefaultTwapPeriod = 3600
	}
	buf := &eventBuffer{}
	ch, err := clearinghouse.New(cfg, vamm.NewEngine(), ledger, orc, buf)
	if err != nil {
		return nil, err
	}
	return &Service{
		ch:      ch,
		ledger:  ledger,
		oracle:  orc,
		store:   st,
		opts:    opts,
		events:  buf,
		meta:    make(map[vamm.ID]marketMeta),
		symbols: make(map[string]vamm.ID),
	}, nil
}

// ClearingHouse exposes the underlying clearing house. Callers must not use it
// while the service is serving requests.
func (s *Service) ClearingHouse() *clearinghouse.ClearingHouse { return s.ch }

// Restore loads the store replica into the engine. It must run before the
// first transition.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prices, err := s.store.ListIndexPrices(ctx)
	if err != nil {
		return fmt.Errorf("restore index prices: %w", err)
	}
	for _, p := range prices {
		v, err := fixed.FixedFromDecimal(p.Price)
		if err != nil {
			return fmt.Errorf("restore index price %s: %w", p.Asset, err)
		}
		s.oracle.Set(assets.Asset(p.Asset), v)
	}

	wallets, err := s.store.ListWalletBalances(ctx)
	if err != nil {
		return fmt.Errorf("restore wallets: %w", err)
	}
	for _, b := range wallets {
		v, err := fixed.BalanceFromDecimal(b.Amount)
		if err != nil {
			return fmt.Errorf("restore wallet %s/%s: %w", b.Account, b.Asset, err)
		}
		s.ledger.Register(assets.Asset(b.Asset))
		if err := s.ledger.Mint(assets.Account(b.Account), assets.Asset(b.Asset), v); err != nil {
			return fmt.Errorf("restore wallet %s/%s: %w", b.Account, b.Asset, err)
		}
	}

	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("restore markets: %w", err)
	}
	for _, rec := range markets {
		state, err := vammState(rec)
		if err != nil {
			return fmt.Errorf("restore market %d: %w", rec.ID, err)
		}
		id := vamm.ID(rec.ID)
		if err := s.ch.Engine().Restore(id, state); err != nil {
			return fmt.Errorf("restore market %d: %w", rec.ID, err)
		}
		if err := s.ch.RestoreMarket(clearinghouse.Market{ID: id, Asset: assets.Asset(rec.Asset)}); err != nil {
			return fmt.Errorf("restore market %d: %w", rec.ID, err)
		}
		s.meta[id] = marketMeta{Symbol: rec.Symbol, CreatedAt: vamm.Moment(rec.CreatedAt)}
		s.symbols[rec.Symbol] = id
	}

	collateral, err := s.store.ListCollateral(ctx)
	if err != nil {
		return fmt.Errorf("restore collateral: %w", err)
	}
	for _, b := range collateral {
		v, err := fixed.BalanceFromDecimal(b.Amount)
		if err != nil {
			return fmt.Errorf("restore collateral %s: %w", b.Account, err)
		}
		s.ch.RestoreCollateral(assets.Account(b.Account), v)
	}

	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	for _, rec := range positions {
		p, err := positionFromRecord(rec)
		if err != nil {
			return fmt.Errorf("restore position %s/%d: %w", rec.Account, rec.MarketID, err)
		}
		if err := s.ch.RestorePosition(p); err != nil {
			return fmt.Errorf("restore position %s/%d: %w", rec.Account, rec.MarketID, err)
		}
	}

	sys, err := s.store.GetSystemState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("restore system state: %w", err)
	default:
		badDebt, err := fixed.BalanceFromDecimal(sys.BadDebt)
		if err != nil {
			return fmt.Errorf("restore bad debt: %w", err)
		}
		s.ch.RestoreBadDebt(badDebt)
		s.seq = sys.Sequence
		s.ref.Store(sys.ReferenceTime)
	}
	s.refreshGauges()

	slog.Info("state restored",
		"markets", len(markets),
		"positions", len(positions),
		"accounts", len(collateral),
		"sequence", s.seq,
		"reference_time", s.ref.Load(),
	)
	return nil
}

// timed is transition for operations that run at a reference time. A now
// earlier than one an earlier transition ran at is rejected before fn runs.
// Otherwise now becomes the reference time, even when fn then fails.
func (s *Service) timed(ctx context.Context, op string, now vamm.Moment, fn func() error) error {
	return s.transition(ctx, op, func() error {
		if ref := s.ref.Load(); uint64(now) < ref {
			return fmt.Errorf("%w: now %d is before %d", errTimeWentBackwards, now, ref)
		}
		s.advance(ctx, now)
		return fn()
	})
}

// advance moves the reference time forward to now. Caller holds s.mu.
func (s *Service) advance(ctx context.Context, now vamm.Moment) {
	if uint64(now) <= s.ref.Load() {
		return
	}
	s.ref.Store(uint64(now))
	s.revision++
	s.persistSystemState(ctx)
}

// transition runs fn under the engine lock and commits whatever events it
// produced. fn may run several clearing house operations; each one that
// succeeded stays committed even when a later one fails.
func (s *Service) transition(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := fn()
	if events := s.events.drain(); len(events) > 0 {
		s.commit(ctx, events)
	}
	metrics.TransitionLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(op, "rejected").Inc()
		if errors.Is(err, correlation.ErrPerMarketLimitExceeded) || errors.Is(err, correlation.ErrCorrelatedLimitExceeded) {
			metrics.PositionLimitRejections.Inc()
		}
		slog.Warn("transition rejected", "op", op, "err", err)
		return err
	}
	metrics.TransitionsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// view runs fn under the engine lock without committing anything.
func (s *Service) view(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

type positionRef struct {
	account assets.Account
	market  vamm.ID
}

type walletRef struct {
	account assets.Account
	asset   assets.Asset
}

// commit records events in the ledger, writes the records they touched
// through to the store and broadcasts them. Store failures are logged and
// counted; the in-memory state stays authoritative.
func (s *Service) commit(ctx context.Context, events []clearinghouse.Event) {
	markets := make(map[vamm.ID]bool)
	positions := make(map[positionRef]bool)
	accounts := make(map[assets.Account]bool)
	wallets := make(map[walletRef]bool)

	s.revision++
	cfg := s.ch.Config()
	for _, e := range events {
		s.seq++
		entry := ledgerEntry(s.seq, e)
		s.persisted("ledger entry", s.store.InsertLedgerEntry(ctx, &entry))
		metrics.EventsTotal.WithLabelValues(string(e.Kind)).Inc()

		switch e.Kind {
		case clearinghouse.EventCollateralDeposited, clearinghouse.EventCollateralWithdrawn:
			accounts[e.Account] = true
			wallets[walletRef{e.Account, e.Asset}] = true
			wallets[walletRef{cfg.CustodyAccount, e.Asset}] = true
		case clearinghouse.EventPositionOpened, clearinghouse.EventPositionClosed:
			metrics.MarketVolume.
				WithLabelValues(strconv.FormatUint(uint64(e.Market), 10), e.Direction.String()).
				Add(fixed.BalanceDecimal(e.Amount).InexactFloat64())
			if e.Kind == clearinghouse.EventPositionOpened {
				accounts[e.Account] = true
				positions[positionRef{e.Account, e.Market}] = true
				break
			}
			fallthrough
		case clearinghouse.EventPositionSettled:
			// Realized PnL moves between custody and the insurance account.
			accounts[e.Account] = true
			positions[positionRef{e.Account, e.Market}] = true
			wallets[walletRef{cfg.CustodyAccount, cfg.CollateralAsset}] = true
			wallets[walletRef{cfg.InsuranceAccount, cfg.CollateralAsset}] = true
		}
		if marketScoped(e.Kind) {
			markets[e.Market] = true
		}

		if s.opts.Hub != nil {
			msg := WSMessage{Type: string(e.Kind), Entry: entry}
			if marketScoped(e.Kind) {
				if p, err := s.ch.Engine().Price(e.Market); err == nil {
					msg.Price = p.Decimal().String()
				}
			}
			s.opts.Hub.Broadcast(msg)
		}
	}

	for id := range markets {
		m, err := s.ch.Market(id)
		if err != nil {
			continue
		}
		st, err := s.ch.Engine().Get(id)
		if err != nil {
			continue
		}
		rec := marketRecord(m, s.meta[id], st)
		s.persisted("market", s.store.SaveMarket(ctx, &rec))
	}
	for ref := range positions {
		if p, ok := s.ch.Position(ref.account, ref.market); ok {
			rec := positionRecord(p)
			s.persisted("position", s.store.SavePosition(ctx, &rec))
		} else {
			s.persisted("position", s.store.DeletePosition(ctx, string(ref.account), uint64(ref.market)))
		}
	}
	for account := range accounts {
		rec := balanceRecord(account, cfg.CollateralAsset, s.ch.Collateral(account))
		s.persisted("collateral", s.store.SaveCollateral(ctx, &rec))
	}
	for ref := range wallets {
		rec := balanceRecord(ref.account, ref.asset, s.ledger.BalanceOf(ref.account, ref.asset))
		s.persisted("wallet", s.store.SaveWalletBalance(ctx, &rec))
	}
	s.persistSystemState(ctx)
	s.refreshGauges()
}

func (s *Service) persistSystemState(ctx context.Context) {
	sys := model.SystemState{
		BadDebt:       fixed.BalanceDecimal(s.ch.BadDebt()),
		Sequence:      s.seq,
		ReferenceTime: s.ref.Load(),
	}
	s.persisted("system state", s.store.SaveSystemState(ctx, &sys))
}

func (s *Service) persisted(record string, err error) {
	if err == nil {
		return
	}
	metrics.PersistFailures.Inc()
	slog.Error("persist failed", "record", record, "sequence", s.seq, "err", err)
}

func (s *Service) refreshGauges() {
	now := s.now(nil)
	open := 0
	for _, id := range s.ch.Engine().IDs() {
		if st, err := s.ch.Engine().Status(id, now); err == nil && st != vamm.Closed {
			open++
		}
	}
	metrics.OpenMarkets.Set(float64(open))
	metrics.BadDebt.Set(fixed.BalanceDecimal(s.ch.BadDebt()).InexactFloat64())
}

// now is the explicit v, or else the clock but never before the reference
// time.
func (s *Service) now(v *uint64) vamm.Moment {
	if v != nil {
		return vamm.Moment(*v)
	}
	return max(s.opts.Clock(), vamm.Moment(s.ref.Load()))
}
