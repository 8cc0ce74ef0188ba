package exchange

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/clearinghouse"
	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vamm"
)

// Routes registers every handler on r, which is expected to be mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)
	r.Post("/markets/{marketID}/swap/simulate", s.SimulateSwap)
	r.Post("/markets/{marketID}/twap", s.UpdateTwap)
	r.Post("/markets/{marketID}/close", s.CloseMarket)

	r.Post("/collateral/deposit", s.DepositCollateral)
	r.Post("/collateral/withdraw", s.WithdrawCollateral)

	r.Post("/positions", s.OpenPosition)
	r.Post("/positions/close", s.ClosePosition)
	r.Post("/positions/settle", s.SettlePosition)

	r.Get("/portfolio/{account}", s.GetPortfolio)
	r.Get("/accounts/{account}/history", s.GetAccountHistory)
	r.Get("/accounts/{account}/balances/{asset}", s.GetWalletBalance)
	r.Post("/accounts/{account}/mint", s.Mint)

	r.Get("/oracle/prices", s.ListIndexPrices)
	r.Put("/oracle/prices/{asset}", s.SetIndexPrice)

	r.Get("/state/root", s.GetStateRoot)
	r.Post("/state/snapshot", s.PostSnapshot)

	if s.opts.Hub != nil {
		r.Get("/ws", s.opts.Hub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. Markets created
// without explicit reserves are sized around the index price: Depth base
// units (or the service default) and a peg of one.
type CreateMarketRequest struct {
	Symbol             string           `json:"symbol"` // BASE-QUOTE-{PERP|YYYYMMDD}
	BaseAssetReserves  *decimal.Decimal `json:"base_asset_reserves,omitempty"`
	QuoteAssetReserves *decimal.Decimal `json:"quote_asset_reserves,omitempty"`
	PegMultiplier      *decimal.Decimal `json:"peg_multiplier,omitempty"`
	Depth              *decimal.Decimal `json:"depth,omitempty"`
	TwapPeriod         *uint64          `json:"twap_period,omitempty"`
	Now                *uint64          `json:"now,omitempty"`
}

// MarketView is a market record with its live classification and prices.
type MarketView struct {
	model.Market
	Status     string           `json:"status"`
	Price      decimal.Decimal  `json:"price"`
	IndexPrice *decimal.Decimal `json:"index_price,omitempty"`
}

// PriceResponse is the JSON body returned from GET /markets/{id}/price.
type PriceResponse struct {
	MarketID      uint64           `json:"market_id"`
	Price         decimal.Decimal  `json:"price"`
	TerminalPrice decimal.Decimal  `json:"terminal_price"`
	Twap          decimal.Decimal  `json:"twap"`
	TwapTimestamp uint64           `json:"twap_timestamp"`
	IndexPrice    *decimal.Decimal `json:"index_price,omitempty"`
	Status        string           `json:"status"`
}

// SimulateSwapRequest is the JSON body for a swap simulation.
type SimulateSwapRequest struct {
	Asset     string           `json:"asset"`     // "base" or "quote"
	Direction string           `json:"direction"` // "add" or "remove"
	Amount    decimal.Decimal  `json:"amount"`
	Limit     *decimal.Decimal `json:"limit,omitempty"`
	Now       *uint64          `json:"now,omitempty"`
}

// SimulateSwapResponse is the simulated amount of the other asset. Negative
// means the trader would pay it.
type SimulateSwapResponse struct {
	Output   decimal.Decimal `json:"output"`
	Negative bool            `json:"negative"`
}

// UpdateTwapRequest is the JSON body for a twap update. A missing price uses
// the market's reserve price.
type UpdateTwapRequest struct {
	Price      *decimal.Decimal `json:"price,omitempty"`
	BestEffort bool             `json:"best_effort"`
	Now        *uint64          `json:"now,omitempty"`
}

// TwapResponse reports the twap after an update.
type TwapResponse struct {
	MarketID  uint64          `json:"market_id"`
	Twap      decimal.Decimal `json:"twap"`
	Timestamp uint64          `json:"timestamp"`
	Updated   bool            `json:"updated"`
}

// CloseMarketRequest is the JSON body for scheduling a market close.
type CloseMarketRequest struct {
	CloseAt uint64  `json:"close_at"`
	Now     *uint64 `json:"now,omitempty"`
}

// CollateralRequest is the JSON body for deposits and withdrawals. Asset
// defaults to the collateral asset.
type CollateralRequest struct {
	Account string          `json:"account"`
	Asset   string          `json:"asset,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

// CollateralResponse reports balances after a collateral move.
type CollateralResponse struct {
	Account    string          `json:"account"`
	Asset      string          `json:"asset"`
	Collateral decimal.Decimal `json:"collateral"`
	Wallet     decimal.Decimal `json:"wallet"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Account     string           `json:"account"`
	MarketID    uint64           `json:"market_id"`
	Direction   string           `json:"direction"` // "long" or "short"
	QuoteAmount decimal.Decimal  `json:"quote_amount"`
	BaseLimit   *decimal.Decimal `json:"base_limit,omitempty"`
	Now         *uint64          `json:"now,omitempty"`
}

// Fill describes the trade that opened or grew a position.
type Fill struct {
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
}

// OpenPositionResponse is the JSON body returned from POST /positions.
type OpenPositionResponse struct {
	Position   model.Position  `json:"position"`
	Fill       Fill            `json:"fill"`
	Collateral decimal.Decimal `json:"collateral"`
}

// ClosePositionRequest is the JSON body for POST /positions/close.
type ClosePositionRequest struct {
	Account    string           `json:"account"`
	MarketID   uint64           `json:"market_id"`
	QuoteLimit *decimal.Decimal `json:"quote_limit,omitempty"`
	Now        *uint64          `json:"now,omitempty"`
}

// SettlePositionRequest is the JSON body for POST /positions/settle.
type SettlePositionRequest struct {
	Account  string  `json:"account"`
	MarketID uint64  `json:"market_id"`
	Now      *uint64 `json:"now,omitempty"`
}

// RealizedResponse reports a closed or settled position.
type RealizedResponse struct {
	Account   string          `json:"account"`
	MarketID  uint64          `json:"market_id"`
	Direction string          `json:"direction"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	// Amount is the quote exchanged through the vAMM. Zero for settlement.
	Amount     decimal.Decimal `json:"amount"`
	PnL        decimal.Decimal `json:"pnl"`
	Collateral decimal.Decimal `json:"collateral"`
	BadDebt    decimal.Decimal `json:"bad_debt"`
}

// MintRequest is the JSON body for the faucet.
type MintRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// SetPriceRequest is the JSON body for PUT /oracle/prices/{asset}.
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// StateRootResponse is the JSON body returned from GET /state/root.
type StateRootResponse struct {
	Sequence uint64 `json:"sequence"`
	Root     string `json:"root"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", errInvalidRequest)
	}
	return nil
}

func requireAccount(account string) error {
	if account == "" {
		return fmt.Errorf("%w: account is required", errInvalidRequest)
	}
	return nil
}

func marketIDParam(r *http.Request) (vamm.ID, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil {
		return 0, errMarketIDNotValid
	}
	return vamm.ID(id), nil
}

// queryNow reads the optional ?now= reference time.
func (s *Service) queryNow(r *http.Request) (vamm.Moment, error) {
	raw := r.URL.Query().Get("now")
	if raw == "" {
		return s.now(nil), nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: now must be an unsigned integer", errInvalidRequest)
	}
	return vamm.Moment(v), nil
}

// marketView renders a market at now. Caller holds s.mu.
func (s *Service) marketView(m clearinghouse.Market, now vamm.Moment) (MarketView, error) {
	st, err := s.ch.Engine().Get(m.ID)
	if err != nil {
		return MarketView{}, err
	}
	p, err := st.BasePrice()
	if err != nil {
		return MarketView{}, err
	}
	v := MarketView{
		Market: marketRecord(m, s.meta[m.ID], st),
		Status: st.Status(now).String(),
		Price:  p.Decimal(),
	}
	if ip, err := s.oracle.GetPrice(m.Asset); err == nil {
		d := ip.Decimal()
		v.IndexPrice = &d
	}
	return v, nil
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	parsed, err := contract.ParseTicker(req.Symbol)
	if err != nil {
		writeErr(w, err)
		return
	}
	now := s.now(req.Now)
	closeAt, dated := parsed.CloseAt()
	if dated && closeAt <= now {
		writeErr(w, fmt.Errorf("%w: %s closed at %d", errContractExpired, req.Symbol, closeAt))
		return
	}
	period := s.opts.DefaultTwapPeriod
	if req.TwapPeriod != nil {
		period = vamm.Moment(*req.TwapPeriod)
	}

	var view MarketView
	err = s.timed(r.Context(), "create_market", now, func() error {
		if _, exists := s.symbols[req.Symbol]; exists {
			return fmt.Errorf("%w: %s", errSymbolExists, req.Symbol)
		}
		cfg, err := s.marketConfig(req, parsed.Base, period)
		if err != nil {
			return err
		}
		m, err := s.ch.CreateMarket(parsed.Base, cfg, now)
		if err != nil {
			return err
		}
		s.meta[m.ID] = marketMeta{Symbol: req.Symbol, CreatedAt: now}
		s.symbols[req.Symbol] = m.ID
		if dated {
			if err := s.ch.CloseMarket(m.ID, closeAt, now); err != nil {
				return err
			}
		}
		view, err = s.marketView(m, now)
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("market created",
		"id", view.ID,
		"symbol", view.Symbol,
		"asset", view.Asset,
		"price", view.Price.String(),
		"status", view.Status,
	)
	writeJSON(w, http.StatusCreated, view)
}

// marketConfig resolves the vAMM parameters of a create request. Caller holds
// s.mu.
func (s *Service) marketConfig(req CreateMarketRequest, asset assets.Asset, period vamm.Moment) (vamm.Config, error) {
	if req.BaseAssetReserves != nil || req.QuoteAssetReserves != nil {
		cfg := vamm.Config{PegMultiplier: fixed.NewBalance(1), TwapPeriod: period}
		var err error
		if req.BaseAssetReserves != nil {
			if cfg.BaseAssetReserves, err = amount("base_asset_reserves", *req.BaseAssetReserves); err != nil {
				return vamm.Config{}, err
			}
		}
		if req.QuoteAssetReserves != nil {
			if cfg.QuoteAssetReserves, err = amount("quote_asset_reserves", *req.QuoteAssetReserves); err != nil {
				return vamm.Config{}, err
			}
		}
		if req.PegMultiplier != nil {
			if cfg.PegMultiplier, err = amount("peg_multiplier", *req.PegMultiplier); err != nil {
				return vamm.Config{}, err
			}
		}
		return cfg, nil
	}

	depth := s.opts.DefaultDepth
	if req.Depth != nil {
		var err error
		if depth, err = amount("depth", *req.Depth); err != nil {
			return vamm.Config{}, err
		}
	}
	index, err := s.oracle.GetPrice(asset)
	if err != nil {
		return vamm.Config{}, fmt.Errorf("%w: %s", clearinghouse.ErrNoPriceFeedForAsset, asset)
	}
	return contract.DeriveConfig(index, depth, period)
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?asset= and ?status=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	now, err := s.queryNow(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	asset := r.URL.Query().Get("asset")
	status := r.URL.Query().Get("status")

	views := []MarketView{}
	err = s.view(func() error {
		for _, m := range s.ch.Markets() {
			if asset != "" && string(m.Asset) != asset {
				continue
			}
			v, err := s.marketView(m, now)
			if err != nil {
				return err
			}
			if status != "" && v.Status != status {
				continue
			}
			views = append(views, v)
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	now, err := s.queryNow(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var view MarketView
	err = s.view(func() error {
		m, err := s.ch.Market(id)
		if err != nil {
			return err
		}
		view, err = s.marketView(m, now)
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	now, err := s.queryNow(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var resp PriceResponse
	err = s.view(func() error {
		if _, err := s.ch.Market(id); err != nil {
			return err
		}
		st, err := s.ch.Engine().Get(id)
		if err != nil {
			return err
		}
		p, err := st.BasePrice()
		if err != nil {
			return err
		}
		tp, err := st.TerminalPrice()
		if err != nil {
			return err
		}
		resp = PriceResponse{
			MarketID:      uint64(id),
			Price:         p.Decimal(),
			TerminalPrice: tp.Decimal(),
			Twap:          st.BaseAssetTwap.Value.Decimal(),
			TwapTimestamp: uint64(st.BaseAssetTwap.Timestamp),
			Status:        st.Status(now).String(),
		}
		if ip, err := s.ch.IndexPrice(id); err == nil {
			d := ip.Decimal()
			resp.IndexPrice = &d
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns ledger entries to reconstruct price history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	entries, err := s.store.GetLedgerEntriesByMarket(r.Context(), uint64(id))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// SimulateSwap handles POST /api/v1/markets/{marketID}/swap/simulate
// Nothing is committed.
func (s *Service) SimulateSwap(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req SimulateSwapRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	cfg := vamm.SwapConfig{VammID: id}
	switch req.Asset {
	case "base":
		cfg.Asset = vamm.Base
	case "quote":
		cfg.Asset = vamm.Quote
	default:
		writeErr(w, vamm.ErrInvalidSwapAsset)
		return
	}
	switch req.Direction {
	case "add":
		cfg.Direction = vamm.Add
	case "remove":
		cfg.Direction = vamm.Remove
	default:
		writeErr(w, vamm.ErrInvalidSwapDirection)
		return
	}
	if cfg.InputAmount, err = amount("amount", req.Amount); err != nil {
		writeErr(w, err)
		return
	}
	if cfg.OutputAmountLimit, err = optionalAmount("limit", req.Limit); err != nil {
		writeErr(w, err)
		return
	}
	now := s.now(req.Now)

	var out vamm.SwapOutput
	err = s.view(func() error {
		var err error
		out, err = s.ch.Engine().SwapSimulation(cfg, now)
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SimulateSwapResponse{Output: fixed.BalanceDecimal(out.Output), Negative: out.Negative})
}

// UpdateTwap handles POST /api/v1/markets/{marketID}/twap
func (s *Service) UpdateTwap(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req UpdateTwapRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	var observed *fixed.FixedU128
	if req.Price != nil {
		p, err := price("price", *req.Price)
		if err != nil {
			writeErr(w, err)
			return
		}
		observed = &p
	}
	now := s.now(req.Now)

	var resp TwapResponse
	err = s.timed(r.Context(), "update_twap", now, func() error {
		_, ok, err := s.ch.UpdateTwap(id, observed, now, req.BestEffort)
		if err != nil {
			return err
		}
		st, err := s.ch.Engine().Get(id)
		if err != nil {
			return err
		}
		resp = TwapResponse{
			MarketID:  uint64(id),
			Twap:      st.BaseAssetTwap.Value.Decimal(),
			Timestamp: uint64(st.BaseAssetTwap.Timestamp),
			Updated:   ok,
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if !resp.Updated {
		metrics.StaleTwapSkips.Inc()
	}
	slog.Info("twap updated",
		"market", resp.MarketID,
		"twap", resp.Twap.String(),
		"updated", resp.Updated,
		"now", uint64(now),
	)
	writeJSON(w, http.StatusOK, resp)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req CloseMarketRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	now := s.now(req.Now)

	var view MarketView
	err = s.timed(r.Context(), "close_market", now, func() error {
		if err := s.ch.CloseMarket(id, vamm.Moment(req.CloseAt), now); err != nil {
			return err
		}
		m, err := s.ch.Market(id)
		if err != nil {
			return err
		}
		view, err = s.marketView(m, now)
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("market closing", "id", view.ID, "symbol", view.Symbol, "close_at", req.CloseAt)
	writeJSON(w, http.StatusOK, view)
}

// --- Collateral ---

// DepositCollateral handles POST /api/v1/collateral/deposit
func (s *Service) DepositCollateral(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "deposit_collateral", s.ch.DepositCollateral)
}

// WithdrawCollateral handles POST /api/v1/collateral/withdraw
func (s *Service) WithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "withdraw_collateral", s.ch.WithdrawCollateral)
}

func (s *Service) moveCollateral(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	move func(assets.Account, assets.Asset, fixed.Balance) error,
) {
	var req CollateralRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeErr(w, err)
		return
	}
	asset := s.ch.Config().CollateralAsset
	if req.Asset != "" {
		asset = assets.Asset(req.Asset)
	}
	qty, err := amount("amount", req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	account := assets.Account(req.Account)

	var resp CollateralResponse
	err = s.transition(r.Context(), op, func() error {
		if err := move(account, asset, qty); err != nil {
			return err
		}
		resp = CollateralResponse{
			Account:    req.Account,
			Asset:      string(asset),
			Collateral: fixed.BalanceDecimal(s.ch.Collateral(account)),
			Wallet:     fixed.BalanceDecimal(s.ledger.BalanceOf(account, asset)),
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("collateral moved",
		"op", op,
		"account", req.Account,
		"amount", req.Amount.String(),
		"collateral", resp.Collateral.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// --- Positions ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeErr(w, err)
		return
	}
	dir, err := clearinghouse.ParseDirection(req.Direction)
	if err != nil {
		writeErr(w, err)
		return
	}
	quote, err := amount("quote_amount", req.QuoteAmount)
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := optionalAmount("base_limit", req.BaseLimit)
	if err != nil {
		writeErr(w, err)
		return
	}
	account := assets.Account(req.Account)
	now := s.now(req.Now)

	var resp OpenPositionResponse
	err = s.timed(r.Context(), "open_position", now, func() error {
		p, err := s.ch.OpenPosition(account, vamm.ID(req.MarketID), dir, quote, limit, now)
		if err != nil {
			return err
		}
		resp = OpenPositionResponse{
			Position:   positionRecord(p),
			Collateral: fixed.BalanceDecimal(s.ch.Collateral(account)),
		}
		for _, e := range s.events.events {
			if e.Kind == clearinghouse.EventPositionOpened {
				resp.Fill = Fill{
					Size:     fixed.BalanceDecimal(e.Size),
					Price:    e.Price.Decimal(),
					Notional: fixed.BalanceDecimal(e.Amount),
				}
			}
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("position opened",
		"account", req.Account,
		"market", req.MarketID,
		"direction", req.Direction,
		"notional", resp.Fill.Notional.String(),
		"size", resp.Fill.Size.String(),
		"fill_price", resp.Fill.Price.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// ClosePosition handles POST /api/v1/positions/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeErr(w, err)
		return
	}
	limit, err := optionalAmount("quote_limit", req.QuoteLimit)
	if err != nil {
		writeErr(w, err)
		return
	}
	now := s.now(req.Now)

	var resp RealizedResponse
	err = s.timed(r.Context(), "close_position", now, func() error {
		e, err := s.ch.ClosePosition(assets.Account(req.Account), vamm.ID(req.MarketID), limit, now)
		if err != nil {
			return err
		}
		resp = s.realized(e)
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("position closed",
		"account", req.Account,
		"market", req.MarketID,
		"exit_price", resp.Price.String(),
		"pnl", resp.PnL.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// SettlePosition handles POST /api/v1/positions/settle
func (s *Service) SettlePosition(w http.ResponseWriter, r *http.Request) {
	var req SettlePositionRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := requireAccount(req.Account); err != nil {
		writeErr(w, err)
		return
	}
	now := s.now(req.Now)

	var resp RealizedResponse
	err := s.timed(r.Context(), "settle_position", now, func() error {
		e, err := s.ch.SettlePosition(assets.Account(req.Account), vamm.ID(req.MarketID), now)
		if err != nil {
			return err
		}
		resp = s.realized(e)
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("position settled",
		"account", req.Account,
		"market", req.MarketID,
		"settlement_price", resp.Price.String(),
		"pnl", resp.PnL.String(),
		"bad_debt", resp.BadDebt.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// realized renders a close or settle event. Caller holds s.mu.
func (s *Service) realized(e clearinghouse.Event) RealizedResponse {
	return RealizedResponse{
		Account:    string(e.Account),
		MarketID:   uint64(e.Market),
		Direction:  e.Direction.String(),
		Size:       fixed.BalanceDecimal(e.Size),
		Price:      e.Price.Decimal(),
		Amount:     fixed.BalanceDecimal(e.Amount),
		PnL:        pnlDecimal(e.PnL),
		Collateral: fixed.BalanceDecimal(s.ch.Collateral(e.Account)),
		BadDebt:    fixed.BalanceDecimal(s.ch.BadDebt()),
	}
}

// --- Accounts ---

// GetPortfolio handles GET /api/v1/portfolio/{account}
// Returns unrealized P&L, notional per underlying, and margin utilization.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	account := assets.Account(chi.URLParam(r, "account"))
	now, err := s.queryNow(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var portfolio model.Portfolio
	err = s.view(func() error {
		var err error
		portfolio, err = s.portfolio(account, now)
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// portfolio marks every position of account against the current reserves.
// Caller holds s.mu.
func (s *Service) portfolio(account assets.Account, now vamm.Moment) (model.Portfolio, error) {
	collateral := fixed.BalanceDecimal(s.ch.Collateral(account))
	out := model.Portfolio{
		Account:           string(account),
		Collateral:        collateral,
		Positions:         []model.PositionView{},
		TotalNotional:     decimal.Zero,
		RequiredMargin:    decimal.Zero,
		UnrealizedPnL:     decimal.Zero,
		MarginUtilization: decimal.Zero,
		NotionalByAsset:   make(map[string]decimal.Decimal),
	}

	total := fixed.ZeroBalance
	for _, p := range s.ch.PositionsOf(account) {
		m, err := s.ch.Market(p.Market)
		if err != nil {
			return model.Portfolio{}, err
		}
		exit := s.exitValue(p, now)
		pnl := exit.Sub(fixed.BalanceDecimal(p.Notional))
		if p.Direction == clearinghouse.Short {
			pnl = pnl.Neg()
		}
		out.Positions = append(out.Positions, model.PositionView{
			Position:      positionRecord(p),
			Symbol:        s.meta[p.Market].Symbol,
			ExitValue:     exit,
			UnrealizedPnL: pnl,
		})
		out.UnrealizedPnL = out.UnrealizedPnL.Add(pnl)
		out.NotionalByAsset[string(m.Asset)] = out.NotionalByAsset[string(m.Asset)].Add(fixed.BalanceDecimal(p.Notional))
		if total, err = fixed.CheckedAdd(total, p.Notional); err != nil {
			return model.Portfolio{}, err
		}
	}

	required, err := s.ch.Config().InitialMarginRatio.MulBalance(total)
	if err != nil {
		return model.Portfolio{}, err
	}
	out.TotalNotional = fixed.BalanceDecimal(total)
	out.RequiredMargin = fixed.BalanceDecimal(required)
	if collateral.IsPositive() {
		out.MarginUtilization = out.RequiredMargin.Div(collateral).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return out, nil
}

// exitValue is the quote a full close of p would exchange at now: a simulated
// reverse swap while the market trades, the settlement value once it closed.
// A position that cannot be marked is valued at its entry notional.
func (s *Service) exitValue(p clearinghouse.Position, now vamm.Moment) decimal.Decimal {
	if settle, err := s.ch.Engine().SettlementPrice(p.Market, now); err == nil {
		if v, err := settle.MulBalance(p.Size); err == nil {
			return fixed.BalanceDecimal(v)
		}
		return fixed.BalanceDecimal(p.Notional)
	}
	dir := vamm.Add
	if p.Direction == clearinghouse.Short {
		dir = vamm.Remove
	}
	out, err := s.ch.Engine().SwapSimulation(vamm.SwapConfig{
		VammID:      p.Market,
		Asset:       vamm.Base,
		InputAmount: p.Size,
		Direction:   dir,
	}, now)
	if err != nil {
		return fixed.BalanceDecimal(p.Notional)
	}
	return fixed.BalanceDecimal(out.Output)
}

// GetAccountHistory handles GET /api/v1/accounts/{account}/history
func (s *Service) GetAccountHistory(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	entries, err := s.store.GetLedgerEntriesByAccount(r.Context(), account)
	if err != nil {
		writeError(w, "failed to get account history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetWalletBalance handles GET /api/v1/accounts/{account}/balances/{asset}
func (s *Service) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	account := assets.Account(chi.URLParam(r, "account"))
	asset := assets.Asset(chi.URLParam(r, "asset"))

	var resp model.Balance
	err := s.view(func() error {
		if !s.ledger.IsRegistered(asset) {
			return fmt.Errorf("%w: %s", assets.ErrUnknownAsset, asset)
		}
		resp = balanceRecord(account, asset, s.ledger.BalanceOf(account, asset))
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Mint handles POST /api/v1/accounts/{account}/mint
// Only available when the faucet is enabled.
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Faucet {
		writeErr(w, errFaucetDisabled)
		return
	}
	account := assets.Account(chi.URLParam(r, "account"))
	var req MintRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	qty, err := amount("amount", req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	asset := assets.Asset(req.Asset)

	var resp model.Balance
	err = s.view(func() error {
		if err := s.ledger.Mint(account, asset, qty); err != nil {
			return err
		}
		s.revision++
		resp = balanceRecord(account, asset, s.ledger.BalanceOf(account, asset))
		s.persisted("wallet", s.store.SaveWalletBalance(r.Context(), &resp))
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("faucet mint", "account", account, "asset", asset, "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, resp)
}

// --- Oracle ---

// ListIndexPrices handles GET /api/v1/oracle/prices
func (s *Service) ListIndexPrices(w http.ResponseWriter, r *http.Request) {
	prices := []model.IndexPrice{}
	err := s.view(func() error {
		for _, a := range s.oracle.Assets() {
			p, err := s.oracle.GetPrice(a)
			if err != nil {
				return err
			}
			prices = append(prices, model.IndexPrice{Asset: string(a), Price: p.Decimal()})
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// SetIndexPrice handles PUT /api/v1/oracle/prices/{asset}
func (s *Service) SetIndexPrice(w http.ResponseWriter, r *http.Request) {
	asset := assets.Asset(chi.URLParam(r, "asset"))
	var req SetPriceRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	p, err := price("price", req.Price)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p.IsZero() {
		writeErr(w, fmt.Errorf("%w: price must be positive", errInvalidRequest))
		return
	}

	rec := model.IndexPrice{Asset: string(asset), Price: p.Decimal()}
	_ = s.view(func() error {
		s.oracle.Set(asset, p)
		s.revision++
		s.persisted("index price", s.store.SaveIndexPrice(r.Context(), &rec))
		return nil
	})

	slog.Info("index price set", "asset", asset, "price", rec.Price.String())
	writeJSON(w, http.StatusOK, rec)
}

// --- State ---

// GetStateRoot handles GET /api/v1/state/root
func (s *Service) GetStateRoot(w http.ResponseWriter, r *http.Request) {
	seq, root, err := s.StateRoot()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateRootResponse{Sequence: seq, Root: root})
}

// PostSnapshot handles POST /api/v1/state/snapshot
func (s *Service) PostSnapshot(w http.ResponseWriter, r *http.Request) {
	res, err := s.ArchiveSnapshot(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
