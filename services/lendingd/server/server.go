// Package server exposes the lending node over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultlend/config"
	"vaultlend/crypto"
	"vaultlend/native/lending"
	"vaultlend/services/lendingd/eventlog"
	"vaultlend/services/lendingd/node"
)

const maxBodyBytes = 1 << 20

// Options configures the API.
type Options struct {
	Auth        AuthConfig
	KeeperScope string
	OracleScope string
	AdminScope  string
	RateLimit   RateLimit
	Logger      *slog.Logger
	// Events is optional; without it the event query route answers 404.
	Events *eventlog.Store
	// Stream is optional; without it the websocket stream route answers 404.
	Stream *eventlog.Broker
}

// Server routes HTTP requests to node commands and queries.
type Server struct {
	node    *node.Node
	opts    Options
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
}

func New(n *node.Node, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		node:    n,
		opts:    opts,
		auth:    NewAuthenticator(opts.Auth, opts.Logger),
		limiter: NewRateLimiter(opts.RateLimit),
		logger:  opts.Logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(instrument(s.logger))
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Identify, s.limiter.Middleware)

		r.Get("/markets", s.handleListMarkets)
		r.Get("/markets/{id}", s.handleGetMarket)
		r.Get("/markets/{id}/stats", s.handleStats)
		r.Get("/markets/{id}/borrowers", s.handleBorrowers)
		r.Get("/markets/{id}/accounts/{addr}", s.handlePosition)
		r.Get("/liquidations", s.handleListOrders)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)
		r.Get("/prices/{asset}", s.handleGetPrice)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require())
			r.Post("/markets", s.handleCreateMarket)
			r.Put("/markets/{id}", s.handleUpdateMarket)
			r.Post("/markets/{id}/collateral", s.handleDepositCollateral)
			r.Post("/markets/{id}/collateral/withdraw", s.handleWithdrawCollateral)
			r.Post("/markets/{id}/borrow", s.handleBorrow)
			r.Post("/markets/{id}/repay", s.handleRepay)
			r.Post("/markets/{id}/liquidate", s.handleLiquidate)
			r.Post("/markets/{id}/supply", s.handleSupply)
			r.Post("/markets/{id}/supply/withdraw", s.handleWithdrawSupply)
		})
		r.With(s.auth.Require(s.opts.KeeperScope)).Post("/liquidations/{order}/settle", s.handleSettle)
		r.With(s.auth.Require(s.opts.OracleScope)).Put("/prices/{asset}", s.handleSetPrice)
		r.With(s.auth.Require(s.opts.AdminScope)).Put("/admin/pauses/{module}", s.handleSetPause)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "height": s.node.Height()})
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func marketID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid market id", errBadRequest)
	}
	return id, nil
}

func parseAmount(name, value string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return v, nil
}

func parseAddress(name, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return addr, nil
}

// command runs fn for the authenticated caller and writes either the result
// or the mapped error.
func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(caller crypto.Address, m *node.Modules) (interface{}, error)) {
	caller, _ := callerFrom(r.Context())
	var result interface{}
	err := s.node.Execute(func(m *node.Modules) error {
		var err error
		result, err = fn(caller, m)
		return err
	})
	if err != nil {
		writeModuleError(w, err)
		return
	}
	if result == nil {
		result = map[string]string{"status": "ok"}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) query(w http.ResponseWriter, fn func(m *node.Modules) (interface{}, error)) {
	var result interface{}
	err := s.node.Execute(func(m *node.Modules) error {
		var err error
		result, err = fn(m)
		return err
	})
	if err != nil {
		writeModuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListMarkets(w http.ResponseWriter, _ *http.Request) {
	s.query(w, func(m *node.Modules) (interface{}, error) {
		markets, err := m.Engine.Markets()
		if err != nil {
			return nil, err
		}
		out := make([]marketJSON, 0, len(markets))
		for _, mk := range markets {
			out = append(out, marketView(mk, m.Engine.MarketAccount(mk.ID)))
		}
		return out, nil
	})
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	s.query(w, func(m *node.Modules) (interface{}, error) {
		mk, err := m.Engine.Market(id)
		if err != nil {
			return nil, err
		}
		return marketView(mk, m.Engine.MarketAccount(id)), nil
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	s.query(w, func(m *node.Modules) (interface{}, error) {
		stats, err := m.Engine.Stats(id)
		if err != nil {
			return nil, err
		}
		return statsView(stats), nil
	})
}

func (s *Server) handleBorrowers(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	s.query(w, func(m *node.Modules) (interface{}, error) {
		borrowers, err := m.Engine.Borrowers(id)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(borrowers))
		for _, b := range borrowers {
			out = append(out, b.String())
		}
		return out, nil
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	who, err := parseAddress("account", chi.URLParam(r, "addr"))
	if err != nil {
		writeModuleError(w, err)
		return
	}
	s.query(w, func(m *node.Modules) (interface{}, error) {
		pos, err := m.Engine.Position(id, who)
		if err != nil {
			return nil, err
		}
		warn, err := m.Engine.ShouldWarn(id, who)
		if err != nil {
			return nil, err
		}
		return positionView(pos, warn), nil
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, _ *http.Request) {
	s.query(w, func(m *node.Modules) (interface{}, error) {
		orders, err := m.Liquidations.Orders()
		if err != nil {
			return nil, err
		}
		out := make([]orderJSON, 0, len(orders))
		for _, o := range orders {
			out = append(out, orderView(o))
		}
		return out, nil
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusNotFound, "event log disabled")
		return
	}
	q := r.URL.Query()
	filter := eventlog.Filter{
		Type:    q.Get("type"),
		Market:  q.Get("market"),
		Account: q.Get("account"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	records, err := s.opts.Events.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("query event log", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]eventJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, eventView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

type rateRequest struct {
	Base           string `json:"base"`
	SlopeBelowKink string `json:"slope_below_kink"`
	SlopeAboveKink string `json:"slope_above_kink"`
	Kink           string `json:"kink"`
}

type createMarketRequest struct {
	CollateralAsset  string      `json:"collateral_asset"`
	BorrowAsset      string      `json:"borrow_asset"`
	CollateralFactor string      `json:"collateral_factor"`
	WarningThreshold string      `json:"warning_threshold"`
	ReservedFactor   string      `json:"reserved_factor"`
	MaxPriceAge      uint64      `json:"max_price_age"`
	Liquidators      []uint32    `json:"liquidators"`
	InitialStake     string      `json:"initial_stake"`
	Rate             rateRequest `json:"rate"`
	KeepAlive        bool        `json:"keep_alive"`
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	input, err := s.marketInput(req)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	s.command(w, r, func(caller crypto.Address, m *node.Modules) (interface{}, error) {
		created, err := m.Engine.CreateMarket(caller, input, req.KeepAlive)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"id":         created.ID,
			"vault":      uint64(created.Vault),
			"debt_asset": uint64(created.DebtAsset),
			"account":    created.Account.String(),
		}, nil
	})
}

func (s *Server) marketInput(req createMarketRequest) (lending.CreateMarketInput, error) {
	var in lending.CreateMarketInput
	var err error
	if in.CollateralAsset, err = s.node.Asset(req.CollateralAsset); err != nil {
		return in, err
	}
	if in.BorrowAsset, err = s.node.Asset(req.BorrowAsset); err != nil {
		return in, err
	}
	if in.CollateralFactorBps, err = config.FractionToBps("collateral_factor", req.CollateralFactor); err != nil {
		return in, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if in.WarningBps, err = config.FractionToBps("warning_threshold", req.WarningThreshold); err != nil {
		return in, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.ReservedFactor != "" {
		if in.ReservedFactorBps, err = config.FractionToBps("reserved_factor", req.ReservedFactor); err != nil {
			return in, fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	in.RateModel, err = config.RateModel(config.RateGenesis{
		Base:           req.Rate.Base,
		SlopeBelowKink: req.Rate.SlopeBelowKink,
		SlopeAboveKink: req.Rate.SlopeAboveKink,
		Kink:           req.Rate.Kink,
	})
	if err != nil {
		if errors.Is(err, lending.ErrInvalidInterestRateModel) {
			return in, err
		}
		return in, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if in.InitialStake, err = parseAmount("initial_stake", req.InitialStake); err != nil {
		return in, err
	}
	in.MaxPriceAge = req.MaxPriceAge
	in.Liquidators = req.Liquidators
	return in, nil
}

type updateMarketRequest struct {
	CollateralFactor string   `json:"collateral_factor"`
	WarningThreshold string   `json:"warning_threshold"`
	MaxPriceAge      uint64   `json:"max_price_age"`
	Liquidators      []uint32 `json:"liquidators"`
}

func (s *Server) handleUpdateMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	var req updateMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	var in lending.UpdateMarketInput
	if in.CollateralFactorBps, err = config.FractionToBps("collateral_factor", req.CollateralFactor); err != nil {
		writeModuleError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if in.WarningBps, err = config.FractionToBps("warning_threshold", req.WarningThreshold); err != nil {
		writeModuleError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	in.MaxPriceAge = req.MaxPriceAge
	in.Liquidators = req.Liquidators
	s.command(w, r, func(caller crypto.Address, m *node.Modules) (interface{}, error) {
		return nil, m.Engine.UpdateMarket(caller, id, in)
	})
}

type amountRequest struct {
	Amount    string `json:"amount"`
	KeepAlive bool   `json:"keep_alive"`
}

// amountCommand decodes an amountRequest for the market in the path.
func (s *Server) amountCommand(w http.ResponseWriter, r *http.Request, fn func(caller crypto.Address, m *node.Modules, id uint64, req amountRequest, amount *big.Int) (interface{}, error)) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	s.command(w, r, func(caller crypto.Address, m *node.Modules) (interface{}, error) {
		return fn(caller, m, id, req, amount)
	})
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	s.amountCommand(w, r, func(caller crypto.Address, m *node.Modules, id uint64, req amountRequest, amount *big.Int) (interface{}, error) {
		return nil, m.Engine.DepositCollateral(caller, id, amount, req.KeepAlive)
	})
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	s.amountCommand(w, r, func(caller crypto.Address, m *node.Modules, id uint64, _ amountRequest, amount *big.Int) (interface{}, error) {
		return nil, m.Engine.WithdrawCollateral(caller, id, amount)
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.amountCommand(w, r, func(caller crypto.Address, m *node.Modules, id uint64, _ amountRequest, amount *big.Int) (interface{}, error) {
		return nil, m.Engine.Borrow(caller, id, amount)
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	s.amountCommand(w, r, func(caller crypto.Address, m *node.Modules, id uint64, req amountRequest, amount *big.Int) (interface{}, error) {
		mk, err := m.Engine.Market(id)
		if err != nil {
			return nil, err
		}
		var shares *big.Int
		err = m.Engine.Atomic("supply", func() error {
			var err error
			shares, err = m.Vaults.Deposit(mk.Vault, caller, amount, req.KeepAlive)
			return err
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"shares": shares.String()}, nil
	})
}

func (s *Server) handleWithdrawSupply(w http.ResponseWriter, r *http.Request) {
	s.amountCommand(w, r, func(caller crypto.Address, m *node.Modules, id uint64, _ amountRequest, shares *big.Int) (interface{}, error) {
		mk, err := m.Engine.Market(id)
		if err != nil {
			return nil, err
		}
		var paid *big.Int
		err = m.Engine.Atomic("withdraw_supply", func() error {
			var err error
			paid, err = m.Vaults.Withdraw(mk.Vault, caller, shares)
			return err
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"amount": paid.String()}, nil
	})
}

type repayRequest struct {
	// Amount is optional; empty repays the full debt.
	Amount      string `json:"amount"`
	Beneficiary string `json:"beneficiary"`
	KeepAlive   bool   `json:"keep_alive"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	var req repayRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	strategy := lending.RepayTotal()
	if strings.TrimSpace(req.Amount) != "" {
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			writeModuleError(w, err)
			return
		}
		strategy = lending.RepayPartial(amount)
	}
	var beneficiary *crypto.Address
	if req.Beneficiary != "" {
		addr, err := parseAddress("beneficiary", req.Beneficiary)
		if err != nil {
			writeModuleError(w, err)
			return
		}
		beneficiary = &addr
	}
	s.command(w, r, func(caller crypto.Address, m *node.Modules) (interface{}, error) {
		target := caller
		if beneficiary != nil {
			target = *beneficiary
		}
		repaid, err := m.Engine.RepayBorrow(caller, id, target, strategy, req.KeepAlive)
		if err != nil {
			return nil, err
		}
		return map[string]string{"repaid": repaid.String()}, nil
	})
}

type liquidateRequest struct {
	Borrowers []string `json:"borrowers"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	borrowers := make([]crypto.Address, 0, len(req.Borrowers))
	for i, raw := range req.Borrowers {
		addr, err := parseAddress(fmt.Sprintf("borrowers[%d]", i), raw)
		if err != nil {
			writeModuleError(w, err)
			return
		}
		borrowers = append(borrowers, addr)
	}
	s.command(w, r, func(caller crypto.Address, m *node.Modules) (interface{}, error) {
		liquidated, err := m.Engine.Liquidate(caller, id, borrowers)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(liquidated))
		for _, b := range liquidated {
			out = append(out, b.String())
		}
		return map[string][]string{"liquidated": out}, nil
	})
}

type settleRequest struct {
	Proceeds           string `json:"proceeds"`
	ReturnedCollateral string `json:"returned_collateral"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order")
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	proceeds, err := parseAmount("proceeds", req.Proceeds)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	returned := big.NewInt(0)
	if req.ReturnedCollateral != "" {
		if returned, err = parseAmount("returned_collateral", req.ReturnedCollateral); err != nil {
			writeModuleError(w, err)
			return
		}
	}
	s.command(w, r, func(caller crypto.Address, m *node.Modules) (interface{}, error) {
		return nil, m.Engine.Atomic("settle_liquidation", func() error {
			return m.Liquidations.Settle(caller, orderID, proceeds, returned)
		})
	})
}

type priceRequest struct {
	// Value is the ray-scaled price of one minor unit.
	Value string `json:"value"`
}

type priceJSON struct {
	Asset uint64 `json:"asset"`
	Value string `json:"value"`
	Block uint64 `json:"block"`
	TWAP  string `json:"twap,omitempty"`
}

// handleGetPrice answers the latest quote. A comma-separated weights query,
// newest quote first, adds the weighted average of the recent history.
func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	asset, err := s.node.Asset(chi.URLParam(r, "asset"))
	if err != nil {
		writeModuleError(w, err)
		return
	}
	var weights []uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("weights")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			weight, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid weights")
				return
			}
			weights = append(weights, weight)
		}
	}
	s.query(w, func(m *node.Modules) (interface{}, error) {
		quote, err := m.Oracle.Price(asset)
		if err != nil {
			return nil, err
		}
		out := priceJSON{Asset: uint64(asset), Value: quote.Value.String(), Block: quote.Block}
		if len(weights) > 0 {
			twap, err := m.Oracle.TWAP(asset, weights)
			if err != nil {
				return nil, err
			}
			out.TWAP = twap.String()
		}
		return out, nil
	})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	asset, err := s.node.Asset(chi.URLParam(r, "asset"))
	if err != nil {
		writeModuleError(w, err)
		return
	}
	var req priceRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	value, err := parseAmount("value", req.Value)
	if err != nil {
		writeModuleError(w, err)
		return
	}
	s.command(w, r, func(_ crypto.Address, m *node.Modules) (interface{}, error) {
		if err := m.Oracle.SetPrice(asset, value, m.Height); err != nil {
			return nil, err
		}
		return map[string]interface{}{"asset": uint64(asset), "block": m.Height}, nil
	})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeModuleError(w, err)
		return
	}
	s.command(w, r, func(caller crypto.Address, m *node.Modules) (interface{}, error) {
		m.Pauses.Set(module, req.Paused)
		s.logger.Info("module pause toggled",
			slog.String("module", module),
			slog.Bool("paused", req.Paused),
			slog.String("account", caller.String()))
		return map[string][]string{"paused": m.Pauses.List()}, nil
	})
}
