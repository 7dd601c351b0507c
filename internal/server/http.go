package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"SynthLedger/internal/core"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/query"
	"SynthLedger/internal/valuation"
)

// HTTPServer serves the JSON API over chi. Operation endpoints mutate the
// engine; read endpoints are side-effect free. Amounts on the wire are
// decimal strings at the 18-decimal scale.
type HTTPServer struct {
	engine  *core.Engine
	queries *query.Service
	log     zerolog.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker

	httpServer *http.Server
}

// NewHTTPServer builds the API server. queries may be nil when Postgres-backed
// history endpoints are not wanted (they respond 503).
func NewHTTPServer(addr string, engine *core.Engine, queries *query.Service, log zerolog.Logger, metrics *observability.Metrics, health *observability.HealthChecker) *HTTPServer {
	s := &HTTPServer{
		engine:  engine,
		queries: queries,
		log:     log,
		metrics: metrics,
		health:  health,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed for tests.
func (s *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/mint", s.handleMint)
		r.Post("/deposit-and-mint", s.handleDepositAndMint)
		r.Post("/redeem", s.handleRedeem)
		r.Post("/burn", s.handleBurn)
		r.Post("/redeem-for-synth", s.handleRedeemForSynth)
		r.Post("/liquidate", s.handleLiquidate)

		r.Get("/assets", s.handleAssets)
		r.Get("/accounts/{id}", s.handleAccount)
		r.Get("/accounts/{id}/health", s.handleAccountHealth)
		r.Get("/accounts/{id}/collateral/{asset}", s.handleCollateralBalance)
		r.Get("/value/usd", s.handleUsdValue)
		r.Get("/value/token", s.handleTokenValue)

		r.Get("/accounts/{id}/history", s.handleOperationHistory)
		r.Get("/accounts/{id}/position", s.handlePosition)
		r.Get("/admin/integrity", s.handleVerifyIntegrity)
	})

	return r
}

// Run serves until the context is cancelled.
func (s *HTTPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%d", ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// --- Request / response shapes ---

type operationRequest struct {
	Account          string `json:"account"`
	Asset            string `json:"asset,omitempty"`
	Amount           string `json:"amount,omitempty"`
	CollateralAmount string `json:"collateral_amount,omitempty"`
	MintAmount       string `json:"mint_amount,omitempty"`
	BurnAmount       string `json:"burn_amount,omitempty"`
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Violator    string `json:"violator"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

type operationResponse struct {
	Status   string `json:"status"`
	Sequence int64  `json:"sequence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Operation handlers ---

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, account, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	s.finishOperation(w, r, s.engine.DepositCollateral(r.Context(), account, req.Asset, amount))
}

func (s *HTTPServer) handleMint(w http.ResponseWriter, r *http.Request) {
	req, account, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	s.finishOperation(w, r, s.engine.Mint(r.Context(), account, amount))
}

func (s *HTTPServer) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	req, account, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	collateral, ok := s.parseAmount(w, req.CollateralAmount, "collateral_amount")
	if !ok {
		return
	}
	mint, ok := s.parseAmount(w, req.MintAmount, "mint_amount")
	if !ok {
		return
	}
	s.finishOperation(w, r, s.engine.DepositAndMint(r.Context(), account, req.Asset, collateral, mint))
}

func (s *HTTPServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	req, account, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	s.finishOperation(w, r, s.engine.Redeem(r.Context(), account, req.Asset, amount))
}

func (s *HTTPServer) handleBurn(w http.ResponseWriter, r *http.Request) {
	req, account, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	s.finishOperation(w, r, s.engine.Burn(r.Context(), account, amount))
}

func (s *HTTPServer) handleRedeemForSynth(w http.ResponseWriter, r *http.Request) {
	req, account, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	collateral, ok := s.parseAmount(w, req.CollateralAmount, "collateral_amount")
	if !ok {
		return
	}
	burn, ok := s.parseAmount(w, req.BurnAmount, "burn_amount")
	if !ok {
		return
	}
	s.finishOperation(w, r, s.engine.RedeemForSynth(r.Context(), account, req.Asset, collateral, burn))
}

func (s *HTTPServer) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse liquidator: %w", err))
		return
	}
	violator, err := uuid.Parse(req.Violator)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse violator: %w", err))
		return
	}
	debtToCover, ok := s.parseAmount(w, req.DebtToCover, "debt_to_cover")
	if !ok {
		return
	}
	s.finishOperation(w, r, s.engine.Liquidate(r.Context(), liquidator, violator, req.Asset, debtToCover))
}

// --- Read handlers ---

func (s *HTTPServer) handleAssets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"assets": s.engine.CollateralAssets(),
	})
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	debt, collateralUsd, err := s.engine.AccountInformation(account)
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":              account.String(),
		"total_debt":           debt.Dec(),
		"total_collateral_usd": collateralUsd.Dec(),
	})
}

func (s *HTTPServer) handleAccountHealth(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	hf, err := s.engine.HealthFactor(account)
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":       account.String(),
		"health_factor": hf.Dec(),
		"healthy":       !hf.Lt(core.MinHealthFactor()),
	})
}

func (s *HTTPServer) handleCollateralBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": account.String(),
		"asset":   asset,
		"balance": s.engine.CollateralBalance(account, asset).Dec(),
	})
}

func (s *HTTPServer) handleUsdValue(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	amount, ok := s.parseAmount(w, r.URL.Query().Get("amount"), "amount")
	if !ok {
		return
	}
	usd, err := s.engine.UsdValue(asset, amount)
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     asset,
		"amount":    amount.Dec(),
		"usd_value": usd.Dec(),
	})
}

func (s *HTTPServer) handleTokenValue(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	usd, ok := s.parseAmount(w, r.URL.Query().Get("usd"), "usd")
	if !ok {
		return
	}
	amount, err := s.engine.TokenAmountFromUsd(asset, usd)
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":        asset,
		"usd":          usd.Dec(),
		"token_amount": amount.Dec(),
	})
}

// --- Postgres-backed read handlers ---

func (s *HTTPServer) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("history queries not configured"))
		return
	}
	account, ok := s.pathAccount(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	var before *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid before cursor %q", raw))
			return
		}
		before = &n
	}

	entries, err := s.queries.OperationHistory(r.Context(), account, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("operation history: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":    account.String(),
		"operations": entries,
	})
}

func (s *HTTPServer) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("position queries not configured"))
		return
	}
	account, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	pos, err := s.queries.Position(r.Context(), account)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("position: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("integrity queries not configured"))
		return
	}
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("verify integrity: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func (s *HTTPServer) decodeOperation(w http.ResponseWriter, r *http.Request) (operationRequest, uuid.UUID, bool) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return req, uuid.Nil, false
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse account: %w", err))
		return req, uuid.Nil, false
	}
	return req, account, true
}

func (s *HTTPServer) pathAccount(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	account, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse account: %w", err))
		return uuid.Nil, false
	}
	return account, true
}

func (s *HTTPServer) parseAmount(w http.ResponseWriter, raw, field string) (*uint256.Int, bool) {
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%s is required", field))
		return nil, false
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse %s: %w", field, err))
		return nil, false
	}
	return v, true
}

func (s *HTTPServer) finishOperation(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, operationResponse{
		Status:   "committed",
		Sequence: s.engine.Sequence(),
	})
}

// statusFromError maps the engine's error taxonomy onto HTTP codes:
// validation 400, invariant violations 409, arithmetic 422, collaborator
// and oracle trouble 502.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, core.ErrAmountZero),
		errors.Is(err, core.ErrAssetNotAllowed):
		return http.StatusBadRequest
	case core.IsHealthFactorBroken(err),
		errors.Is(err, core.ErrHealthFactorOk),
		errors.Is(err, core.ErrHealthFactorNotImproved),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, valuation.ErrValueOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTransferFailed),
		errors.Is(err, core.ErrMintFailed),
		errors.Is(err, valuation.ErrNoPrice),
		errors.Is(err, valuation.ErrInvalidPrice),
		errors.Is(err, valuation.ErrStalePrice):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
