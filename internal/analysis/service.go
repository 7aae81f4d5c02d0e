// Package analysis provides the HTTP handlers that expose the risk engine:
// Kelly sizing, expected value, Monte Carlo simulation, confluence scoring
// and multi-market allocation, plus the stored history of runs.
//
// Capital amounts cross the API as shopspring/decimal; the engine itself
// works in float64 and is converted at this boundary.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/atmx/risk-engine/internal/allocation"
	"github.com/atmx/risk-engine/internal/archive"
	"github.com/atmx/risk-engine/internal/confluence"
	"github.com/atmx/risk-engine/internal/contract"
	"github.com/atmx/risk-engine/internal/correlation"
	"github.com/atmx/risk-engine/internal/ev"
	"github.com/atmx/risk-engine/internal/kelly"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/montecarlo"
	"github.com/atmx/risk-engine/internal/probability"
	"github.com/atmx/risk-engine/internal/store"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxConcurrent = 4
	DefaultMaxSteps      = 5_000_000
	MaxAllocationMarkets = 100

	archiveTimeout = 30 * time.Second
)

// Options bounds the CPU the service will spend on request-driven runs.
type Options struct {
	// MaxConcurrent is the number of simulations or allocations that may run
	// at once. Further requests wait for a slot until their context ends.
	MaxConcurrent int64

	// MaxSteps caps NumSimulations·NumTrades for one simulation and
	// Iterations·len(markets) for one allocation.
	MaxSteps int64

	// Archiver, when set, receives a copy of every stored run. Uploads run
	// after the response and failures are only logged.
	Archiver archive.Archiver
}

// Service handles risk-engine requests. Engine runs are synchronous on the
// request goroutine; the semaphore bounds how many run concurrently.
type Service struct {
	store    store.Store
	limiter  *correlation.ExposureLimiter
	scorer   *confluence.Scorer
	sem      *semaphore.Weighted
	maxSteps int64
	wsHub    *WSHub // optional WebSocket hub for run notifications
	archiver archive.Archiver

	// seed draws a seed for requests that do not supply one.
	seed func() int64
}

// NewService creates a new analysis service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, limiter *correlation.ExposureLimiter, hub *WSHub, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Service{
		store:    st,
		limiter:  limiter,
		scorer:   confluence.NewScorer(),
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		maxSteps: opts.MaxSteps,
		wsHub:    hub,
		archiver: opts.Archiver,
		seed:     rand.Int63,
	}
}

// --- Request/Response types ---

// KellyRequest is the JSON body for POST /kelly.
type KellyRequest struct {
	ModelProbability  float64 `json:"model_probability"`
	MarketProbability float64 `json:"market_probability"`
}

// KellyResponse carries the sizing fractions. Only Optimal is meant to be
// executed; Full, Half and Eighth are uncapped display values.
type KellyResponse struct {
	kelly.Fractions
	Odds float64 `json:"odds"`
	Edge float64 `json:"edge"`
}

// EVRequest is the JSON body for POST /ev. A positive Liquidity adds an
// LMSR price-impact estimate to the response.
type EVRequest struct {
	ModelProbability  float64         `json:"model_probability"`
	MarketProbability float64         `json:"market_probability"`
	Stake             decimal.Decimal `json:"stake"`
	Liquidity         decimal.Decimal `json:"liquidity"`
}

// EVResponse is the JSON body returned from POST /ev.
type EVResponse struct {
	ev.Result
	Impact *ev.ImpactResult `json:"impact,omitempty"`
}

// SimulationRequest is the JSON body for POST /simulations. Zero config
// fields take the engine defaults; a nil Seed draws a fresh one.
type SimulationRequest struct {
	MarketRef         string          `json:"market_ref"`
	MarketProbability float64         `json:"market_probability"`
	ModelProbability  float64         `json:"model_probability"`
	NumSimulations    int             `json:"num_simulations"`
	NumTrades         int             `json:"num_trades"`
	KellyFraction     float64         `json:"kelly_fraction"`
	StartingCapital   decimal.Decimal `json:"starting_capital"`
	Seed              *int64          `json:"seed"`
}

// ConfluenceRequest is the JSON body for POST /confluence.
type ConfluenceRequest struct {
	Factors map[string]confluence.FactorSignal `json:"factors"`
}

// AllocationRequest is the JSON body for POST /allocations.
type AllocationRequest struct {
	Capital    decimal.Decimal          `json:"capital"`
	Iterations int                      `json:"iterations"`
	Seed       *int64                   `json:"seed"`
	Markets    []allocation.MarketInput `json:"markets"`
}

// --- HTTP Handlers ---

// Kelly handles POST /api/v1/kelly
// Inputs that fail the probability guard size at zero rather than error.
func (s *Service) Kelly(w http.ResponseWriter, r *http.Request) {
	var req KellyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp := KellyResponse{
		Fractions: kelly.Compute(req.ModelProbability, req.MarketProbability),
		Edge:      probability.Edge(req.ModelProbability, req.MarketProbability),
	}
	if probability.Valid(req.ModelProbability, req.MarketProbability) {
		resp.Odds = probability.Odds(req.MarketProbability)
		metrics.EngineCallsTotal.WithLabelValues("kelly", metrics.OutcomeOK).Inc()
	} else {
		metrics.EngineCallsTotal.WithLabelValues("kelly", metrics.OutcomeRejected).Inc()
	}

	writeJSON(w, http.StatusOK, resp)
}

// ExpectedValue handles POST /api/v1/ev
func (s *Service) ExpectedValue(w http.ResponseWriter, r *http.Request) {
	var req EVRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Liquidity.IsNegative() {
		writeError(w, "liquidity must not be negative", http.StatusBadRequest)
		return
	}

	stake := req.Stake.InexactFloat64()
	resp := EVResponse{Result: ev.Compute(req.ModelProbability, req.MarketProbability, stake)}

	if req.Liquidity.IsPositive() {
		impact, err := ev.WithImpact(req.ModelProbability, req.MarketProbability, stake, req.Liquidity)
		if err != nil {
			metrics.EngineCallsTotal.WithLabelValues("ev", metrics.OutcomeRejected).Inc()
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp.Impact = &impact
	}

	metrics.EngineCallsTotal.WithLabelValues("ev", metrics.OutcomeOK).Inc()
	writeJSON(w, http.StatusOK, resp)
}

// RunSimulation handles POST /api/v1/simulations
// Runs a Monte Carlo report, stores it, and broadcasts a summary.
func (s *Service) RunSimulation(w http.ResponseWriter, r *http.Request) {
	var req SimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.MarketRef != "" {
		if _, err := contract.ParseMarketRef(req.MarketRef); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	cfg, err := montecarlo.Config{
		NumSimulations:  req.NumSimulations,
		NumTrades:       req.NumTrades,
		KellyFraction:   req.KellyFraction,
		StartingCapital: req.StartingCapital.InexactFloat64(),
	}.Normalize()
	if err != nil {
		metrics.EngineCallsTotal.WithLabelValues("simulation", metrics.OutcomeRejected).Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if steps := int64(cfg.NumSimulations) * int64(cfg.NumTrades); steps > s.maxSteps {
		writeError(w, fmt.Sprintf("simulation too large: %d steps exceeds limit %d", steps, s.maxSteps), http.StatusBadRequest)
		return
	}

	seed := s.seed()
	if req.Seed != nil {
		seed = *req.Seed
	}

	ctx := r.Context()

	// Bound concurrent CPU-bound runs.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		writeError(w, "request cancelled while waiting for a simulation slot", http.StatusServiceUnavailable)
		return
	}
	metrics.SimulationsInFlight.Inc()
	start := time.Now()
	report, err := montecarlo.NewSeeded(seed).RunContext(ctx, req.MarketProbability, req.ModelProbability, cfg)
	elapsed := time.Since(start)
	metrics.SimulationsInFlight.Dec()
	s.sem.Release(1)

	if err != nil {
		metrics.EngineCallsTotal.WithLabelValues("simulation", metrics.OutcomeError).Inc()
		slog.Warn("simulation aborted", "err", err, "elapsed_ms", elapsed.Milliseconds())
		writeError(w, "simulation cancelled", http.StatusServiceUnavailable)
		return
	}
	metrics.SimulationLatency.Observe(elapsed.Seconds())
	metrics.SimulatedTrials.Add(float64(cfg.NumSimulations))

	if !report.Finite() {
		metrics.EngineCallsTotal.WithLabelValues("simulation", metrics.OutcomeRejected).Inc()
		writeError(w, "simulation overflowed: reduce num_trades or kelly_fraction", http.StatusUnprocessableEntity)
		return
	}

	rec := &model.SimulationRecord{
		ID:                uuid.New().String(),
		MarketRef:         req.MarketRef,
		MarketProbability: req.MarketProbability,
		ModelProbability:  req.ModelProbability,
		NumSimulations:    cfg.NumSimulations,
		NumTrades:         cfg.NumTrades,
		KellyFraction:     cfg.KellyFraction,
		StartingCapital:   decimal.NewFromFloat(cfg.StartingCapital),
		Seed:              seed,
		Report:            report,
		DurationMs:        elapsed.Milliseconds(),
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.store.SaveSimulation(ctx, rec); err != nil {
		slog.Error("save simulation failed", "id", rec.ID, "err", err)
		writeError(w, "failed to record simulation", http.StatusInternalServerError)
		return
	}
	metrics.EngineCallsTotal.WithLabelValues("simulation", metrics.OutcomeOK).Inc()

	slog.Info("simulation completed",
		"id", rec.ID,
		"market_ref", rec.MarketRef,
		"market_p", rec.MarketProbability,
		"model_p", rec.ModelProbability,
		"trials", cfg.NumSimulations,
		"trades", cfg.NumTrades,
		"seed", seed,
		"mean_return", report.MeanReturn,
		"ruin_pct", report.ProbabilityOfRuin,
		"elapsed_ms", rec.DurationMs,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:              EventSimulationCompleted,
			ID:                rec.ID,
			MarketRef:         rec.MarketRef,
			MeanReturn:        &report.MeanReturn,
			ProbabilityOfRuin: &report.ProbabilityOfRuin,
		})
	}

	s.archive(archive.KindSimulation, rec.ID, rec.CreatedAt, rec)
	writeJSON(w, http.StatusCreated, rec)
}

// ListSimulations handles GET /api/v1/simulations
// Returns summaries newest first, bounded by ?limit=<n>.
func (s *Service) ListSimulations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	summaries, err := s.store.ListSimulations(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list simulations", http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []model.SimulationSummary{}
	}

	writeJSON(w, http.StatusOK, summaries)
}

// GetSimulation handles GET /api/v1/simulations/{simulationID}
func (s *Service) GetSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "simulationID")

	rec, err := s.store.GetSimulation(r.Context(), id)
	if err != nil {
		writeStoreError(w, "simulation", err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Confluence handles POST /api/v1/confluence
func (s *Service) Confluence(w http.ResponseWriter, r *http.Request) {
	var req ConfluenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for name, f := range req.Factors {
		switch f.Direction {
		case confluence.Bullish, confluence.Bearish, confluence.Neutral:
		default:
			writeError(w, fmt.Sprintf("factor %s: direction must be bullish, bearish or neutral", name), http.StatusBadRequest)
			return
		}
	}

	metrics.EngineCallsTotal.WithLabelValues("confluence", metrics.OutcomeOK).Inc()
	writeJSON(w, http.StatusOK, s.scorer.Score(req.Factors))
}

// Allocate handles POST /api/v1/allocations
// Runs the randomized allocator, checks the result against exposure limits,
// stores it, and broadcasts a summary. Violations are reported, never fixed.
func (s *Service) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if len(req.Markets) > MaxAllocationMarkets {
		writeError(w, fmt.Sprintf("at most %d markets per allocation", MaxAllocationMarkets), http.StatusBadRequest)
		return
	}
	if req.Capital.IsNegative() {
		writeError(w, "capital must not be negative", http.StatusBadRequest)
		return
	}
	if req.Iterations < 0 {
		writeError(w, "iterations must not be negative", http.StatusBadRequest)
		return
	}
	seen := make(map[string]bool, len(req.Markets))
	for _, m := range req.Markets {
		if m.ID == "" {
			writeError(w, "market id is required", http.StatusBadRequest)
			return
		}
		if seen[m.ID] {
			writeError(w, "duplicate market id: "+m.ID, http.StatusBadRequest)
			return
		}
		seen[m.ID] = true
	}

	iterations := req.Iterations
	if iterations == 0 {
		iterations = allocation.DefaultIterations
	}
	if steps := int64(iterations) * int64(len(req.Markets)); steps > s.maxSteps {
		writeError(w, fmt.Sprintf("allocation too large: %d steps exceeds limit %d", steps, s.maxSteps), http.StatusBadRequest)
		return
	}

	seed := s.seed()
	if req.Seed != nil {
		seed = *req.Seed
	}

	ctx := r.Context()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		writeError(w, "request cancelled while waiting for an allocation slot", http.StatusServiceUnavailable)
		return
	}
	alloc := allocation.NewSeeded(seed)
	alloc.Iterations = iterations
	result := alloc.Optimize(req.Markets, req.Capital.InexactFloat64())
	s.sem.Release(1)

	capital := decimal.NewFromFloat(result.Capital)
	fractions := make(map[string]decimal.Decimal, len(result.Allocation))
	amounts := make(map[string]decimal.Decimal, len(result.Allocation))
	for id, f := range result.Allocation {
		fractions[id] = decimal.NewFromFloat(f)
		amounts[id] = capital.Mul(fractions[id]).Round(2)
	}

	var violations []correlation.Violation
	if s.limiter != nil {
		violations = s.limiter.Check(fractions)
	}
	if violations == nil {
		violations = []correlation.Violation{}
	}
	for _, v := range violations {
		metrics.LimitViolations.WithLabelValues(v.Scope).Inc()
	}
	metrics.AllocationScore.Observe(result.Score)

	inputs := make([]model.AllocationInput, len(req.Markets))
	for i, m := range req.Markets {
		inputs[i] = model.AllocationInput(m)
	}

	rec := &model.AllocationRecord{
		ID:         uuid.New().String(),
		Capital:    capital,
		Iterations: iterations,
		Seed:       seed,
		Inputs:     inputs,
		Fractions:  result.Allocation,
		Amounts:    amounts,
		Score:      result.Score,
		Violations: violations,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.SaveAllocation(ctx, rec); err != nil {
		slog.Error("save allocation failed", "id", rec.ID, "err", err)
		writeError(w, "failed to record allocation", http.StatusInternalServerError)
		return
	}
	metrics.EngineCallsTotal.WithLabelValues("allocation", metrics.OutcomeOK).Inc()

	slog.Info("allocation completed",
		"id", rec.ID,
		"markets", len(req.Markets),
		"capital", capital.String(),
		"iterations", iterations,
		"seed", seed,
		"score", result.Score,
		"violations", len(violations),
	)
	for _, v := range violations {
		slog.Warn("allocation exceeds exposure limit",
			"id", rec.ID,
			"scope", v.Scope,
			"key", v.Key,
			"exposure", v.Exposure.String(),
			"limit", v.Limit.String(),
		)
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       EventAllocationCompleted,
			ID:         rec.ID,
			Markets:    len(req.Markets),
			Score:      result.Score,
			Violations: len(violations),
		})
	}

	s.archive(archive.KindAllocation, rec.ID, rec.CreatedAt, rec)
	writeJSON(w, http.StatusCreated, rec)
}

// GetAllocation handles GET /api/v1/allocations/{allocationID}
func (s *Service) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "allocationID")

	rec, err := s.store.GetAllocation(r.Context(), id)
	if err != nil {
		writeStoreError(w, "allocation", err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// archive uploads a stored record in the background. The request context is
// not used since it ends with the response.
func (s *Service) archive(kind, id string, created time.Time, v any) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.archiver.Archive(ctx, kind, id, created, v); err != nil {
			slog.Error("archive upload failed", "kind", kind, "id", id, "err", err)
		}
	}()
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStoreError maps a store lookup failure to 404 or 500.
func writeStoreError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, kind+" not found", http.StatusNotFound)
		return
	}
	slog.Error("store lookup failed", "kind", kind, "err", err)
	writeError(w, "failed to load "+kind, http.StatusInternalServerError)
}
