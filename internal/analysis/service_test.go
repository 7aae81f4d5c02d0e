package analysis_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/allocation"
	"github.com/atmx/risk-engine/internal/analysis"
	"github.com/atmx/risk-engine/internal/correlation"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, hub *analysis.WSHub) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	limiter := correlation.NewExposureLimiter(d(0.5), d(0.6))
	svc := analysis.NewService(ms, limiter, hub, analysis.Options{MaxConcurrent: 2, MaxSteps: 100_000})

	r := chi.NewRouter()
	r.Post("/api/v1/kelly", svc.Kelly)
	r.Post("/api/v1/ev", svc.ExpectedValue)
	r.Post("/api/v1/simulations", svc.RunSimulation)
	r.Get("/api/v1/simulations", svc.ListSimulations)
	r.Get("/api/v1/simulations/{simulationID}", svc.GetSimulation)
	r.Post("/api/v1/confluence", svc.Confluence)
	r.Post("/api/v1/allocations", svc.Allocate)
	r.Get("/api/v1/allocations/{allocationID}", svc.GetAllocation)
	if hub != nil {
		r.Get("/api/v1/ws", hub.HandleWS)
	}

	return ms, r
}

func post(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func int64p(v int64) *int64 { return &v }

// --- Kelly ---

func TestKelly_PositiveEdge(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/kelly", analysis.KellyRequest{ModelProbability: 0.6, MarketProbability: 0.5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp analysis.KellyResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if math.Abs(resp.Full-0.2) > 1e-9 {
		t.Errorf("expected full Kelly 0.2, got %v", resp.Full)
	}
	if resp.Optimal <= 0 || resp.Optimal > 0.05 {
		t.Errorf("optimal should be in (0, 0.05], got %v", resp.Optimal)
	}
	if math.Abs(resp.Odds-1) > 1e-9 {
		t.Errorf("expected odds 1, got %v", resp.Odds)
	}
}

func TestKelly_GuardFailureSizesZero(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/kelly", analysis.KellyRequest{ModelProbability: 0.99, MarketProbability: 0.995})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp analysis.KellyResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Full != 0 || resp.Optimal != 0 || resp.Odds != 0 {
		t.Errorf("expected zero sizing outside the guard, got %+v", resp)
	}
}

func TestKelly_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/api/v1/kelly", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Expected value ---

func TestExpectedValue_Quoted(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/ev", analysis.EVRequest{
		ModelProbability:  0.6,
		MarketProbability: 0.5,
		Stake:             d(500),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp analysis.EVResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if math.Abs(resp.EV-100) > 1e-6 {
		t.Errorf("expected EV 100, got %v", resp.EV)
	}
	if math.Abs(resp.Payout-1000) > 1e-6 {
		t.Errorf("expected payout 1000, got %v", resp.Payout)
	}
	if resp.Impact != nil {
		t.Error("impact should be omitted without liquidity")
	}
}

func TestExpectedValue_WithImpact(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/ev", analysis.EVRequest{
		ModelProbability:  0.6,
		MarketProbability: 0.5,
		Stake:             d(100),
		Liquidity:         d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp analysis.EVResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Impact == nil {
		t.Fatal("expected impact estimate")
	}
	if !resp.Impact.FillPrice.GreaterThan(d(0.5)) {
		t.Errorf("buying should fill above the quoted price, got %s", resp.Impact.FillPrice)
	}
	if !resp.Impact.ImpactedEV.LessThan(d(resp.EV)) {
		t.Errorf("impacted EV %s should be below quoted EV %v", resp.Impact.ImpactedEV, resp.EV)
	}
}

func TestExpectedValue_NegativeLiquidity(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/ev", analysis.EVRequest{
		ModelProbability:  0.6,
		MarketProbability: 0.5,
		Liquidity:         d(-1),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Simulations ---

func smallSimulation(seed int64) analysis.SimulationRequest {
	return analysis.SimulationRequest{
		MarketRef:         "KALSHI:KXFED-25DEC-T4.00",
		MarketProbability: 0.5,
		ModelProbability:  0.6,
		NumSimulations:    200,
		NumTrades:         20,
		StartingCapital:   d(1000),
		Seed:              int64p(seed),
	}
}

func TestRunSimulation_StoresAndReturnsRecord(t *testing.T) {
	ms, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/simulations", smallSimulation(42))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec model.SimulationRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.ID == "" {
		t.Error("expected non-empty id")
	}
	if rec.Seed != 42 {
		t.Errorf("expected seed 42, got %d", rec.Seed)
	}
	if rec.NumSimulations != 200 || rec.NumTrades != 20 || rec.KellyFraction != 0.25 {
		t.Errorf("unexpected normalized config %+v", rec)
	}
	if len(rec.Report.SamplePaths) != 40 {
		t.Errorf("expected 40 sample paths, got %d", len(rec.Report.SamplePaths))
	}

	stored, err := ms.GetSimulation(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if stored.Report.MeanReturn != rec.Report.MeanReturn {
		t.Error("stored report differs from response")
	}
}

func TestRunSimulation_SameSeedSameReport(t *testing.T) {
	_, router := newTestEnv(t, nil)

	var first, second model.SimulationRecord
	json.Unmarshal(post(t, router, "/api/v1/simulations", smallSimulation(7)).Body.Bytes(), &first)
	json.Unmarshal(post(t, router, "/api/v1/simulations", smallSimulation(7)).Body.Bytes(), &second)

	if first.ID == second.ID {
		t.Error("each run should get its own id")
	}
	if first.Report.MeanReturn != second.Report.MeanReturn || first.Report.VaR95 != second.Report.VaR95 {
		t.Error("identical seeds should produce identical reports")
	}
}

func TestRunSimulation_DrawsSeedWhenMissing(t *testing.T) {
	_, router := newTestEnv(t, nil)

	req := smallSimulation(0)
	req.Seed = nil
	w := post(t, router, "/api/v1/simulations", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec model.SimulationRecord
	json.Unmarshal(w.Body.Bytes(), &rec)

	// Replaying the recorded seed reproduces the run.
	var replay model.SimulationRecord
	json.Unmarshal(post(t, router, "/api/v1/simulations", smallSimulation(rec.Seed)).Body.Bytes(), &replay)
	if replay.Report.MeanReturn != rec.Report.MeanReturn {
		t.Error("recorded seed should reproduce the report")
	}
}

func TestRunSimulation_Validation(t *testing.T) {
	_, router := newTestEnv(t, nil)

	tests := []struct {
		name   string
		modify func(*analysis.SimulationRequest)
	}{
		{"negative trades", func(r *analysis.SimulationRequest) { r.NumTrades = -1 }},
		{"negative simulations", func(r *analysis.SimulationRequest) { r.NumSimulations = -5 }},
		{"negative capital", func(r *analysis.SimulationRequest) { r.StartingCapital = d(-100) }},
		{"bad market ref", func(r *analysis.SimulationRequest) { r.MarketRef = "BETFAIR:123" }},
		{"too many steps", func(r *analysis.SimulationRequest) { r.NumSimulations = 10_000; r.NumTrades = 100 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := smallSimulation(1)
			tt.modify(&req)
			w := post(t, router, "/api/v1/simulations", req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestListSimulations(t *testing.T) {
	_, router := newTestEnv(t, nil)

	for seed := int64(1); seed <= 3; seed++ {
		post(t, router, "/api/v1/simulations", smallSimulation(seed))
	}

	w := get(t, router, "/api/v1/simulations?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []model.SimulationSummary
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 2 {
		t.Errorf("expected 2 summaries, got %d", len(list))
	}

	if w := get(t, router, "/api/v1/simulations?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestListSimulations_EmptyIsArray(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := get(t, router, "/api/v1/simulations")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", w.Body.String())
	}
}

func TestGetSimulation(t *testing.T) {
	_, router := newTestEnv(t, nil)

	var rec model.SimulationRecord
	json.Unmarshal(post(t, router, "/api/v1/simulations", smallSimulation(5)).Body.Bytes(), &rec)

	if w := get(t, router, "/api/v1/simulations/"+rec.ID); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := get(t, router, "/api/v1/simulations/missing"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Confluence ---

func TestConfluence(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/confluence", map[string]any{
		"factors": map[string]any{
			"orderbook_imbalance": map[string]any{"value": 1, "direction": "bullish"},
			"news_sentiment":      map[string]any{"value": -0.5, "direction": "bearish"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Score          float64 `json:"score"`
		BullishFactors int     `json:"bullish_factors"`
		BearishFactors int     `json:"bearish_factors"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if math.Abs(resp.Score-(0.15-0.05)) > 1e-9 {
		t.Errorf("expected score 0.10, got %v", resp.Score)
	}
	if resp.BullishFactors != 1 || resp.BearishFactors != 1 {
		t.Errorf("expected 1/1 directions, got %d/%d", resp.BullishFactors, resp.BearishFactors)
	}
}

func TestConfluence_UnknownDirection(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/confluence", map[string]any{
		"factors": map[string]any{"model_edge": map[string]any{"value": 1, "direction": "up"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Allocations ---

func TestAllocate_SingleMarketTakesAll(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/allocations", analysis.AllocationRequest{
		Capital: d(5000),
		Seed:    int64p(1),
		Markets: []allocation.MarketInput{{ID: "POLY:btc-100k", ModelProbability: 0.3, MarketProbability: 0.5}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec model.AllocationRecord
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Fractions["POLY:btc-100k"] != 1 {
		t.Errorf("expected 100%% allocation, got %v", rec.Fractions)
	}
	if !rec.Amounts["POLY:btc-100k"].Equal(d(5000)) {
		t.Errorf("expected full capital, got %s", rec.Amounts["POLY:btc-100k"])
	}
	// 100% of capital in one market is over the 50% per-market ceiling.
	if len(rec.Violations) == 0 || rec.Violations[0].Scope != correlation.ScopeMarket {
		t.Errorf("expected a per-market violation, got %+v", rec.Violations)
	}
}

func TestAllocate_ReportsCorrelatedEventViolation(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := post(t, router, "/api/v1/allocations", analysis.AllocationRequest{
		Capital: d(10000),
		Seed:    int64p(3),
		Markets: []allocation.MarketInput{
			{ID: "KALSHI:KXFED-25DEC-T4.00", ModelProbability: 0.6, MarketProbability: 0.5},
			{ID: "KALSHI:KXFED-25DEC-T4.25", ModelProbability: 0.4, MarketProbability: 0.35},
			{ID: "KALSHI:KXFED-25DEC-T4.50", ModelProbability: 0.2, MarketProbability: 0.15},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec model.AllocationRecord
	json.Unmarshal(w.Body.Bytes(), &rec)

	var found bool
	for _, v := range rec.Violations {
		if v.Scope == correlation.ScopeEvent && v.Key == "KALSHI:KXFED-25DEC" {
			found = true
		}
	}
	if !found {
		t.Errorf("three strikes of one event should breach the event ceiling, got %+v", rec.Violations)
	}

	if w := get(t, router, "/api/v1/allocations/"+rec.ID); w.Code != http.StatusOK {
		t.Errorf("expected stored allocation, got %d", w.Code)
	}
}

func TestAllocate_Validation(t *testing.T) {
	_, router := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  analysis.AllocationRequest
	}{
		{"duplicate ids", analysis.AllocationRequest{Markets: []allocation.MarketInput{
			{ID: "POLY:a", ModelProbability: 0.6, MarketProbability: 0.5},
			{ID: "POLY:a", ModelProbability: 0.6, MarketProbability: 0.5},
		}}},
		{"missing id", analysis.AllocationRequest{Markets: []allocation.MarketInput{
			{ModelProbability: 0.6, MarketProbability: 0.5},
		}}},
		{"negative capital", analysis.AllocationRequest{Capital: d(-1)}},
		{"too many steps", analysis.AllocationRequest{Iterations: 100_000, Markets: []allocation.MarketInput{
			{ID: "POLY:a"}, {ID: "POLY:b"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, router, "/api/v1/allocations", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetAllocation_NotFound(t *testing.T) {
	_, router := newTestEnv(t, nil)

	if w := get(t, router, "/api/v1/allocations/missing"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestRunSimulation_BroadcastsCompletion(t *testing.T) {
	hub := analysis.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	_, router := newTestEnv(t, hub)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w := post(t, router, "/api/v1/simulations", smallSimulation(9))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var rec model.SimulationRecord
	json.Unmarshal(w.Body.Bytes(), &rec)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg analysis.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != analysis.EventSimulationCompleted || msg.ID != rec.ID {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.MeanReturn == nil || *msg.MeanReturn != rec.Report.MeanReturn {
		t.Errorf("message should carry the mean return, got %+v", msg.MeanReturn)
	}
}

func TestHandleWS_EventFilter(t *testing.T) {
	hub := analysis.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	_, router := newTestEnv(t, hub)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?events=" + analysis.EventAllocationCompleted
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The simulation is filtered out; the first message must be the allocation.
	if w := post(t, router, "/api/v1/simulations", smallSimulation(3)); w.Code != http.StatusCreated {
		t.Fatalf("simulation: expected 201, got %d", w.Code)
	}
	w := post(t, router, "/api/v1/allocations", analysis.AllocationRequest{
		Capital:    d(1000),
		Iterations: 50,
		Seed:       int64p(1),
		Markets:    []allocation.MarketInput{{ID: "POLY:btc-100k", ModelProbability: 0.6, MarketProbability: 0.5}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("allocation: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg analysis.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != analysis.EventAllocationCompleted || msg.Markets != 1 {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestHandleWS_UnknownEvent(t *testing.T) {
	hub := analysis.NewWSHub()
	_, router := newTestEnv(t, hub)

	w := get(t, router, "/api/v1/ws?events=trade_executed")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestWSHub_ShutdownClosesClients(t *testing.T) {
	hub := analysis.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	_, router := newTestEnv(t, hub)

	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-stopped

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
	if hub.Clients() != 0 {
		t.Errorf("expected no clients after shutdown, got %d", hub.Clients())
	}
}

type archiveCall struct {
	kind, id string
}

type chanArchiver chan archiveCall

func (c chanArchiver) Archive(_ context.Context, kind, id string, _ time.Time, _ any) error {
	c <- archiveCall{kind: kind, id: id}
	return nil
}

func TestRunSimulation_ArchivesRecord(t *testing.T) {
	calls := make(chanArchiver, 1)
	svc := analysis.NewService(store.NewMemoryStore(), nil, nil, analysis.Options{MaxSteps: 100_000, Archiver: calls})
	router := chi.NewRouter()
	router.Post("/api/v1/simulations", svc.RunSimulation)

	w := post(t, router, "/api/v1/simulations", smallSimulation(7))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec model.SimulationRecord
	json.Unmarshal(w.Body.Bytes(), &rec)

	select {
	case call := <-calls:
		if call.kind != "simulations" || call.id != rec.ID {
			t.Errorf("unexpected archive call %+v", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record was not archived")
	}
}
