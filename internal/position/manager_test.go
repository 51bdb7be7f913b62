package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"funding-autopilot/internal/config"
	"funding-autopilot/internal/exec"
	"funding-autopilot/internal/formula"
	"funding-autopilot/internal/market"
	"funding-autopilot/internal/state"

	"go.uber.org/zap"
)

type memStore struct {
	mu        sync.Mutex
	positions map[string]state.HedgePosition
}

func newMemStore() *memStore {
	return &memStore{positions: map[string]state.HedgePosition{}}
}

func (s *memStore) InsertPosition(ctx context.Context, pos state.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *memStore) UpdatePosition(ctx context.Context, pos state.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; !ok {
		return fmt.Errorf("position %s not found", pos.ID)
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *memStore) GetPosition(ctx context.Context, id string) (state.HedgePosition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	return pos, ok, nil
}

func (s *memStore) OpenPositions(ctx context.Context) ([]state.HedgePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.HedgePosition
	for _, pos := range s.positions {
		if pos.Status == state.PositionOpen {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memReader struct {
	rows []market.Metric
	err  error
}

func (r *memReader) LatestMetrics(ctx context.Context) ([]market.Metric, error) {
	return append([]market.Metric(nil), r.rows...), r.err
}

type memTotals struct {
	opens    int
	realized float64
	funding  float64
}

func (t *memTotals) RecordOpen(ctx context.Context, pos state.HedgePosition) error {
	t.opens++
	return nil
}

func (t *memTotals) RecordClose(ctx context.Context, realizedEUR, fundingEUR float64) error {
	t.realized += realizedEUR
	t.funding += fundingEUR
	return nil
}

type closePort struct {
	mu        sync.Mutex
	prices    map[string]float64
	failClose bool
	closes    int
}

func (p *closePort) SubmitOrder(ctx context.Context, exchange, symbol string, side exec.Side, notionalEUR float64) (exec.Fill, error) {
	price := p.prices[exchange]
	if price == 0 {
		price = 100
	}
	return exec.Fill{Exchange: exchange, Symbol: symbol, Side: side, Price: price, NotionalEUR: notionalEUR, FilledAt: time.Now().UTC()}, nil
}

func (p *closePort) ClosePosition(ctx context.Context, exchange, symbol string) (exec.Fill, error) {
	p.mu.Lock()
	p.closes++
	fail := p.failClose
	p.mu.Unlock()
	if fail {
		return exec.Fill{}, errors.New("close rejected")
	}
	price := p.prices[exchange]
	if price == 0 {
		price = 100
	}
	return exec.Fill{Exchange: exchange, Symbol: symbol, Price: price, FilledAt: time.Now().UTC()}, nil
}

func positionConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{Leverage: 3},
		Position: config.PositionConfig{
			MaxHoldingHours:     72,
			MinHoldingIntervals: 1,
			MaxDriftPct:         2,
			ExitProfitFloorPct:  -1,
		},
		Execution: config.ExecutionConfig{
			LegTimeout:           time.Second,
			NotionalTolerancePct: 1,
		},
		Exchanges: map[string]config.ExchangeConfig{
			"exchange_a": {Purpose: config.PurposeBoth},
			"exchange_b": {Purpose: config.PurposeBoth},
		},
	}
}

func newTestManager(t *testing.T, store *memStore, reader *memReader, port *closePort) (*Manager, *memTotals) {
	t.Helper()
	cfg := positionConfig()
	totals := &memTotals{}
	executor := exec.New(port, cfg, nil, nil, zap.NewNop())
	return New(cfg, store, reader, executor, totals, nil, nil, zap.NewNop()), totals
}

func seedPosition(t *testing.T, store *memStore, pos state.HedgePosition) {
	t.Helper()
	if pos.Status == "" {
		pos.Status = state.PositionOpen
	}
	if err := store.InsertPosition(context.Background(), pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func basePosition(id string, entry time.Time) state.HedgePosition {
	return state.HedgePosition{
		ID:                   id,
		Symbol:               "BTC",
		LongExchange:         "exchange_a",
		ShortExchange:        "exchange_b",
		EntryLongPrice:       100,
		EntryShortPrice:      100,
		SizeEUR:              1000,
		RiskTier:             "safe",
		FundingSpread8h:      0.001,
		EntryTime:            entry,
		FundingIntervalHours: 8,
		Status:               state.PositionOpen,
	}
}

func TestOpenPositionFromExecution(t *testing.T) {
	store := newMemStore()
	m, totals := newTestManager(t, store, &memReader{}, &closePort{})

	opp := formula.Opportunity{
		Symbol:          "BTC",
		LongExchange:    "exchange_a",
		ShortExchange:   "exchange_b",
		FundingSpread8h: 0.001,
		Score:           60,
		RiskTier:        "safe",
		NotionalEUR:     1000,
		Valid:           true,
	}
	res := exec.Result{
		Success:   true,
		HedgeID:   "hedge-1",
		LongFill:  exec.Fill{Exchange: "exchange_a", Price: 100.03},
		ShortFill: exec.Fill{Exchange: "exchange_b", Price: 99.97},
	}
	pos, err := m.OpenPosition(context.Background(), opp, res)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if pos.ID != "hedge-1" || pos.Status != state.PositionOpen {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if pos.EntryLongPrice != 100.03 || pos.EntryShortPrice != 99.97 {
		t.Fatalf("entry prices must come from fills: %+v", pos)
	}
	stored, ok, _ := store.GetPosition(context.Background(), "hedge-1")
	if !ok || stored.SizeEUR != 1000 {
		t.Fatalf("position not persisted: %+v", stored)
	}
	if totals.opens != 1 {
		t.Fatalf("RecordOpen called %d times, want 1", totals.opens)
	}

	if _, err := m.OpenPosition(context.Background(), opp, exec.Result{}); err == nil {
		t.Fatalf("failed execution must not open a position")
	}
}

func TestFundingAccrualIdempotent(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()
	seedPosition(t, store, basePosition("p1", now.Add(-9*time.Hour)))

	if err := m.SimulateFundingCollection(context.Background(), now); err != nil {
		t.Fatalf("SimulateFundingCollection: %v", err)
	}
	pos, _, _ := store.GetPosition(context.Background(), "p1")
	// One interval at 0.001 spread on the 500 EUR leg.
	if math.Abs(pos.FundingCollectedEUR-0.5) > 1e-9 {
		t.Fatalf("funding = %v, want 0.5", pos.FundingCollectedEUR)
	}
	if pos.IntervalsCollected != 1 {
		t.Fatalf("intervals = %d, want 1", pos.IntervalsCollected)
	}

	// Immediate repeat with no elapsed interval accrues nothing.
	if err := m.SimulateFundingCollection(context.Background(), now); err != nil {
		t.Fatalf("SimulateFundingCollection: %v", err)
	}
	pos, _, _ = store.GetPosition(context.Background(), "p1")
	if math.Abs(pos.FundingCollectedEUR-0.5) > 1e-9 {
		t.Fatalf("repeat accrual changed funding to %v", pos.FundingCollectedEUR)
	}
}

func TestFundingAccrualCatchesUp(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()
	seedPosition(t, store, basePosition("p1", now.Add(-25*time.Hour)))

	if err := m.SimulateFundingCollection(context.Background(), now); err != nil {
		t.Fatalf("SimulateFundingCollection: %v", err)
	}
	pos, _, _ := store.GetPosition(context.Background(), "p1")
	if pos.IntervalsCollected != 3 {
		t.Fatalf("25h elapsed should accrue 3 intervals, got %d", pos.IntervalsCollected)
	}
	if math.Abs(pos.FundingCollectedEUR-1.5) > 1e-9 {
		t.Fatalf("funding = %v, want 1.5", pos.FundingCollectedEUR)
	}
}

func TestUpdateAllPositionsMarksAndFallsBack(t *testing.T) {
	store := newMemStore()
	reader := &memReader{rows: []market.Metric{
		{Symbol: "BTC", Exchange: "exchange_a", FundingRate: 0.0001, IntervalHours: 8, MarkPrice: 102, ObservedAt: time.Now().UTC()},
	}}
	m, _ := newTestManager(t, store, reader, &closePort{})
	seedPosition(t, store, basePosition("p1", time.Now().UTC().Add(-time.Hour)))

	if err := m.UpdateAllPositions(context.Background()); err != nil {
		t.Fatalf("UpdateAllPositions: %v", err)
	}
	pos, _, _ := store.GetPosition(context.Background(), "p1")
	if !pos.HasCurrentLong || pos.CurrentLongPrice != 102 {
		t.Fatalf("long mark not observed: %+v", pos)
	}
	if pos.HasCurrentShort {
		t.Fatalf("short mark must stay unobserved without a quote")
	}
	// Long +2%, short leg falls back to entry (0%), combined 1%, drift 2%.
	if math.Abs(pos.UnrealizedPnlPct-1) > 1e-9 || math.Abs(pos.DriftPct-2) > 1e-9 {
		t.Fatalf("pnl %.4f drift %.4f, want 1 and 2", pos.UnrealizedPnlPct, pos.DriftPct)
	}

	// Quotes disappear: previous observed price is kept, never the entry.
	reader.rows = nil
	if err := m.UpdateAllPositions(context.Background()); err != nil {
		t.Fatalf("UpdateAllPositions: %v", err)
	}
	pos, _, _ = store.GetPosition(context.Background(), "p1")
	if !pos.HasCurrentLong || pos.CurrentLongPrice != 102 {
		t.Fatalf("observed price lost on empty snapshot: %+v", pos)
	}
	if math.Abs(pos.UnrealizedPnlPct-1) > 1e-9 {
		t.Fatalf("pnl must be computed from the retained price, got %.4f", pos.UnrealizedPnlPct)
	}
}

func TestExitMaxHoldingOverridesMinHolding(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()

	pos := basePosition("p1", now.Add(-100*time.Hour))
	seedPosition(t, store, pos)
	if err := m.CheckExitConditions(context.Background(), now); err != nil {
		t.Fatalf("CheckExitConditions: %v", err)
	}
	got, _, _ := store.GetPosition(context.Background(), "p1")
	if got.Status != state.PositionClosed {
		t.Fatalf("expected close after max holding time, got %s", got.Status)
	}
	if !strings.Contains(got.ExitReason, "max holding") {
		t.Fatalf("unexpected exit reason %q", got.ExitReason)
	}
}

func TestExitMinHoldingGatesOtherChecks(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()

	pos := basePosition("p1", now.Add(-time.Hour))
	pos.DriftPct = 50
	pos.UnrealizedPnlPct = -20
	seedPosition(t, store, pos)
	if err := m.CheckExitConditions(context.Background(), now); err != nil {
		t.Fatalf("CheckExitConditions: %v", err)
	}
	got, _, _ := store.GetPosition(context.Background(), "p1")
	if got.Status != state.PositionOpen {
		t.Fatalf("below min holding period nothing may close, got %s", got.Status)
	}
}

func TestExitDriftBeatsProfitFloor(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()

	pos := basePosition("p1", now.Add(-9*time.Hour))
	pos.DriftPct = 5
	pos.UnrealizedPnlPct = -20
	seedPosition(t, store, pos)
	if err := m.CheckExitConditions(context.Background(), now); err != nil {
		t.Fatalf("CheckExitConditions: %v", err)
	}
	got, _, _ := store.GetPosition(context.Background(), "p1")
	if got.Status != state.PositionClosed {
		t.Fatalf("expected drift close, got %s", got.Status)
	}
	if !strings.Contains(got.ExitReason, "drift") {
		t.Fatalf("drift has priority over profit floor, reason %q", got.ExitReason)
	}
}

func TestExitProfitFloor(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()

	pos := basePosition("p1", now.Add(-9*time.Hour))
	pos.UnrealizedPnlPct = -2
	seedPosition(t, store, pos)
	if err := m.CheckExitConditions(context.Background(), now); err != nil {
		t.Fatalf("CheckExitConditions: %v", err)
	}
	got, _, _ := store.GetPosition(context.Background(), "p1")
	if got.Status != state.PositionClosed {
		t.Fatalf("expected profit-floor close, got %s", got.Status)
	}
	if !strings.Contains(got.ExitReason, "floor") {
		t.Fatalf("unexpected exit reason %q", got.ExitReason)
	}
}

func TestCloseRoundTripRealizedEqualsFunding(t *testing.T) {
	store := newMemStore()
	m, totals := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()

	pos := basePosition("p1", now.Add(-25*time.Hour))
	pos.FundingCollectedEUR = 1.5
	pos.IntervalsCollected = 3
	seedPosition(t, store, pos)

	if err := m.ClosePosition(context.Background(), "p1", "manual close"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	got, _, _ := store.GetPosition(context.Background(), "p1")
	if got.Status != state.PositionClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}
	// No price movement: realized PnL reduces to the funding collected.
	if math.Abs(got.RealizedPnlEUR-got.FundingCollectedEUR) > 1e-9 {
		t.Fatalf("realized %v != funding %v", got.RealizedPnlEUR, got.FundingCollectedEUR)
	}
	if got.ExitReason != "manual close" {
		t.Fatalf("exit reason %q", got.ExitReason)
	}
	if got.ExitTime.IsZero() || got.ExitLongPrice == 0 || got.ExitShortPrice == 0 {
		t.Fatalf("exit fields not fixed: %+v", got)
	}
	if math.Abs(totals.realized-1.5) > 1e-9 || math.Abs(totals.funding-1.5) > 1e-9 {
		t.Fatalf("totals = %v/%v, want 1.5/1.5", totals.realized, totals.funding)
	}

	if err := m.ClosePosition(context.Background(), "p1", "again"); err == nil {
		t.Fatalf("closing a closed position must fail")
	}
}

func TestCloseFailureKeepsPositionOpen(t *testing.T) {
	store := newMemStore()
	port := &closePort{failClose: true}
	m, _ := newTestManager(t, store, &memReader{}, port)
	seedPosition(t, store, basePosition("p1", time.Now().UTC().Add(-9*time.Hour)))

	if err := m.ClosePosition(context.Background(), "p1", "manual"); err == nil {
		t.Fatalf("expected error when venue close fails")
	}
	got, _, _ := store.GetPosition(context.Background(), "p1")
	if got.Status != state.PositionOpen {
		t.Fatalf("position must stay open for retry, got %s", got.Status)
	}
}

func TestStopAllMarksPositionsStopped(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, &memReader{}, &closePort{})
	now := time.Now().UTC()
	seedPosition(t, store, basePosition("p1", now.Add(-time.Hour)))
	pos2 := basePosition("p2", now.Add(-time.Hour))
	pos2.Symbol = "ETH"
	seedPosition(t, store, pos2)

	if err := m.StopAll(context.Background(), "stop_all command"); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		got, _, _ := store.GetPosition(context.Background(), id)
		if got.Status != state.PositionStopped {
			t.Fatalf("%s: expected stopped, got %s", id, got.Status)
		}
		if got.ExitReason != "stop_all command" {
			t.Fatalf("%s: reason %q", id, got.ExitReason)
		}
	}
	open, _ := store.OpenPositions(context.Background())
	if len(open) != 0 {
		t.Fatalf("no positions may remain open, got %d", len(open))
	}
}
