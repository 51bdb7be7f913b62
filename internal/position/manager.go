package position

import (
	"context"
	"fmt"
	"math"
	"time"

	"funding-autopilot/internal/audit"
	"funding-autopilot/internal/config"
	"funding-autopilot/internal/exec"
	"funding-autopilot/internal/formula"
	"funding-autopilot/internal/market"
	"funding-autopilot/internal/metrics"
	"funding-autopilot/internal/state"

	"go.uber.org/zap"
)

// Totals receives the global bookkeeping a position open/close implies.
// The risk manager implements it.
type Totals interface {
	RecordOpen(ctx context.Context, pos state.HedgePosition) error
	RecordClose(ctx context.Context, realizedEUR, fundingEUR float64) error
}

// Manager owns every state transition of a hedge position. Nothing else
// writes positions.
type Manager struct {
	cfg      *config.Config
	store    state.PositionStore
	reader   market.Reader
	executor *exec.Executor
	totals   Totals
	sink     audit.Sink
	met      *metrics.Metrics
	log      *zap.Logger
}

func New(cfg *config.Config, store state.PositionStore, reader market.Reader, executor *exec.Executor, totals Totals, sink audit.Sink, met *metrics.Metrics, log *zap.Logger) *Manager {
	if sink == nil {
		sink = audit.NewNop()
	}
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		reader:   reader,
		executor: executor,
		totals:   totals,
		sink:     sink,
		met:      met,
		log:      log,
	}
}

// OpenPosition persists a new open hedge from a successful execution. Entry
// prices are snapshotted from the fills and never change again.
func (m *Manager) OpenPosition(ctx context.Context, opp formula.Opportunity, res exec.Result) (state.HedgePosition, error) {
	if !res.Success || res.HedgeID == "" {
		return state.HedgePosition{}, fmt.Errorf("cannot open position from failed execution")
	}
	pos := state.HedgePosition{
		ID:                   res.HedgeID,
		Symbol:               opp.Symbol,
		LongExchange:         opp.LongExchange,
		ShortExchange:        opp.ShortExchange,
		EntryLongPrice:       res.LongFill.Price,
		EntryShortPrice:      res.ShortFill.Price,
		SizeEUR:              opp.NotionalEUR,
		Leverage:             m.cfg.Engine.Leverage,
		RiskTier:             opp.RiskTier,
		FundingSpread8h:      opp.FundingSpread8h,
		Score:                opp.Score,
		EntryTime:            time.Now().UTC(),
		FundingIntervalHours: 8,
		Status:               state.PositionOpen,
	}
	if err := m.store.InsertPosition(ctx, pos); err != nil {
		return state.HedgePosition{}, err
	}
	m.met.HedgesOpened.Inc()
	m.sink.Log(audit.Event{Level: audit.LevelAction, Action: "position_opened", EntityType: "position", EntityID: pos.ID,
		Details: map[string]any{
			"symbol":         pos.Symbol,
			"long_exchange":  pos.LongExchange,
			"short_exchange": pos.ShortExchange,
			"entry_long":     pos.EntryLongPrice,
			"entry_short":    pos.EntryShortPrice,
			"size_eur":       pos.SizeEUR,
			"risk_tier":      pos.RiskTier,
			"score":          pos.Score,
		}})
	if err := m.totals.RecordOpen(ctx, pos); err != nil {
		m.log.Warn("failed to record open in risk state", zap.Error(err))
	}
	return pos, nil
}

// UpdateAllPositions is the mark-to-market step and must run before exit
// evaluation. A leg without a fresh quote keeps its previous stored price;
// once a current price has been observed the entry price is never used
// again.
func (m *Manager) UpdateAllPositions(ctx context.Context) error {
	open, err := m.store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	metricRows, err := m.reader.LatestMetrics(ctx)
	if err != nil {
		return err
	}
	prices := priceIndex(market.FilterFinite(metricRows))
	for _, pos := range open {
		if price, ok := prices[priceKey{pos.LongExchange, pos.Symbol}]; ok {
			pos.CurrentLongPrice = price
			pos.HasCurrentLong = true
		}
		if price, ok := prices[priceKey{pos.ShortExchange, pos.Symbol}]; ok {
			pos.CurrentShortPrice = price
			pos.HasCurrentShort = true
		}
		curLong := pos.EntryLongPrice
		if pos.HasCurrentLong {
			curLong = pos.CurrentLongPrice
		}
		curShort := pos.EntryShortPrice
		if pos.HasCurrentShort {
			curShort = pos.CurrentShortPrice
		}
		pnl := formula.UnrealizedPnL(pos.EntryLongPrice, pos.EntryShortPrice, curLong, curShort, pos.SizeEUR)
		pos.UnrealizedPnlEUR = pnl.EUR
		pos.UnrealizedPnlPct = pnl.CombinedPct
		pos.DriftPct = pnl.DriftPct
		if err := m.store.UpdatePosition(ctx, pos); err != nil {
			return err
		}
	}
	return nil
}

// SimulateFundingCollection accrues funding for every whole interval that
// has elapsed since entry. The whole-intervals arithmetic makes accrual
// idempotent and catch-up safe: a missed cycle accrues correctly later.
func (m *Manager) SimulateFundingCollection(ctx context.Context, now time.Time) error {
	open, err := m.store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		elapsed := elapsedIntervals(pos, now)
		if elapsed <= pos.IntervalsCollected {
			continue
		}
		newIntervals := elapsed - pos.IntervalsCollected
		perInterval := pos.FundingSpread8h * pos.SizeEUR / 2
		pos.FundingCollectedEUR += perInterval * float64(newIntervals)
		pos.IntervalsCollected = elapsed
		if err := m.store.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		m.log.Info("funding accrued",
			zap.String("position_id", pos.ID),
			zap.Int("intervals", newIntervals),
			zap.Float64("amount_eur", perInterval*float64(newIntervals)),
		)
	}
	return nil
}

// CheckExitConditions evaluates exits in priority order; the first matching
// condition wins and its reason is recorded verbatim on the position.
func (m *Manager) CheckExitConditions(ctx context.Context, now time.Time) error {
	open, err := m.store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		reason, ok := m.exitReason(pos, now)
		if !ok {
			continue
		}
		if err := m.ClosePosition(ctx, pos.ID, reason); err != nil {
			m.log.Warn("exit close failed, will retry next cycle",
				zap.String("position_id", pos.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (m *Manager) exitReason(pos state.HedgePosition, now time.Time) (string, bool) {
	holdingHours := now.Sub(pos.EntryTime).Hours()
	// Max holding time overrides the minimum holding period.
	if holdingHours >= m.cfg.Position.MaxHoldingHours {
		return fmt.Sprintf("max holding time %.0fh exceeded", m.cfg.Position.MaxHoldingHours), true
	}
	if elapsedIntervals(pos, now) < m.cfg.Position.MinHoldingIntervals {
		return "", false
	}
	if pos.DriftPct > m.cfg.Position.MaxDriftPct {
		return fmt.Sprintf("drift %.2f%% exceeds limit %.2f%%", pos.DriftPct, m.cfg.Position.MaxDriftPct), true
	}
	totalPct := pos.UnrealizedPnlPct + fundingPct(pos)
	if totalPct < m.cfg.Position.ExitProfitFloorPct {
		return fmt.Sprintf("pnl %.2f%% below floor %.2f%%", totalPct, m.cfg.Position.ExitProfitFloorPct), true
	}
	return "", false
}

// ClosePosition terminates an open hedge: both legs are closed at the
// venue, exit prices are fixed and realized PnL is settled from the
// last-known unrealized figure plus collected funding.
func (m *Manager) ClosePosition(ctx context.Context, id, reason string) error {
	return m.terminate(ctx, id, reason, state.PositionClosed)
}

// StopPosition is ClosePosition for kill-switch and stop-all paths; the
// record is retained with status stopped.
func (m *Manager) StopPosition(ctx context.Context, id, reason string) error {
	return m.terminate(ctx, id, reason, state.PositionStopped)
}

// StopAll force-closes every open position, e.g. on an external stop_all
// command.
func (m *Manager) StopAll(ctx context.Context, reason string) error {
	open, err := m.store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		if err := m.StopPosition(ctx, pos.ID, reason); err != nil {
			m.log.Warn("stop failed, will retry next cycle",
				zap.String("position_id", pos.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (m *Manager) terminate(ctx context.Context, id, reason string, status state.PositionStatus) error {
	pos, ok, err := m.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if pos.Status != state.PositionOpen {
		return fmt.Errorf("position %s is not open", id)
	}
	longFill, shortFill, err := m.executor.CloseHedge(ctx, pos.Symbol, pos.LongExchange, pos.ShortExchange)
	if err != nil {
		return err
	}
	pos.ExitLongPrice = exitPrice(longFill.Price, pos.CurrentLongPrice, pos.HasCurrentLong, pos.EntryLongPrice)
	pos.ExitShortPrice = exitPrice(shortFill.Price, pos.CurrentShortPrice, pos.HasCurrentShort, pos.EntryShortPrice)
	pos.RealizedPnlEUR = pos.UnrealizedPnlEUR + pos.FundingCollectedEUR
	pos.Status = status
	pos.ExitTime = time.Now().UTC()
	pos.ExitReason = reason
	if err := m.store.UpdatePosition(ctx, pos); err != nil {
		return err
	}
	m.met.HedgesClosed.Inc()
	m.sink.Log(audit.Event{Level: audit.LevelAction, Action: "position_closed", EntityType: "position", EntityID: pos.ID,
		Details: map[string]any{
			"symbol":       pos.Symbol,
			"status":       string(status),
			"reason":       reason,
			"realized_eur": pos.RealizedPnlEUR,
			"funding_eur":  pos.FundingCollectedEUR,
		}})
	if err := m.totals.RecordClose(ctx, pos.RealizedPnlEUR, pos.FundingCollectedEUR); err != nil {
		m.log.Warn("failed to record close in risk state", zap.Error(err))
	}
	return nil
}

func exitPrice(fillPrice, currentPrice float64, hasCurrent bool, entryPrice float64) float64 {
	if fillPrice > 0 {
		return fillPrice
	}
	if hasCurrent {
		return currentPrice
	}
	return entryPrice
}

func fundingPct(pos state.HedgePosition) float64 {
	if pos.SizeEUR <= 0 {
		return 0
	}
	return pos.FundingCollectedEUR / pos.SizeEUR * 100
}

func elapsedIntervals(pos state.HedgePosition, now time.Time) int {
	if pos.FundingIntervalHours <= 0 {
		return 0
	}
	hours := now.Sub(pos.EntryTime).Hours()
	if hours <= 0 {
		return 0
	}
	return int(math.Floor(hours / pos.FundingIntervalHours))
}

type priceKey struct {
	exchange string
	symbol   string
}

func priceIndex(rows []market.Metric) map[priceKey]float64 {
	out := make(map[priceKey]float64, len(rows))
	for _, row := range rows {
		out[priceKey{row.Exchange, row.Symbol}] = row.MarkPrice
	}
	return out
}
