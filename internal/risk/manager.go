package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-autopilot/internal/audit"
	"funding-autopilot/internal/config"
	"funding-autopilot/internal/formula"
	"funding-autopilot/internal/metrics"
	"funding-autopilot/internal/state"

	"go.uber.org/zap"
)

// Manager owns the global risk state. It is the only writer; every other
// component reads snapshots. The kill switch is sticky: easy to trip,
// cleared only by an explicit external reset.
type Manager struct {
	cfg   *config.Config
	store state.RiskStore
	sink  audit.Sink
	log   *zap.Logger
	met   *metrics.Metrics

	mu sync.RWMutex
	rs state.RiskState
}

func New(cfg *config.Config, store state.RiskStore, sink audit.Sink, met *metrics.Metrics, log *zap.Logger) *Manager {
	if sink == nil {
		sink = audit.NewNop()
	}
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		sink:  sink,
		log:   log,
		met:   met,
		rs: state.RiskState{
			Running:      true,
			DryRun:       cfg.Execution.DryRun == nil || *cfg.Execution.DryRun,
			Level:        state.LevelNormal,
			BucketCounts: map[string]int{},
		},
	}
}

// Restore reloads persisted risk state so a restart resumes where the
// previous process stopped, kill switch included.
func (m *Manager) Restore(ctx context.Context) error {
	rs, ok, err := m.store.LoadRiskState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return m.persist(ctx)
	}
	if rs.BucketCounts == nil {
		rs.BucketCounts = map[string]int{}
	}
	m.mu.Lock()
	m.rs = rs
	m.mu.Unlock()
	return nil
}

// Snapshot returns a consistent copy of the whole risk record; readers never
// observe a torn state.
func (m *Manager) Snapshot() state.RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyState(m.rs)
}

func copyState(rs state.RiskState) state.RiskState {
	out := rs
	out.BucketCounts = make(map[string]int, len(rs.BucketCounts))
	for k, v := range rs.BucketCounts {
		out.BucketCounts[k] = v
	}
	return out
}

func (m *Manager) SetRunning(ctx context.Context, running bool) error {
	m.mu.Lock()
	m.rs.Running = running
	m.mu.Unlock()
	m.sink.Log(audit.Event{Level: audit.LevelAction, Action: "set_running", EntityType: "risk_state", EntityID: "global",
		Details: map[string]any{"running": running}})
	return m.persist(ctx)
}

func (m *Manager) SetDryRun(ctx context.Context, dryRun bool) error {
	m.mu.Lock()
	m.rs.DryRun = dryRun
	m.mu.Unlock()
	m.sink.Log(audit.Event{Level: audit.LevelAction, Action: "set_mode", EntityType: "risk_state", EntityID: "global",
		Details: map[string]any{"dry_run": dryRun}})
	return m.persist(ctx)
}

// TriggerKillSwitch trips the sticky stop. Repeat triggers are no-ops so a
// breach that persists across cycles fires exactly once.
func (m *Manager) TriggerKillSwitch(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.rs.KillSwitchActive {
		m.mu.Unlock()
		return nil
	}
	m.rs.KillSwitchActive = true
	m.rs.KillSwitchReason = reason
	m.rs.Level = state.LevelStopped
	m.mu.Unlock()
	m.met.KillSwitchEngaged.Inc()
	m.log.Error("kill switch engaged", zap.String("reason", reason))
	m.sink.Log(audit.Event{Level: audit.LevelError, Action: "kill_switch_engaged", EntityType: "risk_state", EntityID: "global",
		Details: map[string]any{"reason": reason}})
	return m.persist(ctx)
}

// ResetKillSwitch is the only way the kill switch clears; the system never
// self-heals past a capital-loss event.
func (m *Manager) ResetKillSwitch(ctx context.Context) error {
	m.mu.Lock()
	m.rs.KillSwitchActive = false
	m.rs.KillSwitchReason = ""
	m.rs.Level = state.LevelNormal
	m.mu.Unlock()
	m.sink.Log(audit.Event{Level: audit.LevelAction, Action: "kill_switch_reset", EntityType: "risk_state", EntityID: "global"})
	return m.persist(ctx)
}

// UpdateDailyStats sums unrealized PnL across open positions, refreshes the
// risk level ladder and trips the kill switch on a hard drawdown breach.
func (m *Manager) UpdateDailyStats(ctx context.Context, open []state.HedgePosition) error {
	var unrealized float64
	buckets := map[string]int{}
	for _, pos := range open {
		unrealized += pos.UnrealizedPnlEUR
		buckets[pos.RiskTier]++
	}
	drawdown := 0.0
	if unrealized < 0 {
		drawdown = -unrealized
	}

	m.mu.Lock()
	m.rs.DailyDrawdownEUR = drawdown
	m.rs.BucketCounts = buckets
	if !m.rs.KillSwitchActive {
		switch {
		case drawdown >= m.cfg.Risk.MaxDailyDrawdownEUR:
			m.rs.Level = state.LevelStopped
		case drawdown >= m.cfg.Risk.CautionDrawdownEUR:
			m.rs.Level = state.LevelCautious
		default:
			m.rs.Level = state.LevelNormal
		}
	}
	m.mu.Unlock()

	if drawdown > m.cfg.Risk.MaxDailyDrawdownEUR {
		reason := fmt.Sprintf("Unrealized loss €%.2f exceeds max €%g", drawdown, m.cfg.Risk.MaxDailyDrawdownEUR)
		return m.TriggerKillSwitch(ctx, reason)
	}
	return m.persist(ctx)
}

// FilterWithinBudget admits at most one opportunity per cycle, in score
// order, after every capital and bucket constraint. Rejections are normal
// negative results, not errors.
func (m *Manager) FilterWithinBudget(opps []formula.Opportunity, open []state.HedgePosition) []formula.Opportunity {
	snap := m.Snapshot()
	if snap.KillSwitchActive || !snap.Running || snap.Level == state.LevelStopped {
		return nil
	}
	if len(open) >= m.cfg.Risk.MaxOpenPositions {
		return nil
	}

	deployed := 0.0
	heldSymbols := map[string]bool{}
	buckets := map[string]int{}
	for _, pos := range open {
		deployed += pos.SizeEUR
		heldSymbols[pos.Symbol] = true
		buckets[pos.RiskTier]++
	}

	for _, opp := range opps {
		if heldSymbols[opp.Symbol] {
			continue
		}
		tier := m.cfg.Tiers.TierFor(opp.RiskTier)
		if opp.RiskTier == formula.TierHigh && tier.MaxPositions == 0 {
			continue
		}
		if buckets[opp.RiskTier] >= tier.MaxPositions {
			continue
		}
		if deployed+opp.NotionalEUR > m.cfg.Risk.MaxDeployedEUR {
			continue
		}
		// Forward-looking stress check: assume the stressed exposure loses
		// stress_multiplier percent of notional and reject anything that
		// would push the day past the hard drawdown limit.
		stressLoss := (deployed + opp.NotionalEUR) * m.cfg.Risk.StressMultiplier / 100
		if snap.DailyDrawdownEUR+stressLoss > m.cfg.Risk.MaxDailyDrawdownEUR {
			continue
		}
		return []formula.Opportunity{opp}
	}
	return nil
}

// RecordOpen stamps the last-trade marker after a successful execution.
func (m *Manager) RecordOpen(ctx context.Context, pos state.HedgePosition) error {
	m.mu.Lock()
	m.rs.LastTradeAt = pos.EntryTime
	m.rs.BucketCounts[pos.RiskTier]++
	m.mu.Unlock()
	return m.persist(ctx)
}

// RecordClose folds a closed position into the global realized totals. The
// store increment is a single atomic update; the in-memory copy follows it.
func (m *Manager) RecordClose(ctx context.Context, realizedEUR, fundingEUR float64) error {
	if err := m.store.AddRealized(ctx, realizedEUR, fundingEUR); err != nil {
		return err
	}
	m.mu.Lock()
	m.rs.TotalRealizedPnlEUR += realizedEUR
	m.rs.TotalFundingEUR += fundingEUR
	m.mu.Unlock()
	return nil
}

func (m *Manager) MarkScan(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	m.rs.LastScanAt = at
	m.mu.Unlock()
	return m.persist(ctx)
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	m.rs.UpdatedAt = time.Now().UTC()
	snapshot := copyState(m.rs)
	m.mu.Unlock()
	return m.store.SaveRiskState(ctx, snapshot)
}
