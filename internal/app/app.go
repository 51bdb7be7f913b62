package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"funding-autopilot/internal/alerts"
	"funding-autopilot/internal/audit"
	"funding-autopilot/internal/config"
	"funding-autopilot/internal/exec"
	"funding-autopilot/internal/formula"
	"funding-autopilot/internal/metrics"
	"funding-autopilot/internal/notify"
	"funding-autopilot/internal/opportunity"
	"funding-autopilot/internal/position"
	"funding-autopilot/internal/risk"
	"funding-autopilot/internal/state"
	"funding-autopilot/internal/state/sqlite"

	"go.uber.org/zap"
)

type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       *sqlite.Store
	auditWriter *audit.Writer
	sink        audit.Sink
	prom        *metrics.Prometheus
	met         *metrics.Metrics
	hub         *notify.Hub
	alerts      *alerts.Telegram
	engine      *opportunity.Engine
	risk        *risk.Manager
	executor    *exec.Executor
	positions   *position.Manager
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	auditWriter, err := audit.NewWriter(cfg.Audit, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	sinks := []audit.Sink{audit.NewZap(log)}
	if auditWriter != nil {
		sinks = append(sinks, auditWriter)
	}
	sink := audit.NewFanout(sinks...)

	prom := metrics.NewPrometheus()
	met := prom.Metrics
	riskMgr := risk.New(cfg, store, sink, met, log)
	engine := opportunity.New(store, cfg, log)
	port := exec.NewDryRunPort(&storePrices{store: store}, cfg.Execution.DryRunSlippageBps)
	executor := exec.New(port, cfg, sink, met, log)
	positions := position.New(cfg, store, store, executor, riskMgr, sink, met, log)
	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		auditWriter: auditWriter,
		sink:        sink,
		prom:        prom,
		met:         met,
		hub:         notify.NewHub(log),
		alerts:      alerts.NewTelegram(cfg.Telegram, log),
		engine:      engine,
		risk:        riskMgr,
		executor:    executor,
		positions:   positions,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.auditWriter.Close()
	a.auditWriter.Start(ctx)

	if err := a.risk.Restore(ctx); err != nil {
		return fmt.Errorf("restore risk state: %w", err)
	}
	open, err := a.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	snap := a.risk.Snapshot()
	a.log.Info("state restored",
		zap.Int("open_positions", len(open)),
		zap.Bool("kill_switch", snap.KillSwitchActive),
		zap.String("risk_level", string(snap.Level)),
		zap.Bool("dry_run", snap.DryRun),
	)

	if a.cfg.Metrics.ListenAddr != "" {
		go a.serveHTTP(ctx)
	}
	a.startOperator(ctx)

	ticker := time.NewTicker(a.cfg.Engine.CycleInterval)
	defer ticker.Stop()
	a.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.cycle(ctx)
			// A tick that fired while the cycle ran is dropped, not queued.
			select {
			case <-ticker.C:
				a.met.CyclesSkipped.Inc()
			default:
			}
		}
	}
}

// cycle is the single-threaded heartbeat: commands first, then position
// upkeep, then risk refresh, then scan and at most one new hedge. Any
// infrastructure failure aborts the cycle; the next tick retries from
// persisted state.
func (a *App) cycle(ctx context.Context) {
	start := time.Now().UTC()
	a.applyPendingCommands(ctx)

	before := a.risk.Snapshot()
	if !before.Running {
		a.met.CyclesSkipped.Inc()
		a.broadcast(before, nil, 0, "", start)
		return
	}

	if err := a.positions.UpdateAllPositions(ctx); err != nil {
		a.abortCycle("mark-to-market failed", err)
		return
	}
	if err := a.positions.SimulateFundingCollection(ctx, start); err != nil {
		a.abortCycle("funding accrual failed", err)
		return
	}
	if err := a.positions.CheckExitConditions(ctx, start); err != nil {
		a.abortCycle("exit evaluation failed", err)
		return
	}

	open, err := a.store.OpenPositions(ctx)
	if err != nil {
		a.abortCycle("open position load failed", err)
		return
	}
	if err := a.risk.UpdateDailyStats(ctx, open); err != nil {
		a.abortCycle("risk refresh failed", err)
		return
	}
	after := a.risk.Snapshot()
	if after.KillSwitchActive && !before.KillSwitchActive {
		a.sendAlert(ctx, fmt.Sprintf("KILL SWITCH: %s. Trading stopped until /resetkill.", after.KillSwitchReason))
	}

	opps, err := a.engine.ScanAndRank(ctx)
	if err != nil {
		a.abortCycle("opportunity scan failed", err)
		return
	}
	if age, ok := a.engine.NewestMetricAge(start); !ok || age > a.cfg.Engine.MaxMetricAge {
		a.log.Warn("market data stale, skipping admission", zap.Duration("age", age))
		a.sink.Log(audit.Event{Level: audit.LevelWarn, Action: "stale_data_gate", EntityType: "cycle", EntityID: start.Format(time.RFC3339),
			Details: map[string]any{"age": age.String(), "max_age": a.cfg.Engine.MaxMetricAge.String()}})
		opps = nil
	}

	admittedSymbol := ""
	for _, opp := range a.risk.FilterWithinBudget(opps, open) {
		admittedSymbol = opp.Symbol
		a.openHedge(ctx, opp)
	}

	if err := a.risk.MarkScan(ctx, start); err != nil {
		a.log.Warn("failed to persist scan marker", zap.Error(err))
	}
	a.met.CyclesRun.Inc()
	a.log.Info("cycle complete",
		zap.Int("open_positions", len(open)),
		zap.Int("opportunities", len(opps)),
		zap.String("admitted", admittedSymbol),
		zap.Duration("took", time.Since(start)),
	)
	a.broadcast(a.risk.Snapshot(), open, len(opps), admittedSymbol, start)
}

func (a *App) openHedge(ctx context.Context, opp formula.Opportunity) {
	res := a.executor.ExecuteHedge(ctx, opp, opp.NotionalEUR/2)
	if !res.Success {
		return
	}
	pos, err := a.positions.OpenPosition(ctx, opp, res)
	if err != nil {
		a.log.Error("hedge filled but position insert failed", zap.String("hedge_id", res.HedgeID), zap.Error(err))
		return
	}
	a.sendAlert(ctx, fmt.Sprintf("Opened %s hedge: long %s / short %s, €%.0f, net %.1fbps (score %d)",
		pos.Symbol, pos.LongExchange, pos.ShortExchange, pos.SizeEUR, opp.NetProfitBps, pos.Score))
}

func (a *App) applyPendingCommands(ctx context.Context) {
	cmds, err := a.store.DrainCommands(ctx)
	if err != nil {
		a.log.Warn("failed to drain commands", zap.Error(err))
		return
	}
	for _, cmd := range cmds {
		if err := a.applyCommand(ctx, cmd); err != nil {
			a.log.Warn("command failed",
				zap.String("type", string(cmd.Type)),
				zap.Error(err),
			)
		}
	}
}

func (a *App) applyCommand(ctx context.Context, cmd state.Command) error {
	switch cmd.Type {
	case state.CommandSetMode:
		return a.risk.SetDryRun(ctx, cmd.Mode != "live")
	case state.CommandSetRunning:
		return a.risk.SetRunning(ctx, cmd.Running)
	case state.CommandResetKill:
		return a.risk.ResetKillSwitch(ctx)
	case state.CommandStopAll:
		reason := cmd.Reason
		if reason == "" {
			reason = "stop_all command"
		}
		if err := a.positions.StopAll(ctx, reason); err != nil {
			return err
		}
		return a.risk.SetRunning(ctx, false)
	case state.CommandClosePosition:
		reason := cmd.Reason
		if reason == "" {
			reason = "manual close"
		}
		return a.positions.ClosePosition(ctx, cmd.PositionID, reason)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (a *App) abortCycle(msg string, err error) {
	a.met.CyclesSkipped.Inc()
	a.log.Warn(msg, zap.Error(err))
}

func (a *App) broadcast(snap state.RiskState, open []state.HedgePosition, opportunities int, admittedSymbol string, start time.Time) {
	unrealized := 0.0
	for _, pos := range open {
		unrealized += pos.UnrealizedPnlEUR
	}
	a.hub.Broadcast(notify.CycleSummary{
		CycleAt:         start,
		DryRun:          snap.DryRun,
		RiskLevel:       string(snap.Level),
		KillSwitch:      snap.KillSwitchActive,
		OpenPositions:   len(open),
		Opportunities:   opportunities,
		AdmittedSymbol:  admittedSymbol,
		UnrealizedEUR:   unrealized,
		RealizedEUR:     snap.TotalRealizedPnlEUR,
		FundingEUR:      snap.TotalFundingEUR,
		DrawdownEUR:     snap.DailyDrawdownEUR,
		CycleDurationMS: time.Since(start).Milliseconds(),
	})
}

func (a *App) sendAlert(ctx context.Context, message string) {
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := a.risk.Snapshot()
		w.Header().Set("Content-Type", "text/plain")
		if snap.KillSwitchActive {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "kill switch active: %s\n", snap.KillSwitchReason)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("http listener started", zap.String("addr", a.cfg.Metrics.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error("http listener failed", zap.Error(err))
	}
}

// storePrices resolves dry-run fill prices from the latest stored metrics.
type storePrices struct {
	store *sqlite.Store
}

func (p *storePrices) MarkPrice(ctx context.Context, exchange, symbol string) (float64, bool) {
	rows, err := p.store.LatestMetrics(ctx)
	if err != nil {
		return 0, false
	}
	for _, row := range rows {
		if row.Exchange == exchange && row.Symbol == symbol && row.MarkPrice > 0 {
			return row.MarkPrice, true
		}
	}
	return 0, false
}
