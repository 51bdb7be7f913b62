package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"funding-autopilot/internal/audit"
	"funding-autopilot/internal/config"
	"funding-autopilot/internal/formula"
	"funding-autopilot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

type Fill struct {
	Exchange    string
	Symbol      string
	Side        Side
	Price       float64
	NotionalEUR float64
	FilledAt    time.Time
}

// Port is the venue boundary. Real exchange adapters live behind it and are
// out of scope here; the dry-run port stands in for them.
type Port interface {
	SubmitOrder(ctx context.Context, exchange, symbol string, side Side, notionalEUR float64) (Fill, error)
	ClosePosition(ctx context.Context, exchange, symbol string) (Fill, error)
}

type Result struct {
	Success   bool
	HedgeID   string
	LongFill  Fill
	ShortFill Fill
	Err       error
}

var (
	ErrPairingIllegal   = errors.New("exchange pairing not allowed")
	ErrNotionalMismatch = errors.New("leg notionals outside tolerance")
)

// Executor is the only component that originates a two-leg transaction.
// Either both legs fill and match, or everything is rolled back; a naked
// single-leg exposure is never left behind.
type Executor struct {
	port         Port
	cfg          *config.Config
	sink         audit.Sink
	met          *metrics.Metrics
	log          *zap.Logger
	legTimeout   time.Duration
	tolerancePct float64
}

func New(port Port, cfg *config.Config, sink audit.Sink, met *metrics.Metrics, log *zap.Logger) *Executor {
	if sink == nil {
		sink = audit.NewNop()
	}
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Executor{
		port:         port,
		cfg:          cfg,
		sink:         sink,
		met:          met,
		log:          log,
		legTimeout:   cfg.Execution.LegTimeout,
		tolerancePct: cfg.Execution.NotionalTolerancePct,
	}
}

type legResult struct {
	fill Fill
	err  error
}

// ExecuteHedge submits both legs concurrently, verifies the fills match
// within tolerance and returns a hedge id only on full success. Any failure
// degrades to "no position opened this cycle".
func (e *Executor) ExecuteHedge(ctx context.Context, opp formula.Opportunity, legSizeEUR float64) Result {
	if err := e.validatePairing(opp.LongExchange, opp.ShortExchange); err != nil {
		return e.fail(opp, err)
	}
	if legSizeEUR <= 0 {
		return e.fail(opp, errors.New("leg size must be > 0"))
	}

	longCh := make(chan legResult, 1)
	shortCh := make(chan legResult, 1)
	go func() { longCh <- e.submitLeg(ctx, opp.LongExchange, opp.Symbol, SideLong, legSizeEUR) }()
	go func() { shortCh <- e.submitLeg(ctx, opp.ShortExchange, opp.Symbol, SideShort, legSizeEUR) }()
	long := <-longCh
	short := <-shortCh

	switch {
	case long.err != nil && short.err != nil:
		return e.fail(opp, fmt.Errorf("both legs failed: long: %v; short: %v", long.err, short.err))
	case long.err != nil:
		e.rollback(ctx, short.fill)
		return e.fail(opp, fmt.Errorf("long leg failed, short rolled back: %w", long.err))
	case short.err != nil:
		e.rollback(ctx, long.fill)
		return e.fail(opp, fmt.Errorf("short leg failed, long rolled back: %w", short.err))
	}

	if diff := notionalDiffPct(long.fill, short.fill, legSizeEUR); diff > e.tolerancePct {
		e.rollback(ctx, long.fill)
		e.rollback(ctx, short.fill)
		return e.fail(opp, fmt.Errorf("%w: %.2f%% > %.2f%%", ErrNotionalMismatch, diff, e.tolerancePct))
	}

	hedgeID := uuid.NewString()
	e.sink.Log(audit.Event{Level: audit.LevelAction, Action: "hedge_executed", EntityType: "hedge", EntityID: hedgeID,
		Details: map[string]any{
			"symbol":         opp.Symbol,
			"long_exchange":  opp.LongExchange,
			"short_exchange": opp.ShortExchange,
			"long_price":     long.fill.Price,
			"short_price":    short.fill.Price,
			"leg_size_eur":   legSizeEUR,
		}})
	return Result{Success: true, HedgeID: hedgeID, LongFill: long.fill, ShortFill: short.fill}
}

// CloseHedge closes both legs of an open hedge concurrently. A failed close
// is reported to the caller; the position stays open and is retried on the
// next cycle.
func (e *Executor) CloseHedge(ctx context.Context, symbol, longExchange, shortExchange string) (Fill, Fill, error) {
	longCh := make(chan legResult, 1)
	shortCh := make(chan legResult, 1)
	go func() { longCh <- e.closeLeg(ctx, longExchange, symbol) }()
	go func() { shortCh <- e.closeLeg(ctx, shortExchange, symbol) }()
	long := <-longCh
	short := <-shortCh
	if long.err != nil {
		return Fill{}, Fill{}, fmt.Errorf("close long leg on %s: %w", longExchange, long.err)
	}
	if short.err != nil {
		return Fill{}, Fill{}, fmt.Errorf("close short leg on %s: %w", shortExchange, short.err)
	}
	return long.fill, short.fill, nil
}

// A timeout is treated identically to a failed fill.
func (e *Executor) submitLeg(ctx context.Context, exchange, symbol string, side Side, notionalEUR float64) legResult {
	ctx, cancel := context.WithTimeout(ctx, e.legTimeout)
	defer cancel()
	fill, err := e.port.SubmitOrder(ctx, exchange, symbol, side, notionalEUR)
	return legResult{fill: fill, err: err}
}

func (e *Executor) closeLeg(ctx context.Context, exchange, symbol string) legResult {
	ctx, cancel := context.WithTimeout(ctx, e.legTimeout)
	defer cancel()
	fill, err := e.port.ClosePosition(ctx, exchange, symbol)
	return legResult{fill: fill, err: err}
}

func (e *Executor) rollback(ctx context.Context, fill Fill) {
	e.met.Rollbacks.Inc()
	// Rollback runs on a fresh timeout; the parent ctx may already be done.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.legTimeout)
	defer cancel()
	if _, err := e.port.ClosePosition(rbCtx, fill.Exchange, fill.Symbol); err != nil {
		e.log.Error("rollback failed, manual intervention required",
			zap.String("exchange", fill.Exchange),
			zap.String("symbol", fill.Symbol),
			zap.Error(err),
		)
		e.sink.Log(audit.Event{Level: audit.LevelError, Action: "rollback_failed", EntityType: "order", EntityID: fill.Symbol,
			Details: map[string]any{"exchange": fill.Exchange, "error": err.Error()}})
	}
}

func (e *Executor) fail(opp formula.Opportunity, err error) Result {
	e.met.ExecFailed.Inc()
	e.log.Warn("hedge execution failed", zap.String("symbol", opp.Symbol), zap.Error(err))
	e.sink.Log(audit.Event{Level: audit.LevelError, Action: "hedge_failed", EntityType: "hedge", EntityID: opp.Symbol,
		Details: map[string]any{
			"long_exchange":  opp.LongExchange,
			"short_exchange": opp.ShortExchange,
			"error":          err.Error(),
		}})
	return Result{Err: err}
}

func (e *Executor) validatePairing(longExchange, shortExchange string) error {
	if longExchange == shortExchange {
		return fmt.Errorf("%w: identical exchange on both legs", ErrPairingIllegal)
	}
	longCfg, ok := e.cfg.Exchanges[longExchange]
	if !ok {
		return fmt.Errorf("%w: unknown exchange %s", ErrPairingIllegal, longExchange)
	}
	shortCfg, ok := e.cfg.Exchanges[shortExchange]
	if !ok {
		return fmt.Errorf("%w: unknown exchange %s", ErrPairingIllegal, shortExchange)
	}
	if longCfg.Purpose == config.PurposeShort {
		return fmt.Errorf("%w: %s is short-only and cannot hold the long leg", ErrPairingIllegal, longExchange)
	}
	if shortCfg.Purpose == config.PurposeLong {
		return fmt.Errorf("%w: %s is long-only and cannot hold the short leg", ErrPairingIllegal, shortExchange)
	}
	return nil
}

func notionalDiffPct(long, short Fill, legSizeEUR float64) float64 {
	if legSizeEUR <= 0 {
		return math.Inf(1)
	}
	return math.Abs(long.NotionalEUR-short.NotionalEUR) / legSizeEUR * 100
}
