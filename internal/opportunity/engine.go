package opportunity

import (
	"context"
	"sort"
	"sync"
	"time"

	"funding-autopilot/internal/config"
	"funding-autopilot/internal/formula"
	"funding-autopilot/internal/market"

	"go.uber.org/zap"
)

// Engine turns the latest per-market metrics into a ranked list of valid
// candidate hedges. Scanning is idempotent for a given metrics snapshot; the
// only side effect is tracking the newest sample time for staleness checks.
type Engine struct {
	reader    market.Reader
	cfg       *config.Config
	log       *zap.Logger
	tiers     formula.TierTable
	whitelist map[string]bool
	meme      map[string]bool

	mu       sync.RWMutex
	lastSeen time.Time
}

func New(reader market.Reader, cfg *config.Config, log *zap.Logger) *Engine {
	whitelist := make(map[string]bool, len(cfg.Symbols.Whitelist))
	for _, s := range cfg.Symbols.Whitelist {
		whitelist[s] = true
	}
	meme := make(map[string]bool, len(cfg.Symbols.Meme))
	for _, s := range cfg.Symbols.Meme {
		meme[s] = true
	}
	return &Engine{
		reader: reader,
		cfg:    cfg,
		log:    log,
		tiers: formula.TierTable{
			Safe:   thresholds(cfg.Tiers.Safe),
			Medium: thresholds(cfg.Tiers.Medium),
			High:   thresholds(cfg.Tiers.High),
		},
		whitelist: whitelist,
		meme:      meme,
	}
}

func thresholds(tc config.TierConfig) formula.Thresholds {
	return formula.Thresholds{
		MinProfitBps:      tc.MinProfitBps,
		MaxSpreadBps:      tc.MaxSpreadBps,
		MinLiquidityScore: tc.MinLiquidityScore,
	}
}

// ScanAndRank returns valid opportunities ordered by descending score.
// Every ordered exchange pair is evaluated; symbols can yield several valid
// pairings and selection among them belongs to the risk manager.
func (e *Engine) ScanAndRank(ctx context.Context) ([]formula.Opportunity, error) {
	metrics, err := e.reader.LatestMetrics(ctx)
	if err != nil {
		return nil, err
	}
	metrics = market.FilterFinite(metrics)
	if age, ok := market.NewestAge(metrics, time.Now().UTC()); ok {
		e.mu.Lock()
		e.lastSeen = time.Now().UTC().Add(-age)
		e.mu.Unlock()
	}

	var out []formula.Opportunity
	for symbol, rows := range market.GroupBySymbol(metrics) {
		if !e.whitelist[symbol] || e.meme[symbol] {
			continue
		}
		rows = e.allowedExchanges(rows)
		if len(rows) < 2 {
			continue
		}
		// O(symbols x exchanges^2) is fine; exchange counts stay small.
		for _, long := range rows {
			for _, short := range rows {
				if long.Exchange == short.Exchange {
					continue
				}
				if !e.canPair(long.Exchange, short.Exchange) {
					continue
				}
				opp := formula.CalculateOpportunity(e.pairInput(long, short), e.tiers)
				if opp.Valid {
					out = append(out, opp)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NetProfitBps > out[j].NetProfitBps
	})
	if len(out) > 0 {
		e.log.Debug("scan ranked opportunities",
			zap.Int("count", len(out)),
			zap.String("top_symbol", out[0].Symbol),
			zap.Float64("top_net_bps", out[0].NetProfitBps),
		)
	}
	return out, nil
}

// NewestMetricAge reports how old the freshest sample seen by the last scan
// is, for the data-staleness circuit breaker.
func (e *Engine) NewestMetricAge(now time.Time) (time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSeen.IsZero() {
		return 0, false
	}
	return now.Sub(e.lastSeen), true
}

func (e *Engine) allowedExchanges(rows []market.Metric) []market.Metric {
	out := rows[:0]
	for _, row := range rows {
		ex, ok := e.cfg.Exchanges[row.Exchange]
		if !ok {
			continue
		}
		if ex.Enabled != nil && !*ex.Enabled {
			continue
		}
		out = append(out, row)
	}
	return out
}

func (e *Engine) canPair(longExchange, shortExchange string) bool {
	if e.cfg.Exchanges[longExchange].Purpose == config.PurposeShort {
		return false
	}
	if e.cfg.Exchanges[shortExchange].Purpose == config.PurposeLong {
		return false
	}
	return true
}

func (e *Engine) takerFeeBps(exchange string) float64 {
	if ex, ok := e.cfg.Exchanges[exchange]; ok && ex.TakerFeeBps > 0 {
		return ex.TakerFeeBps
	}
	return e.cfg.Costs.TakerFeeBps
}

func (e *Engine) pairInput(long, short market.Metric) formula.OpportunityInput {
	liquidity := long.LiquidityScore
	if short.LiquidityScore < liquidity {
		liquidity = short.LiquidityScore
	}
	volatility := long.VolatilityMult
	if short.VolatilityMult > volatility {
		volatility = short.VolatilityMult
	}
	stability := 100 - (long.SpreadBps+short.SpreadBps)/2
	if stability < 0 {
		stability = 0
	}
	return formula.OpportunityInput{
		Symbol:             long.Symbol,
		LongExchange:       long.Exchange,
		ShortExchange:      short.Exchange,
		LongRate:           long.FundingRate,
		ShortRate:          short.FundingRate,
		LongIntervalHours:  long.IntervalHours,
		ShortIntervalHours: short.IntervalHours,
		LongPrice:          long.MarkPrice,
		ShortPrice:         short.MarkPrice,
		LiquidityScore:     liquidity,
		StabilityScore:     stability,
		VolatilityMult:     volatility,
		IsMeme:             e.meme[long.Symbol],
		NotionalEUR:        e.cfg.Engine.DefaultNotionalEUR,
		Costs: formula.Costs{
			LongFeeBps:      e.takerFeeBps(long.Exchange),
			ShortFeeBps:     e.takerFeeBps(short.Exchange),
			SlippageBps:     e.cfg.Costs.SlippageBps,
			SafetyBufferBps: e.cfg.Costs.SafetyBufferBps,
		},
	}
}
