package market

import (
	"context"
	"math"
	"time"
)

// Metric is the newest snapshot for one (symbol, exchange) pair. The engine
// never mutates metrics; they are read-only input.
type Metric struct {
	Symbol         string
	Exchange       string
	FundingRate    float64
	IntervalHours  float64
	MarkPrice      float64
	SpreadBps      float64
	LiquidityScore float64
	VolatilityMult float64
	ObservedAt     time.Time
}

// Reader supplies the most recent metric per (symbol, exchange).
type Reader interface {
	LatestMetrics(ctx context.Context) ([]Metric, error)
}

func (m Metric) finite() bool {
	for _, v := range []float64{m.FundingRate, m.IntervalHours, m.MarkPrice, m.SpreadBps, m.LiquidityScore, m.VolatilityMult} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// FilterFinite drops rows with non-finite values or missing identity so the
// scoring layer only ever sees well-formed numbers.
func FilterFinite(metrics []Metric) []Metric {
	out := metrics[:0]
	for _, m := range metrics {
		if m.Symbol == "" || m.Exchange == "" {
			continue
		}
		if m.MarkPrice <= 0 || m.IntervalHours <= 0 {
			continue
		}
		if !m.finite() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// NewestAge reports how old the freshest sample is, for staleness gating.
func NewestAge(metrics []Metric, now time.Time) (time.Duration, bool) {
	var newest time.Time
	for _, m := range metrics {
		if m.ObservedAt.After(newest) {
			newest = m.ObservedAt
		}
	}
	if newest.IsZero() {
		return 0, false
	}
	return now.Sub(newest), true
}

// GroupBySymbol buckets metrics by tradable symbol, one entry per exchange.
func GroupBySymbol(metrics []Metric) map[string][]Metric {
	grouped := make(map[string][]Metric)
	for _, m := range metrics {
		grouped[m.Symbol] = append(grouped[m.Symbol], m)
	}
	return grouped
}
