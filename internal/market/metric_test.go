package market

import (
	"math"
	"testing"
	"time"
)

func metric(symbol, exchange string) Metric {
	return Metric{
		Symbol:         symbol,
		Exchange:       exchange,
		FundingRate:    0.0001,
		IntervalHours:  8,
		MarkPrice:      100,
		SpreadBps:      10,
		LiquidityScore: 80,
		VolatilityMult: 1,
		ObservedAt:     time.Now().UTC(),
	}
}

func TestFilterFiniteDropsBadRows(t *testing.T) {
	nan := metric("BTC", "a")
	nan.FundingRate = math.NaN()
	inf := metric("BTC", "b")
	inf.MarkPrice = math.Inf(1)
	noSymbol := metric("", "c")
	zeroPrice := metric("ETH", "a")
	zeroPrice.MarkPrice = 0
	zeroInterval := metric("ETH", "b")
	zeroInterval.IntervalHours = 0
	good := metric("SOL", "a")

	out := FilterFinite([]Metric{nan, inf, noSymbol, zeroPrice, zeroInterval, good})
	if len(out) != 1 {
		t.Fatalf("expected 1 surviving row, got %d", len(out))
	}
	if out[0].Symbol != "SOL" {
		t.Fatalf("wrong survivor: %+v", out[0])
	}
}

func TestNewestAge(t *testing.T) {
	now := time.Now().UTC()
	old := metric("BTC", "a")
	old.ObservedAt = now.Add(-10 * time.Minute)
	fresh := metric("BTC", "b")
	fresh.ObservedAt = now.Add(-1 * time.Minute)

	age, ok := NewestAge([]Metric{old, fresh}, now)
	if !ok {
		t.Fatalf("expected an age for non-empty input")
	}
	if age != time.Minute {
		t.Fatalf("expected newest age 1m, got %v", age)
	}
	if _, ok := NewestAge(nil, now); ok {
		t.Fatalf("empty input must report no age")
	}
}

func TestGroupBySymbol(t *testing.T) {
	rows := []Metric{metric("BTC", "a"), metric("BTC", "b"), metric("ETH", "a")}
	groups := GroupBySymbol(rows)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups["BTC"]) != 2 || len(groups["ETH"]) != 1 {
		t.Fatalf("unexpected grouping: %+v", groups)
	}
}
