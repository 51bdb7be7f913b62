package formula

import (
	"math"
	"testing"
)

var testTiers = TierTable{
	Safe:   Thresholds{MinProfitBps: 25, MaxSpreadBps: 150, MinLiquidityScore: 50},
	Medium: Thresholds{MinProfitBps: 35, MaxSpreadBps: 250, MinLiquidityScore: 40},
	High:   Thresholds{MinProfitBps: 50, MaxSpreadBps: 400, MinLiquidityScore: 30},
}

var testCosts = Costs{LongFeeBps: 5, ShortFeeBps: 5, SlippageBps: 3, SafetyBufferBps: 2}

func approx(t *testing.T, name string, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("%s: got %v, want %v (eps %v)", name, got, want, eps)
	}
}

func TestNormalizeTo8hIdentity(t *testing.T) {
	for _, rate := range []float64{-0.01, 0, 0.0001, 0.0030, 0.05} {
		if got := NormalizeTo8h(rate, 8); got != rate {
			t.Fatalf("NormalizeTo8h(%v, 8) = %v, want identity", rate, got)
		}
	}
}

func TestNormalizeTo8hScaling(t *testing.T) {
	approx(t, "1h rate", NormalizeTo8h(0.0001, 1), 0.0008, 1e-12)
	approx(t, "4h rate", NormalizeTo8h(0.0002, 4), 0.0004, 1e-12)
	if got := NormalizeTo8h(0.01, 0); got != 0 {
		t.Fatalf("nonpositive interval must yield 0, got %v", got)
	}
}

func baseInput() OpportunityInput {
	return OpportunityInput{
		Symbol:             "BTC",
		LongExchange:       "exchange_a",
		ShortExchange:      "exchange_b",
		LongRate:           0.0001,
		ShortRate:          0.0030,
		LongIntervalHours:  8,
		ShortIntervalHours: 8,
		LongPrice:          50000,
		ShortPrice:         50010,
		LiquidityScore:     60,
		StabilityScore:     70,
		VolatilityMult:     1.0,
		NotionalEUR:        1000,
		Costs:              testCosts,
	}
}

func TestCalculateOpportunityBelowProfitFloor(t *testing.T) {
	opp := CalculateOpportunity(baseInput(), testTiers)
	approx(t, "gross bps", opp.GrossProfitBps, 29, 1e-9)
	approx(t, "net bps", opp.NetProfitBps, 14, 1e-9)
	if opp.Valid {
		t.Fatalf("14bps net must not clear the 25bps safe floor")
	}
	if len(opp.Reasons) == 0 {
		t.Fatalf("invalid opportunity must carry a rejection reason")
	}
}

func TestCalculateOpportunityValid(t *testing.T) {
	in := baseInput()
	in.ShortRate = 0.0060
	opp := CalculateOpportunity(in, testTiers)
	approx(t, "gross bps", opp.GrossProfitBps, 59, 1e-9)
	approx(t, "net bps", opp.NetProfitBps, 44, 1e-9)
	if !opp.Valid {
		t.Fatalf("44bps net must be valid: %v", opp.Reasons)
	}
	if opp.RiskTier != TierSafe {
		t.Fatalf("expected safe tier, got %s", opp.RiskTier)
	}
	approx(t, "apr pct", opp.APRPct, 481.8, 0.5)
	approx(t, "net eur", opp.NetProfitEUR, 44.0/10000*500, 1e-9)
	if opp.Score <= 0 || opp.Score > 100 {
		t.Fatalf("score out of range: %d", opp.Score)
	}
}

func TestCalculateOpportunityValidIsConsistent(t *testing.T) {
	inputs := []OpportunityInput{baseInput()}
	in := baseInput()
	in.ShortRate = 0.0060
	inputs = append(inputs, in)
	in2 := baseInput()
	in2.ShortRate = -0.0010
	inputs = append(inputs, in2)
	in3 := baseInput()
	in3.LiquidityScore = 10
	inputs = append(inputs, in3)
	for i, input := range inputs {
		opp := CalculateOpportunity(input, testTiers)
		if !opp.Valid {
			continue
		}
		if opp.FundingSpread8h <= 0 {
			t.Fatalf("case %d: valid with nonpositive spread %v", i, opp.FundingSpread8h)
		}
		if opp.NetProfitBps < testTiers.For(opp.RiskTier).MinProfitBps {
			t.Fatalf("case %d: valid below tier floor", i)
		}
	}
}

func TestCalculateOpportunityNegativeSpread(t *testing.T) {
	in := baseInput()
	in.ShortRate = -0.0010
	opp := CalculateOpportunity(in, testTiers)
	if opp.Valid {
		t.Fatalf("negative spread must be invalid")
	}
}

func TestRiskTier(t *testing.T) {
	cases := []struct {
		isMeme     bool
		volatility float64
		liquidity  float64
		want       string
	}{
		{true, 1.0, 90, TierHigh},
		{false, 2.5, 90, TierHigh},
		{false, 1.8, 90, TierMedium},
		{false, 1.0, 20, TierHigh},
		{false, 1.0, 40, TierMedium},
		{false, 1.0, 60, TierSafe},
	}
	for i, tc := range cases {
		got := RiskTier(tc.isMeme, tc.volatility, tc.liquidity)
		if got != tc.want {
			t.Fatalf("case %d: got %s, want %s", i, got, tc.want)
		}
		// Deterministic: repeat calls agree.
		if again := RiskTier(tc.isMeme, tc.volatility, tc.liquidity); again != got {
			t.Fatalf("case %d: tier not deterministic: %s then %s", i, got, again)
		}
	}
}

func TestUnrealizedPnLDeltaNeutral(t *testing.T) {
	pnl := UnrealizedPnL(100, 100, 105, 105, 20)
	approx(t, "long pct", pnl.LongPct, 5, 1e-9)
	approx(t, "short pct", pnl.ShortPct, -5, 1e-9)
	approx(t, "combined pct", pnl.CombinedPct, 0, 1e-9)
	approx(t, "drift pct", pnl.DriftPct, 0, 1e-9)
	approx(t, "eur", pnl.EUR, 0, 1e-9)
}

func TestUnrealizedPnLDrift(t *testing.T) {
	pnl := UnrealizedPnL(100, 100, 102, 101, 1000)
	approx(t, "long pct", pnl.LongPct, 2, 1e-9)
	approx(t, "short pct", pnl.ShortPct, -1, 1e-9)
	approx(t, "combined pct", pnl.CombinedPct, 0.5, 1e-9)
	approx(t, "drift pct", pnl.DriftPct, 1, 1e-9)
	approx(t, "eur", pnl.EUR, 5, 1e-9)
}

func TestUnrealizedPnLInvalidEntry(t *testing.T) {
	if pnl := UnrealizedPnL(0, 100, 105, 105, 20); pnl != (PnL{}) {
		t.Fatalf("zero entry must yield zero PnL, got %+v", pnl)
	}
}

func TestScore(t *testing.T) {
	if got := Score(100, 100, 100); got != 100 {
		t.Fatalf("all-max score = %d, want 100", got)
	}
	// Zero stability falls back to the neutral default of 50.
	if got := Score(0, 0, 0); got != 10 {
		t.Fatalf("zero-input score = %d, want 10", got)
	}
	if got := Score(-50, 0, 50); got != 10 {
		t.Fatalf("negative profit must clamp to 0 weight, got %d", got)
	}
	if got := Score(200, 200, 200); got != 100 {
		t.Fatalf("overrange inputs must clamp to 100, got %d", got)
	}
}

func TestFundingPayment(t *testing.T) {
	if got := FundingPayment(0.001, 500, true); got != -0.5 {
		t.Fatalf("long pays positive funding: got %v", got)
	}
	if got := FundingPayment(0.001, 500, false); got != 0.5 {
		t.Fatalf("short receives positive funding: got %v", got)
	}
}
