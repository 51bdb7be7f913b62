package formula

import (
	"fmt"
	"math"
)

const (
	TierSafe   = "safe"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Funding intervals per year at the 8h reference interval (365 * 3).
const intervalsPerYear = 1095

const defaultStabilityScore = 50

// NormalizeTo8h rescales a funding rate sampled at an arbitrary interval to
// its 8-hour equivalent.
func NormalizeTo8h(rate, intervalHours float64) float64 {
	if intervalHours <= 0 {
		return 0
	}
	return rate * 8 / intervalHours
}

// Annualize8h is a linear approximation; no compounding.
func Annualize8h(rate8h float64) float64 {
	return rate8h * intervalsPerYear
}

type Costs struct {
	LongFeeBps      float64
	ShortFeeBps     float64
	SlippageBps     float64
	SafetyBufferBps float64
}

// TotalBps charges the taker fee on both legs.
func (c Costs) TotalBps() float64 {
	return c.LongFeeBps + c.ShortFeeBps + c.SlippageBps + c.SafetyBufferBps
}

func RiskTier(isMeme bool, volatilityMult, liquidityScore float64) string {
	if isMeme {
		return TierHigh
	}
	if volatilityMult > 2 {
		return TierHigh
	}
	if volatilityMult > 1.5 {
		return TierMedium
	}
	if liquidityScore < 30 {
		return TierHigh
	}
	if liquidityScore < 50 {
		return TierMedium
	}
	return TierSafe
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Score weighs profit, liquidity and stability into a 0-100 composite.
func Score(netProfitBps, liquidityScore, stabilityScore float64) int {
	if stabilityScore == 0 {
		stabilityScore = defaultStabilityScore
	}
	weighted := 0.5*clamp100(netProfitBps) + 0.3*clamp100(liquidityScore) + 0.2*clamp100(stabilityScore)
	return int(math.Round(weighted))
}

type Thresholds struct {
	MinProfitBps      float64
	MaxSpreadBps      float64
	MinLiquidityScore float64
}

type TierTable struct {
	Safe   Thresholds
	Medium Thresholds
	High   Thresholds
}

func (t TierTable) For(tier string) Thresholds {
	switch tier {
	case TierMedium:
		return t.Medium
	case TierHigh:
		return t.High
	default:
		return t.Safe
	}
}

type OpportunityInput struct {
	Symbol             string
	LongExchange       string
	ShortExchange      string
	LongRate           float64
	ShortRate          float64
	LongIntervalHours  float64
	ShortIntervalHours float64
	LongPrice          float64
	ShortPrice         float64
	LiquidityScore     float64
	StabilityScore     float64
	VolatilityMult     float64
	IsMeme             bool
	NotionalEUR        float64
	Costs              Costs
}

// Opportunity is a scored candidate hedge. Bps figures are quoted on the
// per-leg notional (NotionalEUR split evenly across the two legs).
type Opportunity struct {
	Symbol          string
	LongExchange    string
	ShortExchange   string
	LongRate8h      float64
	ShortRate8h     float64
	FundingSpread8h float64
	GrossProfitBps  float64
	NetProfitBps    float64
	GrossProfitEUR  float64
	NetProfitEUR    float64
	APRPct          float64
	Score           int
	RiskTier        string
	NotionalEUR     float64
	LongPrice       float64
	ShortPrice      float64
	Valid           bool
	Reasons         []string
}

// CalculateOpportunity composes normalization, tiering, cost and score into
// a validated candidate. Inputs must be finite; callers filter market data
// before this layer.
func CalculateOpportunity(in OpportunityInput, tiers TierTable) Opportunity {
	long8h := NormalizeTo8h(in.LongRate, in.LongIntervalHours)
	short8h := NormalizeTo8h(in.ShortRate, in.ShortIntervalHours)
	spread8h := short8h - long8h

	tier := RiskTier(in.IsMeme, in.VolatilityMult, in.LiquidityScore)
	th := tiers.For(tier)

	grossBps := spread8h * 10000
	netBps := grossBps - in.Costs.TotalBps()
	legNotional := in.NotionalEUR / 2

	opp := Opportunity{
		Symbol:          in.Symbol,
		LongExchange:    in.LongExchange,
		ShortExchange:   in.ShortExchange,
		LongRate8h:      long8h,
		ShortRate8h:     short8h,
		FundingSpread8h: spread8h,
		GrossProfitBps:  grossBps,
		NetProfitBps:    netBps,
		GrossProfitEUR:  grossBps / 10000 * legNotional,
		NetProfitEUR:    netBps / 10000 * legNotional,
		APRPct:          Annualize8h(netBps/10000) * 100,
		RiskTier:        tier,
		NotionalEUR:     in.NotionalEUR,
		LongPrice:       in.LongPrice,
		ShortPrice:      in.ShortPrice,
	}

	if spread8h <= 0 {
		opp.Reasons = append(opp.Reasons, fmt.Sprintf("funding spread %.6f is not positive", spread8h))
	}
	if netBps < th.MinProfitBps {
		opp.Reasons = append(opp.Reasons, fmt.Sprintf("net profit %.1fbps below %s floor %.1fbps", netBps, tier, th.MinProfitBps))
	}
	if grossBps > th.MaxSpreadBps {
		opp.Reasons = append(opp.Reasons, fmt.Sprintf("spread %.1fbps exceeds %s limit %.1fbps", grossBps, tier, th.MaxSpreadBps))
	}
	if in.LiquidityScore < th.MinLiquidityScore {
		opp.Reasons = append(opp.Reasons, fmt.Sprintf("liquidity %.1f below %s floor %.1f", in.LiquidityScore, tier, th.MinLiquidityScore))
	}
	if len(opp.Reasons) > 0 {
		return opp
	}

	opp.Valid = true
	opp.Score = Score(netBps, in.LiquidityScore, in.StabilityScore)
	opp.Reasons = append(opp.Reasons,
		fmt.Sprintf("net %.1fbps clears %s floor %.1fbps", netBps, tier, th.MinProfitBps),
		fmt.Sprintf("apr %.1f%%", opp.APRPct),
	)
	return opp
}

type PnL struct {
	LongPct     float64
	ShortPct    float64
	CombinedPct float64
	DriftPct    float64
	EUR         float64
}

// UnrealizedPnL computes per-leg and combined PnL for a hedge. The combined
// figure averages the legs; drift sums them, measuring how far the pair has
// departed from perfect cancellation.
func UnrealizedPnL(entryLong, entryShort, curLong, curShort, sizeEUR float64) PnL {
	if entryLong <= 0 || entryShort <= 0 {
		return PnL{}
	}
	longPct := (curLong - entryLong) / entryLong * 100
	shortPct := (entryShort - curShort) / entryShort * 100
	combined := (longPct + shortPct) / 2
	return PnL{
		LongPct:     longPct,
		ShortPct:    shortPct,
		CombinedPct: combined,
		DriftPct:    math.Abs(longPct + shortPct),
		EUR:         combined / 100 * sizeEUR,
	}
}

// FundingPayment returns the signed payment for one leg: a long pays when
// the rate is positive, a short receives.
func FundingPayment(rate, sizeEUR float64, isLong bool) float64 {
	sign := 1.0
	if isLong {
		sign = -1.0
	}
	return sign * rate * sizeEUR
}
