package exec

import (
	"context"
	"fmt"
	"time"
)

// PriceSource resolves a reference price for synthetic fills.
type PriceSource interface {
	MarkPrice(ctx context.Context, exchange, symbol string) (float64, bool)
}

// DryRunPort synthesizes deterministic fills so the whole pipeline can run
// without a live venue: buys fill slightly above the mark, sells slightly
// below, by a fixed slippage assumption.
type DryRunPort struct {
	prices      PriceSource
	slippageBps float64
}

func NewDryRunPort(prices PriceSource, slippageBps float64) *DryRunPort {
	return &DryRunPort{prices: prices, slippageBps: slippageBps}
}

func (p *DryRunPort) SubmitOrder(ctx context.Context, exchange, symbol string, side Side, notionalEUR float64) (Fill, error) {
	price, ok := p.prices.MarkPrice(ctx, exchange, symbol)
	if !ok || price <= 0 {
		return Fill{}, fmt.Errorf("no mark price for %s on %s", symbol, exchange)
	}
	slip := price * p.slippageBps / 10000
	if side == SideLong {
		price += slip
	} else {
		price -= slip
	}
	return Fill{
		Exchange:    exchange,
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		NotionalEUR: notionalEUR,
		FilledAt:    time.Now().UTC(),
	}, nil
}

func (p *DryRunPort) ClosePosition(ctx context.Context, exchange, symbol string) (Fill, error) {
	price, ok := p.prices.MarkPrice(ctx, exchange, symbol)
	if !ok || price <= 0 {
		return Fill{}, fmt.Errorf("no mark price for %s on %s", symbol, exchange)
	}
	return Fill{
		Exchange: exchange,
		Symbol:   symbol,
		Price:    price,
		FilledAt: time.Now().UTC(),
	}, nil
}
