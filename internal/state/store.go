package state

import "context"

type PositionStore interface {
	InsertPosition(ctx context.Context, pos HedgePosition) error
	UpdatePosition(ctx context.Context, pos HedgePosition) error
	GetPosition(ctx context.Context, id string) (HedgePosition, bool, error)
	OpenPositions(ctx context.Context) ([]HedgePosition, error)
}

type RiskStore interface {
	LoadRiskState(ctx context.Context) (RiskState, bool, error)
	SaveRiskState(ctx context.Context, rs RiskState) error
	// AddRealized increments the global realized PnL and funding totals in a
	// single monotonic update.
	AddRealized(ctx context.Context, pnlEUR, fundingEUR float64) error
}

type CommandStore interface {
	EnqueueCommand(ctx context.Context, cmd Command) error
	// DrainCommands returns and removes all pending commands in enqueue order.
	DrainCommands(ctx context.Context) ([]Command, error)
}

type Store interface {
	PositionStore
	RiskStore
	CommandStore
	Close() error
}
