package state

import "time"

type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosed  PositionStatus = "closed"
	PositionStopped PositionStatus = "stopped"
)

// HedgePosition is the unit of state that persists across cycles. The
// position manager is its only writer; entry prices are immutable once set.
// Current mark prices carry an observed flag so "no data yet" is never
// confused with a zero price.
type HedgePosition struct {
	ID                   string
	Symbol               string
	LongExchange         string
	ShortExchange        string
	EntryLongPrice       float64
	EntryShortPrice      float64
	SizeEUR              float64
	Leverage             float64
	RiskTier             string
	FundingSpread8h      float64
	Score                int
	EntryTime            time.Time
	FundingIntervalHours float64
	FundingCollectedEUR  float64
	IntervalsCollected   int
	CurrentLongPrice     float64
	HasCurrentLong       bool
	CurrentShortPrice    float64
	HasCurrentShort      bool
	UnrealizedPnlEUR     float64
	UnrealizedPnlPct     float64
	DriftPct             float64
	Status               PositionStatus
	ExitTime             time.Time
	ExitLongPrice        float64
	ExitShortPrice       float64
	RealizedPnlEUR       float64
	ExitReason           string
}

type RiskLevel string

const (
	LevelNormal   RiskLevel = "normal"
	LevelCautious RiskLevel = "cautious"
	LevelStopped  RiskLevel = "stopped"
)

// RiskState is the single global risk record. Only the risk manager mutates
// it; everyone else reads consistent snapshots.
type RiskState struct {
	Running             bool
	DryRun              bool
	KillSwitchActive    bool
	KillSwitchReason    string
	Level               RiskLevel
	DailyDrawdownEUR    float64
	BucketCounts        map[string]int
	TotalRealizedPnlEUR float64
	TotalFundingEUR     float64
	LastScanAt          time.Time
	LastTradeAt         time.Time
	UpdatedAt           time.Time
}

type CommandType string

const (
	CommandSetMode       CommandType = "set_mode"
	CommandSetRunning    CommandType = "set_running"
	CommandResetKill     CommandType = "reset_kill_switch"
	CommandStopAll       CommandType = "stop_all"
	CommandClosePosition CommandType = "close_position"
)

// Command is an external control request, honored at the start of the next
// cycle, never mid-cycle.
type Command struct {
	ID         int64       `json:"id,omitempty"`
	Type       CommandType `json:"type"`
	Mode       string      `json:"mode,omitempty"`
	Running    bool        `json:"running,omitempty"`
	PositionID string      `json:"position_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}
