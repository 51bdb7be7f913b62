package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig             `yaml:"log"`
	State     StateConfig               `yaml:"state"`
	Audit     AuditConfig               `yaml:"audit"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Engine    EngineConfig              `yaml:"engine"`
	Costs     CostConfig                `yaml:"costs"`
	Risk      RiskConfig                `yaml:"risk"`
	Position  PositionConfig            `yaml:"position"`
	Execution ExecutionConfig           `yaml:"execution"`
	Tiers     TierConfigs               `yaml:"tiers"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Symbols   SymbolsConfig             `yaml:"symbols"`
	Telegram  TelegramConfig            `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type EngineConfig struct {
	CycleInterval      time.Duration `yaml:"cycle_interval"`
	MaxMetricAge       time.Duration `yaml:"max_metric_age"`
	DefaultNotionalEUR float64       `yaml:"default_notional_eur"`
	Leverage           float64       `yaml:"leverage"`
}

type CostConfig struct {
	TakerFeeBps     float64 `yaml:"taker_fee_bps"`
	SlippageBps     float64 `yaml:"slippage_bps"`
	SafetyBufferBps float64 `yaml:"safety_buffer_bps"`
}

type RiskConfig struct {
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxDeployedEUR      float64 `yaml:"max_deployed_eur"`
	CautionDrawdownEUR  float64 `yaml:"caution_drawdown_eur"`
	MaxDailyDrawdownEUR float64 `yaml:"max_daily_drawdown_eur"`
	StressMultiplier    float64 `yaml:"stress_multiplier"`
}

type PositionConfig struct {
	MaxHoldingHours     float64 `yaml:"max_holding_hours"`
	MinHoldingIntervals int     `yaml:"min_holding_intervals"`
	MaxDriftPct         float64 `yaml:"max_drift_pct"`
	ExitProfitFloorPct  float64 `yaml:"exit_profit_floor_pct"`
}

type ExecutionConfig struct {
	DryRun               *bool         `yaml:"dry_run"`
	LegTimeout           time.Duration `yaml:"leg_timeout"`
	NotionalTolerancePct float64       `yaml:"notional_tolerance_pct"`
	DryRunSlippageBps    float64       `yaml:"dry_run_slippage_bps"`
}

type TierConfig struct {
	MinProfitBps      float64 `yaml:"min_profit_bps"`
	MaxSpreadBps      float64 `yaml:"max_spread_bps"`
	MinLiquidityScore float64 `yaml:"min_liquidity_score"`
	MaxPositions      int     `yaml:"max_positions"`
}

type TierConfigs struct {
	Safe   TierConfig `yaml:"safe"`
	Medium TierConfig `yaml:"medium"`
	High   TierConfig `yaml:"high"`
}

const (
	PurposeBoth  = "both"
	PurposeLong  = "long-only"
	PurposeShort = "short-only"
)

type ExchangeConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	TakerFeeBps float64 `yaml:"taker_fee_bps"`
	Purpose     string  `yaml:"purpose"`
}

type SymbolsConfig struct {
	Whitelist []string `yaml:"whitelist"`
	Meme      []string `yaml:"meme"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-autopilot.db"
	}
	if cfg.Audit.Schema == "" {
		cfg.Audit.Schema = "public"
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 256
	}
	if cfg.Engine.CycleInterval == 0 {
		cfg.Engine.CycleInterval = 60 * time.Second
	}
	if cfg.Engine.MaxMetricAge == 0 {
		cfg.Engine.MaxMetricAge = 5 * time.Minute
	}
	if cfg.Engine.DefaultNotionalEUR == 0 {
		cfg.Engine.DefaultNotionalEUR = 1000
	}
	if cfg.Engine.Leverage == 0 {
		cfg.Engine.Leverage = 3
	}
	if cfg.Costs.TakerFeeBps == 0 {
		cfg.Costs.TakerFeeBps = 5
	}
	if cfg.Costs.SlippageBps == 0 {
		cfg.Costs.SlippageBps = 3
	}
	if cfg.Costs.SafetyBufferBps == 0 {
		cfg.Costs.SafetyBufferBps = 2
	}
	if cfg.Risk.MaxOpenPositions == 0 {
		cfg.Risk.MaxOpenPositions = 5
	}
	if cfg.Risk.MaxDeployedEUR == 0 {
		cfg.Risk.MaxDeployedEUR = 10000
	}
	if cfg.Risk.MaxDailyDrawdownEUR == 0 {
		cfg.Risk.MaxDailyDrawdownEUR = 200
	}
	if cfg.Risk.CautionDrawdownEUR == 0 {
		cfg.Risk.CautionDrawdownEUR = cfg.Risk.MaxDailyDrawdownEUR / 2
	}
	if cfg.Risk.StressMultiplier == 0 {
		cfg.Risk.StressMultiplier = 1.5
	}
	if cfg.Position.MaxHoldingHours == 0 {
		cfg.Position.MaxHoldingHours = 72
	}
	if cfg.Position.MinHoldingIntervals == 0 {
		cfg.Position.MinHoldingIntervals = 1
	}
	if cfg.Position.MaxDriftPct == 0 {
		cfg.Position.MaxDriftPct = 2
	}
	if cfg.Position.ExitProfitFloorPct == 0 {
		cfg.Position.ExitProfitFloorPct = -1
	}
	if cfg.Execution.DryRun == nil {
		dry := true
		cfg.Execution.DryRun = &dry
	}
	if cfg.Execution.LegTimeout == 0 {
		cfg.Execution.LegTimeout = 10 * time.Second
	}
	if cfg.Execution.NotionalTolerancePct == 0 {
		cfg.Execution.NotionalTolerancePct = 1
	}
	if cfg.Execution.DryRunSlippageBps == 0 {
		cfg.Execution.DryRunSlippageBps = 3
	}
	if cfg.Tiers.Safe == (TierConfig{}) {
		cfg.Tiers.Safe = TierConfig{MinProfitBps: 25, MaxSpreadBps: 150, MinLiquidityScore: 50, MaxPositions: 3}
	}
	if cfg.Tiers.Medium == (TierConfig{}) {
		cfg.Tiers.Medium = TierConfig{MinProfitBps: 35, MaxSpreadBps: 250, MinLiquidityScore: 40, MaxPositions: 2}
	}
	if cfg.Tiers.High == (TierConfig{}) {
		cfg.Tiers.High = TierConfig{MinProfitBps: 50, MaxSpreadBps: 400, MinLiquidityScore: 30, MaxPositions: 0}
	}
	for name, ex := range cfg.Exchanges {
		if ex.Enabled == nil {
			enabled := true
			ex.Enabled = &enabled
		}
		if ex.Purpose == "" {
			ex.Purpose = PurposeBoth
		}
		cfg.Exchanges[name] = ex
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Symbols.Whitelist) == 0 {
		return errors.New("symbols.whitelist is required")
	}
	enabled := 0
	for name, ex := range cfg.Exchanges {
		switch ex.Purpose {
		case PurposeBoth, PurposeLong, PurposeShort:
		default:
			return fmt.Errorf("exchanges.%s.purpose must be %s, %s or %s", name, PurposeBoth, PurposeLong, PurposeShort)
		}
		if ex.TakerFeeBps < 0 {
			return fmt.Errorf("exchanges.%s.taker_fee_bps must be >= 0", name)
		}
		if ex.Enabled == nil || *ex.Enabled {
			enabled++
		}
	}
	if enabled < 2 {
		return errors.New("at least two enabled exchanges are required")
	}
	if cfg.Engine.DefaultNotionalEUR <= 0 {
		return errors.New("engine.default_notional_eur must be > 0")
	}
	if cfg.Risk.MaxDailyDrawdownEUR <= 0 {
		return errors.New("risk.max_daily_drawdown_eur must be > 0")
	}
	if cfg.Risk.CautionDrawdownEUR >= cfg.Risk.MaxDailyDrawdownEUR {
		return errors.New("risk.caution_drawdown_eur must be below risk.max_daily_drawdown_eur")
	}
	if cfg.Execution.NotionalTolerancePct <= 0 {
		return errors.New("execution.notional_tolerance_pct must be > 0")
	}
	return nil
}

// TierFor returns the threshold set for a risk tier name.
func (t TierConfigs) TierFor(tier string) TierConfig {
	switch strings.ToLower(tier) {
	case "medium":
		return t.Medium
	case "high":
		return t.High
	default:
		return t.Safe
	}
}
