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
	Log        LoggingConfig    `yaml:"log"`
	State      StateConfig      `yaml:"state"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	MakerVenue VenueConfig      `yaml:"maker_venue"`
	HedgeVenue VenueConfig      `yaml:"hedge_venue"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Engine     EngineConfig     `yaml:"engine"`
	Costs      CostsConfig      `yaml:"costs"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Retry      RetryConfig      `yaml:"retry"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TimescaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	QueueSize int    `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	AlertCooldown          time.Duration `yaml:"alert_cooldown"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type VenueConfig struct {
	Name           string        `yaml:"name"`
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// InstrumentConfig is fixed for the lifetime of a run; the lifecycle manager
// never mutates it.
type InstrumentConfig struct {
	Ticker            string        `yaml:"ticker"`
	AssetClass        string        `yaml:"asset_class"`
	Quantity          float64       `yaml:"quantity"`
	TickSize          float64       `yaml:"tick_size"`
	LotSize           float64       `yaml:"lot_size"`
	Leverage          float64       `yaml:"leverage"`
	PriceOffsetBps    float64       `yaml:"price_offset_bps"`
	MaxCloseOrders    int           `yaml:"max_close_orders"`
	WaitTime          time.Duration `yaml:"wait_time"`
	GridStepBps       float64       `yaml:"grid_step_bps"`
	StopPrice         float64       `yaml:"stop_price"`
	PausePrice        float64       `yaml:"pause_price"`
	Direction         string        `yaml:"direction"`
	Boost             bool          `yaml:"boost"`
	AutoSize          bool          `yaml:"auto_size"`
	TargetNotionalUSD float64       `yaml:"target_notional_usd"`
	MinNotionalUSD    float64       `yaml:"min_notional_usd"`
	MaxNotionalUSD    float64       `yaml:"max_notional_usd"`
	HoldingHorizon    time.Duration `yaml:"holding_horizon"`
}

type EngineConfig struct {
	MinNetBps           float64       `yaml:"min_net_bps"`
	MaxSpreadBps        float64       `yaml:"max_spread_bps"`
	SpreadWeight        float64       `yaml:"spread_weight"`
	MaxDislocationBps   float64       `yaml:"max_dislocation_bps"`
	MinDepthNotionalUSD float64       `yaml:"min_depth_notional_usd"`
	DecisionInterval    time.Duration `yaml:"decision_interval"`
}

type ClassFees struct {
	MakerBps         float64 `yaml:"maker_bps"`
	TakerBps         float64 `yaml:"taker_bps"`
	MakerLeverageCap float64 `yaml:"maker_leverage_cap"`
}

type CostsConfig struct {
	AncillaryFeeUSD float64              `yaml:"ancillary_fee_usd"`
	RefundFraction  float64              `yaml:"refund_fraction"`
	BufferBps       float64              `yaml:"buffer_bps"`
	FundingCacheTTL time.Duration        `yaml:"funding_cache_ttl"`
	Classes         map[string]ClassFees `yaml:"classes"`
	TickerOverrides map[string]ClassFees `yaml:"ticker_overrides"`
}

type LifecycleConfig struct {
	FillTimeout     time.Duration `yaml:"fill_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	CloseRetryLimit int           `yaml:"close_retry_limit"`
	HedgeRetryLimit int           `yaml:"hedge_retry_limit"`
	HedgeFillWait   time.Duration `yaml:"hedge_fill_wait"`
	HedgeFillPoll   time.Duration `yaml:"hedge_fill_poll"`
}

type ReconcileConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Tolerance       float64       `yaml:"tolerance"`
	MaxReadFailures int           `yaml:"max_read_failures"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

var knownAssetClasses = map[string]struct{}{
	"crypto":    {},
	"forex":     {},
	"equity":    {},
	"index":     {},
	"commodity": {},
}

var knownDirections = map[string]struct{}{
	"long":  {},
	"short": {},
	"auto":  {},
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
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// Secrets may arrive through the environment instead of the YAML file; the
// environment always wins.
func applyEnvOverrides(cfg *Config) {
	if tok := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); tok != "" {
		cfg.Telegram.Token = tok
	}
	if chat := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chat != "" {
		cfg.Telegram.ChatID = chat
	}
	if dsn := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/ol-hedge-bot.db"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9105"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Telegram.AlertCooldown == 0 {
		cfg.Telegram.AlertCooldown = 15 * time.Minute
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	applyVenueDefaults(&cfg.MakerVenue, "ostium", "https://metadata-backend.ostium.io", "")
	applyVenueDefaults(&cfg.HedgeVenue, "lighter", "https://mainnet.zklighter.elliot.ai", "wss://mainnet.zklighter.elliot.ai/stream")
	if cfg.Instrument.AssetClass == "" {
		cfg.Instrument.AssetClass = "crypto"
	}
	if cfg.Instrument.Leverage == 0 {
		cfg.Instrument.Leverage = 10
	}
	if cfg.Instrument.PriceOffsetBps == 0 {
		cfg.Instrument.PriceOffsetBps = 2
	}
	if cfg.Instrument.MaxCloseOrders == 0 {
		cfg.Instrument.MaxCloseOrders = 4
	}
	if cfg.Instrument.WaitTime == 0 {
		cfg.Instrument.WaitTime = 450 * time.Second
	}
	if cfg.Instrument.GridStepBps == 0 {
		cfg.Instrument.GridStepBps = 10
	}
	if cfg.Instrument.Direction == "" {
		cfg.Instrument.Direction = "long"
	}
	if cfg.Instrument.MinNotionalUSD == 0 {
		cfg.Instrument.MinNotionalUSD = 10
	}
	if cfg.Instrument.MaxNotionalUSD == 0 {
		cfg.Instrument.MaxNotionalUSD = 100000
	}
	if cfg.Instrument.HoldingHorizon == 0 {
		cfg.Instrument.HoldingHorizon = 24 * time.Hour
	}
	if cfg.Engine.MinNetBps == 0 {
		cfg.Engine.MinNetBps = 5
	}
	if cfg.Engine.MaxSpreadBps == 0 {
		cfg.Engine.MaxSpreadBps = 50
	}
	if cfg.Engine.SpreadWeight == 0 {
		cfg.Engine.SpreadWeight = 0.5
	}
	if cfg.Engine.MaxDislocationBps == 0 {
		cfg.Engine.MaxDislocationBps = 500
	}
	if cfg.Engine.MinDepthNotionalUSD == 0 {
		cfg.Engine.MinDepthNotionalUSD = 10000
	}
	if cfg.Engine.DecisionInterval == 0 {
		cfg.Engine.DecisionInterval = 5 * time.Second
	}
	if cfg.Costs.AncillaryFeeUSD == 0 {
		cfg.Costs.AncillaryFeeUSD = 0.10
	}
	if cfg.Costs.RefundFraction == 0 {
		cfg.Costs.RefundFraction = 0.5
	}
	if cfg.Costs.BufferBps == 0 {
		cfg.Costs.BufferBps = 1
	}
	if cfg.Costs.FundingCacheTTL == 0 {
		cfg.Costs.FundingCacheTTL = 2 * time.Minute
	}
	if cfg.Costs.Classes == nil {
		cfg.Costs.Classes = map[string]ClassFees{}
	}
	applyClassFeeDefaults(cfg.Costs.Classes)
	if cfg.Costs.TickerOverrides == nil {
		cfg.Costs.TickerOverrides = map[string]ClassFees{
			"XAU": {MakerBps: 3, TakerBps: 3},
		}
	}
	if cfg.Lifecycle.FillTimeout == 0 {
		cfg.Lifecycle.FillTimeout = 10 * time.Second
	}
	if cfg.Lifecycle.PollInterval == 0 {
		cfg.Lifecycle.PollInterval = time.Second
	}
	if cfg.Lifecycle.CloseRetryLimit == 0 {
		cfg.Lifecycle.CloseRetryLimit = 3
	}
	if cfg.Lifecycle.HedgeRetryLimit == 0 {
		cfg.Lifecycle.HedgeRetryLimit = 3
	}
	if cfg.Lifecycle.HedgeFillWait == 0 {
		cfg.Lifecycle.HedgeFillWait = 30 * time.Second
	}
	if cfg.Lifecycle.HedgeFillPoll == 0 {
		cfg.Lifecycle.HedgeFillPoll = 200 * time.Millisecond
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 30 * time.Second
	}
	if cfg.Reconcile.Tolerance == 0 {
		cfg.Reconcile.Tolerance = 1e-6
	}
	if cfg.Reconcile.MaxReadFailures == 0 {
		cfg.Reconcile.MaxReadFailures = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 200 * time.Millisecond
	}
}

func applyVenueDefaults(v *VenueConfig, name, baseURL, wsURL string) {
	if v.Name == "" {
		v.Name = name
	}
	if v.BaseURL == "" {
		v.BaseURL = baseURL
	}
	if v.WSURL == "" {
		v.WSURL = wsURL
	}
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}
	if v.ReconnectDelay == 0 {
		v.ReconnectDelay = 3 * time.Second
	}
	if v.PingInterval == 0 {
		v.PingInterval = 20 * time.Second
	}
}

func applyClassFeeDefaults(classes map[string]ClassFees) {
	defaults := map[string]ClassFees{
		"crypto":    {MakerBps: 3, TakerBps: 10, MakerLeverageCap: 20},
		"forex":     {MakerBps: 3, TakerBps: 3},
		"equity":    {MakerBps: 5, TakerBps: 5},
		"index":     {MakerBps: 5, TakerBps: 5},
		"commodity": {MakerBps: 15, TakerBps: 15},
	}
	for class, fees := range defaults {
		if _, ok := classes[class]; !ok {
			classes[class] = fees
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Instrument.Ticker == "" {
		return errors.New("instrument.ticker is required")
	}
	if _, ok := knownAssetClasses[strings.ToLower(cfg.Instrument.AssetClass)]; !ok {
		return fmt.Errorf("instrument.asset_class %q is unknown", cfg.Instrument.AssetClass)
	}
	if _, ok := knownDirections[strings.ToLower(cfg.Instrument.Direction)]; !ok {
		return fmt.Errorf("instrument.direction %q must be long, short or auto", cfg.Instrument.Direction)
	}
	if !cfg.Instrument.AutoSize && cfg.Instrument.Quantity <= 0 {
		return errors.New("instrument.quantity must be > 0 unless auto_size is enabled")
	}
	if cfg.Instrument.AutoSize && cfg.Instrument.TargetNotionalUSD <= 0 {
		return errors.New("instrument.target_notional_usd must be > 0 when auto_size is enabled")
	}
	if cfg.Instrument.Leverage <= 0 {
		return errors.New("instrument.leverage must be > 0")
	}
	if cfg.Instrument.PriceOffsetBps < 0 {
		return errors.New("instrument.price_offset_bps must be >= 0")
	}
	if cfg.Instrument.TickSize < 0 || cfg.Instrument.LotSize < 0 {
		return errors.New("instrument tick_size and lot_size must be >= 0")
	}
	if cfg.Instrument.MaxCloseOrders <= 0 {
		return errors.New("instrument.max_close_orders must be > 0")
	}
	if cfg.Instrument.GridStepBps < 0 {
		return errors.New("instrument.grid_step_bps must be >= 0")
	}
	if cfg.Instrument.MinNotionalUSD > cfg.Instrument.MaxNotionalUSD {
		return errors.New("instrument.min_notional_usd exceeds max_notional_usd")
	}
	if err := validateStopPause(cfg.Instrument); err != nil {
		return err
	}
	if cfg.Engine.MinNetBps < 0 {
		return errors.New("engine.min_net_bps must be >= 0")
	}
	if cfg.Engine.MaxSpreadBps <= 0 {
		return errors.New("engine.max_spread_bps must be > 0")
	}
	if cfg.Engine.SpreadWeight < 0 {
		return errors.New("engine.spread_weight must be >= 0")
	}
	if cfg.Engine.MaxDislocationBps <= 0 {
		return errors.New("engine.max_dislocation_bps must be > 0")
	}
	if cfg.Costs.AncillaryFeeUSD < 0 {
		return errors.New("costs.ancillary_fee_usd must be >= 0")
	}
	if cfg.Costs.RefundFraction < 0 || cfg.Costs.RefundFraction > 1 {
		return errors.New("costs.refund_fraction must be within [0, 1]")
	}
	if cfg.Costs.BufferBps < 0 {
		return errors.New("costs.buffer_bps must be >= 0")
	}
	for class := range cfg.Costs.Classes {
		if _, ok := knownAssetClasses[strings.ToLower(class)]; !ok {
			return fmt.Errorf("costs.classes has unknown asset class %q", class)
		}
	}
	for class, fees := range cfg.Costs.Classes {
		if fees.MakerBps < 0 || fees.TakerBps < 0 {
			return fmt.Errorf("costs.classes[%s] fees must be >= 0", class)
		}
	}
	if cfg.Reconcile.Tolerance <= 0 {
		return errors.New("reconcile.tolerance must be > 0")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

// Stop and pause thresholds are directional. For long runs they guard the
// downside, for short runs the upside; the pause band must sit inside the
// stop band.
func validateStopPause(inst InstrumentConfig) error {
	if inst.StopPrice < 0 || inst.PausePrice < 0 {
		return errors.New("instrument stop/pause prices must be >= 0")
	}
	if inst.StopPrice == 0 || inst.PausePrice == 0 {
		return nil
	}
	switch strings.ToLower(inst.Direction) {
	case "long":
		if inst.PausePrice < inst.StopPrice {
			return errors.New("instrument.pause_price must be >= stop_price for long runs")
		}
	case "short":
		if inst.PausePrice > inst.StopPrice {
			return errors.New("instrument.pause_price must be <= stop_price for short runs")
		}
	}
	return nil
}
