package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Feeds      FeedsConfig      `yaml:"feeds"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Validation ValidationConfig `yaml:"validation"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Gate       GateConfig       `yaml:"gate"`
	Trading    TradingConfig    `yaml:"trading"`
	Storage    StorageConfig    `yaml:"storage"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Web        WebConfig        `yaml:"web"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// FeedSource points at one signal feed document. Exactly one of Path or URL is set.
type FeedSource struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

func (f FeedSource) Enabled() bool {
	return f.Path != "" || f.URL != ""
}

type FeedsConfig struct {
	Discovery   FeedSource    `yaml:"discovery"`
	Alpha       FeedSource    `yaml:"alpha"`
	Interval    time.Duration `yaml:"interval"`
	ValidGrades []string      `yaml:"valid_grades"`
}

type PricingConfig struct {
	JupiterURL        string        `yaml:"jupiter_url"`
	DexScreenerURL    string        `yaml:"dexscreener_url"`
	FastTimeout       time.Duration `yaml:"fast_timeout"`
	RichTimeout       time.Duration `yaml:"rich_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBase         time.Duration `yaml:"retry_base"`
	Concurrency       int           `yaml:"concurrency"`
}

type ValidationConfig struct {
	MaxMcapLiquidityRatio float64 `yaml:"max_mcap_liquidity_ratio"`
	MinVolume5m           float64 `yaml:"min_volume_5m"`
}

type TrackingConfig struct {
	WinThresholdPct    float64       `yaml:"win_threshold_pct"`
	YoungTokenHours    float64       `yaml:"young_token_hours"`
	YoungPollInterval  time.Duration `yaml:"young_poll_interval"`
	MaturePollInterval time.Duration `yaml:"mature_poll_interval"`
	YoungWindow        time.Duration `yaml:"young_window"`
	MatureWindow       time.Duration `yaml:"mature_window"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	// RetryWindow bounds how long a signal may keep failing before it is
	// finalized as a loss. Zero retries until the tracking window ends.
	RetryWindow   time.Duration `yaml:"retry_window"`
	PollTick      time.Duration `yaml:"poll_tick"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	StatsSince    string        `yaml:"stats_since"`
}

type RuleConfig struct {
	MinLiquidity      float64 `yaml:"min_liquidity"`
	MinBuys5m         int     `yaml:"min_buys_5m"`
	MinBuySellRatio1h float64 `yaml:"min_buy_sell_ratio_1h"`
	MinMarketCap      float64 `yaml:"min_market_cap"`
	MinFDV            float64 `yaml:"min_fdv"`
	MinVolume1h       float64 `yaml:"min_volume_1h"`
}

type GateConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	EpochLength     time.Duration `yaml:"epoch_length"`
	MaxEpochs       int           `yaml:"max_epochs"`
	PromotePassRate float64       `yaml:"promote_pass_rate"`
	MaxPending      int           `yaml:"max_pending"`
	Rule            RuleConfig    `yaml:"rule"`
}

// Deadline is the single evaluation budget of a pending signal.
func (g GateConfig) Deadline() time.Duration {
	return time.Duration(g.MaxEpochs) * g.EpochLength
}

type CapitalConfig struct {
	ReserveBalance      float64 `yaml:"reserve_balance"`
	MinTradeSize        float64 `yaml:"min_trade_size"`
	MaxTradeSize        float64 `yaml:"max_trade_size"`
	LowBalanceThreshold float64 `yaml:"low_balance_threshold"`
	LowBalancePct       float64 `yaml:"low_balance_pct"`
}

type UserConfig struct {
	ID      string  `yaml:"id"`
	Capital float64 `yaml:"capital"`
}

type TradingConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	EntryWait      time.Duration `yaml:"entry_wait"`
	HistorySize    int           `yaml:"history_size"`
	DefaultCapital float64       `yaml:"default_capital"`
	TrailingStop   bool          `yaml:"trailing_stop"`
	Users          []UserConfig  `yaml:"users"`
	Capital        CapitalConfig `yaml:"capital"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type StorageConfig struct {
	Backend            string        `yaml:"backend"`
	SQLitePath         string        `yaml:"sqlite_path"`
	Redis              RedisConfig   `yaml:"redis"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// TelegramConfig enables trade notifications. Portfolio user ids are
// Telegram chat ids; AdminChatID receives status and error messages.
type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotToken    string `yaml:"bot_token"`
	AdminChatID int64  `yaml:"admin_chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the yaml file at path. A .env file next to the process, when
// present, supplies secrets that override the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Feeds.Interval == 0 {
		cfg.Feeds.Interval = 3 * time.Minute
	}
	if len(cfg.Feeds.ValidGrades) == 0 {
		cfg.Feeds.ValidGrades = []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"}
	}

	p := &cfg.Pricing
	if p.JupiterURL == "" {
		p.JupiterURL = "https://lite-api.jup.ag/price/v3"
	}
	if p.DexScreenerURL == "" {
		p.DexScreenerURL = "https://api.dexscreener.com/latest/dex/tokens"
	}
	if p.FastTimeout == 0 {
		p.FastTimeout = 5 * time.Second
	}
	if p.RichTimeout == 0 {
		p.RichTimeout = 10 * time.Second
	}
	if p.RequestsPerMinute == 0 {
		p.RequestsPerMinute = 300
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = 3
	}
	if p.RetryBase == 0 {
		p.RetryBase = 2 * time.Second
	}
	if p.Concurrency == 0 {
		p.Concurrency = 8
	}

	if cfg.Validation.MaxMcapLiquidityRatio == 0 {
		cfg.Validation.MaxMcapLiquidityRatio = 10
	}
	if cfg.Validation.MinVolume5m == 0 {
		cfg.Validation.MinVolume5m = 500
	}

	t := &cfg.Tracking
	if t.WinThresholdPct == 0 {
		t.WinThresholdPct = 45
	}
	if t.YoungTokenHours == 0 {
		t.YoungTokenHours = 12
	}
	if t.YoungPollInterval == 0 {
		t.YoungPollInterval = 5 * time.Second
	}
	if t.MaturePollInterval == 0 {
		t.MaturePollInterval = 240 * time.Second
	}
	if t.YoungWindow == 0 {
		t.YoungWindow = 24 * time.Hour
	}
	if t.MatureWindow == 0 {
		t.MatureWindow = 168 * time.Hour
	}
	if t.RetryInterval == 0 {
		t.RetryInterval = 5 * time.Second
	}
	if t.PollTick == 0 {
		t.PollTick = time.Second
	}
	if t.StatsInterval == 0 {
		t.StatsInterval = time.Hour
	}
	if t.StatsSince == "" {
		t.StatsSince = "2025-11-01"
	}

	g := &cfg.Gate
	if g.CheckInterval == 0 {
		g.CheckInterval = 5 * time.Second
	}
	if g.EpochLength == 0 {
		g.EpochLength = time.Minute
	}
	if g.MaxEpochs == 0 {
		g.MaxEpochs = 30
	}
	if g.PromotePassRate == 0 {
		g.PromotePassRate = 0.67
	}
	if g.MaxPending == 0 {
		g.MaxPending = 50
	}
	r := &g.Rule
	if r.MinLiquidity == 0 {
		r.MinLiquidity = 35000
	}
	if r.MinBuys5m == 0 {
		r.MinBuys5m = 150
	}
	if r.MinBuySellRatio1h == 0 {
		r.MinBuySellRatio1h = 1.2
	}
	if r.MinMarketCap == 0 {
		r.MinMarketCap = 50000
	}
	if r.MinFDV == 0 {
		r.MinFDV = 100000
	}
	if r.MinVolume1h == 0 {
		r.MinVolume1h = 12000
	}

	tr := &cfg.Trading
	if tr.TickInterval == 0 {
		tr.TickInterval = 2 * time.Second
	}
	if tr.EntryWait == 0 {
		tr.EntryWait = 30 * time.Minute
	}
	if tr.HistorySize == 0 {
		tr.HistorySize = 10
	}
	if tr.DefaultCapital == 0 {
		tr.DefaultCapital = 1000
	}
	for i := range tr.Users {
		if tr.Users[i].Capital == 0 {
			tr.Users[i].Capital = tr.DefaultCapital
		}
	}
	c := &tr.Capital
	if c.MinTradeSize == 0 {
		c.MinTradeSize = 10
	}
	if c.MaxTradeSize == 0 {
		c.MaxTradeSize = 150
	}
	if c.LowBalanceThreshold == 0 {
		c.LowBalanceThreshold = 200
	}
	if c.LowBalancePct == 0 {
		c.LowBalancePct = 0.30
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/signal-tracker.db"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "signal-tracker:"
	}
	if cfg.Storage.CheckpointInterval == 0 {
		cfg.Storage.CheckpointInterval = 5 * time.Minute
	}

	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	if c.Feeds.Discovery.Path != "" && c.Feeds.Discovery.URL != "" {
		return fmt.Errorf("feeds.discovery: set either path or url, not both")
	}
	if c.Feeds.Alpha.Path != "" && c.Feeds.Alpha.URL != "" {
		return fmt.Errorf("feeds.alpha: set either path or url, not both")
	}
	if c.Pricing.RetryAttempts < 1 {
		return fmt.Errorf("pricing.retry_attempts must be at least 1")
	}
	if c.Tracking.RetryWindow < 0 {
		return fmt.Errorf("tracking.retry_window must not be negative")
	}
	if _, err := c.StatsSince(); err != nil {
		return fmt.Errorf("invalid tracking.stats_since %q: %w", c.Tracking.StatsSince, err)
	}
	if c.Gate.PromotePassRate <= 0 || c.Gate.PromotePassRate > 1 {
		return fmt.Errorf("gate.promote_pass_rate must be in (0, 1]")
	}
	if c.Trading.Capital.ReserveBalance < 0 {
		return fmt.Errorf("trading.capital.reserve_balance must not be negative")
	}
	if c.Trading.Capital.MinTradeSize > c.Trading.Capital.MaxTradeSize {
		return fmt.Errorf("trading.capital.min_trade_size exceeds max_trade_size")
	}
	seen := make(map[string]bool, len(c.Trading.Users))
	for _, u := range c.Trading.Users {
		if u.ID == "" {
			return fmt.Errorf("trading.users: id is required")
		}
		if seen[u.ID] {
			return fmt.Errorf("trading.users: duplicate id %q", u.ID)
		}
		seen[u.ID] = true
	}
	switch c.Storage.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

// StatsSince is the first archive date included in all-time statistics.
func (c *Config) StatsSince() (time.Time, error) {
	return time.Parse(time.DateOnly, c.Tracking.StatsSince)
}
