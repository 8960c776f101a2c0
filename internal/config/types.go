package config

// Config is the full daemon configuration.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Brokers BrokersConfig `yaml:"brokers"`
	Trading TradingConfig `yaml:"trading"`
	Limits  LimitsConfig  `yaml:"limits"`
	Guards  GuardsConfig  `yaml:"guards"`
	Audit   AuditConfig   `yaml:"audit"`
	History HistoryConfig `yaml:"history"`
	Notify  NotifyConfig  `yaml:"notify"`
	Admin   AdminConfig   `yaml:"admin"`
}

type AppConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	DataDir  string `yaml:"data_dir"`  // snapshots and the halt file
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

type BrokersConfig struct {
	Default string        `yaml:"default"`
	Binance BinanceConfig `yaml:"binance"`
}

type BinanceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	RESTBaseURL string `yaml:"rest_base_url"`
}

type TradingConfig struct {
	Watchlist          []string `yaml:"watchlist"`
	FillTimeoutSeconds int      `yaml:"fill_timeout_seconds"`
	SubmitRetries      int      `yaml:"submit_retries"`
	MaxSlippagePct     float64  `yaml:"max_slippage_pct"`
	MinRiskReward      float64  `yaml:"min_risk_reward"`
	TickSeconds        int      `yaml:"tick_seconds"`
	SnapshotSeconds    int      `yaml:"snapshot_seconds"`
	ReconcileMinutes   int      `yaml:"reconcile_minutes"`
}

type LimitsConfig struct {
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	MaxLossPerTrade float64 `yaml:"max_loss_per_trade"`
	MinEquity       float64 `yaml:"min_equity"`
}

type GuardsConfig struct {
	DuplicateWindowSeconds int     `yaml:"duplicate_window_seconds"`
	RatePerSecond          float64 `yaml:"rate_per_second"`
	RateBurst              int     `yaml:"rate_burst"`
	RateMaxWaitSeconds     int     `yaml:"rate_max_wait_seconds"`
}

type AuditConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type AdminConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func (c *Config) applyDefaults() {
	if c.App.Mode == "" {
		c.App.Mode = "paper"
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "data"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Brokers.Default == "" {
		if c.Brokers.Binance.Enabled {
			c.Brokers.Default = "binance"
		} else {
			c.Brokers.Default = "sim"
		}
	}
	if c.Trading.FillTimeoutSeconds <= 0 {
		c.Trading.FillTimeoutSeconds = 30
	}
	if c.Trading.SubmitRetries <= 0 {
		c.Trading.SubmitRetries = 2
	}
	if c.Trading.TickSeconds <= 0 {
		c.Trading.TickSeconds = 5
	}
	if c.Trading.SnapshotSeconds <= 0 {
		c.Trading.SnapshotSeconds = 60
	}
	if c.Trading.ReconcileMinutes <= 0 {
		c.Trading.ReconcileMinutes = 60
	}
	if c.Guards.DuplicateWindowSeconds <= 0 {
		c.Guards.DuplicateWindowSeconds = 60
	}
	if c.Guards.RatePerSecond <= 0 {
		c.Guards.RatePerSecond = 5
	}
	if c.Guards.RateBurst <= 0 {
		c.Guards.RateBurst = 10
	}
	if c.Guards.RateMaxWaitSeconds <= 0 {
		c.Guards.RateMaxWaitSeconds = 10
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "data/audit"
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 90
	}
	if c.History.Path == "" {
		c.History.Path = "data/history.db"
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":9985"
	}
}
