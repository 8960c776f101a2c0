package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Brokers.validate(c.App.Mode); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Limits.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch a.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("app.mode must be paper or live, got %q", a.Mode)
	}
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	return nil
}

func (b *BrokersConfig) validate(mode string) error {
	if mode == "live" {
		if !b.Binance.Enabled {
			return fmt.Errorf("live mode requires an enabled broker")
		}
		if strings.TrimSpace(b.Binance.APIKey) == "" || strings.TrimSpace(b.Binance.APISecret) == "" {
			return fmt.Errorf("brokers.binance requires api_key and api_secret in live mode")
		}
	}
	if b.Default != "sim" && b.Default != "binance" {
		return fmt.Errorf("brokers.default must be sim or binance, got %q", b.Default)
	}
	if b.Default == "binance" && !b.Binance.Enabled {
		return fmt.Errorf("brokers.default is binance but brokers.binance is not enabled")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if len(t.Watchlist) == 0 {
		return fmt.Errorf("trading.watchlist requires at least one instrument")
	}
	for _, w := range t.Watchlist {
		if strings.TrimSpace(w) == "" {
			return fmt.Errorf("trading.watchlist contains an empty instrument")
		}
	}
	if t.MaxSlippagePct < 0 {
		return fmt.Errorf("trading.max_slippage_pct must be >= 0")
	}
	if t.MinRiskReward < 0 {
		return fmt.Errorf("trading.min_risk_reward must be >= 0")
	}
	return nil
}

func (l *LimitsConfig) validate() error {
	if l.MaxDailyLoss < 0 {
		return fmt.Errorf("limits.max_daily_loss must be >= 0")
	}
	if l.MaxTradesPerDay < 0 {
		return fmt.Errorf("limits.max_trades_per_day must be >= 0")
	}
	if l.MaxLossPerTrade < 0 {
		return fmt.Errorf("limits.max_loss_per_trade must be >= 0")
	}
	if l.MinEquity < 0 {
		return fmt.Errorf("limits.min_equity must be >= 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}
