// Package app wires configuration into a running daemon: brokers,
// guards, stores, the event loop, schedulers and the admin server.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tiller/internal/audit"
	"tiller/internal/broker"
	binancebroker "tiller/internal/broker/binance"
	"tiller/internal/broker/sim"
	"tiller/internal/config"
	"tiller/internal/daemon"
	"tiller/internal/guard"
	"tiller/internal/logger"
	"tiller/internal/notify"
	"tiller/internal/orders"
	"tiller/internal/safety"
	"tiller/internal/scheduler"
	"tiller/internal/state"
	"tiller/internal/store/history"
	adminhttp "tiller/internal/transport/http/admin"
)

// App owns every long-lived component.
type App struct {
	cfg     *config.Config
	daemon  *daemon.Daemon
	admin   *adminhttp.Server
	auditlg *audit.Log
	hist    *history.Store
	watcher *safety.ControlWatcher
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	auditLog, err := audit.NewLog(cfg.Audit.Dir, cfg.App.Mode, cfg.Audit.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	stateMgr, err := state.NewManager(cfg.App.DataDir)
	if err != nil {
		return nil, fmt.Errorf("state manager: %w", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.NewStore(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
	}

	brokers, err := buildBrokers(cfg)
	if err != nil {
		return nil, err
	}

	safetyMgr := safety.NewManager(safety.Limits{
		MaxDailyLoss:    decimal.NewFromFloat(cfg.Limits.MaxDailyLoss),
		MaxTradesPerDay: cfg.Limits.MaxTradesPerDay,
		MaxLossPerTrade: decimal.NewFromFloat(cfg.Limits.MaxLossPerTrade),
		MinEquity:       decimal.NewFromFloat(cfg.Limits.MinEquity),
	})

	var alerter *notify.Alerter
	if cfg.Notify.Telegram.Enabled {
		alerter = notify.NewAlerter(notify.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID))
	} else {
		alerter = notify.NewAlerter(nil)
	}
	safetyMgr.SetChangeHandler(func(rec safety.TripRecord, tripped bool) {
		alerter.KillSwitch(rec, !tripped)
		kind := audit.KindKillSwitch
		if !tripped {
			kind = audit.KindKillSwitchClear
		}
		entry := audit.Entry{
			Kind: kind,
			Mode: cfg.App.Mode,
			Details: map[string]any{
				"switch": string(rec.Switch),
				"reason": rec.Reason,
			},
		}
		if err := auditLog.Append(entry); err != nil {
			logger.Errorf("audit append failed: %v", err)
		}
	})

	d := daemon.New(daemon.Options{
		Mode:          daemon.Mode(cfg.App.Mode),
		DefaultBroker: cfg.Brokers.Default,
		Brokers:       brokers,
		Safety:        safetyMgr,
		Audit:         auditLog,
		State:         stateMgr,
		History:       hist,
		Alerter:       alerter,
		Dup:           guard.NewDuplicateGuard(time.Duration(cfg.Guards.DuplicateWindowSeconds) * time.Second),
		Rate:          guard.NewRateLimiter(cfg.Guards.RatePerSecond, cfg.Guards.RateBurst, time.Duration(cfg.Guards.RateMaxWaitSeconds)*time.Second),
		OrderConfig: orders.Config{
			FillTimeout:    time.Duration(cfg.Trading.FillTimeoutSeconds) * time.Second,
			SubmitRetries:  cfg.Trading.SubmitRetries,
			MaxSlippagePct: decimal.NewFromFloat(cfg.Trading.MaxSlippagePct),
			MinRiskReward:  decimal.NewFromFloat(cfg.Trading.MinRiskReward),
		},
		Watchlist: cfg.Trading.Watchlist,
	})

	watcher, err := safety.NewControlWatcher(cfg.App.DataDir, safetyMgr)
	if err != nil {
		return nil, fmt.Errorf("control watcher: %w", err)
	}

	a := &App{
		cfg:     cfg,
		daemon:  d,
		auditlg: auditLog,
		hist:    hist,
		watcher: watcher,
	}
	if cfg.Admin.Enabled {
		router := adminhttp.NewRouter(d, hist, cfg.Audit.Dir)
		srv, err := adminhttp.NewServer(cfg.Admin.ListenAddr, router)
		if err != nil {
			return nil, fmt.Errorf("admin server: %w", err)
		}
		a.admin = srv
	}
	return a, nil
}

func buildBrokers(cfg *config.Config) (map[string]broker.Broker, error) {
	brokers := make(map[string]broker.Broker)
	brokers["sim"] = sim.New("sim")
	if cfg.Brokers.Binance.Enabled {
		brokers["binance"] = binancebroker.New("binance", binancebroker.Config{
			APIKey:      cfg.Brokers.Binance.APIKey,
			APISecret:   cfg.Brokers.Binance.APISecret,
			RESTBaseURL: cfg.Brokers.Binance.RESTBaseURL,
		})
	}
	if _, ok := brokers[cfg.Brokers.Default]; !ok {
		return nil, fmt.Errorf("default broker %q is not configured", cfg.Brokers.Default)
	}
	return brokers, nil
}

// Run starts everything and blocks until ctx is cancelled or a
// component fails. Shutdown is orderly: the daemon drains last.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	if err := a.daemon.Start(ctx); err != nil {
		return err
	}
	a.startSchedulers(ctx)

	group, ctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		group.Go(func() error {
			if err := a.admin.Start(ctx); err != nil {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.daemon.Stop(shCtx)
		return nil
	})

	err := group.Wait()
	a.close()
	return err
}

// startSchedulers feeds the loop its periodic events: the order tick,
// the snapshot flush, hourly reconciliation and the UTC daily reset.
func (a *App) startSchedulers(ctx context.Context) {
	tick := time.Duration(a.cfg.Trading.TickSeconds) * time.Second
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = a.daemon.Send(daemon.NewEvent(daemon.EvtSchedulerTick, struct{}{}))
			}
		}
	}()

	snap := time.Duration(a.cfg.Trading.SnapshotSeconds) * time.Second
	go func() {
		t := time.NewTicker(snap)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = a.daemon.Send(daemon.NewEvent(daemon.EvtSnapshot, struct{}{}))
			}
		}
	}()

	reconcile := scheduler.NewAlignedScheduler(ctx, "reconcile",
		time.Duration(a.cfg.Trading.ReconcileMinutes)*time.Minute, 0)
	go reconcile.Start(func() {
		_ = a.daemon.Send(daemon.NewEvent(daemon.EvtReconcileRequest, daemon.ReconcileRequestPayload{
			Reason: "scheduled",
		}))
	})

	daily := scheduler.NewAlignedScheduler(ctx, "daily-reset", 24*time.Hour, 0)
	go daily.Start(func() {
		_ = a.daemon.Send(daemon.NewEvent(daemon.EvtDailyReset, struct{}{}))
	})
}

func (a *App) close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			logger.Warnf("history store close: %v", err)
		}
	}
	if a.auditlg != nil {
		if err := a.auditlg.Close(); err != nil {
			logger.Warnf("audit log close: %v", err)
		}
	}
}

// Daemon exposes the event loop for test harnesses.
func (a *App) Daemon() *daemon.Daemon {
	if a == nil {
		return nil
	}
	return a.daemon
}

// SnapshotPath reports where the crash-recovery snapshot lives.
func (a *App) SnapshotPath() string {
	return filepath.Join(a.cfg.App.DataDir, "state.json")
}
