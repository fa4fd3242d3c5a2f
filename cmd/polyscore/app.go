package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rewired-gh/polyscore/internal/aggregator"
	"github.com/rewired-gh/polyscore/internal/alerts"
	"github.com/rewired-gh/polyscore/internal/config"
	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/metrics"
	"github.com/rewired-gh/polyscore/internal/models"
	"github.com/rewired-gh/polyscore/internal/notify"
	"github.com/rewired-gh/polyscore/internal/polymarket"
	"github.com/rewired-gh/polyscore/internal/rationality"
	"github.com/rewired-gh/polyscore/internal/retry"
	"github.com/rewired-gh/polyscore/internal/storage"
	"github.com/rewired-gh/polyscore/internal/telegram"
)

// app holds the wired dependencies shared by all commands.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	cache    *storage.PriceCache
	source   polymarket.Source
	sink     notify.Sink
	tg       *telegram.Client
	registry *prometheus.Registry
	metrics  *metrics.Recorder
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	store, err := storage.New(storage.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store
	logger.Info("Storage ready (driver: %s)", cfg.Database.Driver)

	if cfg.Redis.Enabled {
		cache, err := storage.NewPriceCache(ctx, storage.CacheConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			// The cache is an accelerator only.
			logger.Warn("Redis unavailable, continuing without price cache: %v", err)
		} else {
			a.cache = cache
		}
	}

	switch cfg.Polymarket.Source {
	case "fixture":
		a.source = polymarket.NewFixtureSource()
		logger.Info("Using fixture market data")
	default:
		a.source = polymarket.NewClient(polymarket.ClientConfig{
			APIURL:            cfg.Polymarket.APIURL,
			Timeout:           cfg.Polymarket.Timeout,
			RequestsPerSecond: cfg.Polymarket.RequestsPerSecond,
			Burst:             cfg.Polymarket.Burst,
			BreakerFailures:   cfg.Polymarket.BreakerFailures,
			BreakerCooldown:   cfg.Polymarket.BreakerCooldown,
			Retry: retry.Policy{
				MaxAttempts: cfg.Polymarket.MaxRetries,
				BaseDelay:   cfg.Polymarket.RetryDelayBase,
				Multiplier:  2,
			},
		})
	}

	if cfg.Telegram.Enabled {
		a.tg, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, retry.Policy{
			MaxAttempts: cfg.Telegram.MaxRetries,
			BaseDelay:   cfg.Telegram.RetryDelayBase,
			Multiplier:  2,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	switch cfg.Notify.Backend {
	case notify.BackendSMTP:
		sink, err := notify.NewSMTPSink(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Timeout:  cfg.SMTP.Timeout,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize SMTP sink: %w", err)
		}
		a.sink = sink
	case notify.BackendTelegram:
		a.sink = notify.NewTelegramSink(a.tg)
	default:
		a.sink = notify.NewLogSink()
	}
	logger.Info("Alert notifications via %s", cfg.Notify.Backend)

	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logger.Warn("Failed to close price cache: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}
}

func (a *app) aggregator(onCycle func(error)) *aggregator.Scheduler {
	var cache aggregator.PriceCache
	if a.cache != nil {
		cache = a.cache
	}
	return aggregator.New(a.store, cache, a.metrics, aggregator.Config{
		Interval:       a.cfg.Aggregator.Interval,
		RetryDelay:     a.cfg.Aggregator.RetryDelay,
		MaxConcurrency: a.cfg.Aggregator.MaxConcurrency,
		OnCycle:        onCycle,
	})
}

func (a *app) alertEngine(onCycle func(error)) *alerts.Engine {
	return alerts.New(a.store, a.sink, a.metrics, alerts.Config{
		Interval:       a.cfg.Alerts.Interval,
		RetryDelay:     a.cfg.Alerts.RetryDelay,
		MaxConcurrency: a.cfg.Alerts.MaxConcurrency,
		SendTimeout:    a.cfg.Alerts.SendTimeout,
		OnCycle:        onCycle,
	})
}

func (a *app) rationalityEngine(onCycle func(error)) *rationality.Engine {
	return rationality.NewEngine(a.store, a.source, a.metrics, rationality.EngineConfig{
		Interval:       a.cfg.Rationality.Interval,
		RetryDelay:     a.cfg.Rationality.RetryDelay,
		MaxConcurrency: a.cfg.Rationality.MaxConcurrency,
		OnCycle:        onCycle,
	})
}

// latestTruePrice reads the cache first and falls back to the store on a
// miss or cache error. The second result names where the record came from.
func (a *app) latestTruePrice(ctx context.Context, marketID string) (*models.TruePriceRecord, string, error) {
	if a.cache != nil {
		rec, err := a.cache.GetTruePrice(ctx, marketID)
		switch {
		case err != nil:
			logger.Warn("Price cache read failed for market %s: %v", marketID, err)
		case rec != nil:
			return rec, "cache", nil
		}
	}
	rec, err := a.store.LatestTruePrice(ctx, marketID)
	if err != nil {
		return nil, "", err
	}
	return rec, "store", nil
}

// cycleNotifier reports the first failure of a consecutive run and the
// recovery that ends it. Without Telegram it only tracks the count.
func (a *app) cycleNotifier(loop string) func(error) {
	consecutiveFailures := 0
	return func(err error) {
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures == 1 && a.tg != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if sendErr := a.tg.SendError(ctx, loop, err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 {
			logger.Info("%s recovered after %d consecutive failure(s)", loop, consecutiveFailures)
			if a.tg != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if sendErr := a.tg.SendRecovery(ctx, loop, consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
		}
		consecutiveFailures = 0
	}
}
