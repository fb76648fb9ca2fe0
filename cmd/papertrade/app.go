package main

import (
	"context"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/rewired-gh/papertrade/internal/coingecko"
	"github.com/rewired-gh/papertrade/internal/commands"
	"github.com/rewired-gh/papertrade/internal/config"
	"github.com/rewired-gh/papertrade/internal/ledger"
	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/monitor"
	"github.com/rewired-gh/papertrade/internal/notify"
	"github.com/rewired-gh/papertrade/internal/pricetable"
	"github.com/rewired-gh/papertrade/internal/storage"
	"github.com/rewired-gh/papertrade/internal/telegram"
	"github.com/rewired-gh/papertrade/internal/watchlist"
)

// app holds every wired component. Commands build one per invocation.
type app struct {
	cfg        *config.Config
	clock      clock.Clock
	store      *storage.Storage
	prices     *pricetable.Table
	ledger     *ledger.Ledger
	monitor    *monitor.Monitor
	watchlist  *watchlist.Watchlist
	queue      *notify.Queue
	telegram   *telegram.Client
	dispatcher *commands.Dispatcher
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if *configPath != "" {
		logger.Info("Configuration loaded from %s", *configPath)
	}

	balance, err := cfg.Portfolio.Balance()
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.Storage.MaxTrades, cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &app{cfg: cfg, store: store}

	sinks := notify.Multi{notify.LogSink{}}
	if cfg.Telegram.Enabled {
		a.telegram, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		sinks = append(sinks, a.telegram)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	a.queue = notify.NewQueue(sinks, cfg.Alerts.QueueSize)

	clk := clock.New()
	a.clock = clk
	gecko := coingecko.NewClient(cfg.CoinGecko.BaseURL, cfg.CoinGecko.Timeout, coingecko.ClientConfig{
		APIKey:         cfg.CoinGecko.APIKey,
		VsCurrency:     cfg.CoinGecko.VsCurrency,
		PerPage:        cfg.CoinGecko.PerPage,
		Pages:          cfg.CoinGecko.Pages,
		MaxRetries:     cfg.CoinGecko.MaxRetries,
		RetryDelayBase: cfg.CoinGecko.RetryDelayBase,
	})
	a.prices = pricetable.New(gecko, clk, cfg.CoinGecko.Timeout*fetchTimeoutFactor)

	a.ledger = ledger.New(store, a.prices, ledger.Config{StartingBalance: balance, Clock: clk, Journal: store})
	a.monitor = monitor.New(store, a.prices, a.queue, clk)
	a.watchlist = watchlist.New(store, a.prices)
	for _, s := range []struct {
		name string
		load func(context.Context) error
	}{
		{"portfolio", a.ledger.Load},
		{"alert rules", a.monitor.Load},
		{"watchlist", a.watchlist.Load},
	} {
		if err := loadWithRetry(ctx, cfg.Storage.Timeout, s.name, s.load); err != nil {
			a.close()
			return nil, err
		}
	}

	a.dispatcher = commands.New(commands.Deps{
		Ledger:       a.ledger,
		Monitor:      a.monitor,
		Watchlist:    a.watchlist,
		Prices:       a.prices,
		Trades:       store,
		TradeTimeout: cfg.Portfolio.TradeTimeout,
	})
	return a, nil
}

// loadRetries bounds how often startup re-reads state from a busy database.
const loadRetries = 3

// loadWithRetry runs load until it succeeds. Starting with unreadable state
// would let the first save overwrite what is on disk, so it fails instead.
func loadWithRetry(ctx context.Context, timeout time.Duration, name string, load func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		loadCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return struct{}{}, load(loadCtx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(timeout)),
		backoff.WithMaxTries(loadRetries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("Failed to load %s, retrying in %v: %v", name, d, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", name, err)
	}
	return nil
}

// fetchTimeoutFactor bounds a full refresh, which may page and retry.
const fetchTimeoutFactor = 4

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
	logger.Sync()
}
