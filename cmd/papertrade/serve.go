package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

const rotationInterval = time.Hour

type serveCmd struct{}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "poll prices, evaluate alerts and answer Telegram commands" }
func (*serveCmd) Usage() string {
	return `serve

  Runs until SIGINT or SIGTERM:
  - refreshes the price table every coingecko.poll_interval
  - evaluates price alerts every alerts.evaluate_interval
  - answers chat commands when Telegram is enabled
  - trims the trade journal to storage.max_trades
`
}

func (*serveCmd) SetFlags(*flag.FlagSet) {}

func (*serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.close()

	owner := leaseOwner()
	if err := a.acquireServeLease(ctx, owner); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot claim %s: %v\n", a.cfg.Storage.DBPath, err)
		return subcommands.ExitFailure
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Storage.Timeout)
		defer cancel()
		if err := a.store.ReleaseLease(releaseCtx, serveLease, owner); err != nil {
			logger.Warn("Failed to release server lease: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	sched := scheduler.New(a.clock)
	sched.Add(scheduler.Task{
		Name:     "lease-renew",
		Interval: leaseTTL / 3,
		Timeout:  cfg.Storage.Timeout,
		Run: func(ctx context.Context) error {
			return a.acquireServeLease(ctx, owner)
		},
	})
	refresh := scheduler.Task{
		Name:     "price-refresh",
		Interval: cfg.CoinGecko.PollInterval,
		Run:      a.prices.Refresh,
	}
	if a.telegram != nil {
		refresh.OnFailure = func(err error) {
			if sendErr := a.telegram.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		refresh.OnRecovery = func(failures int) {
			if sendErr := a.telegram.SendRecovery(failures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
	}
	sched.Add(refresh)

	if cfg.Alerts.Enabled {
		sched.Add(scheduler.Task{
			Name:     "alert-evaluate",
			Interval: cfg.Alerts.EvaluateInterval,
			Timeout:  cfg.Storage.Timeout,
			Run: func(ctx context.Context) error {
				if fired := a.monitor.Evaluate(ctx); len(fired) > 0 {
					logger.Info("%d alerts fired", len(fired))
				}
				return nil
			},
		})
	}

	sched.Add(scheduler.Task{
		Name:     "trade-rotation",
		Interval: rotationInterval,
		Timeout:  cfg.Storage.Timeout,
		Run:      a.store.RotateTrades,
	})

	logger.Info("Starting papertrade service (poll: %v, alerts: %v, telegram: %v)",
		cfg.CoinGecko.PollInterval, cfg.Alerts.Enabled, a.telegram != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return a.queue.Run(gctx) })
	if a.telegram != nil {
		g.Go(func() error { return a.telegram.ListenForCommands(gctx, a.dispatcher) })
	}
	runErr := g.Wait()

	logger.Info("Shutting down, flushing state")
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Timeout)
	defer cancel()
	a.monitor.Shutdown(flushCtx)
	if err := a.ledger.Flush(flushCtx); err != nil {
		logger.Error("Failed to save portfolio on shutdown: %v", err)
	}

	if runErr != nil {
		logger.Error("Service stopped: %v", runErr)
		return subcommands.ExitFailure
	}
	logger.Info("Service stopped")
	return subcommands.ExitSuccess
}
