package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/polyscore/internal/config"
	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/metrics"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "polyscore",
		Short:         "Prediction market true price aggregation, trader scoring and alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loaded, err := config.Load(configPath)
			if err != nil {
				logger.Init("info", "text")
				logger.Fatal("Failed to load config: %v", err)
			}
			logger.Init(loaded.Logging.Level, loaded.Logging.Format)
			if err := loaded.Validate(); err != nil {
				logger.Fatal("Invalid configuration: %v", err)
			}
			if configPath != "" {
				logger.Info("Configuration loaded from %s", configPath)
			}
			cfg = loaded
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")

	root.AddCommand(
		newRunCmd(),
		newAggregateCmd(),
		newAlertsCmd(),
		newScoreCmd(),
		newPriceCmd(),
		newRationalityCmd(),
		newSeedCmd(),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the aggregator, alert engine and score refresher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.tg != nil {
				a.tg.ListenForCommands(ctx)
			}

			agg := a.aggregator(a.cycleNotifier(metrics.LoopAggregator))
			alertEngine := a.alertEngine(a.cycleNotifier(metrics.LoopAlerts))
			scorer := a.rationalityEngine(a.cycleNotifier(metrics.LoopRationality))

			var wg conc.WaitGroup
			wg.Go(func() { _ = agg.Run(ctx) })
			wg.Go(func() { _ = alertEngine.Run(ctx) })
			wg.Go(func() { _ = scorer.Run(ctx) })
			if addr := cfg.Metrics.ListenAddr; addr != "" {
				wg.Go(func() {
					logger.Info("Serving metrics on %s", addr)
					if err := metrics.Serve(ctx, addr, a.registry); err != nil {
						logger.Error("Metrics listener failed: %v", err)
					}
				})
			}
			wg.Wait()

			logger.Info("Waiting for pending notifications")
			drained := make(chan struct{})
			go func() {
				alertEngine.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(cfg.Alerts.SendTimeout):
				logger.Warn("Gave up waiting for pending notifications")
			}
			logger.Info("Service stopped")
			return nil
		},
	}
}
