package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/polyscore/internal/models"
	"github.com/rewired-gh/polyscore/internal/pricing"
)

func newAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Run one aggregation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.aggregator(nil).RunCycle(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "markets=%d written=%d skipped=%d failed=%d\n",
				res.Markets, res.Written, res.Skipped, res.Failed)
			return nil
		},
	}
}

func newAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Evaluate every active alert rule once and wait for notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			engine := a.alertEngine(nil)
			res, err := engine.RunCycle(ctx)
			engine.Wait()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rules=%d triggered=%d skipped=%d failed=%d\n",
				res.Rules, res.Triggered, res.Skipped, res.Failed)
			return nil
		},
	}
}

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Refresh trader scores for resolved markets and print leaderboards",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.rationalityEngine(nil).RunCycle(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "markets=%d scored=%d skipped=%d failed=%d\n",
				res.Markets, res.Scored, res.Skipped, res.Failed)

			markets, err := a.store.AllMarkets(ctx)
			if err != nil {
				return err
			}
			for _, m := range markets {
				if m.ResolvedOutcome == nil {
					continue
				}
				board, err := a.store.Leaderboard(ctx, m.ID, cfg.Rationality.LeaderboardSize)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s (%s)\n", m.Name, m.ID)
				for _, e := range board {
					fmt.Fprintf(out, "%3d. %-24s %.4f\n", e.Position, e.TraderName, e.Score)
				}
			}
			return nil
		},
	}
}

func newPriceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price MARKET_ID",
		Short: "Print the latest true price of a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, from, err := a.latestTruePrice(ctx, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no true price recorded for market %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "market=%s true_price=%.4f mid_price=%.4f at=%s source=%s\n",
				rec.MarketID, rec.Value, rec.MidPrice, rec.Timestamp.Format(time.RFC3339), from)
			return nil
		},
	}
}

func newRationalityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rationality",
		Short: "Compute rationality metrics for one market",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "active MARKET_ID",
			Short: "Score resting orders against the live consensus",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()
				a, err := newApp(ctx, cfg)
				if err != nil {
					return err
				}
				defer a.Close()

				m, err := a.rationalityEngine(nil).GetActive(ctx, args[0])
				if err != nil {
					return err
				}
				return printMetrics(cmd.OutOrStdout(), m)
			},
		},
		&cobra.Command{
			Use:   "historical MARKET_ID",
			Short: "Score traders of a resolved market by Brier score",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()
				a, err := newApp(ctx, cfg)
				if err != nil {
					return err
				}
				defer a.Close()

				m, err := a.rationalityEngine(nil).GetHistorical(ctx, args[0])
				if err != nil {
					return err
				}
				return printMetrics(cmd.OutOrStdout(), m)
			},
		},
	)
	return cmd
}

// printMetrics writes m as indented JSON. A NaN overall score prints as null.
func printMetrics(w io.Writer, m *models.RationalityMetrics) error {
	view := struct {
		*models.RationalityMetrics
		OverallScore *float64 `json:"overallScore"`
	}{RationalityMetrics: m}
	if !math.IsNaN(m.OverallScore) {
		view.OverallScore = &m.OverallScore
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func newSeedCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert demo markets with order book snapshots for local runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			book := models.OrderBook{
				Bids: []models.OrderBookLevel{{Price: 0.65, Size: 100}, {Price: 0.64, Size: 200}, {Price: 0.63, Size: 300}},
				Asks: []models.OrderBookLevel{{Price: 0.67, Size: 100}, {Price: 0.68, Size: 200}, {Price: 0.69, Size: 300}},
			}
			raw, err := json.Marshal(book)
			if err != nil {
				return err
			}
			mid := pricing.MidPrice(book.Bids, book.Asks)

			markets := []models.Market{
				{ID: "1", Name: "Will BTC be above $50k on July 1, 2024?", Description: "Settlement based on Coinbase BTC/USD price at 00:00 UTC."},
				{ID: "2", Name: "Will ETH be above $3k on July 1, 2024?", Description: "Settlement based on Coinbase ETH/USD price at 00:00 UTC."},
			}
			for i := range markets {
				if err := a.store.UpsertMarket(ctx, &markets[i]); err != nil {
					return err
				}
				if err := a.store.AddSnapshot(ctx, markets[i].ID, time.Now(), raw, mid); err != nil {
					return err
				}
			}
			if email != "" {
				rule := models.AlertRule{
					ID:        "demo-wide-gap",
					Name:      "BTC true price gap",
					MarketID:  "1",
					Email:     email,
					Threshold: 0.001,
					Condition: models.ConditionAbove,
					IsActive:  true,
				}
				if err := a.store.AddAlertRule(ctx, &rule); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d markets\n", len(markets))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Also add a demo alert rule notifying this address")
	return cmd
}
