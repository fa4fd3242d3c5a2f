package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/polyscore/internal/models"
)

func newTestStorage(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Driver: DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addMarket(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.UpsertMarket(context.Background(), &models.Market{ID: id, Name: "Market " + id}); err != nil {
		t.Fatalf("UpsertMarket(%s): %v", id, err)
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	if _, err := New(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestNew_PostgresRequiresDSN(t *testing.T) {
	if _, err := New(Config{Driver: DriverPostgres}); err == nil {
		t.Error("expected error for missing DSN")
	}
}

func TestStorage_UpsertAndListMarkets(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		addMarket(t, s, fmt.Sprintf("m-%d", i))
	}
	one := 1
	if err := s.UpsertMarket(ctx, &models.Market{ID: "m-1", Name: "Renamed", ResolvedOutcome: &one}); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	markets, err := s.AllMarkets(ctx)
	if err != nil {
		t.Fatalf("AllMarkets: %v", err)
	}
	if len(markets) != 3 {
		t.Fatalf("got %d markets, want 3", len(markets))
	}
	if markets[1].Name != "Renamed" {
		t.Errorf("name not updated: %q", markets[1].Name)
	}
	if markets[1].ResolvedOutcome == nil || *markets[1].ResolvedOutcome != 1 {
		t.Errorf("resolved outcome not stored: %v", markets[1].ResolvedOutcome)
	}
	if markets[0].ResolvedOutcome != nil {
		t.Errorf("open market has outcome %v", *markets[0].ResolvedOutcome)
	}
}

func TestStorage_UpsertMarket_Invalid(t *testing.T) {
	s := newTestStorage(t)
	err := s.UpsertMarket(context.Background(), &models.Market{ID: "m"})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestSession_LatestSnapshot(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	addMarket(t, s, "m")

	now := time.Now()
	if err := s.AddSnapshot(ctx, "m", now.Add(-time.Minute), []byte(`{"bids":[],"asks":[]}`), 0.5); err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}
	if err := s.AddSnapshot(ctx, "m", now, []byte(`{"bids":[{"price":0.6,"size":1}],"asks":[]}`), math.NaN()); err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}

	err := s.WithSession(ctx, func(sess *Session) error {
		snap, err := sess.LatestSnapshot(ctx, "m")
		if err != nil {
			return err
		}
		if snap == nil {
			t.Fatal("expected snapshot")
		}
		if snap.Timestamp.UnixNano() != now.UnixNano() {
			t.Errorf("got older snapshot at %v", snap.Timestamp)
		}
		if !math.IsNaN(snap.MidPrice) {
			t.Errorf("NULL mid price read as %v, want NaN", snap.MidPrice)
		}

		missing, err := sess.LatestSnapshot(ctx, "other")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("expected nil snapshot for unknown market, got %+v", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}
}

func TestSession_TruePriceCommitAndRollback(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	addMarket(t, s, "m")

	err := s.WithSession(ctx, func(sess *Session) error {
		rec := &models.TruePriceRecord{MarketID: "m", Value: 0.61, MidPrice: 0.6}
		if err := sess.AppendTruePrice(ctx, rec); err != nil {
			return err
		}
		if rec.ID == 0 {
			t.Error("expected ID to be assigned")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}

	boom := errors.New("boom")
	err = s.WithSession(ctx, func(sess *Session) error {
		if err := sess.AppendTruePrice(ctx, &models.TruePriceRecord{MarketID: "m", Value: 0.9, MidPrice: 0.6}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	latest, err := s.LatestTruePrice(ctx, "m")
	if err != nil {
		t.Fatalf("LatestTruePrice: %v", err)
	}
	if latest == nil || latest.Value != 0.61 {
		t.Errorf("rolled back write visible or commit lost: %+v", latest)
	}
	history, err := s.TruePriceHistory(ctx, "m", 10)
	if err != nil {
		t.Fatalf("TruePriceHistory: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("got %d records, want 1", len(history))
	}
}

func TestSession_PanicRollsBack(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	addMarket(t, s, "m")

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = s.WithSession(ctx, func(sess *Session) error {
			_ = sess.AppendTruePrice(ctx, &models.TruePriceRecord{MarketID: "m", Value: 0.4, MidPrice: 0.4})
			panic("unit exploded")
		})
	}()

	latest, err := s.LatestTruePrice(ctx, "m")
	if err != nil {
		t.Fatalf("LatestTruePrice: %v", err)
	}
	if latest != nil {
		t.Errorf("write from panicking session persisted: %+v", latest)
	}
}

func TestSession_AppendTruePriceRejectsNaN(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	addMarket(t, s, "m")
	err := s.WithSession(ctx, func(sess *Session) error {
		return sess.AppendTruePrice(ctx, &models.TruePriceRecord{MarketID: "m", Value: math.NaN(), MidPrice: 0.5})
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestSession_AppendTruePriceUnknownMarketFails(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	err := s.WithSession(ctx, func(sess *Session) error {
		return sess.AppendTruePrice(ctx, &models.TruePriceRecord{MarketID: "ghost", Value: 0.5, MidPrice: 0.5})
	})
	if err == nil {
		t.Error("expected foreign key violation")
	}
}

func TestStorage_AlertRulesAndNotifications(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	addMarket(t, s, "m")

	rules := []models.AlertRule{
		{ID: "r-1", Name: "gap", MarketID: "m", Email: "a@example.com", Threshold: 0.05, Condition: models.ConditionAbove, IsActive: true},
		{ID: "r-2", Name: "quiet", MarketID: "m", Email: "b@example.com", Threshold: 0.01, Condition: models.ConditionBelow, IsActive: false},
	}
	for i := range rules {
		if err := s.AddAlertRule(ctx, &rules[i]); err != nil {
			t.Fatalf("AddAlertRule: %v", err)
		}
	}
	active, err := s.ActiveAlertRules(ctx)
	if err != nil {
		t.Fatalf("ActiveAlertRules: %v", err)
	}
	if len(active) != 1 || active[0].ID != "r-1" || !active[0].IsActive {
		t.Fatalf("unexpected active rules: %+v", active)
	}
	if active[0].Condition != models.ConditionAbove || active[0].Threshold != 0.05 {
		t.Errorf("rule fields not round-tripped: %+v", active[0])
	}

	err = s.WithSession(ctx, func(sess *Session) error {
		return sess.AppendNotification(ctx, &models.AlertNotification{
			AlertRuleID: "r-1", MarketID: "m", TruePrice: 0.7, MidPrice: 0.6, Difference: 1.0 / 6,
		})
	})
	if err != nil {
		t.Fatalf("AppendNotification: %v", err)
	}
	notes, err := s.Notifications(ctx, "r-1")
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].ID == "" || notes[0].SentAt.IsZero() {
		t.Errorf("unexpected notifications: %+v", notes)
	}
}

func TestStorage_AddAlertRule_Invalid(t *testing.T) {
	s := newTestStorage(t)
	addMarket(t, s, "m")
	err := s.AddAlertRule(context.Background(), &models.AlertRule{ID: "r", Name: "n", MarketID: "m", Email: "a@example.com", Threshold: 2, Condition: models.ConditionAbove})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestSession_OutcomeAndPredictions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	zero := 0
	if err := s.UpsertMarket(ctx, &models.Market{ID: "resolved", Name: "r", ResolvedOutcome: &zero}); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	addMarket(t, s, "open")

	now := time.Now()
	for i, p := range []float64{0.2, 0.35} {
		if err := s.AddPrediction(ctx, "alice", "resolved", p, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AddPrediction: %v", err)
		}
	}

	err := s.WithSession(ctx, func(sess *Session) error {
		outcome, resolved, err := sess.MarketOutcome(ctx, "resolved")
		if err != nil {
			return err
		}
		if !resolved || outcome != 0 {
			t.Errorf("got outcome=%d resolved=%v", outcome, resolved)
		}
		if _, resolved, _ := sess.MarketOutcome(ctx, "open"); resolved {
			t.Error("open market reported resolved")
		}
		if _, resolved, _ := sess.MarketOutcome(ctx, "ghost"); resolved {
			t.Error("unknown market reported resolved")
		}

		preds, err := sess.PredictionsFor(ctx, "alice", "resolved")
		if err != nil {
			return err
		}
		if len(preds) != 2 || preds[0] != 0.2 || preds[1] != 0.35 {
			t.Errorf("unexpected predictions: %v", preds)
		}
		none, err := sess.PredictionsFor(ctx, "bob", "resolved")
		if err != nil {
			return err
		}
		if len(none) != 0 {
			t.Errorf("expected no predictions for bob, got %v", none)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}
}

func TestStorage_Leaderboard(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	addMarket(t, s, "m")
	if err := s.AddTrader(ctx, &models.Trader{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("AddTrader: %v", err)
	}

	scores := []models.TraderScore{
		{TraderID: "alice", MarketID: "m", Score: 0.40},
		{TraderID: "bob", MarketID: "m", Score: 0.10},
		{TraderID: "alice", MarketID: "m", Score: 0.05}, // newer score wins
	}
	err := s.WithSession(ctx, func(sess *Session) error {
		for i := range scores {
			if err := sess.AppendTraderScore(ctx, &scores[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AppendTraderScore: %v", err)
	}

	board, err := s.Leaderboard(ctx, "m", 0)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(board), board)
	}
	if board[0].TraderID != "alice" || board[0].TraderName != "Alice" || board[0].Score != 0.05 || board[0].Position != 1 {
		t.Errorf("unexpected first entry: %+v", board[0])
	}
	if board[1].TraderID != "bob" || board[1].TraderName != "bob" || board[1].Position != 2 {
		t.Errorf("unexpected second entry: %+v", board[1])
	}
}

func TestPriceKey(t *testing.T) {
	if got := PriceKey("42"); got != "market:42:true_price" {
		t.Errorf("PriceKey = %q", got)
	}
}
