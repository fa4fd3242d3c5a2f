// Package models defines the core domain entities: markets, order books,
// true prices, alert rules, notifications and rationality metrics.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks malformed input local to one entity. Callers skip the
// entity and keep going.
var ErrValidation = errors.New("validation failed")

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

var validate = validator.New()

// Market is a binary prediction market. ResolvedOutcome is nil until the
// market settles.
type Market struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Description     string    `json:"description,omitempty" db:"description"`
	ResolvedOutcome *int      `json:"resolved_outcome,omitempty" db:"resolved_outcome"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks market field constraints.
func (m *Market) Validate() error {
	if m.ID == "" {
		return Validationf("market ID must not be empty")
	}
	if m.Name == "" {
		return Validationf("market name must not be empty")
	}
	if m.ResolvedOutcome != nil && *m.ResolvedOutcome != 0 && *m.ResolvedOutcome != 1 {
		return Validationf("resolved outcome must be 0 or 1, got %d", *m.ResolvedOutcome)
	}
	return nil
}

// Alert conditions.
const (
	ConditionAbove = "above"
	ConditionBelow = "below"
)

// AlertRule fires when the relative gap between true price and mid price
// crosses Threshold in the direction given by Condition.
type AlertRule struct {
	ID        string    `json:"id" db:"id" validate:"required"`
	Name      string    `json:"name" db:"name" validate:"required"`
	MarketID  string    `json:"market_id" db:"market_id" validate:"required"`
	Email     string    `json:"email" db:"email" validate:"omitempty,email"`
	Threshold float64   `json:"threshold" db:"threshold" validate:"gt=0,lt=1"`
	Condition string    `json:"condition" db:"condition" validate:"oneof=above below"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate checks alert rule field constraints.
func (r *AlertRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return Validationf("alert rule %s: field %s failed %q", r.ID, fe.Field(), fe.Tag())
		}
		return Validationf("alert rule %s: %v", r.ID, err)
	}
	if math.IsNaN(r.Threshold) {
		return Validationf("alert rule %s: threshold is NaN", r.ID)
	}
	return nil
}

// AlertNotification records one triggered evaluation of an AlertRule.
type AlertNotification struct {
	ID          string    `json:"id" db:"id"`
	AlertRuleID string    `json:"alert_rule_id" db:"alert_rule_id"`
	MarketID    string    `json:"market_id" db:"market_id"`
	TruePrice   float64   `json:"true_price" db:"true_price"`
	MidPrice    float64   `json:"mid_price" db:"mid_price"`
	Difference  float64   `json:"difference" db:"difference"`
	SentAt      time.Time `json:"sent_at" db:"sent_at"`
}

// Trader is a market participant identified by maker address.
type Trader struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TraderScore is a historical Brier score for one trader in one market.
// Lower is better.
type TraderScore struct {
	TraderID  string    `json:"trader_id" db:"trader_id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	Score     float64   `json:"score" db:"score"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// LeaderboardEntry is one ranked row of a market leaderboard.
type LeaderboardEntry struct {
	TraderID   string  `json:"trader_id" db:"trader_id"`
	TraderName string  `json:"trader_name" db:"trader_name"`
	MarketID   string  `json:"market_id" db:"market_id"`
	Score      float64 `json:"score" db:"score"`
	Position   int     `json:"position" db:"-"`
}
