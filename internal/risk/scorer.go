// Package risk scores payment-failure risk from a customer's recent
// attempt history.
package risk

import (
	"context"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	retrydomain "github.com/GYB356/billing-management-platform-sub001/internal/retry/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxScore          = 100
	failureRateWeight = 50
	fraudWeight       = 25
	smallHistoryBonus = 20
	smallHistoryLimit = 10
)

// Score computes a 0-100 risk score from attempt history. Empty history is
// a defined edge case and scores 0; the small-history bonus applies only
// when history exists.
func Score(history []retrydomain.PaymentAttempt) int {
	total := 0
	failed := 0
	fraudulent := 0
	for _, attempt := range history {
		// SCHEDULED rows have not executed yet and carry no signal.
		if attempt.Status == retrydomain.AttemptStatusScheduled {
			continue
		}
		total++
		if attempt.Status == retrydomain.AttemptStatusFailed {
			failed++
			if retrydomain.IsFraudCode(attempt.FailureCode) {
				fraudulent++
			}
		}
	}

	if total == 0 {
		return 0
	}

	failureRate := float64(failed) / float64(total)
	score := int(failureRate*failureRateWeight) + fraudulent*fraudWeight
	if total <= smallHistoryLimit {
		score += smallHistoryBonus
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// Scorer loads a customer's attempt history inside the lookback window and
// scores it.
type Scorer struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  retrydomain.Repository

	lookback   time.Duration
	historyMax int
}

type ScorerParams struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   retrydomain.Repository
}

func NewScorer(p ScorerParams) *Scorer {
	lookbackDays := p.Config.Recovery.RiskLookbackDays
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	historyMax := p.Config.Recovery.AttemptHistoryMax
	if historyMax <= 0 {
		historyMax = 20
	}
	return &Scorer{
		db:    p.DB,
		log:   p.Log.Named("risk.scorer"),
		clock: p.Clock,
		repo:  p.Repo,

		lookback:   time.Duration(lookbackDays) * 24 * time.Hour,
		historyMax: historyMax,
	}
}

// ScoreCustomer reads the customer's window of attempts and scores it. Pure
// read, no side effects.
func (s *Scorer) ScoreCustomer(ctx context.Context, customerID snowflake.ID) (int, error) {
	since := s.clock.Now().Add(-s.lookback)
	history, err := s.repo.ListByCustomerSince(ctx, s.db, customerID, since, s.historyMax)
	if err != nil {
		return 0, err
	}
	return Score(history), nil
}
