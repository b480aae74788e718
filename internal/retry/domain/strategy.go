package domain

import (
	"fmt"
	"strings"
	"time"
)

// Strategy is a named retry policy bundle.
type Strategy struct {
	Name                    string
	MaxAttempts             int
	Intervals               []time.Duration
	RequireNewPaymentMethod bool
}

const (
	StrategyDefault      = "DEFAULT"
	StrategyAggressive   = "AGGRESSIVE"
	StrategyConservative = "CONSERVATIVE"
)

var strategies = map[string]Strategy{
	StrategyDefault: {
		Name:        StrategyDefault,
		MaxAttempts: 4,
		Intervals:   []time.Duration{24 * time.Hour, 72 * time.Hour, 120 * time.Hour, 168 * time.Hour},
	},
	StrategyAggressive: {
		Name:        StrategyAggressive,
		MaxAttempts: 6,
		Intervals:   []time.Duration{6 * time.Hour, 12 * time.Hour, 24 * time.Hour, 48 * time.Hour},
	},
	StrategyConservative: {
		Name:                    StrategyConservative,
		MaxAttempts:             2,
		Intervals:               []time.Duration{72 * time.Hour, 168 * time.Hour},
		RequireNewPaymentMethod: true,
	},
}

func init() {
	for name, strategy := range strategies {
		if err := ValidateStrategy(strategy); err != nil {
			panic(fmt.Sprintf("invalid builtin strategy %s: %v", name, err))
		}
	}
}

// ValidateStrategy rejects strategies that could stall or loop the chain.
func ValidateStrategy(s Strategy) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("strategy name is empty")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("strategy %s: max attempts must be positive", s.Name)
	}
	if len(s.Intervals) == 0 {
		return fmt.Errorf("strategy %s: intervals are empty", s.Name)
	}
	for i, interval := range s.Intervals {
		if interval <= 0 {
			return fmt.Errorf("strategy %s: interval %d is not positive", s.Name, i)
		}
	}
	return nil
}

// StrategyByName returns a builtin strategy.
func StrategyByName(name string) (Strategy, bool) {
	s, ok := strategies[strings.ToUpper(strings.TrimSpace(name))]
	return s, ok
}

// NextInterval returns the wait before attempt attemptIndex (zero-based).
// Indexes past the configured list repeat the last interval.
func (s Strategy) NextInterval(attemptIndex int) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	if attemptIndex >= len(s.Intervals) {
		attemptIndex = len(s.Intervals) - 1
	}
	return s.Intervals[attemptIndex]
}

var fraudCodes = []string{"fraud", "stolen_card", "stolen card"}

var transientCodes = []string{
	"insufficient_funds",
	"processing_error",
	"expired_card",
	"try_again",
	"gateway_timeout",
}

// IsFraudCode reports whether the provider failure code indicates fraud or a
// stolen card. Codes are provider-specific opaque strings, so matching is by
// substring.
func IsFraudCode(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, marker := range fraudCodes {
		if strings.Contains(code, marker) {
			return true
		}
	}
	return false
}

// IsTransientCode reports whether the failure is worth retrying sooner.
func IsTransientCode(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, marker := range transientCodes {
		if strings.Contains(code, marker) {
			return true
		}
	}
	return false
}

const conservativeRiskThreshold = 80

// SelectStrategy maps a failure code, risk score, and prior attempt count to
// a strategy. It is total: unseen codes fall through to DEFAULT. The fraud
// check short-circuits the risk threshold.
func SelectStrategy(failureCode string, riskScore int, priorAttempts int) Strategy {
	if IsFraudCode(failureCode) || riskScore > conservativeRiskThreshold {
		return strategies[StrategyConservative]
	}
	if IsTransientCode(failureCode) {
		strategy := strategies[StrategyAggressive]
		if priorAttempts >= 2 {
			strategy.RequireNewPaymentMethod = true
		}
		return strategy
	}
	return strategies[StrategyDefault]
}
