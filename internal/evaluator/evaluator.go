// Package evaluator is the Rule Evaluator (C8): a pure, side-effect-free
// decision function with no dependency on the clock or any I/O; it imports
// internal/store only for the Rule type.
package evaluator

import (
	"time"

	"github.com/blackpool/ruleswap/internal/store"
)

// StalenessMax is the maximum age of a probability sample before it is
// considered too old to act on.
const StalenessMax = 30 * time.Minute

// Sample is a freshly observed (market_id, probability, observed_at) triple
// from the Market Client.
type Sample struct {
	MarketID      string
	Probability   float64
	LastPrice     float64
	Volume        float64
	OpenInterest  float64
	ObservedAt    time.Time
}

// Decision is the evaluator's verdict for one rule against one sample.
type Decision struct {
	Trigger bool
	Reason  string
}

// Evaluate applies the ordered decision rules in §4.8; the first matching
// rule wins. It depends only on its arguments — calling it twice with the
// same inputs always yields the same Decision.
func Evaluate(rule store.Rule, sample Sample, now time.Time) Decision {
	if rule.Status != store.RuleActive {
		return Decision{Trigger: false, Reason: "not active"}
	}

	if now.Sub(sample.ObservedAt) >= StalenessMax {
		return Decision{Trigger: false, Reason: "stale market data"}
	}

	if sample.Probability < 0 || sample.Probability > 1 {
		return Decision{Trigger: false, Reason: "invalid probability"}
	}

	if rule.LastTriggeredAt != nil {
		cooldown := time.Duration(rule.CooldownHours) * time.Hour
		if now.Sub(*rule.LastTriggeredAt) < cooldown {
			return Decision{Trigger: false, Reason: "in cooldown"}
		}
	}

	switch rule.Condition {
	case store.ConditionAbove:
		if sample.Probability > rule.Threshold {
			return Decision{Trigger: true, Reason: "probability above threshold"}
		}
	case store.ConditionBelow:
		if sample.Probability < rule.Threshold {
			return Decision{Trigger: true, Reason: "probability below threshold"}
		}
	}

	return Decision{Trigger: false, Reason: "condition not met"}
}

// BatchResult pairs a rule with its evaluation decision.
type BatchResult struct {
	Rule     store.Rule
	Decision Decision
}

// BatchEvaluate applies Evaluate per rule using the matching sample keyed by
// market id; rules without a sample in samplesByMarket are skipped silently
// (a market fetch failure earlier in the tick already excluded them).
func BatchEvaluate(rules []store.Rule, samplesByMarket map[string]Sample, now time.Time) []BatchResult {
	results := make([]BatchResult, 0, len(rules))
	for _, rule := range rules {
		sample, ok := samplesByMarket[rule.MarketID]
		if !ok {
			continue
		}
		results = append(results, BatchResult{Rule: rule, Decision: Evaluate(rule, sample, now)})
	}
	return results
}
