// Package anomaly implements the anomaly detector: three independent
// scoring methods combined into one composite score. It is built around
// the same rule-evaluation loop policy.Engine uses for its threshold
// rules, generalized to operate over feature vectors instead of session
// byte/token counters, plus a statistical z-score pass and a
// density-estimate pass that substitutes for an isolation-forest model
// when no machine-learning library is linked in.
package anomaly

import "protectcore/internal/behavior"

// RuleType names one rule-based detection check, mirroring
// policy.RuleType's closed-vocabulary approach.
type RuleType int

const (
	RuleFastResponse RuleType = iota
	RuleHighFrequency
	RuleHighErrorRate
	RuleUniformIntervals
)

func (r RuleType) String() string {
	switch r {
	case RuleFastResponse:
		return "fast_response"
	case RuleHighFrequency:
		return "high_frequency"
	case RuleHighErrorRate:
		return "high_error_rate"
	case RuleUniformIntervals:
		return "uniform_intervals"
	default:
		return "unknown"
	}
}

// ruleDirection says whether a rule fires above or below its threshold.
type ruleDirection int

const (
	above ruleDirection = iota
	below
)

// Rule is one threshold check evaluated against a behavior.Vector,
// matching policy.Rule's (type, threshold, severity) shape.
type Rule struct {
	Type      RuleType
	Threshold float64
	Weight    float64
	direction ruleDirection
}

// defaultRules is the built-in rule set; operators do not currently
// configure this beyond what settings toggles on or off.
func defaultRules() []Rule {
	return []Rule{
		{Type: RuleFastResponse, Threshold: 50, Weight: 0.2, direction: below},
		{Type: RuleHighFrequency, Threshold: 10, Weight: 0.3, direction: above},
		{Type: RuleHighErrorRate, Threshold: 0.2, Weight: 0.4, direction: above},
		{Type: RuleUniformIntervals, Threshold: 0.1, Weight: 0.3, direction: below},
	}
}

// RuleHit records one rule that fired during evaluation.
type RuleHit struct {
	Rule        RuleType
	ActualValue float64
	Threshold   float64
}

// evaluateRules runs every configured rule against a feature vector and
// returns both the fired hits and a combined weighted score, clamped to
// [0,1].
func evaluateRules(rules []Rule, v behavior.Vector) ([]RuleHit, float64) {
	var hits []RuleHit
	var score float64

	for _, r := range rules {
		var actual float64
		switch r.Type {
		case RuleFastResponse:
			actual = v.ResponseTime
		case RuleHighFrequency:
			actual = v.RequestFrequency
		case RuleHighErrorRate:
			actual = v.ErrorRate
		case RuleUniformIntervals:
			actual = v.IntervalStddev
		}

		var fired bool
		switch r.direction {
		case above:
			fired = actual > r.Threshold
		case below:
			fired = actual < r.Threshold
		}

		if fired {
			hits = append(hits, RuleHit{Rule: r.Type, ActualValue: actual, Threshold: r.Threshold})
			score += r.Weight
		}
	}

	if score > 1 {
		score = 1
	}
	return hits, score
}
