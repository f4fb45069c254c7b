package reputation

import "time"

// Severity classifies how serious a violation event is; the penalty it
// carries is independent of which factor the violation strikes.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// violationPenalty is the raw 0-100-scale point deduction for a
// severity tier, rescaled below to the engine's internal 0-1 factor
// scale before it is applied.
func violationPenalty(s Severity) float64 {
	switch s {
	case SeverityLow:
		return 5.0 / 100
	case SeverityMedium:
		return 15.0 / 100
	case SeverityHigh:
		return 30.0 / 100
	case SeverityCritical:
		return 50.0 / 100
	default:
		return 0
	}
}

// EventKind names the categories of behavior that move a client's
// reputation, each mapped to the factor it affects and, for violations,
// a severity tier.
type EventKind int

const (
	EventRateLimitViolation EventKind = iota
	EventDuplicateAbuse
	EventAnomalyFlagged
	EventCriticalAnomaly
	EventTimeoutCaused
	EventComplianceGood
	EventEfficiencyGood
	EventGoodBehavior
)

func (k EventKind) isViolation() bool {
	switch k {
	case EventRateLimitViolation, EventDuplicateAbuse, EventAnomalyFlagged, EventCriticalAnomaly, EventTimeoutCaused:
		return true
	default:
		return false
	}
}

type factorTarget int

const (
	factorCompliance factorTarget = iota
	factorEfficiency
	factorStability
	factorReliability
)

// eventSpec is the fixed (factor, magnitude) an event kind carries:
// violations carry a severity tier, positive events carry a flat
// 0-100-scale reward.
type eventSpec struct {
	target   factorTarget
	severity Severity
	reward   float64
}

func specFor(kind EventKind) eventSpec {
	switch kind {
	case EventRateLimitViolation:
		return eventSpec{target: factorCompliance, severity: SeverityMedium}
	case EventDuplicateAbuse:
		return eventSpec{target: factorCompliance, severity: SeverityLow}
	case EventAnomalyFlagged:
		return eventSpec{target: factorStability, severity: SeverityHigh}
	case EventCriticalAnomaly:
		return eventSpec{target: factorStability, severity: SeverityCritical}
	case EventTimeoutCaused:
		return eventSpec{target: factorReliability, severity: SeverityMedium}
	case EventComplianceGood:
		return eventSpec{target: factorCompliance, reward: 2}
	case EventEfficiencyGood:
		return eventSpec{target: factorEfficiency, reward: 1}
	case EventGoodBehavior:
		return eventSpec{target: factorReliability, reward: 3}
	default:
		return eventSpec{}
	}
}

// diminishingViolation shrinks the effect of repeated violations in the
// same streak so a single burst does not collapse a score further than
// sustained bad behavior would: 1/(1 + 0.1*violation_count).
func diminishingViolation(count int) float64 {
	return 1.0 / (1.0 + 0.1*float64(count))
}

// diminishingPositive shrinks the effect of repeated rewards among the
// last 20 events: 1/(1 + 0.05*recent_positive_count).
func diminishingPositive(count int) float64 {
	return 1.0 / (1.0 + 0.05*float64(count))
}

// recentPositiveCount counts positive-impact events among the last 20
// entries of the event history.
func recentPositiveCount(events []EventRecord) int {
	n := len(events)
	start := 0
	if n > 20 {
		start = n - 20
	}
	count := 0
	for _, e := range events[start:] {
		if e.Impact > 0 {
			count++
		}
	}
	return count
}

func applyFactor(r Record, target factorTarget, delta float64) Record {
	switch target {
	case factorCompliance:
		r.Compliance = clampUnit(r.Compliance + delta)
	case factorEfficiency:
		r.Efficiency = clampUnit(r.Efficiency + delta)
	case factorStability:
		r.Stability = clampUnit(r.Stability + delta)
	case factorReliability:
		r.Reliability = clampUnit(r.Reliability + delta)
	}
	return r
}

func appendBounded[T any](list []T, item T, max int) []T {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// applyEvent updates a record in place for one observed event, appending
// it to the bounded event history (and, for violations, the violation
// history) used to compute trend and to satisfy the data model's
// ordered-history requirement. A critical-severity violation taints
// trust broadly and strikes all four factors at once rather than just
// its named target, so a handful of critical violations can genuinely
// collapse a client to BLOCKED the way the invariant requires; lower
// severities stay scoped to their target factor.
func applyEvent(r Record, kind EventKind, now time.Time) Record {
	spec := specFor(kind)

	var impact float64
	if kind.isViolation() {
		damp := diminishingViolation(r.ViolationStreak)
		impact = -violationPenalty(spec.severity) * damp
		r.ViolationStreak++
		r.GoodStreak = 0
		r.LastViolation = now
		r.Violations = appendBounded(r.Violations, ViolationRecord{Kind: kind, Severity: spec.severity, At: now}, maxViolationHistory)

		if spec.severity == SeverityCritical {
			r = applyFactor(r, factorCompliance, impact)
			r = applyFactor(r, factorEfficiency, impact)
			r = applyFactor(r, factorStability, impact)
			r = applyFactor(r, factorReliability, impact)
		} else {
			r = applyFactor(r, spec.target, impact)
		}
	} else {
		damp := diminishingPositive(recentPositiveCount(r.Events))
		impact = (spec.reward / 100) * damp
		r.GoodStreak++
		r.ViolationStreak = 0
		r.LastPositive = now
		r = applyFactor(r, spec.target, impact)
	}

	r.Events = appendBounded(r.Events, EventRecord{Kind: kind, Impact: impact, At: now}, maxEventHistory)
	return r
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
