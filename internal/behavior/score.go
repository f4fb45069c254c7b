package behavior

import (
	"math"
	"time"

	"protectcore/internal/statutil"
)

// Score is the result of scoring a session's behavior profile. Overall
// and every sub-score are safety scores: 1.0 is the safest a session can
// read, 0.0 the least safe. Risk level is the inverse qualitative read
// of Overall, not a separate scale.
type Score struct {
	Overall    float64
	Risk       RiskLevel
	Confidence float64

	RequestPatternScore float64
	TimingScore         float64
	ErrorPatternScore   float64
	ResourceScore       float64

	Anomalies []TemporalAnomaly
}

// minSamplesForConfidence is the sample count at which confidence
// saturates to 1.0; below it confidence scales linearly.
const minSamplesForConfidence = 20

// Analyzer scores BehaviorProfiles into a risk assessment.
type Analyzer struct {
	store *Store
}

// NewAnalyzer wires an Analyzer to the given profile store.
func NewAnalyzer(store *Store) *Analyzer {
	return &Analyzer{store: store}
}

// Record folds a request observation into the session's profile.
func (a *Analyzer) Record(sessionID string, obs RequestObservation) {
	p := a.store.GetOrCreate(sessionID, obs.At)
	p.Touch(obs)
}

// LatestVector returns the session's most recently recorded behavior
// vector, or (Vector{}, false) if the session has no profile yet.
func (a *Analyzer) LatestVector(sessionID string) (Vector, bool) {
	p := a.store.GetOrCreate(sessionID, time.Now())
	return p.LatestVector()
}

// PruneIdle removes every profile that has had no activity for longer
// than maxIdle, driven by the coordinator's cleanup tick rather than the
// store's own hourly sweep, so operators can tune the two on separate
// schedules.
func (a *Analyzer) PruneIdle(maxIdle time.Duration) {
	a.store.PruneIdle(maxIdle)
}

// TrackedSessions reports how many session profiles are currently held,
// for monitoring dashboards.
func (a *Analyzer) TrackedSessions() int {
	return a.store.Count()
}

// Score computes the current behavior score for a session. A session
// with no profile yet, or with no sub-score that has enough data to
// compute, reads as fully safe (Overall 1.0, LOW risk, zero confidence)
// rather than penalizing an unknown quantity.
func (a *Analyzer) Score(sessionID string) Score {
	p := a.store.GetOrCreate(sessionID, time.Now())
	p.mu.RLock()
	defer p.mu.RUnlock()

	reqScore, reqOK := requestPatternScoreLocked(p)
	timingScore, timingOK := timingScoreLocked(p)
	errScore, errOK := errorPatternScoreLocked(p)
	resScore, resOK := resourceScoreLocked(p)

	overall := meanOfAvailable(
		subScore{reqScore, reqOK},
		subScore{timingScore, timingOK},
		subScore{errScore, errOK},
		subScore{resScore, resOK},
	)

	confidence := confidenceFromSamples(p.TotalRequests)
	anomalies := detectTemporalAnomaliesLocked(p)

	return Score{
		Overall:             overall,
		Risk:                riskFromScore(overall),
		Confidence:          confidence,
		RequestPatternScore: reqScore,
		TimingScore:         timingScore,
		ErrorPatternScore:   errScore,
		ResourceScore:       resScore,
		Anomalies:           anomalies,
	}
}

// subScore pairs a sub-score's value with whether enough data existed to
// compute it at all.
type subScore struct {
	value     float64
	available bool
}

// meanOfAvailable averages only the sub-scores that had enough data to
// compute, so a session with no error history yet isn't dragged down by
// a phantom zero. No sub-scores available at all reads as fully safe.
func meanOfAvailable(scores ...subScore) float64 {
	var sum float64
	var n int
	for _, s := range scores {
		if s.available {
			sum += s.value
			n++
		}
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}

func confidenceFromSamples(total int64) float64 {
	if total <= 0 {
		return 0
	}
	if total >= minSamplesForConfidence {
		return 1.0
	}
	return float64(total) / float64(minSamplesForConfidence)
}

// riskFromScore is the inverse qualitative read of a safety score: a
// high score is safe (LOW risk), a low score is dangerous (CRITICAL).
func riskFromScore(overall float64) RiskLevel {
	switch {
	case overall >= 0.8:
		return RiskLow
	case overall >= 0.6:
		return RiskMedium
	case overall >= 0.4:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// requestPatternScoreLocked scores each (endpoint, method) pattern
// bucket starting from 1.0 (perfectly safe) and applying multiplicative
// penalties for elevated error rate and slow responses, averaged across
// patterns. Caller must hold p.mu.
func requestPatternScoreLocked(p *Profile) (float64, bool) {
	if len(p.patterns) == 0 {
		return 0, false
	}

	var sum float64
	for _, pat := range p.patterns {
		s := 1.0
		if pat.errorRate > 0.1 {
			s *= 1 - pat.errorRate
		}
		switch {
		case pat.avgResponseTime > 5*time.Second:
			s *= 0.7
		case pat.avgResponseTime > 1*time.Second:
			s *= 0.9
		}
		sum += s
	}
	return statutil.Clamp01(sum / float64(len(p.patterns))), true
}

// endpointConcentrationLocked returns how concentrated traffic is on
// the single most-used endpoint: 1.0 means every request hit one
// endpoint, near 0 means evenly spread. Caller must hold p.mu.
func endpointConcentrationLocked(p *Profile) float64 {
	var total int64
	var max int64
	for _, c := range p.endpointCounts {
		total += c
		if c > max {
			max = c
		}
	}
	if total == 0 {
		return 0
	}
	return float64(max) / float64(total)
}

// timingScoreLocked starts at 1.0 and steps down for high burst
// frequency and for tight average intervals, the same ladder as
// request-pattern scoring: the most severe matching rung applies, not a
// cumulative stack. Caller must hold p.mu.
func timingScoreLocked(p *Profile) (float64, bool) {
	if len(p.vectors) == 0 {
		return 0, false
	}
	latest := p.vectors[len(p.vectors)-1]

	s := 1.0
	switch {
	case latest.RequestFrequency > 20:
		s *= 0.3
	case latest.RequestFrequency > 10:
		s *= 0.6
	}
	switch {
	case latest.AvgInterval > 0 && latest.AvgInterval < 1:
		s *= 0.4
	case latest.AvgInterval > 0 && latest.AvgInterval < 5:
		s *= 0.7
	}
	return statutil.Clamp01(s), true
}

// errorPatternScoreLocked starts at 1.0 with zero errors and steps down
// to 0.2 by the time 20 cumulative errors have accrued, with an
// additional penalty (capped at 0.3) for errors spread across many
// endpoints. Caller must hold p.mu.
func errorPatternScoreLocked(p *Profile) (float64, bool) {
	if p.TotalRequests == 0 {
		return 0, false
	}

	var totalErrors int
	maxSpread := 0
	for _, eg := range p.errors {
		totalErrors += eg.Count
		if len(eg.AffectedEndpoints) > maxSpread {
			maxSpread = len(eg.AffectedEndpoints)
		}
	}

	capped := totalErrors
	if capped > 20 {
		capped = 20
	}
	score := 1.0 - float64(capped)/20.0*0.8

	diversityPenalty := statutil.Clamp01(float64(maxSpread) / 5.0)
	if diversityPenalty > 0.3 {
		diversityPenalty = 0.3
	}
	return statutil.Clamp01(score - diversityPenalty), true
}

// resourceScoreLocked scores anomalously large payloads relative to the
// session's own running average: unremarkable payload sizes read as
// fully safe, and the score only falls once the latest payload exceeds
// double the running mean. Caller must hold p.mu.
func resourceScoreLocked(p *Profile) (float64, bool) {
	if len(p.vectors) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range p.vectors {
		sum += v.PayloadSize
	}
	mean := sum / float64(len(p.vectors))
	if mean == 0 {
		return 1.0, true
	}
	latest := p.vectors[len(p.vectors)-1].PayloadSize
	ratio := latest / mean
	if ratio <= 2.0 {
		return 1.0, true
	}
	penalty := statutil.Clamp01((ratio - 2.0) / 8.0)
	return statutil.Clamp01(1.0 - penalty), true
}

// detectTemporalAnomaliesLocked inspects the recent window for the
// four anomaly kinds below. Caller must hold p.mu.
func detectTemporalAnomaliesLocked(p *Profile) []TemporalAnomaly {
	var anomalies []TemporalAnomaly
	if len(p.vectors) == 0 {
		return anomalies
	}
	latest := p.vectors[len(p.vectors)-1]

	if latest.RequestFrequency > 30 {
		anomalies = append(anomalies, TemporalAnomaly{
			Type:        AnomalyFrequency,
			Severity:    statutil.Clamp01(latest.RequestFrequency / 120.0),
			Description: "request frequency exceeds burst threshold",
		})
	}
	if latest.AvgInterval > 0 && latest.IntervalStddev/latest.AvgInterval < 0.05 {
		anomalies = append(anomalies, TemporalAnomaly{
			Type:        AnomalyTiming,
			Severity:    statutil.Clamp01(1.0 - latest.IntervalStddev/latest.AvgInterval/0.05),
			Description: "request intervals unusually uniform",
		})
	}
	if endpointConcentrationLocked(p) > 0.9 && p.TotalRequests > 10 {
		anomalies = append(anomalies, TemporalAnomaly{
			Type:        AnomalyPattern,
			Severity:    endpointConcentrationLocked(p),
			Description: "traffic concentrated on a single endpoint",
		})
	}
	if seq := sequenceAnomalyLocked(p); seq != nil {
		anomalies = append(anomalies, *seq)
	}
	return anomalies
}

// sequenceAnomalyLocked flags a repeating identical-vector sequence
// (scripted replay), comparing the last few recorded vectors for
// near-exact equality. Caller must hold p.mu.
func sequenceAnomalyLocked(p *Profile) *TemporalAnomaly {
	const window = 5
	if len(p.vectors) < window {
		return nil
	}
	recent := p.vectors[len(p.vectors)-window:]
	identical := 0
	for i := 1; i < len(recent); i++ {
		if closeEnough(recent[i].ResponseTime, recent[0].ResponseTime) &&
			closeEnough(recent[i].PayloadSize, recent[0].PayloadSize) {
			identical++
		}
	}
	if identical < window-2 {
		return nil
	}
	return &TemporalAnomaly{
		Type:        AnomalySequence,
		Severity:    float64(identical) / float64(window-1),
		Description: "repeating identical request sequence",
	}
}

func closeEnough(a, b float64) bool {
	if a == 0 && b == 0 {
		return true
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b)/denom < 0.01
}
