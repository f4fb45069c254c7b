package anomaly

import (
	"testing"

	"protectcore/internal/behavior"
)

func normalVector() behavior.Vector {
	return behavior.Vector{
		ResponseTime:      120,
		PayloadSize:       500,
		AvgInterval:       5,
		IntervalStddev:    1,
		RequestFrequency:  2,
		ErrorRate:         0.01,
		EndpointDiversity: 0.3,
	}
}

func trainDetector(d *Detector, n int) {
	v := normalVector()
	for i := 0; i < n; i++ {
		d.Observe(v)
	}
}

func TestScoreLowForTypicalVector(t *testing.T) {
	d := New()
	trainDetector(d, 50)
	verdict := d.Score(normalVector())
	if verdict.Score > 0.3 {
		t.Errorf("Score = %v; want low score for typical traffic", verdict.Score)
	}
	if !verdict.Degraded {
		t.Error("expected Degraded=true with no ML backend linked")
	}
}

func TestRuleHitsFireOnHighFrequency(t *testing.T) {
	d := New()
	trainDetector(d, 50)
	v := normalVector()
	v.RequestFrequency = 40
	verdict := d.Score(v)

	found := false
	for _, hit := range verdict.RuleHits {
		if hit.Rule == RuleHighFrequency {
			found = true
		}
	}
	if !found {
		t.Error("expected RuleHighFrequency to fire")
	}
}

func TestRuleHitsFireOnFastResponse(t *testing.T) {
	d := New()
	trainDetector(d, 50)
	v := normalVector()
	v.ResponseTime = 10
	verdict := d.Score(v)

	found := false
	for _, hit := range verdict.RuleHits {
		if hit.Rule == RuleFastResponse {
			found = true
		}
	}
	if !found {
		t.Error("expected RuleFastResponse to fire")
	}
}

func TestZScoreHighForOutlier(t *testing.T) {
	d := New()
	// Alternate response times (mean 120, stddev ~20) so the feature has
	// variance; a constant feature has a z-score of 0 by definition.
	for i := 0; i < 100; i++ {
		tv := normalVector()
		if i%2 == 0 {
			tv.ResponseTime = 100
		} else {
			tv.ResponseTime = 140
		}
		d.Observe(tv)
	}
	v := normalVector()
	v.ResponseTime = 50000
	verdict := d.Score(v)
	if verdict.ZScores["response_time"] < 3 {
		t.Errorf("response_time z-score = %v; want > 3 for extreme outlier", verdict.ZScores["response_time"])
	}
}

func TestDensityScoreZeroBeforeWarmup(t *testing.T) {
	d := New()
	verdict := d.Score(normalVector())
	if verdict.Density != 0 {
		t.Errorf("Density = %v; want 0 before warmup threshold reached", verdict.Density)
	}
}

func TestTrainingCountCapsAtMax(t *testing.T) {
	d := New()
	trainDetector(d, maxTrainingSamples+100)
	if d.TrainingCount() != maxTrainingSamples {
		t.Errorf("TrainingCount = %d; want capped at %d", d.TrainingCount(), maxTrainingSamples)
	}
}

func TestFeedbackCountCapsAtMax(t *testing.T) {
	d := New()
	for i := 0; i < maxFeedbackSamples+50; i++ {
		d.Feedback(i%2 == 0)
	}
	if d.FeedbackCount() != maxFeedbackSamples {
		t.Errorf("FeedbackCount = %d; want capped at %d", d.FeedbackCount(), maxFeedbackSamples)
	}
}

func TestCombinedScoreRisesWithMultipleSignals(t *testing.T) {
	d := New()
	trainDetector(d, 100)

	typical := d.Score(normalVector())

	extreme := normalVector()
	extreme.ErrorRate = 0.9
	extreme.RequestFrequency = 100
	extreme.PayloadSize = 500000
	anomalous := d.Score(extreme)

	if anomalous.Score <= typical.Score {
		t.Errorf("anomalous score %v should exceed typical score %v", anomalous.Score, typical.Score)
	}
}
