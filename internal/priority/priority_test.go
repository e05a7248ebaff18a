package priority

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

var now = time.Date(2026, time.June, 10, 21, 0, 0, 0, time.UTC)

func setup(t *testing.T) *Prioritizer {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	return New(DefaultConfig())
}

func alert(sev domain.Severity, urg domain.Urgency, cert domain.Certainty) domain.Alert {
	return domain.Alert{
		ID:        "a",
		Event:     "Tornado Warning",
		AreaDesc:  "Oklahoma, OK",
		Severity:  sev,
		Urgency:   urg,
		Certainty: cert,
		Effective: now,
		Sent:      now,
	}
}

func TestScore_ExtremeImmediateObservedIsCritical(t *testing.T) {
	p := setup(t)

	s := p.Score(alert(domain.SeverityExtreme, domain.UrgencyImmediate, domain.CertaintyObserved))

	assert.GreaterOrEqual(t, s.Total, 6.0)
	assert.Equal(t, LevelCritical, s.Level)
	assert.InDelta(t, 6.7, s.Total, 1e-9)
	assert.Equal(t, Components{Severity: 8, Urgency: 2, Certainty: 1, Time: 1, Geographic: 1, Population: 1}, s.Components)
	assert.Contains(t, s.RiskFactors, FactorHighSeverity)
	assert.Contains(t, s.Recommendations, "Immediate response required")
	assert.Contains(t, s.Recommendations, "Implement high-priority response protocols")
	assert.Equal(t, now, s.CalculatedAt)
}

func TestScore_UnscaledMaximumStaysBelowCritical(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	cfg := DefaultConfig()
	cfg.ScoreScale = 1
	p := New(cfg)

	s := p.Score(alert(domain.SeverityExtreme, domain.UrgencyImmediate, domain.CertaintyObserved))

	assert.InDelta(t, 3.35, s.Total, 1e-9)
	assert.Equal(t, LevelMedium, s.Level)
	assert.Less(t, s.Total, cfg.Thresholds.Critical)
}

func TestScore_Levels(t *testing.T) {
	p := setup(t)
	tests := []struct {
		sev   domain.Severity
		urg   domain.Urgency
		cert  domain.Certainty
		level Level
	}{
		{domain.SeveritySevere, domain.UrgencyImmediate, domain.CertaintyObserved, LevelHigh},
		{domain.SeverityModerate, domain.UrgencyExpected, domain.CertaintyLikely, LevelMedium},
		{domain.SeverityMinor, domain.UrgencyFuture, domain.CertaintyPossible, LevelLow},
	}
	for _, tt := range tests {
		t.Run(tt.sev.String(), func(t *testing.T) {
			assert.Equal(t, tt.level, p.Score(alert(tt.sev, tt.urg, tt.cert)).Level)
		})
	}

	low := New(Config{ScoreScale: 0.1})
	assert.Equal(t, LevelInfo, low.Score(alert(domain.SeverityMinor, domain.UrgencyPast, domain.CertaintyUnlikely)).Level)
}

func TestScore_MonotonicInSeverity(t *testing.T) {
	p := setup(t)
	severities := []domain.Severity{
		domain.SeverityUnknown, domain.SeverityMinor, domain.SeverityModerate,
		domain.SeveritySevere, domain.SeverityExtreme,
	}
	for _, urg := range []domain.Urgency{domain.UrgencyPast, domain.UrgencyImmediate} {
		for _, cert := range []domain.Certainty{domain.CertaintyUnlikely, domain.CertaintyObserved} {
			prev := -1.0
			for _, sev := range severities {
				total := p.Score(alert(sev, urg, cert)).Total
				assert.GreaterOrEqual(t, total, prev, "severity %s urgency %s certainty %s", sev, urg, cert)
				prev = total
			}
		}
	}
}

func TestScore_TimeDecay(t *testing.T) {
	p := setup(t)
	fresh := alert(domain.SeveritySevere, domain.UrgencyExpected, domain.CertaintyLikely)
	old := fresh
	old.Effective = now.Add(-24 * time.Hour)

	fs, stale := p.Score(fresh), p.Score(old)

	assert.InDelta(t, 1.0, fs.Components.Time, 1e-9)
	assert.Less(t, stale.Components.Time, 0.1)
	assert.Less(t, stale.Total, fs.Total)
	assert.Contains(t, stale.RiskFactors, FactorAged)
	assert.Contains(t, stale.Recommendations, "Verify alert is still relevant")

	future := fresh
	future.Effective = now.Add(2 * time.Hour)
	assert.InDelta(t, 1.0, p.Score(future).Components.Time, 1e-9, "time score is capped at 1")
}

func TestScore_AreaKeywords(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	cfg := DefaultConfig()
	cfg.GeographicRiskMultiplier = 2.5
	p := New(cfg)

	a := alert(domain.SeveritySevere, domain.UrgencyExpected, domain.CertaintyLikely)
	a.AreaDesc = "Downtown Dallas and surrounding urban residential areas"

	s := p.Score(a)

	assert.InDelta(t, 2.5, s.Components.Geographic, 1e-9)
	// downtown, urban, town (in "downtown") and residential all match.
	assert.InDelta(t, 2.2, s.Components.Population, 1e-9)
	assert.Contains(t, s.RiskFactors, FactorHighRiskArea)
	assert.Contains(t, s.RiskFactors, FactorDenselyPopulated)
}

func TestScore_CapsApply(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	cfg := DefaultConfig()
	cfg.GeographicRiskMultiplier = 50
	cfg.PopulationDensityWeight = 5
	p := New(cfg)

	a := alert(domain.SeverityMinor, domain.UrgencyPast, domain.CertaintyPossible)
	a.AreaDesc = "airport city"

	s := p.Score(a)
	assert.InDelta(t, 5.0, s.Components.Geographic, 1e-9)
	assert.InDelta(t, 3.0, s.Components.Population, 1e-9)
}

func TestPrioritizeAll_SortsDescending(t *testing.T) {
	p := setup(t)
	minor := alert(domain.SeverityMinor, domain.UrgencyFuture, domain.CertaintyPossible)
	minor.ID = "minor"
	extreme := alert(domain.SeverityExtreme, domain.UrgencyImmediate, domain.CertaintyObserved)
	extreme.ID = "extreme"
	moderate := alert(domain.SeverityModerate, domain.UrgencyExpected, domain.CertaintyLikely)
	moderate.ID = "moderate"

	scores := p.PrioritizeAll([]domain.Alert{minor, extreme, moderate})

	require.Len(t, scores, 3)
	assert.Equal(t, "extreme", scores[0].Alert.ID)
	assert.Equal(t, "moderate", scores[1].Alert.ID)
	assert.Equal(t, "minor", scores[2].Alert.ID)
}

func TestAssessRisk(t *testing.T) {
	p := setup(t)

	severe := p.AssessRisk(alert(domain.SeverityExtreme, domain.UrgencyImmediate, domain.CertaintyObserved))
	// impact (8+1+1)/3, probability (1+2)/2, urgency 2
	assert.InDelta(t, 3.333, severe.Impact, 1e-9)
	assert.InDelta(t, 1.5, severe.Probability, 1e-9)
	assert.Equal(t, RiskMedium, severe.Level)
	assert.Contains(t, severe.MitigationActions, "Deploy maximum available resources")
	assert.Contains(t, severe.MitigationActions, "Execute immediate response protocols")

	low := p.AssessRisk(alert(domain.SeverityMinor, domain.UrgencyPast, domain.CertaintyUnlikely))
	assert.Equal(t, RiskVeryLow, low.Level)
	assert.Contains(t, low.MitigationActions, "Continue monitoring")
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, RiskVeryHigh, riskLevel(4))
	assert.Equal(t, RiskHigh, riskLevel(3.5))
	assert.Equal(t, RiskMedium, riskLevel(2))
	assert.Equal(t, RiskLow, riskLevel(1))
	assert.Equal(t, RiskVeryLow, riskLevel(0.99))

	assert.Equal(t, riskMitigations[RiskVeryHigh], mitigationActions(RiskHigh, nil))
}
