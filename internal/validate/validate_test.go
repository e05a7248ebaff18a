package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

var now = time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) *Validator {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	return New(DefaultConfig(), nil)
}

func ptr(t time.Time) *time.Time { return &t }

// complete returns an alert with every field populated and no issues.
func complete() domain.Alert {
	return domain.Alert{
		ID:          "urn:oid:2.49.0.1.840.0.4f1e2d3c.001.1",
		Event:       "Tornado Warning",
		Headline:    "Tornado Warning issued March 3 at 5:50AM CST",
		Description: "At 550 AM CST, a confirmed tornado was located near Moore, moving northeast at 35 mph.",
		Instruction: "TAKE COVER NOW! Move to a basement or an interior room on the lowest floor.",
		Severity:    domain.SeverityExtreme,
		Urgency:     domain.UrgencyImmediate,
		Certainty:   domain.CertaintyObserved,
		Status:      domain.StatusActual,
		Category:    domain.CategoryMet,
		AreaDesc:    "Cleveland, OK",
		CountyCodes: []string{"OKC027"},
		Geocode:     []string{"040027"},
		Sent:        now.Add(-10 * time.Minute),
		Effective:   now.Add(-10 * time.Minute),
		Onset:       ptr(now.Add(-10 * time.Minute)),
		Expires:     now.Add(35 * time.Minute),
		Ends:        ptr(now.Add(35 * time.Minute)),
		Sender:      "w-nws.webmaster@noaa.gov",
		SenderName:  "NWS Norman OK",
	}
}

func TestValidate_CompleteAlertIsValid(t *testing.T) {
	v := setup(t)

	res := v.Validate(complete())

	assert.Empty(t, res.Issues)
	assert.Equal(t, StatusValid, res.Status)
	assert.Equal(t, ConfidenceVeryHigh, res.Confidence)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	require.Len(t, res.Checks, 8)
	assert.Equal(t, "alert_id", res.Checks[0].Name)
	assert.Equal(t, "anomalies", res.Checks[7].Name)
	for _, c := range res.Checks {
		assert.True(t, c.Passed, c.Name)
	}
}

func TestValidate_FewIssuesIsSuspicious(t *testing.T) {
	v := setup(t)
	a := complete()
	a.Instruction = ""

	res := v.Validate(a)

	assert.Equal(t, []string{"Extreme severity alert missing instructions"}, res.Issues)
	assert.Equal(t, StatusSuspicious, res.Status)
}

func TestValidate_ManyIssuesIsInvalid(t *testing.T) {
	v := setup(t)
	a := domain.Alert{ID: "bad id!", Severity: domain.SeverityExtreme, Urgency: domain.UrgencyFuture}

	res := v.Validate(a)

	assert.Greater(t, len(res.Issues), 5)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.Contains(t, res.Issues, "Alert ID format is invalid: bad id!")
	assert.Contains(t, res.Issues, "Sender field is missing")
	assert.Contains(t, res.Issues, "Expires date is missing")
}

func TestValidate_LowScoreFewIssuesIsUnknown(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	v := New(Config{MinConfidence: 0.99}, nil)
	a := complete()
	a.Instruction = ""
	a.Sender = "local office"

	res := v.Validate(a)

	assert.LessOrEqual(t, len(res.Issues), 5)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestValidate_Checks(t *testing.T) {
	v := setup(t)
	tests := []struct {
		name   string
		mutate func(a *domain.Alert)
		issue  string
	}{
		{"missing id", func(a *domain.Alert) { a.ID = "" }, "Alert ID is missing"},
		{"sent in future", func(a *domain.Alert) { a.Sent = now.Add(time.Hour) }, "Sent date is in the future"},
		{"effective far future", func(a *domain.Alert) {
			a.Effective = now.Add(48 * time.Hour)
			a.Expires = now.Add(50 * time.Hour)
			a.Onset, a.Ends = nil, nil
		}, "Effective date is more than 24 hours in the future"},
		{"already expired", func(a *domain.Alert) { a.Expires = now.Add(-time.Minute); a.Ends = nil }, "Alert has already expired"},
		{"expires before effective", func(a *domain.Alert) {
			a.Effective = now.Add(2 * time.Hour)
			a.Expires = now.Add(time.Hour)
			a.Onset, a.Ends = nil, nil
		}, "Expires date is before effective date"},
		{"bad county", func(a *domain.Alert) { a.CountyCodes = []string{"OK027"} }, "Invalid county code format: OK027"},
		{"empty geocode", func(a *domain.Alert) { a.Geocode = []string{} }, "Geocode list is empty"},
		{"short event", func(a *domain.Alert) { a.Event = "TW" }, "Event description is too short"},
		{"test content", func(a *domain.Alert) { a.Headline = "This is a TEST alert" }, "Alert content appears to be test data"},
		{"minor immediate", func(a *domain.Alert) { a.Severity = domain.SeverityMinor }, "Minor severity with immediate urgency may be inconsistent"},
		{"observed future", func(a *domain.Alert) {
			a.Severity = domain.SeveritySevere
			a.Urgency = domain.UrgencyFuture
		}, "Observed certainty with future urgency may be inconsistent"},
		{"onset after effective", func(a *domain.Alert) { a.Onset = ptr(now) }, "Onset date is after effective date"},
		{"ends after expires", func(a *domain.Alert) { a.Ends = ptr(now.Add(2 * time.Hour)) }, "Ends date is after expires date"},
		{"long description", func(a *domain.Alert) { a.Description = strings.Repeat("x", 5001) }, "Description is unusually long"},
		{"just sent", func(a *domain.Alert) { a.Sent = now.Add(-30 * time.Second) }, "Alert sent very recently (within 1 minute)"},
		{"invalid status", func(a *domain.Alert) { a.Status = "Rumor" }, "Invalid status: Rumor"},
		{"invalid severity", func(a *domain.Alert) { a.Severity = domain.Severity(42) }, "Invalid severity: Invalid(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := complete()
			tt.mutate(&a)
			res := v.Validate(a)
			assert.Contains(t, res.Issues, tt.issue)
		})
	}
}

func TestValidate_SkippedChecks(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	v := New(Config{MinConfidence: 0.6, SkipConsistency: true, SkipAnomalies: true}, nil)
	a := complete()
	a.Instruction = ""
	a.Urgency = domain.UrgencyExpected

	res := v.Validate(a)

	assert.Len(t, res.Checks, 6)
	assert.Empty(t, res.Issues)
}

func TestValidate_PanickingCheckIsRecorded(t *testing.T) {
	v := setup(t)
	v.checks = append(v.checks, namedCheck{"exploding", func(domain.Alert, time.Time) Check {
		panic("nil geometry")
	}})

	res := v.Validate(complete())

	last := res.Checks[len(res.Checks)-1]
	assert.Equal(t, "exploding", last.Name)
	assert.False(t, last.Passed)
	assert.Equal(t, []string{"check failed: nil geometry"}, last.Issues)
	assert.Equal(t, StatusSuspicious, res.Status)
}

func TestCalculateConfidence_Components(t *testing.T) {
	v := setup(t)
	a := complete()
	a.Sender = "Weather Service of Nowhere"
	a.CountyCodes = []string{"OKC027", "bogus"}
	a.Urgency = domain.UrgencyExpected
	a.Sent = now.Add(-25 * time.Hour)
	a.Description = "Example only."

	c := v.CalculateConfidence(a)

	assert.InDelta(t, 1.0, c.Components.Completeness, 1e-9)
	assert.InDelta(t, 0.9, c.Components.Consistency, 1e-9)
	assert.InDelta(t, 0.7, c.Components.SourceReliability, 1e-9)
	assert.InDelta(t, 0.7, c.Components.TemporalValidity, 1e-9)
	assert.InDelta(t, 0.9, c.Components.GeographicValidity, 1e-9)
	assert.InDelta(t, 0.2, c.Components.ContentQuality, 1e-9)
	assert.InDelta(t, 0.2+0.18+0.14+0.105+0.135+0.02, c.Overall, 1e-9)
	assert.Equal(t, []string{"High data completeness", "Valid geographic data"}, c.Factors)
}

func TestCalculateConfidence_Bounds(t *testing.T) {
	v := setup(t)
	alerts := []domain.Alert{
		{},
		complete(),
		{ID: "x", Sender: "?", Description: "test", CountyCodes: []string{"1", "2"}, Expires: now.Add(-48 * time.Hour), Sent: now.Add(-72 * time.Hour)},
	}
	for _, a := range alerts {
		c := v.CalculateConfidence(a)
		assert.GreaterOrEqual(t, c.Overall, 0.0)
		assert.LessOrEqual(t, c.Overall, 1.0)
		for _, s := range []float64{
			c.Components.Completeness, c.Components.Consistency, c.Components.SourceReliability,
			c.Components.TemporalValidity, c.Components.GeographicValidity, c.Components.ContentQuality,
		} {
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}

	empty := v.CalculateConfidence(domain.Alert{})
	assert.Contains(t, empty.Factors, "Low data completeness")
	assert.Contains(t, empty.Factors, "Unreliable source")
}

func TestLevel(t *testing.T) {
	assert.Equal(t, ConfidenceVeryHigh, Level(0.9))
	assert.Equal(t, ConfidenceHigh, Level(0.85))
	assert.Equal(t, ConfidenceMedium, Level(0.6))
	assert.Equal(t, ConfidenceLow, Level(0.4))
	assert.Equal(t, ConfidenceVeryLow, Level(0.39))
}
