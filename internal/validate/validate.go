// Package validate runs structural and consistency checks over alerts and
// scores how far each one can be trusted.
package validate

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Status is the overall validation verdict.
type Status string

const (
	StatusValid      Status = "valid"
	StatusSuspicious Status = "suspicious"
	StatusInvalid    Status = "invalid"
	StatusUnknown    Status = "unknown"
)

// ConfidenceLevel buckets the confidence score.
type ConfidenceLevel string

const (
	ConfidenceVeryHigh ConfidenceLevel = "very_high"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceVeryLow  ConfidenceLevel = "very_low"
)

// Check is the outcome of one validation check.
type Check struct {
	Name            string   `json:"check"`
	Passed          bool     `json:"passed"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Result is the full validation verdict for one alert.
type Result struct {
	Alert           domain.Alert    `json:"alert"`
	Status          Status          `json:"status"`
	Confidence      ConfidenceLevel `json:"confidence"`
	Score           float64         `json:"confidence_score"`
	Checks          []Check         `json:"validation_checks"`
	Issues          []string        `json:"issues"`
	Recommendations []string        `json:"recommendations"`
	ValidatedAt     time.Time       `json:"validated_at"`
}

// Config controls the validator.
type Config struct {
	// MinConfidence is the score an alert needs to be Valid or Suspicious.
	MinConfidence float64
	// SkipConsistency and SkipAnomalies drop the corresponding checks.
	SkipConsistency bool
	SkipAnomalies   bool
}

// DefaultConfig returns a validator config with a 0.6 pass bar and every
// check enabled.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.6}
}

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9\-_.:]+$`)
	countyPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z]\d{3}$`)
)

type checkFunc func(a domain.Alert, now time.Time) Check

// Validator runs the check battery. It holds no per-alert state.
type Validator struct {
	cfg    Config
	logger *slog.Logger
	checks []namedCheck
}

type namedCheck struct {
	name string
	fn   checkFunc
}

// New creates a Validator.
func New(cfg Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	checks := []namedCheck{
		{"alert_id", checkAlertID},
		{"basic_fields", checkBasicFields},
		{"enum_values", checkEnumValues},
		{"dates", checkDates},
		{"geographic_data", checkGeographic},
		{"content_quality", checkContentQuality},
	}
	if !cfg.SkipConsistency {
		checks = append(checks, namedCheck{"consistency", checkConsistency})
	}
	if !cfg.SkipAnomalies {
		checks = append(checks, namedCheck{"anomalies", checkAnomalies})
	}
	return &Validator{cfg: cfg, logger: logger, checks: checks}
}

// Validate runs every check against the alert. A failing or panicking check
// never stops the others.
func (v *Validator) Validate(a domain.Alert) Result {
	now := domain.Now()
	res := Result{Alert: a, ValidatedAt: now}

	for _, c := range v.checks {
		out := v.run(c, a, now)
		res.Checks = append(res.Checks, out)
		if !out.Passed {
			res.Issues = append(res.Issues, out.Issues...)
			res.Recommendations = append(res.Recommendations, out.Recommendations...)
		}
	}

	res.Score = v.CalculateConfidence(a).Overall
	res.Confidence = Level(res.Score)
	res.Status = v.status(res.Score, len(res.Issues))
	return res
}

// ValidateAll validates each alert independently.
func (v *Validator) ValidateAll(alerts []domain.Alert) []Result {
	out := make([]Result, len(alerts))
	for i, a := range alerts {
		out[i] = v.Validate(a)
	}
	return out
}

func (v *Validator) run(c namedCheck, a domain.Alert, now time.Time) (out Check) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validation check panicked", "check", c.name, "alert_id", a.ID, "panic", r)
			out = Check{
				Name:            c.name,
				Passed:          false,
				Issues:          []string{fmt.Sprintf("check failed: %v", r)},
				Recommendations: []string{"Review alert data quality"},
			}
		}
	}()
	out = c.fn(a, now)
	out.Name = c.name
	out.Passed = len(out.Issues) == 0
	return out
}

// status applies the pass bar: Valid needs zero issues, Suspicious allows up
// to two, more than five is Invalid regardless of score.
func (v *Validator) status(score float64, issues int) Status {
	switch {
	case score >= v.cfg.MinConfidence && issues == 0:
		return StatusValid
	case score >= v.cfg.MinConfidence && issues <= 2:
		return StatusSuspicious
	case issues > 5:
		return StatusInvalid
	}
	return StatusUnknown
}

// Level maps a confidence score to its bucket.
func Level(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return ConfidenceVeryHigh
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.6:
		return ConfidenceMedium
	case score >= 0.4:
		return ConfidenceLow
	}
	return ConfidenceVeryLow
}
