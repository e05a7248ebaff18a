package validate

import (
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Components are the confidence sub-scores, each in [0,1].
type Components struct {
	Completeness       float64 `json:"data_completeness"`
	Consistency        float64 `json:"data_consistency"`
	SourceReliability  float64 `json:"source_reliability"`
	TemporalValidity   float64 `json:"temporal_validity"`
	GeographicValidity float64 `json:"geographic_validity"`
	ContentQuality     float64 `json:"content_quality"`
}

// Confidence is the weighted trust score and the factors that moved it.
type Confidence struct {
	Overall      float64    `json:"overall_confidence"`
	Components   Components `json:"component_scores"`
	Factors      []string   `json:"factors"`
	CalculatedAt time.Time  `json:"calculated_at"`
}

var testWord = regexp.MustCompile(`\b(test|example|dummy|fake)\b`)

// CalculateConfidence scores the alert as
// 0.20 completeness + 0.20 consistency + 0.20 source + 0.15 temporal +
// 0.15 geographic + 0.10 content.
func (v *Validator) CalculateConfidence(a domain.Alert) Confidence {
	now := domain.Now()
	c := Components{
		Completeness:       completeness(a),
		Consistency:        consistency(a),
		SourceReliability:  sourceReliability(a),
		TemporalValidity:   temporalValidity(a, now),
		GeographicValidity: geographicValidity(a),
		ContentQuality:     contentQuality(a),
	}
	overall := 0.20*c.Completeness +
		0.20*c.Consistency +
		0.20*c.SourceReliability +
		0.15*c.TemporalValidity +
		0.15*c.GeographicValidity +
		0.10*c.ContentQuality

	return Confidence{
		Overall:      clamp01(math.Round(overall*1000) / 1000),
		Components:   c,
		Factors:      factors(c),
		CalculatedAt: now,
	}
}

func completeness(a domain.Alert) float64 {
	required := []bool{
		a.ID != "", a.Event != "", a.AreaDesc != "", a.Description != "",
		!a.Sent.IsZero(), !a.Effective.IsZero(), !a.Expires.IsZero(), a.Sender != "",
	}
	optional := []bool{
		a.Headline != "", a.Instruction != "", a.Onset != nil, a.Ends != nil,
		len(a.Geocode) > 0, len(a.CountyCodes) > 0, a.SenderName != "",
	}
	return ratio(required)*0.8 + ratio(optional)*0.2
}

func consistency(a domain.Alert) float64 {
	score := 1.0
	if onsetAfterEffective(a) {
		score -= 0.2
	}
	if endsAfterExpires(a) {
		score -= 0.2
	}
	if a.Severity == domain.SeverityExtreme && a.Urgency != domain.UrgencyImmediate {
		score -= 0.1
	}
	return clamp01(score)
}

func sourceReliability(a domain.Alert) float64 {
	sender := strings.ToUpper(a.Sender)
	switch {
	case sender == "":
		return 0
	case strings.Contains(sender, "NWS"):
		return 1.0
	case strings.Contains(sender, "NOAA"):
		return 0.9
	case strings.Contains(sender, "WEATHER"):
		return 0.7
	}
	return 0.5
}

func temporalValidity(a domain.Alert, now time.Time) float64 {
	score := 1.0
	if !a.Sent.IsZero() && now.Sub(a.Sent) > 24*time.Hour {
		score -= 0.3
	}
	if !a.Expires.IsZero() && a.Expires.Before(now) {
		score -= 0.5
	}
	return clamp01(score)
}

func geographicValidity(a domain.Alert) float64 {
	if len(a.CountyCodes) == 0 {
		return 1.0
	}
	invalid := 0
	for _, code := range a.CountyCodes {
		if !countyPattern.MatchString(code) {
			invalid++
		}
	}
	return clamp01(1.0 - 0.2*float64(invalid)/float64(len(a.CountyCodes)))
}

func contentQuality(a domain.Alert) float64 {
	score := 1.0
	if a.Description != "" {
		switch n := utf8.RuneCountInString(a.Description); {
		case n < 20:
			score -= 0.3
		case n > 5000:
			score -= 0.1
		}
	}
	if testWord.MatchString(strings.ToLower(a.Event + " " + a.Description)) {
		score -= 0.5
	}
	return clamp01(score)
}

func factors(c Components) []string {
	var f []string
	switch {
	case c.Completeness >= 0.9:
		f = append(f, "High data completeness")
	case c.Completeness <= 0.5:
		f = append(f, "Low data completeness")
	}
	switch {
	case c.SourceReliability >= 0.9:
		f = append(f, "Reliable source")
	case c.SourceReliability <= 0.5:
		f = append(f, "Unreliable source")
	}
	switch {
	case c.TemporalValidity >= 0.8:
		f = append(f, "Recent alert")
	case c.TemporalValidity <= 0.3:
		f = append(f, "Aged alert")
	}
	switch {
	case c.GeographicValidity >= 0.9:
		f = append(f, "Valid geographic data")
	case c.GeographicValidity <= 0.5:
		f = append(f, "Invalid geographic data")
	}
	return f
}

func ratio(present []bool) float64 {
	n := 0
	for _, ok := range present {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(present))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
