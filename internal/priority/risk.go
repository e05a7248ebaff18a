package priority

import (
	"math"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// RiskLevel is the five-step risk label.
type RiskLevel string

const (
	RiskVeryHigh RiskLevel = "very_high"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
	RiskVeryLow  RiskLevel = "very_low"
)

// Risk factor labels shared by scores and assessments.
const (
	FactorHighSeverity      = "High severity alert"
	FactorModerateSeverity  = "Moderate severity alert"
	FactorImminent          = "Immediate or expected timing"
	FactorFuture            = "Future timing"
	FactorHighCertainty     = "High certainty"
	FactorModerateCertainty = "Moderate certainty"
	FactorHighRiskArea      = "High-risk geographic area"
	FactorModerateRiskArea  = "Moderate-risk geographic area"
	FactorDenselyPopulated  = "Densely populated area"
	FactorRecent            = "Recent alert"
	FactorAged              = "Aged alert"
)

// Assessment is the risk verdict for one alert.
type Assessment struct {
	Alert             domain.Alert `json:"alert"`
	Level             RiskLevel    `json:"risk_level"`
	Impact            float64      `json:"impact_score"`
	Probability       float64      `json:"probability_score"`
	Urgency           float64      `json:"urgency_score"`
	Factors           []string     `json:"factors"`
	MitigationActions []string     `json:"mitigation_actions"`
	CalculatedAt      time.Time    `json:"calculated_at"`
}

// AssessRisk combines impact (severity, geography, population), probability
// (certainty, urgency) and urgency into a risk label with mitigation actions.
func (p *Prioritizer) AssessRisk(a domain.Alert) Assessment {
	c := p.components(a)
	impact := (c.Severity + c.Geographic + c.Population) / 3
	probability := (c.Certainty + c.Urgency) / 2
	level := riskLevel((impact + probability + c.Urgency) / 3)
	factors := riskFactors(c)

	return Assessment{
		Alert:             a,
		Level:             level,
		Impact:            round3(impact),
		Probability:       round3(probability),
		Urgency:           c.Urgency,
		Factors:           factors,
		MitigationActions: mitigationActions(level, factors),
		CalculatedAt:      domain.Now(),
	}
}

func riskLevel(score float64) RiskLevel {
	switch {
	case score >= 4:
		return RiskVeryHigh
	case score >= 3:
		return RiskHigh
	case score >= 2:
		return RiskMedium
	case score >= 1:
		return RiskLow
	}
	return RiskVeryLow
}

func riskFactors(c Components) []string {
	var f []string
	switch {
	case c.Severity >= 4:
		f = append(f, FactorHighSeverity)
	case c.Severity >= 2:
		f = append(f, FactorModerateSeverity)
	}
	switch {
	case c.Urgency >= 1.5:
		f = append(f, FactorImminent)
	case c.Urgency >= 1:
		f = append(f, FactorFuture)
	}
	switch {
	case c.Certainty >= 0.8:
		f = append(f, FactorHighCertainty)
	case c.Certainty >= 0.5:
		f = append(f, FactorModerateCertainty)
	}
	switch {
	case c.Geographic >= 2:
		f = append(f, FactorHighRiskArea)
	case c.Geographic >= 1.5:
		f = append(f, FactorModerateRiskArea)
	}
	if c.Population >= 2 {
		f = append(f, FactorDenselyPopulated)
	}
	switch {
	case c.Time >= 0.8:
		f = append(f, FactorRecent)
	case c.Time <= 0.3:
		f = append(f, FactorAged)
	}
	return f
}

var levelRecommendations = map[Level][]string{
	LevelCritical: {
		"Immediate response required",
		"Activate emergency protocols",
		"Notify all stakeholders immediately",
		"Consider evacuation procedures",
	},
	LevelHigh: {
		"Urgent response required",
		"Notify key stakeholders",
		"Prepare for potential escalation",
		"Monitor situation closely",
	},
	LevelMedium: {
		"Standard response procedures",
		"Notify relevant personnel",
		"Prepare contingency plans",
		"Regular monitoring",
	},
	LevelLow: {
		"Routine monitoring",
		"Document for future reference",
		"No immediate action required",
	},
}

var factorRecommendations = []struct{ factor, text string }{
	{FactorHighSeverity, "Implement high-priority response protocols"},
	{FactorImminent, "Prepare for immediate impact"},
	{FactorHighCertainty, "Proceed with confidence in response"},
	{FactorHighRiskArea, "Focus resources on high-risk area"},
	{FactorDenselyPopulated, "Consider population protection measures"},
	{FactorAged, "Verify alert is still relevant"},
}

func recommendations(level Level, factors []string) []string {
	out := append([]string(nil), levelRecommendations[level]...)
	return appendForFactors(out, factors, factorRecommendations)
}

var riskMitigations = map[RiskLevel][]string{
	RiskVeryHigh: {
		"Activate emergency response team",
		"Implement immediate protective measures",
		"Evacuate high-risk areas if necessary",
		"Coordinate with emergency services",
	},
	RiskMedium: {
		"Prepare response resources",
		"Monitor situation development",
		"Notify relevant authorities",
		"Implement standard protective measures",
	},
	RiskLow: {
		"Continue monitoring",
		"Prepare for potential escalation",
		"Document situation",
	},
}

var factorMitigations = []struct{ factor, text string }{
	{FactorHighSeverity, "Deploy maximum available resources"},
	{FactorImminent, "Execute immediate response protocols"},
	{FactorHighRiskArea, "Focus mitigation efforts on high-risk area"},
	{FactorDenselyPopulated, "Implement population protection measures"},
}

func mitigationActions(level RiskLevel, factors []string) []string {
	key := level
	switch level {
	case RiskHigh:
		key = RiskVeryHigh
	case RiskVeryLow:
		key = RiskLow
	}
	out := append([]string(nil), riskMitigations[key]...)
	return appendForFactors(out, factors, factorMitigations)
}

func appendForFactors(out, factors []string, table []struct{ factor, text string }) []string {
	present := make(map[string]bool, len(factors))
	for _, f := range factors {
		present[f] = true
	}
	for _, row := range table {
		if present[row.factor] {
			out = append(out, row.text)
		}
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
