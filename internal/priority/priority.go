// Package priority scores alerts by how urgently they need a response and
// derives a coarse risk assessment from the same component scores.
package priority

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Level is the discrete priority bucket.
type Level string

const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelInfo     Level = "info"
)

// ComponentWeights are the coefficients of the weighted total.
type ComponentWeights struct {
	Severity   float64
	Urgency    float64
	Certainty  float64
	Time       float64
	Geographic float64
	Population float64
}

// Thresholds are the minimum scaled totals for each level.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// Config holds every tuning constant used by the Prioritizer.
type Config struct {
	SeverityWeights  map[domain.Severity]float64
	UrgencyWeights   map[domain.Urgency]float64
	CertaintyWeights map[domain.Certainty]float64

	// TimeDecay is k in exp(-k * hours since effective).
	TimeDecay float64

	GeographicRiskMultiplier float64
	GeographicCap            float64
	HighRiskKeywords         []string

	PopulationDensityWeight float64
	PopulationCap           float64
	PopulationKeywords      []string

	Weights ComponentWeights
	// ScoreScale multiplies the weighted sum before levels are assigned.
	ScoreScale float64
	Thresholds Thresholds
}

// DefaultConfig returns the standard weights and thresholds.
func DefaultConfig() Config {
	return Config{
		SeverityWeights: map[domain.Severity]float64{
			domain.SeverityMinor:    1.0,
			domain.SeverityModerate: 2.0,
			domain.SeveritySevere:   4.0,
			domain.SeverityExtreme:  8.0,
		},
		UrgencyWeights: map[domain.Urgency]float64{
			domain.UrgencyPast:      0.1,
			domain.UrgencyFuture:    0.5,
			domain.UrgencyExpected:  1.0,
			domain.UrgencyImmediate: 2.0,
		},
		CertaintyWeights: map[domain.Certainty]float64{
			domain.CertaintyUnlikely: 0.2,
			domain.CertaintyPossible: 0.5,
			domain.CertaintyLikely:   0.8,
			domain.CertaintyObserved: 1.0,
		},
		TimeDecay:                0.1,
		GeographicRiskMultiplier: 1.0,
		GeographicCap:            5.0,
		HighRiskKeywords: []string{
			"downtown", "city center", "airport", "hospital", "school",
			"university", "stadium", "shopping", "business district",
		},
		PopulationDensityWeight: 0.3,
		PopulationCap:           3.0,
		PopulationKeywords: []string{
			"metropolitan", "urban", "city", "town", "downtown",
			"residential", "suburban", "densely populated",
		},
		Weights: ComponentWeights{
			Severity:   0.30,
			Urgency:    0.25,
			Certainty:  0.15,
			Time:       0.10,
			Geographic: 0.10,
			Population: 0.10,
		},
		ScoreScale: 2.0,
		Thresholds: Thresholds{Critical: 6.0, High: 4.0, Medium: 2.0, Low: 1.0},
	}
}

// Components are the unweighted per-factor scores.
type Components struct {
	Severity   float64 `json:"severity"`
	Urgency    float64 `json:"urgency"`
	Certainty  float64 `json:"certainty"`
	Time       float64 `json:"time"`
	Geographic float64 `json:"geographic"`
	Population float64 `json:"population"`
}

// Score is the priority verdict for one alert.
type Score struct {
	Alert           domain.Alert `json:"alert"`
	Total           float64      `json:"total_score"`
	Level           Level        `json:"priority_level"`
	Components      Components   `json:"component_scores"`
	RiskFactors     []string     `json:"risk_factors"`
	Recommendations []string     `json:"recommendations"`
	CalculatedAt    time.Time    `json:"calculated_at"`
}

// Prioritizer computes priority scores. It is stateless and safe for
// concurrent use.
type Prioritizer struct {
	cfg Config
}

// New creates a Prioritizer. A nil weight map falls back to its default.
func New(cfg Config) *Prioritizer {
	def := DefaultConfig()
	if cfg.SeverityWeights == nil {
		cfg.SeverityWeights = def.SeverityWeights
	}
	if cfg.UrgencyWeights == nil {
		cfg.UrgencyWeights = def.UrgencyWeights
	}
	if cfg.CertaintyWeights == nil {
		cfg.CertaintyWeights = def.CertaintyWeights
	}
	if cfg.Weights == (ComponentWeights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.ScoreScale <= 0 {
		cfg.ScoreScale = def.ScoreScale
	}
	if cfg.GeographicRiskMultiplier <= 0 {
		cfg.GeographicRiskMultiplier = def.GeographicRiskMultiplier
	}
	if cfg.GeographicCap <= 0 {
		cfg.GeographicCap = def.GeographicCap
	}
	if cfg.PopulationCap <= 0 {
		cfg.PopulationCap = def.PopulationCap
	}
	return &Prioritizer{cfg: cfg}
}

// Score computes the priority score of one alert.
func (p *Prioritizer) Score(a domain.Alert) Score {
	c := p.components(a)
	w := p.cfg.Weights
	total := p.cfg.ScoreScale * (w.Severity*c.Severity +
		w.Urgency*c.Urgency +
		w.Certainty*c.Certainty +
		w.Time*c.Time +
		w.Geographic*c.Geographic +
		w.Population*c.Population)
	total = round3(total)

	level := p.level(total)
	factors := riskFactors(c)
	return Score{
		Alert:           a,
		Total:           total,
		Level:           level,
		Components:      c,
		RiskFactors:     factors,
		Recommendations: recommendations(level, factors),
		CalculatedAt:    domain.Now(),
	}
}

// PrioritizeAll scores every alert and orders them by descending total.
// Equal totals keep their input order.
func (p *Prioritizer) PrioritizeAll(alerts []domain.Alert) []Score {
	scores := make([]Score, len(alerts))
	for i, a := range alerts {
		scores[i] = p.Score(a)
	}
	slices.SortStableFunc(scores, func(x, y Score) int {
		switch {
		case x.Total > y.Total:
			return -1
		case x.Total < y.Total:
			return 1
		}
		return 0
	})
	return scores
}

func (p *Prioritizer) components(a domain.Alert) Components {
	return Components{
		Severity:   weight(p.cfg.SeverityWeights, a.Severity),
		Urgency:    weight(p.cfg.UrgencyWeights, a.Urgency),
		Certainty:  weight(p.cfg.CertaintyWeights, a.Certainty),
		Time:       p.timeScore(a),
		Geographic: p.geographicScore(a),
		Population: p.populationScore(a),
	}
}

func (p *Prioritizer) timeScore(a domain.Alert) float64 {
	ref := a.ReferenceTime()
	if ref.IsZero() {
		return 1.0
	}
	hours := domain.Now().Sub(ref).Hours()
	return math.Min(math.Exp(-p.cfg.TimeDecay*hours), 1.0)
}

// geographicScore applies the risk multiplier once when any high-risk
// keyword appears in the area description.
func (p *Prioritizer) geographicScore(a domain.Alert) float64 {
	score := 1.0
	area := strings.ToLower(a.AreaDesc)
	for _, kw := range p.cfg.HighRiskKeywords {
		if strings.Contains(area, kw) {
			score *= p.cfg.GeographicRiskMultiplier
			break
		}
	}
	return math.Min(score, p.cfg.GeographicCap)
}

// populationScore adds the density weight for every keyword present.
func (p *Prioritizer) populationScore(a domain.Alert) float64 {
	score := 1.0
	area := strings.ToLower(a.AreaDesc)
	for _, kw := range p.cfg.PopulationKeywords {
		if strings.Contains(area, kw) {
			score += p.cfg.PopulationDensityWeight
		}
	}
	return math.Min(score, p.cfg.PopulationCap)
}

func (p *Prioritizer) level(total float64) Level {
	t := p.cfg.Thresholds
	switch {
	case total >= t.Critical:
		return LevelCritical
	case total >= t.High:
		return LevelHigh
	case total >= t.Medium:
		return LevelMedium
	case total >= t.Low:
		return LevelLow
	}
	return LevelInfo
}

func weight[K comparable](m map[K]float64, k K) float64 {
	if v, ok := m[k]; ok {
		return v
	}
	return 1.0
}
