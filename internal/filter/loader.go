package filter

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

// Definition is the YAML form of one filter. Type selects which of the
// remaining fields apply.
type Definition struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Enabled *bool  `yaml:"enabled,omitempty"`

	// geographic
	AllowedCounties []string     `yaml:"allowed_counties,omitempty"`
	BlockedCounties []string     `yaml:"blocked_counties,omitempty"`
	AllowedStates   []string     `yaml:"allowed_states,omitempty"`
	BoundingBox     *BoundingBox `yaml:"bounding_box,omitempty"`

	// time
	BusinessHoursOnly bool          `yaml:"business_hours_only,omitempty"`
	BusinessStart     *int          `yaml:"business_start,omitempty"`
	BusinessEnd       *int          `yaml:"business_end,omitempty"`
	WeekdaysOnly      bool          `yaml:"weekdays_only,omitempty"`
	AllowedDays       []string      `yaml:"allowed_days,omitempty"`
	MaxAge            time.Duration `yaml:"max_age,omitempty"`
	Holidays          []string      `yaml:"holidays,omitempty"`
	Timezone          string        `yaml:"timezone,omitempty"`

	// severity
	AllowedSeverities []domain.Severity `yaml:"allowed_severities,omitempty"`
	BlockedSeverities []domain.Severity `yaml:"blocked_severities,omitempty"`
	MinSeverity       domain.Severity   `yaml:"min_severity,omitempty"`
	MaxSeverity       domain.Severity   `yaml:"max_severity,omitempty"`
	MinUrgency        domain.Urgency    `yaml:"min_urgency,omitempty"`
	MinCertainty      domain.Certainty  `yaml:"min_certainty,omitempty"`

	// custom
	Rules []Rule `yaml:"rules,omitempty"`
}

// ChainDefinition is the YAML document describing a whole chain. Order, when
// set, names filters in application order; unnamed filters follow in
// definition order.
type ChainDefinition struct {
	Filters []Definition `yaml:"filters"`
	Order   []string     `yaml:"order,omitempty"`
}

// Build constructs the filter described by d.
func (d Definition) Build(evaluator *rules.Evaluator) (Filter, error) {
	if strings.TrimSpace(d.Name) == "" {
		return nil, fmt.Errorf("filter: name is required")
	}

	var f Filter
	switch strings.ToLower(d.Type) {
	case "geographic":
		g := NewGeographicFilter(d.Name, d.AllowedCounties, d.BlockedCounties)
		g.AllowedStates = d.AllowedStates
		g.BoundingBox = d.BoundingBox
		f = g
	case "time":
		t, err := d.buildTime()
		if err != nil {
			return nil, err
		}
		f = t
	case "severity":
		s := NewSeverityFilter(d.Name)
		s.Allowed = d.AllowedSeverities
		s.Blocked = d.BlockedSeverities
		s.MinSeverity = d.MinSeverity
		s.MaxSeverity = d.MaxSeverity
		s.MinUrgency = d.MinUrgency
		s.MinCertainty = d.MinCertainty
		f = s
	case "custom", "custom_rule":
		f = NewCustomRuleFilter(d.Name, evaluator, d.Rules...)
	default:
		return nil, fmt.Errorf("filter %s: unknown type %q", d.Name, d.Type)
	}

	if d.Enabled != nil {
		f.SetEnabled(*d.Enabled)
	}
	return f, nil
}

func (d Definition) buildTime() (*TimeFilter, error) {
	t := NewTimeFilter(d.Name)
	t.BusinessHoursOnly = d.BusinessHoursOnly
	if d.BusinessStart != nil {
		t.BusinessStart = *d.BusinessStart
	}
	if d.BusinessEnd != nil {
		t.BusinessEnd = *d.BusinessEnd
	}
	if t.BusinessStart < 0 || t.BusinessEnd > 24 || t.BusinessStart >= t.BusinessEnd {
		return nil, fmt.Errorf("filter %s: invalid business hours %d-%d", d.Name, t.BusinessStart, t.BusinessEnd)
	}
	t.WeekdaysOnly = d.WeekdaysOnly
	t.MaxAge = d.MaxAge
	t.Holidays = d.Holidays

	for _, day := range d.AllowedDays {
		wd, err := parseWeekday(day)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", d.Name, err)
		}
		t.AllowedDays = append(t.AllowedDays, wd)
	}

	if d.Timezone != "" {
		loc, err := time.LoadLocation(d.Timezone)
		if err != nil {
			return nil, fmt.Errorf("filter %s: load timezone: %w", d.Name, err)
		}
		t.Location = loc
	}
	return t, nil
}

func parseWeekday(v string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), v) || strings.EqualFold(d.String()[:3], v) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", v)
}

// ParseChainYAML decodes a chain definition and builds the chain.
func ParseChainYAML(data []byte, evaluator *rules.Evaluator, logger *slog.Logger) (*Chain, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("filter: chain definition is empty")
	}
	var def ChainDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("filter: decode chain: %w", err)
	}

	chain := NewChain(logger)
	seen := make(map[string]bool, len(def.Filters))
	for _, d := range def.Filters {
		if seen[d.Name] {
			return nil, fmt.Errorf("filter: duplicate filter name %q", d.Name)
		}
		seen[d.Name] = true
		f, err := d.Build(evaluator)
		if err != nil {
			return nil, err
		}
		chain.Add(f)
	}
	for _, name := range def.Order {
		if !seen[name] {
			return nil, fmt.Errorf("filter: order names unknown filter %q", name)
		}
	}
	if len(def.Order) > 0 {
		chain.Reorder(def.Order)
	}
	return chain, nil
}

// LoadChainFile reads a YAML chain definition from disk.
func LoadChainFile(path string, evaluator *rules.Evaluator, logger *slog.Logger) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filter: read %s: %w", path, err)
	}
	chain, err := ParseChainYAML(data, evaluator, logger)
	if err != nil {
		return nil, fmt.Errorf("filter: %s: %w", path, err)
	}
	return chain, nil
}
