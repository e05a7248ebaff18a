package filter

import (
	"fmt"
	"slices"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// SeverityFilter gates alerts on severity, urgency and certainty. Zero values
// of the Min/Max fields mean "no bound".
type SeverityFilter struct {
	base
	Blocked      []domain.Severity
	Allowed      []domain.Severity
	MinSeverity  domain.Severity
	MaxSeverity  domain.Severity
	MinUrgency   domain.Urgency
	MinCertainty domain.Certainty
}

// NewSeverityFilter creates an enabled SeverityFilter with no bounds.
func NewSeverityFilter(name string) *SeverityFilter {
	return &SeverityFilter{base: base{name: name}}
}

func (f *SeverityFilter) Check(a domain.Alert) (Result, error) {
	if slices.Contains(f.Blocked, a.Severity) {
		return reject(fmt.Sprintf("severity blocked: %s", a.Severity), nil), nil
	}
	if len(f.Allowed) > 0 && !slices.Contains(f.Allowed, a.Severity) {
		return reject(fmt.Sprintf("severity not allowed: %s", a.Severity), nil), nil
	}
	if f.MinSeverity != domain.SeverityUnknown && a.Severity < f.MinSeverity {
		return reject(fmt.Sprintf("severity too low: %s < %s", a.Severity, f.MinSeverity), nil), nil
	}
	if f.MaxSeverity != domain.SeverityUnknown && a.Severity > f.MaxSeverity {
		return reject(fmt.Sprintf("severity too high: %s > %s", a.Severity, f.MaxSeverity), nil), nil
	}
	if f.MinUrgency != domain.UrgencyUnknown && a.Urgency < f.MinUrgency {
		return reject(fmt.Sprintf("urgency too low: %s < %s", a.Urgency, f.MinUrgency), nil), nil
	}
	if f.MinCertainty != domain.CertaintyUnknown && a.Certainty < f.MinCertainty {
		return reject(fmt.Sprintf("certainty too low: %s < %s", a.Certainty, f.MinCertainty), nil), nil
	}
	return pass("severity filter passed"), nil
}
