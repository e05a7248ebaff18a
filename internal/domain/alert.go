package domain

import (
	"slices"
	"strings"
	"time"
)

// Alert is a single weather-hazard record as observed from the feed. Alerts
// are treated as immutable once observed; stages that need to change one work
// on a Clone.
type Alert struct {
	ID          string     `json:"id"`
	Event       string     `json:"event"`
	Headline    string     `json:"headline,omitempty"`
	Description string     `json:"description"`
	Instruction string     `json:"instruction,omitempty"`
	Severity    Severity   `json:"severity"`
	Urgency     Urgency    `json:"urgency"`
	Certainty   Certainty  `json:"certainty"`
	Status      Status     `json:"status"`
	Category    Category   `json:"category"`
	AreaDesc    string     `json:"area_desc"`
	CountyCodes []string   `json:"county_codes"`
	Geocode     []string   `json:"geocode,omitempty"`
	Sent        time.Time  `json:"sent"`
	Effective   time.Time  `json:"effective"`
	Onset       *time.Time `json:"onset,omitempty"`
	Expires     time.Time  `json:"expires"`
	Ends        *time.Time `json:"ends,omitempty"`
	Sender      string     `json:"sender"`
	SenderName  string     `json:"sender_name,omitempty"`
}

// ReferenceTime returns the effective time, falling back to the sent time.
// The zero time means neither is known.
func (a Alert) ReferenceTime() time.Time {
	if !a.Effective.IsZero() {
		return a.Effective
	}
	return a.Sent
}

// SortedCounties returns a sorted, de-duplicated copy of the county codes.
func (a Alert) SortedCounties() []string {
	out := slices.Clone(a.CountyCodes)
	slices.Sort(out)
	return slices.Compact(out)
}

// SameCounties reports whether both alerts cover the same set of county codes.
func SameCounties(a, b []string) bool {
	return slices.Equal(Alert{CountyCodes: a}.SortedCounties(), Alert{CountyCodes: b}.SortedCounties())
}

// CountiesIntersect reports whether the two county sets share any code.
func CountiesIntersect(a, b []string) bool {
	for _, c := range a {
		if slices.Contains(b, c) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	out := a
	out.CountyCodes = slices.Clone(a.CountyCodes)
	out.Geocode = slices.Clone(a.Geocode)
	if a.Onset != nil {
		t := *a.Onset
		out.Onset = &t
	}
	if a.Ends != nil {
		t := *a.Ends
		out.Ends = &t
	}
	return out
}

// Field names understood by rule and workflow conditions.
const (
	FieldEvent       = "event"
	FieldHeadline    = "headline"
	FieldDescription = "description"
	FieldInstruction = "instruction"
	FieldAreaDesc    = "area_desc"
	FieldSeverity    = "severity"
	FieldUrgency     = "urgency"
	FieldCertainty   = "certainty"
	FieldStatus      = "status"
	FieldCategory    = "category"
	FieldSender      = "sender"
	FieldSenderName  = "sender_name"
)

// Field returns the string value of a named alert field. The second return is
// false for names outside the fixed accessor set.
func (a Alert) Field(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FieldEvent:
		return a.Event, true
	case FieldHeadline:
		return a.Headline, true
	case FieldDescription:
		return a.Description, true
	case FieldInstruction:
		return a.Instruction, true
	case FieldAreaDesc, "area":
		return a.AreaDesc, true
	case FieldSeverity:
		return a.Severity.String(), true
	case FieldUrgency:
		return a.Urgency.String(), true
	case FieldCertainty:
		return a.Certainty.String(), true
	case FieldStatus:
		return string(a.Status), true
	case FieldCategory:
		return string(a.Category), true
	case FieldSender:
		return a.Sender, true
	case FieldSenderName:
		return a.SenderName, true
	}
	return "", false
}
