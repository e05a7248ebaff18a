package domain

import (
	"fmt"
	"strings"
)

// Severity is the CAP severity of an alert. Values are ordinal so that
// comparisons read naturally: SeverityMinor < SeverityExtreme.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityMinor
	SeverityModerate
	SeveritySevere
	SeverityExtreme
)

var severityNames = []string{"Unknown", "Minor", "Moderate", "Severe", "Extreme"}

// Urgency is the CAP urgency of an alert: Past < Future < Expected < Immediate.
type Urgency int

const (
	UrgencyUnknown Urgency = iota
	UrgencyPast
	UrgencyFuture
	UrgencyExpected
	UrgencyImmediate
)

var urgencyNames = []string{"Unknown", "Past", "Future", "Expected", "Immediate"}

// Certainty is the CAP certainty of an alert: Unlikely < Possible < Likely < Observed.
type Certainty int

const (
	CertaintyUnknown Certainty = iota
	CertaintyUnlikely
	CertaintyPossible
	CertaintyLikely
	CertaintyObserved
)

var certaintyNames = []string{"Unknown", "Unlikely", "Possible", "Likely", "Observed"}

func (s Severity) String() string  { return enumName(severityNames, int(s)) }
func (u Urgency) String() string   { return enumName(urgencyNames, int(u)) }
func (c Certainty) String() string { return enumName(certaintyNames, int(c)) }

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool { return int(s) >= 0 && int(s) < len(severityNames) }

// Valid reports whether u is one of the defined urgencies.
func (u Urgency) Valid() bool { return int(u) >= 0 && int(u) < len(urgencyNames) }

// Valid reports whether c is one of the defined certainties.
func (c Certainty) Valid() bool { return int(c) >= 0 && int(c) < len(certaintyNames) }

// ParseSeverity parses a CAP severity name, case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	i, err := parseEnum("severity", severityNames, v)
	return Severity(i), err
}

// ParseUrgency parses a CAP urgency name, case-insensitively.
func ParseUrgency(v string) (Urgency, error) {
	i, err := parseEnum("urgency", urgencyNames, v)
	return Urgency(i), err
}

// ParseCertainty parses a CAP certainty name, case-insensitively.
func ParseCertainty(v string) (Certainty, error) {
	i, err := parseEnum("certainty", certaintyNames, v)
	return Certainty(i), err
}

func (s Severity) MarshalText() ([]byte, error)  { return []byte(s.String()), nil }
func (u Urgency) MarshalText() ([]byte, error)   { return []byte(u.String()), nil }
func (c Certainty) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (u *Urgency) UnmarshalText(b []byte) error {
	v, err := ParseUrgency(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

func (c *Certainty) UnmarshalText(b []byte) error {
	v, err := ParseCertainty(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Status is the CAP message status. It is kept as the raw feed string so the
// validator can report values outside the known set.
type Status string

const (
	StatusActual   Status = "Actual"
	StatusExercise Status = "Exercise"
	StatusSystem   Status = "System"
	StatusTest     Status = "Test"
	StatusDraft    Status = "Draft"
)

// Valid reports whether s is a known CAP status.
func (s Status) Valid() bool {
	switch s {
	case StatusActual, StatusExercise, StatusSystem, StatusTest, StatusDraft:
		return true
	}
	return false
}

// Category is the CAP event category, kept as the raw feed string.
type Category string

const (
	CategoryMet       Category = "Met"
	CategoryGeo       Category = "Geo"
	CategorySafety    Category = "Safety"
	CategorySecurity  Category = "Security"
	CategoryRescue    Category = "Rescue"
	CategoryFire      Category = "Fire"
	CategoryHealth    Category = "Health"
	CategoryEnv       Category = "Env"
	CategoryTransport Category = "Transport"
	CategoryInfra     Category = "Infra"
	CategoryCBRNE     Category = "CBRNE"
	CategoryOther     Category = "Other"
)

// Valid reports whether c is a known CAP category.
func (c Category) Valid() bool {
	switch c {
	case CategoryMet, CategoryGeo, CategorySafety, CategorySecurity, CategoryRescue,
		CategoryFire, CategoryHealth, CategoryEnv, CategoryTransport, CategoryInfra,
		CategoryCBRNE, CategoryOther:
		return true
	}
	return false
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("Invalid(%d)", i)
	}
	return names[i]
}

func parseEnum(kind string, names []string, v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	for i, name := range names {
		if strings.EqualFold(name, v) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, v)
}
