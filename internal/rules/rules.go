// Package rules implements the condition grammar shared by custom-rule
// filters and workflow triggers: field equality, substring, regex, severity
// thresholds and time-of-day ranges evaluated against an alert's fields.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Kind names a condition type.
type Kind string

const (
	KindFieldEquals    Kind = "field_equals"
	KindFieldContains  Kind = "field_contains"
	KindTextMatch      Kind = "text_match"
	KindRegex          Kind = "regex"
	KindRegexMatch     Kind = "regex_match"
	KindSeverityEquals Kind = "severity_equals"
	KindSeverityGTE    Kind = "severity_gte"
	KindTimeRange      Kind = "time_range"
	KindCustomFunction Kind = "custom_function"
)

// ErrUnknownKind is returned for condition types outside the grammar. Callers
// decide the policy: filters pass, workflow triggers do not match.
var ErrUnknownKind = errors.New("unknown condition type")

// Condition is one predicate over an alert. Which fields are read depends on
// Type; unused fields are ignored.
type Condition struct {
	Type          Kind   `json:"type" yaml:"type"`
	Field         string `json:"field,omitempty" yaml:"field,omitempty"`
	Value         string `json:"value,omitempty" yaml:"value,omitempty"`
	Pattern       string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	Severity      string `json:"severity,omitempty" yaml:"severity,omitempty"`
	StartTime     string `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime       string `json:"end_time,omitempty" yaml:"end_time,omitempty"`
}

// DefaultCacheSize bounds the number of compiled patterns kept in memory.
const DefaultCacheSize = 256

// Evaluator evaluates conditions. It is safe for concurrent use; compiled
// regular expressions are cached by source pattern.
type Evaluator struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

// NewEvaluator creates an Evaluator whose regex cache holds up to cacheSize
// compiled patterns. Non-positive sizes use DefaultCacheSize.
func NewEvaluator(cacheSize int) *Evaluator {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *regexp.Regexp](cacheSize)
	if err != nil {
		// lru.New only fails for non-positive sizes, which are excluded above.
		panic(err)
	}
	return &Evaluator{patterns: cache}
}

// Evaluate reports whether the alert satisfies the condition.
func (e *Evaluator) Evaluate(a domain.Alert, c Condition) (bool, error) {
	kind := c.Type
	if kind == "" {
		kind = KindFieldEquals
	}

	switch kind {
	case KindFieldEquals:
		actual, err := fieldValue(a, c.Field)
		if err != nil {
			return false, err
		}
		return actual == c.Value, nil

	case KindFieldContains, KindTextMatch:
		actual, err := fieldValue(a, c.Field)
		if err != nil {
			return false, err
		}
		needle := c.Value
		if needle == "" {
			needle = c.Pattern
		}
		if actual == "" {
			return false, nil
		}
		if !c.CaseSensitive {
			actual = strings.ToLower(actual)
			needle = strings.ToLower(needle)
		}
		return strings.Contains(actual, needle), nil

	case KindRegex, KindRegexMatch:
		actual, err := fieldValue(a, c.Field)
		if err != nil {
			return false, err
		}
		if actual == "" {
			return false, nil
		}
		re, err := e.compile(c.Pattern, c.CaseSensitive)
		if err != nil {
			return false, err
		}
		return re.MatchString(actual), nil

	case KindSeverityEquals:
		return strings.EqualFold(a.Severity.String(), strings.TrimSpace(c.Severity)), nil

	case KindSeverityGTE:
		threshold := domain.SeverityMinor
		if c.Severity != "" {
			s, err := domain.ParseSeverity(c.Severity)
			if err != nil {
				return false, err
			}
			threshold = s
		}
		return a.Severity >= threshold, nil

	case KindTimeRange:
		return inTimeRange(a, c.StartTime, c.EndTime)

	case KindCustomFunction:
		return true, nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// MatchAll reports whether every condition holds. An empty list matches.
// Evaluation stops at the first false condition or error.
func (e *Evaluator) MatchAll(a domain.Alert, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := e.Evaluate(a, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// MatchAny reports whether at least one condition holds. An empty list
// matches. Errors from individual conditions are joined and returned only when
// nothing matched.
func (e *Evaluator) MatchAny(a domain.Alert, conds []Condition) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	var errs []error
	for _, c := range conds {
		ok, err := e.Evaluate(a, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

func (e *Evaluator) compile(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	src := pattern
	if !caseSensitive {
		src = "(?i)" + pattern
	}
	if re, ok := e.patterns.Get(src); ok {
		return re, nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	e.patterns.Add(src, re)
	return re, nil
}

func fieldValue(a domain.Alert, field string) (string, error) {
	if field == "" {
		field = domain.FieldEvent
	}
	v, ok := a.Field(field)
	if !ok {
		return "", fmt.Errorf("unknown field %q", field)
	}
	return v, nil
}

const clockLayout = "15:04"

func inTimeRange(a domain.Alert, start, end string) (bool, error) {
	if start == "" {
		start = "00:00"
	}
	if end == "" {
		end = "23:59"
	}
	ref := a.ReferenceTime()
	if ref.IsZero() {
		return false, nil
	}
	s, err := time.Parse(clockLayout, start)
	if err != nil {
		return false, fmt.Errorf("invalid start_time %q: %w", start, err)
	}
	e, err := time.Parse(clockLayout, end)
	if err != nil {
		return false, fmt.Errorf("invalid end_time %q: %w", end, err)
	}

	minute := func(h, m int) int { return h*60 + m }
	at := minute(ref.UTC().Hour(), ref.UTC().Minute())
	from := minute(s.Hour(), s.Minute())
	to := minute(e.Hour(), e.Minute())
	if from <= to {
		return at >= from && at <= to, nil
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return at >= from || at <= to, nil
}
