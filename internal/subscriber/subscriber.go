// Package subscriber keeps the persisted directory of people who receive
// alert notifications, and decides which of them an alert should reach
// based on their area, severity and event preferences, quiet hours and
// notification rate limits.
package subscriber

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/filter"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

// Status is the subscription state. Only active subscribers are notified.
type Status string

const (
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusSuspended    Status = "suspended"
	StatusUnsubscribed Status = "unsubscribed"
)

var statuses = []Status{StatusActive, StatusInactive, StatusSuspended, StatusUnsubscribed}

const (
	DefaultMaxPerHour = 10
	DefaultMaxPerDay  = 50
)

var (
	ErrNotFound = errors.New("subscriber not found")
	ErrExists   = errors.New("subscriber already exists")
	ErrInvalid  = errors.New("invalid subscriber")
)

// Preferences select which alerts reach a subscriber. Empty lists place no
// restriction. Location lists are all required when set: a county, a state
// and an area description substring must each match.
type Preferences struct {
	Counties    []string           `json:"counties,omitempty"`
	States      []string           `json:"states,omitempty"`
	CustomAreas []string           `json:"custom_areas,omitempty"`
	Severities  []domain.Severity  `json:"severities,omitempty"`
	Urgencies   []domain.Urgency   `json:"urgencies,omitempty"`
	Certainties []domain.Certainty `json:"certainties,omitempty"`

	// Events and BlockedEvents match case-insensitive substrings of the
	// event name. Blocked wins.
	Events        []string `json:"events,omitempty"`
	BlockedEvents []string `json:"blocked_events,omitempty"`

	// Methods lists the contact channels to use; empty means all of them.
	Methods []string `json:"methods,omitempty"`

	// QuietHoursStart and QuietHoursEnd are HH:MM in Timezone. The window
	// may wrap midnight.
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
	Timezone        string `json:"timezone,omitempty"`

	MaxPerHour int `json:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day"`
}

// Usage counts notifications inside the current hour and day windows.
type Usage struct {
	Total        int        `json:"total"`
	HourCount    int        `json:"hour_count"`
	HourStart    time.Time  `json:"hour_start"`
	DayCount     int        `json:"day_count"`
	DayStart     time.Time  `json:"day_start"`
	LastNotified *time.Time `json:"last_notified,omitempty"`
}

// Subscriber is one notification recipient. Contacts maps a delivery
// channel to the address used on it, e.g. "email" to "ops@example.org".
type Subscriber struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Contacts    map[string]string `json:"contacts"`
	Preferences Preferences       `json:"preferences"`
	Usage       Usage             `json:"usage"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Contact is one channel and address of a subscriber.
type Contact struct {
	Channel string
	Address string
}

// Channels returns the contacts the subscriber wants notifications on,
// sorted by channel.
func (s Subscriber) Channels() []Contact {
	out := make([]Contact, 0, len(s.Contacts))
	for ch, addr := range s.Contacts {
		if addr == "" {
			continue
		}
		if len(s.Preferences.Methods) > 0 && !slices.Contains(s.Preferences.Methods, ch) {
			continue
		}
		out = append(out, Contact{Channel: ch, Address: addr})
	}
	slices.SortFunc(out, func(a, b Contact) int { return strings.Compare(a.Channel, b.Channel) })
	return out
}

// Clone returns a deep copy.
func (s Subscriber) Clone() Subscriber {
	out := s
	if s.Contacts != nil {
		out.Contacts = make(map[string]string, len(s.Contacts))
		for k, v := range s.Contacts {
			out.Contacts[k] = v
		}
	}
	p := &out.Preferences
	p.Counties = slices.Clone(p.Counties)
	p.States = slices.Clone(p.States)
	p.CustomAreas = slices.Clone(p.CustomAreas)
	p.Severities = slices.Clone(p.Severities)
	p.Urgencies = slices.Clone(p.Urgencies)
	p.Certainties = slices.Clone(p.Certainties)
	p.Events = slices.Clone(p.Events)
	p.BlockedEvents = slices.Clone(p.BlockedEvents)
	p.Methods = slices.Clone(p.Methods)
	if s.Usage.LastNotified != nil {
		t := *s.Usage.LastNotified
		out.Usage.LastNotified = &t
	}
	return out
}

func (s *Subscriber) normalize() {
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.Preferences.MaxPerHour <= 0 {
		s.Preferences.MaxPerHour = DefaultMaxPerHour
	}
	if s.Preferences.MaxPerDay <= 0 {
		s.Preferences.MaxPerDay = DefaultMaxPerDay
	}
}

// gate is the compiled form of a subscriber's preferences.
type gate struct {
	chain *filter.Chain
	quiet *quietHours
}

func compile(s Subscriber, evaluator *rules.Evaluator) (gate, error) {
	if !slices.Contains(statuses, s.Status) {
		return gate{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, s.Status)
	}
	if len(s.Contacts) == 0 {
		return gate{}, fmt.Errorf("%w: no contacts", ErrInvalid)
	}
	p := s.Preferences
	chain := filter.NewChain(nil)

	if len(p.Counties) > 0 || len(p.States) > 0 {
		g := filter.NewGeographicFilter("location", p.Counties, nil)
		g.AllowedStates = p.States
		chain.Add(g)
	}
	if len(p.CustomAreas) > 0 {
		chain.Add(filter.NewCustomRuleFilter("custom_areas", evaluator, filter.Rule{
			Name:      "area matches",
			Condition: rules.Condition{Type: rules.KindRegex, Field: domain.FieldAreaDesc, Pattern: anyOf(p.CustomAreas)},
		}))
	}
	if len(p.Severities) > 0 {
		sf := filter.NewSeverityFilter("severities")
		sf.Allowed = p.Severities
		chain.Add(sf)
	}
	var enums []filter.Rule
	if len(p.Urgencies) > 0 {
		enums = append(enums, filter.Rule{
			Name:      "urgency enabled",
			Condition: rules.Condition{Type: rules.KindRegex, Field: domain.FieldUrgency, Pattern: exactlyOne(p.Urgencies)},
		})
	}
	if len(p.Certainties) > 0 {
		enums = append(enums, filter.Rule{
			Name:      "certainty enabled",
			Condition: rules.Condition{Type: rules.KindRegex, Field: domain.FieldCertainty, Pattern: exactlyOne(p.Certainties)},
		})
	}
	if len(enums) > 0 {
		chain.Add(filter.NewCustomRuleFilter("urgency_certainty", evaluator, enums...))
	}

	var events []filter.Rule
	for _, e := range p.BlockedEvents {
		events = append(events, filter.Rule{
			Name:      "blocked " + e,
			Condition: rules.Condition{Type: rules.KindFieldContains, Field: domain.FieldEvent, Value: e},
			Negate:    true,
		})
	}
	if len(p.Events) > 0 {
		events = append(events, filter.Rule{
			Name:      "event enabled",
			Condition: rules.Condition{Type: rules.KindRegex, Field: domain.FieldEvent, Pattern: anyOf(p.Events)},
		})
	}
	if len(events) > 0 {
		chain.Add(filter.NewCustomRuleFilter("events", evaluator, events...))
	}

	quiet, err := parseQuietHours(p.QuietHoursStart, p.QuietHoursEnd, p.Timezone)
	if err != nil {
		return gate{}, err
	}
	return gate{chain: chain, quiet: quiet}, nil
}

func anyOf(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = regexp.QuoteMeta(v)
	}
	return "(?:" + strings.Join(quoted, "|") + ")"
}

func exactlyOne[T fmt.Stringer](values []T) string {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = v.String()
	}
	return "^" + anyOf(names) + "$"
}

type quietHours struct {
	from, to int // minutes after midnight
	loc      *time.Location
}

func parseQuietHours(start, end, tz string) (*quietHours, error) {
	if start == "" || end == "" {
		return nil, nil
	}
	from, err := clockMinute(start)
	if err != nil {
		return nil, fmt.Errorf("%w: quiet_hours_start: %v", ErrInvalid, err)
	}
	to, err := clockMinute(end)
	if err != nil {
		return nil, fmt.Errorf("%w: quiet_hours_end: %v", ErrInvalid, err)
	}
	loc := time.UTC
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("%w: timezone: %v", ErrInvalid, err)
		}
	}
	return &quietHours{from: from, to: to, loc: loc}, nil
}

func clockMinute(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (q *quietHours) contains(now time.Time) bool {
	if q == nil {
		return false
	}
	local := now.In(q.loc)
	at := local.Hour()*60 + local.Minute()
	if q.from <= q.to {
		return at >= q.from && at <= q.to
	}
	return at >= q.from || at <= q.to
}

// roll resets the hour and day windows that have elapsed.
func (u *Usage) roll(now time.Time) {
	if now.Sub(u.HourStart) >= time.Hour {
		u.HourCount = 0
		u.HourStart = now
	}
	if now.Sub(u.DayStart) >= 24*time.Hour {
		u.DayCount = 0
		u.DayStart = now
	}
}

func (s Subscriber) underLimits(now time.Time) bool {
	u := s.Usage
	u.roll(now)
	return u.HourCount < s.Preferences.MaxPerHour && u.DayCount < s.Preferences.MaxPerDay
}
