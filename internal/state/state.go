// Package state tracks which alerts have been seen across polls and persists
// that knowledge as a single versioned JSON document. Diffing a new batch
// against the stored snapshot yields the New, Expired, CountyChanged and
// AllClear transitions that drive notifications.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Version is written into every persisted document.
const Version = "3.0.0"

// ErrCorrupt reports a persisted document that could not be decoded.
var ErrCorrupt = errors.New("state document is corrupt")

// Snapshot is the stored projection of an alert, taken when it was first
// observed and refreshed when its county set changes.
type Snapshot struct {
	ID          string           `json:"id"`
	Event       string           `json:"event"`
	Headline    string           `json:"headline,omitempty"`
	Description string           `json:"description,omitempty"`
	Instruction string           `json:"instruction,omitempty"`
	Severity    domain.Severity  `json:"severity"`
	Urgency     domain.Urgency   `json:"urgency"`
	Certainty   domain.Certainty `json:"certainty"`
	AreaDesc    string           `json:"area_desc"`
	CountyCodes []string         `json:"county_codes"`
	Effective   time.Time        `json:"effective"`
	Expires     time.Time        `json:"expires"`
	Onset       *time.Time       `json:"onset"`
	Ends        *time.Time       `json:"ends"`
	AddedAt     time.Time        `json:"added_at"`
}

// NewSnapshot projects an alert observed at addedAt.
func NewSnapshot(a domain.Alert, addedAt time.Time) Snapshot {
	c := a.Clone()
	return Snapshot{
		ID:          c.ID,
		Event:       c.Event,
		Headline:    c.Headline,
		Description: c.Description,
		Instruction: c.Instruction,
		Severity:    c.Severity,
		Urgency:     c.Urgency,
		Certainty:   c.Certainty,
		AreaDesc:    c.AreaDesc,
		CountyCodes: c.CountyCodes,
		Effective:   c.Effective,
		Expires:     c.Expires,
		Onset:       c.Onset,
		Ends:        c.Ends,
		AddedAt:     addedAt,
	}
}

// Alert rebuilds the alert fields kept in the snapshot.
func (s Snapshot) Alert() domain.Alert {
	return domain.Alert{
		ID:          s.ID,
		Event:       s.Event,
		Headline:    s.Headline,
		Description: s.Description,
		Instruction: s.Instruction,
		Severity:    s.Severity,
		Urgency:     s.Urgency,
		Certainty:   s.Certainty,
		AreaDesc:    s.AreaDesc,
		CountyCodes: slices.Clone(s.CountyCodes),
		Effective:   s.Effective,
		Expires:     s.Expires,
		Onset:       s.Onset,
		Ends:        s.Ends,
	}.Clone()
}

// Snapshots is the id → snapshot map. It decodes from either a JSON object or
// an array of [id, snapshot] pairs, the layout older documents used.
type Snapshots map[string]Snapshot

func (m *Snapshots) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = Snapshots{}
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var pairs [][2]json.RawMessage
		if err := json.Unmarshal(data, &pairs); err != nil {
			return err
		}
		out := make(Snapshots, len(pairs))
		for _, p := range pairs {
			var id string
			if err := json.Unmarshal(p[0], &id); err != nil {
				return fmt.Errorf("last_alerts pair id: %w", err)
			}
			var s Snapshot
			if err := json.Unmarshal(p[1], &s); err != nil {
				return fmt.Errorf("last_alerts %s: %w", id, err)
			}
			out[id] = s
		}
		*m = out
		return nil
	}
	var out map[string]Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Lifecycle is the persisted document.
type Lifecycle struct {
	Version         string     `json:"version"`
	LastAlerts      Snapshots  `json:"last_alerts"`
	ActiveAlerts    []string   `json:"active_alerts"`
	Announced       []string   `json:"last_sayalert"`
	ScriptTriggered []string   `json:"alertscript_alerts"`
	LastPoll        *time.Time `json:"last_poll"`
	LastAllClear    *time.Time `json:"last_all_clear"`
}

// Default returns an empty lifecycle document.
func Default() Lifecycle {
	return Lifecycle{
		Version:         Version,
		LastAlerts:      Snapshots{},
		ActiveAlerts:    []string{},
		Announced:       []string{},
		ScriptTriggered: []string{},
	}
}

// Decode parses a persisted document, defaulting any missing keys. An empty
// payload decodes to the default document.
func Decode(data []byte) (Lifecycle, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	var l Lifecycle
	if err := json.Unmarshal(data, &l); err != nil {
		return Default(), fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	l.fillDefaults()
	return l, nil
}

// Encode renders the document as indented JSON.
func Encode(l Lifecycle) ([]byte, error) {
	l.fillDefaults()
	return json.MarshalIndent(l, "", "  ")
}

func (l *Lifecycle) fillDefaults() {
	if l.Version == "" {
		l.Version = Version
	}
	if l.LastAlerts == nil {
		l.LastAlerts = Snapshots{}
	}
	if l.ActiveAlerts == nil {
		l.ActiveAlerts = []string{}
	}
	if l.Announced == nil {
		l.Announced = []string{}
	}
	if l.ScriptTriggered == nil {
		l.ScriptTriggered = []string{}
	}
}

// Clone returns a deep copy.
func (l Lifecycle) Clone() Lifecycle {
	out := l
	out.LastAlerts = make(Snapshots, len(l.LastAlerts))
	for id, s := range l.LastAlerts {
		s.CountyCodes = slices.Clone(s.CountyCodes)
		out.LastAlerts[id] = s
	}
	out.ActiveAlerts = slices.Clone(l.ActiveAlerts)
	out.Announced = slices.Clone(l.Announced)
	out.ScriptTriggered = slices.Clone(l.ScriptTriggered)
	if l.LastPoll != nil {
		t := *l.LastPoll
		out.LastPoll = &t
	}
	if l.LastAllClear != nil {
		t := *l.LastAllClear
		out.LastAllClear = &t
	}
	return out
}

// CountyChange is an alert whose county set differs from its snapshot.
type CountyChange struct {
	Alert    domain.Alert `json:"alert"`
	Previous []string     `json:"previous_counties"`
}

// Diff is the set of transitions produced by one observed batch.
type Diff struct {
	New           []domain.Alert `json:"new"`
	Expired       []Snapshot     `json:"expired"`
	CountyChanged []CountyChange `json:"county_changed"`
	AllClear      bool           `json:"all_clear"`
}

// Empty reports whether the diff carries no transitions.
func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Expired) == 0 && len(d.CountyChanged) == 0 && !d.AllClear
}
