package nws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Feed API response types.

type featureCollection struct {
	Features []json.RawMessage `json:"features"`
}

type feature struct {
	Properties properties `json:"properties"`
}

type properties struct {
	ID          string  `json:"id"`
	Event       string  `json:"event"`
	Headline    *string `json:"headline"`
	Description *string `json:"description"`
	Instruction *string `json:"instruction"`
	Severity    string  `json:"severity"`
	Urgency     string  `json:"urgency"`
	Certainty   string  `json:"certainty"`
	Status      string  `json:"status"`
	Category    string  `json:"category"`
	AreaDesc    string  `json:"areaDesc"`
	Geocode     geocode `json:"geocode"`
	Sent        *string `json:"sent"`
	Effective   *string `json:"effective"`
	Onset       *string `json:"onset"`
	Expires     *string `json:"expires"`
	Ends        *string `json:"ends"`
	Sender      string  `json:"sender"`
	SenderName  string  `json:"senderName"`
}

type geocode struct {
	UGC  []string `json:"UGC"`
	SAME []string `json:"SAME"`
}

// DecodeFeatureCollection parses a GeoJSON alert collection. Features that
// cannot be mapped are returned as skip errors rather than failing the whole
// collection; duplicate ids keep the first feature.
func DecodeFeatureCollection(r io.Reader) ([]domain.Alert, []error, error) {
	var fc featureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, nil, fmt.Errorf("decode feature collection: %w", err)
	}

	seen := make(map[string]bool, len(fc.Features))
	alerts := make([]domain.Alert, 0, len(fc.Features))
	var skipped []error
	for i, raw := range fc.Features {
		var f feature
		if err := json.Unmarshal(raw, &f); err != nil {
			skipped = append(skipped, fmt.Errorf("feature %d: %w", i, err))
			continue
		}
		a, err := f.Properties.alert()
		if err != nil {
			skipped = append(skipped, fmt.Errorf("feature %d: %w", i, err))
			continue
		}
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		alerts = append(alerts, a)
	}
	return alerts, skipped, nil
}

func (p properties) alert() (domain.Alert, error) {
	if p.ID == "" {
		return domain.Alert{}, errors.New("missing id")
	}
	a := domain.Alert{
		ID:          p.ID,
		Event:       p.Event,
		Headline:    deref(p.Headline),
		Description: deref(p.Description),
		Instruction: deref(p.Instruction),
		Status:      domain.Status(p.Status),
		Category:    domain.Category(p.Category),
		AreaDesc:    p.AreaDesc,
		CountyCodes: p.Geocode.UGC,
		Geocode:     p.Geocode.SAME,
		Sender:      p.Sender,
		SenderName:  p.SenderName,
	}
	if a.Status == "" {
		a.Status = domain.StatusActual
	}
	if a.Category == "" {
		a.Category = domain.CategoryOther
	}
	// Unrecognized enumeration values map to Unknown.
	a.Severity, _ = domain.ParseSeverity(p.Severity)
	a.Urgency, _ = domain.ParseUrgency(p.Urgency)
	a.Certainty, _ = domain.ParseCertainty(p.Certainty)

	var err error
	if a.Sent, err = parseTime("sent", p.Sent); err != nil {
		return domain.Alert{}, err
	}
	if a.Effective, err = parseTime("effective", p.Effective); err != nil {
		return domain.Alert{}, err
	}
	if a.Expires, err = parseTime("expires", p.Expires); err != nil {
		return domain.Alert{}, err
	}
	if a.Onset, err = parseOptionalTime("onset", p.Onset); err != nil {
		return domain.Alert{}, err
	}
	if a.Ends, err = parseOptionalTime("ends", p.Ends); err != nil {
		return domain.Alert{}, err
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseTime(field string, v *string) (time.Time, error) {
	if v == nil || *v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, *v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return t.UTC(), nil
}

func parseOptionalTime(field string, v *string) (*time.Time, error) {
	t, err := parseTime(field, v)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}
