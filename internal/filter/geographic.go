package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// BoundingBox is a lat/lon rectangle. Alerts carry no geometry yet, so it is
// accepted in configuration but not enforced.
type BoundingBox struct {
	MinLat float64 `yaml:"min_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLat float64 `yaml:"max_lat"`
	MaxLon float64 `yaml:"max_lon"`
}

// GeographicFilter gates alerts on their county codes. The block-list is
// checked first; an empty allow-list places no restriction. AllowedStates
// matches the two-letter state prefix of a county code.
type GeographicFilter struct {
	base
	Allowed       []string
	Blocked       []string
	AllowedStates []string
	BoundingBox   *BoundingBox
}

// NewGeographicFilter creates an enabled GeographicFilter.
func NewGeographicFilter(name string, allowed, blocked []string) *GeographicFilter {
	return &GeographicFilter{
		base:    base{name: name},
		Allowed: slices.Clone(allowed),
		Blocked: slices.Clone(blocked),
	}
}

func (f *GeographicFilter) Check(a domain.Alert) (Result, error) {
	if hits := intersection(a.CountyCodes, f.Blocked); len(hits) > 0 {
		return reject(fmt.Sprintf("alert counties blocked: %v", hits), map[string]any{
			"blocked_counties": hits,
		}), nil
	}

	if len(f.Allowed) > 0 && !domain.CountiesIntersect(a.CountyCodes, f.Allowed) {
		return reject("no alert counties in allowed list", map[string]any{
			"alert_counties": a.CountyCodes,
		}), nil
	}

	if len(f.AllowedStates) > 0 && !statesIntersect(a.CountyCodes, f.AllowedStates) {
		return reject("no alert counties in allowed states", map[string]any{
			"alert_counties": a.CountyCodes,
		}), nil
	}

	return pass("geographic filter passed"), nil
}

func intersection(a, b []string) []string {
	var out []string
	for _, v := range a {
		if slices.Contains(b, v) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func statesIntersect(counties, states []string) bool {
	for _, c := range counties {
		if len(c) < 2 {
			continue
		}
		for _, st := range states {
			if strings.EqualFold(c[:2], st) {
				return true
			}
		}
	}
	return false
}
