// Package dedup merges near-identical alerts within a batch.
//
// Each strategy is applied as one stage: all pairs the strategy matches are
// grouped transitively and every group collapses onto a single kept alert.
// Because a stage's output contains no pair the same stage would still match,
// running Deduplicate on its own output is a no-op.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Strategy selects how duplicates are detected.
type Strategy string

const (
	StrategyExact      Strategy = "exact"
	StrategySimilarity Strategy = "similarity"
	StrategyTimeWindow Strategy = "time_window"
	StrategyGeographic Strategy = "geographic"
	StrategyHybrid     Strategy = "hybrid"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(v string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case StrategyExact, StrategySimilarity, StrategyTimeWindow, StrategyGeographic, StrategyHybrid:
		return s, nil
	case "":
		return StrategyHybrid, nil
	}
	return "", fmt.Errorf("unknown dedup strategy %q", v)
}

// maxCompareRunes bounds the text fed to the edit-distance ratio.
const maxCompareRunes = 1000

// Config tunes duplicate detection.
type Config struct {
	Strategy             Strategy
	SimilarityThreshold  float64
	TimeWindow           time.Duration
	TimeWindowSimilarity float64
	GeographicThreshold  float64

	EventWeight       float64
	AreaWeight        float64
	DescriptionWeight float64
}

// DefaultConfig returns the hybrid strategy with the standard weights.
func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyHybrid,
		SimilarityThreshold:  0.8,
		TimeWindow:           30 * time.Minute,
		TimeWindowSimilarity: 0.5,
		GeographicThreshold:  0.5,
		EventWeight:          0.4,
		AreaWeight:           0.3,
		DescriptionWeight:    0.3,
	}
}

// Merge records that MergedID was folded into KeptID.
type Merge struct {
	KeptID     string   `json:"kept_id"`
	MergedID   string   `json:"merged_id"`
	MatchType  Strategy `json:"match_type"`
	Similarity float64  `json:"similarity"`
	Confidence float64  `json:"confidence"`
}

// Result is the deduplicated batch plus the audit trail of merges.
type Result struct {
	Alerts []domain.Alert `json:"alerts"`
	Merges []Merge        `json:"merges"`
}

// MergedInto maps each merged alert id to the id it was folded into,
// following chains across stages to the final survivor.
func (r Result) MergedInto() map[string]string {
	direct := make(map[string]string, len(r.Merges))
	for _, m := range r.Merges {
		if m.MergedID != m.KeptID {
			direct[m.MergedID] = m.KeptID
		}
	}
	out := make(map[string]string, len(direct))
	for merged, kept := range direct {
		// Chains are at most one hop per stage.
		for hops := 0; hops < len(direct); hops++ {
			next, ok := direct[kept]
			if !ok {
				break
			}
			kept = next
		}
		out[merged] = kept
	}
	return out
}

// Deduplicator applies the configured strategy. It holds no state between
// calls.
type Deduplicator struct {
	cfg Config
}

// New creates a Deduplicator. Zero-valued fields fall back to defaults.
func New(cfg Config) *Deduplicator {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = def.TimeWindow
	}
	if cfg.TimeWindowSimilarity <= 0 {
		cfg.TimeWindowSimilarity = def.TimeWindowSimilarity
	}
	if cfg.GeographicThreshold <= 0 {
		cfg.GeographicThreshold = def.GeographicThreshold
	}
	if cfg.EventWeight == 0 && cfg.AreaWeight == 0 && cfg.DescriptionWeight == 0 {
		cfg.EventWeight, cfg.AreaWeight, cfg.DescriptionWeight = def.EventWeight, def.AreaWeight, def.DescriptionWeight
	}
	return &Deduplicator{cfg: cfg}
}

// Config returns the effective configuration.
func (d *Deduplicator) Config() Config { return d.cfg }

// Deduplicate returns the surviving alerts in first-seen order together with
// a merge record for every alert that was folded away.
func (d *Deduplicator) Deduplicate(alerts []domain.Alert) Result {
	res := Result{Alerts: append([]domain.Alert(nil), alerts...)}
	if len(alerts) < 2 {
		return res
	}

	stages := []Strategy{d.cfg.Strategy}
	if d.cfg.Strategy == StrategyHybrid {
		stages = []Strategy{StrategyExact, StrategySimilarity, StrategyTimeWindow}
	}
	for _, s := range stages {
		var merges []Merge
		res.Alerts, merges = d.stage(res.Alerts, s)
		res.Merges = append(res.Merges, merges...)
	}
	return res
}

// stage groups every matching pair transitively and keeps one alert per group.
func (d *Deduplicator) stage(alerts []domain.Alert, s Strategy) ([]domain.Alert, []Merge) {
	uf := newUnionFind(len(alerts))

	if s == StrategyExact {
		first := make(map[string]int, len(alerts))
		for i, a := range alerts {
			h := Hash(a)
			if j, ok := first[h]; ok {
				uf.union(j, i)
				continue
			}
			first[h] = i
		}
	} else {
		for i := range alerts {
			for j := i + 1; j < len(alerts); j++ {
				if uf.find(i) == uf.find(j) {
					continue
				}
				if d.matches(s, alerts[i], alerts[j]) {
					uf.union(i, j)
				}
			}
		}
	}

	groups := make(map[int][]int)
	var order []int
	for i := range alerts {
		root := uf.find(i)
		if _, ok := groups[root]; !ok {
			order = append(order, root)
		}
		groups[root] = append(groups[root], i)
	}

	kept := make([]domain.Alert, 0, len(order))
	var merges []Merge
	for _, root := range order {
		members := groups[root]
		best := members[0]
		for _, m := range members[1:] {
			if preferred(alerts[m], alerts[best]) {
				best = m
			}
		}
		kept = append(kept, alerts[best])
		for _, m := range members {
			if m == best {
				continue
			}
			sim := d.Similarity(alerts[best], alerts[m])
			merges = append(merges, Merge{
				KeptID:     alerts[best].ID,
				MergedID:   alerts[m].ID,
				MatchType:  s,
				Similarity: sim,
				Confidence: d.confidence(s, alerts[best], alerts[m], sim),
			})
		}
	}
	return kept, merges
}

func (d *Deduplicator) matches(s Strategy, a, b domain.Alert) bool {
	switch s {
	case StrategyExact:
		return Hash(a) == Hash(b)
	case StrategySimilarity:
		return d.Similarity(a, b) >= d.cfg.SimilarityThreshold
	case StrategyTimeWindow:
		ta, tb := a.ReferenceTime(), b.ReferenceTime()
		if ta.IsZero() || tb.IsZero() {
			return false
		}
		return absDuration(ta.Sub(tb)) <= d.cfg.TimeWindow &&
			d.Similarity(a, b) >= d.cfg.TimeWindowSimilarity
	case StrategyGeographic:
		return domain.CountiesIntersect(a.CountyCodes, b.CountyCodes) ||
			Ratio(a.AreaDesc, b.AreaDesc) >= d.cfg.GeographicThreshold
	}
	return false
}

func (d *Deduplicator) confidence(s Strategy, a, b domain.Alert, sim float64) float64 {
	switch s {
	case StrategyExact:
		return 1.0
	case StrategyTimeWindow:
		gap := absDuration(a.ReferenceTime().Sub(b.ReferenceTime()))
		closeness := 1 - float64(gap)/float64(d.cfg.TimeWindow)
		return round3(sim * (0.5 + 0.5*closeness))
	case StrategyGeographic:
		return round3(math.Max(countyOverlap(a.CountyCodes, b.CountyCodes), Ratio(a.AreaDesc, b.AreaDesc)))
	}
	return round3(sim)
}

// Similarity is the weighted text similarity of event, area and description.
// Description contributes nothing when either side lacks one.
func (d *Deduplicator) Similarity(a, b domain.Alert) float64 {
	score := d.cfg.EventWeight*Ratio(a.Event, b.Event) +
		d.cfg.AreaWeight*Ratio(a.AreaDesc, b.AreaDesc)
	if a.Description != "" && b.Description != "" {
		score += d.cfg.DescriptionWeight * Ratio(a.Description, b.Description)
	}
	return round3(score)
}

// Hash is the canonical content hash used by the exact strategy.
func Hash(a domain.Alert) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(a.Event)),
		strings.ToLower(strings.TrimSpace(a.AreaDesc)),
		a.Severity.String(),
		a.Urgency.String(),
		a.Certainty.String(),
		strings.Join(a.SortedCounties(), ","),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Ratio is a case-insensitive normalized edit-distance similarity in [0,1].
// Two empty strings are identical; one empty string matches nothing.
func Ratio(a, b string) float64 {
	a = truncate(strings.ToLower(strings.TrimSpace(a)))
	b = truncate(strings.ToLower(strings.TrimSpace(b)))
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(max(la, lb))
}

// preferred reports whether a should be kept over b: later reference time,
// then higher severity, then higher urgency. Ties keep the earlier alert.
func preferred(a, b domain.Alert) bool {
	ta, tb := a.ReferenceTime(), b.ReferenceTime()
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.Urgency > b.Urgency
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxCompareRunes {
		return s
	}
	return string([]rune(s)[:maxCompareRunes])
}

func countyOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	shared := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, c := range b {
		if seen[c] {
			continue
		}
		seen[c] = true
		if set[c] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri == rj {
		return
	}
	// Lower index stays root so group order follows first-seen order.
	if rj < ri {
		ri, rj = rj, ri
	}
	u.parent[rj] = ri
}
