// Command genmock writes a reproducible alert fixture for FEED_FILE. The
// fixture exercises every pipeline stage: a blocked county, a near-duplicate
// pair, an expired alert, malformed codes, and alerts that trigger the
// severe alert workflow.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/alerts.json
//	go run ./cmd/genmock -out data/mock/alerts.json -now 2026-05-02T23:00:00Z
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-alert-pipeline/internal/adapter/nws"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

var baseTime = time.Date(2026, time.May, 2, 23, 0, 0, 0, time.UTC)

const sender = "w-nws.webmaster@noaa.gov"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the alert fixture")
	nowFlag := flag.String("now", "", "fixture reference time (RFC 3339, default 2026-05-02T23:00:00Z)")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}

	now := baseTime
	if *nowFlag != "" {
		t, err := time.Parse(time.RFC3339, *nowFlag)
		if err != nil {
			return fmt.Errorf("parse -now: %w", err)
		}
		now = t.UTC()
	}

	// Set a fixed clock so relative times are reproducible.
	domain.SetClock(clockwork.NewFakeClockAt(now))
	defer domain.SetClock(nil)

	alerts := buildAlerts(domain.Now())
	if err := nws.WriteFixture(*out, alerts); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote fixture: %s (%d alerts)", *out, len(alerts))

	printStats(alerts)
	return nil
}

func buildAlerts(now time.Time) []domain.Alert {
	at := func(d time.Duration) time.Time { return now.Add(d) }
	ptr := func(t time.Time) *time.Time { return &t }

	return []domain.Alert{
		{
			ID:          "urn:oid:2.49.0.1.840.0.mock.tornado.1",
			Event:       "Tornado Warning",
			Headline:    "Tornado Warning issued for Tarrant County",
			Description: "A confirmed tornado was located near Arlington, moving northeast at 30 mph.",
			Instruction: "TAKE COVER NOW! Move to a basement or an interior room on the lowest floor.",
			Severity:    domain.SeverityExtreme,
			Urgency:     domain.UrgencyImmediate,
			Certainty:   domain.CertaintyObserved,
			Status:      domain.StatusActual,
			Category:    domain.CategoryMet,
			AreaDesc:    "Tarrant, TX",
			CountyCodes: []string{"TXC439"},
			Geocode:     []string{"048439"},
			Sent:        at(-10 * time.Minute),
			Effective:   at(-10 * time.Minute),
			Onset:       ptr(at(-10 * time.Minute)),
			Expires:     at(35 * time.Minute),
			Ends:        ptr(at(35 * time.Minute)),
			Sender:      sender,
			SenderName:  "NWS Fort Worth TX",
		},
		{
			ID:          "urn:oid:2.49.0.1.840.0.mock.svr.1",
			Event:       "Severe Thunderstorm Warning",
			Headline:    "Severe Thunderstorm Warning issued for Dallas and Tarrant Counties",
			Description: "Hail up to golf ball size and wind gusts to 70 mph.",
			Instruction: "Move indoors and stay away from windows.",
			Severity:    domain.SeveritySevere,
			Urgency:     domain.UrgencyImmediate,
			Certainty:   domain.CertaintyObserved,
			Status:      domain.StatusActual,
			Category:    domain.CategoryMet,
			AreaDesc:    "Dallas, TX; Tarrant, TX",
			CountyCodes: []string{"TXC113", "TXC439"},
			Sent:        at(-20 * time.Minute),
			Effective:   at(-20 * time.Minute),
			Expires:     at(25 * time.Minute),
			Sender:      sender,
			SenderName:  "NWS Fort Worth TX",
		},
		// Reissue of the warning above under a new id; deduplicates into it.
		{
			ID:          "urn:oid:2.49.0.1.840.0.mock.svr.2",
			Event:       "Severe Thunderstorm Warning",
			Headline:    "Severe Thunderstorm Warning issued for Dallas and Tarrant Counties",
			Description: "Hail up to golf ball size and wind gusts to 70 mph.",
			Instruction: "Move indoors and stay away from windows.",
			Severity:    domain.SeveritySevere,
			Urgency:     domain.UrgencyImmediate,
			Certainty:   domain.CertaintyObserved,
			Status:      domain.StatusActual,
			Category:    domain.CategoryMet,
			AreaDesc:    "Dallas, TX; Tarrant, TX",
			CountyCodes: []string{"TXC439", "TXC113"},
			Sent:        at(-5 * time.Minute),
			Effective:   at(-5 * time.Minute),
			Expires:     at(40 * time.Minute),
			Sender:      sender,
			SenderName:  "NWS Fort Worth TX",
		},
		{
			ID:          "urn:oid:2.49.0.1.840.0.mock.flood.1",
			Event:       "Flood Watch",
			Headline:    "Flood Watch in effect through Sunday morning",
			Description: "Excessive rainfall of 2 to 4 inches may cause flooding of creeks and low water crossings.",
			Severity:    domain.SeverityModerate,
			Urgency:     domain.UrgencyExpected,
			Certainty:   domain.CertaintyPossible,
			Status:      domain.StatusActual,
			Category:    domain.CategoryMet,
			AreaDesc:    "Brazoria, TX; Galveston, TX",
			CountyCodes: []string{"TXC039", "TXC167"},
			Sent:        at(-2 * time.Hour),
			Effective:   at(-2 * time.Hour),
			Onset:       ptr(at(3 * time.Hour)),
			Expires:     at(12 * time.Hour),
			Sender:      sender,
			SenderName:  "NWS Houston/Galveston TX",
		},
		{
			ID:          "urn:oid:2.49.0.1.840.0.mock.heat.1",
			Event:       "Heat Advisory",
			Description: "Heat index values up to 108 expected.",
			Severity:    domain.SeverityMinor,
			Urgency:     domain.UrgencyFuture,
			Certainty:   domain.CertaintyLikely,
			Status:      domain.StatusActual,
			Category:    domain.CategoryMet,
			AreaDesc:    "Harris, TX",
			CountyCodes: []string{"TXC201"},
			Sent:        at(-30 * time.Hour),
			Effective:   at(-30 * time.Hour),
			Expires:     at(-6 * time.Hour),
			Sender:      sender,
			SenderName:  "NWS Houston/Galveston TX",
		},
		{
			ID:          "urn:oid:2.49.0.1.840.0.mock.test.1",
			Event:       "Administrative Message",
			Description: "This is a test message.",
			Severity:    domain.SeverityUnknown,
			Urgency:     domain.UrgencyUnknown,
			Certainty:   domain.CertaintyUnknown,
			Status:      domain.StatusTest,
			Category:    domain.CategoryOther,
			AreaDesc:    "Tarrant",
			CountyCodes: []string{"tx439"},
			Sent:        at(-1 * time.Minute),
			Effective:   at(-1 * time.Minute),
			Expires:     at(-2 * time.Minute),
			Sender:      sender,
		},
	}
}

func printStats(alerts []domain.Alert) {
	bySeverity := map[string]int{}
	counties := map[string]bool{}
	for _, a := range alerts {
		bySeverity[a.Severity.String()]++
		for _, c := range a.CountyCodes {
			counties[c] = true
		}
	}

	keys := make([]string, 0, len(bySeverity))
	for k := range bySeverity {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Printf("  severity %-8s %d", k, bySeverity[k])
	}
	log.Printf("  counties: %d", len(counties))
}
