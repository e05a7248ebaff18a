package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

var testContentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`test\s+alert`),
	regexp.MustCompile(`example\s+alert`),
	regexp.MustCompile(`dummy\s+alert`),
	regexp.MustCompile(`fake\s+alert`),
}

func (c *Check) add(issue, recommendation string) {
	c.Issues = append(c.Issues, issue)
	c.Recommendations = append(c.Recommendations, recommendation)
}

func checkAlertID(a domain.Alert, _ time.Time) Check {
	var c Check
	switch {
	case a.ID == "":
		c.add("Alert ID is missing", "Ensure alert has a valid ID")
	case !idPattern.MatchString(a.ID):
		c.add(fmt.Sprintf("Alert ID format is invalid: %s", a.ID),
			"Use letters, digits, hyphens, underscores, dots and colons only")
	}
	return c
}

func checkBasicFields(a domain.Alert, _ time.Time) Check {
	var c Check
	if a.Event == "" {
		c.add("Event field is missing", "Ensure alert has an event description")
	}
	if a.AreaDesc == "" {
		c.add("Area description is missing", "Ensure alert has an area description")
	}
	if a.Description == "" {
		c.add("Description field is missing", "Ensure alert has a description")
	}
	if a.Sender == "" {
		c.add("Sender field is missing", "Ensure alert has a sender")
	}
	return c
}

func checkEnumValues(a domain.Alert, _ time.Time) Check {
	var c Check
	if !a.Severity.Valid() {
		c.add(fmt.Sprintf("Invalid severity: %s", a.Severity), "Use one of: Extreme, Severe, Moderate, Minor, Unknown")
	}
	if !a.Urgency.Valid() {
		c.add(fmt.Sprintf("Invalid urgency: %s", a.Urgency), "Use one of: Immediate, Expected, Future, Past, Unknown")
	}
	if !a.Certainty.Valid() {
		c.add(fmt.Sprintf("Invalid certainty: %s", a.Certainty), "Use one of: Observed, Likely, Possible, Unlikely, Unknown")
	}
	if a.Status != "" && !a.Status.Valid() {
		c.add(fmt.Sprintf("Invalid status: %s", a.Status), "Use one of: Actual, Exercise, System, Test, Draft")
	}
	if a.Category != "" && !a.Category.Valid() {
		c.add(fmt.Sprintf("Invalid category: %s", a.Category), "Use a CAP category such as Met")
	}
	return c
}

func checkDates(a domain.Alert, now time.Time) Check {
	var c Check
	horizon := now.Add(24 * time.Hour)

	switch {
	case a.Sent.IsZero():
		c.add("Sent date is missing", "Ensure alert has a sent date")
	case a.Sent.After(now):
		c.add("Sent date is in the future", "Check sent date accuracy")
	}

	switch {
	case a.Effective.IsZero():
		c.add("Effective date is missing", "Ensure alert has an effective date")
	case a.Effective.After(horizon):
		c.add("Effective date is more than 24 hours in the future", "Check effective date accuracy")
	}

	switch {
	case a.Expires.IsZero():
		c.add("Expires date is missing", "Ensure alert has an expires date")
	case a.Expires.Before(now):
		c.add("Alert has already expired", "Check if alert should still be active")
	case !a.Effective.IsZero() && a.Expires.Before(a.Effective):
		c.add("Expires date is before effective date", "Check date consistency")
	}

	if a.Onset != nil && a.Onset.After(horizon) {
		c.add("Onset date is more than 24 hours in the future", "Check onset date accuracy")
	}
	if a.Ends != nil && !a.Effective.IsZero() && a.Ends.Before(a.Effective) {
		c.add("Ends date is before effective date", "Check date consistency")
	}
	return c
}

func checkGeographic(a domain.Alert, _ time.Time) Check {
	var c Check
	for _, code := range a.CountyCodes {
		if !countyPattern.MatchString(code) {
			c.add(fmt.Sprintf("Invalid county code format: %s", code), "Use format: STC### (e.g., TXC039)")
		}
	}
	if a.Geocode != nil && len(a.Geocode) == 0 {
		c.add("Geocode list is empty", "Include geocode data if available")
	}
	return c
}

func checkContentQuality(a domain.Alert, _ time.Time) Check {
	var c Check
	if a.Event != "" && utf8.RuneCountInString(strings.TrimSpace(a.Event)) < 3 {
		c.add("Event description is too short", "Provide a more descriptive event name")
	}
	if a.AreaDesc != "" && utf8.RuneCountInString(strings.TrimSpace(a.AreaDesc)) < 5 {
		c.add("Area description is too short", "Provide a more detailed area description")
	}
	if a.Description != "" && utf8.RuneCountInString(strings.TrimSpace(a.Description)) < 10 {
		c.add("Description is too short", "Provide a more detailed description")
	}

	content := strings.ToLower(a.Event + " " + a.Headline + " " + a.Description)
	for _, p := range testContentPatterns {
		if p.MatchString(content) {
			c.add("Alert content appears to be test data", "Verify alert is legitimate")
		}
	}
	return c
}

func checkConsistency(a domain.Alert, _ time.Time) Check {
	var c Check
	if a.Severity == domain.SeverityExtreme && a.Urgency != domain.UrgencyImmediate {
		c.add("Extreme severity should typically have immediate urgency", "Review severity and urgency alignment")
	}
	if a.Severity == domain.SeverityMinor && a.Urgency == domain.UrgencyImmediate {
		c.add("Minor severity with immediate urgency may be inconsistent", "Review severity and urgency alignment")
	}
	if a.Certainty == domain.CertaintyObserved && a.Urgency == domain.UrgencyFuture {
		c.add("Observed certainty with future urgency may be inconsistent", "Review certainty and urgency alignment")
	}
	if onsetAfterEffective(a) {
		c.add("Onset date is after effective date", "Check date consistency")
	}
	if endsAfterExpires(a) {
		c.add("Ends date is after expires date", "Check date consistency")
	}
	return c
}

func checkAnomalies(a domain.Alert, now time.Time) Check {
	var c Check
	n := utf8.RuneCountInString(a.Description)
	if a.Description != "" && n > 5000 {
		c.add("Description is unusually long", "Review description length")
	}
	if a.Description != "" && n < 20 {
		c.add("Description is unusually short", "Provide more detailed description")
	}
	if a.Severity == domain.SeverityExtreme && a.Instruction == "" {
		c.add("Extreme severity alert missing instructions", "Include safety instructions for extreme alerts")
	}
	if !a.Sent.IsZero() && now.Sub(a.Sent) < time.Minute {
		c.add("Alert sent very recently (within 1 minute)", "Verify alert timing")
	}
	return c
}

func onsetAfterEffective(a domain.Alert) bool {
	return a.Onset != nil && !a.Effective.IsZero() && a.Onset.After(a.Effective)
}

func endsAfterExpires(a domain.Alert) bool {
	return a.Ends != nil && !a.Expires.IsZero() && a.Ends.After(a.Expires)
}
