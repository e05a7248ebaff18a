// Package notify turns lifecycle transitions into rendered notifications and
// hands them to the delivery queue.
package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/state"
)

// Kind names the transition a notification reports.
type Kind string

const (
	KindNew           Kind = "new"
	KindCountyChanged Kind = "county_changed"
	KindExpired       Kind = "expired"
	KindAllClear      Kind = "all_clear"
	KindWorkflow      Kind = "workflow"
	KindEscalation    Kind = "escalation"
)

// Content is a rendered subject/body pair.
type Content struct {
	Subject string
	Body    string
}

const timeLayout = "2006-01-02 15:04:05 UTC"

var funcs = template.FuncMap{
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "N/A"
		}
		return t.UTC().Format(timeLayout)
	},
	"join": func(v []string) string {
		if len(v) == 0 {
			return "none"
		}
		return strings.Join(v, ", ")
	},
}

type templates struct {
	subject *template.Template
	body    *template.Template
}

func parse(name, subject, body string) templates {
	return templates{
		subject: template.Must(template.New(name + "_subject").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New(name + "_body").Funcs(funcs).Parse(body)),
	}
}

var (
	newTmpl = parse("new",
		`Weather Alert: {{.Alert.Event}} - {{.Alert.AreaDesc}}`,
		`{{.Alert.Event}} for {{.Alert.AreaDesc}}
Severity: {{.Alert.Severity}}
Urgency: {{.Alert.Urgency}}
Certainty: {{.Alert.Certainty}}
Effective: {{when .Alert.Effective}}
Expires: {{when .Alert.Expires}}
{{- with .Alert.Headline}}

{{.}}{{end}}
{{- with .Alert.Description}}

{{.}}{{end}}
{{- with .Alert.Instruction}}

Instructions: {{.}}{{end}}
`)

	countyTmpl = parse("county_changed",
		`Weather Alert Updated: {{.Alert.Event}} - {{.Alert.AreaDesc}}`,
		`{{.Alert.Event}} now covers {{.Alert.AreaDesc}}
Counties: {{join .Alert.CountyCodes}}
Previously: {{join .Previous}}
Expires: {{when .Alert.Expires}}
`)

	expiredTmpl = parse("expired",
		`Weather Alert Ended: {{.Alert.Event}} - {{.Alert.AreaDesc}}`,
		`The {{.Alert.Event}} for {{.Alert.AreaDesc}} is no longer in effect.
`)

	allClearTmpl = parse("all_clear",
		`All Clear - Weather Alerts Ended`,
		`All clear. No active weather alerts as of {{when .Now}}.
`)
)

type view struct {
	Alert    domain.Alert
	Previous []string
	Now      time.Time
}

func render(t templates, v view) (Content, error) {
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, v); err != nil {
		return Content{}, fmt.Errorf("render subject: %w", err)
	}
	if err := t.body.Execute(&body, v); err != nil {
		return Content{}, fmt.Errorf("render body: %w", err)
	}
	return Content{Subject: subject.String(), Body: strings.TrimSpace(body.String())}, nil
}

// RenderNew renders the announcement for a newly active alert.
func RenderNew(a domain.Alert) (Content, error) {
	return render(newTmpl, view{Alert: a})
}

// RenderCountyChange renders an alert whose county set changed.
func RenderCountyChange(c state.CountyChange) (Content, error) {
	return render(countyTmpl, view{Alert: c.Alert, Previous: c.Previous})
}

// RenderExpired renders the end of an alert from its last snapshot.
func RenderExpired(s state.Snapshot) (Content, error) {
	return render(expiredTmpl, view{Alert: s.Alert()})
}

// RenderAllClear renders the notice that no alerts remain active.
func RenderAllClear(now time.Time) (Content, error) {
	return render(allClearTmpl, view{Now: now})
}
