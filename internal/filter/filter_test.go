package filter

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

var fixedNow = time.Date(2026, time.April, 15, 14, 30, 0, 0, time.UTC) // Wednesday

func useFixedClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(fixedNow))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func testAlert() domain.Alert {
	return domain.Alert{
		ID:          "urn:oid:2.49.0.1.840.0.test.1",
		Event:       "Tornado Warning",
		Description: "A tornado was observed near Amarillo.",
		AreaDesc:    "Potter, TX",
		Severity:    domain.SeverityExtreme,
		Urgency:     domain.UrgencyImmediate,
		Certainty:   domain.CertaintyObserved,
		CountyCodes: []string{"TXC375", "TXC039"},
		Sent:        fixedNow.Add(-10 * time.Minute),
		Effective:   fixedNow.Add(-10 * time.Minute),
		Expires:     fixedNow.Add(time.Hour),
		Sender:      "w-nws.webmaster@noaa.gov",
	}
}

func TestGeographicFilter(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		blocked []string
		passed  bool
		reason  string
	}{
		{name: "no lists", passed: true},
		{name: "blocked county", blocked: []string{"TXC039"}, reason: "blocked"},
		{name: "allowed county", allowed: []string{"TXC375"}, passed: true},
		{name: "not in allowed list", allowed: []string{"OKC001"}, reason: "allowed list"},
		{name: "block wins over allow", allowed: []string{"TXC039"}, blocked: []string{"TXC039"}, reason: "blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewGeographicFilter("geo", tt.allowed, tt.blocked)
			res, err := f.Check(testAlert())
			require.NoError(t, err)
			assert.Equal(t, tt.passed, res.Passed)
			if !tt.passed {
				assert.Contains(t, res.Reason, tt.reason)
			}
		})
	}
}

func TestGeographicFilter_States(t *testing.T) {
	f := NewGeographicFilter("states", nil, nil)
	f.AllowedStates = []string{"tx"}
	res, err := f.Check(testAlert())
	require.NoError(t, err)
	assert.True(t, res.Passed)

	f.AllowedStates = []string{"OK", "KS"}
	res, err = f.Check(testAlert())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "allowed states")
}

func TestSeverityFilter(t *testing.T) {
	a := testAlert()
	a.Severity = domain.SeverityModerate
	a.Urgency = domain.UrgencyExpected
	a.Certainty = domain.CertaintyLikely

	tests := []struct {
		name   string
		mutate func(f *SeverityFilter)
		passed bool
	}{
		{name: "no bounds", mutate: func(*SeverityFilter) {}, passed: true},
		{name: "min severity met", mutate: func(f *SeverityFilter) { f.MinSeverity = domain.SeverityModerate }, passed: true},
		{name: "min severity missed", mutate: func(f *SeverityFilter) { f.MinSeverity = domain.SeveritySevere }},
		{name: "max severity missed", mutate: func(f *SeverityFilter) { f.MaxSeverity = domain.SeverityMinor }},
		{name: "blocked", mutate: func(f *SeverityFilter) { f.Blocked = []domain.Severity{domain.SeverityModerate} }},
		{name: "not allowed", mutate: func(f *SeverityFilter) { f.Allowed = []domain.Severity{domain.SeverityExtreme} }},
		{name: "urgency too low", mutate: func(f *SeverityFilter) { f.MinUrgency = domain.UrgencyImmediate }},
		{name: "certainty too low", mutate: func(f *SeverityFilter) { f.MinCertainty = domain.CertaintyObserved }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewSeverityFilter("sev")
			tt.mutate(f)
			res, err := f.Check(a)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, res.Passed)
			if !tt.passed {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestTimeFilter(t *testing.T) {
	useFixedClock(t)

	t.Run("business hours pass", func(t *testing.T) {
		f := NewTimeFilter("time")
		f.BusinessHoursOnly = true
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.True(t, res.Passed)
	})

	t.Run("outside business hours", func(t *testing.T) {
		f := NewTimeFilter("time")
		f.BusinessHoursOnly = true
		f.BusinessStart, f.BusinessEnd = 6, 12
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Reason, "business hours")
	})

	t.Run("day not allowed", func(t *testing.T) {
		f := NewTimeFilter("time")
		f.AllowedDays = []time.Weekday{time.Monday}
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.False(t, res.Passed)
	})

	t.Run("holiday", func(t *testing.T) {
		f := NewTimeFilter("time")
		f.Holidays = []string{"2026-04-15"}
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.False(t, res.Passed)
	})

	t.Run("too old", func(t *testing.T) {
		f := NewTimeFilter("time")
		f.MaxAge = 5 * time.Minute
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Reason, "too old")
	})
}

func TestCustomRuleFilter(t *testing.T) {
	ev := rules.NewEvaluator(0)

	t.Run("matching rule passes", func(t *testing.T) {
		f := NewCustomRuleFilter("custom", ev, Rule{
			Name:      "tornado only",
			Condition: rules.Condition{Type: rules.KindFieldContains, Field: "event", Value: "tornado"},
		})
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.True(t, res.Passed)
	})

	t.Run("negated rule rejects", func(t *testing.T) {
		f := NewCustomRuleFilter("custom", ev, Rule{
			Name:      "no tornadoes",
			Condition: rules.Condition{Type: rules.KindFieldContains, Field: "event", Value: "tornado"},
			Negate:    true,
		})
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Equal(t, "custom rule failed: no tornadoes", res.Reason)
	})

	t.Run("unknown kind passes", func(t *testing.T) {
		f := NewCustomRuleFilter("custom", ev, Rule{
			Name:      "mystery",
			Condition: rules.Condition{Type: "astrology"},
		})
		res, err := f.Check(testAlert())
		require.NoError(t, err)
		assert.True(t, res.Passed)
	})

	t.Run("bad regex is an error", func(t *testing.T) {
		f := NewCustomRuleFilter("custom", ev, Rule{
			Name:      "broken",
			Condition: rules.Condition{Type: rules.KindRegex, Field: "event", Pattern: "("},
		})
		_, err := f.Check(testAlert())
		require.Error(t, err)
	})
}

type panicFilter struct{ base }

func (p *panicFilter) Check(domain.Alert) (Result, error) { panic("boom") }

type errFilter struct{ base }

func (e *errFilter) Check(domain.Alert) (Result, error) { return Result{}, errors.New("backend down") }

type countingFilter struct {
	base
	calls int
}

func (c *countingFilter) Check(domain.Alert) (Result, error) {
	c.calls++
	return pass("ok"), nil
}

func TestChain_BlockedCountyRejects(t *testing.T) {
	chain := NewChain(nil, NewGeographicFilter("counties", nil, []string{"TXC039"}))

	res := chain.Apply(testAlert())

	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "blocked")
	assert.Equal(t, "counties", res.Metadata["filter"])
}

func TestChain_ShortCircuits(t *testing.T) {
	after := &countingFilter{base: base{name: "after"}}
	chain := NewChain(nil,
		NewGeographicFilter("counties", nil, []string{"TXC039"}),
		after,
	)

	res := chain.Apply(testAlert())

	assert.False(t, res.Passed)
	assert.Zero(t, after.calls)
}

func TestChain_AllPass(t *testing.T) {
	chain := NewChain(nil, NewSeverityFilter("sev"), NewGeographicFilter("geo", nil, nil))

	res := chain.Apply(testAlert())

	assert.True(t, res.Passed)
	assert.Equal(t, "all filters passed", res.Reason)
	assert.Equal(t, []string{"sev", "geo"}, res.Metadata["filters_applied"])
}

func TestChain_DisabledFilterPasses(t *testing.T) {
	geo := NewGeographicFilter("counties", nil, []string{"TXC039"})
	chain := NewChain(nil, geo)
	require.True(t, chain.SetEnabled("counties", false))

	assert.True(t, chain.Apply(testAlert()).Passed)

	all := chain.ApplyAll(testAlert())
	assert.Equal(t, "filter disabled", all["counties"].Reason)
	assert.True(t, all["counties"].Passed)
}

func TestChain_ErrorsAndPanicsReject(t *testing.T) {
	for _, f := range []Filter{&panicFilter{base: base{name: "panics"}}, &errFilter{base: base{name: "errs"}}} {
		t.Run(f.Name(), func(t *testing.T) {
			res := NewChain(nil, f).Apply(testAlert())
			assert.False(t, res.Passed)
			assert.Contains(t, res.Reason, "filter error")
		})
	}
}

func TestChain_Management(t *testing.T) {
	chain := NewChain(nil,
		NewSeverityFilter("a"),
		NewSeverityFilter("b"),
		NewSeverityFilter("c"),
	)

	chain.Reorder([]string{"c", "missing", "a"})
	assert.Equal(t, []string{"c", "a", "b"}, chain.Names())

	assert.True(t, chain.Remove("a"))
	assert.False(t, chain.Remove("a"))
	assert.Equal(t, []string{"c", "b"}, chain.Names())

	chain.Add(NewGeographicFilter("b", nil, nil))
	assert.Equal(t, 2, chain.Len())
	assert.False(t, chain.SetEnabled("missing", true))
}

func TestParseChainYAML(t *testing.T) {
	useFixedClock(t)
	data := []byte(`
filters:
  - name: counties
    type: geographic
    blocked_counties: [TXC039]
  - name: severe-only
    type: severity
    min_severity: Severe
    min_certainty: likely
  - name: fresh
    type: time
    max_age: 6h
    allowed_days: [Mon, Tuesday, wed]
  - name: no-tests
    type: custom
    enabled: false
    rules:
      - name: not a test
        type: text_match
        field: description
        value: test
        negate: true
`)

	chain, err := ParseChainYAML(data, rules.NewEvaluator(0), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"counties", "severe-only", "fresh", "no-tests"}, chain.Names())

	res := chain.Apply(testAlert())
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "blocked")

	a := testAlert()
	a.CountyCodes = []string{"TXC375"}
	assert.True(t, chain.Apply(a).Passed)

	a.Severity = domain.SeverityModerate
	assert.False(t, chain.Apply(a).Passed)
}

func TestParseChainYAML_Order(t *testing.T) {
	useFixedClock(t)
	data := []byte(`
filters:
  - name: counties
    type: geographic
    allowed_states: [TX]
  - name: severe-only
    type: severity
    min_severity: Severe
  - name: fresh
    type: time
    max_age: 6h
order: [fresh, severe-only]
`)

	chain, err := ParseChainYAML(data, rules.NewEvaluator(0), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "severe-only", "counties"}, chain.Names())

	a := testAlert()
	a.CountyCodes = []string{"OKC109"}
	res := chain.Apply(a)
	assert.False(t, res.Passed)
	assert.Equal(t, "counties", res.Metadata["filter"])
}

func TestParseChainYAML_Errors(t *testing.T) {
	ev := rules.NewEvaluator(0)
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: "  "},
		{name: "unknown type", data: "filters:\n  - name: x\n    type: lunar\n"},
		{name: "missing name", data: "filters:\n  - type: severity\n"},
		{name: "duplicate", data: "filters:\n  - {name: x, type: severity}\n  - {name: x, type: severity}\n"},
		{name: "bad severity", data: "filters:\n  - {name: x, type: severity, min_severity: Apocalyptic}\n"},
		{name: "bad weekday", data: "filters:\n  - {name: x, type: time, allowed_days: [Funday]}\n"},
		{name: "bad hours", data: "filters:\n  - {name: x, type: time, business_start: 18, business_end: 9}\n"},
		{name: "unknown order name", data: "filters:\n  - {name: x, type: severity}\norder: [y]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChainYAML([]byte(tt.data), ev, nil)
			require.Error(t, err)
		})
	}
}
