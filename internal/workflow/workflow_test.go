package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

var now = time.Date(2026, time.May, 20, 21, 0, 0, 0, time.UTC)

// recorder captures which actions ran.
type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) handler(fail map[string]bool) ActionHandler {
	return ActionHandlerFunc(func(_ context.Context, _ domain.Alert, act Action) error {
		r.mu.Lock()
		r.ran = append(r.ran, act.ID)
		r.mu.Unlock()
		if fail[act.ID] {
			return errors.New("smtp: connection refused")
		}
		return nil
	})
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func setup(t *testing.T) *Engine {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })
	return NewEngine(rules.NewEvaluator(0), nil)
}

func alert(sev domain.Severity) domain.Alert {
	return domain.Alert{
		ID:       "urn:oid:2.49.0.1.840.0.wf.1",
		Event:    "Tornado Warning",
		Severity: sev,
		Urgency:  domain.UrgencyImmediate,
		Sent:     now.Add(-5 * time.Minute),
		Expires:  now.Add(time.Hour),
	}
}

func TestSevereAlertWorkflow_NotifiesAndEscalates(t *testing.T) {
	e := setup(t)
	rec := &recorder{}
	e.Handle(ActionNotification, rec.handler(nil))
	e.Handle(ActionEscalation, rec.handler(nil))
	require.NoError(t, e.Register(SevereAlertWorkflow()))

	t.Run("extreme runs both steps", func(t *testing.T) {
		rec.ran = nil
		execs := e.Execute(context.Background(), alert(domain.SeverityExtreme))

		require.Len(t, execs, 1)
		x := execs[0]
		assert.Equal(t, StatusCompleted, x.Status)
		assert.Equal(t, []string{"notification", "escalation"}, x.CompletedSteps)
		assert.Empty(t, x.SkippedSteps)
		assert.Equal(t, []string{"email_notification", "sms_notification", "management_escalation"}, rec.actions())
		require.NotNil(t, x.CompletedAt)
	})

	t.Run("severe skips escalation", func(t *testing.T) {
		rec.ran = nil
		execs := e.Execute(context.Background(), alert(domain.SeveritySevere))

		require.Len(t, execs, 1)
		assert.Equal(t, StatusCompleted, execs[0].Status)
		assert.Equal(t, []string{"notification"}, execs[0].CompletedSteps)
		assert.Equal(t, []string{"escalation"}, execs[0].SkippedSteps)
		assert.Equal(t, []string{"email_notification", "sms_notification"}, rec.actions())
	})

	t.Run("moderate does not trigger", func(t *testing.T) {
		assert.Empty(t, e.Execute(context.Background(), alert(domain.SeverityModerate)))
	})
}

func TestExecute_CriticalActionFailsWorkflow(t *testing.T) {
	e := setup(t)
	rec := &recorder{}
	e.Handle(ActionNotification, rec.handler(map[string]bool{"page": true}))
	require.NoError(t, e.Register(Workflow{
		ID: "critical",
		Steps: []Step{
			{ID: "first", Actions: []Action{{ID: "page", Type: ActionNotification, Critical: true}, {ID: "after", Type: ActionNotification}}},
			{ID: "second", Actions: []Action{{ID: "never", Type: ActionNotification}}},
		},
	}))

	execs := e.Execute(context.Background(), alert(domain.SeverityMinor))

	require.Len(t, execs, 1)
	x := execs[0]
	assert.Equal(t, StatusFailed, x.Status)
	assert.Equal(t, []string{"first"}, x.FailedSteps)
	assert.Empty(t, x.CompletedSteps)
	assert.Equal(t, []string{"page"}, rec.actions())
	assert.Equal(t, "critical failure in step first", x.Error)
	require.Len(t, x.Log, 1)
	assert.Equal(t, EntryFailed, x.Log[0].Status)
	assert.Equal(t, "smtp: connection refused", x.Log[0].Error)
}

func TestExecute_NonCriticalFailureContinues(t *testing.T) {
	e := setup(t)
	rec := &recorder{}
	e.Handle(ActionNotification, rec.handler(map[string]bool{"flaky": true}))
	require.NoError(t, e.Register(Workflow{
		ID: "tolerant",
		Steps: []Step{
			{ID: "first", Actions: []Action{{ID: "flaky", Type: ActionNotification}, {ID: "steady", Type: ActionNotification}}},
			{ID: "second", Actions: []Action{{ID: "final", Type: ActionNotification}}},
		},
	}))

	execs := e.Execute(context.Background(), alert(domain.SeverityMinor))

	require.Len(t, execs, 1)
	x := execs[0]
	assert.Equal(t, StatusCompleted, x.Status)
	assert.Equal(t, []string{"first"}, x.FailedSteps)
	assert.Equal(t, []string{"second"}, x.CompletedSteps)
	assert.Equal(t, []string{"flaky", "steady", "final"}, rec.actions())
}

func TestExecute_CriticalStepFailsOnAnyAction(t *testing.T) {
	e := setup(t)
	rec := &recorder{}
	e.Handle(ActionNotification, rec.handler(map[string]bool{"a": true}))
	require.NoError(t, e.Register(Workflow{
		ID: "critical-step",
		Steps: []Step{
			{ID: "only", Critical: true, Parallel: true, Actions: []Action{
				{ID: "a", Type: ActionNotification},
				{ID: "b", Type: ActionNotification},
				{ID: "c", Type: ActionNotification},
			}},
		},
	}))

	execs := e.Execute(context.Background(), alert(domain.SeverityMinor))

	require.Len(t, execs, 1)
	assert.Equal(t, StatusFailed, execs[0].Status)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rec.actions())
	assert.Len(t, execs[0].Log, 3)
}

func TestExecute_UnhandledActionSucceeds(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.Register(Workflow{
		ID:    "api",
		Steps: []Step{{Actions: []Action{{Type: ActionAPICall}}}},
	}))

	execs := e.Execute(context.Background(), alert(domain.SeverityMinor))

	require.Len(t, execs, 1)
	assert.Equal(t, StatusCompleted, execs[0].Status)
	assert.Equal(t, []string{"step-1"}, execs[0].CompletedSteps)
	assert.Equal(t, "step-1-action-1", execs[0].Log[0].Action)
}

func TestExecute_PanickingHandlerIsContained(t *testing.T) {
	e := setup(t)
	e.Handle(ActionScript, ActionHandlerFunc(func(context.Context, domain.Alert, Action) error {
		panic("exec format error")
	}))
	require.NoError(t, e.Register(Workflow{
		ID:    "script",
		Steps: []Step{{ID: "run", Actions: []Action{{ID: "siren", Type: ActionScript}}}},
	}))

	execs := e.Execute(context.Background(), alert(domain.SeverityMinor))

	require.Len(t, execs, 1)
	assert.Equal(t, StatusCompleted, execs[0].Status)
	assert.Equal(t, []string{"run"}, execs[0].FailedSteps)
	assert.Equal(t, "action panicked: exec format error", execs[0].Log[0].Error)
}

func TestExecute_CancelledContext(t *testing.T) {
	e := setup(t)
	rec := &recorder{}
	e.Handle(ActionNotification, rec.handler(nil))
	require.NoError(t, e.Register(SevereAlertWorkflow()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	execs := e.Execute(ctx, alert(domain.SeverityExtreme))

	require.Len(t, execs, 1)
	assert.Equal(t, StatusCancelled, execs[0].Status)
	assert.Empty(t, rec.actions())
}

func TestExecute_IndependentWorkflows(t *testing.T) {
	e := setup(t)
	rec := &recorder{}
	e.Handle(ActionNotification, rec.handler(map[string]bool{"bad": true}))
	require.NoError(t, e.Register(Workflow{ID: "one", Steps: []Step{{Actions: []Action{{ID: "bad", Type: ActionNotification, Critical: true}}}}}))
	require.NoError(t, e.Register(Workflow{ID: "two", Steps: []Step{{Actions: []Action{{ID: "good", Type: ActionNotification}}}}}))

	execs := e.Execute(context.Background(), alert(domain.SeverityMinor))

	require.Len(t, execs, 2)
	assert.Equal(t, "one", execs[0].WorkflowID)
	assert.Equal(t, StatusFailed, execs[0].Status)
	assert.Equal(t, "two", execs[1].WorkflowID)
	assert.Equal(t, StatusCompleted, execs[1].Status)
}

func TestApplicable(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.Register(Workflow{
		ID:       "any",
		Match:    MatchAny,
		Triggers: []rules.Condition{{Type: rules.KindSeverityEquals, Severity: "Minor"}, {Type: "astrology"}},
		Steps:    []Step{{Actions: []Action{{Type: ActionDelay}}}},
	}))
	require.NoError(t, e.Register(Workflow{
		ID:       "unknown",
		Triggers: []rules.Condition{{Type: "astrology"}},
		Steps:    []Step{{Actions: []Action{{Type: ActionDelay}}}},
	}))
	require.NoError(t, e.Register(Workflow{
		ID:       "off",
		Disabled: true,
		Steps:    []Step{{Actions: []Action{{Type: ActionDelay}}}},
	}))

	got := e.Applicable(alert(domain.SeverityMinor))

	require.Len(t, got, 1)
	assert.Equal(t, "any", got[0].ID)
}

func TestRegisterAndUnregister(t *testing.T) {
	e := setup(t)

	err := e.Register(Workflow{ID: "", Steps: nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow id is required")
	assert.Contains(t, err.Error(), "at least one step is required")

	require.NoError(t, e.Register(SevereAlertWorkflow()))
	require.NoError(t, e.Register(SevereAlertWorkflow()))
	assert.Len(t, e.Workflows(), 1)

	require.NoError(t, e.Unregister(SevereAlertWorkflowID))
	assert.Empty(t, e.Workflows())
	assert.ErrorIs(t, e.Unregister(SevereAlertWorkflowID), ErrNotFound)
}

func TestExecutionsAndCleanup(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })
	e := NewEngine(nil, nil)
	require.NoError(t, e.Register(Workflow{ID: "a", Steps: []Step{{Actions: []Action{{Type: ActionAPICall}}}}}))
	require.NoError(t, e.Register(Workflow{ID: "b", Steps: []Step{{Actions: []Action{{Type: ActionAPICall}}}}}))

	first := e.Execute(context.Background(), alert(domain.SeverityMinor))
	require.Len(t, first, 2)
	clock.Advance(25 * time.Hour)
	e.Execute(context.Background(), alert(domain.SeverityMinor))

	assert.Len(t, e.Executions(""), 4)
	assert.Len(t, e.Executions("a"), 2)

	got, err := e.Execution(first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, first[0].WorkflowID, got.WorkflowID)

	assert.Equal(t, 2, e.Cleanup(24*time.Hour))
	assert.Len(t, e.Executions(""), 2)
	_, err = e.Execution(first[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelayHandler(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })
	h := DelayHandler()

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := h.Run(ctx, domain.Alert{}, Action{Parameters: map[string]any{"delay_seconds": 30}})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("elapses", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			done <- h.Run(context.Background(), domain.Alert{}, Action{Parameters: map[string]any{"delay_seconds": 1.5}})
		}()
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(2 * time.Second)
		assert.NoError(t, <-done)
	})

	t.Run("bad parameter", func(t *testing.T) {
		err := h.Run(context.Background(), domain.Alert{}, Action{Parameters: map[string]any{"delay_seconds": "soon"}})
		assert.EqualError(t, err, "parameter delay_seconds: expected number, got string")
	})

	t.Run("zero", func(t *testing.T) {
		assert.NoError(t, h.Run(context.Background(), domain.Alert{}, Action{}))
	})
}

func TestLoadDefinitionDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "20-hail.yaml"), `
id: hail
match: any
triggers:
  - type: field_contains
    field: event
    value: hail
  - type: severity_gte
    severity: Severe
steps:
  - name: Wait then page
    timeout: 30s
    actions:
      - type: delay
        parameters:
          delay_seconds: 5
      - type: notification
        critical: true
        parameters:
          type: sms
`)
	writeFile(t, filepath.Join(dir, "10-flood.yml"), `
id: flood
steps:
  - id: notify
    actions:
      - id: email
        type: notification
`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a workflow")

	got, err := LoadDefinitionDir(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "flood", got[0].ID)
	assert.Equal(t, MatchAll, got[0].Match)

	hail := got[1]
	assert.Equal(t, MatchAny, hail.Match)
	require.Len(t, hail.Triggers, 2)
	assert.Equal(t, rules.KindFieldContains, hail.Triggers[0].Type)
	require.Len(t, hail.Steps, 1)
	s := hail.Steps[0]
	assert.Equal(t, "step-1", s.ID)
	assert.Equal(t, 30*time.Second, s.Timeout)
	assert.Equal(t, "step-1-action-1", s.Actions[0].ID)
	assert.Equal(t, 5, s.Actions[0].Parameters["delay_seconds"])
	assert.True(t, s.Actions[1].Critical)
}

func TestLoadDefinitionDir_Missing(t *testing.T) {
	got, err := LoadDefinitionDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseDefinitionYAML_Errors(t *testing.T) {
	_, err := ParseDefinitionYAML([]byte("  "))
	assert.EqualError(t, err, "workflow: definition payload is empty")

	_, err = ParseDefinitionYAML([]byte("id: x\nsteps: [{actions: [{id: a}]}]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type is required")

	_, err = ParseDefinitionYAML([]byte("id: x\nmatch: most\nsteps: [{id: s, actions: []}, {id: s, actions: []}]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown match "most"`)
	assert.Contains(t, err.Error(), `duplicate step id "s"`)
}

func TestClone_IsDeep(t *testing.T) {
	w := SevereAlertWorkflow()
	c := w.Clone()
	c.Steps[0].Actions[0].Parameters["priority"] = "low"
	c.Triggers[0].Severity = "Minor"

	assert.Equal(t, "high", w.Steps[0].Actions[0].Parameters["priority"])
	assert.Equal(t, "Severe", w.Triggers[0].Severity)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
