package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

// ActionType names what an action does. Handlers are registered per type.
type ActionType string

const (
	ActionNotification ActionType = "notification"
	ActionScript       ActionType = "script_execution"
	ActionDatabase     ActionType = "database_update"
	ActionAPICall      ActionType = "api_call"
	ActionConditional  ActionType = "conditional"
	ActionDelay        ActionType = "delay"
	ActionEscalation   ActionType = "escalation"
)

// Match selects how trigger conditions combine.
type Match string

const (
	MatchAll Match = "all"
	MatchAny Match = "any"
)

// Action is one unit of work inside a step.
type Action struct {
	ID          string         `json:"id" yaml:"id"`
	Type        ActionType     `json:"type" yaml:"type"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Disabled    bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// Critical fails the whole workflow when this action fails.
	Critical bool          `json:"critical,omitempty" yaml:"critical,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Step groups actions behind optional conditions.
type Step struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []rules.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions     []Action          `json:"actions" yaml:"actions"`
	Parallel    bool              `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Disabled    bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// Critical fails the whole workflow when any action in the step fails.
	Critical bool          `json:"critical,omitempty" yaml:"critical,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Workflow is a trigger plus an ordered list of steps.
type Workflow struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Match       Match             `json:"match,omitempty" yaml:"match,omitempty"`
	Triggers    []rules.Condition `json:"triggers" yaml:"triggers"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Disabled    bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Validate reports structural problems with the definition.
func (w Workflow) Validate() error {
	var errs []error
	if strings.TrimSpace(w.ID) == "" {
		errs = append(errs, errors.New("workflow id is required"))
	}
	switch w.Match {
	case "", MatchAll, MatchAny:
	default:
		errs = append(errs, fmt.Errorf("workflow %s: unknown match %q", w.ID, w.Match))
	}
	if len(w.Steps) == 0 {
		errs = append(errs, fmt.Errorf("workflow %s: at least one step is required", w.ID))
	}
	seen := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.ID != "" {
			if seen[s.ID] {
				errs = append(errs, fmt.Errorf("workflow %s: duplicate step id %q", w.ID, s.ID))
			}
			seen[s.ID] = true
		}
		for j, a := range s.Actions {
			if a.Type == "" {
				errs = append(errs, fmt.Errorf("workflow %s: step %d action %d: type is required", w.ID, i, j))
			}
		}
	}
	return errors.Join(errs...)
}

// Normalized validates the workflow and fills in default ids and match mode.
func (w Workflow) Normalized() (Workflow, error) {
	if err := w.Validate(); err != nil {
		return Workflow{}, err
	}
	out := w.Clone()
	if out.Match == "" {
		out.Match = MatchAll
	}
	for i := range out.Steps {
		s := &out.Steps[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		for j := range s.Actions {
			if s.Actions[j].ID == "" {
				s.Actions[j].ID = fmt.Sprintf("%s-action-%d", s.ID, j+1)
			}
		}
	}
	return out, nil
}

// Clone returns a deep copy of the definition.
func (w Workflow) Clone() Workflow {
	out := w
	out.Triggers = append([]rules.Condition(nil), w.Triggers...)
	out.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		cs := s
		cs.Conditions = append([]rules.Condition(nil), s.Conditions...)
		cs.Actions = make([]Action, len(s.Actions))
		for j, a := range s.Actions {
			ca := a
			if a.Parameters != nil {
				ca.Parameters = make(map[string]any, len(a.Parameters))
				for k, v := range a.Parameters {
					ca.Parameters[k] = v
				}
			}
			cs.Actions[j] = ca
		}
		out.Steps[i] = cs
	}
	return out
}

// SevereAlertWorkflowID identifies the built-in workflow.
const SevereAlertWorkflowID = "severe_alert_workflow"

// SevereAlertWorkflow is registered by default. It notifies by email and SMS
// for Severe or worse alerts and escalates Extreme ones to management.
func SevereAlertWorkflow() Workflow {
	return Workflow{
		ID:          SevereAlertWorkflowID,
		Name:        "Severe Alert Workflow",
		Description: "Workflow for processing severe weather alerts",
		Match:       MatchAll,
		Triggers: []rules.Condition{
			{Type: rules.KindSeverityGTE, Severity: "Severe"},
		},
		Steps: []Step{
			{
				ID:          "notification",
				Name:        "Send Notifications",
				Description: "Send notifications for severe alerts",
				Conditions:  []rules.Condition{{Type: rules.KindSeverityGTE, Severity: "Severe"}},
				Actions: []Action{
					{
						ID:          "email_notification",
						Type:        ActionNotification,
						Name:        "Email Notification",
						Description: "Send email notification",
						Parameters:  map[string]any{"type": "email", "priority": "high"},
					},
					{
						ID:          "sms_notification",
						Type:        ActionNotification,
						Name:        "SMS Notification",
						Description: "Send SMS notification",
						Parameters:  map[string]any{"type": "sms", "priority": "high"},
					},
				},
			},
			{
				ID:          "escalation",
				Name:        "Escalate Alert",
				Description: "Escalate severe alerts to management",
				Conditions:  []rules.Condition{{Type: rules.KindSeverityEquals, Severity: "Extreme"}},
				Actions: []Action{
					{
						ID:          "management_escalation",
						Type:        ActionEscalation,
						Name:        "Management Escalation",
						Description: "Escalate to management team",
						Parameters:  map[string]any{"escalation_level": "management"},
					},
				},
			},
		},
	}
}
