// Package workflow executes condition-triggered, multi-step responses to
// alerts. Each (workflow, alert) pair runs as an independent execution that
// moves from pending to running and ends completed, failed or cancelled.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Log entry statuses.
const (
	EntryCompleted = "completed"
	EntryFailed    = "failed"
	EntrySkipped   = "skipped"
)

// ErrNotFound is returned when a workflow or execution id is unknown.
var ErrNotFound = errors.New("not found")

// LogEntry records one step or action outcome.
type LogEntry struct {
	Step      string    `json:"step,omitempty"`
	Action    string    `json:"action,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution is the record of running one workflow for one alert.
type Execution struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	AlertID        string     `json:"alert_id"`
	Status         Status     `json:"status"`
	CurrentStep    string     `json:"current_step,omitempty"`
	CompletedSteps []string   `json:"completed_steps"`
	FailedSteps    []string   `json:"failed_steps"`
	SkippedSteps   []string   `json:"skipped_steps"`
	Log            []LogEntry `json:"execution_log"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (x *Execution) clone() Execution {
	out := *x
	out.CompletedSteps = slices.Clone(x.CompletedSteps)
	out.FailedSteps = slices.Clone(x.FailedSteps)
	out.SkippedSteps = slices.Clone(x.SkippedSteps)
	out.Log = slices.Clone(x.Log)
	if x.CompletedAt != nil {
		t := *x.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Engine holds registered workflows and action handlers and keeps a record
// of executions. It is safe for concurrent use.
type Engine struct {
	mu         sync.RWMutex
	workflows  map[string]Workflow
	order      []string
	handlers   map[ActionType]ActionHandler
	executions map[string]*Execution

	evaluator *rules.Evaluator
	logger    *slog.Logger
}

// NewEngine creates an engine with the built-in delay handler registered.
func NewEngine(evaluator *rules.Evaluator, logger *slog.Logger) *Engine {
	if evaluator == nil {
		evaluator = rules.NewEvaluator(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		workflows:  make(map[string]Workflow),
		handlers:   make(map[ActionType]ActionHandler),
		executions: make(map[string]*Execution),
		evaluator:  evaluator,
		logger:     logger,
	}
	e.Handle(ActionDelay, DelayHandler())
	return e
}

// Register adds or replaces a workflow.
func (e *Engine) Register(w Workflow) error {
	n, err := w.Normalized()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[n.ID]; !ok {
		e.order = append(e.order, n.ID)
	}
	e.workflows[n.ID] = n
	e.logger.Info("workflow registered", "workflow_id", n.ID, "steps", len(n.Steps))
	return nil
}

// Unregister removes a workflow. Past executions are kept.
func (e *Engine) Unregister(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	delete(e.workflows, id)
	e.order = slices.DeleteFunc(e.order, func(v string) bool { return v == id })
	return nil
}

// Workflows returns the registered workflows in registration order.
func (e *Engine) Workflows() []Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Workflow, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.workflows[id].Clone())
	}
	return out
}

// Handle registers the handler for an action type, replacing any previous one.
func (e *Engine) Handle(t ActionType, h ActionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// Applicable returns the enabled workflows whose triggers match the alert.
// A trigger that cannot be evaluated does not match.
func (e *Engine) Applicable(a domain.Alert) []Workflow {
	var out []Workflow
	for _, w := range e.Workflows() {
		if w.Disabled {
			continue
		}
		if e.triggered(w, a) {
			out = append(out, w)
		}
	}
	return out
}

func (e *Engine) triggered(w Workflow, a domain.Alert) bool {
	if len(w.Triggers) == 0 {
		return true
	}
	var ok bool
	var err error
	if w.Match == MatchAny {
		ok, err = e.evaluator.MatchAny(a, w.Triggers)
	} else {
		ok, err = e.evaluator.MatchAll(a, w.Triggers)
	}
	if err != nil {
		e.logger.Warn("workflow trigger not evaluable", "workflow_id", w.ID, "alert_id", a.ID, "error", err)
		return false
	}
	return ok
}

// Execute runs every applicable workflow for the alert concurrently and
// returns the finished executions in registration order. No workflow's
// failure affects another.
func (e *Engine) Execute(ctx context.Context, a domain.Alert) []Execution {
	applicable := e.Applicable(a)
	if len(applicable) == 0 {
		return nil
	}

	results := make([]Execution, len(applicable))
	var wg sync.WaitGroup
	for i, w := range applicable {
		wg.Go(func() {
			results[i] = e.run(ctx, w, a)
		})
	}
	wg.Wait()
	return results
}

// Execution returns a snapshot of the execution with the given id.
func (e *Engine) Execution(id string) (Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[id]
	if !ok {
		return Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return x.clone(), nil
}

// Executions returns snapshots of all executions, or only those of one
// workflow when workflowID is non-empty, oldest first.
func (e *Engine) Executions(workflowID string) []Execution {
	e.mu.RLock()
	out := make([]Execution, 0, len(e.executions))
	for _, x := range e.executions {
		if workflowID == "" || x.WorkflowID == workflowID {
			out = append(out, x.clone())
		}
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b Execution) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Cleanup drops executions that started more than maxAge ago and returns how
// many were removed.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	cutoff := domain.Now().Add(-maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, x := range e.executions {
		if x.StartedAt.Before(cutoff) && x.Status != StatusRunning {
			delete(e.executions, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info("workflow executions cleaned up", "removed", removed)
	}
	return removed
}

func (e *Engine) run(ctx context.Context, w Workflow, a domain.Alert) Execution {
	x := &Execution{
		ID:         ulid.Make().String(),
		WorkflowID: w.ID,
		AlertID:    a.ID,
		Status:     StatusPending,
		StartedAt:  domain.Now(),
	}
	e.mu.Lock()
	e.executions[x.ID] = x
	e.mu.Unlock()

	e.update(x, func(x *Execution) { x.Status = StatusRunning })
	e.logger.Info("workflow started", "workflow_id", w.ID, "execution_id", x.ID, "alert_id", a.ID)

	final := StatusCompleted
	for _, s := range w.Steps {
		if err := ctx.Err(); err != nil {
			final = StatusCancelled
			e.update(x, func(x *Execution) { x.Error = err.Error() })
			break
		}
		if s.Disabled {
			continue
		}
		e.update(x, func(x *Execution) { x.CurrentStep = s.ID })

		outcome := e.runStep(ctx, s, a, x)
		switch outcome {
		case stepSkipped:
			e.update(x, func(x *Execution) {
				x.SkippedSteps = append(x.SkippedSteps, s.ID)
				x.Log = append(x.Log, LogEntry{Step: s.ID, Status: EntrySkipped, Timestamp: domain.Now()})
			})
		case stepCompleted:
			e.update(x, func(x *Execution) { x.CompletedSteps = append(x.CompletedSteps, s.ID) })
		case stepFailed, stepFatal:
			e.update(x, func(x *Execution) { x.FailedSteps = append(x.FailedSteps, s.ID) })
		}
		if outcome == stepFatal {
			if ctx.Err() != nil {
				final = StatusCancelled
			} else {
				final = StatusFailed
				e.update(x, func(x *Execution) { x.Error = fmt.Sprintf("critical failure in step %s", s.ID) })
			}
			break
		}
	}
	if final == StatusCompleted && ctx.Err() != nil {
		final = StatusCancelled
	}

	e.update(x, func(x *Execution) {
		now := domain.Now()
		x.Status = final
		x.CurrentStep = ""
		x.CompletedAt = &now
	})
	e.logger.Info("workflow finished", "workflow_id", w.ID, "execution_id", x.ID, "alert_id", a.ID, "status", final)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return x.clone()
}

type stepOutcome int

const (
	stepCompleted stepOutcome = iota
	stepSkipped
	stepFailed
	stepFatal
)

func (e *Engine) runStep(ctx context.Context, s Step, a domain.Alert, x *Execution) stepOutcome {
	if len(s.Conditions) > 0 {
		ok, err := e.evaluator.MatchAll(a, s.Conditions)
		if err != nil || !ok {
			return stepSkipped
		}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var actions []Action
	for _, act := range s.Actions {
		if !act.Disabled {
			actions = append(actions, act)
		}
	}

	failed, fatal := false, false
	if s.Parallel {
		errs := make([]error, len(actions))
		var wg sync.WaitGroup
		for i, act := range actions {
			wg.Go(func() { errs[i] = e.runAction(ctx, s, act, a, x) })
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				failed = true
				fatal = fatal || actions[i].Critical
			}
		}
	} else {
		for _, act := range actions {
			if err := e.runAction(ctx, s, act, a, x); err != nil {
				failed = true
				if act.Critical {
					fatal = true
					break
				}
			}
		}
	}

	switch {
	case fatal || (failed && s.Critical):
		return stepFatal
	case failed:
		return stepFailed
	}
	return stepCompleted
}

func (e *Engine) runAction(ctx context.Context, s Step, act Action, a domain.Alert, x *Execution) (err error) {
	e.mu.RLock()
	h, ok := e.handlers[act.Type]
	e.mu.RUnlock()

	if act.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, act.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
		entry := LogEntry{Step: s.ID, Action: act.ID, Status: EntryCompleted, Timestamp: domain.Now()}
		if err != nil {
			entry.Status = EntryFailed
			entry.Error = err.Error()
			e.logger.Warn("workflow action failed", "execution_id", x.ID, "step", s.ID, "action", act.ID, "error", err)
		}
		e.update(x, func(x *Execution) { x.Log = append(x.Log, entry) })
	}()

	if !ok {
		e.logger.Info("no handler for action type", "action", act.ID, "type", act.Type, "alert_id", a.ID)
		return nil
	}
	return h.Run(ctx, a, act)
}

func (e *Engine) update(x *Execution, fn func(*Execution)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(x)
}
