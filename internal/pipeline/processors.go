package pipeline

import (
	"context"
	"fmt"

	"github.com/couchcryptid/storm-alert-pipeline/internal/dedup"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/filter"
	"github.com/couchcryptid/storm-alert-pipeline/internal/observability"
	"github.com/couchcryptid/storm-alert-pipeline/internal/priority"
	"github.com/couchcryptid/storm-alert-pipeline/internal/validate"
	"github.com/couchcryptid/storm-alert-pipeline/internal/workflow"
)

// FilterProcessor gates alerts through a filter chain.
type FilterProcessor struct {
	chain *filter.Chain
}

func NewFilterProcessor(chain *filter.Chain) *FilterProcessor {
	return &FilterProcessor{chain: chain}
}

func (p *FilterProcessor) Name() string { return "filter" }
func (p *FilterProcessor) Stage() Stage { return StageFiltered }

func (p *FilterProcessor) Process(_ context.Context, pc *Context) error {
	res := p.chain.Apply(pc.Alert)
	pc.Filter = &res
	if !res.Passed {
		pc.Halt(res.Reason)
	}
	return nil
}

// DedupProcessor folds duplicate alerts within a batch. The first context
// seen for an id wins; later contexts with the same id and every alert merged
// into another are halted.
type DedupProcessor struct {
	dedup   *dedup.Deduplicator
	metrics *observability.Metrics
}

func NewDedupProcessor(d *dedup.Deduplicator, metrics *observability.Metrics) *DedupProcessor {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &DedupProcessor{dedup: d, metrics: metrics}
}

func (p *DedupProcessor) Name() string { return "dedup" }
func (p *DedupProcessor) Stage() Stage { return StageDeduplicated }

func (p *DedupProcessor) ProcessBatch(_ context.Context, batch []*Context) error {
	byID := make(map[string]*Context, len(batch))
	unique := make([]domain.Alert, 0, len(batch))
	for _, pc := range batch {
		if _, seen := byID[pc.Alert.ID]; seen {
			pc.Halt("duplicate alert id")
			continue
		}
		byID[pc.Alert.ID] = pc
		unique = append(unique, pc.Alert)
	}

	res := p.dedup.Deduplicate(unique)
	merges := make(map[string]dedup.Merge, len(res.Merges))
	for _, m := range res.Merges {
		merges[m.MergedID] = m
	}
	for merged, kept := range res.MergedInto() {
		pc, ok := byID[merged]
		if !ok {
			continue
		}
		m := merges[merged]
		m.KeptID = kept
		pc.Merge = &m
		pc.Halt(fmt.Sprintf("merged into %s", kept))
		p.metrics.DedupMerges.Inc()
	}
	return nil
}

// PriorityProcessor scores each alert and attaches its risk assessment.
type PriorityProcessor struct {
	prioritizer *priority.Prioritizer
}

func NewPriorityProcessor(p *priority.Prioritizer) *PriorityProcessor {
	return &PriorityProcessor{prioritizer: p}
}

func (p *PriorityProcessor) Name() string { return "priority" }
func (p *PriorityProcessor) Stage() Stage { return StagePrioritized }

func (p *PriorityProcessor) Process(_ context.Context, pc *Context) error {
	s := p.prioritizer.Score(pc.Alert)
	r := p.prioritizer.AssessRisk(pc.Alert)
	pc.Priority = &s
	pc.Risk = &r
	return nil
}

// ValidationProcessor attaches a validation verdict. With RejectInvalid set,
// invalid alerts are halted; otherwise they continue annotated.
type ValidationProcessor struct {
	validator     *validate.Validator
	metrics       *observability.Metrics
	RejectInvalid bool
}

func NewValidationProcessor(v *validate.Validator, metrics *observability.Metrics) *ValidationProcessor {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &ValidationProcessor{validator: v, metrics: metrics}
}

func (p *ValidationProcessor) Name() string { return "validation" }
func (p *ValidationProcessor) Stage() Stage { return StageValidated }

func (p *ValidationProcessor) Process(_ context.Context, pc *Context) error {
	res := p.validator.Validate(pc.Alert)
	pc.Validation = &res
	p.metrics.ValidationResults.WithLabelValues(string(res.Status)).Inc()
	if p.RejectInvalid && res.Status == validate.StatusInvalid {
		pc.Halt(fmt.Sprintf("validation failed: confidence %.2f", res.Score))
	}
	return nil
}

// ScriptMarker remembers which alerts already had their workflows run.
type ScriptMarker interface {
	IsScriptTriggered(id string) bool
	MarkScriptTriggered(id string)
}

// WorkflowProcessor runs applicable workflows once per alert id. A nil
// marker runs workflows on every pass.
type WorkflowProcessor struct {
	engine  *workflow.Engine
	marker  ScriptMarker
	metrics *observability.Metrics
}

func NewWorkflowProcessor(engine *workflow.Engine, marker ScriptMarker, metrics *observability.Metrics) *WorkflowProcessor {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &WorkflowProcessor{engine: engine, marker: marker, metrics: metrics}
}

func (p *WorkflowProcessor) Name() string { return "workflow" }
func (p *WorkflowProcessor) Stage() Stage { return StageWorkflowExecuted }

func (p *WorkflowProcessor) Process(ctx context.Context, pc *Context) error {
	if p.marker != nil && p.marker.IsScriptTriggered(pc.Alert.ID) {
		return nil
	}
	execs := p.engine.Execute(ctx, pc.Alert)
	if len(execs) == 0 {
		return nil
	}
	pc.Executions = execs
	for _, x := range execs {
		p.metrics.WorkflowExecutions.WithLabelValues(string(x.Status)).Inc()
	}
	if p.marker != nil {
		p.marker.MarkScriptTriggered(pc.Alert.ID)
	}
	return nil
}
