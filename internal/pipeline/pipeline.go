package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-alert-pipeline/internal/dedup"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/filter"
	"github.com/couchcryptid/storm-alert-pipeline/internal/observability"
	"github.com/couchcryptid/storm-alert-pipeline/internal/priority"
	"github.com/couchcryptid/storm-alert-pipeline/internal/validate"
	"github.com/couchcryptid/storm-alert-pipeline/internal/workflow"
)

// Stage is one phase of alert processing. Stages run in declaration order.
type Stage int

const (
	StageFiltered Stage = iota
	StageDeduplicated
	StagePrioritized
	StageValidated
	StageWorkflowExecuted
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageFiltered, StageDeduplicated, StagePrioritized, StageValidated, StageWorkflowExecuted}

func (s Stage) String() string {
	switch s {
	case StageFiltered:
		return "filtered"
	case StageDeduplicated:
		return "deduplicated"
	case StagePrioritized:
		return "prioritized"
	case StageValidated:
		return "validated"
	case StageWorkflowExecuted:
		return "workflow_executed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Context carries one alert through the stages. Processors read and annotate
// it; a halted context skips the remaining stages and is dropped from the
// surviving batch.
type Context struct {
	Alert      domain.Alert         `json:"alert"`
	Completed  []Stage              `json:"completed_stages"`
	Halted     bool                 `json:"halted"`
	HaltReason string               `json:"halt_reason,omitempty"`
	Filter     *filter.Result       `json:"filter,omitempty"`
	Merge      *dedup.Merge         `json:"merge,omitempty"`
	Priority   *priority.Score      `json:"priority,omitempty"`
	Risk       *priority.Assessment `json:"risk,omitempty"`
	Validation *validate.Result     `json:"validation,omitempty"`
	Executions []workflow.Execution `json:"workflow_executions,omitempty"`
	Errors     []string             `json:"errors,omitempty"`
	StartedAt  time.Time            `json:"started_at"`

	mu sync.Mutex
}

// Halt stops further processing of the context.
func (c *Context) Halt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Halted {
		return
	}
	c.Halted = true
	c.HaltReason = reason
}

func (c *Context) halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Halted
}

func (c *Context) addError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errors = append(c.Errors, msg)
}

// Processor handles one alert at one stage.
type Processor interface {
	Name() string
	Stage() Stage
	Process(ctx context.Context, pc *Context) error
}

// BatchProcessor handles every live context of a batch at once. Batch stages
// split the per-alert fan-out: all alerts finish the earlier stages first.
type BatchProcessor interface {
	Name() string
	Stage() Stage
	ProcessBatch(ctx context.Context, batch []*Context) error
}

// Outcome summarizes how an alert left the pipeline.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeHalted  Outcome = "halted"
)

// Result is the per-alert processing record.
type Result struct {
	AlertID  string        `json:"alert_id"`
	Outcome  Outcome       `json:"outcome"`
	Context  *Context      `json:"context"`
	Duration time.Duration `json:"duration"`
}

// BatchStats describes one Process call.
type BatchStats struct {
	Total       int            `json:"total"`
	Successful  int            `json:"successful"`
	Failed      int            `json:"failed"`
	Halted      int            `json:"halted"`
	StageCounts map[string]int `json:"stage_counts"`
	Duration    time.Duration  `json:"duration"`
}

// BatchResult is the outcome of running a batch through the pipeline.
type BatchResult struct {
	Results []Result `json:"results"`
	// Surviving are the alerts that were not halted, highest priority first.
	Surviving []domain.Alert `json:"surviving"`
	Stats     BatchStats     `json:"stats"`
}

// Stats are cumulative over every batch since the last reset.
type Stats struct {
	TotalProcessed int            `json:"total_processed"`
	Successful     int            `json:"successful"`
	Failed         int            `json:"failed"`
	Halted         int            `json:"halted"`
	Batches        int            `json:"batches"`
	StageCounts    map[string]int `json:"stage_counts"`
	SuccessRate    float64        `json:"success_rate"`
	LastBatchAt    *time.Time     `json:"last_batch_at,omitempty"`
}

// Config bounds the orchestrator.
type Config struct {
	// Concurrency is the per-alert worker pool width.
	Concurrency int
	// AlertTimeout bounds each alert's run through a segment of stages.
	// Zero means no per-alert timeout.
	AlertTimeout time.Duration
}

// Orchestrator runs batches of alerts through the registered processors.
type Orchestrator struct {
	mu         sync.RWMutex
	processors map[Stage][]Processor
	batch      map[Stage][]BatchProcessor

	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	statsMu sync.Mutex
	stats   Stats
}

// New creates an orchestrator with no processors.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &Orchestrator{
		processors: make(map[Stage][]Processor),
		batch:      make(map[Stage][]BatchProcessor),
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		stats:      Stats{StageCounts: map[string]int{}},
	}
}

// Register appends a per-alert processor to its stage.
func (o *Orchestrator) Register(p Processor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processors[p.Stage()] = append(o.processors[p.Stage()], p)
}

// RegisterBatch appends a batch processor to its stage.
func (o *Orchestrator) RegisterBatch(p BatchProcessor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batch[p.Stage()] = append(o.batch[p.Stage()], p)
}

// segment is a run of consecutive stages handled the same way.
type segment struct {
	batch  bool
	stages []Stage
}

func (o *Orchestrator) plan() []segment {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []segment
	var perAlert []Stage
	flush := func() {
		if len(perAlert) > 0 {
			out = append(out, segment{stages: perAlert})
			perAlert = nil
		}
	}
	for _, s := range Stages {
		if len(o.batch[s]) > 0 {
			flush()
			out = append(out, segment{batch: true, stages: []Stage{s}})
		}
		if len(o.processors[s]) > 0 {
			perAlert = append(perAlert, s)
		}
	}
	flush()
	return out
}

// Process runs the batch through every stage. Processor errors and panics
// are recorded on the alert they happened to; they never stop the batch or
// other alerts. Process returns once every alert has settled.
func (o *Orchestrator) Process(ctx context.Context, alerts []domain.Alert) BatchResult {
	start := time.Now()
	now := domain.Now()
	contexts := make([]*Context, len(alerts))
	for i, a := range alerts {
		contexts[i] = &Context{Alert: a.Clone(), StartedAt: now}
	}
	o.metrics.BatchSize.Observe(float64(len(alerts)))

	for _, seg := range o.plan() {
		if seg.batch {
			o.runBatchStage(ctx, seg.stages[0], contexts)
			continue
		}
		o.fanOut(ctx, seg.stages, contexts)
	}

	res := o.collect(contexts, start)
	o.metrics.BatchProcessingDuration.Observe(res.Stats.Duration.Seconds())
	o.record(res.Stats)
	o.logger.Info("batch processed",
		"total", res.Stats.Total,
		"successful", res.Stats.Successful,
		"failed", res.Stats.Failed,
		"halted", res.Stats.Halted,
		"duration", res.Stats.Duration,
	)
	return res
}

func (o *Orchestrator) fanOut(ctx context.Context, stages []Stage, contexts []*Context) {
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, pc := range contexts {
		if pc.halted() {
			continue
		}
		g.Go(func() error {
			actx := ctx
			if o.cfg.AlertTimeout > 0 {
				var cancel context.CancelFunc
				actx, cancel = context.WithTimeout(ctx, o.cfg.AlertTimeout)
				defer cancel()
			}
			for _, s := range stages {
				if pc.halted() {
					return nil
				}
				o.runStage(actx, s, pc)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) runStage(ctx context.Context, s Stage, pc *Context) {
	o.mu.RLock()
	procs := slices.Clone(o.processors[s])
	o.mu.RUnlock()

	failed := false
	for _, p := range procs {
		if pc.halted() {
			break
		}
		if err := o.safeProcess(ctx, p, pc); err != nil {
			failed = true
			pc.addError(fmt.Sprintf("%s: %v", p.Name(), err))
			o.logger.Warn("processor failed", "processor", p.Name(), "stage", s.String(), "alert_id", pc.Alert.ID, "error", err)
		}
	}
	o.finishStage(s, pc, failed)
}

func (o *Orchestrator) runBatchStage(ctx context.Context, s Stage, contexts []*Context) {
	live := make([]*Context, 0, len(contexts))
	for _, pc := range contexts {
		if !pc.halted() {
			live = append(live, pc)
		}
	}
	if len(live) == 0 {
		return
	}

	o.mu.RLock()
	procs := slices.Clone(o.batch[s])
	o.mu.RUnlock()

	failed := false
	for _, p := range procs {
		if err := o.safeBatch(ctx, p, live); err != nil {
			failed = true
			msg := fmt.Sprintf("%s: %v", p.Name(), err)
			for _, pc := range live {
				pc.addError(msg)
			}
			o.logger.Warn("batch processor failed", "processor", p.Name(), "stage", s.String(), "error", err)
		}
	}
	for _, pc := range live {
		o.finishStage(s, pc, failed)
	}
}

func (o *Orchestrator) finishStage(s Stage, pc *Context, failed bool) {
	outcome := "passed"
	switch {
	case failed:
		outcome = "error"
	case pc.halted():
		outcome = "halted"
	}
	o.metrics.StageOutcomes.WithLabelValues(s.String(), outcome).Inc()
	if pc.halted() {
		return
	}
	pc.mu.Lock()
	pc.Completed = append(pc.Completed, s)
	pc.mu.Unlock()
}

func (o *Orchestrator) safeProcess(ctx context.Context, p Processor, pc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Process(ctx, pc)
}

func (o *Orchestrator) safeBatch(ctx context.Context, p BatchProcessor, batch []*Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.ProcessBatch(ctx, batch)
}

func (o *Orchestrator) collect(contexts []*Context, start time.Time) BatchResult {
	res := BatchResult{
		Results:   make([]Result, len(contexts)),
		Surviving: make([]domain.Alert, 0, len(contexts)),
		Stats:     BatchStats{Total: len(contexts), StageCounts: map[string]int{}},
	}
	var survivors []*Context
	for i, pc := range contexts {
		outcome := OutcomeSuccess
		switch {
		case pc.Halted:
			outcome = OutcomeHalted
			res.Stats.Halted++
		case len(pc.Errors) > 0:
			outcome = OutcomeFailed
			res.Stats.Failed++
		default:
			res.Stats.Successful++
		}
		if !pc.Halted {
			survivors = append(survivors, pc)
		}
		for _, s := range pc.Completed {
			res.Stats.StageCounts[s.String()]++
		}
		o.metrics.AlertsProcessed.WithLabelValues(string(outcome)).Inc()
		res.Results[i] = Result{
			AlertID:  pc.Alert.ID,
			Outcome:  outcome,
			Context:  pc,
			Duration: time.Since(start),
		}
	}

	slices.SortStableFunc(survivors, func(a, b *Context) int {
		return compareTotal(b.Priority, a.Priority)
	})
	for _, pc := range survivors {
		res.Surviving = append(res.Surviving, pc.Alert)
	}
	res.Stats.Duration = time.Since(start)
	return res
}

func compareTotal(a, b *priority.Score) int {
	var x, y float64
	if a != nil {
		x = a.Total
	}
	if b != nil {
		y = b.Total
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (o *Orchestrator) record(b BatchStats) {
	now := domain.Now()
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats.Batches++
	o.stats.TotalProcessed += b.Total
	o.stats.Successful += b.Successful
	o.stats.Failed += b.Failed
	o.stats.Halted += b.Halted
	for k, v := range b.StageCounts {
		o.stats.StageCounts[k] += v
	}
	if o.stats.TotalProcessed > 0 {
		o.stats.SuccessRate = float64(o.stats.Successful) / float64(o.stats.TotalProcessed)
	}
	o.stats.LastBatchAt = &now
}

// Stats returns a copy of the cumulative statistics.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	out := o.stats
	out.StageCounts = make(map[string]int, len(o.stats.StageCounts))
	for k, v := range o.stats.StageCounts {
		out.StageCounts[k] = v
	}
	return out
}

// ResetStats zeroes the cumulative statistics.
func (o *Orchestrator) ResetStats() {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats = Stats{StageCounts: map[string]int{}}
}
