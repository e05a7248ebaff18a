// Package poll drives the poll loop: fetch the feed, run the pipeline, diff
// against lifecycle state, enqueue notifications, and persist.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/observability"
	"github.com/couchcryptid/storm-alert-pipeline/internal/pipeline"
	"github.com/couchcryptid/storm-alert-pipeline/internal/state"
)

// Feed returns the currently active alerts.
type Feed interface {
	Fetch(ctx context.Context) ([]domain.Alert, error)
}

// Processor runs a batch through the alert pipeline.
type Processor interface {
	Process(ctx context.Context, alerts []domain.Alert) pipeline.BatchResult
}

// Lifecycle is the state store the poll loop is the only writer of.
type Lifecycle interface {
	Observe(batch []domain.Alert) state.Diff
	Cleanup(retention time.Duration) int
	Save(ctx context.Context) error
	Snapshot() state.Lifecycle
	CheckHealth(ctx context.Context) error
}

// Notifier turns a lifecycle diff into deliveries.
type Notifier interface {
	Notify(ctx context.Context, d state.Diff) (int, error)
}

// HealthChecker reports a degraded dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Sweep is a periodic cleanup run after every successful tick. It returns
// how many records it removed.
type Sweep func(ctx context.Context) int

// Config controls the poll loop.
type Config struct {
	Interval       time.Duration
	FeedTimeout    time.Duration
	StateRetention time.Duration
}

// TickResult summarizes one poll.
type TickResult struct {
	Fetched   int
	Surviving int
	Diff      state.Diff
	Enqueued  int
	Swept     int
}

// Coordinator owns the poll loop.
type Coordinator struct {
	feed     Feed
	pipeline Processor
	state    Lifecycle
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	sweeps   map[string]Sweep
	health   []HealthChecker
	ready    atomic.Bool
}

// New creates a Coordinator. Zero durations fall back to a 60s interval, a
// 30s feed timeout, and a 24h retention.
func New(feed Feed, p Processor, st Lifecycle, n Notifier, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 30 * time.Second
	}
	if cfg.StateRetention <= 0 {
		cfg.StateRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &Coordinator{
		feed:     feed,
		pipeline: p,
		state:    st,
		notifier: n,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sweeps:   make(map[string]Sweep),
	}
}

// AddSweep registers a cleanup to run after every successful tick. It must
// be called before Run.
func (c *Coordinator) AddSweep(name string, s Sweep) { c.sweeps[name] = s }

// AddHealth registers a dependency checked by CheckReadiness. It must be
// called before Run.
func (c *Coordinator) AddHealth(h HealthChecker) { c.health = append(c.health, h) }

// CheckReadiness returns nil once a poll has completed and every persistence
// layer is healthy.
func (c *Coordinator) CheckReadiness(ctx context.Context) error {
	if !c.ready.Load() {
		return errors.New("no poll has completed yet")
	}
	errs := []error{c.state.CheckHealth(ctx)}
	for _, h := range c.health {
		errs = append(errs, h.CheckHealth(ctx))
	}
	return errors.Join(errs...)
}

// Run polls on every interval until ctx is cancelled, then persists state a
// final time. A failed fetch is retried with a doubling backoff capped at the
// interval.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("poll loop started", "interval", c.cfg.Interval)
	c.metrics.PipelineRunning.Set(1)
	defer c.metrics.PipelineRunning.Set(0)

	backoff := minBackoff
	for {
		wait := c.cfg.Interval
		if _, err := c.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			wait = min(backoff, c.cfg.Interval)
			backoff = retry.NextBackoff(backoff, c.cfg.Interval)
		} else {
			backoff = minBackoff
		}
		if !sleepWithContext(ctx, wait) {
			break
		}
	}

	c.logger.Info("poll loop stopping", "reason", ctx.Err())
	if err := c.state.Save(context.WithoutCancel(ctx)); err != nil {
		c.metrics.PersistenceErrors.WithLabelValues("state").Inc()
		return fmt.Errorf("final state save: %w", err)
	}
	return nil
}

// Tick performs one poll. A feed error skips the tick and leaves state
// untouched.
func (c *Coordinator) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	defer func() { c.metrics.PollDuration.Observe(time.Since(start).Seconds()) }()

	alerts, err := c.fetch(ctx)
	if err != nil {
		c.metrics.PollsTotal.WithLabelValues("error").Inc()
		c.logger.Error("feed fetch failed", "error", err)
		return TickResult{}, fmt.Errorf("fetch: %w", err)
	}
	c.metrics.AlertsFetched.Add(float64(len(alerts)))

	batch := c.pipeline.Process(ctx, alerts)
	diff := c.state.Observe(batch.Surviving)
	c.recordDiff(diff)

	res := TickResult{Fetched: len(alerts), Surviving: len(batch.Surviving), Diff: diff}
	if !diff.Empty() {
		n, err := c.notifier.Notify(ctx, diff)
		res.Enqueued = n
		if err != nil {
			c.logger.Warn("notify failed", "error", err)
		}
	}

	res.Swept = c.state.Cleanup(c.cfg.StateRetention)
	for name, s := range c.sweeps {
		if n := s(ctx); n > 0 {
			c.logger.Debug("sweep removed records", "sweep", name, "removed", n)
			res.Swept += n
		}
	}

	if err := c.state.Save(ctx); err != nil {
		c.metrics.PersistenceErrors.WithLabelValues("state").Inc()
		c.logger.Error("state save failed", "error", err)
	}

	c.metrics.AlertsActive.Set(float64(len(c.state.Snapshot().ActiveAlerts)))
	c.metrics.PollsTotal.WithLabelValues("success").Inc()
	c.ready.Store(true)
	c.logger.Info("poll complete",
		"fetched", res.Fetched,
		"surviving", res.Surviving,
		"new", len(diff.New),
		"expired", len(diff.Expired),
		"county_changed", len(diff.CountyChanged),
		"all_clear", diff.AllClear,
		"enqueued", res.Enqueued,
	)
	return res, nil
}

func (c *Coordinator) fetch(ctx context.Context) ([]domain.Alert, error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FeedTimeout)
	defer cancel()
	return c.feed.Fetch(fctx)
}

func (c *Coordinator) recordDiff(d state.Diff) {
	c.metrics.LifecycleTransitions.WithLabelValues("new").Add(float64(len(d.New)))
	c.metrics.LifecycleTransitions.WithLabelValues("expired").Add(float64(len(d.Expired)))
	c.metrics.LifecycleTransitions.WithLabelValues("county_changed").Add(float64(len(d.CountyChanged)))
	if d.AllClear {
		c.metrics.LifecycleTransitions.WithLabelValues("all_clear").Inc()
	}
}

const minBackoff = time.Second

// sleepWithContext waits on the domain clock so tests can advance it;
// retry.SleepWithContext uses a real timer.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := domain.Clock().NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
