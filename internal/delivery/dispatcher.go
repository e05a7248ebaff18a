package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/observability"
)

// DispatcherConfig bounds the delivery loop.
type DispatcherConfig struct {
	Interval    time.Duration
	Concurrency int
	SendTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Dispatcher drains due items from the queue through their channels. It is
// the only writer of in-flight status.
type Dispatcher struct {
	queue    *Queue
	cfg      DispatcherConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	mu       sync.RWMutex
	channels map[string]Channel
	ticks    atomic.Int64
}

// NewDispatcher creates a dispatcher with no channels registered.
func NewDispatcher(queue *Queue, cfg DispatcherConfig, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &Dispatcher{
		queue:    queue,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		channels: make(map[string]Channel),
	}
}

// Register adds or replaces the channel for a name.
func (d *Dispatcher) Register(name string, ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[name] = ch
}

// Channels returns the registered channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasChannel reports whether name is registered.
func (d *Dispatcher) HasChannel(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[name]
	return ok
}

// Run dispatches on every interval until ctx is cancelled. Sends already in
// flight when ctx ends are allowed to finish within the send timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("delivery loop started", "interval", d.cfg.Interval, "concurrency", d.cfg.Concurrency)
	ticker := domain.Clock().NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.RunOnce(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("delivery loop stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}

// RunOnce claims every due item and sends them with bounded concurrency. It
// returns after all sends settle; one failure never cancels the others.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	d.ticks.Add(1)
	if ctx.Err() != nil {
		return 0
	}
	items := d.queue.Claim(ctx, 0)

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			d.send(ctx, it)
			return nil
		})
	}
	_ = g.Wait()

	d.refreshDepth()
	if len(items) > 0 {
		if err := d.queue.CheckHealth(ctx); err != nil {
			d.metrics.PersistenceErrors.WithLabelValues("queue").Inc()
		}
	}
	return len(items)
}

// Ticks returns how many dispatch rounds have run.
func (d *Dispatcher) Ticks() int64 { return d.ticks.Load() }

func (d *Dispatcher) send(ctx context.Context, it Item) {
	d.mu.RLock()
	ch, ok := d.channels[it.Channel]
	d.mu.RUnlock()

	start := time.Now()
	var receipt Receipt
	var err error
	if ok {
		receipt, err = d.invoke(ctx, ch, it)
	} else {
		err = fmt.Errorf("%w: %q", ErrUnknownChannel, it.Channel)
	}
	took := time.Since(start)
	d.metrics.DeliverySendDuration.WithLabelValues(it.Channel).Observe(took.Seconds())

	// The outcome is recorded even when shutdown cancelled ctx mid-send.
	recordCtx := context.WithoutCancel(ctx)
	var updated Item
	var recErr error
	if err != nil {
		d.logger.Warn("delivery attempt failed", "delivery_id", it.ID, "channel", it.Channel, "error", err)
		updated, recErr = d.queue.RecordFailure(recordCtx, it.ID, err, took)
	} else {
		updated, recErr = d.queue.RecordSuccess(recordCtx, it.ID, receipt, took)
	}
	if recErr != nil && !errors.Is(recErr, ErrInvalidState) {
		d.logger.Warn("record delivery outcome failed", "delivery_id", it.ID, "error", recErr)
	}
	if updated.Status != "" {
		d.metrics.DeliveryAttempts.WithLabelValues(it.Channel, string(updated.Status)).Inc()
	}
}

// invoke calls the channel with the per-send timeout. In-flight sends are
// detached from ctx cancellation so shutdown lets them finish.
func (d *Dispatcher) invoke(ctx context.Context, ch Channel, it Item) (r Receipt, err error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel panicked: %v", p)
		}
	}()
	return ch.Send(sendCtx, it.Message())
}

func (d *Dispatcher) refreshDepth() {
	for status, n := range d.queue.Stats().ByStatus() {
		d.metrics.DeliveryQueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
