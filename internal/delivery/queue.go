package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/storm-alert-pipeline/internal/docstore"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// document is the persisted layout.
type document struct {
	Queue       []Item    `json:"queue"`
	LastUpdated time.Time `json:"last_updated"`
}

// Queue is the in-memory delivery queue. Every mutation is persisted before
// it returns; a failed write is logged, remembered for CheckHealth, and does
// not roll back the in-memory change. The document is encoded under the lock
// and written after it is released, so readers never wait on storage.
type Queue struct {
	mu     sync.RWMutex
	items  []*Item
	index  map[string]*Item
	store  docstore.Store
	writer *docstore.Writer
	policy RetryPolicy
	logger *slog.Logger

	// jitter returns a uniform sample in [0, 1).
	jitter func() float64
}

// NewQueue creates an empty queue. Call Load to restore persisted items.
func NewQueue(store docstore.Store, policy RetryPolicy, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		index:  make(map[string]*Item),
		store:  store,
		writer: docstore.NewWriter(store),
		policy: policy.withDefaults(),
		logger: logger,
		jitter: rand.Float64,
	}
}

// Policy returns the effective retry policy.
func (q *Queue) Policy() RetryPolicy { return q.policy }

// Load restores persisted items. Items left in Sending by an interrupted run
// go back to Pending. A corrupt document is logged and the queue starts
// empty; only read failures are returned.
func (q *Queue) Load(ctx context.Context) error {
	data, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load delivery queue: %w", err)
	}
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			q.logger.Error("delivery queue document unreadable, starting empty", "error", err)
			doc = document{}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	q.index = make(map[string]*Item, len(doc.Queue))
	requeued := 0
	for i := range doc.Queue {
		it := doc.Queue[i]
		if it.Status == StatusSending {
			it.Status = StatusPending
			requeued++
		}
		q.items = append(q.items, &it)
		q.index[it.ID] = &it
	}
	q.logger.Info("delivery queue loaded", "items", len(q.items), "requeued", requeued)
	return nil
}

// Enqueue assigns an id and appends a pending item. A zero ScheduledAt means
// now; a zero MaxRetries takes the policy budget.
func (q *Queue) Enqueue(ctx context.Context, it Item) (Item, error) {
	now := domain.Now()
	it = it.Clone()
	it.ID = uuid.NewString()
	it.Status = StatusPending
	it.CreatedAt = now
	if it.ScheduledAt.IsZero() {
		it.ScheduledAt = now
	}
	if it.MaxRetries <= 0 {
		it.MaxRetries = q.policy.MaxRetries
	}
	it.RetryCount = 0
	it.NextRetryAt = nil
	it.Attempts = []Attempt{}

	q.mu.Lock()
	q.items = append(q.items, &it)
	q.index[it.ID] = &it
	out := it.Clone()
	v := q.stampLocked()
	q.mu.Unlock()

	q.logger.Debug("delivery enqueued", "delivery_id", out.ID, "alert_id", out.AlertID, "channel", out.Channel)
	return out, q.write(ctx, v)
}

// Get returns a copy of the item.
func (q *Queue) Get(id string) (Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	it, ok := q.index[id]
	if !ok {
		return Item{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return it.Clone(), nil
}

// Due returns copies of the pending and retrying items scheduled at or
// before now, oldest schedule first. It does not change their status.
func (q *Queue) Due() []Item {
	now := domain.Now()
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []Item
	for _, it := range q.items {
		if isDue(it, now) {
			out = append(out, it.Clone())
		}
	}
	return out
}

// Claim marks up to limit due items as Sending and returns them. A
// non-positive limit claims all due items.
func (q *Queue) Claim(ctx context.Context, limit int) []Item {
	now := domain.Now()
	q.mu.Lock()
	var out []Item
	for _, it := range q.items {
		if limit > 0 && len(out) >= limit {
			break
		}
		if isDue(it, now) {
			it.Status = StatusSending
			out = append(out, it.Clone())
		}
	}
	if len(out) == 0 {
		q.mu.Unlock()
		return nil
	}
	v := q.stampLocked()
	q.mu.Unlock()

	_ = q.write(ctx, v)
	return out
}

func isDue(it *Item, now time.Time) bool {
	return (it.Status == StatusPending || it.Status == StatusRetrying) && !it.ScheduledAt.After(now)
}

// RecordSuccess appends a successful attempt. The item becomes Delivered when
// the channel confirmed delivery, Sent otherwise.
func (q *Queue) RecordSuccess(ctx context.Context, id string, r Receipt, took time.Duration) (Item, error) {
	now := domain.Now()
	q.mu.Lock()
	it, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if it.Status == StatusCancelled {
		out := it.Clone()
		q.mu.Unlock()
		return out, fmt.Errorf("%s is cancelled: %w", id, ErrInvalidState)
	}

	status := StatusSent
	if r.Delivered {
		status = StatusDelivered
	}
	it.Attempts = append(it.Attempts, Attempt{
		ID:         uuid.NewString(),
		Timestamp:  now,
		Status:     status,
		Response:   r.Response,
		DurationMS: durationMS(took),
	})
	it.Status = status
	it.SentAt = &now
	if r.Delivered {
		it.DeliveredAt = &now
	}
	it.NextRetryAt = nil
	out := it.Clone()
	v := q.stampLocked()
	q.mu.Unlock()

	return out, q.write(ctx, v)
}

// RecordFailure appends a failed attempt and either schedules the next retry
// or, once the attempt budget is spent, marks the item Failed.
func (q *Queue) RecordFailure(ctx context.Context, id string, sendErr error, took time.Duration) (Item, error) {
	now := domain.Now()
	q.mu.Lock()
	it, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if it.Status == StatusCancelled {
		out := it.Clone()
		q.mu.Unlock()
		return out, fmt.Errorf("%s is cancelled: %w", id, ErrInvalidState)
	}

	msg := "unknown error"
	if sendErr != nil {
		msg = sendErr.Error()
	}
	it.Attempts = append(it.Attempts, Attempt{
		ID:         uuid.NewString(),
		Timestamp:  now,
		Status:     StatusFailed,
		Error:      msg,
		DurationMS: durationMS(took),
	})
	it.RetryCount++

	if it.RetryCount < it.MaxRetries {
		next := now.Add(q.policy.Delay(it.RetryCount, q.jitter()))
		it.Status = StatusRetrying
		it.NextRetryAt = &next
		it.ScheduledAt = next
		q.logger.Info("delivery retry scheduled",
			"delivery_id", it.ID, "retry", it.RetryCount, "next_retry_at", next, "error", msg)
	} else {
		it.Status = StatusFailed
		it.NextRetryAt = nil
		q.logger.Warn("delivery failed permanently",
			"delivery_id", it.ID, "attempts", it.RetryCount, "error", msg)
	}
	out := it.Clone()
	v := q.stampLocked()
	q.mu.Unlock()

	return out, q.write(ctx, v)
}

// Cancel stops a pending, retrying or failed item from being sent.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	it, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	switch it.Status {
	case StatusPending, StatusRetrying, StatusFailed:
	default:
		status := it.Status
		q.mu.Unlock()
		return fmt.Errorf("cancel %s in status %s: %w", id, status, ErrInvalidState)
	}
	it.Status = StatusCancelled
	it.NextRetryAt = nil
	v := q.stampLocked()
	q.mu.Unlock()

	q.logger.Info("delivery cancelled", "delivery_id", id)
	return q.write(ctx, v)
}

// Remove deletes an item regardless of status.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	if _, ok := q.index[id]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(q.index, id)
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	v := q.stampLocked()
	q.mu.Unlock()

	return q.write(ctx, v)
}

// Cleanup purges Sent and Delivered items sent more than retention ago and
// returns how many were removed.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) int {
	cutoff := domain.Now().Add(-retention)
	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		done := it.Status == StatusSent || it.Status == StatusDelivered
		if done && it.SentAt != nil && it.SentAt.Before(cutoff) {
			delete(q.index, it.ID)
			removed++
			continue
		}
		kept = append(kept, it)
	}
	clear(q.items[len(kept):])
	q.items = kept
	if removed == 0 {
		q.mu.Unlock()
		return 0
	}
	v := q.stampLocked()
	q.mu.Unlock()

	q.logger.Info("completed deliveries cleaned up", "removed", removed)
	_ = q.write(ctx, v)
	return removed
}

// RetryFailed gives every Failed item a fresh attempt budget and schedules it
// now. It returns how many were requeued.
func (q *Queue) RetryFailed(ctx context.Context) int {
	now := domain.Now()
	q.mu.Lock()
	n := 0
	for _, it := range q.items {
		if it.Status != StatusFailed {
			continue
		}
		it.Status = StatusRetrying
		it.RetryCount = 0
		it.ScheduledAt = now
		it.NextRetryAt = &now
		n++
	}
	if n == 0 {
		q.mu.Unlock()
		return 0
	}
	v := q.stampLocked()
	q.mu.Unlock()

	q.logger.Info("failed deliveries requeued", "count", n)
	_ = q.write(ctx, v)
	return n
}

// Stats counts items by status.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s := Stats{Total: len(q.items)}
	for _, it := range q.items {
		switch it.Status {
		case StatusPending:
			s.Pending++
		case StatusSending:
			s.Sending++
		case StatusSent:
			s.Sent++
		case StatusDelivered:
			s.Delivered++
		case StatusFailed:
			s.Failed++
		case StatusRetrying:
			s.Retrying++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// History returns copies of matching items, newest first.
func (q *Queue) History(f Filter) []Item {
	q.mu.RLock()
	out := make([]Item, 0)
	for _, it := range q.items {
		if f.match(it) {
			out = append(out, it.Clone())
		}
	}
	q.mu.RUnlock()
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Save persists the queue.
func (q *Queue) Save(ctx context.Context) error {
	q.mu.Lock()
	v := q.stampLocked()
	q.mu.Unlock()
	return q.write(ctx, v)
}

// CheckHealth returns the error from the most recent failed write.
func (q *Queue) CheckHealth(_ context.Context) error {
	if err := q.writer.Err(); err != nil {
		return errors.Join(errors.New("delivery queue persistence failing"), err)
	}
	return nil
}

// stampLocked encodes the queue. The caller holds q.mu for writing.
func (q *Queue) stampLocked() docstore.Version {
	doc := document{Queue: make([]Item, len(q.items)), LastUpdated: domain.Now()}
	for i, it := range q.items {
		doc.Queue[i] = it.Clone()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		// Items hold only strings, times and maps of strings.
		panic(fmt.Sprintf("encode delivery queue: %v", err))
	}
	return q.writer.Stamp(data)
}

func (q *Queue) write(ctx context.Context, v docstore.Version) error {
	if err := q.writer.Write(ctx, v); err != nil {
		q.logger.Error("persist delivery queue failed", "error", err)
		return fmt.Errorf("persist delivery queue: %w", err)
	}
	return nil
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
