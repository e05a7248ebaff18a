// Package delivery queues outbound notifications and drives each one through
// its own retry state machine: pending, sending, then sent or retrying, and
// finally failed once the attempt budget is spent.
package delivery

import (
	"errors"
	"maps"
	"math"
	"slices"
	"time"
)

// Status is the state of a delivery item or of one attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusSending, StatusSent, StatusDelivered,
	StatusFailed, StatusRetrying, StatusCancelled,
}

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrNotFound       = errors.New("delivery not found")
	ErrUnknownChannel = errors.New("unknown delivery channel")
	ErrInvalidState   = errors.New("delivery is not in a state that allows this")
)

// Attempt is an immutable record of one send.
type Attempt struct {
	ID         string         `json:"attempt_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     Status         `json:"status"`
	Error      string         `json:"error_message,omitempty"`
	Response   map[string]any `json:"response_data,omitempty"`
	DurationMS float64        `json:"duration_ms"`
}

// Item is one notification bound for one recipient on one channel.
type Item struct {
	ID        string            `json:"delivery_id"`
	AlertID   string            `json:"alert_id"`
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the total attempt budget.
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	Attempts []Attempt `json:"attempts"`
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	out := it
	out.Metadata = maps.Clone(it.Metadata)
	out.Attempts = make([]Attempt, len(it.Attempts))
	for i, a := range it.Attempts {
		a.Response = maps.Clone(a.Response)
		out.Attempts[i] = a
	}
	out.SentAt = clonePtr(it.SentAt)
	out.DeliveredAt = clonePtr(it.DeliveredAt)
	out.NextRetryAt = clonePtr(it.NextRetryAt)
	return out
}

// Message converts the item to what a channel sends.
func (it Item) Message() Message {
	return Message{
		DeliveryID: it.ID,
		AlertID:    it.AlertID,
		Recipient:  it.Recipient,
		Subject:    it.Subject,
		Body:       it.Body,
		Metadata:   maps.Clone(it.Metadata),
	}
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RetryPolicy computes the delay before each retry.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fraction of the delay added or subtracted at random.
	Jitter float64
}

// DefaultRetryPolicy returns 3 attempts, 5s initial delay doubling to at most
// 5 minutes, with 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// BaseDelay is min(MaxDelay, InitialDelay·Multiplier^(n-1)) for the n-th
// retry, before jitter. n <= 0 yields zero.
func (p RetryPolicy) BaseDelay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay applies jitter to BaseDelay. r is a uniform sample in [0, 1).
func (p RetryPolicy) Delay(n int, r float64) time.Duration {
	base := p.BaseDelay(n)
	if base == 0 || p.Jitter == 0 {
		return base
	}
	d := float64(base) * (1 + p.Jitter*(2*r-1))
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Stats counts queue items by status.
type Stats struct {
	Total     int `json:"total_items"`
	Pending   int `json:"pending"`
	Sending   int `json:"sending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Cancelled int `json:"cancelled"`
}

// ByStatus returns the per-status counts keyed by status.
func (s Stats) ByStatus() map[Status]int {
	return map[Status]int{
		StatusPending:   s.Pending,
		StatusSending:   s.Sending,
		StatusSent:      s.Sent,
		StatusDelivered: s.Delivered,
		StatusFailed:    s.Failed,
		StatusRetrying:  s.Retrying,
		StatusCancelled: s.Cancelled,
	}
}

// Filter narrows History. Zero fields match everything.
type Filter struct {
	AlertID string
	Channel string
	Status  Status
	Limit   int
}

func (f Filter) match(it *Item) bool {
	return (f.AlertID == "" || it.AlertID == f.AlertID) &&
		(f.Channel == "" || it.Channel == f.Channel) &&
		(f.Status == "" || it.Status == f.Status)
}

func sortNewestFirst(items []Item) {
	slices.SortStableFunc(items, func(a, b Item) int { return b.CreatedAt.Compare(a.CreatedAt) })
}
