package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/couchcryptid/storm-alert-pipeline/internal/delivery"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/observability"
	"github.com/couchcryptid/storm-alert-pipeline/internal/state"
	"github.com/couchcryptid/storm-alert-pipeline/internal/subscriber"
	"github.com/couchcryptid/storm-alert-pipeline/internal/workflow"
)

// Recipient is one delivery target. Subscriber is set when the target came
// from the subscriber directory.
type Recipient struct {
	Channel    string `json:"channel"`
	Address    string `json:"address"`
	Subscriber string `json:"subscriber,omitempty"`
}

func (r Recipient) String() string { return r.Channel + ":" + r.Address }

// ParseRecipients parses a comma-separated "channel:address" list. Blank
// entries are skipped.
func ParseRecipients(v string) ([]Recipient, error) {
	var out []Recipient
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ch, addr, ok := strings.Cut(part, ":")
		ch, addr = strings.TrimSpace(ch), strings.TrimSpace(addr)
		if !ok || ch == "" || addr == "" {
			return nil, fmt.Errorf("invalid recipient %q: expected channel:address", part)
		}
		out = append(out, Recipient{Channel: ch, Address: addr})
	}
	return out, nil
}

// Enqueuer accepts delivery items.
type Enqueuer interface {
	Enqueue(ctx context.Context, it delivery.Item) (delivery.Item, error)
}

// Announcements tracks which alerts were already announced.
type Announcements interface {
	IsAnnounced(id string) bool
	MarkAnnounced(id string)
}

// Subscribers selects directory subscribers for a notification and counts
// what they were sent.
type Subscribers interface {
	Match(a domain.Alert) []subscriber.Subscriber
	Reachable() []subscriber.Subscriber
	RecordNotification(ctx context.Context, ids ...string) error
}

// Notifier enqueues one delivery per recipient for every lifecycle
// transition. Recipients are the configured static targets plus the
// subscribers matching the alert. New alerts are announced at most once per id.
type Notifier struct {
	queue       Enqueuer
	announced   Announcements
	recipients  []Recipient
	subscribers Subscribers
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewNotifier creates a notifier. A nil announcements tracker announces every
// New alert it is given.
func NewNotifier(queue Enqueuer, announced Announcements, recipients []Recipient, logger *slog.Logger, metrics *observability.Metrics) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &Notifier{
		queue:      queue,
		announced:  announced,
		recipients: recipients,
		logger:     logger,
		metrics:    metrics,
	}
}

// SetSubscribers adds a subscriber directory. Call it before notifying.
func (n *Notifier) SetSubscribers(s Subscribers) {
	n.subscribers = s
}

// Recipients returns the configured targets.
func (n *Notifier) Recipients() []Recipient {
	return append([]Recipient(nil), n.recipients...)
}

// RecipientsFor returns the static targets plus the matching subscribers'
// contacts, without duplicates. A nil alert selects every subscriber that is
// reachable now.
func (n *Notifier) RecipientsFor(a *domain.Alert) []Recipient {
	out := make([]Recipient, 0, len(n.recipients))
	seen := make(map[string]bool, len(n.recipients))
	add := func(r Recipient) {
		if !seen[r.String()] {
			seen[r.String()] = true
			out = append(out, r)
		}
	}
	for _, r := range n.recipients {
		add(r)
	}
	if n.subscribers == nil {
		return out
	}
	var subs []subscriber.Subscriber
	if a != nil {
		subs = n.subscribers.Match(*a)
	} else {
		subs = n.subscribers.Reachable()
	}
	for _, s := range subs {
		for _, c := range s.Channels() {
			add(Recipient{Channel: c.Channel, Address: c.Address, Subscriber: s.ID})
		}
	}
	return out
}

// Notify enqueues deliveries for a lifecycle diff and returns how many were
// enqueued. Rendering or enqueue failures are joined; the remaining
// notifications are still attempted.
func (n *Notifier) Notify(ctx context.Context, d state.Diff) (int, error) {
	var errs []error
	total := 0
	send := func(a *domain.Alert, kind Kind, c Content, err error) {
		alertID := ""
		if a != nil {
			alertID = a.ID
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, alertID, err))
			return
		}
		k, err := n.enqueue(ctx, alertID, kind, c, nil, n.RecipientsFor(a))
		total += k
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, a := range d.New {
		if n.announced != nil && n.announced.IsAnnounced(a.ID) {
			continue
		}
		c, err := RenderNew(a)
		send(&a, KindNew, c, err)
		if err == nil && n.announced != nil {
			n.announced.MarkAnnounced(a.ID)
		}
	}
	for _, cc := range d.CountyChanged {
		c, err := RenderCountyChange(cc)
		send(&cc.Alert, KindCountyChanged, c, err)
	}
	for _, s := range d.Expired {
		c, err := RenderExpired(s)
		a := s.Alert()
		send(&a, KindExpired, c, err)
	}
	if d.AllClear {
		c, err := RenderAllClear(domain.Now())
		send(nil, KindAllClear, c, err)
	}
	return total, errors.Join(errs...)
}

func (n *Notifier) enqueue(ctx context.Context, alertID string, kind Kind, c Content, extra map[string]string, recipients []Recipient) (int, error) {
	var errs []error
	count := 0
	var notified []string
	for _, r := range recipients {
		meta := map[string]string{"kind": string(kind)}
		for k, v := range extra {
			meta[k] = v
		}
		it, err := n.queue.Enqueue(ctx, delivery.Item{
			AlertID:   alertID,
			Channel:   r.Channel,
			Recipient: r.Address,
			Subject:   c.Subject,
			Body:      c.Body,
			Metadata:  meta,
		})
		if it.ID != "" {
			count++
			n.metrics.DeliveriesEnqueued.WithLabelValues(r.Channel).Inc()
			if r.Subscriber != "" && !slices.Contains(notified, r.Subscriber) {
				notified = append(notified, r.Subscriber)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s for %s: %w", kind, r, err))
		}
	}
	if count > 0 {
		n.logger.Info("notification enqueued", "alert_id", alertID, "kind", string(kind), "recipients", count)
	}
	if len(notified) > 0 && n.subscribers != nil {
		if err := n.subscribers.RecordNotification(ctx, notified...); err != nil {
			n.logger.Warn("record subscriber notification failed", "alert_id", alertID, "error", err)
		}
	}
	return count, errors.Join(errs...)
}

// ActionHandler returns a workflow handler that notifies the alert's
// recipients. The "channel" parameter, or failing that "type", restricts the
// action to recipients on that channel; an action with no matching recipient
// sends nothing. "type" and "priority" are carried as delivery metadata and
// escalations also carry "escalation_level".
func (n *Notifier) ActionHandler(kind Kind) workflow.ActionHandler {
	return workflow.ActionHandlerFunc(func(ctx context.Context, a domain.Alert, act workflow.Action) error {
		typ := workflow.StringParam(act.Parameters, "type", "")
		channel := workflow.StringParam(act.Parameters, "channel", typ)
		recipients := n.RecipientsFor(&a)
		if channel != "" {
			recipients = slices.DeleteFunc(recipients, func(r Recipient) bool { return r.Channel != channel })
		}
		if len(recipients) == 0 {
			n.logger.Debug("no recipients for workflow action", "alert_id", a.ID, "action_id", act.ID, "channel", channel)
			return nil
		}

		c, err := RenderNew(a)
		if err != nil {
			return err
		}
		meta := map[string]string{"action_id": act.ID}
		if typ != "" {
			meta["notification_type"] = typ
		}
		if v := workflow.StringParam(act.Parameters, "priority", ""); v != "" {
			meta["priority"] = v
		}
		if kind == KindEscalation {
			level := workflow.StringParam(act.Parameters, "escalation_level", "management")
			meta["escalation_level"] = level
			c.Subject = fmt.Sprintf("[Escalation: %s] %s", level, c.Subject)
		}
		_, err = n.enqueue(ctx, a.ID, kind, c, meta, recipients)
		return err
	})
}
