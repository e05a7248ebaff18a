package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-pipeline/internal/delivery"
	"github.com/couchcryptid/storm-alert-pipeline/internal/docstore"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
	"github.com/couchcryptid/storm-alert-pipeline/internal/state"
	"github.com/couchcryptid/storm-alert-pipeline/internal/subscriber"
	"github.com/couchcryptid/storm-alert-pipeline/internal/workflow"
)

var now = time.Date(2026, time.June, 11, 22, 15, 0, 0, time.UTC)

func tornado() domain.Alert {
	return domain.Alert{
		ID:          "urn:oid:tor-1",
		Event:       "Tornado Warning",
		Headline:    "Tornado Warning issued June 11 at 5:15PM CDT",
		Description: "A confirmed tornado was located near Moore.",
		Instruction: "Take cover now.",
		Severity:    domain.SeverityExtreme,
		Urgency:     domain.UrgencyImmediate,
		Certainty:   domain.CertaintyObserved,
		AreaDesc:    "Cleveland, OK",
		CountyCodes: []string{"OKC027"},
		Effective:   now,
		Expires:     now.Add(45 * time.Minute),
	}
}

type announcements map[string]bool

func (a announcements) IsAnnounced(id string) bool { return a[id] }
func (a announcements) MarkAnnounced(id string)    { a[id] = true }

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, delivery.Item) (delivery.Item, error) {
	return delivery.Item{}, errors.New("queue closed")
}

func setup(t *testing.T, recipients string) (*Notifier, *delivery.Queue, announcements) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })

	rs, err := ParseRecipients(recipients)
	require.NoError(t, err)
	q := delivery.NewQueue(&docstore.Memory{}, delivery.DefaultRetryPolicy(), nil)
	marks := announcements{}
	return NewNotifier(q, marks, rs, nil, nil), q, marks
}

func TestParseRecipients(t *testing.T) {
	rs, err := ParseRecipients(" log:operations, kafka:ops-room ,,")
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{Channel: "log", Address: "operations"}, {Channel: "kafka", Address: "ops-room"}}, rs)
	assert.Equal(t, "kafka:ops-room", rs[1].String())

	for _, bad := range []string{"log", ":ops", "log:"} {
		_, err := ParseRecipients(bad)
		assert.Error(t, err, bad)
	}

	rs, err = ParseRecipients("")
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestRenderNew(t *testing.T) {
	c, err := RenderNew(tornado())
	require.NoError(t, err)

	assert.Equal(t, "Weather Alert: Tornado Warning - Cleveland, OK", c.Subject)
	assert.Contains(t, c.Body, "Severity: Extreme")
	assert.Contains(t, c.Body, "Effective: 2026-06-11 22:15:00 UTC")
	assert.Contains(t, c.Body, "Instructions: Take cover now.")
}

func TestRenderNew_OmitsEmptySections(t *testing.T) {
	a := tornado()
	a.Instruction = ""
	a.Headline = ""
	a.Expires = time.Time{}

	c, err := RenderNew(a)
	require.NoError(t, err)
	assert.NotContains(t, c.Body, "Instructions:")
	assert.Contains(t, c.Body, "Expires: N/A")
}

func TestRenderTransitions(t *testing.T) {
	a := tornado()

	c, err := RenderCountyChange(state.CountyChange{Alert: a, Previous: []string{"OKC017"}})
	require.NoError(t, err)
	assert.Equal(t, "Weather Alert Updated: Tornado Warning - Cleveland, OK", c.Subject)
	assert.Contains(t, c.Body, "Counties: OKC027")
	assert.Contains(t, c.Body, "Previously: OKC017")

	c, err = RenderExpired(state.NewSnapshot(a, now))
	require.NoError(t, err)
	assert.Equal(t, "Weather Alert Ended: Tornado Warning - Cleveland, OK", c.Subject)

	c, err = RenderAllClear(now)
	require.NoError(t, err)
	assert.Equal(t, "All Clear - Weather Alerts Ended", c.Subject)
	assert.Equal(t, "All clear. No active weather alerts as of 2026-06-11 22:15:00 UTC.", c.Body)
}

func TestNotify_EnqueuesPerRecipient(t *testing.T) {
	n, q, marks := setup(t, "log:operations,kafka:ops-room")
	a := tornado()

	count, err := n.Notify(context.Background(), state.Diff{New: []domain.Alert{a}})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, marks[a.ID])

	items := q.History(delivery.Filter{AlertID: a.ID})
	require.Len(t, items, 2)
	channels := []string{items[0].Channel, items[1].Channel}
	assert.ElementsMatch(t, []string{"log", "kafka"}, channels)
	assert.Equal(t, "new", items[0].Metadata["kind"])
	assert.Equal(t, delivery.StatusPending, items[0].Status)
}

func TestNotify_AnnouncesOnce(t *testing.T) {
	n, q, _ := setup(t, "log:operations")
	d := state.Diff{New: []domain.Alert{tornado()}}

	_, err := n.Notify(context.Background(), d)
	require.NoError(t, err)
	count, err := n.Notify(context.Background(), d)
	require.NoError(t, err)

	assert.Zero(t, count)
	assert.Equal(t, 1, q.Stats().Total)
}

func TestNotify_AllTransitions(t *testing.T) {
	n, q, _ := setup(t, "log:operations")
	a := tornado()

	count, err := n.Notify(context.Background(), state.Diff{
		CountyChanged: []state.CountyChange{{Alert: a, Previous: []string{"OKC017"}}},
		Expired:       []state.Snapshot{state.NewSnapshot(a, now)},
		AllClear:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	kinds := map[string]int{}
	for _, it := range q.History(delivery.Filter{}) {
		kinds[it.Metadata["kind"]]++
	}
	assert.Equal(t, map[string]int{"county_changed": 1, "expired": 1, "all_clear": 1}, kinds)
}

func TestNotify_EnqueueFailureIsReported(t *testing.T) {
	rs, err := ParseRecipients("log:operations")
	require.NoError(t, err)
	n := NewNotifier(failingQueue{}, nil, rs, nil, nil)

	count, err := n.Notify(context.Background(), state.Diff{New: []domain.Alert{tornado()}})
	assert.Zero(t, count)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue closed")
}

func TestActionHandler_Escalation(t *testing.T) {
	n, q, _ := setup(t, "log:management")
	h := n.ActionHandler(KindEscalation)

	err := h.Run(context.Background(), tornado(), workflow.Action{
		ID:         "management_escalation",
		Type:       workflow.ActionEscalation,
		Parameters: map[string]any{"escalation_level": "director"},
	})
	require.NoError(t, err)

	items := q.History(delivery.Filter{})
	require.Len(t, items, 1)
	assert.Equal(t, "[Escalation: director] Weather Alert: Tornado Warning - Cleveland, OK", items[0].Subject)
	assert.Equal(t, "director", items[0].Metadata["escalation_level"])
	assert.Equal(t, "escalation", items[0].Metadata["kind"])
}

func TestActionHandler_NotificationCarriesParameters(t *testing.T) {
	n, q, _ := setup(t, "log:operations,sms:+15551234567")
	h := n.ActionHandler(KindWorkflow)

	err := h.Run(context.Background(), tornado(), workflow.Action{
		ID:         "sms_notification",
		Type:       workflow.ActionNotification,
		Parameters: map[string]any{"type": "sms", "priority": "high"},
	})
	require.NoError(t, err)

	items := q.History(delivery.Filter{})
	require.Len(t, items, 1)
	assert.Equal(t, "sms", items[0].Channel)
	assert.Equal(t, "+15551234567", items[0].Recipient)
	assert.Equal(t, map[string]string{
		"kind":              "workflow",
		"action_id":         "sms_notification",
		"notification_type": "sms",
		"priority":          "high",
	}, items[0].Metadata)
}

func TestActionHandler_NoMatchingChannelSendsNothing(t *testing.T) {
	n, q, _ := setup(t, "log:operations")

	err := n.ActionHandler(KindWorkflow).Run(context.Background(), tornado(), workflow.Action{
		ID:         "email_notification",
		Type:       workflow.ActionNotification,
		Parameters: map[string]any{"type": "email"},
	})
	require.NoError(t, err)
	assert.Zero(t, q.Stats().Total)
}

func TestActionHandler_ChannelParameterOverridesType(t *testing.T) {
	n, q, _ := setup(t, "log:operations,kafka:ops-room")

	err := n.ActionHandler(KindWorkflow).Run(context.Background(), tornado(), workflow.Action{
		ID:         "page",
		Type:       workflow.ActionNotification,
		Parameters: map[string]any{"type": "page", "channel": "kafka"},
	})
	require.NoError(t, err)

	items := q.History(delivery.Filter{})
	require.Len(t, items, 1)
	assert.Equal(t, "kafka", items[0].Channel)
	assert.Equal(t, "page", items[0].Metadata["notification_type"])
}

func TestSevereWorkflow_OneDeliveryPerRecipientAndKind(t *testing.T) {
	n, q, _ := setup(t, "log:operations,email:ops@example.org,sms:+15551234567")
	engine := workflow.NewEngine(rules.NewEvaluator(0), nil)
	engine.Handle(workflow.ActionNotification, n.ActionHandler(KindWorkflow))
	engine.Handle(workflow.ActionEscalation, n.ActionHandler(KindEscalation))
	require.NoError(t, engine.Register(workflow.SevereAlertWorkflow()))
	a := tornado()

	execs := engine.Execute(context.Background(), a)
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.StatusCompleted, execs[0].Status)
	_, err := n.Notify(context.Background(), state.Diff{New: []domain.Alert{a}})
	require.NoError(t, err)

	perTarget := map[string]int{}
	workflowTargets := map[string]int{}
	for _, it := range q.History(delivery.Filter{AlertID: a.ID}) {
		target := it.Channel + ":" + it.Recipient
		perTarget[target+" "+it.Metadata["kind"]]++
		if it.Metadata["kind"] == string(KindWorkflow) {
			workflowTargets[target]++
		}
	}
	for key, count := range perTarget {
		assert.Equal(t, 1, count, key)
	}
	assert.Equal(t, map[string]int{"email:ops@example.org": 1, "sms:+15551234567": 1}, workflowTargets)
	assert.Equal(t, 3, perTarget["log:operations new"]+perTarget["email:ops@example.org new"]+perTarget["sms:+15551234567 new"])
	assert.Equal(t, 1, perTarget["log:operations escalation"])
}

type subscriberDirectory struct {
	matched   []subscriber.Subscriber
	reachable []subscriber.Subscriber
	recorded  []string
}

func (d *subscriberDirectory) Match(domain.Alert) []subscriber.Subscriber { return d.matched }
func (d *subscriberDirectory) Reachable() []subscriber.Subscriber        { return d.reachable }
func (d *subscriberDirectory) RecordNotification(_ context.Context, ids ...string) error {
	d.recorded = append(d.recorded, ids...)
	return nil
}

func TestNotify_ResolvesSubscribersPerAlert(t *testing.T) {
	n, q, _ := setup(t, "log:operations")
	dir := &subscriberDirectory{
		matched: []subscriber.Subscriber{{
			ID:       "sub-1",
			Contacts: map[string]string{"email": "chief@example.org", "log": "operations"},
		}},
	}
	n.SetSubscribers(dir)

	count, err := n.Notify(context.Background(), state.Diff{New: []domain.Alert{tornado()}})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "log:operations is shared and sent once")

	var targets []string
	for _, it := range q.History(delivery.Filter{}) {
		targets = append(targets, it.Channel+":"+it.Recipient)
	}
	assert.ElementsMatch(t, []string{"log:operations", "email:chief@example.org"}, targets)
	assert.Equal(t, []string{"sub-1"}, dir.recorded)
}

func TestNotify_AllClearReachesReachableSubscribers(t *testing.T) {
	n, q, _ := setup(t, "")
	dir := &subscriberDirectory{
		reachable: []subscriber.Subscriber{{ID: "sub-2", Contacts: map[string]string{"sms": "+15550000000"}}},
	}
	n.SetSubscribers(dir)

	count, err := n.Notify(context.Background(), state.Diff{AllClear: true})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	items := q.History(delivery.Filter{})
	require.Len(t, items, 1)
	assert.Equal(t, "sms", items[0].Channel)
	assert.Equal(t, "all_clear", items[0].Metadata["kind"])
}

func TestNotify_WithSubscriberManager(t *testing.T) {
	n, q, _ := setup(t, "")
	subs := subscriber.NewManager(&docstore.Memory{}, rules.NewEvaluator(0), nil)
	_, err := subs.Add(context.Background(), subscriber.Subscriber{
		ID:          "tx-only",
		Contacts:    map[string]string{"email": "tx@example.org"},
		Preferences: subscriber.Preferences{States: []string{"TX"}},
	})
	require.NoError(t, err)
	_, err = subs.Add(context.Background(), subscriber.Subscriber{
		ID:          "ok-tornado",
		Contacts:    map[string]string{"email": "ok@example.org"},
		Preferences: subscriber.Preferences{Counties: []string{"OKC027"}, Events: []string{"tornado"}},
	})
	require.NoError(t, err)
	n.SetSubscribers(subs)

	_, err = n.Notify(context.Background(), state.Diff{New: []domain.Alert{tornado()}})
	require.NoError(t, err)

	items := q.History(delivery.Filter{})
	require.Len(t, items, 1)
	assert.Equal(t, "ok@example.org", items[0].Recipient)

	got, err := subs.Get("ok-tornado")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.Total)
}
