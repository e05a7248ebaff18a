package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/storm-alert-pipeline/internal/docstore"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

type document struct {
	Subscribers []Subscriber `json:"subscribers"`
	LastUpdated time.Time    `json:"last_updated"`
}

type entry struct {
	sub  Subscriber
	gate gate
}

// Stats summarizes the directory.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Manager is the subscriber directory. It is loaded once and every change is
// persisted before the call returns; a failed write is logged and reported by
// CheckHealth without rolling back the in-memory change.
type Manager struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	store     docstore.Store
	writer    *docstore.Writer
	evaluator *rules.Evaluator
	logger    *slog.Logger
}

// NewManager creates an empty directory. Call Load to restore the persisted one.
func NewManager(store docstore.Store, evaluator *rules.Evaluator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = rules.NewEvaluator(0)
	}
	return &Manager{
		entries:   make(map[string]*entry),
		store:     store,
		writer:    docstore.NewWriter(store),
		evaluator: evaluator,
		logger:    logger,
	}
}

// Load reads the persisted directory. Unreadable documents and subscribers
// with invalid preferences are logged and skipped; only read failures are
// returned.
func (m *Manager) Load(ctx context.Context) error {
	data, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			m.logger.Error("subscriber document unreadable, starting empty", "error", err)
			doc = document{}
		}
	}

	entries := make(map[string]*entry, len(doc.Subscribers))
	for _, s := range doc.Subscribers {
		s.normalize()
		g, err := compile(s, m.evaluator)
		if err != nil {
			m.logger.Warn("skipping subscriber", "subscriber_id", s.ID, "error", err)
			continue
		}
		entries[s.ID] = &entry{sub: s, gate: g}
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	m.logger.Info("subscribers loaded", "subscribers", len(entries))
	return nil
}

// Add stores a new subscriber. An empty id is assigned one.
func (m *Manager) Add(ctx context.Context, s Subscriber) (Subscriber, error) {
	s = s.Clone()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.normalize()
	g, err := compile(s, m.evaluator)
	if err != nil {
		return Subscriber{}, err
	}
	now := domain.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	s.Usage = Usage{HourStart: now, DayStart: now}

	m.mu.Lock()
	if _, ok := m.entries[s.ID]; ok {
		m.mu.Unlock()
		return Subscriber{}, fmt.Errorf("%s: %w", s.ID, ErrExists)
	}
	m.entries[s.ID] = &entry{sub: s, gate: g}
	v := m.stampLocked()
	m.mu.Unlock()

	m.logger.Info("subscriber added", "subscriber_id", s.ID)
	return s.Clone(), m.write(ctx, v)
}

// Update replaces a subscriber's name, status, contacts and preferences.
// Usage counters and the creation time are kept.
func (m *Manager) Update(ctx context.Context, s Subscriber) (Subscriber, error) {
	s = s.Clone()
	s.normalize()
	g, err := compile(s, m.evaluator)
	if err != nil {
		return Subscriber{}, err
	}

	m.mu.Lock()
	e, ok := m.entries[s.ID]
	if !ok {
		m.mu.Unlock()
		return Subscriber{}, fmt.Errorf("%s: %w", s.ID, ErrNotFound)
	}
	s.CreatedAt = e.sub.CreatedAt
	s.Usage = e.sub.Usage
	s.UpdatedAt = domain.Now()
	m.entries[s.ID] = &entry{sub: s, gate: g}
	v := m.stampLocked()
	m.mu.Unlock()

	m.logger.Info("subscriber updated", "subscriber_id", s.ID, "status", string(s.Status))
	return s.Clone(), m.write(ctx, v)
}

// Remove deletes a subscriber.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.entries[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(m.entries, id)
	v := m.stampLocked()
	m.mu.Unlock()

	m.logger.Info("subscriber removed", "subscriber_id", id)
	return m.write(ctx, v)
}

// Get returns a copy of the subscriber.
func (m *Manager) Get(id string) (Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Subscriber{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.sub.Clone(), nil
}

// FindByContact returns the subscriber using address on channel. Addresses
// compare case-insensitively.
func (m *Manager) FindByContact(channel, address string) (Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sorted() {
		if strings.EqualFold(e.sub.Contacts[channel], address) {
			return e.sub.Clone(), nil
		}
	}
	return Subscriber{}, fmt.Errorf("%s:%s: %w", channel, address, ErrNotFound)
}

// List returns every subscriber ordered by id.
func (m *Manager) List() []Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscriber, 0, len(m.entries))
	for _, e := range m.sorted() {
		out = append(out, e.sub.Clone())
	}
	return out
}

// Stats counts subscribers by status.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Total: len(m.entries), ByStatus: make(map[Status]int, len(statuses))}
	for _, s := range statuses {
		st.ByStatus[s] = 0
	}
	for _, e := range m.entries {
		st.ByStatus[e.sub.Status]++
	}
	return st
}

// Match returns the subscribers an alert should reach: active, outside quiet
// hours, under their rate limits and passing their preference gates.
func (m *Manager) Match(a domain.Alert) []Subscriber {
	now := domain.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscriber
	for _, e := range m.sorted() {
		if !m.reachable(e, now) {
			continue
		}
		if res := e.gate.chain.Apply(a); !res.Passed {
			m.logger.Debug("subscriber not matched", "subscriber_id", e.sub.ID, "alert_id", a.ID, "reason", res.Reason)
			continue
		}
		out = append(out, e.sub.Clone())
	}
	return out
}

// Reachable returns the subscribers that may be notified now regardless of
// alert content, for notices such as the all-clear.
func (m *Manager) Reachable() []Subscriber {
	now := domain.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscriber
	for _, e := range m.sorted() {
		if m.reachable(e, now) {
			out = append(out, e.sub.Clone())
		}
	}
	return out
}

func (m *Manager) reachable(e *entry, now time.Time) bool {
	return e.sub.Status == StatusActive && !e.gate.quiet.contains(now) && e.sub.underLimits(now)
}

// RecordNotification counts one notification against each subscriber's
// hour and day windows. Unknown ids are ignored.
func (m *Manager) RecordNotification(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	now := domain.Now()
	m.mu.Lock()
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		u := &e.sub.Usage
		u.roll(now)
		u.HourCount++
		u.DayCount++
		u.Total++
		u.LastNotified = &now
	}
	v := m.stampLocked()
	m.mu.Unlock()
	return m.write(ctx, v)
}

// CheckHealth returns the error from the most recent failed write.
func (m *Manager) CheckHealth(_ context.Context) error {
	if err := m.writer.Err(); err != nil {
		return errors.Join(errors.New("subscriber persistence failing"), err)
	}
	return nil
}

// sorted returns entries ordered by id. The caller holds m.mu.
func (m *Manager) sorted() []*entry {
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int { return strings.Compare(a.sub.ID, b.sub.ID) })
	return out
}

// stampLocked encodes the directory. The caller holds m.mu for writing.
func (m *Manager) stampLocked() docstore.Version {
	doc := document{LastUpdated: domain.Now()}
	for _, e := range m.sorted() {
		doc.Subscribers = append(doc.Subscribers, e.sub.Clone())
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("encode subscribers: %v", err))
	}
	return m.writer.Stamp(data)
}

func (m *Manager) write(ctx context.Context, v docstore.Version) error {
	if err := m.writer.Write(ctx, v); err != nil {
		m.logger.Error("persist subscribers failed", "error", err)
		return fmt.Errorf("persist subscribers: %w", err)
	}
	return nil
}
