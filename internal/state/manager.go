package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/docstore"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// Manager holds the lifecycle document in memory and persists it on Save.
// Observe is expected to be called from a single poll loop; reads from other
// goroutines take a snapshot under the read lock.
type Manager struct {
	mu      sync.RWMutex
	doc     Lifecycle
	store   docstore.Store
	logger  *slog.Logger
	saveErr error
}

// NewManager returns a manager holding the default document. Call Load to
// read the persisted one.
func NewManager(store docstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{doc: Default(), store: store, logger: logger}
}

// Load reads the persisted document. A missing document leaves the default
// in place. A corrupt one is logged and replaced by the default; only read
// failures are returned.
func (m *Manager) Load(ctx context.Context) error {
	data, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	doc, err := Decode(data)
	if err != nil {
		m.logger.Error("state document unreadable, starting from defaults", "error", err)
	}
	if data == nil {
		m.logger.Info("no state document found, starting from defaults")
	}

	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	m.logger.Info("state loaded", "known_alerts", len(doc.LastAlerts), "active_alerts", len(doc.ActiveAlerts))
	return nil
}

// Observe diffs the batch against the stored snapshots and advances the
// document: new ids are inserted, expired ids are removed along with their
// markers, changed county sets are refreshed, and the active set becomes the
// batch. Duplicate ids in the batch keep the first occurrence.
func (m *Manager) Observe(batch []domain.Alert) Diff {
	now := domain.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var d Diff
	seen := make(map[string]bool, len(batch))
	current := make([]string, 0, len(batch))
	for _, a := range batch {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		current = append(current, a.ID)

		prev, known := m.doc.LastAlerts[a.ID]
		switch {
		case !known:
			d.New = append(d.New, a.Clone())
			m.doc.LastAlerts[a.ID] = NewSnapshot(a, now)
		case !domain.SameCounties(prev.CountyCodes, a.CountyCodes):
			d.CountyChanged = append(d.CountyChanged, CountyChange{Alert: a.Clone(), Previous: slices.Clone(prev.CountyCodes)})
			prev.CountyCodes = slices.Clone(a.CountyCodes)
			prev.AreaDesc = a.AreaDesc
			m.doc.LastAlerts[a.ID] = prev
		}
	}

	expiredIDs := make([]string, 0)
	for id := range m.doc.LastAlerts {
		if !seen[id] {
			expiredIDs = append(expiredIDs, id)
		}
	}
	sort.Strings(expiredIDs)
	for _, id := range expiredIDs {
		d.Expired = append(d.Expired, m.doc.LastAlerts[id])
		delete(m.doc.LastAlerts, id)
		m.doc.Announced = without(m.doc.Announced, id)
		m.doc.ScriptTriggered = without(m.doc.ScriptTriggered, id)
	}

	d.AllClear = len(current) == 0 && len(m.doc.ActiveAlerts) > 0
	m.doc.ActiveAlerts = current
	m.doc.LastPoll = &now
	if d.AllClear {
		m.doc.LastAllClear = &now
	}
	return d
}

// MarkAnnounced records that the alert's announcement has been sent.
func (m *Manager) MarkAnnounced(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.doc.Announced, id) {
		m.doc.Announced = append(m.doc.Announced, id)
	}
}

// IsAnnounced reports whether the alert has already been announced.
func (m *Manager) IsAnnounced(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.doc.Announced, id)
}

// MarkScriptTriggered records that workflows have run for the alert.
func (m *Manager) MarkScriptTriggered(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.doc.ScriptTriggered, id) {
		m.doc.ScriptTriggered = append(m.doc.ScriptTriggered, id)
	}
}

// IsScriptTriggered reports whether workflows have already run for the alert.
func (m *Manager) IsScriptTriggered(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.doc.ScriptTriggered, id)
}

// Cleanup removes snapshots added more than retention ago, whether or not the
// alert is still active, and returns how many were removed. Markers survive
// while the id is still in the active set so a swept alert is not announced
// twice.
func (m *Manager) Cleanup(retention time.Duration) int {
	cutoff := domain.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.doc.LastAlerts {
		if s.AddedAt.Before(cutoff) {
			delete(m.doc.LastAlerts, id)
			removed++
		}
	}
	keep := func(id string) bool {
		_, known := m.doc.LastAlerts[id]
		return known || slices.Contains(m.doc.ActiveAlerts, id)
	}
	m.doc.Announced = slices.DeleteFunc(m.doc.Announced, func(id string) bool { return !keep(id) })
	m.doc.ScriptTriggered = slices.DeleteFunc(m.doc.ScriptTriggered, func(id string) bool { return !keep(id) })
	if removed > 0 {
		m.logger.Info("old alert snapshots removed", "removed", removed)
	}
	return removed
}

// Save persists the current document. The outcome is remembered for
// CheckHealth.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.RLock()
	data, err := Encode(m.doc)
	m.mu.RUnlock()
	if err == nil {
		err = m.store.Save(ctx, data)
	}

	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the current document.
func (m *Manager) Snapshot() Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Clone()
}

// CheckHealth returns the error from the most recent failed Save.
func (m *Manager) CheckHealth(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.saveErr != nil {
		return errors.Join(errors.New("state persistence failing"), m.saveErr)
	}
	return nil
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(v string) bool { return v == id })
}
