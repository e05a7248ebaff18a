package state

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-pipeline/internal/docstore"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

var now = time.Date(2026, time.June, 2, 18, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(now)
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })
	return NewManager(&docstore.Memory{}, nil), clock
}

func alert(id string, counties ...string) domain.Alert {
	return domain.Alert{
		ID:          id,
		Event:       "Severe Thunderstorm Warning",
		Severity:    domain.SeveritySevere,
		Urgency:     domain.UrgencyImmediate,
		Certainty:   domain.CertaintyObserved,
		AreaDesc:    "Harris, TX",
		CountyCodes: counties,
		Effective:   now.Add(-time.Minute),
		Expires:     now.Add(time.Hour),
	}
}

func ids(alerts []domain.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}

func snapshotIDs(snaps []Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ID
	}
	return out
}

func TestObserve_ExpiredAfterDisappearing(t *testing.T) {
	m, _ := setup(t)

	first := m.Observe([]domain.Alert{alert("A", "TXC201"), alert("B", "TXC201")})
	assert.Equal(t, []string{"A", "B"}, ids(first.New))
	assert.Empty(t, first.Expired)

	second := m.Observe([]domain.Alert{alert("B", "TXC201")})

	assert.Empty(t, second.New)
	assert.Equal(t, []string{"A"}, snapshotIDs(second.Expired))
	assert.False(t, second.AllClear)
	assert.Equal(t, []string{"B"}, m.Snapshot().ActiveAlerts)
}

func TestObserve_AllClearFiresOnce(t *testing.T) {
	m, _ := setup(t)
	m.Observe([]domain.Alert{alert("X", "TXC201")})

	d := m.Observe(nil)
	assert.True(t, d.AllClear)
	assert.Equal(t, []string{"X"}, snapshotIDs(d.Expired))
	require.NotNil(t, m.Snapshot().LastAllClear)

	again := m.Observe(nil)
	assert.False(t, again.AllClear)
	assert.True(t, again.Empty())
}

func TestObserve_EmptyStartIsNotAllClear(t *testing.T) {
	m, _ := setup(t)
	assert.False(t, m.Observe(nil).AllClear)
}

func TestObserve_CountyChangeRefreshesSnapshot(t *testing.T) {
	m, clock := setup(t)
	m.Observe([]domain.Alert{alert("A", "TXC201")})
	addedAt := m.Snapshot().LastAlerts["A"].AddedAt
	clock.Advance(5 * time.Minute)

	d := m.Observe([]domain.Alert{alert("A", "TXC201", "TXC157")})

	require.Len(t, d.CountyChanged, 1)
	assert.Equal(t, []string{"TXC201"}, d.CountyChanged[0].Previous)
	assert.Equal(t, []string{"TXC201", "TXC157"}, d.CountyChanged[0].Alert.CountyCodes)
	snap := m.Snapshot().LastAlerts["A"]
	assert.Equal(t, []string{"TXC201", "TXC157"}, snap.CountyCodes)
	assert.Equal(t, addedAt, snap.AddedAt)

	unchanged := m.Observe([]domain.Alert{alert("A", "TXC157", "TXC201")})
	assert.Empty(t, unchanged.CountyChanged, "order of county codes does not matter")
}

func TestObserve_MarkersClearedOnExpiry(t *testing.T) {
	m, _ := setup(t)
	m.Observe([]domain.Alert{alert("A")})
	m.MarkAnnounced("A")
	m.MarkAnnounced("A")
	m.MarkScriptTriggered("A")
	assert.True(t, m.IsAnnounced("A"))
	assert.True(t, m.IsScriptTriggered("A"))
	assert.Equal(t, []string{"A"}, m.Snapshot().Announced)

	m.Observe(nil)
	assert.False(t, m.IsAnnounced("A"))
	assert.False(t, m.IsScriptTriggered("A"))

	back := m.Observe([]domain.Alert{alert("A")})
	assert.Equal(t, []string{"A"}, ids(back.New), "re-entering id is a fresh New")
}

func TestObserve_DuplicateIDsInBatch(t *testing.T) {
	m, _ := setup(t)

	d := m.Observe([]domain.Alert{alert("A", "TXC201"), alert("A", "TXC999")})

	assert.Equal(t, []string{"A"}, ids(d.New))
	assert.Equal(t, []string{"TXC201"}, m.Snapshot().LastAlerts["A"].CountyCodes)
	assert.Equal(t, []string{"A"}, m.Snapshot().ActiveAlerts)
}

func TestObserve_DiffPartition(t *testing.T) {
	m, _ := setup(t)
	rng := rand.New(rand.NewPCG(7, 11))
	universe := []string{"a", "b", "c", "d", "e", "f", "g"}

	for range 200 {
		before := m.Snapshot()
		var batch []domain.Alert
		for _, id := range universe {
			if rng.IntN(2) == 0 {
				batch = append(batch, alert(id, "TXC201"))
			}
		}
		inBatch := ids(batch)

		d := m.Observe(batch)

		for _, a := range d.New {
			_, known := before.LastAlerts[a.ID]
			assert.False(t, known, "new id %s was already stored", a.ID)
		}
		for _, s := range d.Expired {
			_, known := before.LastAlerts[s.ID]
			assert.True(t, known, "expired id %s was not stored", s.ID)
			assert.NotContains(t, inBatch, s.ID)
			assert.NotContains(t, ids(d.New), s.ID)
		}
		assert.Equal(t, len(inBatch) == 0 && len(before.ActiveAlerts) > 0, d.AllClear)
	}
}

func TestCleanup_RemovesOldSnapshots(t *testing.T) {
	m, clock := setup(t)
	m.Observe([]domain.Alert{alert("old")})
	m.MarkAnnounced("old")
	clock.Advance(20 * time.Hour)
	m.Observe([]domain.Alert{alert("old"), alert("young")})
	m.MarkAnnounced("young")
	clock.Advance(5 * time.Hour)

	removed := m.Cleanup(24 * time.Hour)

	assert.Equal(t, 1, removed)
	snap := m.Snapshot()
	assert.NotContains(t, snap.LastAlerts, "old")
	assert.Contains(t, snap.LastAlerts, "young")
	assert.True(t, m.IsAnnounced("old"), "still active, marker kept")

	// Once it leaves the feed the marker goes too.
	m.Observe([]domain.Alert{alert("young")})
	m.Cleanup(24 * time.Hour)
	assert.False(t, m.IsAnnounced("old"))
	assert.True(t, m.IsAnnounced("young"))
}

func TestSaveLoad_RoundTripsThroughFile(t *testing.T) {
	_, _ = setup(t)
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(docstore.NewFile(path), nil)
	require.NoError(t, m.Load(context.Background()))
	m.Observe([]domain.Alert{alert("A", "TXC201")})
	m.MarkAnnounced("A")
	require.NoError(t, m.Save(context.Background()))

	reloaded := NewManager(docstore.NewFile(path), nil)
	require.NoError(t, reloaded.Load(context.Background()))

	snap := reloaded.Snapshot()
	assert.Equal(t, Version, snap.Version)
	assert.Equal(t, []string{"A"}, snap.ActiveAlerts)
	assert.Equal(t, []string{"A"}, snap.Announced)
	assert.Equal(t, domain.SeveritySevere, snap.LastAlerts["A"].Severity)
	require.NotNil(t, snap.LastPoll)
	assert.True(t, now.Equal(*snap.LastPoll))
	assert.Nil(t, snap.LastAllClear)
}

func TestLoad_Documents(t *testing.T) {
	_, _ = setup(t)
	tests := []struct {
		name    string
		data    string
		active  []string
		alerts  []string
		version string
	}{
		{name: "missing", data: "", active: []string{}, version: Version},
		{name: "corrupt", data: "{not json", active: []string{}, version: Version},
		{name: "missing keys", data: `{"active_alerts":["Q"]}`, active: []string{"Q"}, version: Version},
		{
			name:    "legacy pair list",
			data:    `{"version":"2.1.0","last_alerts":[["K",{"id":"K","event":"Flood Watch","severity":"Moderate","urgency":"Future","certainty":"Possible","area_desc":"Polk","county_codes":["IAC153"],"added_at":"2026-06-02T12:00:00Z"}]]}`,
			active:  []string{},
			alerts:  []string{"K"},
			version: "2.1.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &docstore.Memory{}
			store.Set([]byte(tt.data))
			m := NewManager(store, nil)

			require.NoError(t, m.Load(context.Background()))

			snap := m.Snapshot()
			assert.Equal(t, tt.version, snap.Version)
			assert.Equal(t, tt.active, snap.ActiveAlerts)
			assert.NotNil(t, snap.Announced)
			var got []string
			for id := range snap.LastAlerts {
				got = append(got, id)
			}
			slices.Sort(got)
			assert.Equal(t, tt.alerts, got)
		})
	}
}

func TestDecode_CorruptIsErrCorrupt(t *testing.T) {
	doc, err := Decode([]byte(`{"last_alerts": 12}`))
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, Default(), doc)
}

func TestLoad_ReadErrorIsReturned(t *testing.T) {
	store := &docstore.Memory{}
	store.Fail(errors.New("permission denied"))
	m := NewManager(store, nil)

	err := m.Load(context.Background())

	assert.ErrorContains(t, err, "permission denied")
}

func TestSave_FailureSurfacesInHealth(t *testing.T) {
	m, _ := setup(t)
	store := &docstore.Memory{}
	m.store = store
	require.NoError(t, m.CheckHealth(context.Background()))

	store.Fail(errors.New("disk full"))
	require.Error(t, m.Save(context.Background()))
	assert.ErrorContains(t, m.CheckHealth(context.Background()), "disk full")

	store.Set(nil)
	require.NoError(t, m.Save(context.Background()))
	assert.NoError(t, m.CheckHealth(context.Background()))
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	m, _ := setup(t)
	m.Observe([]domain.Alert{alert("A", "TXC201")})

	snap := m.Snapshot()
	s := snap.LastAlerts["A"]
	s.CountyCodes[0] = "XXX000"
	snap.ActiveAlerts[0] = "Z"

	again := m.Snapshot()
	assert.Equal(t, []string{"TXC201"}, again.LastAlerts["A"].CountyCodes)
	assert.Equal(t, []string{"A"}, again.ActiveAlerts)
}

func TestSnapshot_AlertRoundTrip(t *testing.T) {
	a := alert("A", "TXC201")
	s := NewSnapshot(a, now)

	got := s.Alert()

	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.CountyCodes, got.CountyCodes)
	assert.Equal(t, a.Severity, got.Severity)
	assert.Equal(t, now, s.AddedAt)
}
