package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-alert-pipeline/internal/config"
	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

var now = time.Date(2026, time.June, 10, 21, 0, 0, 0, time.UTC)

func TestBuildFilterChain_DefaultsRejectStaleAlerts(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })

	chain, err := buildFilterChain(&config.Config{FeedZones: []string{"OKC109"}}, rules.NewEvaluator(0), slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"feed_zones", "max_age"}, chain.Names())

	fresh := domain.Alert{ID: "fresh", CountyCodes: []string{"OKC109"}, Effective: now.Add(-time.Hour)}
	stale := fresh
	stale.ID = "stale"
	stale.Effective = now.Add(-72 * time.Hour)

	assert.True(t, chain.Apply(fresh).Passed)

	res := chain.Apply(stale)
	assert.False(t, res.Passed)
	assert.Equal(t, "max_age", res.Metadata["filter"])
	assert.Contains(t, res.Reason, "alert too old")
}

func TestBuildFilterChain_NoZonesStillBoundsAge(t *testing.T) {
	chain, err := buildFilterChain(&config.Config{}, rules.NewEvaluator(0), slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"max_age"}, chain.Names())
}

func TestBuildFilterChain_FileReplacesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
filters:
  - name: severe_only
    type: severity
    min_severity: Severe
`), 0o644))

	chain, err := buildFilterChain(&config.Config{FiltersFile: path}, rules.NewEvaluator(0), slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"severe_only"}, chain.Names())
}

func TestPipelineConfig(t *testing.T) {
	got := pipelineConfig(&config.Config{MaxConcurrentProcessing: 4, ProcessingTimeout: 90 * time.Second})

	assert.Equal(t, 4, got.Concurrency)
	assert.Equal(t, 90*time.Second, got.AlertTimeout)
}
