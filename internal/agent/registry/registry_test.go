package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/config"
	"github.com/djinnbot/djinnbot/internal/layout"
)

func testDefaults() config.LifecycleConfig {
	return config.LifecycleConfig{
		WakeCooldownSeconds:        300,
		MaxWakesPerDay:             12,
		MaxSessionMinutesPerDay:    120,
		MaxWakesPerPairPerDay:      5,
		MaxConcurrentPulseSessions: 2,
		PulseIntervalMinutes:       60,
		WorkLockTTLSeconds:         900,
	}
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	agentsDir := t.TempDir()
	l := layout.New(config.PathsConfig{AgentsDir: agentsDir})
	return New(l, testDefaults()), agentsDir
}

func TestGetAppliesDefaults(t *testing.T) {
	r, agentsDir := newTestRegistry(t)
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, "pixel"), 0o755))

	a, err := r.Get("pixel")
	require.NoError(t, err)
	assert.Equal(t, "pixel", a.ID)
	assert.Equal(t, "pixel", a.Name)
	assert.Equal(t, 300, a.Guardrails.CooldownSeconds)
	assert.Equal(t, 12, a.Guardrails.MaxWakesPerDay)
	assert.Equal(t, 900, a.Guardrails.WorkLockTTLSeconds)
	assert.Equal(t, time.Hour, a.PulseInterval())
	assert.False(t, a.Pulse.Enabled)
}

func TestGetReadsConfigOverrides(t *testing.T) {
	r, agentsDir := newTestRegistry(t)
	dir := filepath.Join(agentsDir, "pixel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	cfg := `
name: Pixel
model: big-model
pulse:
  enabled: true
  interval_minutes: 15
guardrails:
  max_wakes_per_day: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.yaml"), []byte(cfg), 0o644))

	a, err := r.Get("pixel")
	require.NoError(t, err)
	assert.Equal(t, "Pixel", a.Name)
	assert.Equal(t, "big-model", a.Model)
	assert.True(t, a.Pulse.Enabled)
	assert.Equal(t, 15*time.Minute, a.PulseInterval())
	assert.Equal(t, 3, a.Guardrails.MaxWakesPerDay)
	// Unset overrides fall back to deployment defaults.
	assert.Equal(t, 120, a.Guardrails.MaxSessionMinutesPerDay)
}

func TestGetUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get("ghost")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	r, agentsDir := newTestRegistry(t)
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, "pixel"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, "echo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "stray.txt"), nil, 0o644))

	ids, err := r.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "pixel"}, ids)
}
