// Package registry reads agent configuration from the agents directory.
// Each agent is a directory named after its id containing persona documents
// and an agent.yaml. Guardrail thresholds are read fresh on every lookup so
// config edits take effect without a restart.
package registry

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/djinnbot/djinnbot/internal/common/config"
	"github.com/djinnbot/djinnbot/internal/layout"
)

// Guardrails are the wake limits for one agent. Zero-valued fields fall back
// to the deployment defaults.
type Guardrails struct {
	CooldownSeconds         int `yaml:"cooldown_seconds"`
	MaxWakesPerDay          int `yaml:"max_wakes_per_day"`
	MaxSessionMinutesPerDay int `yaml:"max_session_minutes_per_day"`
	MaxPairWakesPerDay      int `yaml:"max_pair_wakes_per_day"`
	MaxConcurrentPulses     int `yaml:"max_concurrent_pulse_sessions"`
	PulseSessionMinutes     int `yaml:"pulse_session_minutes"`
	WorkLockTTLSeconds      int `yaml:"work_lock_ttl_seconds"`
}

// PulseConfig controls the agent's periodic self-wake.
type PulseConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

// Agent is one logical agent identity as configured on disk.
type Agent struct {
	ID         string      `yaml:"-"`
	Name       string      `yaml:"name"`
	Model      string      `yaml:"model"`
	Pulse      PulseConfig `yaml:"pulse"`
	Guardrails Guardrails  `yaml:"guardrails"`
}

// PulseInterval returns the configured pulse interval, defaulting to an
// hour when unset.
func (a *Agent) PulseInterval() time.Duration {
	if a.Pulse.IntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(a.Pulse.IntervalMinutes) * time.Minute
}

// Registry resolves agents from the filesystem.
type Registry struct {
	layout   *layout.Layout
	defaults config.LifecycleConfig
}

func New(l *layout.Layout, defaults config.LifecycleConfig) *Registry {
	return &Registry{layout: l, defaults: defaults}
}

// Get reads an agent's configuration from disk. An agent directory without
// an agent.yaml still resolves, with every setting at its default.
func (r *Registry) Get(agentID string) (*Agent, error) {
	dir := r.layout.AgentDir(agentID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("unknown agent %s: %w", agentID, err)
	}

	a := &Agent{ID: agentID, Name: agentID}
	data, err := os.ReadFile(r.layout.ConfigFile(agentID))
	if err == nil {
		if err := yaml.Unmarshal(data, a); err != nil {
			return nil, fmt.Errorf("invalid agent.yaml for %s: %w", agentID, err)
		}
		a.ID = agentID
		if a.Name == "" {
			a.Name = agentID
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read agent config for %s: %w", agentID, err)
	}

	r.applyDefaults(&a.Guardrails)
	if a.Pulse.IntervalMinutes <= 0 {
		a.Pulse.IntervalMinutes = r.defaults.PulseIntervalMinutes
	}
	return a, nil
}

// List enumerates every configured agent id.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.layout.AgentDir(""))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agents dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// defaultPulseSessionMinutes bounds a pulse session when neither the agent
// nor the deployment sets a budget.
const defaultPulseSessionMinutes = 30

func (r *Registry) applyDefaults(g *Guardrails) {
	if g.CooldownSeconds <= 0 {
		g.CooldownSeconds = r.defaults.WakeCooldownSeconds
	}
	if g.MaxWakesPerDay <= 0 {
		g.MaxWakesPerDay = r.defaults.MaxWakesPerDay
	}
	if g.MaxSessionMinutesPerDay <= 0 {
		g.MaxSessionMinutesPerDay = r.defaults.MaxSessionMinutesPerDay
	}
	if g.MaxPairWakesPerDay <= 0 {
		g.MaxPairWakesPerDay = r.defaults.MaxWakesPerPairPerDay
	}
	if g.MaxConcurrentPulses <= 0 {
		g.MaxConcurrentPulses = r.defaults.MaxConcurrentPulseSessions
	}
	if g.PulseSessionMinutes <= 0 {
		g.PulseSessionMinutes = defaultPulseSessionMinutes
	}
	if g.WorkLockTTLSeconds <= 0 {
		g.WorkLockTTLSeconds = r.defaults.WorkLockTTLSeconds
	}
}
