// Package layout resolves the on-disk locations of agent personas, vaults,
// and sandboxes. All filesystem path construction for agent data goes through
// a Layout so cross-mount prefix translation stays in one place.
package layout

import (
	"path/filepath"
	"strings"

	"github.com/djinnbot/djinnbot/internal/common/config"
)

// Layout maps agent identifiers to filesystem locations.
//
// A Layout can carry a mount translation: when this process sees the data
// volume under a different prefix than the one stored in configuration (for
// example a host path recorded by a container), TranslateMount rewrites the
// leading prefix. Callers never do prefix surgery themselves.
type Layout struct {
	agentsDir    string
	vaultsDir    string
	sandboxesDir string
	dataPath     string

	// mountFrom/mountTo rewrite path prefixes for processes that see the
	// shared volume mounted elsewhere. Empty means no translation.
	mountFrom string
	mountTo   string
}

// New builds a Layout from the configured path roots.
func New(cfg config.PathsConfig) *Layout {
	return &Layout{
		agentsDir:    cfg.AgentsDir,
		vaultsDir:    cfg.VaultsDir,
		sandboxesDir: cfg.SandboxesDir,
		dataPath:     cfg.DataPath,
	}
}

// WithMountTranslation returns a copy of the Layout that rewrites the given
// path prefix on every resolved path.
func (l *Layout) WithMountTranslation(from, to string) *Layout {
	clone := *l
	clone.mountFrom = from
	clone.mountTo = to
	return &clone
}

// AgentDir returns the directory holding an agent's persona and config.
func (l *Layout) AgentDir(agentID string) string {
	return l.translate(filepath.Join(l.agentsDir, agentID))
}

// PersonaFile returns the path of a persona document such as IDENTITY.md,
// SOUL.md, AGENTS.md, or DECISION.md.
func (l *Layout) PersonaFile(agentID, name string) string {
	return l.translate(filepath.Join(l.agentsDir, agentID, name))
}

// ConfigFile returns the agent's configuration file path.
func (l *Layout) ConfigFile(agentID string) string {
	return l.translate(filepath.Join(l.agentsDir, agentID, "agent.yaml"))
}

// VaultRoot returns the root of an agent's markdown vault.
func (l *Layout) VaultRoot(agentID string) string {
	return l.translate(filepath.Join(l.vaultsDir, agentID))
}

// SandboxRoot returns the root of an agent's scratch workspace.
func (l *Layout) SandboxRoot(agentID string) string {
	return l.translate(filepath.Join(l.sandboxesDir, agentID))
}

// CookieFile returns the path of a browser cookie file inside the agent's
// private data area.
func (l *Layout) CookieFile(agentID, filename string) string {
	return l.translate(filepath.Join(l.dataPath, "cookies", agentID, filename))
}

func (l *Layout) translate(path string) string {
	if l.mountFrom == "" {
		return path
	}
	if path == l.mountFrom {
		return l.mountTo
	}
	prefix := l.mountFrom
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if strings.HasPrefix(path, prefix) {
		return filepath.Join(l.mountTo, strings.TrimPrefix(path, prefix))
	}
	return path
}
