package layout

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/djinnbot/djinnbot/internal/common/config"
)

func testLayout() *Layout {
	return New(config.PathsConfig{
		DataPath:     "/data",
		AgentsDir:    "/data/agents",
		VaultsDir:    "/data/vaults",
		SandboxesDir: "/data/sandboxes",
	})
}

func TestLayoutResolvesAgentPaths(t *testing.T) {
	l := testLayout()

	assert.Equal(t, filepath.Join("/data/agents", "pixel", "IDENTITY.md"), l.PersonaFile("pixel", "IDENTITY.md"))
	assert.Equal(t, filepath.Join("/data/agents", "pixel", "agent.yaml"), l.ConfigFile("pixel"))
	assert.Equal(t, filepath.Join("/data/vaults", "pixel"), l.VaultRoot("pixel"))
	assert.Equal(t, filepath.Join("/data/sandboxes", "pixel"), l.SandboxRoot("pixel"))
	assert.Equal(t, filepath.Join("/data/cookies", "pixel", "github.json"), l.CookieFile("pixel", "github.json"))
}

func TestLayoutMountTranslation(t *testing.T) {
	l := testLayout().WithMountTranslation("/data", "/mnt/shared")

	assert.Equal(t, filepath.Join("/mnt/shared/agents", "pixel", "SOUL.md"), l.PersonaFile("pixel", "SOUL.md"))
	assert.Equal(t, filepath.Join("/mnt/shared/vaults", "pixel"), l.VaultRoot("pixel"))
}

func TestLayoutMountTranslationLeavesForeignPathsAlone(t *testing.T) {
	l := testLayout().WithMountTranslation("/elsewhere", "/mnt/shared")

	assert.Equal(t, filepath.Join("/data/agents", "pixel"), l.AgentDir("pixel"))
}
