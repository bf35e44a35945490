package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(&Config{
		ID:   "node1",
		Host: "127.0.0.1:26656",
		Consensus: ConsensusConfig{
			SlotDurationMs: 1500,
			GenesisStakers: map[string]uint64{
				strings.Repeat("ab", 96): 100,
			},
		},
	}, path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node1", cfg.ID)
	assert.Equal(t, "./data", cfg.DataDirectory, "unset fields fall back to Default")
}

func TestValidateRejectsEmptyStakers(t *testing.T) {
	cfg := Default()
	cfg.ID = "node1"
	cfg.Consensus.GenesisStakers = map[string]uint64{}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsLeaderNotInStakers(t *testing.T) {
	cfg := Default()
	cfg.ID = "node1"
	key := strings.Repeat("cd", 96)
	cfg.Consensus.GenesisStakers = map[string]uint64{key: 50}
	cfg.Consensus.GenesisLeader = "not-in-the-set"
	assert.Error(t, cfg.Validate())
}
