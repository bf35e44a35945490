// Package config loads a node's JSON configuration: its identity, peer
// list, consensus genesis parameters, and the directories/addresses it
// exposes to operators.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// ConsensusConfig carries the genesis-derived parameters consensus needs
// at construction.
type ConsensusConfig struct {
	SlotDurationMs uint64            `json:"slot_duration_ms"`
	GenesisLeader  string            `json:"genesis_leader"`  // validator pubkey hex
	GenesisStakers map[string]uint64 `json:"genesis_stakers"` // validator pubkey hex -> stake
}

// Config holds every recognized node configuration key.
type Config struct {
	ID            string          `json:"id"`
	Host          string          `json:"host"`
	Peers         []string        `json:"peers,omitempty"`
	Consensus     ConsensusConfig `json:"consensus"`
	DataDirectory string          `json:"data_directory,omitempty"`
	RestAddr      string          `json:"rest.addr,omitempty"`
	DAAddress     string          `json:"da_address,omitempty"`
}

// Default returns a single-node development configuration.
func Default() *Config {
	return &Config{
		ID:            "node0",
		Host:          "127.0.0.1:26656",
		DataDirectory: "./data",
		RestAddr:      "127.0.0.1:8080",
		DAAddress:     "127.0.0.1:8081",
		Consensus: ConsensusConfig{
			SlotDurationMs: 2000,
			GenesisStakers: map[string]uint64{},
		},
	}
}

// Load reads a JSON config file from path, applying Default for any
// unspecified fields, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every required field is present and well-formed.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id must not be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.DataDirectory == "" {
		return fmt.Errorf("data_directory must not be empty")
	}
	if c.Consensus.SlotDurationMs == 0 {
		return fmt.Errorf("consensus.slot_duration_ms must be positive")
	}
	if len(c.Consensus.GenesisStakers) == 0 {
		return fmt.Errorf("consensus.genesis_stakers must not be empty")
	}
	for id, stake := range c.Consensus.GenesisStakers {
		b, err := hex.DecodeString(id)
		if err != nil || len(b) != 96 {
			return fmt.Errorf("consensus.genesis_stakers: key %q must be a 96-byte hex BLS public key", id)
		}
		if stake == 0 {
			return fmt.Errorf("consensus.genesis_stakers: validator %q must have positive stake", id)
		}
	}
	if c.Consensus.GenesisLeader != "" {
		if _, ok := c.Consensus.GenesisStakers[c.Consensus.GenesisLeader]; !ok {
			return fmt.Errorf("consensus.genesis_leader %q is not in consensus.genesis_stakers", c.Consensus.GenesisLeader)
		}
	}
	return nil
}

// Save writes cfg to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
