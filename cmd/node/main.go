// Command node runs a single Autobahn validator: it loads the node's JSON
// configuration, wires the bus, crypto identity, mempool, consensus engine,
// node-state, and p2p transport together, and blocks until signaled.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/config"
	"github.com/autobahn-chain/node/internal/consensus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/mempool"
	"github.com/autobahn-chain/node/internal/node"
	"github.com/autobahn-chain/node/internal/nodestate"
	"github.com/autobahn-chain/node/internal/p2p"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "node",
		Short: "Autobahn validator node",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the node's JSON configuration file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run this validator until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath)
		},
	}
	root.AddCommand(run)
	return root
}

func runNode(configPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("node: building logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("node: loading config: %w", err)
	}

	selfKey, err := loadOrCreateIdentity(cfg.DataDirectory)
	if err != nil {
		return fmt.Errorf("node: loading identity: %w", err)
	}

	validators, stakes, err := parseGenesisStakers(cfg.Consensus.GenesisStakers)
	if err != nil {
		return fmt.Errorf("node: parsing genesis stakers: %w", err)
	}

	reg := prometheus.NewRegistry()
	mempoolQueryBus := bus.New()
	eventsBus := bus.New()
	netBus := bus.New()
	stateBus := bus.New()

	mp := mempool.New(selfKey, stakes, validators, sugar, reg)
	var genesisLeader *crypto.PublicKey
	if cfg.Consensus.GenesisLeader != "" {
		b, err := hex.DecodeString(cfg.Consensus.GenesisLeader)
		if err != nil {
			return fmt.Errorf("node: decoding genesis leader pubkey: %w", err)
		}
		if genesisLeader, err = crypto.PublicKeyFromBytes(b); err != nil {
			return fmt.Errorf("node: parsing genesis leader pubkey: %w", err)
		}
	}

	eng := consensus.New(selfKey, stakes, validators, consensus.Config{
		SlotDuration:  time.Duration(cfg.Consensus.SlotDurationMs) * time.Millisecond,
		GenesisLeader: genesisLeader,
	}, mempoolQueryBus, eventsBus, sugar, reg)
	st := nodestate.New(nodestate.NewRegistry(), 0, stateBus, sugar, reg)
	srv := p2p.New(selfKey, cfg.Host, cfg.Peers, netBus, sugar, reg)
	nd := node.New(selfKey.Public(), validators, mp, eng, st, netBus, eventsBus, sugar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		sugar.Info("received shutdown signal")
		cancel()
	}()

	go mp.Serve(ctx, mempoolQueryBus)
	go nd.Run(ctx)

	sugar.Infow("starting node", "id", cfg.ID, "host", cfg.Host, "pubkey", selfKey.Public().String())
	return srv.Run(ctx)
}

// parseGenesisStakers turns the config's hex-pubkey staking map into the
// validator/stake inputs every component's constructor expects. The
// validators come back in map iteration order, not sorted.
func parseGenesisStakers(stakers map[string]uint64) ([]*crypto.PublicKey, map[string]uint64, error) {
	validators := make([]*crypto.PublicKey, 0, len(stakers))
	for hexKey := range stakers {
		b, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, nil, fmt.Errorf("node: decoding validator pubkey %q: %w", hexKey, err)
		}
		pk, err := crypto.PublicKeyFromBytes(b)
		if err != nil {
			return nil, nil, fmt.Errorf("node: parsing validator pubkey %q: %w", hexKey, err)
		}
		validators = append(validators, pk)
	}
	return validators, stakers, nil
}

// loadOrCreateIdentity reads this node's BLS secret key from
// <dataDir>/node.key, generating and persisting a fresh one on first run.
func loadOrCreateIdentity(dataDir string) (*crypto.SecretKey, error) {
	path := filepath.Join(dataDir, "node.key")
	data, err := os.ReadFile(path)
	if err == nil {
		b, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("node: decoding identity key at %s: %w", path, err)
		}
		return crypto.SecretKeyFromBytes(b)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("node: reading identity key at %s: %w", path, err)
	}

	sk, _, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("node: generating identity key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("node: creating data directory %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(sk.Bytes())), 0o600); err != nil {
		return nil, fmt.Errorf("node: persisting identity key at %s: %w", path, err)
	}
	return sk, nil
}
