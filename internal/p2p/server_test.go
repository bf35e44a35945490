package p2p

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// freeAddr asks the OS for an unused loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTwoServersHandshakeAndExchangeMempoolMessage(t *testing.T) {
	logger := zap.NewNop().Sugar()

	skA, pkA, err := crypto.GenerateKey()
	require.NoError(t, err)
	skB, pkB, err := crypto.GenerateKey()
	require.NoError(t, err)

	addrA := freeAddr(t)
	addrB := freeAddr(t)

	busA := bus.New()
	busB := bus.New()

	srvA := New(skA, addrA, nil, busA, logger, prometheus.NewRegistry())
	srvB := New(skB, addrB, []string{addrA}, busB, logger, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srvA.Run(ctx)
	go srvB.Run(ctx)

	require.Eventually(t, func() bool {
		srvA.mu.RLock()
		defer srvA.mu.RUnlock()
		_, ok := srvA.byPubKey[pkB.String()]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "server A should see server B connect")

	require.Eventually(t, func() bool {
		srvB.mu.RLock()
		defer srvB.mu.RUnlock()
		_, ok := srvB.byPubKey[pkA.String()]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "server B should see server A connect")

	// Inbound messages, once dispatched, are republished on the receiving
	// server's bus for Mempool to consume.
	inbound := bus.Subscribe[model.MempoolNetMessage](busA)

	bus.Publish(busB, model.OutboundMessage{
		TargetPubKey: pkA,
		Payload: &model.MempoolNetMessage{
			Kind:             model.MempoolNetDataVote,
			Validator:        pkB,
			DataProposalHash: crypto.SumSHA3([]byte("dp")),
		},
	})

	select {
	case msg := <-inbound:
		assert.Equal(t, model.MempoolNetDataVote, msg.Kind)
		assert.True(t, pkB.Equal(msg.Validator))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mempool message to arrive over the wire")
	}
}

func TestOutboundMessageToUnconnectedPeerIsDropped(t *testing.T) {
	logger := zap.NewNop().Sugar()
	sk, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, otherPk, err := crypto.GenerateKey()
	require.NoError(t, err)

	b := bus.New()
	srv := New(sk, freeAddr(t), nil, b, logger, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	// Should not panic or block; there is simply no connected peer to send to.
	srv.sendTo(model.OutboundMessage{TargetPubKey: otherPk, Payload: &model.MempoolNetMessage{}})
}
