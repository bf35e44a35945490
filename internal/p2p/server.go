package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// Sentinel errors.
var (
	ErrHandshakeFailed   = errors.New("p2p: handshake failed")
	ErrUnknownTargetPeer = errors.New("p2p: outbound message targets an unconnected peer")
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	pingInterval     = 15 * time.Second
	pongGrace        = 3 * pingInterval
	dialRetryBase    = 1 * time.Second
	dialRetryMax     = 30 * time.Second
)

// Server is one node's framed TCP transport: it listens for inbound
// connections, dials its statically configured peers, performs the
// Version/Verack handshake and Ping/Pong liveness check on every
// connection, and ferries application messages between the wire and the
// bus. Outbound messages are observed as model.OutboundMessage on the bus;
// inbound messages are republished as model.MempoolNetMessage or
// model.ConsensusNetMessage for Mempool/Consensus (via node wiring) to
// consume.
type Server struct {
	selfKey    *crypto.SecretKey
	selfPubKey *crypto.PublicKey
	listenAddr string
	peers      []string // statically configured host:port addresses

	b       *bus.Bus
	logger  *zap.SugaredLogger
	metrics *metrics

	mu        sync.RWMutex
	byPubKey  map[string]*Peer // validator pubkey hex -> peer
	listener  net.Listener
}

type metrics struct {
	peersConnected prometheus.Gauge
	framesReceived prometheus.Counter
	framesSent     prometheus.Counter
	handshakeFails prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autobahn", Subsystem: "p2p", Name: "peers_connected",
			Help: "Currently handshaked peer connections.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "p2p", Name: "frames_received_total",
			Help: "Total application frames received from peers.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "p2p", Name: "frames_sent_total",
			Help: "Total application frames sent to peers.",
		}),
		handshakeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "p2p", Name: "handshake_failures_total",
			Help: "Total inbound or outbound handshakes that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.peersConnected, m.framesReceived, m.framesSent, m.handshakeFails)
	}
	return m
}

// New constructs a Server. listenAddr is this node's own host field
// (spec §6 "host"); peers is the configured static peer address list.
func New(selfKey *crypto.SecretKey, listenAddr string, peers []string, b *bus.Bus, logger *zap.SugaredLogger, reg *prometheus.Registry) *Server {
	return &Server{
		selfKey:    selfKey,
		selfPubKey: selfKey.Public(),
		listenAddr: listenAddr,
		peers:      peers,
		b:          b,
		logger:     logger.Named("p2p"),
		metrics:    newMetrics(reg),
		byPubKey:   make(map[string]*Peer),
	}
}

// Run listens on listenAddr, dials every configured static peer, and serves
// until ctx is canceled. It returns once the listener and all peer
// connections have been torn down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("p2p: listening on %s: %w", s.listenAddr, err)
	}
	s.listener = ln

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx)
	}()

	for _, addr := range s.peers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dialLoop(ctx, addr)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forwardOutbound(ctx)
	}()

	<-ctx.Done()
	ln.Close()
	s.closeAllPeers()
	wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warnf("accept failed: %v", err)
				continue
			}
		}
		go s.handleInbound(ctx, conn)
	}
}

// dialLoop keeps addr connected: a failed dial is retried after a jittered
// exponential backoff (capped), a failed handshake after a jittered base
// delay, and a disconnect is redialed at once — transient I/O is retried by
// the transport and never surfaced above, per spec §7 error kind 1.
func (s *Server) dialLoop(ctx context.Context, addr string) {
	backoff := dialRetryBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			s.logger.Debugf("dial %s failed: %v", addr, err)
			if !sleepOrDone(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = dialRetryBase

		peer, err := s.handshakeOutbound(conn)
		if err != nil {
			s.logger.Warnf("handshake with %s failed: %v", addr, err)
			if s.metrics != nil {
				s.metrics.handshakeFails.Inc()
			}
			conn.Close()
			if !sleepOrDone(ctx, jitter(backoff)) {
				return
			}
			continue
		}

		s.servePeer(ctx, peer)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > dialRetryMax {
		return dialRetryMax
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Server) handleInbound(ctx context.Context, conn net.Conn) {
	peer, err := s.handshakeInbound(conn)
	if err != nil {
		s.logger.Warnf("handshake from %s failed: %v", conn.RemoteAddr(), err)
		if s.metrics != nil {
			s.metrics.handshakeFails.Inc()
		}
		conn.Close()
		return
	}
	s.servePeer(ctx, peer)
}

// servePeer registers peer, starts its write loop, liveness ticker, and
// read loop, and blocks until the peer disconnects.
func (s *Server) servePeer(ctx context.Context, peer *Peer) {
	s.addPeer(peer)
	defer s.removePeer(peer)

	peerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go peer.writeLoop()
	go s.pingLoop(peerCtx, peer)

	peer.readLoop(s.onEnvelope)
}

func (s *Server) addPeer(peer *Peer) {
	s.mu.Lock()
	s.byPubKey[peer.PubKey().String()] = peer
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.peersConnected.Inc()
	}
	s.logger.Infof("peer %s (%s) connected", peer.PubKey(), peer.Addr())
}

func (s *Server) removePeer(peer *Peer) {
	s.mu.Lock()
	if existing, ok := s.byPubKey[peer.PubKey().String()]; ok && existing == peer {
		delete(s.byPubKey, peer.PubKey().String())
	}
	s.mu.Unlock()
	peer.Close()
	if s.metrics != nil {
		s.metrics.peersConnected.Dec()
	}
	s.logger.Infof("peer %s (%s) disconnected", peer.PubKey(), peer.Addr())
}

func (s *Server) closeAllPeers() {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.byPubKey))
	for _, p := range s.byPubKey {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.Close()
	}
}

// pingLoop sends a Ping on pingInterval until peerCtx is done.
func (s *Server) pingLoop(peerCtx context.Context, peer *Peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-peerCtx.Done():
			return
		case <-ticker.C:
			peer.Send(&Envelope{Kind: EnvelopePing, Nonce: uint64(time.Now().UnixNano())})
		}
	}
}

// onEnvelope dispatches one inbound, already-handshaked frame: Ping is
// answered with Pong, Pong is a no-op (liveness observed, nothing to
// react to at the transport layer), and Mempool/Consensus frames are
// republished onto the bus for Mempool/Consensus to consume.
func (s *Server) onEnvelope(peer *Peer, env *Envelope) {
	if s.metrics != nil {
		s.metrics.framesReceived.Inc()
	}
	switch env.Kind {
	case EnvelopePing:
		peer.Send(&Envelope{Kind: EnvelopePong, Nonce: env.Nonce})
	case EnvelopePong:
		// liveness observed; no action required.
	case EnvelopeMempool:
		if env.Mempool != nil {
			bus.Publish(s.b, *env.Mempool)
		}
	case EnvelopeConsensus:
		if env.Consensus != nil {
			bus.Publish(s.b, *env.Consensus)
		}
	default:
		s.logger.Warnf("dropped frame from %s: unknown kind %d", peer.Addr(), env.Kind)
	}
}

// forwardOutbound subscribes to model.OutboundMessage and sends each one to
// its target peer, if currently connected. A target that is not connected
// is dropped with a logged reason: Consensus/Mempool retry via their own
// protocol timers, the transport does not buffer for absent peers.
func (s *Server) forwardOutbound(ctx context.Context) {
	out := bus.Subscribe[model.OutboundMessage](s.b)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			s.sendTo(msg)
		}
	}
}

func (s *Server) sendTo(msg model.OutboundMessage) {
	if msg.TargetPubKey == nil {
		s.logger.Warnf("dropped outbound message: no target pubkey")
		return
	}
	s.mu.RLock()
	peer, ok := s.byPubKey[msg.TargetPubKey.String()]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debugf("dropped outbound message: %s not connected", msg.TargetPubKey)
		return
	}
	env, err := wrapOutbound(msg.Payload)
	if err != nil {
		s.logger.Errorf("%v", err)
		return
	}
	peer.Send(env)
	if s.metrics != nil {
		s.metrics.framesSent.Inc()
	}
}
