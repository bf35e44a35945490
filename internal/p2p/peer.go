package p2p

import (
	"bufio"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/crypto"
)

// Per-peer inbound/outbound queue sizes. Resource policy (spec §5): bounded,
// with overflow dropping the oldest liveness message first, never a
// protocol (mempool/consensus) message.
const (
	protocolQueueSize = 256
	livenessQueueSize = 8
)

// Peer is one established connection to another validator: a read loop
// dispatching inbound frames, and a write loop draining two outbound
// queues. A Peer's pubKey is unset until the handshake completes.
type Peer struct {
	conn   net.Conn
	reader *bufio.Reader
	addr   string

	mu     sync.RWMutex
	pubKey *crypto.PublicKey

	protocolOut chan *Envelope
	livenessOut chan *Envelope

	closeOnce sync.Once
	closed    chan struct{}

	logger *zap.SugaredLogger
}

func newPeer(conn net.Conn, logger *zap.SugaredLogger) *Peer {
	return &Peer{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		addr:        conn.RemoteAddr().String(),
		protocolOut: make(chan *Envelope, protocolQueueSize),
		livenessOut: make(chan *Envelope, livenessQueueSize),
		closed:      make(chan struct{}),
		logger:      logger,
	}
}

// PubKey returns the peer's validator public key, or nil before the
// handshake completes.
func (p *Peer) PubKey() *crypto.PublicKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pubKey
}

func (p *Peer) setPubKey(pk *crypto.PublicKey) {
	p.mu.Lock()
	p.pubKey = pk
	p.mu.Unlock()
}

// Addr returns the peer's remote network address.
func (p *Peer) Addr() string { return p.addr }

// Send queues env for delivery. Ping/Pong frames go through a small
// dedicated queue; when it is full, the oldest queued liveness frame is
// dropped to make room rather than blocking, since a stale liveness check
// is worthless once a fresher one exists. Protocol frames are never
// dropped: Send blocks until the write loop drains one, or the peer closes.
func (p *Peer) Send(env *Envelope) {
	switch env.Kind {
	case EnvelopePing, EnvelopePong:
		for {
			select {
			case p.livenessOut <- env:
				return
			default:
			}
			select {
			case <-p.livenessOut:
			default:
			}
		}
	default:
		select {
		case p.protocolOut <- env:
		case <-p.closed:
		}
	}
}

// writeLoop drains both outbound queues until the peer closes.
func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case env := <-p.protocolOut:
			if err := writeFrame(p.conn, env); err != nil {
				p.logger.Warnf("write to %s failed: %v", p.addr, err)
				p.Close()
				return
			}
		case env := <-p.livenessOut:
			if err := writeFrame(p.conn, env); err != nil {
				p.logger.Warnf("write to %s failed: %v", p.addr, err)
				p.Close()
				return
			}
		}
	}
}

// readLoop reads frames until the connection fails or is closed, passing
// each to onEnvelope. The caller is expected to run this in its own
// goroutine and to have completed the handshake first.
func (p *Peer) readLoop(onEnvelope func(*Peer, *Envelope)) {
	for {
		env, err := readFrame(p.reader)
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.logger.Debugf("connection to %s closed: %v", p.addr, err)
			}
			p.Close()
			return
		}
		onEnvelope(p, env)
	}
}

// Close shuts down the connection and unblocks both loops. Safe to call
// more than once or concurrently.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}
