package p2p

import (
	"fmt"
	"net"
	"time"
)

// handshakeOutbound drives the initiator side of the two-phase
// Version/Verack handshake: we speak first, then wait for the peer's
// Version and our own Verack back.
func (s *Server) handshakeOutbound(conn net.Conn) (*Peer, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	peer := newPeer(conn, s.logger)

	if err := writeFrame(conn, s.versionEnvelope()); err != nil {
		return nil, fmt.Errorf("%w: sending version: %v", ErrHandshakeFailed, err)
	}
	theirVersion, err := s.readVersion(peer)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, &Envelope{Kind: EnvelopeVerack}); err != nil {
		return nil, fmt.Errorf("%w: sending verack: %v", ErrHandshakeFailed, err)
	}
	if err := s.readVerack(peer); err != nil {
		return nil, err
	}

	peer.setPubKey(theirVersion.PubKey)
	return peer, nil
}

// handshakeInbound drives the receiver side: we wait for their Version,
// reply with our own plus a Verack exchange in the opposite order.
func (s *Server) handshakeInbound(conn net.Conn) (*Peer, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	peer := newPeer(conn, s.logger)

	theirVersion, err := s.readVersion(peer)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, s.versionEnvelope()); err != nil {
		return nil, fmt.Errorf("%w: sending version: %v", ErrHandshakeFailed, err)
	}
	if err := s.readVerack(peer); err != nil {
		return nil, err
	}
	if err := writeFrame(conn, &Envelope{Kind: EnvelopeVerack}); err != nil {
		return nil, fmt.Errorf("%w: sending verack: %v", ErrHandshakeFailed, err)
	}

	peer.setPubKey(theirVersion.PubKey)
	return peer, nil
}

func (s *Server) versionEnvelope() *Envelope {
	return &Envelope{
		Kind: EnvelopeVersion,
		Version: &VersionPayload{
			Protocol:   protocolVersion,
			PubKey:     s.selfPubKey,
			ListenAddr: s.listenAddr,
		},
	}
}

func (s *Server) readVersion(peer *Peer) (*VersionPayload, error) {
	env, err := readFrame(peer.reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrHandshakeFailed, err)
	}
	if env.Kind != EnvelopeVersion || env.Version == nil {
		return nil, fmt.Errorf("%w: expected version, got kind %d", ErrHandshakeFailed, env.Kind)
	}
	if env.Version.Protocol != protocolVersion {
		return nil, fmt.Errorf("%w: incompatible protocol version %q", ErrHandshakeFailed, env.Version.Protocol)
	}
	if env.Version.PubKey == nil {
		return nil, fmt.Errorf("%w: version missing public key", ErrHandshakeFailed)
	}
	return env.Version, nil
}

func (s *Server) readVerack(peer *Peer) error {
	env, err := readFrame(peer.reader)
	if err != nil {
		return fmt.Errorf("%w: reading verack: %v", ErrHandshakeFailed, err)
	}
	if env.Kind != EnvelopeVerack {
		return fmt.Errorf("%w: expected verack, got kind %d", ErrHandshakeFailed, env.Kind)
	}
	return nil
}
