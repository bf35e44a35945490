// Package p2p implements the framed peer-to-peer transport of spec §4.F: a
// length-prefixed wire format, a two-phase Version/Verack handshake,
// Ping/Pong liveness, and dispatch of inbound mempool/consensus messages
// onto the bus. Peers are statically configured; NAT traversal and
// discovery are out of scope.
package p2p

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// protocolVersion is exchanged during the handshake; a peer advertising a
// different value is rejected.
const protocolVersion = "autobahn/1"

// maxFrameBytes bounds a single wire frame, generous over the largest
// DataProposal a lane's capacity cap allows.
const maxFrameBytes = 32 << 20

// ErrFrameTooLarge is returned when an encoded frame, or a frame's declared
// length prefix, exceeds maxFrameBytes.
var ErrFrameTooLarge = errors.New("p2p: frame exceeds maximum size")

// EnvelopeKind tags which on-wire message an Envelope carries.
type EnvelopeKind int

const (
	EnvelopeVersion EnvelopeKind = iota
	EnvelopeVerack
	EnvelopePing
	EnvelopePong
	EnvelopeMempool
	EnvelopeConsensus
)

// VersionPayload is the first message either side of a new connection
// sends: the protocol version, the sender's validator public key, and the
// address it listens on (so a peer that dialed us can be found again in
// the static peer list).
type VersionPayload struct {
	Protocol   string
	PubKey     *crypto.PublicKey
	ListenAddr string
}

// Envelope is the single on-wire frame type every NetMessage travels in.
// Exactly one payload field is set, matching the Kind tag.
type Envelope struct {
	Kind EnvelopeKind

	Version *VersionPayload
	Nonce   uint64 // Ping/Pong liveness token, echoed back unchanged

	Mempool   *model.MempoolNetMessage
	Consensus *model.ConsensusNetMessage
}

func init() {
	gob.Register(&crypto.PublicKey{})
	gob.Register(&crypto.ValidatorSignature{})
	gob.Register(&crypto.AggregateSignature{})
}

// writeFrame gob-encodes env and writes it to w behind a 4-byte big-endian
// length prefix, matching the framing the teacher's p2p package uses for
// its own gob-encoded Message.
func writeFrame(w io.Writer, env *Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("p2p: encoding envelope: %w", err)
	}
	if buf.Len() > maxFrameBytes {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("p2p: writing frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("p2p: writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed gob-encoded Envelope from r.
func readFrame(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("p2p: reading frame payload: %w", err)
	}
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return nil, fmt.Errorf("p2p: decoding envelope: %w", err)
	}
	return &env, nil
}

// wrapOutbound builds the Envelope carrying an outbound payload published on
// the bus as a model.OutboundMessage. Unrecognized payload types are
// rejected rather than silently dropped, since they indicate a wiring bug.
func wrapOutbound(payload any) (*Envelope, error) {
	switch v := payload.(type) {
	case *model.MempoolNetMessage:
		return &Envelope{Kind: EnvelopeMempool, Mempool: v}, nil
	case model.MempoolNetMessage:
		return &Envelope{Kind: EnvelopeMempool, Mempool: &v}, nil
	case *model.ConsensusNetMessage:
		return &Envelope{Kind: EnvelopeConsensus, Consensus: v}, nil
	case model.ConsensusNetMessage:
		return &Envelope{Kind: EnvelopeConsensus, Consensus: &v}, nil
	default:
		return nil, fmt.Errorf("p2p: outbound message has unrecognized payload type %T", payload)
	}
}
