package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Sentinel errors for the crypto package. Verification failures are not
// themselves errors — Verify/VerifyAggregate return bool — these cover
// malformed key/signature material only.
var (
	ErrInvalidPublicKeyBytes = errors.New("crypto: invalid public key bytes")
	ErrInvalidSignatureBytes = errors.New("crypto: invalid signature bytes")
	ErrEmptySignatureSet     = errors.New("crypto: cannot aggregate an empty signature set")
	ErrMixedAggregateDigests = errors.New("crypto: aggregate verification requires one weight per public key")
)

var dst = []byte("AUTOBAHN-BLS-SIG-BLS12381G1_XMD:SHA-256_SSWU_RO_POP_")

// PublicKey is a validator's BLS public key, a compressed G2 point (96 bytes).
type PublicKey struct {
	point bls12381.G2Affine
}

// SecretKey is a validator's BLS signing key, a scalar in the curve's scalar field.
type SecretKey struct {
	scalar fr.Element
}

// ValidatorSignature is a single validator's BLS signature, a compressed G1 point (48 bytes).
type ValidatorSignature struct {
	point bls12381.G1Affine
}

// AggregateSignature is the sum of a quorum of ValidatorSignatures over the
// identical message. It holds only the aggregated point; the signers' public
// keys are carried beside it (QuorumCertificate.Signers).
type AggregateSignature struct {
	point bls12381.G1Affine
}

// GenerateKey produces a new random BLS keypair.
func GenerateKey() (*SecretKey, *PublicKey, error) {
	var sk SecretKey
	if _, err := sk.scalar.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating secret key: %w", err)
	}
	pk := sk.Public()
	return &sk, pk, nil
}

// Bytes returns the 32-byte big-endian encoding of the secret scalar, for
// persisting a node's identity key to disk.
func (sk *SecretKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

// SecretKeyFromBytes parses a 32-byte big-endian scalar produced by Bytes.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: secret key must be 32 bytes", ErrInvalidSignatureBytes)
	}
	var sk SecretKey
	sk.scalar.SetBytes(b)
	return &sk, nil
}

// Public derives the public key corresponding to sk.
func (sk *SecretKey) Public() *PublicKey {
	var g2 bls12381.G2Affine
	_, _, _, gen2 := bls12381.Generators()
	var scalarBig = sk.scalar.BigInt(new(big.Int))
	g2.ScalarMultiplication(&gen2, scalarBig)
	return &PublicKey{point: g2}
}

// Sign produces a ValidatorSignature over msg.
func (sk *SecretKey) Sign(msg []byte) (*ValidatorSignature, error) {
	hm, err := bls12381.HashToG1(msg, dst)
	if err != nil {
		return nil, fmt.Errorf("crypto: hashing message to curve: %w", err)
	}
	var sigJac bls12381.G1Jac
	scalarBig := sk.scalar.BigInt(new(big.Int))
	var hmJac bls12381.G1Jac
	hmJac.FromAffine(&hm)
	sigJac.ScalarMultiplication(&hmJac, scalarBig)
	var sig bls12381.G1Affine
	sig.FromJacobian(&sigJac)
	return &ValidatorSignature{point: sig}, nil
}

// Sign is an alias kept for readability at call sites: sign(msg, validator).
func Sign(msg []byte, sk *SecretKey) (*ValidatorSignature, error) {
	return sk.Sign(msg)
}

// Verify checks a single validator's signature over msg.
func Verify(msg []byte, sig *ValidatorSignature, pk *PublicKey) bool {
	if sig == nil || pk == nil {
		return false
	}
	hm, err := bls12381.HashToG1(msg, dst)
	if err != nil {
		return false
	}
	var negPK bls12381.G2Affine
	negPK.Neg(&pk.point)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig.point, hm},
		[]bls12381.G2Affine{pairGen2(), negPK})
	if err != nil {
		return false
	}
	return ok
}

// pairGen2 returns the canonical G2 generator.
func pairGen2() bls12381.G2Affine {
	_, _, _, gen2 := bls12381.Generators()
	return gen2
}

// Neg returns the additive inverse of a G2 point, used to fold the pairing
// check e(sig, G2) * e(H(m), -pk) == 1 into a single PairingCheck call.
func (pk PublicKey) Neg() bls12381.G2Affine {
	neg := pk.point
	neg.Neg(&neg)
	return neg
}

// Aggregate sums a set of ValidatorSignatures collected over the identical
// message into a single AggregateSignature. Per spec §4.A this is only valid
// when every input signature is over the same msg; callers (mempool PoDA
// collection, consensus QC aggregation) enforce that invariant by
// construction, collecting votes keyed by the hash they sign over.
func Aggregate(sigs []*ValidatorSignature) (*AggregateSignature, error) {
	if len(sigs) == 0 {
		return nil, ErrEmptySignatureSet
	}
	var accJac bls12381.G1Jac
	accJac.FromAffine(&sigs[0].point)
	for _, s := range sigs[1:] {
		var pJac bls12381.G1Jac
		pJac.FromAffine(&s.point)
		accJac.AddAssign(&pJac)
	}
	var acc bls12381.G1Affine
	acc.FromJacobian(&accJac)
	return &AggregateSignature{point: acc}, nil
}

// VerifyAggregate checks that agg is a valid aggregate of signatures by the
// public keys in signers (no weighting), all over msg. The stake-weighted
// quorum test over the *result* of this check lives in the consensus and
// mempool packages, which decide whether the signer set clears the
// configured threshold before calling this.
func VerifyAggregate(msg []byte, agg *AggregateSignature, signers []*PublicKey) bool {
	if agg == nil || len(signers) == 0 {
		return false
	}
	var pkAccJac bls12381.G2Jac
	pkAccJac.FromAffine(&signers[0].point)
	for _, pk := range signers[1:] {
		var pJac bls12381.G2Jac
		pJac.FromAffine(&pk.point)
		pkAccJac.AddAssign(&pJac)
	}
	var pkAcc bls12381.G2Affine
	pkAcc.FromJacobian(&pkAccJac)

	hm, err := bls12381.HashToG1(msg, dst)
	if err != nil {
		return false
	}
	negPk := pkAcc
	negPk.Neg(&negPk)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{agg.point, hm},
		[]bls12381.G2Affine{pairGen2(), negPk})
	if err != nil {
		return false
	}
	return ok
}

// Bytes returns the compressed 96-byte encoding of the public key.
func (pk *PublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

// String returns the hex encoding of the compressed public key.
func (pk *PublicKey) String() string {
	return hex.EncodeToString(pk.Bytes())
}

// Equal reports whether two public keys encode the same point.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.point.Equal(&other.point)
}

// PublicKeyFromBytes parses a compressed 96-byte G2 point.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	var g2 bls12381.G2Affine
	if _, err := g2.SetBytes(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKeyBytes, err)
	}
	return &PublicKey{point: g2}, nil
}

// GobEncode implements gob.GobEncoder so PublicKey can cross the p2p wire
// despite its point field being unexported.
func (pk *PublicKey) GobEncode() ([]byte, error) {
	return pk.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (pk *PublicKey) GobDecode(data []byte) error {
	parsed, err := PublicKeyFromBytes(data)
	if err != nil {
		return err
	}
	pk.point = parsed.point
	return nil
}

// Bytes returns the compressed 48-byte encoding of the signature.
func (s *ValidatorSignature) Bytes() []byte {
	b := s.point.Bytes()
	return b[:]
}

// SignatureFromBytes parses a compressed 48-byte G1 point.
func SignatureFromBytes(b []byte) (*ValidatorSignature, error) {
	var g1 bls12381.G1Affine
	if _, err := g1.SetBytes(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureBytes, err)
	}
	return &ValidatorSignature{point: g1}, nil
}

// GobEncode implements gob.GobEncoder so a ValidatorSignature can cross the
// p2p wire despite its point field being unexported.
func (s *ValidatorSignature) GobEncode() ([]byte, error) {
	return s.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (s *ValidatorSignature) GobDecode(data []byte) error {
	parsed, err := SignatureFromBytes(data)
	if err != nil {
		return err
	}
	s.point = parsed.point
	return nil
}

// Bytes returns the compressed 48-byte encoding of the aggregate signature.
func (a *AggregateSignature) Bytes() []byte {
	b := a.point.Bytes()
	return b[:]
}

// AggregateSignatureFromBytes parses a compressed 48-byte G1 point.
func AggregateSignatureFromBytes(b []byte) (*AggregateSignature, error) {
	var g1 bls12381.G1Affine
	if _, err := g1.SetBytes(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureBytes, err)
	}
	return &AggregateSignature{point: g1}, nil
}

// GobEncode implements gob.GobEncoder so an AggregateSignature can cross the
// p2p wire despite its point field being unexported.
func (a *AggregateSignature) GobEncode() ([]byte, error) {
	return a.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (a *AggregateSignature) GobDecode(data []byte) error {
	parsed, err := AggregateSignatureFromBytes(data)
	if err != nil {
		return err
	}
	a.point = parsed.point
	return nil
}
