package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sk, pk, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("slot=1,view=0,hash=deadbeef")
	sig, err := Sign(msg, sk)
	require.NoError(t, err)

	assert.True(t, Verify(msg, sig, pk))
	assert.False(t, Verify([]byte("different message"), sig, pk))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	sk1, _, err := GenerateKey()
	require.NoError(t, err)
	_, pk2, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := Sign(msg, sk1)
	require.NoError(t, err)

	assert.False(t, Verify(msg, sig, pk2))
}

func TestAggregateQuorum(t *testing.T) {
	const n = 4
	msg := []byte("consensus-proposal-hash")

	var sks []*SecretKey
	var pks []*PublicKey
	var sigs []*ValidatorSignature
	for i := 0; i < n; i++ {
		sk, pk, err := GenerateKey()
		require.NoError(t, err)
		sig, err := Sign(msg, sk)
		require.NoError(t, err)
		sks = append(sks, sk)
		pks = append(pks, pk)
		sigs = append(sigs, sig)
	}

	agg, err := Aggregate(sigs[:3])
	require.NoError(t, err)
	assert.True(t, VerifyAggregate(msg, agg, pks[:3]))

	// A different subset of signers must not validate against the aggregate.
	assert.False(t, VerifyAggregate(msg, agg, pks[1:4]))
}

func TestAggregateEmptySet(t *testing.T) {
	_, err := Aggregate(nil)
	assert.ErrorIs(t, err, ErrEmptySignatureSet)
}

func TestPublicKeyBytesRoundTrip(t *testing.T) {
	_, pk, err := GenerateKey()
	require.NoError(t, err)

	got, err := PublicKeyFromBytes(pk.Bytes())
	require.NoError(t, err)
	assert.True(t, pk.Equal(got))
}

func TestSignatureBytesRoundTrip(t *testing.T) {
	sk, _, err := GenerateKey()
	require.NoError(t, err)
	sig, err := Sign([]byte("x"), sk)
	require.NoError(t, err)

	got, err := SignatureFromBytes(sig.Bytes())
	require.NoError(t, err)
	assert.Equal(t, sig.Bytes(), got.Bytes())
}

func TestInvalidPublicKeyBytes(t *testing.T) {
	_, err := PublicKeyFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPublicKeyBytes)
}
