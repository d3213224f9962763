package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/identity"
)

func TestNewAndSignVerifyEd25519(t *testing.T) {
	r := require.New(t)

	id, err := identity.New(identity.Ed25519)
	r.NoError(err)

	msg := []byte("hello, contact")
	sig, err := id.Sign(msg)
	r.NoError(err)

	ok, err := identity.Verify(identity.Ed25519, id.Signer.PublicKeyBytes(), msg, sig)
	r.NoError(err)
	r.True(ok)

	ok, err = identity.Verify(identity.Ed25519, id.Signer.PublicKeyBytes(), []byte("tampered"), sig)
	r.NoError(err)
	r.False(ok)
}

func TestNewAndSignVerifyMLDSA(t *testing.T) {
	r := require.New(t)

	id, err := identity.New(identity.MLDSA)
	r.NoError(err)

	msg := []byte("hello, contact")
	sig, err := id.Sign(msg)
	r.NoError(err)

	ok, err := identity.Verify(identity.MLDSA, id.Signer.PublicKeyBytes(), msg, sig)
	r.NoError(err)
	r.True(ok)
}

func TestFingerprintStableAndGrouped(t *testing.T) {
	r := require.New(t)

	id, err := identity.New(identity.Ed25519)
	r.NoError(err)

	fp1 := id.Fingerprint()
	fp2 := identity.Fingerprint(id.Signer.PublicKeyBytes())
	r.Equal(fp1, fp2)
	r.Contains(fp1, " ")
}

func TestRecordRoundTrip(t *testing.T) {
	r := require.New(t)

	id, err := identity.New(identity.Ed25519)
	r.NoError(err)

	record := id.ToRecord()
	restored, err := identity.FromRecord(record)
	r.NoError(err)

	r.Equal(id.Fingerprint(), restored.Fingerprint())
	r.Equal(id.KAPublicBytes(), restored.KAPublicBytes())
}

func TestKAKeyAgreement(t *testing.T) {
	r := require.New(t)

	a, err := identity.New(identity.Ed25519)
	r.NoError(err)
	b, err := identity.New(identity.Ed25519)
	r.NoError(err)

	bPub, err := identity.ParseKAPublicKey(b.KAPublicBytes())
	r.NoError(err)
	aPub, err := identity.ParseKAPublicKey(a.KAPublicBytes())
	r.NoError(err)

	secretAB, err := a.KA.ECDH(bPub)
	r.NoError(err)
	secretBA, err := b.KA.ECDH(aPub)
	r.NoError(err)
	r.Equal(secretAB, secretBA)
}
