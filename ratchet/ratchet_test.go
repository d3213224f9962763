package ratchet_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/ratchet"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.New(identity.Ed25519)
	require.NoError(t, err)
	return id
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	r := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	aliceSession, hs, err := ratchet.Initiate(alice, bob.KA.PublicKey())
	r.NoError(err)

	bobSession, err := ratchet.Respond(bob, hs)
	r.NoError(err)

	header, ct, err := aliceSession.Encrypt([]byte("hello bob"), []byte("ctx"))
	r.NoError(err)

	pt, err := bobSession.Decrypt(header, ct, []byte("ctx"))
	r.NoError(err)
	r.Equal([]byte("hello bob"), pt)

	header2, ct2, err := bobSession.Encrypt([]byte("hi alice"), []byte("ctx"))
	r.NoError(err)
	pt2, err := aliceSession.Decrypt(header2, ct2, []byte("ctx"))
	r.NoError(err)
	r.Equal([]byte("hi alice"), pt2)
}

func TestMultipleMessagesBothDirections(t *testing.T) {
	r := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	aliceSession, hs, err := ratchet.Initiate(alice, bob.KA.PublicKey())
	r.NoError(err)
	bobSession, err := ratchet.Respond(bob, hs)
	r.NoError(err)

	for i := 0; i < 3; i++ {
		h, ct, err := aliceSession.Encrypt([]byte("a-msg"), nil)
		r.NoError(err)
		pt, err := bobSession.Decrypt(h, ct, nil)
		r.NoError(err)
		r.Equal([]byte("a-msg"), pt)
	}

	for i := 0; i < 3; i++ {
		h, ct, err := bobSession.Encrypt([]byte("b-msg"), nil)
		r.NoError(err)
		pt, err := aliceSession.Decrypt(h, ct, nil)
		r.NoError(err)
		r.Equal([]byte("b-msg"), pt)
	}
}

func TestOutOfOrderDeliveryUsesSkippedCache(t *testing.T) {
	r := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	aliceSession, hs, err := ratchet.Initiate(alice, bob.KA.PublicKey())
	r.NoError(err)
	bobSession, err := ratchet.Respond(bob, hs)
	r.NoError(err)

	h1, ct1, err := aliceSession.Encrypt([]byte("first"), nil)
	r.NoError(err)
	h2, ct2, err := aliceSession.Encrypt([]byte("second"), nil)
	r.NoError(err)

	pt2, err := bobSession.Decrypt(h2, ct2, nil)
	r.NoError(err)
	r.Equal([]byte("second"), pt2)

	pt1, err := bobSession.Decrypt(h1, ct1, nil)
	r.NoError(err)
	r.Equal([]byte("first"), pt1)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	r := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	aliceSession, hs, err := ratchet.Initiate(alice, bob.KA.PublicKey())
	r.NoError(err)
	bobSession, err := ratchet.Respond(bob, hs)
	r.NoError(err)

	h, ct, err := aliceSession.Encrypt([]byte("persisted"), nil)
	r.NoError(err)

	data, err := bobSession.Serialize()
	r.NoError(err)

	restored, err := ratchet.Deserialize(data)
	r.NoError(err)

	pt, err := restored.Decrypt(h, ct, nil)
	r.NoError(err)
	r.Equal([]byte("persisted"), pt)
}

func TestTamperedCiphertextFailsAuthentication(t *testing.T) {
	r := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	aliceSession, hs, err := ratchet.Initiate(alice, bob.KA.PublicKey())
	r.NoError(err)
	bobSession, err := ratchet.Respond(bob, hs)
	r.NoError(err)

	h, ct, err := aliceSession.Encrypt([]byte("hello"), nil)
	r.NoError(err)
	ct[0] ^= 0xFF

	_, err = bobSession.Decrypt(h, ct, nil)
	r.ErrorIs(err, ratchet.ErrAuthentication)
}
