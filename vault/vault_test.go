package vault_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/vault"
)

func TestPassphraseRoundTrip(t *testing.T) {
	r := require.New(t)

	v := vault.NewPassphrase()
	key, env, err := v.Seal([]byte("correct horse battery staple"))
	r.NoError(err)
	r.Len(key, 32)

	got, err := v.Unseal(env, []byte("correct horse battery staple"))
	r.NoError(err)
	r.Equal(key, got)
}

func TestPassphraseWrongPassphraseDenied(t *testing.T) {
	r := require.New(t)

	v := vault.NewPassphrase()
	_, env, err := v.Seal([]byte("correct horse battery staple"))
	r.NoError(err)

	_, err = v.Unseal(env, []byte("wrong passphrase"))
	r.ErrorIs(err, vault.ErrVaultDenied)
}

func TestPassphraseEmptyEnvelopeDenied(t *testing.T) {
	r := require.New(t)

	v := vault.NewPassphrase()
	_, err := v.Unseal(vault.Envelope{}, []byte("anything"))
	r.ErrorIs(err, vault.ErrVaultDenied)
}

func TestMockRoundTrip(t *testing.T) {
	r := require.New(t)

	v := vault.NewMock()
	key, env, err := v.Seal(nil)
	r.NoError(err)

	got, err := v.Unseal(env, nil)
	r.NoError(err)
	r.Equal(key, got)
}
