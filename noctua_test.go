package noctua_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua"
	"github.com/noctua-im/noctua/store"
	"github.com/noctua-im/noctua/vault"
)

func openTestFacade(t *testing.T, dir string) *noctua.Facade {
	t.Helper()
	f, err := noctua.Open(dir, "ws://127.0.0.1:1/ws",
		noctua.WithVault(vault.NewMock()),
		noctua.WithPassphraseHandler(func() ([]byte, error) { return []byte("test"), nil }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenWithoutIdentity(t *testing.T) {
	f := openTestFacade(t, t.TempDir())

	_, err := f.GetIdentity()
	require.ErrorIs(t, err, noctua.ErrNoIdentity)

	require.Equal(t, "pong", f.Ping())
}

func TestGenerateIdentityWiresSubsystems(t *testing.T) {
	f := openTestFacade(t, t.TempDir())

	snap, err := f.GenerateIdentity("Alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", snap.DisplayName)
	require.NotEmpty(t, snap.Fingerprint)
	require.Equal(t, "ed25519", snap.Algorithm)

	_, err = f.GenerateIdentity("Alice Again")
	require.Error(t, err)

	contacts, err := f.GetContacts()
	require.NoError(t, err)
	require.Empty(t, contacts)

	c, err := f.AddContact([]byte("remote-signing-key-bytes"), "Bob")
	require.NoError(t, err)
	require.Equal(t, "Bob", c.Nickname)
	require.Equal(t, store.PresenceUnknown, c.Presence)

	contacts, err = f.GetContacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)

	require.NoError(t, f.SetContactNickname(c.ID, "Bobby"))
	require.NoError(t, f.SetContactVerified(c.ID, true))
	got, err := f.GetContacts()
	require.NoError(t, err)
	require.Equal(t, "Bobby", got[0].Nickname)
	require.True(t, got[0].Verified)

	require.NoError(t, f.RemoveContact(c.ID))
	contacts, err = f.GetContacts()
	require.NoError(t, err)
	require.Empty(t, contacts)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := openTestFacade(t, t.TempDir())
	_, err := f.GenerateIdentity("Alice")
	require.NoError(t, err)

	s, err := f.GetSettings()
	require.NoError(t, err)
	require.Equal(t, "online", s.UserStatus)

	s.Theme = "dark"
	s.UserStatus = "busy"
	require.NoError(t, f.SetSettings(s))

	got, err := f.GetSettings()
	require.NoError(t, err)
	require.Equal(t, "dark", got.Theme)
	require.Equal(t, "busy", got.UserStatus)

	require.NoError(t, f.SetUserStatus("away"))
	status, err := f.GetUserStatus()
	require.NoError(t, err)
	require.Equal(t, "away", status)
}

func TestExportImportBackupRoundTrip(t *testing.T) {
	src := openTestFacade(t, t.TempDir())
	snap, err := src.GenerateIdentity("Alice")
	require.NoError(t, err)

	envelope, err := src.ExportBackup("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, envelope)

	dst := openTestFacade(t, t.TempDir())
	restored, err := dst.ImportBackup(envelope, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, snap.Fingerprint, restored.Fingerprint)

	_, err = dst.ImportBackup(envelope, "wrong password")
	require.Error(t, err)
}

func TestOpenFileDialogUnsupported(t *testing.T) {
	f := openTestFacade(t, t.TempDir())
	_, err := f.OpenFileDialog()
	require.ErrorIs(t, err, noctua.ErrUnsupported)
}

func TestReopenRestoresIdentity(t *testing.T) {
	dir := t.TempDir()
	f := openTestFacade(t, dir)
	snap, err := f.GenerateIdentity("Alice")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := noctua.Open(dir, "ws://127.0.0.1:1/ws",
		noctua.WithVault(vault.NewMock()),
		noctua.WithPassphraseHandler(func() ([]byte, error) { return []byte("test"), nil }),
	)
	require.NoError(t, err)
	defer f2.Close()

	reopened, err := f2.GetIdentity()
	require.NoError(t, err)
	require.Equal(t, snap.Fingerprint, reopened.Fingerprint)
}
