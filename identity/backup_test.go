package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/identity"
)

func TestBackupExportImportRoundTrip(t *testing.T) {
	r := require.New(t)

	id, err := identity.New(identity.Ed25519)
	r.NoError(err)

	backup, err := id.ExportBackup([]byte("correct horse battery staple"))
	r.NoError(err)
	r.Equal("argon2id", backup.KDF)

	restored, err := identity.ImportBackup(backup, []byte("correct horse battery staple"))
	r.NoError(err)
	r.Equal(id.Fingerprint(), restored.Fingerprint())
}

func TestBackupWrongPassphraseDenied(t *testing.T) {
	r := require.New(t)

	id, err := identity.New(identity.Ed25519)
	r.NoError(err)

	backup, err := id.ExportBackup([]byte("correct horse battery staple"))
	r.NoError(err)

	_, err = identity.ImportBackup(backup, []byte("wrong passphrase"))
	r.ErrorIs(err, identity.ErrBackupDenied)
}
