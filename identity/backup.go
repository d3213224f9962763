package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/noctua-im/noctua/internal/seal"
)

const backupVersion = 1

// argon2 parameters for the backup envelope KDF. A password backup is
// decrypted rarely and offline, so the cost is deliberately high relative
// to the HKDF used everywhere else in this module.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeySize = chacha20poly1305.KeySize
)

// ErrBackupDenied is returned when a backup envelope fails to decrypt,
// whether from a wrong passphrase or a corrupted envelope.
var ErrBackupDenied = errors.New("identity: backup passphrase denied")

// Backup is the versioned, password-encrypted export of an Identity.
type Backup struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// ExportBackup encrypts the identity's Record under a key derived from
// pass via argon2id, producing a self-describing envelope.
func (id *Identity) ExportBackup(pass []byte) (*Backup, error) {
	record := id.ToRecord()
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshalling identity record: %w", err)
	}

	salt := seal.RandomBytes(16)
	key := argon2.IDKey(pass, salt, argonTime, argonMemory, argonThreads, argonKeySize)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("building backup aead: %w", err)
	}
	nonce := seal.RandomBytes(chacha20poly1305.NonceSizeX)
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Backup{
		Version:    backupVersion,
		KDF:        "argon2id",
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// ImportBackup reverses ExportBackup, returning ErrBackupDenied on any
// authentication failure.
func ImportBackup(b *Backup, pass []byte) (*Identity, error) {
	if b.Version != backupVersion || b.KDF != "argon2id" {
		return nil, fmt.Errorf("identity: unsupported backup version/kdf %d/%s", b.Version, b.KDF)
	}

	key := argon2.IDKey(pass, b.Salt, argonTime, argonMemory, argonThreads, argonKeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("building backup aead: %w", err)
	}
	plaintext, err := aead.Open(nil, b.Nonce, b.Ciphertext, nil)
	if err != nil {
		return nil, ErrBackupDenied
	}

	var record Record
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("unmarshalling identity record: %w", err)
	}
	return FromRecord(record)
}
