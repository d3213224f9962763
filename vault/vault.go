// Package vault guards the 32-byte master key that the store uses to
// encrypt everything at rest. It owns the passphrase-to-key wrapping
// scheme: a random master key is generated once, wrapped under a
// key-encryption-key derived from the user's passphrase, and persisted
// alongside its salts. Opening the vault again re-derives the KEK from
// the same passphrase and unwraps the master key.
package vault

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/noctua-im/noctua/internal/seal"
)

const (
	masterKeySize = 32

	deriveInfo = "vault-derive-passphrase-v1"
	wrapInfo   = "vault-wrap-master-key-v1"

	envPassphrase = "NOCTUA_VAULT_PASSPHRASE"
)

// ErrVaultDenied is returned whenever the supplied passphrase fails to
// unwrap the persisted master key, whether because it is wrong or the
// envelope has been tampered with. Store-open callers must surface it to
// the user verbatim: the vault never distinguishes "wrong password" from
// "corrupt data" to avoid leaking an oracle.
var ErrVaultDenied = errors.New("vault: passphrase denied")

// Envelope is the persisted, passphrase-wrapped form of a vault's master
// key. Every field is opaque and only meaningful to Open/Unseal.
type Envelope struct {
	DeriveSalt []byte
	WrapSalt   []byte
	Wrapped    []byte
}

// Vault seals and unseals a single master key under a passphrase.
type Vault interface {
	// Unseal returns the plaintext master key, or ErrVaultDenied if pass
	// does not match the envelope.
	Unseal(env Envelope, pass []byte) ([]byte, error)
	// Seal generates a fresh random master key, wraps it under pass, and
	// returns both the plaintext key and its envelope.
	Seal(pass []byte) (key []byte, env Envelope, err error)
}

// PassphraseHandler supplies the passphrase used to open or create a
// vault. It is called at most once per Facade startup.
type PassphraseHandler func() ([]byte, error)

// DefaultPassphraseHandler prefers the NOCTUA_VAULT_PASSPHRASE environment
// variable, for headless daemon use, and falls back to an interactive
// terminal prompt.
func DefaultPassphraseHandler() ([]byte, error) {
	if p := os.Getenv(envPassphrase); p != "" {
		return []byte(p), nil
	}

	fmt.Fprint(os.Stderr, "Enter vault passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return bytes.TrimSpace(pass), nil
}

// Passphrase is the sole real Vault implementation: a derive-then-wrap
// scheme built on internal/seal's HKDF and AEAD primitives.
type Passphrase struct{}

// NewPassphrase returns the passphrase-based Vault.
func NewPassphrase() *Passphrase { return &Passphrase{} }

func (Passphrase) Seal(pass []byte) ([]byte, Envelope, error) {
	key := seal.RandomBytes(masterKeySize)
	deriveSalt := seal.RandomBytes(masterKeySize)
	wrapSalt := seal.RandomBytes(masterKeySize)

	kek, err := deriveKEK(pass, deriveSalt, wrapSalt)
	if err != nil {
		return nil, Envelope{}, err
	}
	wrapped := kek.Seal(key, nil)

	return key, Envelope{DeriveSalt: deriveSalt, WrapSalt: wrapSalt, Wrapped: wrapped}, nil
}

func (Passphrase) Unseal(env Envelope, pass []byte) ([]byte, error) {
	if len(env.DeriveSalt) == 0 || len(env.WrapSalt) == 0 || len(env.Wrapped) == 0 {
		return nil, ErrVaultDenied
	}

	kek, err := deriveKEK(pass, env.DeriveSalt, env.WrapSalt)
	if err != nil {
		return nil, err
	}
	key, err := kek.Open(env.Wrapped, nil)
	if err != nil {
		return nil, ErrVaultDenied
	}
	return key, nil
}

func deriveKEK(pass, deriveSalt, wrapSalt []byte) (*seal.Box, error) {
	derived, err := seal.Derive(pass, deriveSalt, []byte(deriveInfo), masterKeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	box, err := seal.New(derived, wrapSalt, []byte(wrapInfo))
	if err != nil {
		return nil, fmt.Errorf("building key-wrap box: %w", err)
	}
	return box, nil
}

// Mock is a Vault for tests: it never touches a passphrase and always
// round-trips successfully, "sealing" by storing the key directly, which
// keeps test setup free of real KDF cost.
type Mock struct{}

// NewMock returns a test-only Vault that skips passphrase-based wrapping.
func NewMock() *Mock { return &Mock{} }

func (Mock) Seal(_ []byte) ([]byte, Envelope, error) {
	key := seal.RandomBytes(masterKeySize)
	return key, Envelope{Wrapped: append([]byte(nil), key...)}, nil
}

func (Mock) Unseal(env Envelope, _ []byte) ([]byte, error) {
	if len(env.Wrapped) != masterKeySize {
		return nil, ErrVaultDenied
	}
	return append([]byte(nil), env.Wrapped...), nil
}
