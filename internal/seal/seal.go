// Package seal provides the AEAD + KDF primitives shared by every component
// that needs authenticated encryption under a derived key: the vault, the
// store, the ratchet's message chains, and file-transfer chunks.
package seal

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrInvalidCiphertext = errors.New("ciphertext is not valid")
	hasher               = sha512.New
)

// Box wraps an XChaCha20-Poly1305 AEAD keyed by HKDF(secret, salt, info).
type Box struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		Overhead() int
	}
}

// New derives a key from secret/salt/info via HKDF-SHA512 and constructs an
// XChaCha20-Poly1305 AEAD box around it.
func New(secret, salt, info []byte) (*Box, error) {
	key, err := Derive(secret, salt, info, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305X: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce and optional associated
// data, prefixing the nonce to the returned ciphertext.
func (b *Box) Seal(plaintext, ad []byte) []byte {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+b.aead.Overhead())
	_, _ = rand.Read(nonce)
	return b.aead.Seal(nonce, nonce, plaintext, ad)
}

// Open reverses Seal, verifying the same associated data used at seal time.
func (b *Box) Open(ciphertext, ad []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// SealWithNonce encrypts with an explicit (non-random) nonce, used by
// components such as file-transfer chunks that derive a deterministic
// per-index nonce instead of relying on randomness.
func (b *Box) SealWithNonce(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", nonceSize, len(nonce))
	}
	return b.aead.Seal(nil, nonce, plaintext, ad), nil
}

// OpenWithNonce reverses SealWithNonce.
func (b *Box) OpenWithNonce(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", nonceSize, len(nonce))
	}
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// NonceSize reports the nonce length a Box expects from *WithNonce callers.
func NonceSize() int { return nonceSize }

// Derive expands key material via HKDF-SHA512.
func Derive(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(hasher, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RandomText returns a random base32 string of length l, used for session
// prefixes and similar short, humanish tokens.
func RandomText(l int) string {
	src := make([]byte, l)
	_, _ = rand.Read(src)
	for i := range src {
		src[i] = base32Alphabet[src[i]%32]
	}
	return string(src)
}

// RandomBytes returns l cryptographically random bytes.
func RandomBytes(l int) []byte {
	b := make([]byte, l)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("reading random bytes: %w", err))
	}
	return b
}
