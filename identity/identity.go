// Package identity manages a user's cryptographic identity: a signing
// keypair and a key-agreement keypair, the human-verifiable fingerprint
// derived from them, and a password-protected backup envelope for both.
package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"golang.org/x/crypto/ed25519"

	"github.com/noctua-im/noctua/internal/seal"
)

// Algorithm selects the signing primitive behind an Identity. Ed25519 is
// the only algorithm the facade exposes today; MLDSA is kept wired end to
// end so a future post-quantum build can switch without restructuring
// this package.
type Algorithm int

const (
	invalidAlgorithm Algorithm = iota
	Ed25519
	MLDSA
)

func (a Algorithm) String() string {
	switch a {
	case Ed25519:
		return "ed25519"
	case MLDSA:
		return "mldsa65"
	default:
		return "invalid"
	}
}

var (
	ErrInvalidKey       = errors.New("identity: invalid key encoding")
	ErrUnknownAlgorithm = errors.New("identity: unknown algorithm")
)

// Signer is the algorithm-specific half of an Identity. Ed25519 and MLDSA
// both implement it; the rest of the package is written against the
// interface so the facade never has to branch on algorithm.
type Signer interface {
	Algorithm() Algorithm
	PublicKeyBytes() []byte
	Sign(msg []byte) ([]byte, error)
	MarshalPrivate() []byte
}

// Identity is a user's full cryptographic identity: a signing keypair
// (used to authenticate signalling challenges; the X3DH-lite handshake
// does not use it) and a key-agreement keypair (used for the X25519 Diffie-
// Hellman steps in ratchet.Initiate/Respond).
type Identity struct {
	Signer Signer
	KA     *ecdh.PrivateKey
}

// New generates a fresh identity using the given signing algorithm.
func New(alg Algorithm) (*Identity, error) {
	signer, err := newSigner(alg)
	if err != nil {
		return nil, err
	}
	ka, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key-agreement key: %w", err)
	}
	return &Identity{Signer: signer, KA: ka}, nil
}

func newSigner(alg Algorithm) (Signer, error) {
	switch alg {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ed25519 key: %w", err)
		}
		return &ed25519Signer{public: pub, private: priv}, nil
	case MLDSA:
		pub, priv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating mldsa key: %w", err)
		}
		return &mldsaSigner{public: pub, private: priv}, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// KAPublicBytes returns the marshalled X25519 public key, suitable for
// sending over the wire in a handshake header.
func (id *Identity) KAPublicBytes() []byte {
	return id.KA.PublicKey().Bytes()
}

// Sign authenticates msg under the identity's signing key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return id.Signer.Sign(msg)
}

// Fingerprint returns base32(SHA-256(signing public key)), grouped into
// 4-character blocks for human side-channel comparison.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.Signer.PublicKeyBytes())
}

// Fingerprint computes the grouped base32 fingerprint of a raw signing
// public key, exported so contacts' remote keys can be fingerprinted the
// same way as the local identity's.
func Fingerprint(signingPublicKey []byte) string {
	sum := sha256.Sum256(signingPublicKey)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	return group(encoded, 4)
}

func group(s string, size int) string {
	var b strings.Builder
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

// Verify checks sig against msg under a remote signing public key of the
// given algorithm.
func Verify(alg Algorithm, publicKey, msg, sig []byte) (bool, error) {
	switch alg {
	case Ed25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return false, ErrInvalidKey
		}
		return ed25519.Verify(publicKey, msg, sig), nil
	case MLDSA:
		pk, err := mldsa65.Scheme().UnmarshalBinaryPublicKey(publicKey)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		return mldsa65.Verify(pk.(*mldsa65.PublicKey), msg, nil, sig), nil
	default:
		return false, ErrUnknownAlgorithm
	}
}

// ParseKAPublicKey parses a wire-format X25519 public key.
func ParseKAPublicKey(b []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return pub, nil
}

// Record is the persisted shape of an Identity, as stored by the store
// package's identity bucket.
type Record struct {
	Algorithm  Algorithm
	PrivateKey []byte
	PublicKey  []byte
	KAPrivate  []byte
	KAPublic   []byte
}

// ToRecord serialises an Identity for storage.
func (id *Identity) ToRecord() Record {
	return Record{
		Algorithm:  id.Signer.Algorithm(),
		PrivateKey: id.Signer.MarshalPrivate(),
		PublicKey:  id.Signer.PublicKeyBytes(),
		KAPrivate:  id.KA.Bytes(),
		KAPublic:   id.KA.PublicKey().Bytes(),
	}
}

// FromRecord reconstructs an Identity from a stored Record.
func FromRecord(r Record) (*Identity, error) {
	var signer Signer
	switch r.Algorithm {
	case Ed25519:
		if len(r.PrivateKey) != ed25519.PrivateKeySize {
			return nil, ErrInvalidKey
		}
		signer = &ed25519Signer{
			private: ed25519.PrivateKey(r.PrivateKey),
			public:  ed25519.PublicKey(r.PublicKey),
		}
	case MLDSA:
		priv, err := mldsa65.Scheme().UnmarshalBinaryPrivateKey(r.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		pub, err := mldsa65.Scheme().UnmarshalBinaryPublicKey(r.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		signer = &mldsaSigner{
			private: priv.(*mldsa65.PrivateKey),
			public:  pub.(*mldsa65.PublicKey),
		}
	default:
		return nil, ErrUnknownAlgorithm
	}

	ka, err := ecdh.X25519().NewPrivateKey(r.KAPrivate)
	if err != nil {
		return nil, fmt.Errorf("restoring key-agreement key: %w", err)
	}

	return &Identity{Signer: signer, KA: ka}, nil
}

type ed25519Signer struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func (s *ed25519Signer) Algorithm() Algorithm    { return Ed25519 }
func (s *ed25519Signer) PublicKeyBytes() []byte  { return s.public }
func (s *ed25519Signer) MarshalPrivate() []byte  { return s.private }
func (s *ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.private, msg), nil
}

type mldsaSigner struct {
	public  *mldsa65.PublicKey
	private *mldsa65.PrivateKey
}

func (s *mldsaSigner) Algorithm() Algorithm { return MLDSA }

func (s *mldsaSigner) PublicKeyBytes() []byte {
	b, err := s.public.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("marshalling mldsa public key: %w", err))
	}
	return b
}

func (s *mldsaSigner) MarshalPrivate() []byte {
	b, err := s.private.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("marshalling mldsa private key: %w", err))
	}
	return b
}

func (s *mldsaSigner) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(s.private, msg, nil, true, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// RandomText exposes seal.RandomText for callers that need a humanish
// random token (e.g. pairing codes) without importing internal/seal
// directly.
func RandomText(l int) string { return seal.RandomText(l) }
