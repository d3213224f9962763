// Package ratchet implements an X3DH-lite handshake and a Signal-style
// Double Ratchet session: per-message key derivation over a chain of
// HKDF steps, with a DH ratchet step whenever the peer's ratchet public
// key changes, a bounded skipped-message-key cache for out-of-order
// delivery, and a serialisable Session for persistence through store.
package ratchet

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/internal/seal"
)

var (
	ErrSessionUnknown = errors.New("ratchet: no session established")
	ErrOutOfSync      = errors.New("ratchet: message out of sync with chain")
	ErrAuthentication = errors.New("ratchet: authentication failed")
	ErrTooManySkipped = errors.New("ratchet: too many skipped messages")
)

// Handshake is the X3DH-lite header exchanged to establish a session: the
// initiator's fresh ephemeral X25519 key plus their static key-agreement
// public key, which the responder needs to reconstruct the shared secret
// (both DH terms are asymmetric: ECDH is commutative per side, but each
// side needs the other's public half of both terms).
type Handshake struct {
	Ephemeral   []byte
	InitiatorKA []byte
}

// Header accompanies every ciphertext and carries just enough state for
// the receiver to detect a DH ratchet step and locate (or cache) the
// message key.
type Header struct {
	DHPublic []byte
	PN       uint32
	N        uint32
}

// Session is one contact's live Double Ratchet state.
type Session struct {
	rootKey []byte
	sendCK  []byte
	recvCK  []byte

	dhSelf  *ecdh.PrivateKey
	dhRemote *ecdh.PublicKey

	pn uint32
	ns uint32
	nr uint32

	// skipped[dhRemotePublicBytes][chainIndex] = message key. Each inner
	// map is bounded at MaxSkipped entries (one DH ratchet chain); the
	// map as a whole is bounded at DOSCeiling entries total, so a peer
	// cannot force unbounded growth by cycling through many chains.
	skipped map[string]map[uint32][]byte
}

// Initiate begins a session as the handshake initiator: it generates a
// fresh ephemeral X25519 key, derives the X3DH-lite shared secret against
// the remote's static key-agreement key, and performs the first DH
// ratchet step so the initiator can send immediately.
func Initiate(self *identity.Identity, remoteKA *ecdh.PublicKey) (*Session, Handshake, error) {
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("generating ephemeral key: %w", err)
	}

	dh1, err := ephemeral.ECDH(remoteKA)
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("ephemeral-remote ecdh: %w", err)
	}
	dh2, err := self.KA.ECDH(remoteKA)
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("static-static ecdh: %w", err)
	}

	root, err := deriveRoot(dh1, dh2)
	if err != nil {
		return nil, Handshake{}, err
	}

	s := &Session{
		rootKey: root,
		dhSelf:  ephemeral,
		dhRemote: remoteKA,
		skipped: make(map[string]map[uint32][]byte),
	}

	dhOut, err := s.dhSelf.ECDH(s.dhRemote)
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("initial ratchet dh: %w", err)
	}
	s.rootKey, s.sendCK, err = kdfRootChain(s.rootKey, dhOut)
	if err != nil {
		return nil, Handshake{}, err
	}

	hs := Handshake{
		Ephemeral:   ephemeral.PublicKey().Bytes(),
		InitiatorKA: self.KAPublicBytes(),
	}
	return s, hs, nil
}

// Respond completes the handshake as the receiving side: it derives the
// same X3DH-lite shared secret from the initiator's handshake header and
// seeds a session whose chains are lazily established the first time
// Decrypt observes the initiator's ratchet public key.
func Respond(self *identity.Identity, hs Handshake) (*Session, error) {
	ephemeral, err := identity.ParseKAPublicKey(hs.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("parsing handshake ephemeral key: %w", err)
	}
	initiatorKA, err := identity.ParseKAPublicKey(hs.InitiatorKA)
	if err != nil {
		return nil, fmt.Errorf("parsing handshake initiator key: %w", err)
	}

	dh1, err := self.KA.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("self-ephemeral ecdh: %w", err)
	}
	dh2, err := self.KA.ECDH(initiatorKA)
	if err != nil {
		return nil, fmt.Errorf("static-static ecdh: %w", err)
	}

	root, err := deriveRoot(dh1, dh2)
	if err != nil {
		return nil, err
	}

	return &Session{
		rootKey: root,
		dhSelf:  self.KA,
		skipped: make(map[string]map[uint32][]byte),
	}, nil
}

func deriveRoot(dh1, dh2 []byte) ([]byte, error) {
	shared, err := seal.Derive(append(append([]byte{}, dh1...), dh2...), nil, []byte(constX3DHV1), keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving x3dh shared secret: %w", err)
	}
	root, err := seal.Derive(shared, nil, []byte(constRootV1), keySize)
	if err != nil {
		return nil, fmt.Errorf("seeding root chain: %w", err)
	}
	return root, nil
}

// RootKey returns the session's current root key, the secret
// file-transfer keys are derived from (HKDF(RootKey(), info) under
// CONST_FILE_V1). It advances on every DH ratchet step, so callers must
// derive transfer keys against the root key in effect when the transfer
// was offered, not re-fetch it mid-transfer.
func (s *Session) RootKey() []byte {
	root := make([]byte, len(s.rootKey))
	copy(root, s.rootKey)
	return root
}

// Encrypt derives the next send-chain message key, encrypts plaintext
// under it, and returns the header the receiver needs to locate that key.
func (s *Session) Encrypt(plaintext, ad []byte) (Header, []byte, error) {
	if s.sendCK == nil {
		return Header{}, nil, ErrSessionUnknown
	}

	nextCK, msgKey, err := kdfChain(s.sendCK)
	if err != nil {
		return Header{}, nil, err
	}
	s.sendCK = nextCK

	header := Header{DHPublic: s.dhSelf.PublicKey().Bytes(), PN: s.pn, N: s.ns}
	s.ns++

	box, err := seal.New(msgKey, nil, []byte(constMsgV1))
	if err != nil {
		return Header{}, nil, fmt.Errorf("building message box: %w", err)
	}
	ciphertext := box.Seal(plaintext, headerAD(header, ad))
	return header, ciphertext, nil
}

// Decrypt reverses Encrypt. It transparently performs a DH ratchet step
// when header.DHPublic differs from the currently known remote key, and
// consults/populates the skipped-key cache for out-of-order delivery.
// On any error the session is restored to its state before the call.
func (s *Session) Decrypt(header Header, ciphertext, ad []byte) (plaintext []byte, err error) {
	snapshot, err := s.Serialize()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if restored, rerr := Deserialize(snapshot); rerr == nil {
				*s = *restored
			}
		}
	}()

	if msgKey, ok := s.takeSkipped(header.DHPublic, header.N); ok {
		return openWith(msgKey, header, ciphertext, ad)
	}
	if s.totalSkipped() >= DOSCeiling {
		return nil, ErrTooManySkipped
	}

	remote, err := ecdh.X25519().NewPublicKey(header.DHPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	if s.dhRemote == nil || !keysEqual(s.dhRemote, remote) {
		if err := s.skipRemaining(header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(remote); err != nil {
			return nil, err
		}
	}

	if header.N < s.nr {
		return nil, ErrOutOfSync
	}
	if err := s.skipCurrent(header.N); err != nil {
		return nil, err
	}

	nextCK, msgKey, err := kdfChain(s.recvCK)
	if err != nil {
		return nil, err
	}
	s.recvCK = nextCK
	s.nr++

	return openWith(msgKey, header, ciphertext, ad)
}

func openWith(msgKey []byte, header Header, ciphertext, ad []byte) ([]byte, error) {
	box, err := seal.New(msgKey, nil, []byte(constMsgV1))
	if err != nil {
		return nil, fmt.Errorf("building message box: %w", err)
	}
	plaintext, err := box.Open(ciphertext, headerAD(header, ad))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// skipCurrent advances the current receive chain up to header.N,
// stashing every intermediate message key in the skipped cache so a
// reordered delivery of an earlier index can still be decrypted.
func (s *Session) skipCurrent(n uint32) error {
	chain := s.dhRemote.Bytes()
	for s.nr < n {
		if s.skippedCount(chain) >= MaxSkipped {
			return ErrTooManySkipped
		}
		nextCK, msgKey, err := kdfChain(s.recvCK)
		if err != nil {
			return err
		}
		s.recvCK = nextCK
		s.storeSkipped(s.dhRemote.Bytes(), s.nr, msgKey)
		s.nr++
	}
	return nil
}

// skipRemaining stashes every un-consumed key in the current receive
// chain before a DH ratchet step discards it, so messages still in
// flight on the old chain remain decryptable.
func (s *Session) skipRemaining(pn uint32) error {
	if s.recvCK == nil {
		return nil
	}
	chain := s.dhRemote.Bytes()
	for s.nr < pn {
		if s.skippedCount(chain) >= MaxSkipped {
			return ErrTooManySkipped
		}
		nextCK, msgKey, err := kdfChain(s.recvCK)
		if err != nil {
			return err
		}
		s.recvCK = nextCK
		s.storeSkipped(s.dhRemote.Bytes(), s.nr, msgKey)
		s.nr++
	}
	return nil
}

func (s *Session) dhRatchet(remote *ecdh.PublicKey) error {
	s.pn = s.ns
	s.ns = 0
	s.nr = 0
	s.dhRemote = remote

	dhOut1, err := s.dhSelf.ECDH(s.dhRemote)
	if err != nil {
		return fmt.Errorf("dh ratchet recv step: %w", err)
	}
	var newRoot []byte
	newRoot, s.recvCK, err = kdfRootChain(s.rootKey, dhOut1)
	if err != nil {
		return err
	}
	s.rootKey = newRoot

	newSelf, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating new ratchet key: %w", err)
	}
	s.dhSelf = newSelf

	dhOut2, err := s.dhSelf.ECDH(s.dhRemote)
	if err != nil {
		return fmt.Errorf("dh ratchet send step: %w", err)
	}
	s.rootKey, s.sendCK, err = kdfRootChain(s.rootKey, dhOut2)
	return err
}

// skippedCount reports how many keys are cached for a single chain
// (one outer skipped[...] entry), the quantity MaxSkipped bounds.
func (s *Session) skippedCount(chain []byte) int {
	return len(s.skipped[string(chain)])
}

// totalSkipped reports the cache size across every chain, the quantity
// DOSCeiling bounds so a peer cannot force unbounded memory growth by
// spreading skipped keys across many DH ratchet steps instead of one.
func (s *Session) totalSkipped() int {
	total := 0
	for _, m := range s.skipped {
		total += len(m)
	}
	return total
}

func (s *Session) storeSkipped(dhPublic []byte, n uint32, key []byte) {
	k := string(dhPublic)
	if s.skipped[k] == nil {
		s.skipped[k] = make(map[uint32][]byte)
	}
	s.skipped[k][n] = key
}

func (s *Session) takeSkipped(dhPublic []byte, n uint32) ([]byte, bool) {
	m, ok := s.skipped[string(dhPublic)]
	if !ok {
		return nil, false
	}
	key, ok := m[n]
	if ok {
		delete(m, n)
	}
	return key, ok
}

func keysEqual(a, b *ecdh.PublicKey) bool {
	return a.Equal(b)
}

// headerAD binds the header fields plus the caller-supplied associated
// data to the AEAD call. The spec's own construction
// (ratchet_public || prev_chain_len || chain_index || len(ad)) only
// authenticates the *length* of the caller's ad, not its bytes; that
// would let an attacker swap in a same-length but different ad without
// detection, so this implementation strengthens it by appending ad's
// bytes too (see DESIGN.md's Open Question log for this deviation).
func headerAD(h Header, ad []byte) []byte {
	buf := make([]byte, 0, len(h.DHPublic)+4+4+4+len(ad))
	buf = append(buf, h.DHPublic...)
	buf = appendU32(buf, h.PN)
	buf = appendU32(buf, h.N)
	buf = appendU32(buf, uint32(len(ad)))
	buf = append(buf, ad...)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func kdfRootChain(root, dhOut []byte) (newRoot, chainKey []byte, err error) {
	seed := append(append([]byte{}, root...), dhOut...)
	expanded, err := seal.Derive(seed, nil, []byte(constRootV1), keySize*2)
	if err != nil {
		return nil, nil, fmt.Errorf("kdf root chain: %w", err)
	}
	return expanded[:keySize], expanded[keySize:], nil
}

func kdfChain(chainKey []byte) (nextCK, msgKey []byte, err error) {
	expanded, err := seal.Derive(chainKey, nil, []byte(constChainV1), keySize*2)
	if err != nil {
		return nil, nil, fmt.Errorf("kdf chain: %w", err)
	}
	return expanded[:keySize], expanded[keySize:], nil
}
