// Package messaging orchestrates identity, ratchet, signaling,
// transport, channel and store into the conversation-level operations a
// facade exposes: send/receive text, edit, delete, reaction and typing.
// It follows the teacher's requestHandshake/acceptHandshake ordering
// discipline (handshake.go) of mutating durable state before any bytes
// go on the wire, and reuses session.go's HandshakeTracker.CleanupExpired
// sweep shape for its own edit-buffer expiry.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noctua-im/noctua/channel"
	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/ratchet"
	"github.com/noctua-im/noctua/signaling"
	"github.com/noctua-im/noctua/store"
	"github.com/noctua-im/noctua/transport"
)

// EditWindow bounds how long an edit frame that arrived before its
// target message is held, waiting for the original to show up.
const EditWindow = 30 * time.Second

const editSweepInterval = 5 * time.Second

var (
	ErrNoSession     = errors.New("messaging: no ratchet session for contact")
	ErrUnknownTarget = errors.New("messaging: unknown message target")
)

// Service wires the p2p messaging pipeline for a single local identity.
type Service struct {
	self      *identity.Identity
	st        *store.Store
	transport *transport.Manager
	channel   *channel.Router
	sig       *signaling.Client

	mu       sync.Mutex
	sessions map[uint64]*ratchet.Session

	editMu       sync.Mutex
	pendingEdits map[string][]bufferedEdit

	onMessage func(store.Message)
	onTyping  func(contactID uint64, active bool)
}

type bufferedEdit struct {
	contactID uint64
	targetID  string
	newBody   string
	queuedAt  time.Time
}

// New creates a Service and registers its frame handlers on router.
func New(self *identity.Identity, st *store.Store, tm *transport.Manager, router *channel.Router) *Service {
	s := &Service{
		self:         self,
		st:           st,
		transport:    tm,
		channel:      router,
		sessions:     make(map[uint64]*ratchet.Session),
		pendingEdits: make(map[string][]bufferedEdit),
	}
	router.On(channel.FrameSessionInit, s.onSessionInit)
	router.On(channel.FrameText, s.onText)
	router.On(channel.FrameEdit, s.onEdit)
	router.On(channel.FrameDelete, s.onDelete)
	router.On(channel.FrameReaction, s.onReaction)
	router.On(channel.FrameTyping, s.onTypingFrame)
	return s
}

// OnMessage registers a callback invoked whenever a message is
// persisted, whether sent locally or received from a contact.
func (s *Service) OnMessage(fn func(store.Message)) { s.onMessage = fn }

// OnTyping registers a callback invoked for inbound typing frames.
func (s *Service) OnTyping(fn func(contactID uint64, active bool)) { s.onTyping = fn }

// RunEditSweep periodically evicts edit frames that have waited longer
// than EditWindow for their target message to arrive. It blocks until
// done is closed and should be run in its own goroutine, mirroring the
// teacher's CleanupExpired sweep over HandshakeTracker.
func (s *Service) RunEditSweep(done <-chan struct{}) {
	ticker := time.NewTicker(editSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sweepExpiredEdits()
		}
	}
}

func (s *Service) sweepExpiredEdits() int {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	evicted := 0
	now := time.Now()
	for key, edits := range s.pendingEdits {
		kept := edits[:0]
		for _, e := range edits {
			if now.Sub(e.queuedAt) > EditWindow {
				evicted++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.pendingEdits, key)
		} else {
			s.pendingEdits[key] = kept
		}
	}
	return evicted
}

// Session returns the live ratchet session for contactID, the same
// lookup SendText/onText use, exported so filetransfer can derive its
// per-transfer key from the same session root without duplicating
// session management.
func (s *Service) Session(contactID uint64) (*ratchet.Session, error) {
	return s.session(contactID)
}

// session returns the live ratchet session for contactID, loading it
// from the store on first use.
func (s *Service) session(contactID uint64) (*ratchet.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[contactID]; ok {
		return sess, nil
	}
	data, err := s.st.GetRatchetSession(contactID)
	if err != nil {
		return nil, err
	}
	sess, err := ratchet.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("restoring ratchet session: %w", err)
	}
	s.sessions[contactID] = sess
	return sess, nil
}

func (s *Service) saveSession(contactID uint64, sess *ratchet.Session) error {
	s.mu.Lock()
	s.sessions[contactID] = sess
	s.mu.Unlock()

	data, err := sess.Serialize()
	if err != nil {
		return fmt.Errorf("serializing ratchet session: %w", err)
	}
	return s.st.SaveRatchetSession(contactID, data)
}

// ensureSession returns the session for contactID, creating a fresh
// X3DH-lite handshake with ratchet.Initiate when none exists yet. The
// returned handshake is non-nil only when a new session was created,
// signalling the caller to also emit a session-init frame.
func (s *Service) ensureSession(contactID uint64) (*ratchet.Session, *ratchet.Handshake, error) {
	if sess, err := s.session(contactID); err == nil {
		return sess, nil, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	contact, err := s.st.GetContact(contactID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading contact: %w", err)
	}
	remoteKA, err := identity.ParseKAPublicKey(contact.KAKey)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing contact key-agreement key: %w", err)
	}

	sess, hs, err := ratchet.Initiate(s.self, remoteKA)
	if err != nil {
		return nil, nil, fmt.Errorf("initiating ratchet session: %w", err)
	}
	if err := s.saveSession(contactID, sess); err != nil {
		return nil, nil, err
	}
	return sess, &hs, nil
}

func toWireHeader(h ratchet.Header) channel.RatchetHeader {
	return channel.RatchetHeader{DHPublic: h.DHPublic, PN: h.PN, N: h.N}
}

func fromWireHeader(h channel.RatchetHeader) ratchet.Header {
	return ratchet.Header{DHPublic: h.DHPublic, PN: h.PN, N: h.N}
}
