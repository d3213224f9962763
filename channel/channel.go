// Package channel implements the message protocol layered over a
// transport.Manager data channel: length-prefixed JSON frames, typed
// dispatch to subscribers, and the send-side typing throttle. It
// generalises the teacher's Router/RouteDispatcher (router.go) from a
// protobuf Route enum to the spec's string FrameType, and reuses
// conn.go's 4-byte-BE length-prefix framing convention, applied to a
// webrtc data channel message instead of a net.Conn byte stream.
package channel

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	lengthPrefixSize = 4
	maxFrameSize     = 16 * 1024 * 1024
	typingThrottle   = 3 * time.Second
)

var (
	ErrFrameTooLarge  = errors.New("channel: frame exceeds maximum size")
	ErrFrameTruncated = errors.New("channel: frame shorter than its length prefix")
)

// Sender is the subset of transport.Manager the router needs to emit
// frames. Kept as an interface so tests can substitute a fake.
type Sender interface {
	Send(contactID uint64, data []byte) error
}

// Handler processes one decoded frame for a given contact. raw is the
// full frame JSON, letting the handler unmarshal into its own typed
// struct (TextFrame, EditFrame, ...).
type Handler func(contactID uint64, raw json.RawMessage)

// Router dispatches inbound frames by type and frames outbound sends.
type Router struct {
	sender Sender

	mu       sync.RWMutex
	handlers map[FrameType][]Handler

	typingMu   sync.Mutex
	lastTyping map[uint64]time.Time
}

// NewRouter creates a Router that sends through sender. Wire it to a
// transport.Manager's inbound stream via Router.Receive, typically
// passed as the manager's OnMessage callback.
func NewRouter(sender Sender) *Router {
	return &Router{
		sender:     sender,
		handlers:   make(map[FrameType][]Handler),
		lastTyping: make(map[uint64]time.Time),
	}
}

// On registers fn to be called for every inbound frame of the given
// type. Multiple handlers may be registered for the same type.
func (r *Router) On(t FrameType, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], fn)
}

// Receive decodes one length-prefixed frame and dispatches it to every
// handler registered for its type. Unknown types are logged and
// dropped without surfacing an error, matching the spec's "unknown
// types are logged and dropped" rule (the teacher's Router.Dispatch
// instead returns ErrNoHandler to its caller; that behavior doesn't fit
// a fire-and-forget inbound stream with no caller to report to).
func (r *Router) Receive(contactID uint64, data []byte) {
	body, err := unframe(data)
	if err != nil {
		slog.Warn("channel: dropping malformed frame", "contact_id", contactID, "error", err)
		return
	}

	var meta Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		slog.Warn("channel: dropping undecodable frame", "contact_id", contactID, "error", err)
		return
	}

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[meta.Type]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Warn("channel: no handler for frame type", "contact_id", contactID, "type", meta.Type)
		return
	}
	for _, h := range handlers {
		h(contactID, json.RawMessage(body))
	}
}

// Send marshals frame to JSON, wraps it in a length prefix, and writes
// it to the contact's data channel.
func (r *Router) Send(contactID uint64, frame any) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}
	return r.sender.Send(contactID, prependLength(body))
}

func prependLength(body []byte) []byte {
	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)
	return buf
}

func unframe(data []byte) ([]byte, error) {
	if len(data) < lengthPrefixSize {
		return nil, ErrFrameTruncated
	}
	n := binary.BigEndian.Uint32(data[:lengthPrefixSize])
	if int(n) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := data[lengthPrefixSize:]
	if uint32(len(body)) < n {
		return nil, ErrFrameTruncated
	}
	return body[:n], nil
}

// SendTyping emits a typing{active} frame, throttling active=true to at
// most once per typingThrottle per contact. active=false (stopped
// typing) is never throttled so the remote doesn't see a stuck
// indicator.
func (r *Router) SendTyping(contactID uint64, active bool) error {
	if active {
		r.typingMu.Lock()
		last, ok := r.lastTyping[contactID]
		now := time.Now()
		if ok && now.Sub(last) < typingThrottle {
			r.typingMu.Unlock()
			return nil
		}
		r.lastTyping[contactID] = now
		r.typingMu.Unlock()
	}

	frame := TypingFrame{
		Meta:   Meta{Type: FrameTyping, Ts: time.Now().UnixNano()},
		Active: active,
	}
	return r.Send(contactID, frame)
}
