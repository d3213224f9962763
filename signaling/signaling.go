// Package signaling maintains the persistent connection to the
// signalling server used to exchange presence, SDP offers/answers, ICE
// candidates and opaque call-* payloads before a direct peer connection
// exists. It generalises the teacher's requestHandshake/acceptHandshake
// challenge/response pair (handshake.go) from a raw TCP transport to a
// reconnecting WebSocket client, and borrows its crypto/rand +
// math/rand/v2 jitter idiom (padding) for reconnect backoff.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/noctua-im/noctua/identity"
)

// State is the client's connection lifecycle stage.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	authChallengeSig = "sig-auth-v1"
	minBackoff       = 500 * time.Millisecond
	maxBackoff       = 30 * time.Second
	teardownGrace    = time.Second
	sendBuffer       = 64
	subscribeBuffer  = 32
)

var (
	ErrClosed   = errors.New("signaling: client closed")
	ErrAuthDenied = errors.New("signaling: authentication denied")
)

// Envelope is the wire shape of every frame exchanged with the server.
type Envelope struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type authChallengePayload struct {
	Challenge string `json:"challenge"`
	Timestamp int64  `json:"ts"`
}

type authResponsePayload struct {
	Fingerprint string `json:"fingerprint"`
	Signature   []byte `json:"signature"`
}

// Client is a reconnecting signalling connection for a single identity.
type Client struct {
	url string
	id  *identity.Identity

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	send  chan Envelope
	subs  map[string][]chan Envelope
	onState func(State)

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a client bound to the given server URL and identity. Run
// must be called to start the connect/reconnect loop.
func New(url string, id *identity.Identity) *Client {
	return &Client{
		url:    url,
		id:     id,
		state:  Disconnected,
		send:   make(chan Envelope, sendBuffer),
		subs:   make(map[string][]chan Envelope),
		closed: make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked whenever the connection
// state changes. Must be called before Run.
func (c *Client) OnStateChange(fn func(State)) {
	c.onState = fn
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Subscribe returns a channel receiving every inbound envelope whose
// Type matches frameType. The channel is buffered; a slow subscriber
// drops frames rather than stall the read loop.
func (c *Client) Subscribe(frameType string) <-chan Envelope {
	ch := make(chan Envelope, subscribeBuffer)
	c.mu.Lock()
	c.subs[frameType] = append(c.subs[frameType], ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) fanOut(e Envelope) {
	c.mu.Lock()
	subs := append([]chan Envelope(nil), c.subs[e.Type]...)
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Send enqueues an envelope for delivery over the single sender-
// serialising channel. It blocks only long enough to enqueue, never for
// the round trip to the server.
func (c *Client) Send(ctx context.Context, e Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- e:
		return nil
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled or Close
// is called. It should be run in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		err := c.runOnce(ctx)
		if c.State() == Connected {
			backoff = minBackoff
		}
		if err != nil {
			c.setState(Disconnected)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-time.After(jittered(backoff)):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// jittered returns d plus up to 20% random jitter, the same
// non-determinism source the teacher's padding helper draws from.
func jittered(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int64N(int64(d) / 5))
	return d + jitter
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(Connecting)

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: http.DefaultClient,
	})
	if err != nil {
		return fmt.Errorf("dialing signalling server: %w", err)
	}
	defer conn.CloseNow()

	c.setState(Authenticating)
	if err := c.authenticate(ctx, conn); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected)

	errCh := make(chan error, 2)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		errCh <- c.readLoop(ctx, conn)
	}()
	go func() {
		errCh <- c.writeLoop(ctx, conn)
	}()

	err = <-errCh
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
	<-readerDone
	return err
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth challenge: %w", err)
	}
	if typ != websocket.MessageText {
		return fmt.Errorf("unexpected auth frame type %v", typ)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding auth envelope: %w", err)
	}
	if env.Type != "auth-challenge" {
		return fmt.Errorf("expected auth-challenge, got %q", env.Type)
	}

	var challenge authChallengePayload
	if err := json.Unmarshal(env.Payload, &challenge); err != nil {
		return fmt.Errorf("decoding auth challenge payload: %w", err)
	}

	msg := buildAuthMessage(challenge.Challenge, challenge.Timestamp)
	sig, err := c.id.Sign(msg)
	if err != nil {
		return fmt.Errorf("signing auth challenge: %w", err)
	}

	resp := authResponsePayload{
		Fingerprint: c.id.Fingerprint(),
		Signature:   sig,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding auth response: %w", err)
	}
	respEnv := Envelope{Type: "auth-response", Payload: payload}
	respBytes, err := json.Marshal(respEnv)
	if err != nil {
		return fmt.Errorf("encoding auth response envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, respBytes); err != nil {
		return fmt.Errorf("writing auth response: %w", err)
	}

	typ, data, err = conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if typ != websocket.MessageText {
		return fmt.Errorf("unexpected auth result frame type %v", typ)
	}
	var result Envelope
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decoding auth result: %w", err)
	}
	if result.Type != "auth-ok" {
		return ErrAuthDenied
	}
	return nil
}

func buildAuthMessage(challenge string, ts int64) []byte {
	msg := []byte(authChallengeSig)
	msg = append(msg, challenge...)
	tsBytes := fmt.Sprintf("%d", ts)
	msg = append(msg, tsBytes...)
	return msg
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.fanOut(env)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return c.drainSends(ctx, conn)
		case e := <-c.send:
			if err := c.writeEnvelope(ctx, conn, e); err != nil {
				return err
			}
		}
	}
}

// drainSends flushes whatever is already queued in c.send, bounded by
// teardownGrace, so a Close call doesn't silently drop a message that
// was handed to Send moments earlier.
func (c *Client) drainSends(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case e := <-c.send:
			if err := c.writeEnvelope(ctx, conn, e); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) writeEnvelope(ctx context.Context, conn *websocket.Conn, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close stops the reconnect loop and tears down any live connection,
// draining in-flight sends for up to one second before forcing closed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(teardownGrace)
		time.Sleep(teardownGrace / 20)
		for len(c.send) > 0 && time.Now().Before(deadline) {
			time.Sleep(teardownGrace / 20)
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "closing")
		}
		c.setState(Disconnected)
	})
	return nil
}
