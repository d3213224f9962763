// Package transport manages one WebRTC peer connection per contact, each
// carrying a single reliable, ordered "messages" data channel. It plays
// the role the teacher's Conn/Transport pair (conn.go, transport.go)
// plays for a plain TCP session, generalised to a connection-per-contact
// table instead of a single process-wide link.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is a peer connection's lifecycle stage.
type State int

const (
	New State = iota
	Connecting
	Connected
	Disconnected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	dataChannelLabel  = "messages"
	bufferedLowWater  = 256 * 1024
	bufferedHighWater = 1024 * 1024
)

var (
	ErrUnknownPeer    = errors.New("transport: unknown contact")
	ErrPeerExists     = errors.New("transport: peer already exists")
	ErrBackpressured  = errors.New("transport: send buffer above high watermark")
	ErrChannelNotOpen = errors.New("transport: data channel not open")
)

// Peer is one contact's WebRTC connection.
type Peer struct {
	contactID uint64
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel

	mu    sync.Mutex
	state State

	readyMu sync.Mutex
	ready   chan struct{}
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the peer's current connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) signalReady() {
	p.readyMu.Lock()
	if p.ready != nil {
		close(p.ready)
		p.ready = nil
	}
	p.readyMu.Unlock()
}

// SendReady resolves once the data channel's buffered amount has fallen
// back below the low watermark, mirroring pion's documented
// OnBufferedAmountLow callback usage.
func (p *Peer) SendReady(ctx context.Context) <-chan struct{} {
	p.readyMu.Lock()
	if p.dc.BufferedAmount() < bufferedLowWater {
		p.readyMu.Unlock()
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if p.ready == nil {
		p.ready = make(chan struct{})
	}
	ch := p.ready
	p.readyMu.Unlock()
	return ch
}

// Manager owns the contact-keyed table of peer connections.
type Manager struct {
	config webrtc.Configuration

	mu    sync.RWMutex
	peers map[uint64]*Peer

	onState   func(contactID uint64, s State)
	onMessage func(contactID uint64, data []byte)
}

// NewManager creates a Manager using the given ICE server configuration.
func NewManager(config webrtc.Configuration) *Manager {
	return &Manager{
		config: config,
		peers:  make(map[uint64]*Peer),
	}
}

// OnStateChange registers a callback invoked whenever any peer's
// connection state changes.
func (m *Manager) OnStateChange(fn func(contactID uint64, s State)) {
	m.onState = fn
}

// OnMessage registers a callback invoked for every inbound data channel
// message, across all peers.
func (m *Manager) OnMessage(fn func(contactID uint64, data []byte)) {
	m.onMessage = fn
}

// State returns the given contact's current connection state, or New if
// no peer has been created yet.
func (m *Manager) State(contactID uint64) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[contactID]
	if !ok {
		return New
	}
	return p.State()
}

func (m *Manager) newPeerConnection(contactID uint64) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.mu.RLock()
		p, ok := m.peers[contactID]
		m.mu.RUnlock()
		if !ok {
			return
		}
		p.setState(fromPionState(s))
		if m.onState != nil {
			m.onState(contactID, fromPionState(s))
		}
	})
	return pc, nil
}

func fromPionState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return New
	case webrtc.PeerConnectionStateConnecting:
		return Connecting
	case webrtc.PeerConnectionStateConnected:
		return Connected
	case webrtc.PeerConnectionStateDisconnected:
		return Disconnected
	case webrtc.PeerConnectionStateFailed:
		return Failed
	case webrtc.PeerConnectionStateClosed:
		return Closed
	default:
		return New
	}
}

func (m *Manager) attachDataChannel(contactID uint64, p *Peer, dc *webrtc.DataChannel) {
	p.dc = dc
	dc.SetBufferedAmountLowThreshold(bufferedLowWater)
	dc.OnBufferedAmountLow(p.signalReady)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.onMessage != nil {
			m.onMessage(contactID, msg.Data)
		}
	})
}

// CreateOffer creates a new peer connection for contactID, opens the
// "messages" data channel before generating the offer (so the initial
// SDP already carries the application m-line), waits for ICE gathering
// to complete (non-trickle), and returns the final offer SDP.
func (m *Manager) CreateOffer(ctx context.Context, contactID uint64) (string, error) {
	m.mu.Lock()
	if _, exists := m.peers[contactID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrPeerExists, contactID)
	}
	pc, err := m.newPeerConnection(contactID)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	p := &Peer{contactID: contactID, pc: pc, state: New}
	m.peers[contactID] = p
	m.mu.Unlock()

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	m.attachDataChannel(contactID, p, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return pc.LocalDescription().SDP, nil
}

// CreateAnswer creates a new peer connection for contactID from a remote
// offer SDP, awaits ICE gathering completion, and returns the answer SDP.
func (m *Manager) CreateAnswer(ctx context.Context, contactID uint64, offerSDP string) (string, error) {
	m.mu.Lock()
	if _, exists := m.peers[contactID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrPeerExists, contactID)
	}
	pc, err := m.newPeerConnection(contactID)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	p := &Peer{contactID: contactID, pc: pc, state: New}
	m.peers[contactID] = p
	m.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.attachDataChannel(contactID, p, dc)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return pc.LocalDescription().SDP, nil
}

// SetAnswer completes the offering side's handshake by applying the
// remote answer SDP.
func (m *Manager) SetAnswer(contactID uint64, answerSDP string) error {
	p, err := m.peer(contactID)
	if err != nil {
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// AddICECandidate applies a trickled ICE candidate, for signalling
// servers or networks where non-trickle gathering takes too long.
func (m *Manager) AddICECandidate(contactID uint64, candidate webrtc.ICECandidateInit) error {
	p, err := m.peer(contactID)
	if err != nil {
		return err
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ice candidate: %w", err)
	}
	return nil
}

func (m *Manager) peer(contactID uint64) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[contactID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, contactID)
	}
	return p, nil
}

// Send writes data to the contact's data channel, refusing above the
// high watermark so callers back off instead of growing pion's internal
// send queue without bound.
func (m *Manager) Send(contactID uint64, data []byte) error {
	p, err := m.peer(contactID)
	if err != nil {
		return err
	}
	if p.dc == nil {
		return ErrChannelNotOpen
	}
	if p.dc.BufferedAmount() >= bufferedHighWater {
		return ErrBackpressured
	}
	if err := p.dc.Send(data); err != nil {
		return fmt.Errorf("sending on data channel: %w", err)
	}
	return nil
}

// SendReady returns a channel for the given contact that resolves when
// the data channel is ready to accept more data without exceeding the
// low watermark.
func (m *Manager) SendReady(ctx context.Context, contactID uint64) (<-chan struct{}, error) {
	p, err := m.peer(contactID)
	if err != nil {
		return nil, err
	}
	return p.SendReady(ctx), nil
}

// Close tears down and forgets the peer connection for contactID. It is
// the sole releaser of that peer's resources; calling it twice is a
// harmless no-op.
func (m *Manager) Close(contactID uint64) error {
	m.mu.Lock()
	p, ok := m.peers[contactID]
	if ok {
		delete(m.peers, contactID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	p.setState(Closed)
	if p.dc != nil {
		_ = p.dc.Close()
	}
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

// CloseAll tears down every peer connection the manager owns.
func (m *Manager) CloseAll() error {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Close(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
