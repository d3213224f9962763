package noctua

import (
	"github.com/noctua-im/noctua/store"
	"github.com/noctua-im/noctua/transport"
)

// ConnectionEvent reports the signalling client's own connection
// lifecycle, independent of any individual peer.
type ConnectionEvent struct {
	State string `json:"state"`
}

// PresenceEvent reports a contact's latest presence update, received
// over the signalling channel per spec §6's presence envelope.
type PresenceEvent struct {
	ContactID uint64 `json:"contact_id"`
	Status    string `json:"status"`
}

// MessageEvent wraps a persisted message, whether sent locally or
// received from a contact, exactly as messaging.Service.OnMessage hands
// it to the facade.
type MessageEvent struct {
	Message store.Message `json:"message"`
}

// P2PStateEvent folds a contact's peer-connection lifecycle and, when
// non-nil, a live typing indicator into one stream — the spec's event
// list has no dedicated typing event, and typing is itself a transient
// fact about the p2p session with that contact, so it rides here.
type P2PStateEvent struct {
	ContactID uint64  `json:"contact_id"`
	State     string  `json:"state"`
	Typing    *bool   `json:"typing,omitempty"`
}

// FileProgressEvent mirrors filetransfer.Manager.OnProgress.
type FileProgressEvent struct {
	TransferID     string  `json:"transfer_id"`
	BytesDone      int64   `json:"bytes_done"`
	TotalBytes     int64   `json:"total_bytes"`
	BytesPerSecond float64 `json:"bytes_per_second"`
	ETASeconds     float64 `json:"eta_seconds"`
}

// FileReceivedEvent fires once an inbound transfer's file record is
// durably persisted.
type FileReceivedEvent struct {
	ContactID uint64          `json:"contact_id"`
	File      store.FileRecord `json:"file"`
}

// TransferCompleteEvent fires for both directions on a clean finish.
type TransferCompleteEvent struct {
	TransferID string `json:"transfer_id"`
}

// TransferErrorEvent carries a transfer's terminal failure, whichever
// side observed it.
type TransferErrorEvent struct {
	TransferID string `json:"transfer_id"`
	Error      string `json:"error"`
}

const eventBufferSize = 64

// eventBus is the multi-producer single-consumer fan-in the facade
// promises per logical stream: every wiring callback (messaging,
// transport, signalling, filetransfer) runs on its own goroutine and
// writes here; exactly one reader per channel drains it into the UI.
type eventBus struct {
	connection       chan ConnectionEvent
	presence         chan PresenceEvent
	message          chan MessageEvent
	p2pState         chan P2PStateEvent
	fileProgress     chan FileProgressEvent
	fileReceived     chan FileReceivedEvent
	transferComplete chan TransferCompleteEvent
	transferError    chan TransferErrorEvent
}

func newEventBus() *eventBus {
	return &eventBus{
		connection:       make(chan ConnectionEvent, eventBufferSize),
		presence:         make(chan PresenceEvent, eventBufferSize),
		message:          make(chan MessageEvent, eventBufferSize),
		p2pState:         make(chan P2PStateEvent, eventBufferSize),
		fileProgress:     make(chan FileProgressEvent, eventBufferSize),
		fileReceived:     make(chan FileReceivedEvent, eventBufferSize),
		transferComplete: make(chan TransferCompleteEvent, eventBufferSize),
		transferError:    make(chan TransferErrorEvent, eventBufferSize),
	}
}

// send drops the event rather than blocking the producing goroutine when
// a consumer has fallen behind the buffer; a UI that isn't draining its
// events channel shouldn't be able to stall the messaging/transport
// reactor.
func send[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Events returns the eight push-event channels a consumer selects over.
// Each is buffered and single-consumer; reading from the same channel
// from multiple goroutines is safe but delivery order across readers is
// unspecified.
type Events struct {
	Connection       <-chan ConnectionEvent
	Presence         <-chan PresenceEvent
	Message          <-chan MessageEvent
	P2PState         <-chan P2PStateEvent
	FileProgress     <-chan FileProgressEvent
	FileReceived     <-chan FileReceivedEvent
	TransferComplete <-chan TransferCompleteEvent
	TransferError    <-chan TransferErrorEvent
}

func (f *Facade) Events() Events {
	return Events{
		Connection:       f.events.connection,
		Presence:         f.events.presence,
		Message:          f.events.message,
		P2PState:         f.events.p2pState,
		FileProgress:     f.events.fileProgress,
		FileReceived:     f.events.fileReceived,
		TransferComplete: f.events.transferComplete,
		TransferError:    f.events.transferError,
	}
}

func connStateString(s transport.State) string { return s.String() }
