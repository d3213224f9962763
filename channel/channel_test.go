package channel_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/channel"
)

type fakeSender struct {
	mu  sync.Mutex
	out map[uint64][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{out: make(map[uint64][][]byte)}
}

func (f *fakeSender) Send(contactID uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[contactID] = append(f.out[contactID], data)
	return nil
}

func (f *fakeSender) last(contactID uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.out[contactID]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (f *fakeSender) count(contactID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out[contactID])
}

func TestSendReceiveRoundTrip(t *testing.T) {
	r := require.New(t)
	sender := newFakeSender()
	router := channel.NewRouter(sender)

	received := make(chan channel.TextFrame, 1)
	router.On(channel.FrameText, func(contactID uint64, raw json.RawMessage) {
		var f channel.TextFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			received <- f
		}
	})

	frame := channel.TextFrame{
		Meta:       channel.Meta{Type: channel.FrameText, ID: "m1", Ts: 1},
		Ciphertext: []byte("ct"),
		Header:     channel.RatchetHeader{DHPublic: []byte("pub"), PN: 0, N: 0},
	}
	r.NoError(router.Send(42, frame))
	r.Equal(1, sender.count(42))

	router.Receive(42, sender.last(42))

	select {
	case got := <-received:
		r.Equal("m1", got.ID)
		r.Equal([]byte("ct"), got.Ciphertext)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestUnknownFrameTypeIsDroppedNotErrored(t *testing.T) {
	sender := newFakeSender()
	router := channel.NewRouter(sender)

	frame := channel.Meta{Type: "mystery", ID: "x", Ts: 1}
	require.NoError(t, router.Send(1, frame))

	require.NotPanics(t, func() {
		router.Receive(1, sender.last(1))
	})
}

func TestTruncatedFrameIsDropped(t *testing.T) {
	sender := newFakeSender()
	router := channel.NewRouter(sender)

	called := false
	router.On(channel.FrameText, func(contactID uint64, raw json.RawMessage) {
		called = true
	})

	router.Receive(1, []byte{0, 0, 0, 10})
	require.False(t, called)
}

func TestTypingThrottle(t *testing.T) {
	r := require.New(t)
	sender := newFakeSender()
	router := channel.NewRouter(sender)

	r.NoError(router.SendTyping(7, true))
	r.NoError(router.SendTyping(7, true))
	r.Equal(1, sender.count(7), "second active=true within throttle window should be suppressed")

	r.NoError(router.SendTyping(7, false))
	r.Equal(2, sender.count(7), "active=false should never be throttled")
}
