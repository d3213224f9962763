package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/transport"
)

func waitConnected(t *testing.T, m *transport.Manager, contactID uint64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if m.State(contactID) == transport.Connected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("contact %d never reached Connected, last state %s", contactID, m.State(contactID))
}

func TestOfferAnswerEstablishesDataChannel(t *testing.T) {
	r := require.New(t)

	mgrA := transport.NewManager(webrtc.Configuration{})
	mgrB := transport.NewManager(webrtc.Configuration{})
	defer mgrA.CloseAll()
	defer mgrB.CloseAll()

	received := make(chan []byte, 1)
	mgrB.OnMessage(func(contactID uint64, data []byte) {
		received <- data
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	offer, err := mgrA.CreateOffer(ctx, 1)
	r.NoError(err)
	r.NotEmpty(offer)

	answer, err := mgrB.CreateAnswer(ctx, 1, offer)
	r.NoError(err)
	r.NotEmpty(answer)

	r.NoError(mgrA.SetAnswer(1, answer))

	waitConnected(t, mgrA, 1)
	waitConnected(t, mgrB, 1)

	r.NoError(mgrA.Send(1, []byte("hello over webrtc")))

	select {
	case data := <-received:
		r.Equal("hello over webrtc", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}
}

func TestSendOnUnknownContactFails(t *testing.T) {
	r := require.New(t)
	mgr := transport.NewManager(webrtc.Configuration{})
	defer mgr.CloseAll()

	err := mgr.Send(999, []byte("x"))
	r.ErrorIs(err, transport.ErrUnknownPeer)
}

func TestCloseIsIdempotent(t *testing.T) {
	r := require.New(t)
	mgr := transport.NewManager(webrtc.Configuration{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := mgr.CreateOffer(ctx, 1)
	r.NoError(err)

	r.NoError(mgr.Close(1))
	r.NoError(mgr.Close(1))
	r.Equal(transport.New, mgr.State(1))
}
