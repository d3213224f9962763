package signaling_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/signaling"
)

// newTestServer accepts exactly one websocket connection, runs the
// server side of the challenge-response exchange (it accepts any
// auth-response without verifying the signature), then hands the
// raw *websocket.Conn to fn for the rest of the exchange.
func newTestServer(t *testing.T, fn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()

		challengeEnv := signaling.Envelope{
			Type:    "auth-challenge",
			Payload: json.RawMessage(`{"challenge":"abc123","ts":1700000000}`),
		}
		data, _ := json.Marshal(challengeEnv)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}

		_, resp, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(resp, &env); err != nil {
			return
		}
		if env.Type != "auth-response" {
			return
		}

		okEnv := signaling.Envelope{Type: "auth-ok"}
		okData, _ := json.Marshal(okEnv)
		if err := conn.Write(ctx, websocket.MessageText, okData); err != nil {
			return
		}

		fn(conn)
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientAuthenticatesAndReachesConnected(t *testing.T) {
	r := require.New(t)
	id, err := identity.New(identity.Ed25519)
	r.NoError(err)

	srv := newTestServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	defer srv.Close()

	client := signaling.New(wsURL(srv.URL), id)
	states := make(chan signaling.State, 8)
	client.OnStateChange(func(s signaling.State) { states <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	seenConnected := false
	timeout := time.After(2 * time.Second)
	for !seenConnected {
		select {
		case s := <-states:
			if s == signaling.Connected {
				seenConnected = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for Connected state")
		}
	}
}

func TestClientFanOutDeliversSubscribedFrames(t *testing.T) {
	r := require.New(t)
	id, err := identity.New(identity.Ed25519)
	r.NoError(err)

	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		presence := signaling.Envelope{
			Type:    "presence",
			From:    "contact-1",
			Payload: json.RawMessage(`{"status":"online"}`),
		}
		data, _ := json.Marshal(presence)
		_ = conn.Write(ctx, websocket.MessageText, data)
		time.Sleep(300 * time.Millisecond)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	defer srv.Close()

	client := signaling.New(wsURL(srv.URL), id)
	presenceCh := client.Subscribe("presence")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	select {
	case env := <-presenceCh:
		r.Equal("presence", env.Type)
		r.Equal("contact-1", env.From)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence frame")
	}
}
