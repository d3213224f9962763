package main

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua"
	"github.com/noctua-im/noctua/vault"
)

func TestCommandSerialization(t *testing.T) {
	a := assert.New(t)
	tests := []struct {
		name    string
		wantCmd string
		cmd     Command
	}{
		{
			name: "send_message command",
			cmd: Command{
				Type:   "cmd",
				Cmd:    CmdSendMessage,
				ID:     "test-123",
				Params: json.RawMessage(`{"contact_id":1,"body":"hi"}`),
			},
			wantCmd: "send_message",
		},
		{
			name: "send_file command",
			cmd: Command{
				Type:   "cmd",
				Cmd:    CmdSendFile,
				ID:     "test-456",
				Params: json.RawMessage(`{"contact_id":1,"local_path":"/tmp/x"}`),
			},
			wantCmd: "send_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.cmd)
			a.NoError(err)

			var decoded Command
			a.NoError(json.Unmarshal(data, &decoded))
			a.Equal("cmd", decoded.Type)
			a.Equal(tt.wantCmd, decoded.Cmd)
			a.Equal(tt.cmd.ID, decoded.ID)
		})
	}
}

func TestEventSerialization(t *testing.T) {
	a := assert.New(t)
	evt := Event{
		Type: "evt",
		Evt:  EvtMessage,
		Data: map[string]any{"contact_id": 1},
	}
	data, err := json.Marshal(evt)
	a.NoError(err)

	var decoded Event
	a.NoError(json.Unmarshal(data, &decoded))
	a.Equal("evt", decoded.Type)
	a.Equal(EvtMessage, decoded.Evt)
}

func TestCommandConstants(t *testing.T) {
	a := assert.New(t)
	expected := map[string]string{
		"ping":                  CmdPing,
		"get_identity":          CmdGetIdentity,
		"generate_identity":     CmdGenerateIdentity,
		"add_contact":           CmdAddContact,
		"send_message":          CmdSendMessage,
		"get_messages":          CmdGetMessages,
		"send_file":             CmdSendFile,
		"cancel_transfer":       CmdCancelTransfer,
		"open_file_dialog":      CmdOpenFileDialog,
		"shutdown":              CmdShutdown,
	}
	for want, got := range expected {
		a.Equal(want, got)
	}
}

func TestEventConstants(t *testing.T) {
	a := assert.New(t)
	expected := map[string]string{
		"ready":              EvtReady,
		"response":           EvtResponse,
		"error":              EvtError,
		"connection":         EvtConnection,
		"presence":           EvtPresence,
		"message":            EvtMessage,
		"p2p_state":          EvtP2PState,
		"file_progress":      EvtFileProgress,
		"file_received":      EvtFileReceived,
		"transfer_complete":  EvtTransferComplete,
		"transfer_error":     EvtTransferError,
	}
	for want, got := range expected {
		a.Equal(want, got)
	}
}

func newTestFacade(t *testing.T) *noctua.Facade {
	t.Helper()
	f, err := noctua.Open(t.TempDir(), "ws://127.0.0.1:1/ws",
		noctua.WithVault(vault.NewMock()),
		noctua.WithPassphraseHandler(func() ([]byte, error) { return []byte("test"), nil }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestDaemonNew(t *testing.T) {
	a := assert.New(t)
	d := NewDaemon(newTestFacade(t))
	a.NotNil(d.facade)
	a.NotNil(d.output)
	a.NotNil(d.ctx)
	a.NotNil(d.cancel)
}

// captureStdout redirects os.Stdout for the duration of fn, which must
// construct its own Daemon so the output encoder binds to the
// redirected writer, and returns every line written to it.
func captureStdout(t *testing.T, fn func()) []string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	orig := os.Stdout
	os.Stdout = w
	fn()
	os.Stdout = orig
	require.NoError(t, w.Close())

	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestHandleCommandPingEmitsResponse(t *testing.T) {
	facade := newTestFacade(t)

	lines := captureStdout(t, func() {
		d := NewDaemon(facade)
		d.handleCommand(Command{Type: "cmd", Cmd: CmdPing, ID: "r1"})
	})

	require.Len(t, lines, 1)
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, EvtResponse, evt.Evt)
	assert.Equal(t, "r1", evt.ID)
	assert.Equal(t, "pong", evt.Data)
}

func TestHandleCommandUnknownEmitsError(t *testing.T) {
	facade := newTestFacade(t)

	lines := captureStdout(t, func() {
		d := NewDaemon(facade)
		d.handleCommand(Command{Type: "cmd", Cmd: "not_a_real_command", ID: "r2"})
	})

	require.Len(t, lines, 1)
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, EvtError, evt.Evt)
	assert.Equal(t, "r2", evt.ID)
}

func TestHandleGenerateIdentityThenGetIdentity(t *testing.T) {
	facade := newTestFacade(t)

	lines := captureStdout(t, func() {
		d := NewDaemon(facade)
		d.handleCommand(Command{
			Type:   "cmd",
			Cmd:    CmdGenerateIdentity,
			ID:     "gen1",
			Params: json.RawMessage(`{"name":"Alice"}`),
		})
		d.handleCommand(Command{Type: "cmd", Cmd: CmdGetIdentity, ID: "get1"})
	})

	require.Len(t, lines, 2)
	var genEvt, getEvt Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &genEvt))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &getEvt))
	assert.Equal(t, EvtResponse, genEvt.Evt)
	assert.Equal(t, EvtResponse, getEvt.Evt)

	genData, ok := genEvt.Data.(map[string]any)
	require.True(t, ok)
	getData, ok := getEvt.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, genData["fingerprint"], getData["fingerprint"])
}

func TestHandleCommandMalformedParamsEmitsError(t *testing.T) {
	facade := newTestFacade(t)

	lines := captureStdout(t, func() {
		d := NewDaemon(facade)
		d.handleCommand(Command{Type: "cmd", Cmd: CmdAddContact, ID: "r3", Params: json.RawMessage(`not json`)})
	})

	require.Len(t, lines, 1)
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, EvtError, evt.Evt)
}
