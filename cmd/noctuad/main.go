// Command noctuad is a daemon wrapper exposing the noctua Facade over a
// JSON-over-stdio protocol, the same shape the teacher's cmd/daemon
// wraps around the kamune library: one JSON Command per line on stdin,
// one JSON Event per line on stdout, stderr reserved for structured
// logs so the protocol stream stays clean.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/noctua-im/noctua"
	"github.com/noctua-im/noctua/internal/config"
)

const (
	CmdPing               = "ping"
	CmdGetIdentity        = "get_identity"
	CmdGenerateIdentity   = "generate_identity"
	CmdUpdateDisplayName  = "update_display_name"
	CmdExportBackup       = "export_backup"
	CmdImportBackup       = "import_backup"
	CmdGetContacts        = "get_contacts"
	CmdAddContact         = "add_contact"
	CmdRemoveContact      = "remove_contact"
	CmdSetContactVerified = "set_contact_verified"
	CmdSetContactNickname = "set_contact_nickname"
	CmdGetConnectionState = "get_connection_state"
	CmdGetSignalingServer = "get_signaling_server"
	CmdSetSignalingServer = "set_signaling_server"
	CmdGetUserStatus      = "get_user_status"
	CmdSetUserStatus      = "set_user_status"
	CmdInitiateP2P        = "initiate_p2p"
	CmdSendMessage        = "send_message"
	CmdGetMessages        = "get_messages"
	CmdSendTyping         = "send_typing"
	CmdEditMessage        = "edit_message"
	CmdDeleteMessage      = "delete_message"
	CmdAddReaction        = "add_reaction"
	CmdRemoveReaction     = "remove_reaction"
	CmdGetReactions       = "get_reactions"
	CmdGetP2PState        = "get_p2p_state"
	CmdSendFile           = "send_file"
	CmdCancelTransfer     = "cancel_transfer"
	CmdResumeTransfer     = "resume_transfer"
	CmdGetTransfers       = "get_transfers"
	CmdGetFile            = "get_file"
	CmdGetFilePreview     = "get_file_preview"
	CmdOpenFileDialog     = "open_file_dialog"
	CmdGetSettings        = "get_settings"
	CmdSetSettings        = "set_settings"
	CmdShutdown           = "shutdown"
)

const (
	EvtReady            = "ready"
	EvtResponse         = "response"
	EvtError            = "error"
	EvtConnection       = "connection"
	EvtPresence         = "presence"
	EvtMessage          = "message"
	EvtP2PState         = "p2p_state"
	EvtFileProgress     = "file_progress"
	EvtFileReceived     = "file_received"
	EvtTransferComplete = "transfer_complete"
	EvtTransferError    = "transfer_error"
)

// Command is one line of JSON read from stdin.
type Command struct {
	Type   string          `json:"type"`
	Cmd    string          `json:"cmd"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Event is one line of JSON written to stdout.
type Event struct {
	Type string `json:"type"`
	Evt  string `json:"evt"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

// Daemon wraps a noctua.Facade with the stdio protocol loop.
type Daemon struct {
	facade *noctua.Facade

	output   *json.Encoder
	outputMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDaemon(facade *noctua.Facade) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		facade: facade,
		output: json.NewEncoder(os.Stdout),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *Daemon) emit(evt, correlationID string, data any) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if err := d.output.Encode(Event{Type: "evt", Evt: evt, ID: correlationID, Data: data}); err != nil {
		slog.Error("failed to emit event", "error", err)
	}
}

func (d *Daemon) emitError(correlationID string, err error) {
	d.emit(EvtError, correlationID, map[string]string{"error": err.Error()})
}

func (d *Daemon) emitResponse(correlationID string, data any) {
	d.emit(EvtResponse, correlationID, data)
}

// forwardEvents drains every push-event channel the facade exposes and
// translates each into an EvtXxx line, until ctx is cancelled.
func (d *Daemon) forwardEvents() {
	ev := d.facade.Events()
	for {
		select {
		case <-d.ctx.Done():
			return
		case e, ok := <-ev.Connection:
			if !ok {
				return
			}
			d.emit(EvtConnection, "", e)
		case e := <-ev.Presence:
			d.emit(EvtPresence, "", e)
		case e := <-ev.Message:
			d.emit(EvtMessage, "", e)
		case e := <-ev.P2PState:
			d.emit(EvtP2PState, "", e)
		case e := <-ev.FileProgress:
			d.emit(EvtFileProgress, "", e)
		case e := <-ev.FileReceived:
			d.emit(EvtFileReceived, "", e)
		case e := <-ev.TransferComplete:
			d.emit(EvtTransferComplete, "", e)
		case e := <-ev.TransferError:
			d.emit(EvtTransferError, "", e)
		}
	}
}

// Run drives the stdin read loop until EOF, shutdown, or a terminating
// signal.
func (d *Daemon) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
			d.Shutdown()
		case <-d.ctx.Done():
		}
	}()

	go d.forwardEvents()

	d.emit(EvtReady, "", map[string]string{"pid": fmt.Sprintf("%d", os.Getpid())})

	scanner := bufio.NewScanner(os.Stdin)
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

	for scanner.Scan() {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			d.emitError("", fmt.Errorf("invalid JSON: %w", err))
			continue
		}
		if cmd.Type != "cmd" {
			d.emitError(cmd.ID, fmt.Errorf("unknown message type: %s", cmd.Type))
			continue
		}
		d.handleCommand(cmd)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("stdin scanner error", "error", err)
	}
}

// Shutdown cancels the daemon's context and closes the facade.
func (d *Daemon) Shutdown() {
	d.cancel()
	if err := d.facade.Close(); err != nil {
		slog.Warn("error closing facade", "error", err)
	}
	os.Exit(0)
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file; see internal/config for the schema")
	dataDir := flag.String("data-dir", "", "directory for the encrypted store and vault key (overrides config)")
	signalingURL := flag.String("signaling-server", "", "signalling server websocket URL (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "noctuad: loading config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *signalingURL != "" {
		cfg.SignalingServer = *signalingURL
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		slog.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}

	opts := []noctua.Option{}
	if len(cfg.WebRTC.STUNServers) > 0 {
		opts = append(opts, noctua.WithWebRTCConfig(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: cfg.WebRTC.STUNServers}},
		}))
	}
	if cfg.FilesDir != "" {
		opts = append(opts, noctua.WithFilesDir(cfg.FilesDir))
	}

	facade, err := noctua.Open(cfg.DataDir, cfg.SignalingServer, opts...)
	if err != nil {
		slog.Error("failed to open facade", "error", err)
		os.Exit(1)
	}

	daemon := NewDaemon(facade)
	daemon.Run()
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
