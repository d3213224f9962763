// Package noctua is the composition root: a single Facade wiring
// identity, vault, store, signalling, transport, channel, messaging and
// filetransfer into the stable request/response surface a UI or daemon
// binds against. It generalises the teacher's root kamune package, which
// played the same "one package wires everything" role for its own
// CLI/daemon commands.
package noctua

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/noctua-im/noctua/channel"
	"github.com/noctua-im/noctua/filetransfer"
	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/messaging"
	"github.com/noctua-im/noctua/signaling"
	"github.com/noctua-im/noctua/store"
	"github.com/noctua-im/noctua/transport"
	"github.com/noctua-im/noctua/vault"
)

// ErrUnsupported is returned by facade operations the daemon context has
// no answer for, such as open_file_dialog, which presumes an interactive
// GUI that a headless process doesn't have.
var ErrUnsupported = errors.New("noctua: unsupported in this environment")

// ErrNoIdentity is returned by any request that requires a local
// identity (messaging, contacts, network) before GenerateIdentity or
// ImportBackup has run.
var ErrNoIdentity = errors.New("noctua: no local identity yet")

const defaultWebRTCSTUN = "stun:stun.l.google.com:19302"

// Option configures Open. Mirrors the teacher's DialOption/ConnOption
// functional-options shape.
type Option func(*config) error

type config struct {
	vault             vault.Vault
	passphraseHandler vault.PassphraseHandler
	webrtcConfig      webrtc.Configuration
	filesDir          string
}

// WithVault overrides the default passphrase-backed vault, primarily for
// tests that want vault.NewMock instead of real KDF cost.
func WithVault(v vault.Vault) Option {
	return func(c *config) error { c.vault = v; return nil }
}

// WithPassphraseHandler overrides how Open obtains the vault passphrase.
func WithPassphraseHandler(h vault.PassphraseHandler) Option {
	return func(c *config) error { c.passphraseHandler = h; return nil }
}

// WithWebRTCConfig overrides the ICE server configuration passed to
// every transport.Manager peer connection.
func WithWebRTCConfig(cfg webrtc.Configuration) Option {
	return func(c *config) error { c.webrtcConfig = cfg; return nil }
}

// WithFilesDir overrides where filesystem-backed file transfers are
// written; defaults to <dataDir>/files.
func WithFilesDir(dir string) Option {
	return func(c *config) error { c.filesDir = dir; return nil }
}

// Facade is the single entry point a UI or daemon process talks to. It
// owns exactly one local identity (possibly absent at Open time) and
// everything wired from it.
type Facade struct {
	dataDir      string
	signalingURL string
	webrtcConfig webrtc.Configuration
	filesDir     string

	v      vault.Vault
	st     *store.Store
	events *eventBus

	mu   sync.RWMutex
	self *identity.Identity

	sig         *signaling.Client
	transportMg *transport.Manager
	router      *channel.Router
	msg         *messaging.Service
	files       *filetransfer.Manager

	cancelWiring context.CancelFunc
}

// Open unseals the vault at dataDir/vault.key (creating it on first run)
// and opens the encrypted store at dataDir/data.db. If no identity has
// been generated yet, Open still succeeds: every identity-dependent
// subsystem (signalling, transport, messaging, filetransfer) is wired
// lazily by wireIdentity, triggered by GenerateIdentity or ImportBackup.
func Open(dataDir, signalingURL string, opts ...Option) (*Facade, error) {
	cfg := &config{
		vault:             vault.NewPassphrase(),
		passphraseHandler: vault.DefaultPassphraseHandler,
		webrtcConfig:      webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: []string{defaultWebRTCSTUN}}}},
		filesDir:          filepath.Join(dataDir, "files"),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	masterKey, err := unsealMasterKey(dataDir, cfg.vault, cfg.passphraseHandler)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(dataDir, "data.db"), masterKey)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	f := &Facade{
		dataDir:      dataDir,
		signalingURL: signalingURL,
		webrtcConfig: cfg.webrtcConfig,
		filesDir:     cfg.filesDir,
		v:            cfg.vault,
		st:           st,
		events:       newEventBus(),
	}

	if rec, err := st.GetIdentity(); err == nil {
		id, err := identity.FromRecord(identity.Record{
			Algorithm:  identity.Algorithm(rec.Algorithm),
			PrivateKey: rec.PrivateKey,
			PublicKey:  rec.PublicKey,
			KAPrivate:  rec.KAPrivate,
			KAPublic:   rec.KAPublic,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("restoring identity: %w", err)
		}
		if err := f.wireIdentity(id); err != nil {
			st.Close()
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		st.Close()
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	return f, nil
}

// unsealMasterKey reads dataDir/vault.key if present and unseals it,
// otherwise seals a fresh master key and persists the envelope. The
// vault.key file stores the vault.Envelope guarding the store's own
// master key rather than separately wrapping each identity keypair: the
// identity's private keys already live inside the vault-protected
// data.db, so one sealed envelope is sufficient for the whole dataDir.
func unsealMasterKey(dataDir string, v vault.Vault, passphraseHandler vault.PassphraseHandler) ([]byte, error) {
	path := filepath.Join(dataDir, "vault.key")
	env, readErr := readEnvelope(path)
	missing := errors.Is(readErr, errEnvelopeMissing)
	if readErr != nil && !missing {
		return nil, fmt.Errorf("reading vault envelope: %w", readErr)
	}

	pass, err := passphraseHandler()
	if err != nil {
		return nil, fmt.Errorf("obtaining vault passphrase: %w", err)
	}

	if missing {
		key, newEnv, err := v.Seal(pass)
		if err != nil {
			return nil, fmt.Errorf("sealing new vault: %w", err)
		}
		if err := writeEnvelope(path, newEnv); err != nil {
			return nil, fmt.Errorf("persisting vault envelope: %w", err)
		}
		return key, nil
	}

	key, err := v.Unseal(env, pass)
	if err != nil {
		return nil, fmt.Errorf("unsealing vault: %w", err)
	}
	return key, nil
}

// wireIdentity constructs and starts every subsystem that depends on a
// live local identity: signalling client, transport manager, channel
// router, messaging service and filetransfer manager. Called once,
// either by Open (when an identity already exists) or by
// GenerateIdentity/ImportBackup (the first time one is created).
func (f *Facade) wireIdentity(id *identity.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.self != nil {
		return fmt.Errorf("noctua: identity already wired")
	}
	f.self = id

	ctx, cancel := context.WithCancel(context.Background())
	f.cancelWiring = cancel

	sig := signaling.New(f.signalingURL, id)
	sig.OnStateChange(func(s signaling.State) {
		send(f.events.connection, ConnectionEvent{State: s.String()})
	})
	go sig.Run(ctx)

	tm := transport.NewManager(f.webrtcConfig)
	tm.OnStateChange(func(contactID uint64, s transport.State) {
		send(f.events.p2pState, P2PStateEvent{ContactID: contactID, State: connStateString(s)})
	})

	router := channel.NewRouter(tm)
	tm.OnMessage(router.Receive)

	msg := messaging.New(id, f.st, tm, router)
	msg.OnMessage(func(m store.Message) {
		send(f.events.message, MessageEvent{Message: m})
	})
	msg.OnTyping(func(contactID uint64, active bool) {
		typing := active
		send(f.events.p2pState, P2PStateEvent{ContactID: contactID, State: "typing", Typing: &typing})
	})
	msg.BindSignaling(ctx, sig)
	go msg.RunEditSweep(ctx.Done())

	files := filetransfer.New(f.st, router, msg, tm, f.filesDir)
	files.OnProgress(func(transferID string, bytesDone, total int64, bps, eta float64) {
		send(f.events.fileProgress, FileProgressEvent{
			TransferID: transferID, BytesDone: bytesDone, TotalBytes: total,
			BytesPerSecond: bps, ETASeconds: eta,
		})
	})
	files.OnReceived(func(contactID uint64, file store.FileRecord) {
		send(f.events.fileReceived, FileReceivedEvent{ContactID: contactID, File: file})
	})
	files.OnComplete(func(transferID string) {
		send(f.events.transferComplete, TransferCompleteEvent{TransferID: transferID})
	})
	files.OnError(func(transferID string, err error) {
		send(f.events.transferError, TransferErrorEvent{TransferID: transferID, Error: err.Error()})
	})

	f.bindPresence(ctx, sig, msg)

	f.sig = sig
	f.transportMg = tm
	f.router = router
	f.msg = msg
	f.files = files
	return nil
}

// identity returns the current local identity, or ErrNoIdentity before
// GenerateIdentity/ImportBackup has run.
func (f *Facade) identity() (*identity.Identity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.self == nil {
		return nil, ErrNoIdentity
	}
	return f.self, nil
}

// Close tears down every wired subsystem and closes the store. Safe to
// call even if no identity was ever generated.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.cancelWiring != nil {
		f.cancelWiring()
	}
	sig := f.sig
	tm := f.transportMg
	f.mu.Unlock()

	if sig != nil {
		_ = sig.Close()
	}
	if tm != nil {
		_ = tm.CloseAll()
	}
	return f.st.Close()
}
