package filetransfer_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/channel"
	"github.com/noctua-im/noctua/filetransfer"
	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/ratchet"
	"github.com/noctua-im/noctua/store"
)

// loopbackSender wires a channel.Router directly to its counterpart's
// Receive, standing in for a transport.Manager data channel.
type loopbackSender struct {
	peer *channel.Router
}

func (l *loopbackSender) Send(contactID uint64, data []byte) error {
	l.peer.Receive(contactID, data)
	return nil
}

// instantWaiter never applies backpressure: SendReady is always already
// closed, so the pump streams chunks as fast as the loopback allows.
type instantWaiter struct{}

func (instantWaiter) SendReady(ctx context.Context, contactID uint64) (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)
	return ch, nil
}

// gatedWaiter starts open and can be closed shut on demand, letting a
// test stall an outbound pump mid-transfer to simulate a crash.
type gatedWaiter struct {
	mu   sync.Mutex
	gate chan struct{}
}

func newGatedWaiter() *gatedWaiter {
	g := make(chan struct{})
	close(g)
	return &gatedWaiter{gate: g}
}

func (w *gatedWaiter) SendReady(ctx context.Context, contactID uint64) (<-chan struct{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gate, nil
}

func (w *gatedWaiter) block() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate = make(chan struct{})
}

// fakeSessionSource hands out the same pre-established ratchet session
// for every contact, standing in for messaging.Service.Session.
type fakeSessionSource struct {
	sess *ratchet.Session
}

func (f *fakeSessionSource) Session(contactID uint64) (*ratchet.Session, error) {
	return f.sess, nil
}

type harness struct {
	id  *identity.Identity
	st  *store.Store
	rtr *channel.Router
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	id, err := identity.New(identity.Ed25519)
	require.NoError(t, err)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &harness{id: id, st: st}
}

// setupPair cross-registers two identities as contacts, wires their
// routers over a loopback pair, and establishes a ratchet session shared
// by both sides' fakeSessionSource so transfer keys derive identically
// on both ends, exactly as they would via a real session handshake.
func setupPair(t *testing.T) (alice, bob *harness, aliceToBobID, bobToAliceID uint64, aliceSessions, bobSessions *fakeSessionSource) {
	t.Helper()
	alice = newHarness(t, "alice")
	bob = newHarness(t, "bob")

	bobContact, err := alice.st.AddContact(bob.id.Signer.PublicKeyBytes(), "bob")
	require.NoError(t, err)
	require.NoError(t, alice.st.SetContactKAKey(bobContact.ID, bob.id.KAPublicBytes()))

	aliceContact, err := bob.st.AddContact(alice.id.Signer.PublicKeyBytes(), "alice")
	require.NoError(t, err)
	require.NoError(t, bob.st.SetContactKAKey(aliceContact.ID, alice.id.KAPublicBytes()))

	aliceSend := &loopbackSender{}
	bobSend := &loopbackSender{}
	alice.rtr = channel.NewRouter(aliceSend)
	bob.rtr = channel.NewRouter(bobSend)
	aliceSend.peer = bob.rtr
	bobSend.peer = alice.rtr

	bobKA, err := identity.ParseKAPublicKey(bob.id.KAPublicBytes())
	require.NoError(t, err)
	aliceSess, hs, err := ratchet.Initiate(alice.id, bobKA)
	require.NoError(t, err)
	bobSess, err := ratchet.Respond(bob.id, hs)
	require.NoError(t, err)

	aliceSessions = &fakeSessionSource{sess: aliceSess}
	bobSessions = &fakeSessionSource{sess: bobSess}

	return alice, bob, bobContact.ID, aliceContact.ID, aliceSessions, bobSessions
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestSendFileInlineRoundTrip(t *testing.T) {
	r := require.New(t)
	alice, bob, aliceToBobID, _, aliceSessions, bobSessions := setupPair(t)

	content := []byte("a small file, well under the inline threshold")
	path := writeTempFile(t, content)

	aliceMgr := filetransfer.New(alice.st, alice.rtr, aliceSessions, instantWaiter{}, t.TempDir())
	bobMgr := filetransfer.New(bob.st, bob.rtr, bobSessions, instantWaiter{}, t.TempDir())

	received := make(chan store.FileRecord, 1)
	bobMgr.OnReceived(func(contactID uint64, f store.FileRecord) { received <- f })

	transferID, err := aliceMgr.SendFile(context.Background(), aliceToBobID, path)
	r.NoError(err)

	select {
	case f := <-received:
		r.Equal(store.StorageInline, f.StorageLocation)
		r.Equal(content, f.InlineData)
		r.Empty(f.Path)
	case <-time.After(time.Second):
		t.Fatal("bob never received the file")
	}

	tr, err := alice.st.GetTransfer(transferID)
	r.NoError(err)
	r.Equal(store.TransferComplete, tr.State)
	r.Equal(int64(len(content)), tr.BytesTransferred)
}

func TestSendFileFilesystemRoundTrip(t *testing.T) {
	r := require.New(t)
	alice, bob, aliceToBobID, _, aliceSessions, bobSessions := setupPair(t)

	content := make([]byte, 7*filetransfer.ChunkSize+4096)
	for i := range content {
		content[i] = byte(i)
	}
	path := writeTempFile(t, content)

	aliceMgr := filetransfer.New(alice.st, alice.rtr, aliceSessions, instantWaiter{}, t.TempDir())
	bobFilesDir := t.TempDir()
	bobMgr := filetransfer.New(bob.st, bob.rtr, bobSessions, instantWaiter{}, bobFilesDir)

	received := make(chan store.FileRecord, 1)
	bobMgr.OnReceived(func(contactID uint64, f store.FileRecord) { received <- f })

	_, err := aliceMgr.SendFile(context.Background(), aliceToBobID, path)
	r.NoError(err)

	select {
	case f := <-received:
		r.Equal(store.StorageFilesystem, f.StorageLocation)
		r.NotEmpty(f.Path)
		got, err := os.ReadFile(f.Path)
		r.NoError(err)
		r.Equal(content, got)
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the file")
	}
}

// TestResumeAfterSenderInterruption stalls the outbound pump partway
// through a transfer, rebuilds alice's Manager against the same store to
// simulate a process restart, and resumes. Bob's Manager keeps running
// throughout, so it discards the chunks it already applied by index.
func TestResumeAfterSenderInterruption(t *testing.T) {
	r := require.New(t)
	alice, bob, aliceToBobID, _, aliceSessions, bobSessions := setupPair(t)

	const stallAfter = 40
	content := make([]byte, 60*filetransfer.ChunkSize+123)
	for i := range content {
		content[i] = byte(i * 7)
	}
	path := writeTempFile(t, content)

	waiter := newGatedWaiter()
	aliceFilesDir := t.TempDir()
	aliceMgr := filetransfer.New(alice.st, alice.rtr, aliceSessions, waiter, aliceFilesDir)
	bobMgr := filetransfer.New(bob.st, bob.rtr, bobSessions, instantWaiter{}, t.TempDir())

	received := make(chan store.FileRecord, 1)
	bobMgr.OnReceived(func(contactID uint64, f store.FileRecord) { received <- f })

	var stalled sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	progressed := 0
	var mu sync.Mutex
	aliceMgr.OnProgress(func(transferID string, bytesDone, total int64, bps, eta float64) {
		mu.Lock()
		progressed++
		n := progressed
		mu.Unlock()
		if n >= stallAfter {
			stalled.Do(func() {
				waiter.block()
				cancel()
			})
		}
	})

	transferID, err := aliceMgr.SendFile(ctx, aliceToBobID, path)
	r.NoError(err)

	waitFor(t, 2*time.Second, func() bool {
		tr, err := alice.st.GetTransfer(transferID)
		return err == nil && tr.State == store.TransferActive && tr.NextChunkIndex >= 32
	})

	aliceMgr2 := filetransfer.New(alice.st, alice.rtr, aliceSessions, instantWaiter{}, aliceFilesDir)
	r.NoError(aliceMgr2.ResumeTransfer(context.Background(), aliceToBobID, transferID, path))

	select {
	case f := <-received:
		r.NotEmpty(f.Path)
		got, err := os.ReadFile(f.Path)
		r.NoError(err)
		r.Equal(content, got)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received the resumed file")
	}

	tr, err := alice.st.GetTransfer(transferID)
	r.NoError(err)
	r.Equal(store.TransferComplete, tr.State)
	r.Equal(int64(len(content)), tr.BytesTransferred)
}

func TestCancelTransferNotifiesPeer(t *testing.T) {
	r := require.New(t)
	alice, bob, aliceToBobID, _, aliceSessions, bobSessions := setupPair(t)

	content := make([]byte, 4*filetransfer.ChunkSize)
	path := writeTempFile(t, content)

	waiter := newGatedWaiter()
	waiter.block()
	aliceMgr := filetransfer.New(alice.st, alice.rtr, aliceSessions, waiter, t.TempDir())
	bobMgr := filetransfer.New(bob.st, bob.rtr, bobSessions, instantWaiter{}, t.TempDir())

	bobErr := make(chan error, 1)
	bobMgr.OnError(func(transferID string, err error) { bobErr <- err })

	transferID, err := aliceMgr.SendFile(context.Background(), aliceToBobID, path)
	r.NoError(err)

	r.NoError(aliceMgr.CancelTransfer(aliceToBobID, transferID))

	select {
	case err := <-bobErr:
		r.ErrorIs(err, filetransfer.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("bob never observed the cancellation")
	}

	tr, err := bob.st.GetTransfer(transferID)
	r.NoError(err)
	r.Equal(store.TransferCancelled, tr.State)

	tr, err = alice.st.GetTransfer(transferID)
	r.NoError(err)
	r.Equal(store.TransferCancelled, tr.State)
}

// TestOutOfOrderChunkAborts sends a chunk far ahead of what the receiver
// expects next; since the index check happens before any decryption
// attempt, garbage ciphertext is enough to exercise the abort path.
func TestOutOfOrderChunkAborts(t *testing.T) {
	r := require.New(t)
	alice, bob, aliceToBobID, _, aliceSessions, bobSessions := setupPair(t)

	content := make([]byte, 4*filetransfer.ChunkSize)
	path := writeTempFile(t, content)

	waiter := newGatedWaiter()
	waiter.block()
	aliceMgr := filetransfer.New(alice.st, alice.rtr, aliceSessions, waiter, t.TempDir())
	bobMgr := filetransfer.New(bob.st, bob.rtr, bobSessions, instantWaiter{}, t.TempDir())

	bobErr := make(chan error, 1)
	bobMgr.OnError(func(transferID string, err error) { bobErr <- err })

	transferID, err := aliceMgr.SendFile(context.Background(), aliceToBobID, path)
	r.NoError(err)

	badChunk := channel.FileChunkFrame{
		Meta:       channel.Meta{Type: channel.FrameFileChunk, ID: "bad-chunk", Ts: time.Now().UnixNano()},
		TransferID: transferID,
		Index:      5,
		Ciphertext: []byte("not a real ciphertext"),
	}
	r.NoError(alice.rtr.Send(aliceToBobID, badChunk))

	select {
	case err := <-bobErr:
		r.ErrorIs(err, filetransfer.ErrUnexpectedChunk)
	case <-time.After(time.Second):
		t.Fatal("bob never aborted on the out-of-order chunk")
	}

	tr, err := bob.st.GetTransfer(transferID)
	r.NoError(err)
	r.Equal(store.TransferFailed, tr.State)
}

// TestDuplicateChunkIsIgnored resends an already-applied chunk index and
// confirms the receiver silently discards it instead of erroring.
func TestDuplicateChunkIsIgnored(t *testing.T) {
	r := require.New(t)
	alice, bob, aliceToBobID, _, aliceSessions, bobSessions := setupPair(t)

	content := make([]byte, 10*filetransfer.ChunkSize)
	path := writeTempFile(t, content)

	waiter := newGatedWaiter()
	aliceMgr := filetransfer.New(alice.st, alice.rtr, aliceSessions, waiter, t.TempDir())
	bobMgr := filetransfer.New(bob.st, bob.rtr, bobSessions, instantWaiter{}, t.TempDir())

	bobErr := make(chan error, 1)
	bobMgr.OnError(func(transferID string, err error) { bobErr <- err })

	// Bob only checkpoints NextChunkIndex every SaveEvery chunks, so wait
	// on his progress callback for the first applied chunk instead.
	firstApplied := make(chan struct{})
	var applied sync.Once
	bobMgr.OnProgress(func(transferID string, bytesDone, total int64, bps, eta float64) {
		applied.Do(func() { close(firstApplied) })
	})

	var stalled sync.Once
	aliceMgr.OnProgress(func(transferID string, bytesDone, total int64, bps, eta float64) {
		stalled.Do(func() { waiter.block() })
	})

	transferID, err := aliceMgr.SendFile(context.Background(), aliceToBobID, path)
	r.NoError(err)

	select {
	case <-firstApplied:
	case <-time.After(time.Second):
		t.Fatal("bob never applied the first chunk")
	}

	dup := channel.FileChunkFrame{
		Meta:       channel.Meta{Type: channel.FrameFileChunk, ID: "dup-chunk", Ts: time.Now().UnixNano()},
		TransferID: transferID,
		Index:      0,
		Ciphertext: []byte("stale duplicate, never decrypted"),
	}
	r.NoError(alice.rtr.Send(aliceToBobID, dup))

	select {
	case err := <-bobErr:
		t.Fatalf("duplicate chunk should not error, got: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	tr, err := bob.st.GetTransfer(transferID)
	r.NoError(err)
	r.Equal(store.TransferActive, tr.State)
}

func TestResumeRejectsFileSizeMismatch(t *testing.T) {
	r := require.New(t)
	alice, _, aliceToBobID, _, aliceSessions, _ := setupPair(t)

	content := make([]byte, 2*filetransfer.ChunkSize)
	path := writeTempFile(t, content)

	waiter := newGatedWaiter()
	waiter.block()
	aliceMgr := filetransfer.New(alice.st, alice.rtr, aliceSessions, waiter, t.TempDir())

	transferID, err := aliceMgr.SendFile(context.Background(), aliceToBobID, path)
	r.NoError(err)

	r.NoError(os.WriteFile(path, append(content, 0xFF), 0o600))

	err = aliceMgr.ResumeTransfer(context.Background(), aliceToBobID, transferID, path)
	r.Error(err)
}
