package filetransfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/noctua-im/noctua/channel"
	"github.com/noctua-im/noctua/store"
)

// onFileOffer opens (or re-opens, on resume) an inbound transfer,
// deciding inline-vs-filesystem storage from the announced size per
// store.LocationFor, exactly the rule spec attaches to the file record.
func (m *Manager) onFileOffer(contactID uint64, raw json.RawMessage) {
	var f channel.FileOfferFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("filetransfer: malformed file-offer frame", "contact_id", contactID, "error", err)
		return
	}

	sess, err := m.session(contactID)
	if err != nil {
		slog.Warn("filetransfer: file-offer with no ratchet session", "contact_id", contactID, "error", err)
		return
	}
	box, err := newTransferBox(sess.RootKey(), f.TransferID)
	if err != nil {
		slog.Warn("filetransfer: failed deriving transfer key", "transfer_id", f.TransferID, "error", err)
		return
	}

	conv, err := m.st.GetOrCreateConversation(contactID)
	if err != nil {
		slog.Warn("filetransfer: failed resolving conversation", "contact_id", contactID, "error", err)
		return
	}

	m.mu.Lock()
	existing, resuming := m.in[f.TransferID]
	m.mu.Unlock()

	if resuming {
		existing.box = box
		return
	}

	var writer io.Writer
	var path string
	var inlineBuf *bytes.Buffer
	var closer io.Closer

	if store.LocationFor(f.Size) == store.StorageInline {
		inlineBuf = bytes.NewBuffer(make([]byte, 0, f.Size))
		writer = inlineBuf
	} else {
		path = filepath.Join(m.filesDir, f.TransferID+".part")
		out, err := os.Create(path)
		if err != nil {
			slog.Warn("filetransfer: failed creating receive file", "transfer_id", f.TransferID, "error", err)
			return
		}
		writer = out
		closer = out
	}

	now := time.Now()
	transfer := store.TransferState{
		TransferID:     f.TransferID,
		ContactID:      contactID,
		Direction:      store.TransferReceive,
		FileID:         newFileID(),
		TotalBytes:     f.Size,
		ChunkSize:      f.ChunkSize,
		NextChunkIndex: 0,
		State:          store.TransferActive,
		CreatedAt:      now,
		LastProgressAt: now,
	}
	if err := m.st.SaveTransfer(transfer); err != nil {
		slog.Warn("filetransfer: failed persisting inbound transfer", "transfer_id", f.TransferID, "error", err)
		if closer != nil {
			closer.Close()
		}
		return
	}

	it := &inboundTransfer{
		contactID:      contactID,
		conversationID: conv.ID,
		transfer:       transfer,
		box:            box,
		writer:         writer,
		closer:         closer,
		path:           path,
		inlineBuf:      inlineBuf,
		hasher:         sha256.New(),
		expectedSHA256: f.SHA256,
		meter:          newSpeedMeter(now),
	}
	m.mu.Lock()
	m.in[f.TransferID] = it
	m.mu.Unlock()
}

// onFileChunk decrypts and appends a chunk, discarding it by index if
// it has already been applied (the resume case: the sender starts a new
// pump at next_chunk_index, but a retransmitted duplicate could still
// arrive once at a chunk boundary).
func (m *Manager) onFileChunk(contactID uint64, raw json.RawMessage) {
	var f channel.FileChunkFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("filetransfer: malformed file-chunk frame", "contact_id", contactID, "error", err)
		return
	}

	m.mu.Lock()
	it, ok := m.in[f.TransferID]
	m.mu.Unlock()
	if !ok {
		slog.Warn("filetransfer: chunk for unknown transfer", "transfer_id", f.TransferID)
		return
	}

	if f.Index < it.transfer.NextChunkIndex {
		return
	}
	if f.Index > it.transfer.NextChunkIndex {
		m.abortInbound(it, store.TransferFailed)
		m.fail(f.TransferID, ErrUnexpectedChunk)
		return
	}

	plaintext, err := it.box.OpenWithNonce(nonceForIndex(f.Index), f.Ciphertext, []byte(f.TransferID))
	if err != nil {
		m.abortInbound(it, store.TransferFailed)
		m.fail(f.TransferID, fmt.Errorf("decrypting chunk %d: %w", f.Index, err))
		return
	}
	if _, err := it.writer.Write(plaintext); err != nil {
		m.abortInbound(it, store.TransferFailed)
		m.fail(f.TransferID, fmt.Errorf("writing chunk %d: %w", f.Index, err))
		return
	}
	it.hasher.Write(plaintext)

	now := time.Now()
	it.transfer.NextChunkIndex++
	it.transfer.BytesTransferred += int64(len(plaintext))
	it.transfer.LastProgressAt = now
	it.meter.add(len(plaintext), now)
	m.reportProgress(f.TransferID, it.transfer.BytesTransferred, it.transfer.TotalBytes, it.meter)

	ack := channel.FileAckFrame{
		Meta:       channel.Meta{Type: channel.FrameFileAck, ID: f.ID, Ts: now.UnixNano()},
		TransferID: f.TransferID,
		Index:      f.Index,
	}
	if err := m.channel.Send(contactID, ack); err != nil {
		slog.Warn("filetransfer: failed sending chunk ack", "transfer_id", f.TransferID, "error", err)
	}

	if it.transfer.NextChunkIndex%SaveEvery == 0 {
		if err := m.st.SaveTransfer(it.transfer); err != nil {
			slog.Warn("filetransfer: failed checkpointing inbound transfer", "transfer_id", f.TransferID, "error", err)
		}
	}

	if it.transfer.BytesTransferred >= it.transfer.TotalBytes {
		m.finishReceive(it)
	}
}

func (m *Manager) finishReceive(it *inboundTransfer) {
	if it.closer != nil {
		it.closer.Close()
	}

	sum := hex.EncodeToString(it.hasher.Sum(nil))
	if sum != it.expectedSHA256 {
		it.transfer.State = store.TransferFailed
		_ = m.st.SaveTransfer(it.transfer)
		m.mu.Lock()
		delete(m.in, it.transfer.TransferID)
		m.mu.Unlock()
		if it.path != "" {
			os.Remove(it.path)
		}
		m.fail(it.transfer.TransferID, ErrHashMismatch)
		return
	}

	record := store.FileRecord{
		FileID:          it.transfer.FileID,
		ConversationID:  it.conversationID,
		SHA256:          sum,
		Size:            it.transfer.TotalBytes,
		StorageLocation: store.LocationFor(it.transfer.TotalBytes),
		EncryptedAtRest: it.path != "",
		CreatedAt:       time.Now(),
	}
	if it.inlineBuf != nil {
		record.InlineData = it.inlineBuf.Bytes()
	} else {
		record.Path = it.path
	}
	if err := m.st.SaveFile(record); err != nil {
		m.fail(it.transfer.TransferID, fmt.Errorf("persisting file record: %w", err))
		return
	}

	it.transfer.State = store.TransferComplete
	it.transfer.LastProgressAt = time.Now()
	if err := m.st.SaveTransfer(it.transfer); err != nil {
		slog.Warn("filetransfer: failed persisting completed transfer", "transfer_id", it.transfer.TransferID, "error", err)
	}

	m.mu.Lock()
	delete(m.in, it.transfer.TransferID)
	m.mu.Unlock()

	if m.onReceived != nil {
		m.onReceived(it.contactID, record)
	}
	if m.onComplete != nil {
		m.onComplete(it.transfer.TransferID)
	}
}

// onFileAck advances the sender's durable resume checkpoint to the
// highest contiguously-acknowledged index, so a crash between sending a
// chunk and the peer confirming it never drops bytes on resume — the
// outbound pump itself keeps streaming ahead without waiting per chunk.
func (m *Manager) onFileAck(contactID uint64, raw json.RawMessage) {
	var f channel.FileAckFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("filetransfer: malformed file-ack frame", "contact_id", contactID, "error", err)
		return
	}

	m.mu.Lock()
	ot, ok := m.out[f.TransferID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if f.Index+1 > ot.acked {
		ot.acked = f.Index + 1
	}
	if ot.acked%SaveEvery != 0 {
		return
	}

	checkpoint := ot.transfer
	checkpoint.NextChunkIndex = ot.acked
	checkpoint.BytesTransferred = int64(ot.acked) * int64(ot.transfer.ChunkSize)
	if checkpoint.BytesTransferred > checkpoint.TotalBytes {
		checkpoint.BytesTransferred = checkpoint.TotalBytes
	}
	checkpoint.LastProgressAt = time.Now()
	if err := m.st.SaveTransfer(checkpoint); err != nil {
		slog.Warn("filetransfer: failed checkpointing outbound transfer", "transfer_id", f.TransferID, "error", err)
	}
}

func (m *Manager) onFileCancel(contactID uint64, raw json.RawMessage) {
	var f channel.FileCancelFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("filetransfer: malformed file-cancel frame", "contact_id", contactID, "error", err)
		return
	}

	m.mu.Lock()
	ot, isOut := m.out[f.TransferID]
	it, isIn := m.in[f.TransferID]
	m.mu.Unlock()

	if isOut {
		close(ot.cancel)
		ot.file.Close()
		ot.transfer.State = store.TransferCancelled
		ot.transfer.LastProgressAt = time.Now()
		if err := m.st.SaveTransfer(ot.transfer); err != nil {
			slog.Warn("filetransfer: failed persisting peer-cancelled transfer", "transfer_id", f.TransferID, "error", err)
		}
		m.mu.Lock()
		delete(m.out, f.TransferID)
		m.mu.Unlock()
	}
	if isIn {
		m.abortInbound(it, store.TransferCancelled)
	}
	if isOut || isIn {
		m.fail(f.TransferID, fmt.Errorf("%w: %s", ErrCancelled, f.Reason))
	}
}

// abortInbound tears down an inbound transfer's partial state: closes
// any filesystem handle, removes the partial file (inline buffers are
// never persisted until completion, so nothing to clean up there), and
// persists the terminal state.
func (m *Manager) abortInbound(it *inboundTransfer, state store.TransferStateValue) {
	if it.closer != nil {
		it.closer.Close()
	}
	if it.path != "" {
		os.Remove(it.path)
	}
	it.transfer.State = state
	it.transfer.LastProgressAt = time.Now()
	if err := m.st.SaveTransfer(it.transfer); err != nil {
		slog.Warn("filetransfer: failed persisting aborted transfer", "transfer_id", it.transfer.TransferID, "error", err)
	}
	m.mu.Lock()
	delete(m.in, it.transfer.TransferID)
	m.mu.Unlock()
}
