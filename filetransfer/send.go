package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/noctua-im/noctua/channel"
	"github.com/noctua-im/noctua/store"
)

func hashFile(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// SendFile starts a new send-direction transfer: it hashes and sizes the
// local file, persists a pending TransferState under a freshly generated
// file ID (so the store's one-open-transfer-per-file check never rejects
// it, even for a local file already being sent), emits
// the file-offer frame, then streams chunks in the background.
func (m *Manager) SendFile(ctx context.Context, contactID uint64, localPath string) (string, error) {
	sum, size, err := hashFile(localPath)
	if err != nil {
		return "", fmt.Errorf("hashing local file: %w", err)
	}

	sess, err := m.session(contactID)
	if err != nil {
		return "", err
	}

	transferID := newTransferID()
	box, err := newTransferBox(sess.RootKey(), transferID)
	if err != nil {
		return "", fmt.Errorf("deriving transfer key: %w", err)
	}

	now := time.Now()
	transfer := store.TransferState{
		TransferID:       transferID,
		ContactID:        contactID,
		Direction:        store.TransferSend,
		FileID:           newFileID(),
		TotalBytes:       size,
		ChunkSize:        ChunkSize,
		NextChunkIndex:   0,
		State:            store.TransferPending,
		CreatedAt:        now,
		LastProgressAt:   now,
	}
	if err := m.st.SaveTransfer(transfer); err != nil {
		return "", fmt.Errorf("persisting transfer: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening local file: %w", err)
	}

	ot := &outboundTransfer{
		contactID: contactID,
		transfer:  transfer,
		file:      f,
		box:       box,
		meter:     newSpeedMeter(now),
		cancel:    make(chan struct{}),
	}
	m.mu.Lock()
	m.out[transferID] = ot
	m.mu.Unlock()

	offer := channel.FileOfferFrame{
		Meta:       channel.Meta{Type: channel.FrameFileOffer, ID: uuid.NewString(), Ts: now.UnixNano()},
		TransferID: transferID,
		Filename:   filepath.Base(localPath),
		Mime:       mimeType(localPath),
		Size:       size,
		ChunkSize:  ChunkSize,
		SHA256:     sum,
	}
	if err := m.channel.Send(contactID, offer); err != nil {
		f.Close()
		m.mu.Lock()
		delete(m.out, transferID)
		m.mu.Unlock()
		return "", fmt.Errorf("sending file-offer: %w", err)
	}

	transfer.State = store.TransferActive
	ot.transfer = transfer
	if err := m.st.SaveTransfer(transfer); err != nil {
		slog.Warn("filetransfer: failed persisting active transfer", "transfer_id", transferID, "error", err)
	}

	go m.pump(ctx, ot)
	return transferID, nil
}

// ResumeTransfer re-hashes localPath, re-derives the transfer box from
// the contact's current ratchet session, seeks to the persisted
// next_chunk_index, re-announces the transfer with a fresh file-offer
// carrying the same transfer_id, and resumes the chunk pump. Per spec,
// the receiver discards chunks it already has by index.
func (m *Manager) ResumeTransfer(ctx context.Context, contactID uint64, transferID, localPath string) error {
	prior, err := m.st.GetTransfer(transferID)
	if err != nil {
		return fmt.Errorf("loading transfer: %w", err)
	}
	if prior.ContactID != contactID || prior.Direction != store.TransferSend {
		return fmt.Errorf("%w: %s is not a resumable send for this contact", ErrUnknownTransfer, transferID)
	}

	sum, size, err := hashFile(localPath)
	if err != nil {
		return fmt.Errorf("hashing local file: %w", err)
	}
	if size != prior.TotalBytes {
		return fmt.Errorf("filetransfer: local file size %d does not match transfer's recorded %d", size, prior.TotalBytes)
	}

	sess, err := m.session(contactID)
	if err != nil {
		return err
	}
	box, err := newTransferBox(sess.RootKey(), transferID)
	if err != nil {
		return fmt.Errorf("deriving transfer key: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local file: %w", err)
	}
	offset := int64(prior.NextChunkIndex) * int64(prior.ChunkSize)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seeking to resume offset: %w", err)
	}

	now := time.Now()
	prior.State = store.TransferActive
	prior.LastProgressAt = now
	if err := m.st.SaveTransfer(prior); err != nil {
		f.Close()
		return fmt.Errorf("persisting resumed transfer: %w", err)
	}

	ot := &outboundTransfer{
		contactID: contactID,
		transfer:  prior,
		file:      f,
		box:       box,
		meter:     newSpeedMeter(now),
		cancel:    make(chan struct{}),
	}
	m.mu.Lock()
	m.out[transferID] = ot
	m.mu.Unlock()

	offer := channel.FileOfferFrame{
		Meta:       channel.Meta{Type: channel.FrameFileOffer, ID: uuid.NewString(), Ts: now.UnixNano()},
		TransferID: transferID,
		Filename:   filepath.Base(localPath),
		Mime:       mimeType(localPath),
		Size:       size,
		ChunkSize:  prior.ChunkSize,
		SHA256:     sum,
	}
	if err := m.channel.Send(contactID, offer); err != nil {
		f.Close()
		m.mu.Lock()
		delete(m.out, transferID)
		m.mu.Unlock()
		return fmt.Errorf("sending resume file-offer: %w", err)
	}

	go m.pump(ctx, ot)
	return nil
}

// CancelTransfer aborts a locally-known transfer, in either direction,
// and notifies the peer with a file-cancel frame.
func (m *Manager) CancelTransfer(contactID uint64, transferID string) error {
	m.mu.Lock()
	ot, isOut := m.out[transferID]
	it, isIn := m.in[transferID]
	m.mu.Unlock()

	if !isOut && !isIn {
		return ErrUnknownTransfer
	}

	if isOut {
		close(ot.cancel)
		ot.file.Close()
		ot.transfer.State = store.TransferCancelled
		ot.transfer.LastProgressAt = time.Now()
		if err := m.st.SaveTransfer(ot.transfer); err != nil {
			slog.Warn("filetransfer: failed persisting cancelled transfer", "transfer_id", transferID, "error", err)
		}
		m.mu.Lock()
		delete(m.out, transferID)
		m.mu.Unlock()
	}
	if isIn {
		m.abortInbound(it, store.TransferCancelled)
	}

	frame := channel.FileCancelFrame{
		Meta:       channel.Meta{Type: channel.FrameFileCancel, ID: uuid.NewString(), Ts: time.Now().UnixNano()},
		TransferID: transferID,
		Reason:     "cancelled by local user",
	}
	return m.channel.Send(contactID, frame)
}

// pump streams chunks for an outbound transfer starting at
// ot.transfer.NextChunkIndex, respecting the transport's backpressure
// signal between each send.
func (m *Manager) pump(ctx context.Context, ot *outboundTransfer) {
	buf := make([]byte, ChunkSize)
	index := ot.transfer.NextChunkIndex
	sent := int64(index) * int64(ot.transfer.ChunkSize)

	for {
		select {
		case <-ctx.Done():
			m.fail(ot.transfer.TransferID, ctx.Err())
			return
		case <-ot.cancel:
			return
		default:
		}

		n, readErr := io.ReadFull(ot.file, buf)
		if n == 0 && readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			m.fail(ot.transfer.TransferID, fmt.Errorf("reading local file: %w", readErr))
			return
		}

		wait, err := m.waiter.SendReady(ctx, ot.contactID)
		if err != nil {
			m.fail(ot.transfer.TransferID, fmt.Errorf("waiting for send-ready: %w", err))
			return
		}
		select {
		case <-wait:
		case <-ctx.Done():
			m.fail(ot.transfer.TransferID, ctx.Err())
			return
		}

		ciphertext, err := ot.box.SealWithNonce(nonceForIndex(index), buf[:n], []byte(ot.transfer.TransferID))
		if err != nil {
			m.fail(ot.transfer.TransferID, fmt.Errorf("encrypting chunk: %w", err))
			return
		}

		frame := channel.FileChunkFrame{
			Meta:       channel.Meta{Type: channel.FrameFileChunk, ID: uuid.NewString(), Ts: time.Now().UnixNano()},
			TransferID: ot.transfer.TransferID,
			Index:      index,
			Ciphertext: ciphertext,
		}
		if err := m.channel.Send(ot.contactID, frame); err != nil {
			m.fail(ot.transfer.TransferID, fmt.Errorf("sending chunk: %w", err))
			return
		}

		now := time.Now()
		sent += int64(n)
		ot.meter.add(n, now)
		m.reportProgress(ot.transfer.TransferID, sent, ot.transfer.TotalBytes, ot.meter)
		index++

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	m.finishSend(ot, index, sent)
}

func (m *Manager) finishSend(ot *outboundTransfer, index int, sent int64) {
	ot.file.Close()
	ot.transfer.NextChunkIndex = index
	ot.transfer.BytesTransferred = sent
	ot.transfer.State = store.TransferComplete
	ot.transfer.LastProgressAt = time.Now()
	if err := m.st.SaveTransfer(ot.transfer); err != nil {
		slog.Warn("filetransfer: failed persisting completed transfer", "transfer_id", ot.transfer.TransferID, "error", err)
	}
	m.mu.Lock()
	delete(m.out, ot.transfer.TransferID)
	m.mu.Unlock()
	if m.onComplete != nil {
		m.onComplete(ot.transfer.TransferID)
	}
}
