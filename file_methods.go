package noctua

import (
	"context"

	"github.com/noctua-im/noctua/store"
)

// SendFile starts a new outbound file transfer to a contact.
func (f *Facade) SendFile(ctx context.Context, contactID uint64, localPath string) (string, error) {
	f.mu.RLock()
	files := f.files
	f.mu.RUnlock()
	if files == nil {
		return "", ErrNoIdentity
	}
	return files.SendFile(ctx, contactID, localPath)
}

// CancelTransfer aborts a transfer, notifying the peer. direction is
// accepted for spec parity but unused: a transfer_id is only ever
// tracked in one direction (send XOR receive) on a given node, since the
// ID is minted once by whichever side calls SendFile.
func (f *Facade) CancelTransfer(contactID uint64, transferID string, direction string) error {
	f.mu.RLock()
	files := f.files
	f.mu.RUnlock()
	if files == nil {
		return ErrNoIdentity
	}
	return files.CancelTransfer(contactID, transferID)
}

// ResumeTransfer resumes a previously interrupted outbound transfer.
func (f *Facade) ResumeTransfer(ctx context.Context, contactID uint64, transferID, localPath string) error {
	f.mu.RLock()
	files := f.files
	f.mu.RUnlock()
	if files == nil {
		return ErrNoIdentity
	}
	return files.ResumeTransfer(ctx, contactID, transferID, localPath)
}

// GetTransfers returns every transfer associated with a contact, in
// either direction.
func (f *Facade) GetTransfers(contactID uint64) ([]store.TransferState, error) {
	if _, err := f.identity(); err != nil {
		return nil, err
	}
	return f.st.ListTransfers(contactID)
}

// GetFile returns a file record by ID.
func (f *Facade) GetFile(fileID string) (store.FileRecord, error) {
	if _, err := f.identity(); err != nil {
		return store.FileRecord{}, err
	}
	return f.st.GetFile(fileID)
}

// GetFilePreview returns a file's stored thumbnail, if any.
func (f *Facade) GetFilePreview(fileID string) ([]byte, error) {
	rec, err := f.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	return rec.Thumbnail, nil
}

// OpenFileDialog has no answer in a headless daemon: there is no local
// GUI for the facade to delegate to, so UIs are expected to run their
// own native file picker and call SendFile with the chosen path.
func (f *Facade) OpenFileDialog() (string, error) {
	return "", ErrUnsupported
}
