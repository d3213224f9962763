package store

import "time"

// TransferDirection is the spec §3 Transfer state.direction enum.
type TransferDirection string

const (
	TransferSend    TransferDirection = "send"
	TransferReceive TransferDirection = "receive"
)

// TransferStateValue is the spec §3 Transfer state.state enum.
type TransferStateValue string

const (
	TransferPending   TransferStateValue = "pending"
	TransferActive    TransferStateValue = "active"
	TransferPaused    TransferStateValue = "paused"
	TransferComplete  TransferStateValue = "complete"
	TransferCancelled TransferStateValue = "cancelled"
	TransferFailed    TransferStateValue = "failed"
)

func transferIsOpen(s TransferStateValue) bool {
	return s == TransferPending || s == TransferActive || s == TransferPaused
}

// TransferState is the spec §3 Transfer state entity.
type TransferState struct {
	TransferID       string
	ContactID        uint64
	Direction        TransferDirection
	FileID           string
	TotalBytes       int64
	BytesTransferred int64
	ChunkSize        int
	NextChunkIndex   int
	State            TransferStateValue
	CreatedAt        time.Time
	LastProgressAt   time.Time
}

// SaveTransfer inserts or replaces a transfer row. Inserting a new
// pending/active/paused transfer is rejected with ErrConflict if another
// open transfer already exists for the same (contact_id, direction,
// file_id), per spec §3 invariant 2.
func (s *Store) SaveTransfer(t TransferState) error {
	return s.Command(func(tx *Tx) error {
		if transferIsOpen(t.State) {
			conflict, err := tx.findOpenTransfer(t.ContactID, t.Direction, t.FileID, t.TransferID)
			if err != nil {
				return err
			}
			if conflict {
				return ErrConflict
			}
		}
		return tx.putJSON(bucketTransfers, t.TransferID, t)
	})
}

func (t *Tx) findOpenTransfer(contactID uint64, direction TransferDirection, fileID, excludeTransferID string) (bool, error) {
	var found bool
	err := t.forEachJSON(bucketTransfers, func() any { return &TransferState{} }, func(_ string, v any) bool {
		ts := v.(*TransferState)
		if ts.TransferID == excludeTransferID {
			return true
		}
		if ts.ContactID == contactID && ts.Direction == direction && ts.FileID == fileID && transferIsOpen(ts.State) {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// GetTransfer returns a single transfer by ID.
func (s *Store) GetTransfer(transferID string) (TransferState, error) {
	var t TransferState
	err := s.Query(func(tx *Tx) error {
		return tx.getJSON(bucketTransfers, transferID, &t)
	})
	return t, err
}

// ListTransfers returns every transfer associated with a contact.
func (s *Store) ListTransfers(contactID uint64) ([]TransferState, error) {
	var out []TransferState
	err := s.Query(func(tx *Tx) error {
		return tx.forEachJSON(bucketTransfers, func() any { return &TransferState{} }, func(_ string, v any) bool {
			ts := v.(*TransferState)
			if ts.ContactID == contactID {
				out = append(out, *ts)
			}
			return true
		})
	})
	return out, err
}
