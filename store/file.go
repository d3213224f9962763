package store

import "time"

// StorageLocation selects between the two file-record storage modes
// spec §3 names.
type StorageLocation string

const (
	StorageInline     StorageLocation = "inline"
	StorageFilesystem StorageLocation = "filesystem"
)

// InlineThreshold is the size boundary spec §3 draws between an inline
// BLOB and a filesystem-path-backed file record.
const InlineThreshold = 100 * 1024

// FileRecord is the spec §3 File record entity.
type FileRecord struct {
	FileID           string
	ConversationID   uint64
	Filename         string
	MIME             string
	Size             int64
	SHA256           string
	StorageLocation  StorageLocation
	InlineData       []byte
	Path             string
	EncryptedAtRest  bool
	CreatedAt        time.Time
	Thumbnail        []byte
}

// LocationFor decides inline vs filesystem storage from a file's size,
// the rule spec §3 attaches to the file record rather than the transfer
// layer.
func LocationFor(size int64) StorageLocation {
	if size <= InlineThreshold {
		return StorageInline
	}
	return StorageFilesystem
}

// SaveFile inserts or replaces a file record.
func (s *Store) SaveFile(f FileRecord) error {
	return s.Command(func(tx *Tx) error {
		return tx.putJSON(bucketFiles, f.FileID, f)
	})
}

// GetFile returns a single file record by ID.
func (s *Store) GetFile(fileID string) (FileRecord, error) {
	var f FileRecord
	err := s.Query(func(tx *Tx) error {
		return tx.getJSON(bucketFiles, fileID, &f)
	})
	return f, err
}
