package store

import "time"

// IdentityRecord is the persisted shape of the local installation's
// identity: the identity package's own Record plus the store-owned
// metadata (display name, creation time) the spec attaches to it.
type IdentityRecord struct {
	Algorithm   int
	PrivateKey  []byte
	PublicKey   []byte
	KAPrivate   []byte
	KAPublic    []byte
	DisplayName string
	CreatedAt   time.Time
}

const identityKey = "self"

// SaveIdentity inserts or replaces the single local identity row.
func (s *Store) SaveIdentity(r IdentityRecord) error {
	return s.Command(func(tx *Tx) error {
		return tx.putJSON(bucketIdentity, identityKey, r)
	})
}

// GetIdentity returns the local identity, or ErrNotFound before first run.
func (s *Store) GetIdentity() (IdentityRecord, error) {
	var r IdentityRecord
	err := s.Query(func(tx *Tx) error {
		return tx.getJSON(bucketIdentity, identityKey, &r)
	})
	return r, err
}

// UpdateDisplayName rewrites only the display name, preserving every
// other field and CreatedAt, mirroring the teacher's SaveSession
// "preserve CreatedAt, overwrite the rest" idiom.
func (s *Store) UpdateDisplayName(name string) error {
	return s.Command(func(tx *Tx) error {
		var r IdentityRecord
		if err := tx.getJSON(bucketIdentity, identityKey, &r); err != nil {
			return err
		}
		r.DisplayName = name
		return tx.putJSON(bucketIdentity, identityKey, r)
	})
}
