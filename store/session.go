package store

import (
	"strconv"
)

// SaveRatchetSession inserts or replaces the single active ratchet
// session for a contact with opaque serialised bytes (ratchet.Serialize's
// output). Spec §3 invariant 3: this must be the only place session
// bytes are written, and it must be atomic — bolt's single-bucket Put
// already guarantees that.
func (s *Store) SaveRatchetSession(contactID uint64, data []byte) error {
	return s.Command(func(tx *Tx) error {
		b, err := tx.bucket(bucketSessions)
		if err != nil {
			return err
		}
		key := []byte(strconv.FormatUint(contactID, 10))
		return b.Put(key, tx.store.cipher.Seal(data, key))
	})
}

// GetRatchetSession returns the opaque session bytes for a contact, or
// ErrNotFound if no session has been established yet.
func (s *Store) GetRatchetSession(contactID uint64) ([]byte, error) {
	var data []byte
	err := s.Query(func(tx *Tx) error {
		b, err := tx.bucket(bucketSessions)
		if err != nil {
			return err
		}
		key := []byte(strconv.FormatUint(contactID, 10))
		raw := b.Get(key)
		if raw == nil {
			return ErrNotFound
		}
		plaintext, err := tx.store.cipher.Open(raw, key)
		if err != nil {
			return ErrCorrupted
		}
		data = plaintext
		return nil
	})
	return data, err
}

// DeleteRatchetSession removes a contact's session, used by an explicit
// reset (spec §3: "reset produces a new session").
func (s *Store) DeleteRatchetSession(contactID uint64) error {
	return s.Command(func(tx *Tx) error {
		return tx.delete(bucketSessions, strconv.FormatUint(contactID, 10))
	})
}
