package store

import (
	"fmt"
	"strconv"
	"time"
)

// Presence mirrors the transient enum spec §3 assigns to a contact,
// driven entirely by the signalling client; the store only persists the
// last known value.
type Presence string

const (
	PresenceOnline    Presence = "online"
	PresenceAway      Presence = "away"
	PresenceBusy      Presence = "busy"
	PresenceInvisible Presence = "invisible"
	PresenceOffline   Presence = "offline"
	PresenceUnknown   Presence = "unknown"
)

// Contact is the spec §3 Contact entity.
type Contact struct {
	ID           uint64
	SigningKey   []byte
	KAKey        []byte
	Nickname     string
	Verified     bool
	AddedAt      time.Time
	Presence     Presence
}

// AddContact assigns a fresh contact_id and persists the new contact.
// The signing key is globally unique: a duplicate is rejected with
// ErrConflict rather than silently creating a second contact row for the
// same remote identity.
func (s *Store) AddContact(signingKey []byte, nickname string) (Contact, error) {
	var c Contact
	err := s.Command(func(tx *Tx) error {
		if _, found, err := tx.findContactBySigningKey(signingKey); err != nil {
			return err
		} else if found {
			return ErrConflict
		}

		id, err := tx.nextContactID()
		if err != nil {
			return fmt.Errorf("assigning contact id: %w", err)
		}
		c = Contact{
			ID:         id,
			SigningKey: signingKey,
			Nickname:   nickname,
			AddedAt:    time.Now().UTC(),
			Presence:   PresenceUnknown,
		}
		return tx.putJSON(bucketContacts, contactKey(id), c)
	})
	return c, err
}

func contactKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (t *Tx) findContactBySigningKey(signingKey []byte) (Contact, bool, error) {
	var found Contact
	var ok bool
	err := t.forEachJSON(bucketContacts, func() any { return &Contact{} }, func(_ string, v any) bool {
		c := v.(*Contact)
		if string(c.SigningKey) == string(signingKey) {
			found, ok = *c, true
			return false
		}
		return true
	})
	return found, ok, err
}

// GetContact returns a single contact by ID.
func (s *Store) GetContact(id uint64) (Contact, error) {
	var c Contact
	err := s.Query(func(tx *Tx) error {
		return tx.getJSON(bucketContacts, contactKey(id), &c)
	})
	return c, err
}

// ListContacts returns every known contact.
func (s *Store) ListContacts() ([]Contact, error) {
	var out []Contact
	err := s.Query(func(tx *Tx) error {
		return tx.forEachJSON(bucketContacts, func() any { return &Contact{} }, func(_ string, v any) bool {
			out = append(out, *v.(*Contact))
			return true
		})
	})
	return out, err
}

// RemoveContact deletes a contact and its conversation, but leaves
// message history in place (messages reference the signing key, not a
// live foreign key, so history survives contact removal).
func (s *Store) RemoveContact(id uint64) error {
	return s.Command(func(tx *Tx) error {
		if err := tx.delete(bucketContacts, contactKey(id)); err != nil {
			return err
		}
		return tx.delete(bucketConversations, conversationKeyForContact(id))
	})
}

// SetContactVerified marks (or unmarks) a contact's out-of-band
// fingerprint verification.
func (s *Store) SetContactVerified(id uint64, verified bool) error {
	return s.mutateContact(id, func(c *Contact) { c.Verified = verified })
}

// SetContactNickname renames the local nickname for a contact.
func (s *Store) SetContactNickname(id uint64, nickname string) error {
	return s.mutateContact(id, func(c *Contact) { c.Nickname = nickname })
}

// SetContactPresence records the latest presence update seen for a
// contact over the signalling channel.
func (s *Store) SetContactPresence(id uint64, presence Presence) error {
	return s.mutateContact(id, func(c *Contact) { c.Presence = presence })
}

// SetContactKAKey records a contact's key-agreement public key, which
// both sides of a ratchet handshake read from the contact row.
func (s *Store) SetContactKAKey(id uint64, kaKey []byte) error {
	return s.mutateContact(id, func(c *Contact) { c.KAKey = kaKey })
}

func (s *Store) mutateContact(id uint64, fn func(*Contact)) error {
	return s.Command(func(tx *Tx) error {
		var c Contact
		if err := tx.getJSON(bucketContacts, contactKey(id), &c); err != nil {
			return err
		}
		fn(&c)
		return tx.putJSON(bucketContacts, contactKey(id), c)
	})
}
