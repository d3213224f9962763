package noctua

import (
	"fmt"

	"github.com/noctua-im/noctua/store"
)

// GetContacts returns every known contact.
func (f *Facade) GetContacts() ([]store.Contact, error) {
	if _, err := f.identity(); err != nil {
		return nil, err
	}
	return f.st.ListContacts()
}

// AddContact registers a new contact by their raw signing public key.
// The key-agreement key is not set here: the contact's KAKey stays empty
// until store.SetContactKAKey records it, and no facade or messaging path
// calls that, so no ratchet session can be established with the contact
// until it is set.
func (f *Facade) AddContact(publicSigningKey []byte, displayName string) (store.Contact, error) {
	if _, err := f.identity(); err != nil {
		return store.Contact{}, err
	}
	c, err := f.st.AddContact(publicSigningKey, displayName)
	if err != nil {
		return store.Contact{}, fmt.Errorf("adding contact: %w", err)
	}
	return c, nil
}

// RemoveContact deletes a contact and its conversation.
func (f *Facade) RemoveContact(id uint64) error {
	if _, err := f.identity(); err != nil {
		return err
	}
	return f.st.RemoveContact(id)
}

// SetContactVerified records whether a contact's fingerprint has been
// verified out of band.
func (f *Facade) SetContactVerified(id uint64, verified bool) error {
	if _, err := f.identity(); err != nil {
		return err
	}
	return f.st.SetContactVerified(id, verified)
}

// SetContactNickname renames the local nickname for a contact.
func (f *Facade) SetContactNickname(id uint64, name string) error {
	if _, err := f.identity(); err != nil {
		return err
	}
	return f.st.SetContactNickname(id, name)
}
