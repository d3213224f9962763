package store

import (
	"strconv"
	"time"
)

// Conversation is the spec §3 Conversation entity: a 1:1 dialogue with a
// contact. Its ID is simply the contact ID since the relationship is
// 1-to-1 and group conversations are out of scope.
type Conversation struct {
	ID        uint64
	ContactID uint64
	CreatedAt time.Time
}

func conversationKeyForContact(contactID uint64) string {
	return strconv.FormatUint(contactID, 10)
}

// GetOrCreateConversation returns the conversation for a contact,
// creating it on first use.
func (s *Store) GetOrCreateConversation(contactID uint64) (Conversation, error) {
	var conv Conversation
	err := s.Command(func(tx *Tx) error {
		key := conversationKeyForContact(contactID)
		err := tx.getJSON(bucketConversations, key, &conv)
		if err == nil {
			return nil
		}
		if err != ErrNotFound {
			return err
		}
		conv = Conversation{ID: contactID, ContactID: contactID, CreatedAt: time.Now().UTC()}
		return tx.putJSON(bucketConversations, key, conv)
	})
	return conv, err
}
