package store

import "time"

// Reaction is the spec §3 Reaction entity, unique by
// (message_id, sender_id, emoji).
type Reaction struct {
	MessageID string
	SenderID  string
	Emoji     string
	Timestamp time.Time
}

func reactionKey(messageID, senderID, emoji string) string {
	return messageID + "\x00" + senderID + "\x00" + emoji
}

// AddReaction is a no-op (not an error) when the exact same
// (message_id, sender_id, emoji) already exists, per spec §3 invariant 4.
func (s *Store) AddReaction(r Reaction) error {
	return s.Command(func(tx *Tx) error {
		key := reactionKey(r.MessageID, r.SenderID, r.Emoji)
		var existing Reaction
		err := tx.getJSON(bucketReactions, key, &existing)
		if err == nil {
			return nil
		}
		if err != ErrNotFound {
			return err
		}
		return tx.putJSON(bucketReactions, key, r)
	})
}

// RemoveReaction deletes a single (message_id, sender_id, emoji) row.
func (s *Store) RemoveReaction(messageID, senderID, emoji string) error {
	return s.Command(func(tx *Tx) error {
		return tx.delete(bucketReactions, reactionKey(messageID, senderID, emoji))
	})
}

// GetReactions returns every reaction attached to a message.
func (s *Store) GetReactions(messageID string) ([]Reaction, error) {
	var out []Reaction
	err := s.Query(func(tx *Tx) error {
		return tx.forEachJSON(bucketReactions, func() any { return &Reaction{} }, func(_ string, v any) bool {
			r := v.(*Reaction)
			if r.MessageID == messageID {
				out = append(out, *r)
			}
			return true
		})
	})
	return out, err
}
