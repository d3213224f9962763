package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/noctua-im/noctua/internal/seal"
)

// MessageKind is the spec §3 Message.kind enum.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindFile   MessageKind = "file"
	MessageKindEdit   MessageKind = "edit"
	MessageKindDelete MessageKind = "delete"
)

// SelfSenderID is the sentinel sender_id spec §3 reserves for the local
// user; every other value is a remote contact's signing key.
const SelfSenderID = "self"

// Message is the spec §3 Message entity.
type Message struct {
	MessageID    string
	ConversationID uint64
	SenderID     string
	Kind         MessageKind
	Body         *string
	ReplyTo      *string
	Edited       bool
	Deleted      bool
	SentAt       time.Time
	ReceivedAt   *time.Time
	FileRef      *string
}

// messageKey orders messages by (conversation_id, sent_at, random
// suffix), mirroring the teacher's AddChatEntry key shape (timestamp
// prefix + disambiguating suffix) but scoped per-conversation in a single
// shared bucket instead of one bucket per session.
func messageKey(conversationID uint64, sentAt time.Time, suffix []byte) []byte {
	key := make([]byte, 8+8+len(suffix))
	binary.BigEndian.PutUint64(key[:8], conversationID)
	binary.BigEndian.PutUint64(key[8:16], uint64(sentAt.UnixNano()))
	copy(key[16:], suffix)
	return key
}

// AddMessage stores a message, assigning its sort key from SentAt (which
// the caller must have already set; messaging sets it before transmit,
// honouring the store-first-then-transmit discipline).
func (s *Store) AddMessage(m Message) error {
	return s.Command(func(tx *Tx) error {
		return tx.putMessage(m)
	})
}

func (t *Tx) putMessage(m Message) error {
	b, err := t.bucket(bucketMessages)
	if err != nil {
		return err
	}
	key := messageKey(m.ConversationID, m.SentAt, seal.RandomBytes(4))
	data, err := marshalMessage(m)
	if err != nil {
		return err
	}
	return b.Put(key, t.store.cipher.Seal(data, key))
}

// GetMessages returns up to limit messages from a conversation, strictly
// before beforeTS (or the newest limit messages when beforeTS is zero),
// returned in ascending chronological order as spec §6's get_messages
// expects for rendering.
func (s *Store) GetMessages(conversationID uint64, limit int, beforeTS time.Time) ([]Message, error) {
	var out []Message
	err := s.Query(func(tx *Tx) error {
		b, err := tx.bucket(bucketMessages)
		if err != nil {
			return err
		}
		if beforeTS.IsZero() {
			beforeTS = time.Now().UTC().Add(time.Second)
		}
		seekKey := messageKey(conversationID, beforeTS, nil)

		c := b.Cursor()
		k, v := c.Seek(seekKey)
		if k == nil {
			k, v = c.Last()
		} else {
			// Seek lands at-or-after seekKey; step back to the first
			// entry strictly before it.
			k, v = c.Prev()
		}

		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, conversationID)

		for ; k != nil && len(out) < limit; k, v = c.Prev() {
			if !hasPrefix(k, prefix) {
				break
			}
			plaintext, err := tx.store.cipher.Open(v, k)
			if err != nil {
				return ErrCorrupted
			}
			m, err := unmarshalMessage(plaintext)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		reverseMessages(out)
		return nil
	})
	return out, err
}

// GetMessage fetches a single message by conversation and ID, used by
// edit/delete/reaction lookups that need the current row before
// mutating it.
func (s *Store) GetMessage(conversationID uint64, messageID string) (Message, error) {
	var found Message
	err := s.Query(func(tx *Tx) error {
		return tx.forEachMessage(conversationID, func(m Message) bool {
			if m.MessageID == messageID {
				found = m
				return false
			}
			return true
		})
	})
	if err != nil {
		return found, err
	}
	if found.MessageID == "" {
		return found, ErrNotFound
	}
	return found, nil
}

func (t *Tx) forEachMessage(conversationID uint64, fn func(Message) bool) error {
	b, err := t.bucket(bucketMessages)
	if err != nil {
		return err
	}
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, conversationID)

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		plaintext, err := t.store.cipher.Open(v, k)
		if err != nil {
			return ErrCorrupted
		}
		m, err := unmarshalMessage(plaintext)
		if err != nil {
			return err
		}
		if !fn(m) {
			return nil
		}
	}
	return nil
}

// EditMessage rewrites a message's body in place and marks it edited.
// Spec §3 invariant 5: only honoured when requesterID matches the
// message's original sender; a mismatch returns ErrDenied and leaves
// the message unchanged, distinct from ErrNotFound.
func (s *Store) EditMessage(conversationID uint64, messageID, requesterID, newBody string) error {
	return s.mutateMessage(conversationID, messageID, requesterID, func(m *Message) {
		m.Body = &newBody
		m.Edited = true
	})
}

// DeleteMessageMode selects whether delete_message soft-deletes (keeps
// the row, clears the body) or hard-deletes (removes the row entirely).
type DeleteMessageMode string

const (
	DeleteModeSoft DeleteMessageMode = "soft"
	DeleteModeHard DeleteMessageMode = "hard"
)

// DeleteMessage applies spec §3's soft-delete semantics by default
// (deleted=true, body=null, other metadata preserved) or a hard delete
// when mode is DeleteModeHard. A sender mismatch returns ErrDenied,
// distinct from ErrNotFound, and leaves the message unchanged.
func (s *Store) DeleteMessage(conversationID uint64, messageID, requesterID string, mode DeleteMessageMode) error {
	if mode == DeleteModeHard {
		return s.Command(func(tx *Tx) error {
			var target *Message
			err := tx.forEachMessage(conversationID, func(m Message) bool {
				if m.MessageID == messageID {
					cp := m
					target = &cp
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			if target == nil {
				return ErrNotFound
			}
			if target.SenderID != requesterID {
				return ErrDenied
			}
			return tx.removeMessage(*target)
		})
	}
	return s.mutateMessage(conversationID, messageID, requesterID, func(m *Message) {
		m.Deleted = true
		m.Body = nil
	})
}

func (t *Tx) removeMessage(m Message) error {
	b, err := t.bucket(bucketMessages)
	if err != nil {
		return err
	}
	c := b.Cursor()
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, m.ConversationID)
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		plaintext, err := t.store.cipher.Open(v, k)
		if err != nil {
			continue
		}
		candidate, err := unmarshalMessage(plaintext)
		if err == nil && candidate.MessageID == m.MessageID {
			return b.Delete(k)
		}
	}
	return ErrNotFound
}

func (s *Store) mutateMessage(conversationID uint64, messageID, requesterID string, fn func(*Message)) error {
	return s.Command(func(tx *Tx) error {
		b, err := tx.bucket(bucketMessages)
		if err != nil {
			return err
		}
		c := b.Cursor()
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, conversationID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			plaintext, err := tx.store.cipher.Open(v, k)
			if err != nil {
				return ErrCorrupted
			}
			m, err := unmarshalMessage(plaintext)
			if err != nil {
				return err
			}
			if m.MessageID != messageID {
				continue
			}
			if m.SenderID != requesterID {
				return ErrDenied
			}
			fn(&m)
			data, err := marshalMessage(m)
			if err != nil {
				return err
			}
			return b.Put(k, tx.store.cipher.Seal(data, k))
		}
		return ErrNotFound
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func reverseMessages(m []Message) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}

// marshalMessage/unmarshalMessage exist (instead of relying on putJSON's
// bucket-wide iteration) because messages live in one shared bucket keyed
// by a composite (conversation_id, sent_at) prefix rather than one row
// per bucket; bolt.Cursor needs direct []byte access for prefix seeks.
func marshalMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
