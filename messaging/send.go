package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noctua-im/noctua/channel"
	"github.com/noctua-im/noctua/store"
)

// SendText encrypts body under the contact's ratchet session (starting
// one with a session-init frame if none exists yet), persists the
// message locally before any network write, then transmits it. It
// returns once the frame has been handed to the channel, not once the
// remote side has received it.
func (s *Service) SendText(contactID uint64, body string, replyTo *string) (store.Message, error) {
	conv, err := s.st.GetOrCreateConversation(contactID)
	if err != nil {
		return store.Message{}, fmt.Errorf("resolving conversation: %w", err)
	}

	sess, hs, err := s.ensureSession(contactID)
	if err != nil {
		return store.Message{}, fmt.Errorf("ensuring ratchet session: %w", err)
	}

	messageID := uuid.NewString()
	header, ciphertext, err := sess.Encrypt([]byte(body), []byte(messageID))
	if err != nil {
		return store.Message{}, fmt.Errorf("encrypting message: %w", err)
	}
	if err := s.saveSession(contactID, sess); err != nil {
		return store.Message{}, err
	}

	now := time.Now()
	msg := store.Message{
		MessageID:      messageID,
		ConversationID: conv.ID,
		SenderID:       store.SelfSenderID,
		Kind:           store.MessageKindText,
		Body:           &body,
		ReplyTo:        replyTo,
		SentAt:         now,
	}
	if err := s.st.AddMessage(msg); err != nil {
		return store.Message{}, fmt.Errorf("persisting message: %w", err)
	}

	if hs != nil {
		initFrame := channel.SessionInitFrame{
			Meta:      channel.Meta{Type: channel.FrameSessionInit, ID: uuid.NewString(), Ts: now.UnixNano()},
			Ephemeral: hs.Ephemeral,
		}
		if err := s.channel.Send(contactID, initFrame); err != nil {
			return msg, fmt.Errorf("sending session-init frame: %w", err)
		}
	}

	textFrame := channel.TextFrame{
		Meta:       channel.Meta{Type: channel.FrameText, ID: messageID, Ts: now.UnixNano()},
		Ciphertext: ciphertext,
		Header:     toWireHeader(header),
	}
	if err := s.channel.Send(contactID, textFrame); err != nil {
		return msg, fmt.Errorf("sending text frame: %w", err)
	}

	if s.onMessage != nil {
		s.onMessage(msg)
	}
	return msg, nil
}

// SendEdit re-encrypts newBody under the same ratchet session, persists
// the edit locally, then transmits it. Edits are idempotent: a failed
// transmission still leaves the local store updated.
func (s *Service) SendEdit(contactID uint64, messageID, newBody string) error {
	conv, err := s.st.GetOrCreateConversation(contactID)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}
	sess, err := s.session(contactID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	header, ciphertext, err := sess.Encrypt([]byte(newBody), []byte(messageID))
	if err != nil {
		return fmt.Errorf("encrypting edit: %w", err)
	}
	if err := s.saveSession(contactID, sess); err != nil {
		return err
	}

	if err := s.st.EditMessage(conv.ID, messageID, store.SelfSenderID, newBody); err != nil {
		return fmt.Errorf("editing local message: %w", err)
	}

	frame := channel.EditFrame{
		Meta:       channel.Meta{Type: channel.FrameEdit, ID: uuid.NewString(), Ts: time.Now().UnixNano()},
		TargetID:   messageID,
		Ciphertext: ciphertext,
		Header:     toWireHeader(header),
	}
	return s.channel.Send(contactID, frame)
}

// SendDelete soft-deletes messageID locally, then notifies the contact.
func (s *Service) SendDelete(contactID uint64, messageID string) error {
	conv, err := s.st.GetOrCreateConversation(contactID)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}
	if err := s.st.DeleteMessage(conv.ID, messageID, store.SelfSenderID, store.DeleteModeSoft); err != nil {
		return fmt.Errorf("deleting local message: %w", err)
	}

	frame := channel.DeleteFrame{
		Meta:     channel.Meta{Type: channel.FrameDelete, ID: uuid.NewString(), Ts: time.Now().UnixNano()},
		TargetID: messageID,
	}
	return s.channel.Send(contactID, frame)
}

// SendReaction stores the reaction (a no-op if already present), then
// transmits it.
func (s *Service) SendReaction(contactID uint64, messageID, emoji string) error {
	if err := s.st.AddReaction(store.Reaction{
		MessageID: messageID,
		SenderID:  store.SelfSenderID,
		Emoji:     emoji,
		Timestamp: time.Now(),
	}); err != nil {
		return fmt.Errorf("storing reaction: %w", err)
	}
	frame := channel.ReactionFrame{
		Meta:     channel.Meta{Type: channel.FrameReaction, ID: uuid.NewString(), Ts: time.Now().UnixNano()},
		TargetID: messageID,
		Emoji:    emoji,
		Action:   channel.ReactionAdd,
	}
	return s.channel.Send(contactID, frame)
}

// RemoveReaction removes a previously stored reaction, then transmits
// the toggle.
func (s *Service) RemoveReaction(contactID uint64, messageID, emoji string) error {
	if err := s.st.RemoveReaction(messageID, store.SelfSenderID, emoji); err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}
	frame := channel.ReactionFrame{
		Meta:     channel.Meta{Type: channel.FrameReaction, ID: uuid.NewString(), Ts: time.Now().UnixNano()},
		TargetID: messageID,
		Emoji:    emoji,
		Action:   channel.ReactionRemove,
	}
	return s.channel.Send(contactID, frame)
}

// SendTyping emits a throttled typing hint for contactID.
func (s *Service) SendTyping(contactID uint64, active bool) error {
	return s.channel.SendTyping(contactID, active)
}
