package messaging

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/noctua-im/noctua/channel"
	"github.com/noctua-im/noctua/ratchet"
	"github.com/noctua-im/noctua/store"
)

func contactSenderID(contactID uint64) string {
	return strconv.FormatUint(contactID, 10)
}

func (s *Service) onSessionInit(contactID uint64, raw json.RawMessage) {
	var f channel.SessionInitFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("messaging: malformed session-init frame", "contact_id", contactID, "error", err)
		return
	}

	contact, err := s.st.GetContact(contactID)
	if err != nil {
		slog.Warn("messaging: session-init from unknown contact", "contact_id", contactID, "error", err)
		return
	}

	hs := ratchet.Handshake{Ephemeral: f.Ephemeral, InitiatorKA: contact.KAKey}
	sess, err := ratchet.Respond(s.self, hs)
	if err != nil {
		slog.Warn("messaging: rejecting session-init", "contact_id", contactID, "error", err)
		return
	}
	if err := s.saveSession(contactID, sess); err != nil {
		slog.Warn("messaging: failed saving new ratchet session", "contact_id", contactID, "error", err)
	}
}

func (s *Service) onText(contactID uint64, raw json.RawMessage) {
	var f channel.TextFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("messaging: malformed text frame", "contact_id", contactID, "error", err)
		return
	}

	sess, err := s.session(contactID)
	if err != nil {
		slog.Warn("messaging: text frame with no ratchet session", "contact_id", contactID, "error", err)
		return
	}

	plaintext, err := sess.Decrypt(fromWireHeader(f.Header), f.Ciphertext, []byte(f.ID))
	if err != nil {
		// Authentication failures are dropped silently; the store is
		// never mutated on an unverified frame.
		slog.Warn("messaging: text frame failed authentication", "contact_id", contactID, "error", err)
		return
	}
	if err := s.saveSession(contactID, sess); err != nil {
		slog.Warn("messaging: failed persisting ratchet session", "contact_id", contactID, "error", err)
	}

	conv, err := s.st.GetOrCreateConversation(contactID)
	if err != nil {
		slog.Warn("messaging: failed resolving conversation", "contact_id", contactID, "error", err)
		return
	}

	body := string(plaintext)
	receivedAt := time.Now()
	msg := store.Message{
		MessageID:      f.ID,
		ConversationID: conv.ID,
		SenderID:       contactSenderID(contactID),
		Kind:           store.MessageKindText,
		Body:           &body,
		SentAt:         time.Unix(0, f.Ts),
		ReceivedAt:     &receivedAt,
	}
	if err := s.st.AddMessage(msg); err != nil {
		slog.Warn("messaging: failed persisting inbound message", "contact_id", contactID, "error", err)
		return
	}

	s.applyBufferedEdits(conv.ID, f.ID)

	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

func (s *Service) onEdit(contactID uint64, raw json.RawMessage) {
	var f channel.EditFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("messaging: malformed edit frame", "contact_id", contactID, "error", err)
		return
	}

	sess, err := s.session(contactID)
	if err != nil {
		slog.Warn("messaging: edit frame with no ratchet session", "contact_id", contactID, "error", err)
		return
	}
	plaintext, err := sess.Decrypt(fromWireHeader(f.Header), f.Ciphertext, []byte(f.TargetID))
	if err != nil {
		slog.Warn("messaging: edit frame failed authentication", "contact_id", contactID, "error", err)
		return
	}
	if err := s.saveSession(contactID, sess); err != nil {
		slog.Warn("messaging: failed persisting ratchet session", "contact_id", contactID, "error", err)
	}

	conv, err := s.st.GetOrCreateConversation(contactID)
	if err != nil {
		slog.Warn("messaging: failed resolving conversation", "contact_id", contactID, "error", err)
		return
	}

	newBody := string(plaintext)
	err = s.st.EditMessage(conv.ID, f.TargetID, contactSenderID(contactID), newBody)
	switch {
	case err == nil:
		return
	case errors.Is(err, store.ErrNotFound):
		s.bufferEdit(contactID, f.TargetID, newBody)
	default:
		slog.Warn("messaging: failed applying edit", "contact_id", contactID, "error", err)
	}
}

func (s *Service) bufferEdit(contactID uint64, targetID, newBody string) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	s.pendingEdits[targetID] = append(s.pendingEdits[targetID], bufferedEdit{
		contactID: contactID,
		targetID:  targetID,
		newBody:   newBody,
		queuedAt:  time.Now(),
	})
}

func (s *Service) applyBufferedEdits(conversationID uint64, messageID string) {
	s.editMu.Lock()
	edits := s.pendingEdits[messageID]
	delete(s.pendingEdits, messageID)
	s.editMu.Unlock()

	for _, e := range edits {
		if err := s.st.EditMessage(conversationID, messageID, contactSenderID(e.contactID), e.newBody); err != nil {
			slog.Warn("messaging: failed applying buffered edit", "message_id", messageID, "error", err)
		}
	}
}

func (s *Service) onDelete(contactID uint64, raw json.RawMessage) {
	var f channel.DeleteFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("messaging: malformed delete frame", "contact_id", contactID, "error", err)
		return
	}
	conv, err := s.st.GetOrCreateConversation(contactID)
	if err != nil {
		slog.Warn("messaging: failed resolving conversation", "contact_id", contactID, "error", err)
		return
	}
	err = s.st.DeleteMessage(conv.ID, f.TargetID, contactSenderID(contactID), store.DeleteModeSoft)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("messaging: failed applying delete", "contact_id", contactID, "error", err)
	}
}

func (s *Service) onReaction(contactID uint64, raw json.RawMessage) {
	var f channel.ReactionFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("messaging: malformed reaction frame", "contact_id", contactID, "error", err)
		return
	}
	senderID := contactSenderID(contactID)
	var err error
	switch f.Action {
	case channel.ReactionAdd:
		err = s.st.AddReaction(store.Reaction{
			MessageID: f.TargetID,
			SenderID:  senderID,
			Emoji:     f.Emoji,
			Timestamp: time.Now(),
		})
	case channel.ReactionRemove:
		err = s.st.RemoveReaction(f.TargetID, senderID, f.Emoji)
	default:
		slog.Warn("messaging: unknown reaction action", "action", f.Action)
		return
	}
	if err != nil {
		slog.Warn("messaging: failed applying reaction", "contact_id", contactID, "error", err)
	}
}

func (s *Service) onTypingFrame(contactID uint64, raw json.RawMessage) {
	var f channel.TypingFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("messaging: malformed typing frame", "contact_id", contactID, "error", err)
		return
	}
	if s.onTyping != nil {
		s.onTyping(contactID, f.Active)
	}
}
