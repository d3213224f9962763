package noctua

import (
	"context"
	"fmt"
	"time"

	"github.com/noctua-im/noctua/store"
)

// InitiateP2P starts (or restarts) a direct WebRTC connection attempt
// toward contactID.
func (f *Facade) InitiateP2P(ctx context.Context, contactID uint64) error {
	f.mu.RLock()
	msg := f.msg
	f.mu.RUnlock()
	if msg == nil {
		return ErrNoIdentity
	}
	return msg.Initiate(ctx, contactID)
}

// SendMessage sends a text message, creating the conversation on first
// use if needed.
func (f *Facade) SendMessage(contactID uint64, body string, replyTo *string) (store.Message, error) {
	f.mu.RLock()
	msg := f.msg
	f.mu.RUnlock()
	if msg == nil {
		return store.Message{}, ErrNoIdentity
	}
	return msg.SendText(contactID, body, replyTo)
}

// GetMessages returns up to limit messages from a contact's
// conversation, strictly before beforeTS (zero time for the most
// recent).
func (f *Facade) GetMessages(contactID uint64, limit int, beforeTS time.Time) ([]store.Message, error) {
	if _, err := f.identity(); err != nil {
		return nil, err
	}
	conv, err := f.st.GetOrCreateConversation(contactID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return f.st.GetMessages(conv.ID, limit, beforeTS)
}

// SendTyping sends (or stops) a typing indicator to a contact.
func (f *Facade) SendTyping(contactID uint64, active bool) error {
	f.mu.RLock()
	msg := f.msg
	f.mu.RUnlock()
	if msg == nil {
		return ErrNoIdentity
	}
	return msg.SendTyping(contactID, active)
}

// EditMessage edits a previously sent message's body.
func (f *Facade) EditMessage(contactID uint64, messageID, newBody string) error {
	f.mu.RLock()
	msg := f.msg
	f.mu.RUnlock()
	if msg == nil {
		return ErrNoIdentity
	}
	return msg.SendEdit(contactID, messageID, newBody)
}

// DeleteMessage deletes (soft, by default) a previously sent message.
func (f *Facade) DeleteMessage(contactID uint64, messageID string) error {
	f.mu.RLock()
	msg := f.msg
	f.mu.RUnlock()
	if msg == nil {
		return ErrNoIdentity
	}
	return msg.SendDelete(contactID, messageID)
}

// AddReaction attaches an emoji reaction to a message.
func (f *Facade) AddReaction(contactID uint64, messageID, emoji string) error {
	f.mu.RLock()
	msg := f.msg
	f.mu.RUnlock()
	if msg == nil {
		return ErrNoIdentity
	}
	return msg.SendReaction(contactID, messageID, emoji)
}

// RemoveReaction removes a previously added emoji reaction.
func (f *Facade) RemoveReaction(contactID uint64, messageID, emoji string) error {
	f.mu.RLock()
	msg := f.msg
	f.mu.RUnlock()
	if msg == nil {
		return ErrNoIdentity
	}
	return msg.RemoveReaction(contactID, messageID, emoji)
}

// GetReactions returns every reaction attached to a message.
func (f *Facade) GetReactions(messageID string) ([]store.Reaction, error) {
	if _, err := f.identity(); err != nil {
		return nil, err
	}
	return f.st.GetReactions(messageID)
}

// GetP2PState returns a contact's current transport-level connection
// state.
func (f *Facade) GetP2PState(contactID uint64) (string, error) {
	f.mu.RLock()
	tm := f.transportMg
	f.mu.RUnlock()
	if tm == nil {
		return "", ErrNoIdentity
	}
	return tm.State(contactID).String(), nil
}
