package noctua

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/noctua-im/noctua/messaging"
	"github.com/noctua-im/noctua/signaling"
	"github.com/noctua-im/noctua/store"
)

const envPresence = "presence"

type presencePayload struct {
	Status string `json:"status"`
}

// bindPresence subscribes to the signalling server's presence envelopes,
// parallel to messaging.Service.BindSignaling's offer/answer/ice-
// candidate subscriptions but kept in the facade: presence is a
// contact-wide fact, not a messaging-protocol concern.
func (f *Facade) bindPresence(ctx context.Context, sig *signaling.Client, msg *messaging.Service) {
	updates := sig.Subscribe(envPresence)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-updates:
				if !ok {
					return
				}
				f.handlePresenceEnvelope(msg, e)
			}
		}
	}()
}

func (f *Facade) handlePresenceEnvelope(msg *messaging.Service, e signaling.Envelope) {
	contactID, err := msg.ContactByFingerprint(e.From)
	if err != nil {
		slog.Warn("noctua: presence from unknown fingerprint", "from", e.From, "error", err)
		return
	}
	var p presencePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		slog.Warn("noctua: malformed presence payload", "contact_id", contactID, "error", err)
		return
	}
	if err := f.st.SetContactPresence(contactID, store.Presence(p.Status)); err != nil {
		slog.Warn("noctua: failed persisting presence", "contact_id", contactID, "error", err)
		return
	}
	send(f.events.presence, PresenceEvent{ContactID: contactID, Status: p.Status})
}
