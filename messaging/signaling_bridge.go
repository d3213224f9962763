package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/noctua-im/noctua/identity"
	"github.com/noctua-im/noctua/signaling"
)

const (
	envOffer        = "offer"
	envAnswer       = "answer"
	envIceCandidate = "ice-candidate"
)

type offerPayload struct {
	SDP string `json:"sdp"`
}

type answerPayload struct {
	SDP string `json:"sdp"`
}

type iceCandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// BindSignaling wires a signalling client to the transport manager: it
// subscribes to offer/answer/ice-candidate frames and dials them through
// to the appropriate peer connection, resolving the remote contact by
// matching the envelope's From fingerprint against known contacts.
func (s *Service) BindSignaling(ctx context.Context, sig *signaling.Client) {
	s.sig = sig

	offers := sig.Subscribe(envOffer)
	answers := sig.Subscribe(envAnswer)
	candidates := sig.Subscribe(envIceCandidate)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-offers:
				if !ok {
					return
				}
				s.handleOfferEnvelope(ctx, e)
			case e, ok := <-answers:
				if !ok {
					return
				}
				s.handleAnswerEnvelope(e)
			case e, ok := <-candidates:
				if !ok {
					return
				}
				s.handleCandidateEnvelope(e)
			}
		}
	}()
}

// ContactByFingerprint resolves a known contact by their identity
// fingerprint, the same linear scan Initiate/handleOfferEnvelope use to
// address incoming signalling envelopes. Exported so the facade can
// reuse it for presence envelopes, which aren't a messaging concern.
func (s *Service) ContactByFingerprint(fingerprint string) (uint64, error) {
	contacts, err := s.st.ListContacts()
	if err != nil {
		return 0, fmt.Errorf("listing contacts: %w", err)
	}
	for _, c := range contacts {
		if identity.Fingerprint(c.SigningKey) == fingerprint {
			return c.ID, nil
		}
	}
	return 0, fmt.Errorf("no contact with fingerprint %q", fingerprint)
}

// Initiate starts a WebRTC connection attempt toward contactID: it
// creates a local offer and sends it through the signalling server
// addressed to the contact's fingerprint.
func (s *Service) Initiate(ctx context.Context, contactID uint64) error {
	contact, err := s.st.GetContact(contactID)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}

	offerSDP, err := s.transport.CreateOffer(ctx, contactID)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}

	payload, err := json.Marshal(offerPayload{SDP: offerSDP})
	if err != nil {
		return fmt.Errorf("marshaling offer: %w", err)
	}
	return s.sig.Send(ctx, signaling.Envelope{
		Type:    envOffer,
		To:      identity.Fingerprint(contact.SigningKey),
		From:    s.self.Fingerprint(),
		Payload: payload,
	})
}

func (s *Service) handleOfferEnvelope(ctx context.Context, e signaling.Envelope) {
	contactID, err := s.ContactByFingerprint(e.From)
	if err != nil {
		slog.Warn("messaging: offer from unknown fingerprint", "from", e.From, "error", err)
		return
	}
	var p offerPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		slog.Warn("messaging: malformed offer payload", "contact_id", contactID, "error", err)
		return
	}

	answerSDP, err := s.transport.CreateAnswer(ctx, contactID, p.SDP)
	if err != nil {
		slog.Warn("messaging: failed creating answer", "contact_id", contactID, "error", err)
		return
	}

	payload, err := json.Marshal(answerPayload{SDP: answerSDP})
	if err != nil {
		slog.Warn("messaging: failed marshaling answer", "contact_id", contactID, "error", err)
		return
	}
	if err := s.sig.Send(ctx, signaling.Envelope{
		Type:    envAnswer,
		To:      e.From,
		From:    s.self.Fingerprint(),
		Payload: payload,
	}); err != nil {
		slog.Warn("messaging: failed sending answer", "contact_id", contactID, "error", err)
	}
}

func (s *Service) handleAnswerEnvelope(e signaling.Envelope) {
	contactID, err := s.ContactByFingerprint(e.From)
	if err != nil {
		slog.Warn("messaging: answer from unknown fingerprint", "from", e.From, "error", err)
		return
	}
	var p answerPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		slog.Warn("messaging: malformed answer payload", "contact_id", contactID, "error", err)
		return
	}
	if err := s.transport.SetAnswer(contactID, p.SDP); err != nil {
		slog.Warn("messaging: failed applying answer", "contact_id", contactID, "error", err)
	}
}

func (s *Service) handleCandidateEnvelope(e signaling.Envelope) {
	contactID, err := s.ContactByFingerprint(e.From)
	if err != nil {
		slog.Warn("messaging: ice candidate from unknown fingerprint", "from", e.From, "error", err)
		return
	}
	var p iceCandidatePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		slog.Warn("messaging: malformed ice candidate payload", "contact_id", contactID, "error", err)
		return
	}
	if err := s.transport.AddICECandidate(contactID, p.Candidate); err != nil {
		slog.Warn("messaging: failed adding ice candidate", "contact_id", contactID, "error", err)
	}
}
