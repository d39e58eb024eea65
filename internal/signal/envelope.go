// Package signal implements the client half of the call-signaling channel:
// the wire envelope, the named events exchanged with the relay server, and a
// reconnecting websocket client. The engine consumes it through the small
// Signaler surface defined in internal/call.
package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names on the signaling channel. The relay delivers events for a given
// call ID in the order the remote peer sent them; delivery is at-least-once
// across reconnects, so consumers must treat stale call IDs as no-ops.
const (
	EventCallInitiate = "call:initiate"
	EventCallCreated  = "call:initiated"
	EventCallRinging  = "call:ringing"
	EventCallAccept   = "call:accept"
	EventCallAccepted = "call:accepted"
	EventCallDecline  = "call:decline"
	EventCallDeclined = "call:declined"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"
	EventCallTimeout  = "call:timeout"
	EventCallError    = "call:error"
	EventOffer        = "webrtc:offer"
	EventICECandidate = "webrtc:ice-candidate"
	EventMessageSend  = "message:send"
)

// Error codes carried by call:error events.
const (
	CodeRecipientBusy    = "RECIPIENT_BUSY"
	CodeRecipientOffline = "RECIPIENT_OFFLINE"
)

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Identity is a user record as the relay knows it.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// InitiatePayload → call:initiate (client → server).
type InitiatePayload struct {
	RecipientID string `json:"recipientId"`
	CallType    string `json:"callType"` // "voice" | "video"
}

// CreatedPayload ← call:initiated (server → caller, once the callee is known).
type CreatedPayload struct {
	CallID      string `json:"callId"`
	RecipientID string `json:"recipientId"`
	CallType    string `json:"callType"`
	Status      string `json:"status"`
}

// OfferPayload carries the SDP offer in both directions: tagged with the
// recipient when outbound, with the caller when inbound.
type OfferPayload struct {
	CallID      string                    `json:"callId"`
	RecipientID string                    `json:"recipientId,omitempty"`
	CallerID    string                    `json:"callerId,omitempty"`
	Offer       webrtc.SessionDescription `json:"offer"`
}

// AcceptPayload → call:accept (callee → server, with the SDP answer).
type AcceptPayload struct {
	CallID string                    `json:"callId"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// AcceptedPayload ← call:accepted (server → caller).
type AcceptedPayload struct {
	CallID      string                    `json:"callId"`
	Answer      webrtc.SessionDescription `json:"answer"`
	RecipientID string                    `json:"recipientId"`
}

// DeclinePayload → call:decline.
type DeclinePayload struct {
	CallID string `json:"callId"`
}

// EndPayload ↔ call:end / call:ended (hang-up and cancel).
type EndPayload struct {
	CallID string `json:"callId"`
}

// RingingPayload ← call:ringing (server → callee).
type RingingPayload struct {
	CallID   string   `json:"callId"`
	CallType string   `json:"callType"`
	Caller   Identity `json:"caller"`
}

// TimeoutPayload ↔ call:timeout.
type TimeoutPayload struct {
	CallID  string `json:"callId"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload ← call:error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// CandidatePayload ↔ webrtc:ice-candidate.
type CandidatePayload struct {
	CallID    string                  `json:"callId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// MessagePayload → message:send (chat messages flushed from the outbox).
type MessagePayload struct {
	TempID         string `json:"tempId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}
