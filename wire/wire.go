// Package wire defines the named-event JSON envelopes exchanged with the
// Parlo realtime gateway and the codec that frames them. Both the gateway and
// the Go SDK import these — single source of truth.
//
// Frame layout:
//
//	[0]   flags  uint8 (bit0=compressed)
//	[1-]  body   JSON-encoded Envelope, zstd-compressed when flagged
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const MaxBodyLen = 256 * 1024 // 256 KB hard limit per envelope

// Flag bits.
const FlagCompressed uint8 = 1 << 0

var (
	ErrShortRead    = errors.New("wire: short read")
	ErrBodyTooLarge = errors.New("wire: body exceeds maximum size")
)

// Event names carried on the wire. Inbound unless noted.
const (
	EventAuth      = "auth"       // outbound handshake
	EventAuthOK    = "auth-ok"    // handshake accepted
	EventAuthError = "auth-error" // handshake rejected, not retried

	EventReceiveMessage   = "receive-message"
	EventMessage          = "message" // legacy alias of receive-message
	EventIncomingCall     = "incoming-call"
	EventCallCancelled    = "call-cancelled"
	EventOfflineDelivered = "offline-messages-delivered"

	EventGetOfflineMessages = "get-offline-messages" // outbound
	EventSendMessage        = "send-message"         // outbound
	EventJoinConversation   = "join-conversation"    // outbound
	EventLeaveConversation  = "leave-conversation"   // outbound
	EventRejectCall         = "reject-call"          // outbound
)

// Envelope is one named event on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthPayload is the handshake payload sent immediately after the transport
// connects. Token must already be normalized (no scheme prefix).
type AuthPayload struct {
	Auth AuthCredentials `json:"auth"`
}

// AuthCredentials carries the bearer credential inside the handshake.
type AuthCredentials struct {
	Token string `json:"token"`
}

// AuthErrorPayload is the payload of an auth-error envelope.
type AuthErrorPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CallPayload is the payload of incoming-call and call-cancelled envelopes.
type CallPayload struct {
	CallID         string `json:"callId"`
	CallerID       string `json:"callerId"`
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
}

// RejectCallPayload is the payload of an outbound reject-call envelope.
type RejectCallPayload struct {
	CallID         string `json:"callId"`
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId"`
}

// OfflineDeliveredPayload reports how many buffered messages the gateway
// flushed after an offline backlog fetch. Informational only.
type OfflineDeliveredPayload struct {
	Count int `json:"count"`
}

// Encode serialises an envelope into a single frame, compressing large
// bodies.
func Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if len(body) > MaxBodyLen {
		return nil, ErrBodyTooLarge
	}

	body, flags := packBody(body)

	out := make([]byte, 1+len(body))
	out[0] = flags
	copy(out[1:], body)
	return out, nil
}

// Decode parses a frame back into an envelope.
func Decode(data []byte) (Envelope, error) {
	if len(data) < 2 {
		return Envelope{}, ErrShortRead
	}
	body, err := unpackBody(data[1:], data[0])
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: decompress body: %w", err)
	}
	if len(body) > MaxBodyLen {
		return Envelope{}, ErrBodyTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("wire: envelope missing event name")
	}
	return env, nil
}
