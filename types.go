package parlo

import (
	"time"

	"github.com/parlo/parlo-go-sdk/wire"
)

// --------------------------------------------------------------------------
// Connection state
// --------------------------------------------------------------------------

// ConnState is the transport state of the client's single logical connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// MessageType tags the content shape of a chat message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageVoice      MessageType = "voice"
	MessageImage      MessageType = "image"
	MessageVideo      MessageType = "video"
	MessageLocation   MessageType = "location"
	MessageCallRecord MessageType = "call-record"
)

// Message is one inbound chat message as delivered by the gateway. It is
// never mutated after decode and is forwarded to every subscriber as-is.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderRole     string      `json:"senderRole"`
	Content        string      `json:"content"`
	Timestamp      int64       `json:"timestamp"` // unix milliseconds
	Type           MessageType `json:"type"`

	// Voice messages.
	VoiceDuration int    `json:"voiceDuration,omitempty"` // seconds
	VoiceURL      string `json:"voiceUrl,omitempty"`

	// Image and video messages.
	MediaURL string `json:"mediaUrl,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`

	// Location messages.
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// --------------------------------------------------------------------------
// Call signals
// --------------------------------------------------------------------------

// CallEventKind discriminates the variants of a call signal.
type CallEventKind string

const (
	CallIncoming  CallEventKind = "incoming"
	CallCancelled CallEventKind = "cancelled"
)

// CallEvent is one call signal, transient for the duration of dispatch.
// Subscribers discriminate on Kind.
type CallEvent struct {
	Kind           CallEventKind
	CallID         string
	CallerID       string
	RecipientID    string
	ConversationID string
}

// dedupKey identifies the logical event for the duplicate-delivery guard.
func (e CallEvent) dedupKey() string {
	return e.CallID + "|" + string(e.Kind)
}

func callEventFromPayload(kind CallEventKind, p wire.CallPayload) CallEvent {
	return CallEvent{
		Kind:           kind,
		CallID:         p.CallID,
		CallerID:       p.CallerID,
		RecipientID:    p.RecipientID,
		ConversationID: p.ConversationID,
	}
}
