package domain

import (
	"encoding/json"
	"time"
)

// Server to client event names.
const (
	EventNewMessage          = "new-message"
	EventMessageSent         = "message-sent"
	EventMessagesRead        = "messages-read"
	EventMessagesMarked      = "messages-marked"
	EventUserTyping          = "user-typing"
	EventUserStoppedTyping   = "user-stopped-typing"
	EventIncomingCall        = "incoming-call"
	EventCallInitiated       = "call-initiated"
	EventCallAccepted        = "call-accepted"
	EventCallRejected        = "call-rejected"
	EventCallMissed          = "call-missed"
	EventCallEnded           = "call-ended"
	EventCallParticipantLeft = "call-participant-left"
	EventWebRTCSignal        = "webrtc-signal"
	EventUserStatusChange    = "user-status-change"
	EventPresenceSnapshot    = "presence-snapshot"
	EventConversationUpdated = "conversation-updated"
	EventError               = "error"
)

// Routing keys on the event bus.
const (
	TopicCallTerminated   = "call.terminated"
	TopicMessageCreated   = "message.created"
	TopicMessagesRead     = "messages.read"
	TopicPresenceChanged  = "presence.changed"
	TopicConversationEdit = "conversation.updated"
)

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload}
}

type ErrorPayload struct {
	Code    ErrorKind `json:"code"`
	Reason  string    `json:"reason"`
	Command string    `json:"command,omitempty"`
}

type IncomingCallPayload struct {
	CallID       string    `json:"callId"`
	CallerID     string    `json:"callerId"`
	CallType     MediaKind `json:"callType"`
	IsGroup      bool      `json:"isGroup"`
	Participants []string  `json:"participants"`
}

type CallInitiatedPayload struct {
	CallID       string            `json:"callId"`
	ReceiverID   string            `json:"receiverId"`
	CallType     MediaKind         `json:"callType"`
	State        CallState         `json:"state"`
	Participants []CallParticipant `json:"participants"`
}

type CallAcceptedPayload struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type CallRejectedPayload struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type CallMissedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type CallEndedPayload struct {
	CallID          string `json:"callId"`
	EndedBy         string `json:"endedBy,omitempty"`
	DurationSeconds int64  `json:"durationSeconds"`
	Reason          string `json:"reason,omitempty"`
}

type ParticipantLeftPayload struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type SignalPayload struct {
	SenderID string          `json:"senderId"`
	Signal   json.RawMessage `json:"signal"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type MessagesMarkedPayload struct {
	ConversationID string `json:"conversationId"`
	UpdatedCount   int    `json:"updatedCount"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type ConversationUpdatedPayload struct {
	Conversation Conversation `json:"conversation"`
	Action       string       `json:"action"`
	ActorID      string       `json:"actorId"`
	UserID       string       `json:"userId,omitempty"`
}
