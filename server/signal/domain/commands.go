package domain

import "encoding/json"

// Command is a client to server message type.
type Command string

const (
	CmdSendMessage       Command = "send-message"
	CmdMarkRead          Command = "mark-read"
	CmdTyping            Command = "typing"
	CmdStopTyping        Command = "stop-typing"
	CmdCallRequest       Command = "call-request"
	CmdCallResponse      Command = "call-response"
	CmdEndCall           Command = "end-call"
	CmdWebRTCSignal      Command = "webrtc-signal"
	CmdUpdateStatus      Command = "update-status"
	CmdSubscribePresence Command = "subscribe-presence"
)

// Envelope is the inbound frame shape. Payload is decoded per command.
type Envelope struct {
	Type    Command         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SendMessageCommand struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Text           string `json:"text"`
	Media          *Media `json:"media,omitempty"`
}

type MarkReadCommand struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type TypingCommand struct {
	ConversationID string `json:"conversationId"`
}

type CallRequestCommand struct {
	ReceiverID  string    `json:"receiverId"`
	ReceiverIDs []string  `json:"receiverIds"`
	CallType    MediaKind `json:"callType"`
}

type CallResponseCommand struct {
	CallID string `json:"callId"`
	Accept bool   `json:"accept"`
}

type EndCallCommand struct {
	CallID string `json:"callId"`
}

type SignalCommand struct {
	ReceiverID string          `json:"receiverId"`
	Signal     json.RawMessage `json:"signal"`
}

type UpdateStatusCommand struct {
	Status Status `json:"status"`
}

type SubscribePresenceCommand struct {
	UserIDs     []string `json:"userIds"`
	Unsubscribe bool     `json:"unsubscribe,omitempty"`
}
