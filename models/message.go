package models

import "time"

// TimestampLayout is the wire format of frame timestamps, always UTC.
const TimestampLayout = "2006-01-02 15:04:05"

// Frame type discriminators.
const (
	FrameTypeMessage            = "message"
	FrameTypeStatus             = "status"
	FrameTypeConversationUpdate = "conversation_update"
)

// FormatTimestamp renders unix milliseconds in the frame timestamp format.
func FormatTimestamp(unixMilli int64) string {
	return time.UnixMilli(unixMilli).UTC().Format(TimestampLayout)
}

// InboundMessage is the only frame a client sends on a conversation channel.
type InboundMessage struct {
	Message *string `json:"message"`
}

// MessageFrame carries one persisted chat message to conversation subscribers.
type MessageFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// NewMessageFrame builds a message frame.
func NewMessageFrame(content, sender string, sentAtMilli int64) MessageFrame {
	return MessageFrame{
		Type:      FrameTypeMessage,
		Message:   content,
		Sender:    sender,
		Timestamp: FormatTimestamp(sentAtMilli),
	}
}

// ConversationUpdateFrame tells a recipient that one of their conversations
// has a new last message.
type ConversationUpdateFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	LastMessage    string `json:"last_message"`
	Sender         string `json:"sender"`
	Timestamp      string `json:"timestamp"`
}

// NewConversationUpdateFrame builds a conversation_update frame.
func NewConversationUpdateFrame(conversationID int64, lastMessage, sender string, sentAtMilli int64) ConversationUpdateFrame {
	return ConversationUpdateFrame{
		Type:           FrameTypeConversationUpdate,
		ConversationID: conversationID,
		LastMessage:    lastMessage,
		Sender:         sender,
		Timestamp:      FormatTimestamp(sentAtMilli),
	}
}
