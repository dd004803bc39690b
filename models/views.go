package models

// MessageView is one history entry returned by the JSON API.
type MessageView struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	IsRead         bool   `json:"is_read"`
}

// ConversationView is one inbox row returned by the JSON API.
type ConversationView struct {
	ID          int64        `json:"id"`
	OtherUser   string       `json:"other_user"`
	UnreadCount int          `json:"unread_count"`
	LastMessage *MessageView `json:"last_message,omitempty"`
	UpdatedAt   string       `json:"updated_at"`
}

// NotificationView is one notification returned by the JSON API.
type NotificationView struct {
	ID             int64  `json:"id"`
	Type           string `json:"notification_type"`
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	CreatedAt      string `json:"created_at"`
	IsRead         bool   `json:"is_read"`
}

// PresenceView is a user's presence returned by the JSON API.
type PresenceView struct {
	User           string `json:"user"`
	Status         string `json:"status"`
	LastSeen       string `json:"last_seen,omitempty"`
	RecentlyOnline bool   `json:"recently_online"`
}
