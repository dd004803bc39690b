package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultKeepAliveInterval is how often the server pings an idle client.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout is the grace period after a missed ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds each socket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultSendBuffer is the per-connection outbound queue depth.
	DefaultSendBuffer = 128
	// DefaultSendTimeout is how long a full outbound queue may stay full.
	DefaultSendTimeout = 2 * time.Second
	// MaxFrameSize is the largest inbound frame accepted (64 KB).
	MaxFrameSize = 64 * 1024
	// MaxPageSize caps the limit query parameter of list endpoints.
	MaxPageSize = 500
	// RecentlyOnlineWindow is how long after last_seen a user still counts
	// as recently online.
	RecentlyOnlineWindow = 5 * time.Minute
	// disconnectTimeout bounds the presence transition run on session close.
	disconnectTimeout = 10 * time.Second
)

const (
	chatTopicPrefix = "chat_"
	userTopicPrefix = "user_"
)

var (
	// ErrAccessDenied indicates the user may not join the requested conversation.
	ErrAccessDenied = errors.New("network: access denied")
	// ErrUnauthenticated indicates the request carried no verifiable identity.
	ErrUnauthenticated = errors.New("network: unauthenticated")
	// ErrSlowConsumer indicates a client fell behind its outbound queue.
	ErrSlowConsumer = errors.New("network: outbound queue full")
	// ErrBroadcastDropped indicates the backplane ended the session's
	// subscription, so the client must reconnect to resume delivery.
	ErrBroadcastDropped = errors.New("network: broadcast subscription dropped")
)

// ChatTopic is the backplane topic of one conversation.
func ChatTopic(conversationID int64) string {
	return chatTopicPrefix + strconv.FormatInt(conversationID, 10)
}

// UserTopic is the personal backplane topic of one user.
func UserTopic(user string) string {
	return userTopicPrefix + user
}

// ParseConversationID parses a positive conversation id path parameter.
func ParseConversationID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", raw)
	}
	return id, nil
}

// EncodeJSON marshals a frame.
func EncodeJSON(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return payload, nil
}
