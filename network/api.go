package network

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"campuschat/models"
	"campuschat/storage"
)

type createConversationRequest struct {
	Username string `json:"username" binding:"required"`
}

type markNotificationsReadRequest struct {
	ID int64 `json:"id"`
}

func (s *Server) handleListConversations(c *gin.Context) {
	user := identity(c)

	summaries, err := s.store.ListConversationsForUser(c.Request.Context(), user)
	if err != nil {
		s.internalError(c, "list conversations", err)
		return
	}

	views := make([]models.ConversationView, 0, len(summaries))
	for _, summary := range summaries {
		view := models.ConversationView{
			ID:          summary.Conversation.ID,
			OtherUser:   summary.Conversation.OtherParticipant(user),
			UnreadCount: summary.UnreadCount,
			UpdatedAt:   models.FormatTimestamp(summary.Conversation.UpdatedAt),
		}
		if summary.LastMessage != nil {
			last := messageView(*summary.LastMessage)
			view.LastMessage = &last
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	user := identity(c)

	var request createConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	conversation, created, err := s.store.GetOrCreateConversation(c.Request.Context(), user, request.Username)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidParticipant) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with that user"})
			return
		}
		s.internalError(c, "create conversation", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"id":         conversation.ID,
		"other_user": conversation.OtherParticipant(user),
		"created":    created,
	})
}

func (s *Server) handleListMessages(c *gin.Context) {
	conversationID, ok := s.authorizeConversation(c)
	if !ok {
		return
	}

	limit := queryLimit(c, 100)
	offset := queryInt(c, "offset", 0)
	messages, err := s.store.GetMessages(c.Request.Context(), conversationID, limit, offset)
	if err != nil {
		s.internalError(c, "list messages", err)
		return
	}

	views := make([]models.MessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageView(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (s *Server) handleMarkConversationRead(c *gin.Context) {
	conversationID, ok := s.authorizeConversation(c)
	if !ok {
		return
	}

	updated, err := s.store.MarkConversationRead(c.Request.Context(), conversationID, identity(c))
	if err != nil {
		s.internalError(c, "mark conversation read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// handleMarkMessageRead flags one received message as read. Unknown ids
// are refused like messages of other conversations.
func (s *Server) handleMarkMessageRead(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrAccessDenied.Error()})
		return
	}

	err = s.store.MarkMessageRead(c.Request.Context(), messageID, identity(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": messageID, "is_read": true})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": ErrAccessDenied.Error()})
	default:
		s.internalError(c, "mark message read", err)
	}
}

func (s *Server) handleListNotifications(c *gin.Context) {
	unreadOnly := strings.EqualFold(c.Query("unread"), "true")
	notifications, err := s.notifier.List(c.Request.Context(), identity(c), unreadOnly, queryLimit(c, 50))
	if err != nil {
		s.internalError(c, "list notifications", err)
		return
	}

	views := make([]models.NotificationView, 0, len(notifications))
	for _, notification := range notifications {
		views = append(views, models.NotificationView{
			ID:             notification.ID,
			Type:           notification.Type,
			ConversationID: notification.ConversationID,
			MessageID:      notification.MessageID,
			CreatedAt:      models.FormatTimestamp(notification.CreatedAt),
			IsRead:         notification.IsRead,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": views})
}

func (s *Server) handleUnreadNotifications(c *gin.Context) {
	count, err := s.notifier.UnreadCount(c.Request.Context(), identity(c))
	if err != nil {
		s.internalError(c, "count unread notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (s *Server) handleMarkNotificationsRead(c *gin.Context) {
	var request markNotificationsReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	updated, err := s.notifier.MarkRead(c.Request.Context(), identity(c), request.ID)
	if err != nil {
		s.internalError(c, "mark notifications read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (s *Server) handleGetPresence(c *gin.Context) {
	username := strings.TrimSpace(c.Param("username"))
	state, err := s.presence.Get(c.Request.Context(), username)
	if err != nil {
		s.internalError(c, "get presence", err)
		return
	}
	recent, err := s.presence.WasRecentlyOnline(c.Request.Context(), username, RecentlyOnlineWindow)
	if err != nil {
		s.internalError(c, "get presence", err)
		return
	}

	view := models.PresenceView{
		User:           username,
		Status:         models.StatusOffline,
		RecentlyOnline: recent,
	}
	if state.IsOnline {
		view.Status = models.StatusOnline
	}
	if state.LastSeen != 0 {
		view.LastSeen = models.FormatTimestamp(state.LastSeen)
	}
	c.JSON(http.StatusOK, view)
}

// authorizeConversation resolves the path conversation id and checks that
// the caller participates. Unknown ids are refused like foreign ones.
func (s *Server) authorizeConversation(c *gin.Context) (int64, bool) {
	conversationID, err := ParseConversationID(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrAccessDenied.Error()})
		return 0, false
	}
	allowed, err := s.store.IsParticipant(c.Request.Context(), conversationID, identity(c))
	if err != nil {
		s.internalError(c, "check participant", err)
		return 0, false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrAccessDenied.Error()})
		return 0, false
	}
	return conversationID, true
}

func (s *Server) internalError(c *gin.Context, action string, err error) {
	s.logger.Error(action+" failed", "user", identity(c), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": action + " failed"})
}

func messageView(message storage.Message) models.MessageView {
	return models.MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		Sender:         message.Sender,
		Content:        message.Content,
		Timestamp:      models.FormatTimestamp(message.Timestamp),
		IsRead:         message.IsRead,
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// queryLimit reads the limit parameter, capped at MaxPageSize.
func queryLimit(c *gin.Context, fallback int) int {
	return min(queryInt(c, "limit", fallback), MaxPageSize)
}
