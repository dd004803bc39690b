package network

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"campuschat/backplane"
	"campuschat/models"
	"campuschat/storage"
)

// SessionState is the lifecycle state of one client session.
type SessionState string

const (
	StateConnecting  SessionState = "CONNECTING"
	StateAuthorizing SessionState = "AUTHORIZING"
	StateJoined      SessionState = "JOINED"
	StateActive      SessionState = "ACTIVE"
	StateClosing     SessionState = "CLOSING"
	StateClosed      SessionState = "CLOSED"
)

// Session is one authenticated socket: a conversation channel when
// ConversationID is set, otherwise a personal status channel.
type Session struct {
	ID             string
	User           string
	ConversationID int64

	server *Server
	conn   *Connection
	logger *slog.Logger

	stateMu sync.RWMutex
	state   SessionState
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

// Topics lists the backplane topics the session listens on.
func (s *Session) Topics() []string {
	topics := []string{UserTopic(s.User)}
	if s.ConversationID != 0 {
		topics = append([]string{ChatTopic(s.ConversationID)}, topics...)
	}
	return topics
}

func (s *Server) serveSession(c *gin.Context, user string, conversationID int64) {
	if s.closing.Load() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	session := &Session{
		ID:             uuid.NewString(),
		User:           user,
		ConversationID: conversationID,
		server:         s,
		state:          StateAuthorizing,
	}
	session.logger = s.logger.With(
		"session_id", session.ID,
		"user", user,
		"conversation_id", conversationID,
	)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		session.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	session.conn = newConnection(ws, s.connOptions)

	if !s.track(session) {
		_ = session.conn.Close()
		return
	}
	defer s.untrack(session)

	session.run()
}

func (s *Session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.setState(StateJoined)
	sub, err := s.server.backplane.Subscribe(ctx, s.Topics()...)
	if err != nil {
		s.logger.Warn("subscribe failed", "error", err)
		_ = s.conn.Close()
		s.setState(StateClosed)
		return
	}
	defer func() {
		_ = sub.Close()
	}()

	connected := false
	defer func() {
		s.setState(StateClosing)
		_ = s.conn.Close()
		if connected {
			s.server.disconnect(s)
		}
		s.setState(StateClosed)
		s.logger.Info("session closed",
			"error", s.conn.LastError(),
			"last_activity", s.conn.LastActivity().UTC().Format(time.RFC3339),
		)
	}()

	if err := s.server.connect(ctx, s); err != nil {
		s.logger.Warn("presence connect failed", "error", err)
		return
	}
	connected = true
	s.setState(StateActive)
	s.logger.Info("session active")

	go s.forward(sub)

	for {
		payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.ConversationID == 0 {
			continue
		}
		s.handleFrame(ctx, payload)
	}
}

// forward copies backplane messages to the socket. A subscription that ends
// while the socket is still open was dropped by the backplane, and the
// client is told to reconnect.
func (s *Session) forward(sub backplane.Subscription) {
	for message := range sub.Messages() {
		if err := s.conn.Send(message.Payload); err != nil {
			return
		}
	}
	s.conn.closeWithError(ErrBroadcastDropped)
}

// handleFrame persists one inbound chat frame. Malformed frames are
// dropped; a failed write leaves the session running.
func (s *Session) handleFrame(ctx context.Context, payload []byte) {
	var inbound models.InboundMessage
	if err := json.Unmarshal(payload, &inbound); err != nil || inbound.Message == nil {
		s.logger.Debug("dropping malformed frame", "bytes", len(payload))
		return
	}

	message, err := s.server.PostMessage(ctx, s.ConversationID, s.User, *inbound.Message)
	if err != nil {
		if errors.Is(err, storage.ErrEmptyContent) {
			s.logger.Debug("dropping empty message")
			return
		}
		s.logger.Warn("message not persisted", "error", err)
		return
	}
	s.logger.Debug("message persisted", "message_id", message.ID)
}

func (s *Server) connect(ctx context.Context, session *Session) error {
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		transition, err := s.presence.Connect(ctx, tx, session.ID, session.User)
		if err != nil {
			return err
		}
		if !transition.Announce {
			return nil
		}
		return s.announcePresence(ctx, tx, session.User, true)
	})
	if err != nil {
		return err
	}
	s.relay.Kick()
	return nil
}

// disconnect runs the offline transition with its own deadline so it
// completes even when the session ended because of cancellation.
func (s *Server) disconnect(session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		transition, err := s.presence.Disconnect(ctx, tx, session.ID, session.User)
		if err != nil {
			return err
		}
		if !transition.Announce {
			return nil
		}
		return s.announcePresence(ctx, tx, session.User, false)
	})
	if err != nil {
		session.logger.Warn("presence disconnect failed", "error", err)
		return
	}
	s.relay.Kick()
}
