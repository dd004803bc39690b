package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"campuschat/backplane"
	"campuschat/models"
	"campuschat/notify"
	"campuschat/presence"
	"campuschat/storage"
)

const identityKey = "campuschat.user"

// Dependencies are the collaborators a Server wires together.
type Dependencies struct {
	Store         *storage.Store
	Presence      *presence.Tracker
	Notifier      *notify.Dispatcher
	Backplane     backplane.Backplane
	Relay         *Relay
	Authenticator Authenticator
}

func (d Dependencies) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("network: store is required")
	case d.Presence == nil:
		return errors.New("network: presence tracker is required")
	case d.Notifier == nil:
		return errors.New("network: notification dispatcher is required")
	case d.Backplane == nil:
		return errors.New("network: backplane is required")
	case d.Relay == nil:
		return errors.New("network: relay is required")
	case d.Authenticator == nil:
		return errors.New("network: authenticator is required")
	}
	return nil
}

// ServerOptions controls Server behavior.
type ServerOptions struct {
	InstanceID string
	Connection ConnectionOptions
	// AllowedOrigins restricts websocket Origin headers. Empty allows any.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server exposes the websocket channels and the JSON API over gin.
type Server struct {
	store     *storage.Store
	presence  *presence.Tracker
	notifier  *notify.Dispatcher
	backplane backplane.Backplane
	relay     *Relay
	auth      Authenticator

	instanceID  string
	connOptions ConnectionOptions
	logger      *slog.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader

	sessionsMu sync.Mutex
	sessions   map[string]*Session
	sessionWG  sync.WaitGroup
	closing    atomic.Bool

	httpMu     sync.Mutex
	httpServer *http.Server
}

// NewServer validates deps and builds the HTTP routes.
func NewServer(deps Dependencies, options ServerOptions) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(options.InstanceID) == "" {
		return nil, errors.New("network: instance id is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:       deps.Store,
		presence:    deps.Presence,
		notifier:    deps.Notifier,
		backplane:   deps.Backplane,
		relay:       deps.Relay,
		auth:        deps.Authenticator,
		instanceID:  options.InstanceID,
		connOptions: options.Connection.withDefaults(),
		logger:      logger.With("component", "server"),
		sessions:    make(map[string]*Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(options.AllowedOrigins),
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts HTTP connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.httpMu.Lock()
	if s.closing.Load() {
		s.httpMu.Unlock()
		return http.ErrServerClosed
	}
	s.httpServer = httpServer
	s.httpMu.Unlock()

	s.logger.Info("listening", "address", listener.Addr().String())
	return httpServer.Serve(listener)
}

// ListenAndServe listens on address and serves until Shutdown.
func (s *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}
	return s.Serve(listener)
}

// Shutdown stops accepting requests, closes every live session and waits
// for their offline transitions to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.httpMu.Lock()
	httpServer := s.httpServer
	s.httpMu.Unlock()

	var shutdownErr error
	if httpServer != nil {
		shutdownErr = httpServer.Shutdown(ctx)
	}

	s.sessionsMu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		live = append(live, session)
	}
	s.sessionsMu.Unlock()
	for _, session := range live {
		_ = session.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return shutdownErr
}

// SessionCount reports the number of live sessions on this instance.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// RecoverPresence clears sessions this instance left behind in a previous
// run and tells contacts about users who are no longer connected anywhere.
func (s *Server) RecoverPresence(ctx context.Context) error {
	_, err := s.presence.RecoverInstance(ctx, func(ctx context.Context, tx *storage.Tx, transition presence.Transition) error {
		return s.announcePresence(ctx, tx, transition.UserID, false)
	})
	if err != nil {
		return err
	}
	s.relay.Kick()
	return nil
}

// PostMessage persists a message with its notifications and broadcast
// events in one transaction, then wakes the relay.
func (s *Server) PostMessage(ctx context.Context, conversationID int64, sender, content string) (*storage.Message, error) {
	var message *storage.Message
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		appended, conversation, err := tx.AppendMessage(ctx, conversationID, sender, content)
		if err != nil {
			return err
		}
		if _, err := s.notifier.NotifyMessage(ctx, tx, appended, conversation); err != nil {
			return err
		}

		frame, err := EncodeJSON(models.NewMessageFrame(appended.Content, appended.Sender, appended.Timestamp))
		if err != nil {
			return err
		}
		if _, err := tx.EnqueueEvent(ctx, s.instanceID, ChatTopic(conversation.ID), frame); err != nil {
			return err
		}

		update, err := EncodeJSON(models.NewConversationUpdateFrame(conversation.ID, appended.Content, appended.Sender, appended.Timestamp))
		if err != nil {
			return err
		}
		for _, participant := range conversation.Participants() {
			if participant == appended.Sender {
				continue
			}
			if _, err := tx.EnqueueEvent(ctx, s.instanceID, UserTopic(participant), update); err != nil {
				return err
			}
		}

		message = appended
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.relay.Kick()
	return message, nil
}

// announcePresence enqueues a status frame on every contact's personal topic.
func (s *Server) announcePresence(ctx context.Context, tx *storage.Tx, user string, online bool) error {
	contacts, err := tx.Contacts(ctx, user)
	if err != nil {
		return err
	}
	if len(contacts) == 0 {
		return nil
	}

	frame, err := EncodeJSON(models.NewStatusFrame(user, online))
	if err != nil {
		return err
	}
	for _, contact := range contacts {
		if _, err := tx.EnqueueEvent(ctx, s.instanceID, UserTopic(contact), frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger))

	engine.GET("/healthz", s.handleHealth)

	authed := engine.Group("/", s.requireIdentity)
	authed.GET("/ws/chat/:conversation_id", s.handleChatSocket)
	authed.GET("/ws/status", s.handleStatusSocket)

	api := authed.Group("/api")
	api.GET("/conversations", s.handleListConversations)
	api.POST("/conversations", s.handleCreateConversation)
	api.GET("/conversations/:conversation_id/messages", s.handleListMessages)
	api.POST("/conversations/:conversation_id/read", s.handleMarkConversationRead)
	api.POST("/messages/:message_id/read", s.handleMarkMessageRead)
	api.GET("/notifications", s.handleListNotifications)
	api.GET("/notifications/unread", s.handleUnreadNotifications)
	api.POST("/notifications/read", s.handleMarkNotificationsRead)
	api.GET("/presence/:username", s.handleGetPresence)

	return engine
}

func (s *Server) requireIdentity(c *gin.Context) {
	user, err := s.auth.Authenticate(c.Request)
	if err != nil {
		s.logger.Debug("request refused", "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
		return
	}
	c.Set(identityKey, user)
	c.Next()
}

func identity(c *gin.Context) string {
	return c.GetString(identityKey)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance_id": s.instanceID,
		"sessions":    s.SessionCount(),
	})
}

func (s *Server) handleChatSocket(c *gin.Context) {
	user := identity(c)

	conversationID, err := ParseConversationID(c.Param("conversation_id"))
	if err != nil {
		s.refuse(c, user, err)
		return
	}
	allowed, err := s.store.IsParticipant(c.Request.Context(), conversationID, user)
	if err != nil {
		s.logger.Warn("participant check failed", "user", user, "conversation_id", conversationID, "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "conversation lookup failed"})
		return
	}
	if !allowed {
		s.refuse(c, user, fmt.Errorf("%q is not in conversation %d", user, conversationID))
		return
	}

	s.serveSession(c, user, conversationID)
}

func (s *Server) handleStatusSocket(c *gin.Context) {
	s.serveSession(c, identity(c), 0)
}

func (s *Server) refuse(c *gin.Context, user string, reason error) {
	s.logger.Info("channel refused", "user", user, "reason", reason)
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrAccessDenied.Error()})
}

func (s *Server) track(session *Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.sessions[session.ID] = session
	s.sessionWG.Add(1)
	return true
}

func (s *Server) untrack(session *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, session.ID)
	s.sessionsMu.Unlock()
	s.sessionWG.Done()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
