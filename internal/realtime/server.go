package realtime

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Identity is the user record returned by the identity provider.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator validates a client token with the identity provider. The
// server never handles credentials itself.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// ServerConfig holds WebSocket server configuration
type ServerConfig struct {
	ReadBufferSize        int
	WriteBufferSize       int
	CheckOrigin           func(r *http.Request) bool
	MaxConnectionsPerUser int
}

// DefaultServerConfig returns default WebSocket server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		MaxConnectionsPerUser: 10,
	}
}

// Server upgrades authenticated HTTP requests to WebSocket connections.
type Server struct {
	hub      *Hub
	handler  MessageHandler
	auth     Authenticator
	upgrader websocket.Upgrader
	maxConns int
	logger   *zap.Logger
}

// NewServer creates a WebSocket server.
func NewServer(hub *Hub, handler MessageHandler, auth Authenticator, config *ServerConfig, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	return &Server{
		hub:     hub,
		handler: handler,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		maxConns: config.MaxConnectionsPerUser,
		logger:   logger,
	}
}

// HandleWebSocket handles WebSocket upgrade requests. The token travels in
// the query string because browsers cannot set headers on WebSocket dials.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.hub.ConnectionCount(identity.UserID) >= s.maxConns {
		s.logger.Warn("Connection limit exceeded for user",
			zap.String("userID", identity.UserID),
		)
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		return
	}

	client := NewClient(identity.UserID, identity.DisplayName, s.hub, conn, s.handler, s.logger)
	client.Start()

	s.logger.Info("New WebSocket connection established",
		zap.String("userID", identity.UserID),
		zap.String("connectionID", client.ID()),
		zap.String("remoteAddr", r.RemoteAddr),
	)
}
