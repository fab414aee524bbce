// Package server constructs and starts the chatrelay HTTP service with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Server is the explicit context object owning every relay component: the
// configuration, the flat-file stores, the hub, and the WebSocket upgrader.
// It is initialized empty on process start and torn down by Shutdown.
type Server struct {
	cfg      *Config
	users    *store.UserStore
	messages *store.MessageLog
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer wires the relay components together. The hub's sweeper also
// prunes expired remember tokens on every tick.
func NewServer(cfg *Config, users *store.UserStore, messages *store.MessageLog) *Server {
	cfg.Sanitize()
	s := &Server{
		cfg:      cfg,
		users:    users,
		messages: messages,
	}

	s.hub = NewHub(cfg.IdleTimeout, cfg.SweepInterval, func(now time.Time) {
		removed, err := users.PruneTokens(now)
		if err != nil {
			persistenceErrors.Inc()
			logger.Error("token prune persist failed", "err", err)
		}
		if removed > 0 {
			logger.Info("expired remember tokens pruned", "count", removed)
		}
	})

	policy := newOriginPolicy(cfg.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}
	return s
}

// Hub returns the server's hub, mainly for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartHub launches the hub's run loop. Call before serving HTTP.
func (s *Server) StartHub() {
	go s.hub.Run()
	logger.Info("hub started")
}

// Routes configures the full HTTP surface: the WebSocket endpoint, the admin
// API, health, and metrics.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.WebSocketHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", s.RegisterHandler).Methods(http.MethodPost)
	api.HandleFunc("/login", s.LoginHandler).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.LogoutHandler).Methods(http.MethodPost)
	api.HandleFunc("/update-profile", s.UpdateProfileHandler).Methods(http.MethodPut)
	api.HandleFunc("/delete-account", s.DeleteAccountHandler).Methods(http.MethodDelete)
	api.HandleFunc("/registered-users", s.RegisteredUsersHandler).Methods(http.MethodGet)
	api.HandleFunc("/chat-history", s.ChatHistoryHandler).Methods(http.MethodGet)

	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// CreateServer creates and configures an HTTP server with the specified port
// and handler. It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
// It returns an error if the server fails to start.
func StartServer(server *http.Server) error {
	fmt.Printf("Server listening on port %s\n", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting
// active connections, waiting up to timeout.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	logger.Info("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "err", err)
		return err
	}
	logger.Info("http server shutdown completed")
	return nil
}
