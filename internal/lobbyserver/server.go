// Package lobbyserver serves the lobby service over WebSocket: lobbies,
// member metadata and the relay of network messages between members.
package lobbyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dimspell/lobbylink/internal/app/logger/logging"
	"github.com/dimspell/lobbylink/internal/lobbysvc"
	"github.com/dimspell/lobbylink/internal/metrics"
	"github.com/dimspell/lobbylink/internal/wire"
)

func init() {
	metrics.InitLobby()
}

type Option func(*Config) error

type Config struct {
	BindAddr   string
	PublicAddr string

	// RelayRate is the number of network messages a connection may relay
	// per second, RelayBurst the size of its bucket.
	RelayRate  float64
	RelayBurst int

	// ReadLimit bounds the size of a single frame.
	ReadLimit int64

	CORSAllowedOrigins []string
	Version            string
}

func DefaultConfig() *Config {
	return &Config{
		BindAddr:           "localhost:2137",
		PublicAddr:         "ws://localhost:2137/lobby",
		RelayRate:          600,
		RelayBurst:         120,
		ReadLimit:          64 << 10,
		CORSAllowedOrigins: []string{"*"},
		Version:            "dev",
	}
}

func WithAddr(bindAddr, publicAddr string) Option {
	return func(c *Config) error {
		if bindAddr == "" {
			return errors.New("bind address must not be empty")
		}
		c.BindAddr = bindAddr
		c.PublicAddr = publicAddr
		return nil
	}
}

func WithRelayRate(perSecond float64, burst int) Option {
	return func(c *Config) error {
		if perSecond < 0 || burst < 0 {
			return fmt.Errorf("invalid relay rate: %v/s burst %d", perSecond, burst)
		}
		c.RelayRate = perSecond
		c.RelayBurst = burst
		return nil
	}
}

func WithCORSAllowedOrigins(allowedOrigins []string) Option {
	return func(c *Config) error {
		c.CORSAllowedOrigins = allowedOrigins
		return nil
	}
}

func WithVersion(version string) Option {
	return func(c *Config) error {
		c.Version = version
		return nil
	}
}

type Server struct {
	Config   *Config
	Registry *lobbysvc.Registry

	logger     *slog.Logger
	nextUserID atomic.Int64

	sessionMutex sync.RWMutex
	sessions     map[int64]*UserSession
}

func NewServer(opts ...Option) (*Server, error) {
	config := DefaultConfig()
	for _, fn := range opts {
		if err := fn(config); err != nil {
			return nil, fmt.Errorf("failed to initialize config: %w", err)
		}
	}

	s := &Server{
		Config:   config,
		Registry: lobbysvc.NewRegistry(),
		logger:   slog.With(slog.String("component", "lobby-server")),
		sessions: make(map[int64]*UserSession),
	}
	s.nextUserID.Store(firstUserID)
	return s, nil
}

func (s *Server) HttpRouter() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)

	{ // Set up meta routes (readiness, liveness, metrics etc.)
		mux.Get("/_health", func(w http.ResponseWriter, r *http.Request) {
			renderJSON(w, r, map[string]any{
				"status":   "OK",
				"sessions": s.SessionCount(),
				"lobbies":  s.Registry.Len(),
			})
		})
		mux.Get("/_metrics", promhttp.Handler().ServeHTTP)
	}

	{ // Set up discovery routes used by the clients
		wellKnown := chi.NewRouter()
		wellKnown.Use(cors.New(cors.Options{
			AllowedOrigins:   s.Config.CORSAllowedOrigins,
			AllowCredentials: false,
			Debug:            false,
			AllowedMethods:   []string{http.MethodGet},
			AllowedHeaders:   []string{"Content-Type"},
			MaxAge:           7200,
		}).Handler)

		wellKnown.Get("/lobby.json", s.WellKnownInfo())
		mux.Mount("/.well-known/", wellKnown)
	}

	{ // Set up the lobby (websocket) route
		lobby := chi.NewRouter()
		lobby.Mount("/", http.HandlerFunc(s.HandleWebSocket))
		mux.Mount("/lobby", lobby)
	}

	return mux
}

type WellKnown struct {
	Version      string   `json:"version"`
	Addr         string   `json:"lobbyServerAddr"`
	Subprotocols []string `json:"subprotocols"`
}

func (s *Server) WellKnownInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, r, WellKnown{
			Version:      s.Config.Version,
			Addr:         s.Config.PublicAddr,
			Subprotocols: []string{wire.SupportedRealm, wire.SupportedRealmJSON},
		})
	}
}

type GracefulFunc func(context.Context) error

func (s *Server) Handlers() (start GracefulFunc, shutdown GracefulFunc) {
	httpServer := &http.Server{
		Addr:        s.Config.BindAddr,
		Handler:     h2c.NewHandler(s.HttpRouter(), &http2.Server{}),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	start = func(ctx context.Context) error {
		s.logger.Info("Configured lobby server", "addr", s.Config.BindAddr, "public", s.Config.PublicAddr)
		return httpServer.ListenAndServe()
	}

	shutdown = func(ctx context.Context) error {
		s.logger.Info("Started shutting down the lobby server")

		// Hijacked websocket connections are not closed by http.Server.
		s.CloseSessions()

		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Failed shutting down the lobby server", logging.Error(err))
			return err
		}
		s.logger.Info("Successfully shut down the lobby server")
		return nil
	}

	return start, shutdown
}

func (s *Server) Graceful(ctx context.Context, start GracefulFunc, shutdown GracefulFunc) error {
	var (
		stopChan = make(chan os.Signal, 1)
		errChan  = make(chan error, 1)
	)

	// Set up the graceful shutdown handler (traps SIGINT and SIGTERM)
	go func() {
		signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(stopChan)

		select {
		case <-stopChan:
		case <-ctx.Done():
		}

		timer, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		errChan <- shutdown(timer)
	}()

	// Start the server
	if err := start(ctx); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return <-errChan
}

func (s *Server) SessionCount() int {
	s.sessionMutex.RLock()
	defer s.sessionMutex.RUnlock()
	return len(s.sessions)
}

func (s *Server) GetUserSession(userID int64) (*UserSession, bool) {
	s.sessionMutex.RLock()
	defer s.sessionMutex.RUnlock()
	session, ok := s.sessions[userID]
	return session, ok
}

// addUserSession fails when the user is already connected.
func (s *Server) addUserSession(session *UserSession) bool {
	s.sessionMutex.Lock()
	defer s.sessionMutex.Unlock()
	if _, exists := s.sessions[session.UserID]; exists {
		return false
	}
	s.sessions[session.UserID] = session
	return true
}

func (s *Server) deleteUserSession(session *UserSession) {
	s.sessionMutex.Lock()
	if s.sessions[session.UserID] == session {
		delete(s.sessions, session.UserID)
	}
	s.sessionMutex.Unlock()
}

// CloseSessions disconnects every connected user.
func (s *Server) CloseSessions() {
	s.sessionMutex.RLock()
	sessions := make([]*UserSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessionMutex.RUnlock()

	for _, session := range sessions {
		_ = session.wsConn.Close(websocket.StatusGoingAway, "server is shutting down")
	}
}

func renderJSON(w http.ResponseWriter, r *http.Request, document any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(document); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes()) //nolint:errcheck
}
