// Package gateway wires the Sandbox Gateway, the bridge relay and the
// operational endpoints into one HTTP server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/newgate/internal/auth"
	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/gateway/ws"
	"github.com/dohr-michael/newgate/internal/sandbox"
	"github.com/dohr-michael/newgate/internal/storage"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// UsageReporter exposes a user's per-plugin gate counters.
type UsageReporter interface {
	SnapshotFor(userID string) map[string]storage.PluginUsage
}

// TokenMinter issues frame tokens.
type TokenMinter interface {
	Mint(pluginID, userID string, ttl time.Duration) (string, error)
}

// Options configures a Server. Usage and Tokens are optional.
type Options struct {
	Host string
	Port int

	Bus     *events.Bus
	Sandbox *sandbox.Gateway
	Hub     *ws.Hub
	Usage   UsageReporter

	// Auth scopes the events and usage routes to the session user.
	Auth ws.Authenticator
	// Catalog gates frame token minting.
	Catalog  ws.Catalog
	Tokens   TokenMinter
	TokenTTL time.Duration

	Logger *slog.Logger
}

// Server is the Newgate HTTP server.
type Server struct {
	httpServer *http.Server
	auth       ws.Authenticator
	hub        *ws.Hub
	bus        *events.Bus
	usage      UsageReporter
	tokens     *tokenHandler
	logger     *slog.Logger
}

// NewServer creates a new gateway server.
func NewServer(opts Options) (*Server, error) {
	if opts.Bus == nil || opts.Sandbox == nil || opts.Hub == nil || opts.Auth == nil {
		return nil, errors.New("gateway: bus, sandbox, hub and auth are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		auth:   opts.Auth,
		hub:    opts.Hub,
		bus:    opts.Bus,
		usage:  opts.Usage,
		logger: logger,
	}
	if opts.Tokens != nil {
		if opts.Catalog == nil {
			return nil, errors.New("gateway: frame tokens need a catalog")
		}
		s.tokens = &tokenHandler{
			auth:    opts.Auth,
			catalog: opts.Catalog,
			minter:  opts.Tokens,
			ttl:     opts.TokenTTL,
			logger:  logger,
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/events", s.handleEvents)
			r.Get("/usage", s.handleUsage)
		})
		r.Get("/bridge/{pluginId}", s.hub.ServeWS)
		if s.tokens != nil {
			r.Post("/bridge/{pluginId}/token", s.tokens.ServeHTTP)
		}
		opts.Sandbox.Routes(r)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is stopped.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Newgate gateway listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown destroys every relayed host, then stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"hosts":  s.hub.Count(),
	})
}

type userIDKey struct{}

// requireUser answers 401 without a session and stores the session user in
// the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			if errors.Is(err, auth.ErrNoSession) {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			s.logger.Error("session lookup", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

type eventJSON struct {
	ID        string             `json:"id"`
	PluginID  string             `json:"plugin_id,omitempty"`
	Type      string             `json:"type"`
	Timestamp string             `json:"timestamp"`
	Source    events.EventSource `json:"source"`
	Payload   map[string]any     `json:"payload"`
}

// handleEvents returns the session user's most recent bus events, optionally
// for one plugin.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	pluginID := r.URL.Query().Get("plugin_id")
	userID := userFromContext(r.Context())

	var matched []events.Event
	for _, e := range s.bus.History(math.MaxInt) {
		if e.UserID != userID || (pluginID != "" && e.PluginID != pluginID) {
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	result := make([]eventJSON, 0, len(matched))
	for _, e := range matched {
		result = append(result, eventJSON{
			ID:        e.ID,
			PluginID:  e.PluginID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking not available")
		return
	}
	writeJSON(w, http.StatusOK, s.usage.SnapshotFor(userFromContext(r.Context())))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "errorType": "BUSINESS"})
}
