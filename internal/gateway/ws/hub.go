package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/newgate/internal/auth"
	"github.com/dohr-michael/newgate/internal/bridge"
	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/pluginid"
	"github.com/dohr-michael/newgate/internal/store"
)

// FrameTokenParam is the query parameter carrying a frame token.
const FrameTokenParam = "frame_token"

const (
	sendBufferSize = 256
	readLimit      = 1 << 20
)

var errClientClosed = errors.New("relay client closed")

// Authenticator resolves the user of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Catalog loads installations and catalog listings.
type Catalog interface {
	FindInstallation(ctx context.Context, userID, pluginID, permission string) (*store.Installation, error)
	GetPlugin(ctx context.Context, pluginID string) (*store.Plugin, error)
}

// TokenVerifier checks frame tokens.
type TokenVerifier interface {
	Verify(token, pluginID, userID string) error
}

// Config controls how relayed hosts are built.
type Config struct {
	// OriginPatterns are the shell page hosts allowed to open the relay,
	// in coder/websocket pattern form ("app.example.com", "localhost:*").
	OriginPatterns    []string
	AllowOpaqueOrigin bool
	Production        bool
	CallTimeout       time.Duration
	// GatewayURL is the base URL api.request calls are proxied to.
	GatewayURL string
	// AppOrigin is sent as the Origin of proxied calls.
	AppOrigin     string
	ForwardEvents []events.EventType
}

// Deps are the collaborators of a Hub. Tokens may be nil when no frame
// token secret is configured.
type Deps struct {
	Auth    Authenticator
	Catalog Catalog
	Tokens  TokenVerifier
	Logger  *slog.Logger
}

// Client is one relay connection and the Host Bridge it drives. It is the
// bridge's Window and Frame.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	host     *bridge.Host
	userID   string
	pluginID string

	mu       sync.Mutex
	closed   bool
	listener func(origin string, data []byte)
}

// Hub tracks relay connections and their hosts.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	bus     *events.Bus
	deps    Deps
	cfg     Config
	logger  *slog.Logger
}

// NewHub creates a relay hub.
func NewHub(bus *events.Bus, deps Deps, cfg Config) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
	}
}

// Count returns the number of live hosts.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a client to the hub.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Info("bridge relay connected", "plugin_id", c.pluginID, "user_id", c.userID, "hosts", len(h.clients))
}

// unregister removes a client from the hub and destroys its host.
func (h *Hub) unregister(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.host.Destroy()
	c.close()
	h.bus.Publish(events.NewTypedUserEvent(events.SourceHub, events.BridgeDisconnectedPayload{
		HostID: c.host.ID(),
		Reason: reason,
	}, c.pluginID, c.userID))
	h.logger.Info("bridge relay disconnected", "plugin_id", c.pluginID, "reason", reason, "hosts", n)
}

// ServeWS gates a relay request, upgrades it and runs the host until the
// connection closes. Gate failures are answered before upgrading.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pluginid.Parse(chi.URLParam(r, "pluginId"))
	if err != nil {
		httpError(w, http.StatusNotFound, "plugin not found")
		return
	}
	pluginID := string(id)

	userID, err := h.deps.Auth.Authenticate(r)
	if err != nil {
		if errors.Is(err, auth.ErrNoSession) {
			httpError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	inst, err := h.deps.Catalog.FindInstallation(ctx, userID, pluginID, "")
	if errors.Is(err, store.ErrNotFound) || (err == nil && !inst.Active) {
		httpError(w, http.StatusForbidden, "plugin not installed or inactive")
		return
	}
	if err != nil {
		h.logger.Error("relay installation lookup", "plugin_id", pluginID, "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	listing, err := h.deps.Catalog.GetPlugin(ctx, pluginID)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "plugin not found")
		return
	}
	if err != nil {
		h.logger.Error("relay catalog lookup", "plugin_id", pluginID, "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	opaque := h.cfg.AllowOpaqueOrigin
	if opaque && h.deps.Tokens != nil {
		token := r.URL.Query().Get(FrameTokenParam)
		if err := h.deps.Tokens.Verify(token, pluginID, userID); err != nil {
			h.logger.Debug("relay frame token rejected, opaque origin disabled", "plugin_id", pluginID, "error", err)
			opaque = false
		}
	}

	client := &Client{
		send:     make(chan []byte, sendBufferSize),
		hub:      h,
		userID:   userID,
		pluginID: pluginID,
	}

	host, err := bridge.NewHost(client, client, bridge.Options{
		PluginID:          pluginID,
		UserID:            userID,
		SourceURL:         listing.SourceURL,
		AllowOpaqueOrigin: opaque,
		Production:        h.cfg.Production,
		Proxy: &bridge.HTTPProxy{
			BaseURL: h.cfg.GatewayURL,
			Origin:  h.cfg.AppOrigin,
			Cookies: r.Cookies(),
		},
		Bus:           h.bus,
		ForwardEvents: h.cfg.ForwardEvents,
		CallTimeout:   h.cfg.CallTimeout,
		Logger:        h.logger,
	})
	if err != nil {
		h.logger.Error("relay host rejected", "plugin_id", pluginID, "error", err)
		httpError(w, http.StatusUnprocessableEntity, "plugin frame origin cannot be resolved")
		return
	}
	client.host = host

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		host.Destroy()
		h.logger.Warn("relay accept", "plugin_id", pluginID, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)
	client.conn = conn

	h.register(client)
	h.bus.Publish(events.NewTypedUserEvent(events.SourceHub, events.BridgeConnectedPayload{
		HostID:       host.ID(),
		UserID:       userID,
		Origins:      host.Origins(),
		TargetOrigin: host.TargetOrigin(),
		Opaque:       host.Opaque(),
	}, pluginID, userID))

	go client.writePump(ctx)
	client.readPump(ctx)
}

// AddMessageListener implements bridge.Window.
func (c *Client) AddMessageListener(fn func(origin string, data []byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listener = nil
	}
}

// PostMessage implements bridge.Frame by queueing an outbound relay frame.
func (c *Client) PostMessage(data []byte, targetOrigin string) error {
	msg, err := MarshalFrame(NewOutboundFrame(targetOrigin, data))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("relay send buffer full")
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads relay frames and hands them to the host.
func (c *Client) readPump(ctx context.Context) {
	reason := "closed"
	defer func() {
		c.hub.unregister(c, reason)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.hub.logger.Debug("relay read closed", "status", status)
			} else {
				reason = "read error"
				c.hub.logger.Debug("relay read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.hub.logger.Debug("relay unmarshal frame", "error", err)
			continue
		}

		c.mu.Lock()
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			listener(frame.Origin, frame.Data)
		}
	}
}

// writePump writes queued messages to the relay connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close destroys every host and closes their connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c, "server shutdown")
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "errorType": "BUSINESS"})
}
