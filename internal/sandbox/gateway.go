// Package sandbox implements the Sandbox Gateway: the HTTP endpoint that
// plugin api.request calls land on. Every request passes an ordered gate
// (origin, authentication, installation, permission, rate limit) before a
// typed resource handler runs against the caller's own data.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dohr-michael/newgate/internal/auth"
	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/permissions"
	"github.com/dohr-michael/newgate/internal/pluginid"
	"github.com/dohr-michael/newgate/internal/ratelimit"
	"github.com/dohr-michael/newgate/internal/store"
)

// HeaderRequestID carries the per-request id on every response.
const HeaderRequestID = "X-Request-Id"

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Authenticator resolves the caller's user id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Installations loads an installation joined with one permission grant.
type Installations interface {
	FindInstallation(ctx context.Context, userID, pluginID, permission string) (*store.Installation, error)
}

// Limiter consumes one unit of quota. A nil snapshot means limiting is
// disabled.
type Limiter interface {
	Consume(ctx context.Context, identifier string) (*ratelimit.Snapshot, error)
}

// RequestContext is the per-request state of the gate.
type RequestContext struct {
	RequestID  string
	PluginID   string
	UserID     string
	Method     string
	Resource   string
	ItemID     string
	Permission string
	// RateLimit is nil until the rate-limit step has run.
	RateLimit map[string]string
}

type requestContextKey struct{}

// FromContext returns the gate state of a sandbox request.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// Options configures a Gateway.
type Options struct {
	Origins       *OriginAllowlist
	Auth          Authenticator
	Installations Installations
	Limiter       Limiter
	Endpoints     []Endpoint

	Production bool
	// PermissionBypass lets development requests through when the required
	// permission is not granted. It is refused in production.
	PermissionBypass bool

	Bus          *events.Bus
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Gateway serves /sandbox/{pluginId}/*.
type Gateway struct {
	origins    *OriginAllowlist
	auth       Authenticator
	installs   Installations
	limiter    Limiter
	dispatcher *Dispatcher
	bypass     bool
	bus        *events.Bus
	maxBody    int64
	now        func() time.Time
	logger     *slog.Logger
}

// New validates opts and the endpoint table.
func New(opts Options) (*Gateway, error) {
	if opts.Origins == nil || opts.Auth == nil || opts.Installations == nil {
		return nil, errors.New("sandbox: origins, auth and installations are required")
	}
	if opts.PermissionBypass && opts.Production {
		return nil, errors.New("sandbox: permission bypass cannot be enabled in production")
	}
	dispatcher, err := NewDispatcher(opts.Endpoints...)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if opts.PermissionBypass {
		logger.Warn("SANDBOX PERMISSION BYPASS ENABLED: ungranted permissions are allowed (development only)")
	}
	return &Gateway{
		origins:    opts.Origins,
		auth:       opts.Auth,
		installs:   opts.Installations,
		limiter:    opts.Limiter,
		dispatcher: dispatcher,
		bypass:     opts.PermissionBypass,
		bus:        opts.Bus,
		maxBody:    maxBody,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// Routes mounts the gateway on r.
func (g *Gateway) Routes(r chi.Router) {
	const pattern = "/sandbox/{pluginId}/*"
	r.Get(pattern, g.ServeHTTP)
	r.Post(pattern, g.ServeHTTP)
	r.Put(pattern, g.ServeHTTP)
	r.Delete(pattern, g.ServeHTTP)
}

// Endpoints lists the dispatch table.
func (g *Gateway) Endpoints() []string { return g.dispatcher.Endpoints() }

// ServeHTTP runs the gate and dispatches the request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := &RequestContext{
		RequestID: uuid.NewString(),
		Method:    r.Method,
	}
	rc.Resource, rc.ItemID = splitResourcePath(chi.URLParam(r, "*"))
	w.Header().Set(HeaderRequestID, rc.RequestID)

	ctx := events.ContextWithRequestID(r.Context(), rc.RequestID)
	ctx = context.WithValue(ctx, requestContextKey{}, rc)
	logger := g.logger.With("request_id", rc.RequestID)

	status, value, fail := g.serve(ctx, w, r, rc, logger)
	if fail != nil {
		g.deny(w, rc, fail, logger)
		return
	}

	writeJSON(w, status, value)
	logger.Debug("sandbox request served", "plugin_id", rc.PluginID, "method", rc.Method, "resource", rc.Resource, "status", status)
	g.publish(rc, events.RequestAllowedPayload{
		RequestID:  rc.RequestID,
		UserID:     rc.UserID,
		Method:     rc.Method,
		Resource:   rc.Resource,
		Permission: rc.Permission,
		Status:     status,
	})
}

func (g *Gateway) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *RequestContext, logger *slog.Logger) (int, any, *Failure) {
	// 1. origin
	if !g.origins.Allows(r.Header.Get("Origin")) {
		return 0, nil, business(http.StatusForbidden, events.StageOrigin, "origin not allowed")
	}

	// 2. authentication
	userID, err := g.auth.Authenticate(r)
	if err != nil {
		if errors.Is(err, auth.ErrNoSession) {
			return 0, nil, business(http.StatusUnauthorized, events.StageAuth, "unauthorized")
		}
		return 0, nil, database(events.StageAuth, "session lookup failed", err)
	}
	rc.UserID = userID

	id, err := pluginid.Parse(chi.URLParam(r, "pluginId"))
	if err != nil {
		return 0, nil, business(http.StatusNotFound, events.StagePluginID, "plugin not found")
	}
	rc.PluginID = string(id)

	// 3. installation, joined with the required grant
	perm, needsPerm := permissions.Required(rc.Resource, rc.Method)
	rc.Permission = perm
	inst, err := g.installs.FindInstallation(ctx, rc.UserID, rc.PluginID, perm)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil, business(http.StatusForbidden, events.StageInstallation, "plugin not installed or inactive")
	}
	if err != nil {
		return 0, nil, database(events.StageInstallation, "installation lookup failed", err)
	}
	if !inst.Active {
		return 0, nil, business(http.StatusForbidden, events.StageInstallation, "plugin not installed or inactive")
	}

	// 4. permission
	if needsPerm && !inst.Granted(perm) {
		if !g.bypass {
			return 0, nil, business(http.StatusForbidden, events.StagePermission, "permission denied: "+perm)
		}
		logger.Warn("sandbox permission not granted, allowing in development",
			"plugin_id", rc.PluginID, "user_id", rc.UserID, "permission", perm)
		g.publish(rc, events.PermissionBypassedPayload{
			RequestID:  rc.RequestID,
			UserID:     rc.UserID,
			Permission: perm,
		})
	}

	// 5. rate limit
	if g.limiter != nil {
		snap, err := g.limiter.Consume(ctx, ratelimit.Key(rc.UserID, rc.PluginID))
		if err != nil {
			return 0, nil, database(events.StageRateLimit, "rate limit unavailable", err)
		}
		rc.RateLimit = ratelimit.Headers(snap, g.now())
		for k, v := range rc.RateLimit {
			w.Header().Set(k, v)
		}
		if snap != nil && !snap.Allowed {
			return 0, nil, business(http.StatusTooManyRequests, events.StageRateLimit, "rate limit exceeded")
		}
	}

	ep, ok := g.dispatcher.Lookup(rc.Resource, rc.Method, rc.ItemID != "")
	if !ok || strings.Contains(rc.ItemID, "/") {
		return 0, nil, business(http.StatusNotFound, events.StageDispatch, "endpoint not supported in sandbox")
	}

	body := http.MaxBytesReader(w, r.Body, g.maxBody)
	value, err := ep.serve(ctx, rc.UserID, rc.ItemID, body)
	if err != nil {
		return 0, nil, classify(err)
	}
	return ep.Status, value, nil
}

func (g *Gateway) deny(w http.ResponseWriter, rc *RequestContext, f *Failure, logger *slog.Logger) {
	attrs := []any{
		"reason", f.Message,
		"plugin_id", rc.PluginID,
		"user_id", rc.UserID,
		"method", rc.Method,
		"resource", rc.Resource,
		"stage", f.Stage,
		"status", f.Status,
	}
	if f.Err != nil {
		attrs = append(attrs, "error", f.Err)
	}
	if f.Status >= http.StatusInternalServerError {
		logger.Error("sandbox request failed", attrs...)
	} else {
		logger.Info("sandbox request denied", attrs...)
	}

	writeFailure(w, rc.RequestID, f)
	g.publish(rc, events.RequestDeniedPayload{
		RequestID: rc.RequestID,
		UserID:    rc.UserID,
		Method:    rc.Method,
		Resource:  rc.Resource,
		Stage:     f.Stage,
		Status:    f.Status,
		ErrorType: string(f.Type),
		Message:   f.Message,
	})
}

func (g *Gateway) publish(rc *RequestContext, payload events.EventPayload) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.NewTypedUserEvent(events.SourceGateway, payload, rc.PluginID, rc.UserID))
}

// splitResourcePath splits "projects/abc" into ("projects", "abc"). Deeper
// paths keep the remainder in id and match no route.
func splitResourcePath(path string) (resource, id string) {
	path = strings.Trim(path, "/")
	resource, id, _ = strings.Cut(path, "/")
	return resource, id
}
