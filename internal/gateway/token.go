package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/newgate/internal/auth"
	"github.com/dohr-michael/newgate/internal/frametoken"
	"github.com/dohr-michael/newgate/internal/gateway/ws"
	"github.com/dohr-michael/newgate/internal/pluginid"
	"github.com/dohr-michael/newgate/internal/store"
)

// tokenHandler mints frame tokens for the shell, which mounts them in the
// relay URL of a sandboxed frame.
type tokenHandler struct {
	auth    ws.Authenticator
	catalog ws.Catalog
	minter  TokenMinter
	ttl     time.Duration
	logger  *slog.Logger
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Param     string    `json:"param"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *tokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		if errors.Is(err, auth.ErrNoSession) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		h.logger.Error("frame token session lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	id, err := pluginid.Parse(chi.URLParam(r, "pluginId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	pluginID := string(id)

	inst, err := h.catalog.FindInstallation(r.Context(), userID, pluginID, "")
	if errors.Is(err, store.ErrNotFound) || (err == nil && !inst.Active) {
		writeError(w, http.StatusForbidden, "plugin not installed or inactive")
		return
	}
	if err != nil {
		h.logger.Error("frame token installation lookup", "plugin_id", pluginID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ttl := h.ttl
	if ttl <= 0 {
		ttl = frametoken.DefaultTTL
	}
	token, err := h.minter.Mint(pluginID, userID, ttl)
	if err != nil {
		h.logger.Error("frame token mint", "plugin_id", pluginID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.logger.Debug("frame token minted", "plugin_id", pluginID, "user_id", userID)
	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     token,
		Param:     ws.FrameTokenParam,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	})
}
