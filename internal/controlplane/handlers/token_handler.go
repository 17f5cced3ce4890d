package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/controlplane/auth"
	"github.com/openmined/syftmirror/internal/controlplane/middleware"
)

type TokenResponse struct {
	Token     string     `json:"token"`
	Scope     auth.Scope `json:"scope"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type TokenHandler struct {
	secret string
	ttl    time.Duration
}

func NewTokenHandler(secret string, ttl time.Duration) *TokenHandler {
	return &TokenHandler{secret: secret, ttl: ttl}
}

// Stream issues a short lived token that only opens the event streams, so the control
// plane token never has to appear in a URL.
func (h *TokenHandler) Stream(c *gin.Context) {
	if h.secret == "" {
		AbortWithError(c, http.StatusConflict, ErrCodeAuthDisabled, errors.New("control plane auth is disabled"))
		return
	}
	if scope, _ := c.Get(middleware.ScopeKey); scope != auth.ScopeFull {
		AbortWithError(c, http.StatusForbidden, ErrCodeForbidden, errors.New("stream tokens cannot issue tokens"))
		return
	}

	token, expires, err := auth.NewStreamToken(h.secret, h.ttl)
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusCreated, TokenResponse{
		Token:     token,
		Scope:     auth.ScopeStream,
		ExpiresAt: expires,
	})
}
