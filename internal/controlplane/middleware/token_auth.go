package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/controlplane/auth"
)

const (
	AuthenticatedKey = "authenticated"
	ScopeKey         = "scope"
)

type TokenAuthConfig struct {
	// Token is the shared secret. Empty disables authentication.
	Token string
	// StreamPaths are the routes a stream token may GET.
	StreamPaths []string
}

// TokenAuth accepts the control plane token as `Authorization: Bearer <token>`. Stream
// tokens, signed with the same secret, are also accepted as the `token` query parameter
// for EventSource and websocket clients that cannot set headers, and only on StreamPaths.
func TokenAuth(config TokenAuthConfig) gin.HandlerFunc {
	if config.Token == "" {
		slog.Info("control plane auth disabled")
		return func(c *gin.Context) {
			c.Set(ScopeKey, auth.ScopeFull)
			c.Next()
		}
	}
	slog.Info("control plane auth enabled")

	want := []byte(config.Token)
	return func(c *gin.Context) {
		var scope auth.Scope

		token, fromHeader := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !fromHeader {
			token = c.Query("token")
		}

		switch {
		case token == "":
		case fromHeader && subtle.ConstantTimeCompare([]byte(token), want) == 1:
			scope = auth.ScopeFull
		default:
			if claims, err := auth.ParseClaims(token, config.Token); err == nil {
				scope = claims.Scope
			}
		}

		if scope == "" {
			slog.Debug("control plane invalid token", "ip", c.ClientIP(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Unauthorized",
			})
			return
		}

		if scope == auth.ScopeStream && (c.Request.Method != http.MethodGet || !slices.Contains(config.StreamPaths, c.FullPath())) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Forbidden",
			})
			return
		}

		c.Set(AuthenticatedKey, true)
		c.Set(ScopeKey, scope)
		c.Next()
	}
}
