package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"

	"github.com/openmined/syftmirror/internal/controlplane/handlers"
	"github.com/openmined/syftmirror/internal/controlplane/middleware"
	"github.com/openmined/syftmirror/internal/controlplane/runner"
	"github.com/openmined/syftmirror/internal/version"
)

type RouteConfig struct {
	Auth middleware.TokenAuthConfig
	// StreamTokenTTL bounds the tokens issued by POST /v1/token.
	StreamTokenTTL time.Duration
	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit int64
}

func SetupRoutes(r *runner.Runner, routeConfig *RouteConfig) http.Handler {
	e := gin.New()

	syncH := handlers.NewSyncHandler(r)
	historyH := handlers.NewHistoryHandler(r)
	tokenH := handlers.NewTokenHandler(routeConfig.Auth.Token, routeConfig.StreamTokenTTL)

	e.Use(gin.Recovery())
	e.Use(middleware.Logger())
	e.Use(middleware.Secure())
	e.Use(middleware.CORS())
	e.Use(middleware.Gzip())
	if routeConfig.RateLimit > 0 {
		rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
			Period: 1 * time.Second,
			Limit:  routeConfig.RateLimit,
		})
		e.Use(mgin.NewMiddleware(rateLimiter))
	}

	e.GET("/", IndexHandler)

	v1 := e.Group("/v1")
	v1.Use(middleware.TokenAuth(routeConfig.Auth))
	{
		v1Sync := v1.Group("/sync")
		{
			v1Sync.POST("", syncH.Start)
			v1Sync.DELETE("", syncH.Cancel)
			v1Sync.GET("/status", syncH.Status)
			v1Sync.GET("/events", syncH.Events)
			v1Sync.GET("/ws", syncH.Socket)
		}

		v1.GET("/history", historyH.List)
		v1.POST("/token", tokenH.Stream)
	}

	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	e.HandleMethodNotAllowed = true
	e.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return e.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}
