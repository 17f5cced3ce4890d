package middleware

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// StreamPaths are the long lived event routes. They are flushed as written, so they are
// neither compressed nor access logged.
var StreamPaths = []string{
	"/v1/sync/events",
	"/v1/sync/ws",
}

func Gzip() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths(StreamPaths),
	)
}
