package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/controlplane/runner"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/progress"
)

const wsWriteTimeout = 20 * time.Second

type SyncHandler struct {
	runner *runner.Runner
}

func NewSyncHandler(r *runner.Runner) *SyncHandler {
	return &SyncHandler{runner: r}
}

// Start begins a sync of the configured root. The body is optional and overrides the
// configured manifest url or version for this run only.
func (h *SyncHandler) Start(c *gin.Context) {
	var o runner.Override
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&o); err != nil && !errors.Is(err, io.EOF) {
			AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
			return
		}
	}

	started, err := h.runner.Start(o)
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrBusy):
		AbortWithError(c, http.StatusConflict, ErrCodeSyncBusy, err)
		return
	case errors.Is(err, mirror.ErrRootLocked):
		AbortWithError(c, http.StatusConflict, ErrCodeRootLocked, err)
		return
	case errors.Is(err, mirror.ErrInvalidRequest):
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	default:
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	if started.UpToDate {
		c.PureJSON(http.StatusOK, started)
		return
	}
	c.Header("X-Run-ID", started.RunID)
	c.PureJSON(http.StatusAccepted, started)
}

func (h *SyncHandler) Cancel(c *gin.Context) {
	id, err := h.runner.Cancel()
	if err != nil {
		AbortWithError(c, http.StatusConflict, ErrCodeSyncIdle, err)
		return
	}
	c.PureJSON(http.StatusAccepted, CancelResponse{Code: CodeOk, RunID: id})
}

func (h *SyncHandler) Status(c *gin.Context) {
	st, err := h.runner.Status()
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, st)
}

// Events streams progress of the current and future runs as server sent events. The
// stream opens with the last known event, if any.
func (h *SyncHandler) Events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	eventCh := h.runner.Subscribe()
	defer h.runner.Unsubscribe(eventCh)

	c.Status(http.StatusOK)
	if st, err := h.runner.Status(); err == nil && st.Last != nil {
		c.SSEvent(string(st.Last.Type), st.Last)
	} else {
		c.Writer.WriteHeaderNow()
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-eventCh:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}

// Socket streams the same events as Events over a websocket, one JSON message per event.
// Messages from the client are ignored.
func (h *SyncHandler) Socket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept has already written the response
		slog.Debug("control plane websocket accept", "error", err)
		c.Abort()
		return
	}
	defer conn.CloseNow()

	eventCh := h.runner.Subscribe()
	defer h.runner.Unsubscribe(eventCh)

	ctx := conn.CloseRead(c.Request.Context())
	if st, err := h.runner.Status(); err == nil && st.Last != nil {
		if err := writeEvent(ctx, conn, *st.Last); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutdown")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("control plane websocket write", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev progress.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
