package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/controlplane/runner"
	"github.com/openmined/syftmirror/internal/journal"
)

const maxHistoryLimit = 200

type HistoryRequest struct {
	Limit int  `form:"limit" binding:"omitempty,min=1"`
	All   bool `form:"all"`
}

type HistoryResponse struct {
	Runs []*journal.Run `json:"runs"`
}

type HistoryHandler struct {
	runner *runner.Runner
}

func NewHistoryHandler(r *runner.Runner) *HistoryHandler {
	return &HistoryHandler{runner: r}
}

// List returns the most recent runs of the configured root, or of every root with `all`.
func (h *HistoryHandler) List(c *gin.Context) {
	var req HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	j := h.runner.Journal()
	if j == nil {
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeNoJournal, errors.New("journal disabled"))
		return
	}

	root := h.runner.Defaults().Root
	if req.All {
		root = ""
	}
	runs, err := j.RecentRuns(c.Request.Context(), root, min(req.Limit, maxHistoryLimit))
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, HistoryResponse{Runs: runs})
}
