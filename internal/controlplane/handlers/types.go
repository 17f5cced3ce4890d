package handlers

import "github.com/gin-gonic/gin"

const (
	CodeOk              string = "OK"
	ErrCodeBadRequest   string = "ERR_BAD_REQUEST"
	ErrCodeSyncBusy     string = "ERR_SYNC_BUSY"
	ErrCodeSyncIdle     string = "ERR_SYNC_IDLE"
	ErrCodeRootLocked   string = "ERR_ROOT_LOCKED"
	ErrCodeNoJournal    string = "ERR_NO_JOURNAL"
	ErrCodeAuthDisabled string = "ERR_AUTH_DISABLED"
	ErrCodeForbidden    string = "ERR_FORBIDDEN"
	ErrCodeUnknownError string = "ERR_UNKNOWN_ERROR"
)

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

type CancelResponse struct {
	Code  string `json:"code"`
	RunID string `json:"run_id"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}
