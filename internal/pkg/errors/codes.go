package errors

import (
	"fmt"
	"net/http"
)

// Code bundles a business error code with its HTTP status and message
type Code struct {
	Code    int
	Status  int
	Message string
}

// Error codes, grouped per module
const (
	Success = 0

	// Common errors (1000-1999)
	ErrInternalServer  = 1000
	ErrInvalidParams   = 1001
	ErrNotFound        = 1002
	ErrTooManyRequests = 1003
	ErrBadRequest      = 1004
	ErrServiceUnavail  = 1005

	// Session errors (2000-2999)
	ErrSessionNotFound     = 2000
	ErrSessionBusy         = 2001
	ErrSessionNotStreaming = 2002

	// Stream errors (3000-3999)
	ErrUpstreamUnavailable = 3000
	ErrStreamFailed        = 3001
	ErrStreamTimeout       = 3002

	// Tool errors (4000-4999)
	ErrToolNotFound        = 4000
	ErrToolExecutionFailed = 4001
	ErrToolInvalidParams   = 4002
)

var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	ErrInternalServer:  {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:   {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrNotFound:        {ErrNotFound, http.StatusNotFound, "Resource not found"},
	ErrTooManyRequests: {ErrTooManyRequests, http.StatusTooManyRequests, "Too many requests"},
	ErrBadRequest:      {ErrBadRequest, http.StatusBadRequest, "Bad request"},
	ErrServiceUnavail:  {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	ErrSessionNotFound:     {ErrSessionNotFound, http.StatusNotFound, "Session not found"},
	ErrSessionBusy:         {ErrSessionBusy, http.StatusConflict, "Session already has a streaming turn"},
	ErrSessionNotStreaming: {ErrSessionNotStreaming, http.StatusConflict, "Session has no streaming turn"},

	ErrUpstreamUnavailable: {ErrUpstreamUnavailable, http.StatusBadGateway, "Upstream agent unavailable"},
	ErrStreamFailed:        {ErrStreamFailed, http.StatusBadGateway, "Stream failed"},
	ErrStreamTimeout:       {ErrStreamTimeout, http.StatusGatewayTimeout, "Stream timed out"},

	ErrToolNotFound:        {ErrToolNotFound, http.StatusNotFound, "Tool not found"},
	ErrToolExecutionFailed: {ErrToolExecutionFailed, http.StatusInternalServerError, "Tool execution failed"},
	ErrToolInvalidParams:   {ErrToolInvalidParams, http.StatusBadRequest, "Invalid tool parameters"},
}

// GetCode returns the Code for a given error code
func GetCode(code int) Code {
	if c, ok := codeMap[code]; ok {
		return c
	}
	return codeMap[ErrInternalServer]
}

// GetHTTPStatus returns HTTP status for a given error code
func GetHTTPStatus(code int) int {
	return GetCode(code).Status
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	return GetCode(code).Message
}

// IsSuccess checks if the code represents success
func IsSuccess(code int) bool {
	return code == Success
}

// FormatError formats an error message with optional details
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
