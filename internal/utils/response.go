// internal/utils/response.go
package utils

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorCode identifies why a companion REST call failed
type ErrorCode string

const (
	CodeInvalidTimeout ErrorCode = "INVALID_SCAN_TIMEOUT"
	CodeUnknownScanner ErrorCode = "UNKNOWN_SCANNER"
	CodeScanFailed     ErrorCode = "SCAN_FAILED"
	CodeNoScanner      ErrorCode = "NO_SCANNER_AVAILABLE"
	CodeInternal       ErrorCode = "COMPANION_INTERNAL_ERROR"
)

// APIResponse is the envelope of every REST reply
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError carries the failure of an unsuccessful reply
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

// ErrorResponse sends an error response. err, when set, becomes the details.
func ErrorResponse(c *gin.Context, statusCode int, code ErrorCode, message string, err error) {
	apiError := &APIError{
		Code:    code,
		Message: message,
	}
	if err != nil {
		apiError.Details = err.Error()
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

// RequestIDKey is the gin context key holding the request ID
const RequestIDKey = "request_id"

func getRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
