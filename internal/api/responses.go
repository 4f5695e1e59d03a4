package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avifpress/avifpress/internal/convert"
	"github.com/avifpress/avifpress/pkg/errors"
	"github.com/avifpress/avifpress/pkg/resilience"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ConvertResponse is the payload returned by a successful conversion
type ConvertResponse struct {
	Success  bool            `json:"success"`
	Cached   bool            `json:"cached"`
	Degraded bool            `json:"degraded"`
	Metrics  convert.Metrics `json:"metrics"`
	Data     ConvertData     `json:"data"`
}

// ConvertData groups the produced variants
type ConvertData struct {
	FullSize FileData `json:"fullSize"`
}

// FileData describes one produced file. Content carries the AVIF bytes
// base64-encoded.
type FileData struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Size     int    `json:"size"`
	MimeType string `json:"mimetype"`
	Variant  string `json:"variant"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response with the status code that
// matches the failure: validation problems are the client's fault, an open
// breaker or a shutdown means the service is unavailable, and a blown
// execution deadline maps to a gateway timeout.
func ErrorResponseFromError(c *gin.Context, err error) {
	if resilience.IsCircuitBreakerError(err) {
		c.JSON(http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Error: &APIError{
				Code:    "CIRCUIT_OPEN",
				Message: err.Error(),
			},
			RequestID: requestID(c),
			Timestamp: time.Now(),
		})
		return
	}

	var statusCode int
	var apiError *APIError

	switch e := err.(type) {
	case *errors.AppError:
		switch e.Code {
		case "WORKER_ACQUISITION_TIMEOUT", "SHUTTING_DOWN":
			statusCode = http.StatusServiceUnavailable
		case "WORKER_EXECUTION_TIMEOUT":
			statusCode = http.StatusGatewayTimeout
		default:
			switch e.Type {
			case errors.ErrorTypeValidation:
				statusCode = http.StatusBadRequest
			case errors.ErrorTypeNotFound:
				statusCode = http.StatusNotFound
			case errors.ErrorTypeConflict:
				statusCode = http.StatusConflict
			case errors.ErrorTypeTimeout:
				statusCode = http.StatusGatewayTimeout
			case errors.ErrorTypeUnavailable:
				statusCode = http.StatusServiceUnavailable
			default:
				statusCode = http.StatusInternalServerError
			}
		}

		apiError = &APIError{
			Code:    e.Code,
			Message: e.Message,
		}
		if len(e.Details) > 0 {
			apiError.Details = make(map[string]interface{}, len(e.Details))
			for k, v := range e.Details {
				apiError.Details[k] = v
			}
		}
	default:
		statusCode = http.StatusInternalServerError
		apiError = &APIError{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred",
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
