package utils

import (
	"context"
	"errors"
	"net/http"

	"kb-rag-service/internal/errs"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}) {
	c.JSON(statusCode, ErrorResponse{
		ErrorCode: errorCode,
		Message:   message,
		Details:   details,
	})
}

// RespondWithBadRequest sends a 400 Bad Request error
func RespondWithBadRequest(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadRequest, "bad_request", message, details)
}

// RespondWithNotFound sends a 404 Not Found error
func RespondWithNotFound(c *gin.Context, message string) {
	RespondWithError(c, http.StatusNotFound, "not_found", message, nil)
}

// RespondWithInternalError sends a 500 Internal Server Error
func RespondWithInternalError(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusInternalServerError, "internal_error", message, details)
}

// StatusForKind maps an error kind to its HTTP status
func StatusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindContentExtraction:
		return http.StatusUnprocessableEntity
	case errs.KindEmbedding:
		return http.StatusBadGateway
	case errs.KindIndex, errs.KindStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithPipelineError writes err using its kind as error_code and its
// stage as details.stage. Extra details are merged in.
func RespondWithPipelineError(c *gin.Context, err error, extra gin.H) {
	kind := errs.KindOf(err)
	status := StatusForKind(kind)
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	details := gin.H{}
	if stage := errs.StageOf(err); stage != errs.StageUnknown {
		details["stage"] = string(stage)
	}
	for k, v := range extra {
		details[k] = v
	}

	message := err.Error()
	var e *errs.Error
	if kind == errs.KindValidation && errors.As(err, &e) && e.Err != nil {
		// validation messages are meant for the caller as-is
		message = innermost(e)
	}

	var body interface{}
	if len(details) > 0 {
		body = details
	}
	RespondWithError(c, status, string(kind), message, body)
}

func innermost(e *errs.Error) string {
	for {
		next, ok := e.Err.(*errs.Error)
		if !ok || next.Err == nil {
			return e.Err.Error()
		}
		e = next
	}
}
