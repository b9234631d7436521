package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/weereg/internal/domain/registry"
	apperrors "github.com/yanqian/weereg/pkg/errors"
)

// errorKind separates expected refusals from faults worth an operator's attention.
type errorKind int

const (
	kindFault errorKind = iota
	kindBadRequest
	kindRejection
	kindThrottled
)

const (
	codeInvalidRequest = "invalid_request"
	codeInternal       = "internal_error"
	// codeClientThrottled is the transport limiter's code. The registry's own
	// cadence refusal uses registry.CodeRegisteringTooFrequent.
	codeClientThrottled = "client_rate_limited"
)

// HTTPError is an error response: status, wire code and message, plus the cause for logs.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Err     error
	kind    errorKind
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// NewHTTPError builds an HTTPError; 5xx statuses are faults, the rest bad requests.
func NewHTTPError(status int, code, message string, err error) *HTTPError {
	kind := kindBadRequest
	if status >= http.StatusInternalServerError {
		kind = kindFault
	}
	return &HTTPError{Status: status, Code: code, Message: message, Err: err, kind: kind}
}

func badRequest(err error) *HTTPError {
	return NewHTTPError(http.StatusBadRequest, codeInvalidRequest, errMessage(err), err)
}

func rejectionError(r registry.Rejected) *HTTPError {
	return &HTTPError{Status: r.Status, Code: r.Code, Message: r.Reason, kind: kindRejection}
}

func throttledError() *HTTPError {
	return &HTTPError{
		Status:  http.StatusTooManyRequests,
		Code:    codeClientThrottled,
		Message: "too many requests from this address",
		kind:    kindThrottled,
	}
}

func serviceError(err error) *HTTPError {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeInvalidInput:
		return badRequest(err)
	case apperrors.CodeStorage:
		return NewHTTPError(http.StatusInternalServerError, apperrors.CodeStorage, "storage unavailable", err)
	default:
		return NewHTTPError(http.StatusInternalServerError, codeInternal, "something went wrong", err)
	}
}

func asHTTPError(err error) *HTTPError {
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return serviceError(err)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func abortWithError(c *gin.Context, err *HTTPError) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func writeError(c *gin.Context, e *HTTPError) {
	message := e.Message
	if message == "" {
		message = e.Error()
	}
	c.JSON(e.Status, gin.H{
		"error": gin.H{
			"code":    e.Code,
			"message": message,
		},
	})
}
