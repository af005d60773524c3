package client

import (
	"context"
	"errors"
	"net"

	"github.com/kjstillabower/forecast-widget/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-widget/internal/models"
)

// ErrorCategory is a stable label for error classification in logs and metrics.
type ErrorCategory string

const (
	ErrorCategoryCanceled         ErrorCategory = "canceled"
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryLocationNotFound ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryBadRequest       ErrorCategory = "bad_request"
	ErrorCategoryUpstream5xx      ErrorCategory = "upstream_5xx"
	ErrorCategoryMalformed        ErrorCategory = "malformed_response"
	ErrorCategoryCircuitOpen      ErrorCategory = "circuit_open"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. nil maps to "".
func CategorizeError(err error) ErrorCategory {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLocationNotFound):
		return ErrorCategoryLocationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrBadRequest):
		return ErrorCategoryBadRequest
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, models.ErrSeriesMismatch):
		return ErrorCategoryMalformed
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}

// CountsAgainstCircuit reports whether err indicates an unhealthy upstream.
// Lookups for unknown places and caller cancellations do not.
func CountsAgainstCircuit(err error) bool {
	switch CategorizeError(err) {
	case "", ErrorCategoryLocationNotFound, ErrorCategoryBadRequest, ErrorCategoryCanceled, ErrorCategoryCircuitOpen:
		return false
	}
	return true
}
