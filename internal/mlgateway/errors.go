package mlgateway

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/orafinite/backend/internal/circuitbreaker"
)

// APIError is the HTTP rendering of a sidecar failure.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// TranslateScanError maps gRPC failures from scan RPCs onto the API's
// error envelope. validate flips the timeout/failure codes for the
// validation endpoint.
func TranslateScanError(err error, validate bool) APIError {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return APIError{http.StatusServiceUnavailable, "ML_SERVICE_UNAVAILABLE",
			"ML service is temporarily unavailable"}
	}

	s, ok := status.FromError(err)
	if !ok {
		return failure(validate)
	}

	switch s.Code() {
	case codes.DeadlineExceeded:
		code := "SCAN_TIMEOUT"
		if validate {
			code = "VALIDATION_TIMEOUT"
		}
		return APIError{http.StatusGatewayTimeout, code, "Scan timed out"}
	case codes.ResourceExhausted:
		return APIError{http.StatusTooManyRequests, "RATE_LIMITED",
			"ML service rejected the request due to load"}
	case codes.InvalidArgument:
		return APIError{http.StatusBadRequest, "INVALID_REQUEST", s.Message()}
	case codes.Unavailable:
		return APIError{http.StatusServiceUnavailable, "ML_SERVICE_UNAVAILABLE",
			"ML service is temporarily unavailable"}
	default:
		return failure(validate)
	}
}

func failure(validate bool) APIError {
	code := "SCAN_FAILED"
	if validate {
		code = "VALIDATION_FAILED"
	}
	return APIError{http.StatusInternalServerError, code, "Scan could not be completed"}
}
