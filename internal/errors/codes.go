package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// HTTPStatus maps a code to the HTTP status used by the REST surface.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeConflictDetected, ErrCodeInvalidStateTransition,
		ErrCodeApprovalAlreadyDecided, ErrCodeConcurrentModification:
		return http.StatusConflict
	case ErrCodeInsufficientInventory:
		return http.StatusUnprocessableEntity
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a code to a gRPC status code.
func GRPCCode(code Code) codes.Code {
	switch code {
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeConflict, ErrCodeApprovalAlreadyDecided:
		return codes.AlreadyExists
	case ErrCodeConflictDetected, ErrCodeInvalidStateTransition:
		return codes.FailedPrecondition
	case ErrCodeInsufficientInventory:
		return codes.ResourceExhausted
	case ErrCodeConcurrentModification:
		return codes.Aborted
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
