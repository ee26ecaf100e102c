// Package errors provides structured error handling for the live-sync ingress paths.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnknownType     Code = "UNKNOWN_TYPE"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"

	// Authorization errors
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// Stale cache: the coordinator cannot authorize against data it lacks.
	CodeRefreshRequired Code = "REFRESH_REQUIRED"

	// Internal errors
	CodeInternal Code = "INTERNAL"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument,
		CodeUnknownType:
		return codes.InvalidArgument
	case CodePayloadTooLarge:
		return codes.ResourceExhausted
	case CodePermissionDenied:
		return codes.PermissionDenied
	case CodeRefreshRequired:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument,
		CodeUnknownType:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeRefreshRequired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
