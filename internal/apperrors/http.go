package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns the error identifier used in API response envelopes.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParameters):
		return "InvalidParameters"
	case errors.Is(err, ErrNotFound):
		return "DoesNotExist"
	case errors.Is(err, ErrCluster):
		return "ClusterError"
	case errors.Is(err, ErrStorage):
		return "StorageError"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	default:
		return "InternalError"
	}
}
