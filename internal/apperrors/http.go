package apperrors

import (
	"errors"
	"net/http"
)

// statusBySentinel is checked in order; the first match wins.
var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrComputation, http.StatusInternalServerError},
}

// HTTPStatus maps an error to the status code an API response should carry.
func HTTPStatus(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// Public returns what may be shown to a client for err: its message and the
// offending request field, if any. Server-side failures other than
// ErrUnavailable are reduced to a generic message so causes stay in the logs.
func Public(err error) (message, field string) {
	status := HTTPStatus(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		return "internal server error", ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		field = appErr.Field
	}
	return err.Error(), field
}
