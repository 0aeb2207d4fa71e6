package whatsapp

import (
	"errors"
	"fmt"
)

// ErrMissingParameters is returned when a template placeholder has no value.
// It is raised while building the request, before any send.
var ErrMissingParameters = errors.New("missing template parameters")

// APIError is a non-2xx response from the Graph API
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("whatsapp api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp api error (status %d): %s", e.StatusCode, e.Message)
}

func missing(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMissingParameters, fmt.Sprintf(format, args...))
}
