package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError reports a rejected login. Never retried.
type AuthError struct {
	Email string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider rejected login for %s", e.Email)
}

// APIError reports a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d for %s", e.StatusCode, e.Path)
}

// NotFound reports whether the error is a provider 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}
