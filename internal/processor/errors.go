package processor

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	codeResourceMissing = "resource_missing"
)

// APIError is a structured error response from the processor API.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor API error: status %d, code %s: %s", e.Status, e.Code, e.Message)
}

// IsResourceMissing reports whether the processor says the referenced object
// no longer exists. Sweepers treat this as an expire-and-reset signal, not a
// failure.
func IsResourceMissing(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeResourceMissing || apiErr.Status == http.StatusNotFound
}

// ErrUnreachable wraps transport-level failures: the request never produced a
// processor response.
var ErrUnreachable = errors.New("processor unreachable")

// IsUnavailable reports whether the failure looks retryable: a transport
// error or a 5xx from the processor.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return false
}
