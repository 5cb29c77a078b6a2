package stable_diffusion_api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfMemory is returned when the engine ran out of accelerator memory.
var ErrOutOfMemory = errors.New("stable diffusion: out of memory")

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stable diffusion API returned %d: %s", e.StatusCode, e.Message)
}

type jsonErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Body   string `json:"body"`
	Errors string `json:"errors"`
}

func (r *jsonErrorResponse) message() string {
	parts := make([]string, 0, 4)

	for _, part := range []string{r.Error, r.Detail, r.Body, r.Errors} {
		if part != "" {
			parts = append(parts, part)
		}
	}

	return strings.Join(parts, ": ")
}

func isOutOfMemory(message string) bool {
	lower := strings.ToLower(message)

	return strings.Contains(lower, "outofmemoryerror") || strings.Contains(lower, "out of memory")
}

func newResponseError(statusCode int, message string) error {
	if isOutOfMemory(message) {
		return fmt.Errorf("%w: %s", ErrOutOfMemory, message)
	}

	return &APIError{StatusCode: statusCode, Message: message}
}
