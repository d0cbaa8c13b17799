package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common application errors
var (
	ErrNotFound            = errors.New("resource not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnknownEntityType   = errors.New("unknown entity type")
	ErrCacheDisabled       = errors.New("cache disabled")
	ErrConflict            = errors.New("resource conflict")
	ErrInternalServerError = errors.New("internal server error")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
)

// APIError represents a structured API error response
type APIError struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail,omitempty"`
	Instance  string            `json:"instance,omitempty"`
	Errors    []ValidationError `json:"errors"`
	Timestamp string            `json:"timestamp"`
	RequestID string            `json:"request_id,omitempty"`
}

// ValidationError represents a field validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

// NewAPIError creates a new APIError
func NewAPIError(status int, title, detail, instance string) *APIError {
	return &APIError{
		Type:      fmt.Sprintf("https://api.speedlayer.local/problems/%s", kebabCase(title)),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// AddValidationError adds a validation error to the API error
func (e *APIError) AddValidationError(field, code, message string) {
	if e.Errors == nil {
		e.Errors = make([]ValidationError, 0)
	}
	e.Errors = append(e.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}

// ValidationErrors collects every field problem found while checking a
// caller-supplied query. It unwraps to ErrInvalidInput.
type ValidationErrors []ValidationError

// Add appends a field error
func (v *ValidationErrors) Add(field, code, message string) {
	*v = append(*v, ValidationError{Field: field, Code: code, Message: message})
}

// Err returns nil when nothing was collected
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Error implements the error interface
func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrInvalidInput
func (v ValidationErrors) Unwrap() error {
	return ErrInvalidInput
}

// kebabCase converts a string to kebab-case
func kebabCase(s string) string {
	// Check if string is all uppercase (excluding spaces)
	allUpper := true
	hasLetter := false
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			allUpper = false
			break
		}
		if r >= 'A' && r <= 'Z' {
			hasLetter = true
		}
	}

	// If it's all uppercase and has letters, return as-is (unless it has spaces)
	if allUpper && hasLetter && !strings.Contains(s, " ") && !strings.Contains(s, "_") {
		return s
	}

	result := ""
	for i, r := range s {
		if r == ' ' || r == '_' {
			result += "-"
		} else if i > 0 && r >= 'A' && r <= 'Z' && result[len(result)-1] != '-' {
			result += "-" + string(r)
		} else {
			result += string(r)
		}
	}
	return result
}
