package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{ErrNotFound, "resource not found"},
		{ErrInvalidInput, "invalid input"},
		{ErrUnknownEntityType, "unknown entity type"},
		{ErrCacheDisabled, "cache disabled"},
		{ErrConflict, "resource conflict"},
		{ErrInternalServerError, "internal server error"},
		{ErrServiceUnavailable, "service unavailable"},
		{ErrRateLimitExceeded, "rate limit exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	apiError := &APIError{
		Title:  "Bad Request",
		Detail: "The request was invalid",
	}

	assert.Equal(t, "Bad Request: The request was invalid", apiError.Error())
}

func TestNewAPIError(t *testing.T) {
	apiError := NewAPIError(400, "Bad Request", "Invalid input provided", "/api/v1/search")

	assert.Equal(t, "https://api.speedlayer.local/problems/Bad-Request", apiError.Type)
	assert.Equal(t, "Bad Request", apiError.Title)
	assert.Equal(t, 400, apiError.Status)
	assert.Equal(t, "Invalid input provided", apiError.Detail)
	assert.Equal(t, "/api/v1/search", apiError.Instance)
	assert.Empty(t, apiError.Errors)
	assert.Empty(t, apiError.RequestID)

	ts, err := time.Parse(time.RFC3339, apiError.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)
}

func TestAPIError_AddValidationError(t *testing.T) {
	apiError := NewAPIError(422, "Validation Error", "Request validation failed", "/api/v1/search")
	assert.Nil(t, apiError.Errors)

	apiError.AddValidationError("limit", "out_of_range", "limit must not exceed 100")
	apiError.AddValidationError("offset", "negative", "offset must be >= 0")

	require.Len(t, apiError.Errors, 2)
	assert.Equal(t, "limit", apiError.Errors[0].Field)
	assert.Equal(t, "out_of_range", apiError.Errors[0].Code)
	assert.Equal(t, "offset", apiError.Errors[1].Field)
}

func TestAPIError_NullErrorsField(t *testing.T) {
	apiError := NewAPIError(500, "Internal Server Error", "An unexpected error occurred", "/api/v1/search")

	jsonData, err := json.Marshal(apiError)
	require.NoError(t, err)

	var jsonMap map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonData, &jsonMap))

	errs, exists := jsonMap["errors"]
	assert.True(t, exists)
	assert.Nil(t, errs)
}

func TestValidationErrors(t *testing.T) {
	t.Run("empty collects nothing", func(t *testing.T) {
		var v ValidationErrors
		assert.NoError(t, v.Err())
	})

	t.Run("unwraps to invalid input", func(t *testing.T) {
		var v ValidationErrors
		v.Add("page", "min", "page must be >= 1")
		v.Add("page_size", "max", "page_size must be <= 100")

		err := v.Err()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidInput))
		assert.Equal(t, "invalid input: page: page must be >= 1; page_size: page_size must be <= 100", err.Error())

		wrapped := fmt.Errorf("paginate: %w", err)
		assert.True(t, errors.Is(wrapped, ErrInvalidInput))

		var target ValidationErrors
		require.True(t, errors.As(wrapped, &target))
		assert.Len(t, target, 2)
	})
}

func TestKebabCase(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"BadRequest", "Bad-Request"},
		{"NotFound", "Not-Found"},
		{"Internal Server Error", "Internal-Server-Error"},
		{"simple", "simple"},
		{"ALLCAPS", "ALLCAPS"},
		{"", ""},
		{"CamelCaseWithSpaces And More", "Camel-Case-With-Spaces-And-More"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, kebabCase(tt.input))
		})
	}
}

func BenchmarkKebabCase(b *testing.B) {
	testStrings := []string{"BadRequest", "NotFound", "Internal Server Error"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		kebabCase(testStrings[i%len(testStrings)])
	}
}
