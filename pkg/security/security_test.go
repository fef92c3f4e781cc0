package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/ecoscan/pkg/core"
)

func TestValidateJobID(t *testing.T) {
	assert.NoError(t, ValidateJobID(core.NewJobID()))
	assert.NoError(t, ValidateJobID("abc-DEF_123"))

	invalid := []string{
		"",
		"has space",
		"slash/id",
		"pad==",
		strings.Repeat("a", 200),
	}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateJobID(id), core.ErrInvalidJobID, "Expected %q to be invalid", id)
	}
}

func TestValidateTaskID(t *testing.T) {
	valid := []string{
		core.NewTaskID(),
		"0f8fad5b-d9cb-469f-a165-70867728950e.rule",
		"task_1",
	}
	for _, id := range valid {
		assert.NoError(t, ValidateTaskID(id), "Expected %q to be valid", id)
	}

	invalid := []string{
		"",
		".leading-dot",
		"task id",
		"task@1",
		strings.Repeat("t", 200),
	}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateTaskID(id), core.ErrInvalidTaskID, "Expected %q to be invalid", id)
	}
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("scan.vision"))
	assert.NoError(t, ValidateQueueName("scan.persist_reward"))

	for _, name := range []string{"", "Scan.Vision", "queue with spaces", strings.Repeat("q", 300)} {
		assert.Error(t, ValidateQueueName(name), "Expected %q to be invalid", name)
	}
}

func TestValidatePayloadSize(t *testing.T) {
	assert.NoError(t, ValidatePayloadSize([]byte(`{}`)))
	assert.ErrorIs(t, ValidatePayloadSize(make([]byte, MaxPayloadSize+1)), core.ErrPayloadTooLarge)
}

func TestValidateImageURL(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		valid bool
	}{
		{"https public", "https://images.example.com/a.jpg", true},
		{"http public ip", "http://93.184.216.34/a.png", true},
		{"empty", "", false},
		{"file scheme", "file:///etc/passwd", false},
		{"relative", "/img/a.jpg", false},
		{"credentials", "https://user:pw@example.com/a.jpg", false},
		{"localhost", "http://localhost:8080/a.jpg", false},
		{"loopback", "http://127.0.0.1/a.jpg", false},
		{"private", "http://10.0.0.4/a.jpg", false},
		{"link local", "http://169.254.169.254/latest/meta-data", false},
		{"ipv6 loopback", "http://[::1]/a.jpg", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImageURL(tt.url)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, core.ErrInvalidImageURL)
			}
		})
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal message",
			input:    "connection refused",
			expected: "connection refused",
		},
		{
			name:     "message with newlines",
			input:    "error on\nline 2",
			expected: "error on\nline 2",
		},
		{
			name:     "message with null bytes",
			input:    "error\x00with\x00nulls",
			expected: "errorwithnulls",
		},
		{
			name:     "empty message",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSanitizeErrorMessage_Truncation(t *testing.T) {
	longMessage := strings.Repeat("a", 5000)
	result := SanitizeErrorMessage(longMessage)

	assert.LessOrEqual(t, len(result), MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestClampAttempts(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{5, 5},
		{20, 20},
		{21, 20},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClampAttempts(tt.input), "ClampAttempts(%d)", tt.input)
	}
}

func TestClampConcurrency(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{10, 10},
		{1000, 1000},
		{1001, 1000},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClampConcurrency(tt.input), "ClampConcurrency(%d)", tt.input)
	}
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 0, ClampPriority(-5))
	assert.Equal(t, 42, ClampPriority(42))
	assert.Equal(t, 100, ClampPriority(250))
}
