// Package security provides validation, sanitization, and limits for ecoscan inputs.
package security

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/ecoscan/pkg/core"
)

// Security limits and configuration
const (
	// MaxIDLength is the maximum length for job and task ids
	MaxIDLength = 128

	// MaxPayloadSize is the maximum size in bytes for a task message (1MB)
	MaxPayloadSize = 1 << 20

	// MaxAttempts is the hard limit for node attempts
	MaxAttempts = 20

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for queue names
	MaxQueueNameLength = 255

	// MaxImageURLLength is the maximum length for image urls
	MaxImageURLLength = 2048
)

// validJobID matches URL-safe base64 without padding
var validJobID = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// validTaskID matches alphanumeric, hyphens, underscores, and dots
var validTaskID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`)

// validQueueName matches dotted lowercase names such as scan.vision
var validQueueName = regexp.MustCompile(`^[a-z][a-z0-9_\-\.]*$`)

// ValidateJobID validates a job id
func ValidateJobID(id string) error {
	if id == "" || len(id) > MaxIDLength || !validJobID.MatchString(id) {
		return core.ErrInvalidJobID
	}
	return nil
}

// ValidateTaskID validates a task id
func ValidateTaskID(id string) error {
	if id == "" || len(id) > MaxIDLength || !validTaskID.MatchString(id) {
		return core.ErrInvalidTaskID
	}
	return nil
}

// ValidateQueueName validates a queue name
func ValidateQueueName(name string) error {
	if name == "" || len(name) > MaxQueueNameLength || !validQueueName.MatchString(name) {
		return fmt.Errorf("%w: queue %q", core.ErrMalformedMessage, name)
	}
	return nil
}

// ValidatePayloadSize rejects messages above MaxPayloadSize
func ValidatePayloadSize(body []byte) error {
	if len(body) > MaxPayloadSize {
		return core.ErrPayloadTooLarge
	}
	return nil
}

// ValidateImageURL accepts absolute http(s) urls that do not point at
// loopback, private or link-local addresses.
func ValidateImageURL(raw string) error {
	if raw == "" || len(raw) > MaxImageURLLength {
		return core.ErrInvalidImageURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidImageURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", core.ErrInvalidImageURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", core.ErrInvalidImageURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", core.ErrInvalidImageURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: local host", core.ErrInvalidImageURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: address %s", core.ErrInvalidImageURL, ip)
		}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures the attempt count is within [1, MaxAttempts]
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampPriority keeps a scheduling priority within [0, 100]
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
