// Package gateway serves event bus frames to clients as server-sent events.
package gateway

import (
	"log/slog"
	"net/http"
	"time"
)

// DefaultHeartbeat keeps idle connections well under the 30s client reconnect window.
const DefaultHeartbeat = 15 * time.Second

// Option configures the SSE handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	heartbeat  time.Duration
	middleware func(http.Handler) http.Handler
	logger     *slog.Logger
}

// WithHeartbeat sets the interval between keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.heartbeat = d
	})
}

// WithMiddleware wraps the handler with middleware (auth, logging, etc.).
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) {
		c.middleware = mw
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *config) {
		c.logger = l
	})
}
