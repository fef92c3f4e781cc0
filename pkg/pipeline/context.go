package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContextValue is a channel value wrapped with the metadata the reducer merges on.
type ContextValue struct {
	Priority   int             `json:"_priority"`
	Sequence   uint64          `json:"_sequence"`
	Producer   Node            `json:"_producer"`
	CreatedAt  time.Time       `json:"_created_at"`
	IsFallback bool            `json:"_is_fallback"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (c *ContextValue) Decode(v any) error {
	if c == nil || len(c.Data) == 0 || string(c.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return fmt.Errorf("decode %s context: %w", c.Producer, err)
	}
	return nil
}

// Usable reports whether the value carries a successful payload.
func (c *ContextValue) Usable() bool {
	return c != nil && c.Success
}

// Reduce picks the surviving value of a channel written twice.
//
// A fallback write never replaces a successful non-fallback value. Otherwise the lower
// priority wins, and on equal priority the larger sequence wins. Equal priority and
// sequence keep the existing value, which makes Reduce idempotent.
func Reduce(existing, incoming *ContextValue) *ContextValue {
	switch {
	case existing == nil:
		return incoming
	case incoming == nil:
		return existing
	case incoming.IsFallback && !existing.IsFallback && existing.Success:
		return existing
	case incoming.Priority != existing.Priority:
		if incoming.Priority < existing.Priority {
			return incoming
		}
		return existing
	case incoming.Sequence > existing.Sequence:
		return incoming
	}
	return existing
}
