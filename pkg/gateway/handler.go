package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/eventbus"
	"github.com/jdziat/ecoscan/pkg/security"
)

// Source yields the frames of a job from a resume cursor.
type Source interface {
	Subscribe(ctx context.Context, jobID string, from eventbus.Cursor) (<-chan *core.Frame, error)
}

// Handler creates an http.Handler serving GET /events/{job_id}.
//
// Usage:
//
//	mux.Handle("/events/", gateway.Handler(eventbus.NewSubscriber(rdb)))
func Handler(src Source, opts ...Option) http.Handler {
	cfg := &config{heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	s := &server{src: src, cfg: cfg, logger: cfg.logger.With("component", "gateway")}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/{job_id}", s.serveEvents)

	var h http.Handler = mux
	if cfg.middleware != nil {
		h = cfg.middleware(h)
	}
	return h
}

type server struct {
	src    Source
	cfg    *config
	logger *slog.Logger
}

func (s *server) serveEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := security.ValidateJobID(jobID); err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_seq")
	}
	cursor, err := eventbus.ParseCursor(raw)
	if err != nil {
		http.Error(w, "invalid resume position", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	frames, err := s.src.Subscribe(ctx, jobID, cursor)
	if err != nil {
		s.logger.Error("subscribe failed", "job_id", jobID, "error", err)
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", (3 * time.Second).Milliseconds())
	flusher.Flush()

	st := newStreamState(cursor)
	ticker := time.NewTicker(s.cfg.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !st.accept(f) {
				continue
			}
			if err := writeFrame(w, st.cursor, f); err != nil {
				s.logger.Debug("client went away", "job_id", jobID, "error", err)
				return
			}
			flusher.Flush()
			if st.closed {
				return
			}
		}
	}
}

// streamState drops duplicates and everything after the closing frame.
type streamState struct {
	cursor eventbus.Cursor
	stages map[string]bool
	closed bool
}

func newStreamState(c eventbus.Cursor) *streamState {
	return &streamState{cursor: c, stages: make(map[string]bool)}
}

func (st *streamState) accept(f *core.Frame) bool {
	if st.closed {
		return false
	}
	if f.Kind == core.KindToken {
		if f.Seq <= st.cursor.Token {
			return false
		}
	} else {
		key := fmt.Sprintf("%s:%d", f.Stage, f.Seq)
		if st.stages[key] {
			return false
		}
		st.stages[key] = true
		st.closed = f.IsDone()
	}
	st.cursor = st.cursor.Advance(f)
	return true
}

func writeFrame(w http.ResponseWriter, cursor eventbus.Cursor, f *core.Frame) error {
	data, err := json.Marshal(f.SSE())
	if err != nil {
		return err
	}
	event := "stage"
	switch f.Kind {
	case core.KindToken:
		event = "token"
	case core.KindNeedsInput:
		event = "needs_input"
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", cursor, event, data)
	return err
}

// StatusFamily maps a failure reason code to the HTTP status used in summaries.
func StatusFamily(reason string) int {
	switch {
	case reason == "":
		return http.StatusOK
	case reason == core.ReasonValidationFailed:
		return http.StatusBadRequest
	case reason == core.ReasonCancelled:
		return 499
	case reason == core.ReasonTimeout:
		return http.StatusGatewayTimeout
	case reason == core.ReasonCircuitOpen:
		return http.StatusServiceUnavailable
	case strings.HasSuffix(reason, "_failed"):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
