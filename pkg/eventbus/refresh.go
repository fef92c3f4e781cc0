package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshKey is the pub/sub channel announcing that a cached dataset changed.
func RefreshKey(domain, dataset string) string {
	return fmt.Sprintf("%s:%s:refresh", domain, dataset)
}

// PublishRefresh tells every listener of dataset to reload. It returns how many
// processes received the message.
func PublishRefresh(ctx context.Context, rdb redis.UniversalClient, domain, dataset string) (int64, error) {
	n, err := rdb.Publish(ctx, RefreshKey(domain, dataset), time.Now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return 0, fmt.Errorf("eventbus: publish %s refresh: %w", dataset, err)
	}
	return n, nil
}

// ReloadFunc reloads a cache and returns how many entries it now holds.
type ReloadFunc func(ctx context.Context) (int, error)

// RefreshListener calls a ReloadFunc on every refresh message of one dataset.
type RefreshListener struct {
	rdb     redis.UniversalClient
	key     string
	dataset string
	reload  ReloadFunc
	logger  *slog.Logger

	ready chan struct{}
}

// NewRefreshListener creates a listener. Start runs it.
func NewRefreshListener(rdb redis.UniversalClient, domain, dataset string, reload ReloadFunc, logger *slog.Logger) *RefreshListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshListener{
		rdb:     rdb,
		key:     RefreshKey(domain, dataset),
		dataset: dataset,
		reload:  reload,
		logger:  logger.With("component", "refresh", "dataset", dataset),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the subscription is active.
func (l *RefreshListener) Ready() <-chan struct{} {
	return l.ready
}

// Start subscribes and reloads on each message until ctx ends. A failed reload is
// logged and the listener keeps running.
func (l *RefreshListener) Start(ctx context.Context) error {
	ps := l.rdb.Subscribe(ctx, l.key)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("eventbus: subscribe %s: %w", l.key, err)
	}
	close(l.ready)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			n, err := l.reload(ctx)
			if err != nil {
				l.logger.Warn("reload failed", "error", err)
				continue
			}
			l.logger.Info("reloaded", "entries", n)
		}
	}
}
