package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/ecoscan/pkg/broker"
	"github.com/jdziat/ecoscan/pkg/chain"
	"github.com/jdziat/ecoscan/pkg/eventbus"
	"github.com/jdziat/ecoscan/pkg/executor"
	"github.com/jdziat/ecoscan/pkg/llm"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/sor"
	"github.com/jdziat/ecoscan/pkg/storage"
	"github.com/jdziat/ecoscan/pkg/wal"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openRedis(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

func busOptions() []eventbus.Option {
	return []eventbus.Option{
		eventbus.WithDomain(cfg.Domain),
		eventbus.WithShards(cfg.Shards),
		eventbus.WithMaxLen(cfg.StreamMaxLen),
		eventbus.WithMarkerTTL(cfg.IdempotencyTTL),
		eventbus.WithReclaim(cfg.ReclaimInterval, cfg.ReclaimMinIdle),
		eventbus.WithLogger(logger),
	}
}

func openSoR() (*sor.Store, error) {
	store, err := sor.Open(cfg.SoRDSN, storage.WithPoolConfig(storage.WorkerPoolConfig(cfg.WorkerConcurrency, len(chain.Tasks))))
	if err != nil {
		return nil, fmt.Errorf("open system of record: %w", err)
	}
	return store, nil
}

func openWAL(name string) (*wal.WAL, error) {
	path := filepath.Join(cfg.WALDir, name+".db")
	w, err := wal.Open(path, wal.WithWorkerName(name), wal.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	return w, nil
}

func dialBroker() (*broker.AMQP, error) {
	b, err := broker.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return b, nil
}

func newExecutor() (*executor.Executor, error) {
	policies, err := executor.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return executor.New(policies, executor.WithLogger(logger)), nil
}

func newModel() (*llm.Model, error) {
	m, err := llm.NewModel(cfg.LLM())
	if err != nil {
		return nil, fmt.Errorf("init model: %w", err)
	}
	return m, nil
}

// newRewards builds the catalog and the registry with one strategy per source.
func newRewards(store *sor.Store) (*reward.Catalog, *reward.Registry) {
	catalogCfg := reward.DefaultCatalogConfig()
	catalogCfg.Logger = logger
	catalog := reward.NewCatalog(store, catalogCfg)
	enabled := reward.Enabled(cfg.RewardEnabled)
	return catalog, reward.NewRegistry(
		reward.NewScanStrategy(catalog, store, enabled),
		reward.NewCategoryStrategy(reward.SourceChat, catalog, store, enabled),
	)
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
