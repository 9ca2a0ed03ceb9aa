// Package app assembles the worker components from a configuration. The
// server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/himmam-offline/internal/config"
	"github.com/Sternrassler/himmam-offline/pkg/archive"
	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/Sternrassler/himmam-offline/pkg/cache/dynamostore"
	"github.com/Sternrassler/himmam-offline/pkg/cache/sqlstore"
	"github.com/Sternrassler/himmam-offline/pkg/connectivity"
	"github.com/Sternrassler/himmam-offline/pkg/fetch"
	"github.com/Sternrassler/himmam-offline/pkg/intercept"
	"github.com/Sternrassler/himmam-offline/pkg/lifecycle"
	"github.com/Sternrassler/himmam-offline/pkg/logging"
	"github.com/Sternrassler/himmam-offline/pkg/protocol"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Storage    cache.Storage
	Tracker    *connectivity.Tracker
	Controller *intercept.Controller
	Lifecycle  *lifecycle.Manager
	Archiver   *archive.Archiver
	Clients    *protocol.Clients
	Worker     *protocol.Worker

	closers []func() error
	logger  zerolog.Logger
}

// New opens the configured storage and wires every component on top of it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: logging.NewLogger("app")}

	storage, redisClient, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Storage = storage

	a.Tracker = connectivity.NewTracker(redisClient, cfg.Storage.Redis.Prefix, cfg.Connectivity.OfflineThreshold, logging.NewLogger("connectivity"))

	// interception makes a single attempt; archive and install retry
	interceptFetcher := fetch.New(nil, fetch.Config{
		UserAgent: cfg.Server.UserAgent,
		Retry:     fetch.NoRetry(),
		Observer:  a.Tracker,
	}, logging.NewLogger("fetch"))
	assetFetcher := fetch.New(nil, fetch.Config{
		UserAgent: cfg.Server.UserAgent,
		Retry:     cfg.Archive.Retry,
		Observer:  a.Tracker,
	}, logging.NewLogger("fetch"))

	a.Controller, err = intercept.New(storage, interceptFetcher, intercept.Config{
		Names:    cfg.Stores,
		Coalesce: cfg.Intercept.Coalesce,
		Timeout:  cfg.Intercept.Timeout,
	}, logging.NewLogger("intercept"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create interception controller: %w", err)
	}

	a.Clients = protocol.NewClients(cfg.Protocol.InboxSize, logging.NewLogger("clients"))

	a.Lifecycle, err = lifecycle.New(storage, assetFetcher, a.Clients, lifecycle.Config{
		Names:    cfg.Stores,
		Origin:   cfg.Server.Origin,
		Manifest: cfg.Lifecycle.Manifest,
		Precache: cfg.Lifecycle.Precache,
	}, logging.NewLogger("lifecycle"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create lifecycle manager: %w", err)
	}

	a.Archiver, err = archive.New(storage, assetFetcher, archive.Config{
		Names:  cfg.Stores,
		Origin: cfg.Server.Origin,
		Policy: cfg.ArchivePolicy(),
	}, logging.NewLogger("archive"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create archiver: %w", err)
	}

	a.Worker = protocol.NewWorker(a.Archiver, a.Clients, logging.NewLogger("worker"))
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (cache.Storage, *redis.Client, error) {
	sc := a.Config.Storage
	switch sc.Backend {
	case config.BackendMemory:
		return cache.NewMemoryStorage(), nil, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", sc.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", sc.Redis.Addr).Msg("Connected to Redis")
		return cache.NewRedisStorage(client, sc.Redis.Prefix), client, nil

	case config.BackendSQLite, config.BackendPostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Dialect(sc.Backend), sc.SQL.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s storage: %w", sc.Backend, err)
		}
		a.closers = append(a.closers, s.Close)
		a.logger.Info().Str("backend", sc.Backend).Msg("Opened SQL storage")
		return s, nil, nil

	case config.BackendDynamoDB:
		var opts []func(*awsconfig.LoadOptions) error
		if sc.DynamoDB.Region != "" {
			opts = append(opts, awsconfig.WithRegion(sc.DynamoDB.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if sc.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(sc.DynamoDB.Endpoint)
			}
		})
		if sc.DynamoDB.CreateTable {
			if err := dynamostore.EnsureTable(ctx, client, sc.DynamoDB.Table); err != nil {
				return nil, nil, err
			}
		}
		s, err := dynamostore.New(client, dynamostore.Config{Table: sc.DynamoDB.Table})
		if err != nil {
			return nil, nil, err
		}
		a.logger.Info().Str("table", sc.DynamoDB.Table).Msg("Using DynamoDB storage")
		return s, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// Close releases storage connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
