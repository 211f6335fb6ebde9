// Command swrd serves JSON resources through a stale-while-revalidate cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-swr/pkg/cache"
	"github.com/illmade-knight/go-swr/pkg/config"
	"github.com/illmade-knight/go-swr/pkg/invalidation"
	"github.com/illmade-knight/go-swr/pkg/microservice"
	"github.com/illmade-knight/go-swr/pkg/source"
	"github.com/illmade-knight/go-swr/pkg/swr"
	"github.com/illmade-knight/go-swr/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("swrd exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces.")
		}
	}()

	store, closers, err := newStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeAll(closers, logger)

	client, err := newClient(cfg, store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing client.")
		}
	}()

	var broadcaster microservice.Broadcaster
	if cfg.Invalidation.Enabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.Invalidation.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		defer psClient.Close()

		listenerCfg := invalidation.NewListenerDefaults(cfg.Invalidation.SubscriptionID)
		listener, err := invalidation.NewListener(ctx, listenerCfg, psClient, client, logger)
		if err != nil {
			return err
		}
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := listener.Stop(stopCtx); err != nil {
				logger.Warn().Err(err).Msg("Invalidation listener did not stop cleanly.")
			}
		}()

		publisher, err := invalidation.NewPublisher(psClient, cfg.Invalidation.TopicID, listenerCfg.Origin, logger)
		if err != nil {
			return err
		}
		defer publisher.Stop()
		broadcaster = publisher
	}

	base := microservice.NewBaseServer(logger, cfg.HTTPPort)
	server, err := microservice.NewSWRServer(base, client, broadcaster, cfg.RequestTimeout, logger)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info().Str("port", server.GetHTTPPort()).Str("backend", cfg.Store.Backend).Msg("swrd started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newClient builds the HTTP source and the client over store. The client owns
// store once built; on failure store is closed here.
func newClient(cfg *config.Config, store cache.EntryStore, logger zerolog.Logger) (*swr.Client, error) {
	src, err := source.NewHTTPSource(source.HTTPConfig{
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.RequestTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, &http.Client{}, logger)
	if err != nil {
		return nil, errors.Join(err, closeStore(store))
	}

	client, err := swr.NewClient(swr.Config{
		Prefix:         cfg.CachePrefix,
		CacheTime:      cfg.CacheTime,
		RequestTimeout: cfg.RequestTimeout,
	}, store, src, logger)
	if err != nil {
		return nil, errors.Join(err, closeStore(store), src.Close())
	}
	return client, nil
}

func closeStore(store cache.EntryStore) error {
	if store == nil {
		return nil
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close entry store: %w", err)
	}
	return nil
}

// newStore builds the configured backend. The returned closers release any
// clients the store was built on, after the store itself.
func newStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (cache.EntryStore, []io.Closer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return cache.NewInMemoryStore(), nil, nil

	case config.BackendRedis:
		store, err := cache.NewRedisStore(ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case config.BackendSQLite:
		store, err := cache.NewSQLiteStore(&cfg.SQLite, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := cache.NewFirestoreStore(&cfg.Firestore, fsClient, logger)
		if err != nil {
			_ = fsClient.Close()
			return nil, nil, err
		}
		return store, []io.Closer{fsClient}, nil

	case config.BackendGCS:
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		store, err := cache.NewGCSStore(cache.NewGCSClientAdapter(gcsClient), cfg.GCS, logger)
		if err != nil {
			_ = gcsClient.Close()
			return nil, nil, err
		}
		return store, []io.Closer{gcsClient}, nil
	}
	return nil, nil, errors.New("unknown store backend " + cfg.Backend)
}

func closeAll(closers []io.Closer, logger zerolog.Logger) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing backend client.")
		}
	}
}
